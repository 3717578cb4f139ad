package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/scanhunter/pkg/models"
	"github.com/spf13/viper"
)

// Config holds all configuration for the scanhunter server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Artifact  ArtifactConfig
	Inference InferenceConfig
	Pipeline  PipelineConfig
	Upload    UploadConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type ArtifactConfig struct {
	Backend string
	Local   LocalArtifactConfig
	S3      S3ArtifactConfig
	GCS     GCSArtifactConfig
}

type LocalArtifactConfig struct {
	Dir string
}

type S3ArtifactConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

type GCSArtifactConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

type InferenceConfig struct {
	Engine         string
	Timeout        time.Duration
	MaxConcurrency int
	MaxQueue       int
	HTTP           HTTPEngineConfig
	ONNX           ONNXEngineConfig
}

type HTTPEngineConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type ONNXEngineConfig struct {
	ModelPath    string
	MetadataPath string
	LibraryPath  string
}

// PipelineConfig controls the orchestrator's retry and reconciliation policy.
type PipelineConfig struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	StaleAfter     time.Duration
	SweepInterval  time.Duration
	StatusTTL      time.Duration
}

// RunBudget is the longest a single upload can spend in inference: every
// attempt timing out plus the largest backoff between attempts.
func (c *Config) RunBudget() time.Duration {
	attempts := time.Duration(c.Pipeline.MaxAttempts)
	return c.Inference.Timeout*attempts + c.Pipeline.BackoffMax*(attempts-1)
}

type UploadConfig struct {
	MaxBytes     int64
	FieldName    string
	AllowedTypes []string
}

type AuthConfig struct {
	APIKeys []models.APIKey
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

var validBackends = map[string]bool{
	"local": true,
	"s3":    true,
	"gcs":   true,
}

var validEngines = map[string]bool{
	"http": true,
	"onnx": true,
	"mock": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	keys, err := parseAPIKeys(v.GetString("AUTH_API_KEYS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("SCANHUNTER_PORT"),
			Env:  v.GetString("SCANHUNTER_ENV"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("DATABASE_DRIVER"),
			URL:             v.GetString("DATABASE_URL"),
			MaxOpenConns:    v.GetInt("DATABASE_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DATABASE_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DATABASE_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{
			URL: v.GetString("REDIS_URL"),
		},
		Artifact: ArtifactConfig{
			Backend: v.GetString("ARTIFACT_BACKEND"),
			Local: LocalArtifactConfig{
				Dir: v.GetString("ARTIFACT_LOCAL_DIR"),
			},
			S3: S3ArtifactConfig{
				Bucket:   v.GetString("ARTIFACT_S3_BUCKET"),
				Region:   v.GetString("ARTIFACT_S3_REGION"),
				Endpoint: v.GetString("ARTIFACT_S3_ENDPOINT"),
				Prefix:   v.GetString("ARTIFACT_S3_PREFIX"),
			},
			GCS: GCSArtifactConfig{
				Bucket:          v.GetString("ARTIFACT_GCS_BUCKET"),
				Prefix:          v.GetString("ARTIFACT_GCS_PREFIX"),
				CredentialsFile: v.GetString("ARTIFACT_GCS_CREDENTIALS_FILE"),
			},
		},
		Inference: InferenceConfig{
			Engine:         v.GetString("INFERENCE_ENGINE"),
			Timeout:        v.GetDuration("INFERENCE_TIMEOUT"),
			MaxConcurrency: v.GetInt("INFERENCE_MAX_CONCURRENCY"),
			MaxQueue:       v.GetInt("INFERENCE_MAX_QUEUE"),
			HTTP: HTTPEngineConfig{
				BaseURL: v.GetString("INFERENCE_HTTP_BASE_URL"),
				Model:   v.GetString("INFERENCE_HTTP_MODEL"),
				APIKey:  v.GetString("INFERENCE_HTTP_API_KEY"),
			},
			ONNX: ONNXEngineConfig{
				ModelPath:    v.GetString("INFERENCE_ONNX_MODEL_PATH"),
				MetadataPath: v.GetString("INFERENCE_ONNX_METADATA_PATH"),
				LibraryPath:  v.GetString("INFERENCE_ONNX_LIBRARY_PATH"),
			},
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    v.GetInt("PIPELINE_MAX_ATTEMPTS"),
			BackoffInitial: v.GetDuration("PIPELINE_BACKOFF_INITIAL"),
			BackoffMax:     v.GetDuration("PIPELINE_BACKOFF_MAX"),
			StaleAfter:     v.GetDuration("PIPELINE_STALE_AFTER"),
			SweepInterval:  v.GetDuration("PIPELINE_SWEEP_INTERVAL"),
			StatusTTL:      v.GetDuration("PIPELINE_STATUS_TTL"),
		},
		Upload: UploadConfig{
			MaxBytes:     v.GetInt64("UPLOAD_MAX_BYTES"),
			FieldName:    v.GetString("UPLOAD_FIELD_NAME"),
			AllowedTypes: splitList(v.GetString("UPLOAD_ALLOWED_TYPES")),
		},
		Auth: AuthConfig{
			APIKeys: keys,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SCANHUNTER_PORT", 8080)
	v.SetDefault("SCANHUNTER_ENV", "development")

	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "5m")

	v.SetDefault("ARTIFACT_BACKEND", "local")
	v.SetDefault("ARTIFACT_LOCAL_DIR", "./data/uploads")
	v.SetDefault("ARTIFACT_S3_REGION", "us-east-1")
	v.SetDefault("ARTIFACT_S3_PREFIX", "scans")
	v.SetDefault("ARTIFACT_GCS_PREFIX", "scans")

	v.SetDefault("INFERENCE_TIMEOUT", "30s")
	v.SetDefault("INFERENCE_MAX_CONCURRENCY", 4)
	v.SetDefault("INFERENCE_MAX_QUEUE", 32)
	v.SetDefault("INFERENCE_HTTP_BASE_URL", "http://localhost:5000")

	v.SetDefault("PIPELINE_MAX_ATTEMPTS", 3)
	v.SetDefault("PIPELINE_BACKOFF_INITIAL", "500ms")
	v.SetDefault("PIPELINE_BACKOFF_MAX", "10s")
	v.SetDefault("PIPELINE_STALE_AFTER", "10m")
	v.SetDefault("PIPELINE_SWEEP_INTERVAL", "1m")
	v.SetDefault("PIPELINE_STATUS_TTL", "30m")

	v.SetDefault("UPLOAD_MAX_BYTES", 5<<20)
	v.SetDefault("UPLOAD_FIELD_NAME", "image")
	v.SetDefault("UPLOAD_ALLOWED_TYPES", "image/png,image/jpeg")

	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
}

func (c *Config) validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBackends[c.Artifact.Backend] {
		return fmt.Errorf("ARTIFACT_BACKEND must be one of local, s3, gcs; got %q", c.Artifact.Backend)
	}
	if c.Artifact.Backend == "local" && c.Artifact.Local.Dir == "" {
		return fmt.Errorf("ARTIFACT_LOCAL_DIR is required when ARTIFACT_BACKEND is local")
	}
	if c.Artifact.Backend == "s3" && c.Artifact.S3.Bucket == "" {
		return fmt.Errorf("ARTIFACT_S3_BUCKET is required when ARTIFACT_BACKEND is s3")
	}
	if c.Artifact.Backend == "gcs" && c.Artifact.GCS.Bucket == "" {
		return fmt.Errorf("ARTIFACT_GCS_BUCKET is required when ARTIFACT_BACKEND is gcs")
	}

	if c.Inference.Engine == "" {
		return fmt.Errorf("INFERENCE_ENGINE is required")
	}
	if !validEngines[c.Inference.Engine] {
		return fmt.Errorf("INFERENCE_ENGINE must be one of http, onnx, mock; got %q", c.Inference.Engine)
	}
	if c.Inference.Engine == "http" {
		u := c.Inference.HTTP.BaseURL
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("INFERENCE_HTTP_BASE_URL must start with http:// or https://, got %q", u)
		}
	}
	if c.Inference.Engine == "onnx" && c.Inference.ONNX.ModelPath == "" {
		return fmt.Errorf("INFERENCE_ONNX_MODEL_PATH is required when INFERENCE_ENGINE is onnx")
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("INFERENCE_TIMEOUT must be positive")
	}
	if c.Inference.MaxConcurrency < 1 {
		return fmt.Errorf("INFERENCE_MAX_CONCURRENCY must be at least 1, got %d", c.Inference.MaxConcurrency)
	}
	if c.Inference.MaxQueue < 0 {
		return fmt.Errorf("INFERENCE_MAX_QUEUE must not be negative, got %d", c.Inference.MaxQueue)
	}

	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("PIPELINE_MAX_ATTEMPTS must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.StaleAfter <= 0 {
		return fmt.Errorf("PIPELINE_STALE_AFTER must be positive")
	}
	if budget := c.RunBudget(); c.Pipeline.StaleAfter <= budget {
		return fmt.Errorf("PIPELINE_STALE_AFTER (%s) must exceed the longest inference run (%s)", c.Pipeline.StaleAfter, budget)
	}

	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.Upload.MaxBytes)
	}
	if len(c.Upload.AllowedTypes) == 0 {
		return fmt.Errorf("UPLOAD_ALLOWED_TYPES must list at least one content type")
	}
	for _, t := range c.Upload.AllowedTypes {
		if !strings.HasPrefix(t, "image/") {
			return fmt.Errorf("UPLOAD_ALLOWED_TYPES may only contain image types, got %q", t)
		}
	}

	return nil
}

// parseAPIKeys parses "prefix:bcrypt-hash[:scope|scope],..." entries.
func parseAPIKeys(raw string) ([]models.APIKey, error) {
	var keys []models.APIKey
	for _, entry := range splitList(raw) {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("AUTH_API_KEYS entry %q must be prefix:hash[:scopes]", entry)
		}
		if len(parts[0]) != 8 {
			return nil, fmt.Errorf("AUTH_API_KEYS prefix %q must be exactly 8 characters", parts[0])
		}
		scopes := []string{"upload", "read"}
		if len(parts) == 3 && parts[2] != "" {
			scopes = strings.Split(parts[2], "|")
		}
		keys = append(keys, models.APIKey{
			KeyPrefix: parts[0],
			KeyHash:   parts[1],
			Scopes:    scopes,
		})
	}
	return keys, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
