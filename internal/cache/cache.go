package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache stores upload status projections and rate-limit counters.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetUploadStatus(ctx context.Context, result *models.PredictionResult, ttl time.Duration) error
	GetUploadStatus(ctx context.Context, artifactID uuid.UUID) (*models.PredictionResult, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Close() error
}

// RedisCache is the go-redis backed Cache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache parses redisURL and returns a client. It does not dial.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// statusEntry carries the owner alongside the projection, which hides it from JSON.
type statusEntry struct {
	*models.PredictionResult
	Owner string `json:"owner,omitempty"`
}

// SetUploadStatus mirrors the current projection of an upload record.
func (c *RedisCache) SetUploadStatus(ctx context.Context, result *models.PredictionResult, ttl time.Duration) error {
	data, err := json.Marshal(statusEntry{PredictionResult: result, Owner: result.Owner})
	if err != nil {
		return fmt.Errorf("marshal upload status: %w", err)
	}
	return c.Set(ctx, UploadStatusKey(result.ArtifactID), data, ttl)
}

// GetUploadStatus returns the mirrored projection. A value that no longer
// decodes is evicted and reported as an error.
func (c *RedisCache) GetUploadStatus(ctx context.Context, artifactID uuid.UUID) (*models.PredictionResult, bool, error) {
	key := UploadStatusKey(artifactID)
	val, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}

	var result models.PredictionResult
	entry := statusEntry{PredictionResult: &result}
	if err := json.Unmarshal(val, &entry); err != nil {
		if derr := c.Delete(ctx, key); derr != nil {
			return nil, false, fmt.Errorf("unmarshal upload status: %w (evict: %v)", err, derr)
		}
		return nil, false, fmt.Errorf("unmarshal upload status: %w", err)
	}
	// json.RawMessage keeps a literal null.
	if string(result.Result) == "null" {
		result.Result = nil
	}
	result.Owner = entry.Owner
	return &result, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
