package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kiranshivaraju/scanhunter/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── helpers ────────────────────────────────────────────────────────────────

// setLocalEnv points config at SQLite, a temp artifact dir, an in-process
// Redis and the mock engine.
func setLocalEnv(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "scanhunter.db"))
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("ARTIFACT_BACKEND", "local")
	t.Setenv("ARTIFACT_LOCAL_DIR", filepath.Join(dir, "uploads"))
	t.Setenv("INFERENCE_ENGINE", "mock")
	t.Setenv("AUTH_API_KEYS", "")
	return mr
}

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func uploadRequest(t *testing.T) *http.Request {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, img))

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", "scan.png")
	require.NoError(t, err)
	_, err = part.Write(pngBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

// ─── newApp wiring tests ────────────────────────────────────────────────────

func TestNewApp_LocalStack(t *testing.T) {
	setLocalEnv(t)
	cfg := loadConfig(t)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NotNil(t, a.sweeper)

	health := httptest.NewRecorder()
	a.handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)

	up := httptest.NewRecorder()
	a.handler.ServeHTTP(up, uploadRequest(t))
	require.Equal(t, http.StatusOK, up.Code, up.Body.String())

	var body struct {
		Data struct {
			ArtifactID string `json:"artifact_id"`
			Status     string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(up.Body.Bytes(), &body))
	assert.Equal(t, "InferenceSucceeded", body.Data.Status)

	poll := httptest.NewRecorder()
	a.handler.ServeHTTP(poll, httptest.NewRequest(http.MethodGet, "/api/v1/images/"+body.Data.ArtifactID, nil))
	assert.Equal(t, http.StatusOK, poll.Code)

	m := httptest.NewRecorder()
	a.handler.ServeHTTP(m, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, m.Code)
	assert.Contains(t, m.Body.String(), "scanhunter_inference_in_flight 0")
}

func TestNewApp_HealthDegradedWhenRedisDown(t *testing.T) {
	mr := setLocalEnv(t)
	cfg := loadConfig(t)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	mr.SetError("server down")
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "degraded", details["cache"])
	assert.Equal(t, "ok", details["database"])
}

func TestNewApp_FailsOnUnreachableRedis(t *testing.T) {
	mr := setLocalEnv(t)
	cfg := loadConfig(t)
	mr.SetError("server down")

	_, err := newApp(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestNewApp_FailsOnBadDatabase(t *testing.T) {
	setLocalEnv(t)
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "missing", "dir", "db.sqlite"))
	cfg := loadConfig(t)

	_, err := newApp(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestNewApp_FailsOnMissingONNXModel(t *testing.T) {
	setLocalEnv(t)
	t.Setenv("INFERENCE_ENGINE", "onnx")
	t.Setenv("INFERENCE_ONNX_MODEL_PATH", filepath.Join(t.TempDir(), "missing.onnx"))
	cfg := loadConfig(t)

	_, err := newApp(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create inference engine")
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "INFERENCE_ENGINE"} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("INFERENCE_ENGINE", "mock")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run migrations")
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestRequestTimeout_CoversRetries(t *testing.T) {
	cfg := &config.Config{
		Inference: config.InferenceConfig{Timeout: 30 * time.Second},
		Pipeline:  config.PipelineConfig{MaxAttempts: 3, BackoffMax: 10 * time.Second},
	}
	assert.Equal(t, 110*time.Second+requestSlack, requestTimeout(cfg))
}
