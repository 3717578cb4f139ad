package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanhunter/internal/pipeline"
	"github.com/kiranshivaraju/scanhunter/internal/store"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRecord(t *testing.T, st store.Store, status models.UploadStatus, age time.Duration) uuid.UUID {
	t.Helper()
	ts := time.Now().UTC().Add(-age)
	rec := &models.UploadRecord{
		ArtifactID: uuid.New(),
		Status:     status,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	switch status {
	case models.StatusInferenceSucceeded:
		rec.Result = []byte(`{"label":"Cancerous"}`)
	case models.StatusInferenceFailed, models.StatusAbandoned:
		rec.Error = &models.ErrorInfo{Kind: models.ErrorKindInternal, Detail: "seed"}
	}
	require.NoError(t, st.CreateUpload(context.Background(), rec))
	return rec.ArtifactID
}

func TestSweepOnce_AbandonsStaleRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	staleReceived := seedRecord(t, h.store, models.StatusReceived, time.Hour)
	staleRequested := seedRecord(t, h.store, models.StatusInferenceRequested, 30*time.Minute)
	fresh := seedRecord(t, h.store, models.StatusStored, time.Minute)
	done := seedRecord(t, h.store, models.StatusInferenceSucceeded, time.Hour)

	sw := pipeline.NewSweeper(h.store, h.cache, h.metrics, 10*time.Minute, time.Minute, time.Minute)
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []uuid.UUID{staleReceived, staleRequested} {
		rec, err := h.store.GetUpload(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAbandoned, rec.Status)
		require.NotNil(t, rec.Error)
		assert.Equal(t, models.ErrorKindStale, rec.Error.Kind)

		cached, ok, err := h.cache.GetUploadStatus(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.StatusAbandoned, cached.Status)
	}

	rec, err := h.store.GetUpload(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStored, rec.Status)

	rec, err = h.store.GetUpload(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInferenceSucceeded, rec.Status)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.StaleAbandoned))
}

func TestSweepOnce_NothingStale(t *testing.T) {
	h := newHarness(t)
	seedRecord(t, h.store, models.StatusReceived, time.Second)

	sw := pipeline.NewSweeper(h.store, nil, nil, 10*time.Minute, time.Minute, 0)
	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepOnce_SecondPassIsNoop(t *testing.T) {
	h := newHarness(t)
	seedRecord(t, h.store, models.StatusStored, time.Hour)

	sw := pipeline.NewSweeper(h.store, nil, nil, 10*time.Minute, time.Minute, 0)
	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepOnce_StoreError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Close())

	sw := pipeline.NewSweeper(h.store, nil, nil, time.Minute, time.Minute, 0)
	_, err := sw.SweepOnce(context.Background())
	assert.Error(t, err)
}

func TestSweeperRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	id := seedRecord(t, h.store, models.StatusReceived, time.Hour)

	sw := pipeline.NewSweeper(h.store, nil, nil, 10*time.Minute, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		rec, err := h.store.GetUpload(context.Background(), id)
		return err == nil && rec.Status == models.StatusAbandoned
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestSweeper_AbandonedRunCannotBeRevived(t *testing.T) {
	h := newHarness(t)
	id := seedRecord(t, h.store, models.StatusInferenceRequested, time.Hour)

	sw := pipeline.NewSweeper(h.store, nil, nil, 10*time.Minute, time.Minute, 0)
	_, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)

	_, err = h.store.UpdateUploadStatus(context.Background(), id, models.StatusInferenceSucceeded,
		store.WithResult([]byte(`{"label":"Cancerous"}`)))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, ok, err := h.cache.GetUploadStatus(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}
