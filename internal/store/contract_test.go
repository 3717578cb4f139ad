package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanhunter/internal/store"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord() *models.UploadRecord {
	return &models.UploadRecord{
		ArtifactID:   uuid.New(),
		Status:       models.StatusReceived,
		OriginalName: "scan.png",
		ContentType:  "image/png",
		SizeBytes:    2048,
		Owner:        "key:abcd1234",
	}
}

// runUploadContract exercises the behaviour every Store implementation must share.
func runUploadContract(t *testing.T, s store.Store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		rec := newRecord()
		require.NoError(t, s.CreateUpload(ctx, rec))

		got, err := s.GetUpload(ctx, rec.ArtifactID)
		require.NoError(t, err)
		assert.Equal(t, rec.ArtifactID, got.ArtifactID)
		assert.Equal(t, models.StatusReceived, got.Status)
		assert.Equal(t, "scan.png", got.OriginalName)
		assert.Equal(t, "image/png", got.ContentType)
		assert.Equal(t, int64(2048), got.SizeBytes)
		assert.Equal(t, "key:abcd1234", got.Owner)
		assert.Nil(t, got.Result)
		assert.Nil(t, got.Error)
		assert.False(t, got.CreatedAt.IsZero())
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		rec := newRecord()
		require.NoError(t, s.CreateUpload(ctx, rec))

		dup := newRecord()
		dup.ArtifactID = rec.ArtifactID
		err := s.CreateUpload(ctx, dup)
		assert.ErrorIs(t, err, store.ErrDuplicateKey)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := s.GetUpload(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ForwardPathToSucceeded", func(t *testing.T) {
		rec := newRecord()
		require.NoError(t, s.CreateUpload(ctx, rec))
		id := rec.ArtifactID

		stored, err := s.UpdateUploadStatus(ctx, id, models.StatusStored, store.WithStorage("/data/ab/"+id.String(), "digest"))
		require.NoError(t, err)
		assert.Equal(t, "digest", stored.Checksum)

		_, err = s.UpdateUploadStatus(ctx, id, models.StatusInferenceRequested)
		require.NoError(t, err)

		// Key order and spacing must survive the round trip.
		result := json.RawMessage(`{"probability": 0.12, "label":"Non-Cancerous"}`)
		done, err := s.UpdateUploadStatus(ctx, id, models.StatusInferenceSucceeded,
			store.WithResult(result), store.WithAttempts(1))
		require.NoError(t, err)
		assert.Equal(t, models.StatusInferenceSucceeded, done.Status)

		got, err := s.GetUpload(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInferenceSucceeded, got.Status)
		assert.Equal(t, string(result), string(got.Result))
		assert.Nil(t, got.Error)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "/data/ab/"+id.String(), got.StorageKey)
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	})

	t.Run("AbandonWithError", func(t *testing.T) {
		rec := newRecord()
		require.NoError(t, s.CreateUpload(ctx, rec))

		_, err := s.UpdateUploadStatus(ctx, rec.ArtifactID, models.StatusAbandoned,
			store.WithError(models.ErrorKindStorageFailure, "disk full"))
		require.NoError(t, err)

		got, err := s.GetUpload(ctx, rec.ArtifactID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAbandoned, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, models.ErrorKindStorageFailure, got.Error.Kind)
		assert.Equal(t, "disk full", got.Error.Detail)
		assert.Nil(t, got.Result)
	})

	t.Run("InvalidTransitionLeavesRecordUnchanged", func(t *testing.T) {
		rec := newRecord()
		require.NoError(t, s.CreateUpload(ctx, rec))
		before, err := s.GetUpload(ctx, rec.ArtifactID)
		require.NoError(t, err)

		_, err = s.UpdateUploadStatus(ctx, rec.ArtifactID, models.StatusInferenceSucceeded,
			store.WithResult(json.RawMessage(`{}`)))
		require.ErrorIs(t, err, store.ErrInvalidTransition)

		after, err := s.GetUpload(ctx, rec.ArtifactID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("TerminalHasNoExits", func(t *testing.T) {
		rec := newRecord()
		require.NoError(t, s.CreateUpload(ctx, rec))
		_, err := s.UpdateUploadStatus(ctx, rec.ArtifactID, models.StatusAbandoned,
			store.WithError(models.ErrorKindCancelled, "client went away"))
		require.NoError(t, err)

		_, err = s.UpdateUploadStatus(ctx, rec.ArtifactID, models.StatusStored)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
		_, err = s.UpdateUploadStatus(ctx, rec.ArtifactID, models.StatusAbandoned,
			store.WithError(models.ErrorKindStale, "again"))
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})

	t.Run("SucceededRequiresResult", func(t *testing.T) {
		rec := newRecord()
		require.NoError(t, s.CreateUpload(ctx, rec))
		_, err := s.UpdateUploadStatus(ctx, rec.ArtifactID, models.StatusStored)
		require.NoError(t, err)
		_, err = s.UpdateUploadStatus(ctx, rec.ArtifactID, models.StatusInferenceRequested)
		require.NoError(t, err)

		_, err = s.UpdateUploadStatus(ctx, rec.ArtifactID, models.StatusInferenceSucceeded)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		got, err := s.GetUpload(ctx, rec.ArtifactID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInferenceRequested, got.Status)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		_, err := s.UpdateUploadStatus(ctx, uuid.New(), models.StatusStored)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ConcurrentUpdatesSingleWinner", func(t *testing.T) {
		rec := newRecord()
		require.NoError(t, s.CreateUpload(ctx, rec))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.UpdateUploadStatus(ctx, rec.ArtifactID, models.StatusStored); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ListStaleUploads", func(t *testing.T) {
		old := newRecord()
		old.CreatedAt = time.Now().UTC().Add(-time.Hour)
		old.UpdatedAt = old.CreatedAt
		require.NoError(t, s.CreateUpload(ctx, old))

		fresh := newRecord()
		require.NoError(t, s.CreateUpload(ctx, fresh))

		oldDone := newRecord()
		oldDone.CreatedAt = time.Now().UTC().Add(-time.Hour)
		oldDone.UpdatedAt = oldDone.CreatedAt
		require.NoError(t, s.CreateUpload(ctx, oldDone))
		_, err := s.UpdateUploadStatus(ctx, oldDone.ArtifactID, models.StatusAbandoned,
			store.WithError(models.ErrorKindInternal, "boom"))
		require.NoError(t, err)

		stale, err := s.ListStaleUploads(ctx, time.Now().UTC().Add(-30*time.Minute), 100)
		require.NoError(t, err)

		ids := make(map[uuid.UUID]bool)
		for _, r := range stale {
			ids[r.ArtifactID] = true
			assert.False(t, r.Status.Terminal())
		}
		assert.True(t, ids[old.ArtifactID])
		assert.False(t, ids[fresh.ArtifactID])
		assert.False(t, ids[oldDone.ArtifactID])
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}
