package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/scanhunter/internal/cache"
	"github.com/kiranshivaraju/scanhunter/internal/metrics"
	"github.com/kiranshivaraju/scanhunter/internal/store"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

const sweepBatchSize = 100

// Sweeper abandons records that made no progress within the staleness window,
// e.g. runs interrupted by a process restart.
type Sweeper struct {
	store      store.Store
	cache      cache.Cache
	metrics    *metrics.Collector
	staleAfter time.Duration
	interval   time.Duration
	statusTTL  time.Duration
	now        func() time.Time
}

// NewSweeper creates a Sweeper. ca and mc may be nil.
func NewSweeper(st store.Store, ca cache.Cache, mc *metrics.Collector, staleAfter, interval, statusTTL time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if statusTTL <= 0 {
		statusTTL = 30 * time.Minute
	}
	return &Sweeper{
		store:      st,
		cache:      ca,
		metrics:    mc,
		staleAfter: staleAfter,
		interval:   interval,
		statusTTL:  statusTTL,
		now:        time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("staleness sweeper started", "interval", s.interval, "stale_after", s.staleAfter)
	for {
		select {
		case <-ctx.Done():
			slog.Info("staleness sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				slog.Error("staleness sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("abandoned stale uploads", "count", n)
			}
		}
	}
}

// SweepOnce abandons every stale record and returns how many it moved.
// Records that reach a terminal status concurrently are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.staleAfter)
	total := 0
	for {
		recs, err := s.store.ListStaleUploads(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return total, fmt.Errorf("listing stale uploads: %w", err)
		}

		moved := 0
		for _, rec := range recs {
			detail := fmt.Sprintf("no progress from %s since %s", rec.Status, rec.UpdatedAt.Format(time.RFC3339))
			updated, err := s.store.UpdateUploadStatus(ctx, rec.ArtifactID, models.StatusAbandoned,
				store.WithError(models.ErrorKindStale, detail))
			if err != nil {
				if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
					continue
				}
				return total, fmt.Errorf("abandoning upload %s: %w", rec.ArtifactID, err)
			}
			moved++
			if s.cache != nil {
				if err := s.cache.SetUploadStatus(ctx, updated.Projection(), s.statusTTL); err != nil {
					slog.Warn("cache write failed", "artifact_id", rec.ArtifactID, "error", err)
				}
			}
		}
		total += moved
		s.metrics.ObserveStale(moved)

		if len(recs) < sweepBatchSize || moved == 0 {
			return total, nil
		}
	}
}
