// Package inference wraps a prediction engine with timeouts, a shared
// concurrency ceiling and typed failures.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/scanhunter/pkg/models"
	"golang.org/x/sync/semaphore"
)

// Pinger is implemented by engines that can report their own readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	Timeout        time.Duration
	MaxConcurrency int
	MaxQueue       int
}

// Client is the single entry point to the configured engine. It is safe for
// concurrent use; at most MaxConcurrency calls run against the engine at once
// and at most MaxQueue callers wait for a slot.
type Client struct {
	engine   models.Predictor
	sem      *semaphore.Weighted
	timeout  time.Duration
	maxQueue int64

	waiting  atomic.Int64
	inFlight atomic.Int64
}

// NewClient wraps engine. Non-positive options fall back to 30s, 4 and 32.
func NewClient(engine models.Predictor, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.MaxQueue < 0 {
		opts.MaxQueue = 32
	}
	return &Client{
		engine:   engine,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		timeout:  opts.Timeout,
		maxQueue: int64(opts.MaxQueue),
	}
}

// Engine returns the name of the wrapped engine.
func (c *Client) Engine() string { return c.engine.Name() }

// InFlight returns the number of calls currently running against the engine.
func (c *Client) InFlight() int64 { return c.inFlight.Load() }

// Waiting returns the number of callers queued for a slot.
func (c *Client) Waiting() int64 { return c.waiting.Load() }

// Predict runs one inference call. The per-call timeout covers both the wait
// for a slot and the engine call. Failures are *Error values, except when ctx
// itself is cancelled, in which case the context error is returned.
func (c *Client) Predict(ctx context.Context, req models.PredictionRequest) (models.Prediction, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if !c.sem.TryAcquire(1) {
		if c.waiting.Add(1) > c.maxQueue {
			c.waiting.Add(-1)
			return models.Prediction{}, c.wrap(NewError(KindUnreachable, "inference queue full"))
		}
		err := c.sem.Acquire(callCtx, 1)
		c.waiting.Add(-1)
		if err != nil {
			return models.Prediction{}, c.contextError(ctx, err)
		}
	}

	type outcome struct {
		pred models.Prediction
		err  error
	}
	// The slot is held until the engine returns, even if the caller has
	// already given up, so the ceiling counts abandoned calls too.
	done := make(chan outcome, 1)
	c.inFlight.Add(1)
	go func() {
		defer c.sem.Release(1)
		defer c.inFlight.Add(-1)
		pred, err := c.engine.Predict(callCtx, req)
		done <- outcome{pred: pred, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return models.Prediction{}, fmt.Errorf("inference call aborted: %w", ctx.Err())
		}
		return models.Prediction{}, c.wrap(&Error{Kind: KindTimeout, Err: callCtx.Err()})
	}

	pred, err := out.pred, out.err
	if err != nil {
		if ctx.Err() != nil {
			return models.Prediction{}, fmt.Errorf("inference call aborted: %w", ctx.Err())
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return models.Prediction{}, c.wrap(&Error{Kind: KindTimeout, Err: err})
		}
		return models.Prediction{}, c.wrap(Classify(err))
	}

	if len(pred.Payload) == 0 || !json.Valid(pred.Payload) {
		return models.Prediction{}, c.wrap(NewError(KindMalformed, "engine returned an empty or invalid payload"))
	}
	if bytes.Equal(bytes.TrimSpace(pred.Payload), []byte("null")) {
		return models.Prediction{}, c.wrap(NewError(KindMalformed, "engine returned a null payload"))
	}
	if pred.Engine == "" {
		pred.Engine = c.engine.Name()
	}
	return pred, nil
}

// Ping reports engine readiness when the engine supports it.
func (c *Client) Ping(ctx context.Context) error {
	if p, ok := c.engine.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return c.wrap(Classify(err))
		}
	}
	return nil
}

func (c *Client) contextError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("inference call aborted: %w", parent.Err())
	}
	return c.wrap(&Error{Kind: KindTimeout, Err: fmt.Errorf("waiting for inference slot: %w", err)})
}

func (c *Client) wrap(e *Error) *Error {
	if e.Engine == "" {
		e.Engine = c.engine.Name()
	}
	return e
}
