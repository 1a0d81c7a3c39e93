// Package backend provides the storage-adapter contract, its local, S3,
// and GCS implementations, and the retry coordinator the network adapters
// share.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"context"
	"math/rand"
	"time"

	"github.com/NVIDIA/persist/cmn"
	"github.com/NVIDIA/persist/stats"
)

const (
	DefaultMaxElapsed = 30 * time.Second
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
	DefaultMultiplier = 2.0
)

// Retrier drives transient-failure recovery for the network adapters.
// It is stateless across operations and safe for concurrent use; adapters
// hold it by shared reference.
type Retrier struct {
	MaxElapsed  time.Duration // total budget; 0 means DefaultMaxElapsed
	MaxAttempts int           // 0 means unbounded within the budget
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func NewRetrier() *Retrier {
	return &Retrier{
		MaxElapsed: DefaultMaxElapsed,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
	}
}

// Do invokes fn until it succeeds, fails with a non-transient error, or
// the budget runs out. Only errors of kind Transient re-enter the loop;
// everything else short-circuits unchanged. Backoff is exponential with
// full jitter. Each retry is emitted as an observability event under
// (backend, op).
func (r *Retrier) Do(ctx context.Context, backend, op string, fn func() error) error {
	var (
		budget     = r.MaxElapsed
		base       = r.BaseDelay
		maxDelay   = r.MaxDelay
		multiplier = r.Multiplier
	)
	if budget <= 0 {
		budget = DefaultMaxElapsed
	}
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if multiplier < 1 {
		multiplier = DefaultMultiplier
	}

	deadline := time.Now().Add(budget)
	delay := base
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !cmn.IsTransient(err) {
			return err
		}
		if r.MaxAttempts > 0 && attempt >= r.MaxAttempts {
			return err
		}

		// full jitter over the current (capped) exponential step
		sleep := time.Duration(rand.Int63n(int64(delay) + 1))
		if time.Now().Add(sleep).After(deadline) {
			return err
		}

		stats.Retry(backend, op, attempt, err)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return cmn.Wrap(cmn.KindTransient, "operation canceled while backing off", ctx.Err()).WithKey(op)
		}

		delay = time.Duration(float64(delay) * multiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
