// Package stats provides the observability hooks shared by the engine and
// the storage backends: structured events and counter/histogram signals.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"time"

	"github.com/rs/zerolog"
)

// Op tracks one public operation from entry to outcome. Begin emits the
// entry event; End emits success or failure, records latency, and bumps
// the counters.
type Op struct {
	backend string
	op      string
	key     string
	bytes   int64
	started time.Time
}

func Begin(backend, op, key string) *Op {
	o := &Op{backend: backend, op: op, key: key, started: time.Now()}
	logger := Logger(backend)
	logger.Debug().
		Str("op", op).
		Str("key", RedactKey(key)).
		Msg("begin")
	return o
}

// AddBytes accounts payload volume moved in the given direction.
func (o *Op) AddBytes(direction string, n int64) {
	if n > 0 {
		o.bytes += n
		BytesTotal.WithLabelValues(o.backend, o.op, direction).Add(float64(n))
	}
}

// End finalizes the operation. kind is the failure category, empty on
// success (callers pass cmn.KindOf(err)).
func (o *Op) End(err error, kind string) {
	elapsed := time.Since(o.started)
	OpsTotal.WithLabelValues(o.backend, o.op).Inc()
	Latency.WithLabelValues(o.backend, o.op).Observe(elapsed.Seconds())

	logger := Logger(o.backend)
	var ev *zerolog.Event
	if err != nil {
		ErrorsTotal.WithLabelValues(o.backend, o.op, kind).Inc()
		ev = logger.Error().Err(err).Str("kind", kind)
	} else {
		ev = logger.Info()
	}
	ev.Str("op", o.op).
		Str("key", RedactKey(o.key)).
		Int64("bytes", o.bytes).
		Dur("elapsed", elapsed).
		Msg("end")
}

// Retry emits the per-attempt retry event on behalf of the coordinator.
func Retry(backend, op string, attempt int, err error) {
	RetriesTotal.WithLabelValues(backend, op).Inc()
	logger := Logger(backend)
	logger.Warn().
		Str("op", op).
		Int("attempt", attempt).
		Err(err).
		Msg("retrying transient failure")
}
