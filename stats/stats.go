// Package stats provides the observability hooks shared by the engine and
// the storage backends: structured events and counter/histogram signals.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"os"
	"path"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// byte-flow directions for BytesTotal
const (
	DirIn  = "in"
	DirOut = "out"
)

var (
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_ops_total",
			Help: "Total number of storage operations by backend and operation",
		},
		[]string{"backend", "op"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_errors_total",
			Help: "Total number of failed operations by backend, operation, and error kind",
		},
		[]string{"backend", "op", "kind"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_retries_total",
			Help: "Total number of retry attempts by backend and operation",
		},
		[]string{"backend", "op"},
	)

	BytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_bytes_total",
			Help: "Total bytes moved by backend, operation, and direction",
		},
		[]string{"backend", "op", "direction"},
	)

	Latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "persist_latency_seconds",
			Help:    "Operation wall-clock time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

var logger zerolog.Logger

func init() {
	prometheus.MustRegister(OpsTotal, ErrorsTotal, RetriesTotal, BytesTotal, Latency)

	level := zerolog.InfoLevel
	if v, ok := os.LookupEnv("PERSIST_LOG_LEVEL"); ok {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "persist").Logger()
}

// Logger returns a child logger tagged with the given backend.
func Logger(backend string) zerolog.Logger {
	return logger.With().Str("backend", backend).Logger()
}

// RedactKey hides all but the last path component of an artifact key unless
// debug verbosity is enabled. Keys can embed directory structure the
// operator may not want in shared logs.
func RedactKey(key string) string {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		return key
	}
	return path.Base(key)
}
