// Package engine orchestrates the snapshot pipeline: validate and hash
// the agent state, frame it into a container, compress, and hand the
// artifact to a storage adapter - and the inverse, with integrity
// verification.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package engine

import (
	"context"
	"unicode/utf8"

	"github.com/NVIDIA/persist/backend"
	"github.com/NVIDIA/persist/cmn"
	"github.com/NVIDIA/persist/cmn/debug"
	"github.com/NVIDIA/persist/codec"
	"github.com/NVIDIA/persist/snap"
	"github.com/NVIDIA/persist/stats"
)

// gzip stream magic, used to select the inverse codec on load
var gzipMagic = []byte{0x1f, 0x8b}

// Args configures an Engine. Adapter is required.
type Args struct {
	Adapter     backend.Adapter
	Compression string // gzip (default) or none
	GzipLevel   int    // 1..9, default 6; PERSIST_COMPRESSION_LEVEL overrides
}

// Engine is safe to share across goroutines; it holds no per-operation
// state and never retries (transient recovery lives in the adapters).
type Engine struct {
	adapter backend.Adapter
	alg     string
	level   int
}

// MetaInput is the caller-supplied identity of a new snapshot.
type MetaInput struct {
	AgentID       string
	SessionID     string
	SnapshotIndex int64
	Description   string
}

func New(args Args) (*Engine, error) {
	if args.Adapter == nil {
		return nil, cmn.New(cmn.KindConfiguration, "engine requires a storage adapter")
	}
	alg := args.Compression
	if alg == "" {
		alg = cmn.CompressGzip
	}
	if !codec.Supported(alg) {
		return nil, cmn.Newf(cmn.KindConfiguration, "unknown compression algorithm %q", alg)
	}
	return &Engine{adapter: args.Adapter, alg: alg, level: codec.Level(args.GzipLevel)}, nil
}

// Save validates the agent-state payload, populates the snapshot
// metadata, frames and compresses the container, and persists it under
// key. The returned metadata is fully populated, including sizes.
func (e *Engine) Save(ctx context.Context, state []byte, in MetaInput, key string) (m *snap.Metadata, err error) {
	op := stats.Begin(e.backendTag(), "save", key)
	defer func() { op.End(err, string(cmn.KindOf(err))) }()

	if !utf8.Valid(state) {
		return nil, cmn.New(cmn.KindSerialization, "agent_state is not valid UTF-8")
	}
	if m, err = snap.NewMetadata(in.AgentID, in.SessionID, in.SnapshotIndex); err != nil {
		return nil, err
	}
	m.Description = in.Description
	m.CompressionAlgorithm = e.alg
	m.WithHash(state)

	debug.Assert(m.ContentHash != "")

	container := &snap.Container{Metadata: m, AgentState: state}
	framed, err := container.Marshal()
	if err != nil {
		return nil, err
	}
	compressed, err := codec.Compress(framed, e.alg, e.level)
	if err != nil {
		return nil, err
	}
	// sizes describe the artifact just built; they are returned to the
	// caller but not re-framed into the stored document
	m.UncompressedSize = int64(len(framed))
	m.CompressedSize = int64(len(compressed))

	if err = e.adapter.Save(ctx, key, compressed); err != nil {
		return nil, err
	}
	op.AddBytes(stats.DirOut, int64(len(compressed)))
	return m, nil
}

// Load retrieves, decompresses, and parses the artifact at key, then
// verifies the agent-state hash against the stored content_hash. A
// mismatch is fatal and never auto-repaired.
func (e *Engine) Load(ctx context.Context, key string) (m *snap.Metadata, state []byte, err error) {
	op := stats.Begin(e.backendTag(), "load", key)
	defer func() { op.End(err, string(cmn.KindOf(err))) }()

	m, state, err = e.load(ctx, op, key, true /*verify hash*/)
	return m, state, err
}

// GetMetadata is the cheap inspection path: it skips hash verification,
// so callers that need integrity must use Load or Verify.
func (e *Engine) GetMetadata(ctx context.Context, key string) (m *snap.Metadata, err error) {
	op := stats.Begin(e.backendTag(), "get_metadata", key)
	defer func() { op.End(err, string(cmn.KindOf(err))) }()

	m, _, err = e.load(ctx, op, key, false /*verify hash*/)
	return m, err
}

// Verify runs the full load path, discards the payload, and succeeds iff
// every check passes.
func (e *Engine) Verify(ctx context.Context, key string) (err error) {
	op := stats.Begin(e.backendTag(), "verify", key)
	defer func() { op.End(err, string(cmn.KindOf(err))) }()

	_, _, err = e.load(ctx, op, key, true /*verify hash*/)
	return err
}

func (e *Engine) load(ctx context.Context, op *stats.Op, key string, verifyHash bool) (*snap.Metadata, []byte, error) {
	compressed, err := e.adapter.Load(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	op.AddBytes(stats.DirIn, int64(len(compressed)))

	framed, err := codec.Decompress(compressed, detectAlgorithm(compressed))
	if err != nil {
		return nil, nil, err
	}
	container, err := snap.ParseContainer(framed)
	if err != nil {
		return nil, nil, err
	}
	m := container.Metadata
	if verifyHash {
		if actual := snap.HashOf(container.AgentState); actual != m.ContentHash {
			return nil, nil, cmn.NewIntegrityError(key, m.ContentHash, actual)
		}
	}
	return m, container.AgentState, nil
}

// detectAlgorithm sniffs the artifact framing; the algorithm recorded in
// metadata is unreadable until after decompression.
func detectAlgorithm(b []byte) string {
	if len(b) >= 2 && b[0] == gzipMagic[0] && b[1] == gzipMagic[1] {
		return cmn.CompressGzip
	}
	return cmn.CompressNone
}

func (e *Engine) Exists(ctx context.Context, key string) (ok bool, err error) {
	op := stats.Begin(e.backendTag(), "exists", key)
	defer func() { op.End(err, string(cmn.KindOf(err))) }()
	return e.adapter.Exists(ctx, key)
}

func (e *Engine) Delete(ctx context.Context, key string) (err error) {
	op := stats.Begin(e.backendTag(), "delete", key)
	defer func() { op.End(err, string(cmn.KindOf(err))) }()
	return e.adapter.Delete(ctx, key)
}

func (e *Engine) List(ctx context.Context, prefix string, visit func(key string) error) (err error) {
	op := stats.Begin(e.backendTag(), "list", prefix)
	defer func() { op.End(err, string(cmn.KindOf(err))) }()
	return e.adapter.List(ctx, prefix, visit)
}

func (e *Engine) backendTag() string { return e.adapter.Provider() }
