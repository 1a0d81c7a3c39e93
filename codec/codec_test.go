// Package codec provides the symmetric compression codec applied to
// artifact containers before they reach a storage backend.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package codec_test

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/NVIDIA/persist/cmn"
	"github.com/NVIDIA/persist/codec"
	"github.com/stretchr/testify/require"
)

func randBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func TestCompressDecompress(t *testing.T) {
	tests := []struct {
		name  string
		alg   string
		level int
		in    []byte
	}{
		{name: "empty", alg: cmn.CompressGzip, level: 6, in: []byte{}},
		{name: "small", alg: cmn.CompressGzip, level: 6, in: []byte(`{"k":"v"}`)},
		{name: "best_speed", alg: cmn.CompressGzip, level: 1, in: randBytes(64 * cmn.KiB)},
		{name: "best_compression", alg: cmn.CompressGzip, level: 9, in: randBytes(64 * cmn.KiB)},
		{name: "compressible", alg: cmn.CompressGzip, level: 6, in: []byte(strings.Repeat("agent_state ", 4096))},
		{name: "none", alg: cmn.CompressNone, level: 0, in: randBytes(cmn.KiB)},
		{name: "none_empty", alg: cmn.CompressNone, level: 0, in: []byte{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			compressed, err := codec.Compress(test.in, test.alg, test.level)
			require.NoError(t, err)

			out, err := codec.Decompress(compressed, test.alg)
			require.NoError(t, err)
			require.True(t, bytes.Equal(test.in, out), "round-trip mismatch")
		})
	}
}

func TestCompressShrinksRepetitiveInput(t *testing.T) {
	in := []byte(strings.Repeat(`{"role":"assistant","content":"..."}`, 2048))
	compressed, err := codec.Compress(in, cmn.CompressGzip, codec.DefaultGzipLevel)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(in))
}

func TestDecompressGarbage(t *testing.T) {
	_, err := codec.Decompress([]byte("definitely not gzip"), cmn.CompressGzip)
	require.Error(t, err)
	require.Equal(t, cmn.KindCompression, cmn.KindOf(err))
}

func TestDecompressTruncated(t *testing.T) {
	compressed, err := codec.Compress(randBytes(32*cmn.KiB), cmn.CompressGzip, 6)
	require.NoError(t, err)

	_, err = codec.Decompress(compressed[:len(compressed)-1], cmn.CompressGzip)
	require.Error(t, err)
	require.Equal(t, cmn.KindCompression, cmn.KindOf(err))
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := codec.Compress([]byte("x"), "zstd", 6)
	require.Equal(t, cmn.KindCompression, cmn.KindOf(err))

	_, err = codec.Decompress([]byte("x"), "zstd")
	require.Equal(t, cmn.KindCompression, cmn.KindOf(err))

	require.False(t, codec.Supported("zstd"))
	require.True(t, codec.Supported(cmn.CompressGzip))
	require.True(t, codec.Supported(cmn.CompressNone))
}

func TestStreamingRoundTrip(t *testing.T) {
	for _, alg := range []string{cmn.CompressGzip, cmn.CompressNone} {
		t.Run(alg, func(t *testing.T) {
			in := randBytes(2 * cmn.MiB)

			cr, err := codec.NewCompressReader(bytes.NewReader(in), alg, codec.DefaultGzipLevel)
			require.NoError(t, err)
			compressed, err := io.ReadAll(cr)
			require.NoError(t, err)
			require.NoError(t, cr.Close())

			dr, err := codec.NewDecompressReader(io.NopCloser(bytes.NewReader(compressed)), alg)
			require.NoError(t, err)
			out, err := io.ReadAll(dr)
			require.NoError(t, err)
			require.NoError(t, dr.Close())

			require.True(t, bytes.Equal(in, out))
		})
	}
}

func TestStreamingMatchesBuffered(t *testing.T) {
	in := randBytes(256 * cmn.KiB)
	compressed, err := codec.Compress(in, cmn.CompressGzip, 6)
	require.NoError(t, err)

	dr, err := codec.NewDecompressReader(io.NopCloser(bytes.NewReader(compressed)), cmn.CompressGzip)
	require.NoError(t, err)
	out, err := io.ReadAll(dr)
	require.NoError(t, err)
	require.NoError(t, dr.Close())
	require.True(t, bytes.Equal(in, out))
}

func TestLevelOutOfRangeFallsBackToDefault(t *testing.T) {
	require.Equal(t, codec.DefaultGzipLevel, codec.Level(0))
	require.Equal(t, codec.DefaultGzipLevel, codec.Level(42))
	require.Equal(t, 3, codec.Level(3))
}

func TestLevelEnvOverride(t *testing.T) {
	t.Setenv(cmn.EnvCompressionLevel, "9")
	require.Equal(t, 9, codec.Level(6))

	t.Setenv(cmn.EnvCompressionLevel, "bogus")
	require.Equal(t, 6, codec.Level(6))
}
