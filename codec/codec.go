// Package codec provides the symmetric compression codec applied to
// artifact containers before they reach a storage backend.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package codec

import (
	"bytes"
	"io"

	"github.com/NVIDIA/persist/cmn"
	"github.com/klauspost/compress/gzip"
)

const (
	DefaultGzipLevel = 6

	MinGzipLevel = gzip.BestSpeed
	MaxGzipLevel = gzip.BestCompression
)

// Level resolves the effective gzip level: the environment override wins,
// otherwise the requested level, with out-of-range values replaced by
// DefaultGzipLevel.
func Level(requested int) int {
	if requested < MinGzipLevel || requested > MaxGzipLevel {
		requested = DefaultGzipLevel
	}
	return cmn.EnvCompressionLevelOr(requested)
}

// Supported reports whether alg names a known algorithm.
func Supported(alg string) bool {
	return alg == cmn.CompressGzip || alg == cmn.CompressNone
}

// Compress returns b encoded with the named algorithm. The `none`
// pass-through returns the input unchanged.
func Compress(b []byte, alg string, level int) ([]byte, error) {
	switch alg {
	case cmn.CompressNone:
		return b, nil
	case cmn.CompressGzip:
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, Level(level))
		if err != nil {
			return nil, cmn.Wrap(cmn.KindCompression, "gzip writer", err)
		}
		if _, err := zw.Write(b); err != nil {
			zw.Close()
			return nil, cmn.Wrap(cmn.KindCompression, "gzip write", err)
		}
		if err := zw.Close(); err != nil {
			return nil, cmn.Wrap(cmn.KindCompression, "gzip flush", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, cmn.Newf(cmn.KindCompression, "unknown compression algorithm %q", alg)
	}
}

// Decompress is the exact inverse of Compress for the same algorithm.
func Decompress(b []byte, alg string) ([]byte, error) {
	switch alg {
	case cmn.CompressNone:
		return b, nil
	case cmn.CompressGzip:
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, cmn.Wrap(cmn.KindCompression, "gzip reader", err)
		}
		out, err := io.ReadAll(zr)
		if err != nil {
			zr.Close()
			return nil, cmn.Wrap(cmn.KindCompression, "gzip read", err)
		}
		if err := zr.Close(); err != nil {
			return nil, cmn.Wrap(cmn.KindCompression, "gzip close", err)
		}
		return out, nil
	default:
		return nil, cmn.Newf(cmn.KindCompression, "unknown compression algorithm %q", alg)
	}
}

// NewCompressReader wraps r so that reads yield the compressed stream,
// without materializing the whole input.
func NewCompressReader(r io.Reader, alg string, level int) (io.ReadCloser, error) {
	switch alg {
	case cmn.CompressNone:
		return io.NopCloser(r), nil
	case cmn.CompressGzip:
		pr, pw := io.Pipe()
		zw, err := gzip.NewWriterLevel(pw, Level(level))
		if err != nil {
			return nil, cmn.Wrap(cmn.KindCompression, "gzip writer", err)
		}
		go func() {
			_, cpErr := io.Copy(zw, r)
			if closeErr := zw.Close(); cpErr == nil {
				cpErr = closeErr
			}
			pw.CloseWithError(cpErr)
		}()
		return pr, nil
	default:
		return nil, cmn.Newf(cmn.KindCompression, "unknown compression algorithm %q", alg)
	}
}

// NewDecompressReader wraps a stored-artifact stream with the inverse of
// the algorithm recorded in metadata.
func NewDecompressReader(r io.ReadCloser, alg string) (io.ReadCloser, error) {
	switch alg {
	case cmn.CompressNone:
		return r, nil
	case cmn.CompressGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			r.Close()
			return nil, cmn.Wrap(cmn.KindCompression, "gzip reader", err)
		}
		return &decompressCloser{zr: zr, src: r}, nil
	default:
		r.Close()
		return nil, cmn.Newf(cmn.KindCompression, "unknown compression algorithm %q", alg)
	}
}

type decompressCloser struct {
	zr  *gzip.Reader
	src io.ReadCloser
}

func (dc *decompressCloser) Read(p []byte) (int, error) { return dc.zr.Read(p) }

func (dc *decompressCloser) Close() error {
	err := dc.zr.Close()
	if srcErr := dc.src.Close(); err == nil {
		err = srcErr
	}
	return err
}
