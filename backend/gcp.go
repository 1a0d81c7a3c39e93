// Package backend provides the storage-adapter contract, its local, S3,
// and GCS implementations, and the retry coordinator the network adapters
// share.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"context"
	"errors"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/NVIDIA/persist/cmn"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// objects at or above this size go through a resumable-upload session,
// streamed in chunks of the same size
const gcsResumableThreshold = 5 * cmn.MiB

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// GCSArgs configures the GCS adapter. Bucket falls back to
// PERSIST_GCS_BUCKET; Prefix and KMSKeyName have matching env defaults.
type GCSArgs struct {
	Bucket      string
	Prefix      string
	CredsFile   string // service-account credentials path
	KMSKeyName  string
	Endpoint    string // emulator/test override
	ContentType string
	Timeout     time.Duration
	Retrier     *Retrier
}

// GCS is the Google Cloud Storage adapter. In addition to the engine's
// SHA-256 verification it validates the backend-reported CRC32C of every
// object it delivers.
type GCS struct {
	client  *storage.Client
	bck     *storage.BucketHandle
	retrier *Retrier
	bucket  string
	prefix  string
	kmsKey  string
	ctype   string
	timeout time.Duration
}

// interface guard
var _ Adapter = (*GCS)(nil)

// NewGCS constructs the adapter and validates bucket access up front.
func NewGCS(ctx context.Context, args GCSArgs) (*GCS, error) {
	bucket := cmn.GetEnv(args.Bucket, cmn.EnvGCSBucket)
	if bucket == "" {
		return nil, cmn.New(cmn.KindConfiguration, "gcs bucket is required")
	}
	var opts []option.ClientOption
	if args.CredsFile != "" {
		opts = append(opts, option.WithCredentialsFile(args.CredsFile))
	}
	if args.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(args.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, "create gcs client", err)
	}
	a := &GCS{
		client:  client,
		bck:     client.Bucket(bucket),
		retrier: args.Retrier,
		bucket:  bucket,
		prefix:  cmn.GetEnv(args.Prefix, cmn.EnvGCSPrefix),
		kmsKey:  cmn.GetEnv(args.KMSKeyName, cmn.EnvGCSKMSKey),
		ctype:   args.ContentType,
		timeout: args.Timeout,
	}
	if a.retrier == nil {
		a.retrier = NewRetrier()
	}
	if a.ctype == "" {
		a.ctype = cmn.ContentTypeGzip
	}
	if a.timeout <= 0 {
		a.timeout = defaultRequestTimeout
	}

	err = a.retrier.Do(ctx, cmn.ProviderGoogle, "head_bucket", func() error {
		rctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		_, err := a.bck.Attrs(rctx)
		return gcsClassifyErr(bucket, err)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (*GCS) Provider() string { return cmn.ProviderGoogle }

func (a *GCS) objName(key string) string {
	if a.prefix == "" {
		return key
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + key
}

func (a *GCS) newWriter(ctx context.Context, key string) *storage.Writer {
	w := a.bck.Object(a.objName(key)).NewWriter(ctx)
	w.ContentType = a.ctype
	if a.kmsKey != "" {
		w.KMSKeyName = a.kmsKey
	}
	return w
}

func (a *GCS) Save(ctx context.Context, key string, data []byte) error {
	if len(data) >= gcsResumableThreshold {
		// resumable path; not retried whole since the session is one-shot
		return a.saveResumable(ctx, key, data)
	}
	return a.retrier.Do(ctx, cmn.ProviderGoogle, "save", func() error {
		rctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		w := a.newWriter(rctx, key)
		w.ChunkSize = 0 // single-request upload below the threshold
		w.CRC32C = crc32.Checksum(data, crc32cTable)
		w.SendCRC32C = true
		if _, err := w.Write(data); err != nil {
			return gcsClassifyErr(key, err)
		}
		return gcsClassifyErr(key, w.Close())
	})
}

func (a *GCS) saveResumable(ctx context.Context, key string, data []byte) error {
	w := a.newWriter(ctx, key)
	w.ChunkSize = gcsResumableThreshold
	w.CRC32C = crc32.Checksum(data, crc32cTable)
	w.SendCRC32C = true
	if _, err := w.Write(data); err != nil {
		return gcsClassifyErr(key, err)
	}
	return gcsClassifyErr(key, w.Close())
}

// SaveStream opens a resumable session and streams the body through it.
// A mid-stream failure surfaces the underlying class; the abandoned
// session is garbage-collected by the backend.
func (a *GCS) SaveStream(ctx context.Context, key string, r io.Reader) error {
	w := a.newWriter(ctx, key)
	w.ChunkSize = gcsResumableThreshold
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return gcsClassifyErr(key, err)
	}
	return gcsClassifyErr(key, w.Close())
}

func (a *GCS) Load(ctx context.Context, key string) (data []byte, err error) {
	err = a.retrier.Do(ctx, cmn.ProviderGoogle, "load", func() error {
		rctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		r, err := a.bck.Object(a.objName(key)).NewReader(rctx)
		if err != nil {
			return gcsClassifyErr(key, err)
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		if err != nil {
			return cmn.Wrap(cmn.KindTransient, "read object body", err).WithKey(key)
		}
		return validateCRC32C(key, r.Attrs.CRC32C, crc32.Checksum(data, crc32cTable))
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// LoadStream validates the backend-reported CRC32C incrementally: the
// reader fails at EOF if the delivered bytes do not match.
func (a *GCS) LoadStream(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	err = a.retrier.Do(ctx, cmn.ProviderGoogle, "load_stream", func() error {
		r, err := a.bck.Object(a.objName(key)).NewReader(ctx)
		if err != nil {
			return gcsClassifyErr(key, err)
		}
		rc = &crcReader{rc: r, key: key, expected: r.Attrs.CRC32C}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (a *GCS) Exists(ctx context.Context, key string) (exists bool, err error) {
	err = a.retrier.Do(ctx, cmn.ProviderGoogle, "exists", func() error {
		rctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		_, err := a.bck.Object(a.objName(key)).Attrs(rctx)
		if err == nil {
			exists = true
			return nil
		}
		cerr := gcsClassifyErr(key, err)
		if cmn.IsNotFound(cerr) {
			exists = false
			return nil
		}
		return cerr
	})
	return exists, err
}

func (a *GCS) Delete(ctx context.Context, key string) error {
	return a.retrier.Do(ctx, cmn.ProviderGoogle, "delete", func() error {
		rctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		err := a.bck.Object(a.objName(key)).Delete(rctx)
		cerr := gcsClassifyErr(key, err)
		if cmn.IsNotFound(cerr) {
			return nil
		}
		return cerr
	})
}

func (a *GCS) List(ctx context.Context, prefix string, visit func(key string) error) error {
	confPrefix := ""
	if a.prefix != "" {
		confPrefix = strings.TrimSuffix(a.prefix, "/") + "/"
	}
	it := a.bck.Objects(ctx, &storage.Query{Prefix: confPrefix + prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return gcsClassifyErr(prefix, err)
		}
		if err := visit(strings.TrimPrefix(attrs.Name, confPrefix)); err != nil {
			return err
		}
	}
}

func validateCRC32C(key string, expected, actual uint32) error {
	// zero means the backend did not report a checksum
	if expected != 0 && expected != actual {
		return cmn.NewIntegrityError(key,
			strconv.FormatUint(uint64(expected), 10),
			strconv.FormatUint(uint64(actual), 10))
	}
	return nil
}

// crcReader accumulates CRC32C over the delivered bytes and validates it
// against the backend's value once the stream is fully drained.
type crcReader struct {
	rc       io.ReadCloser
	key      string
	expected uint32
	crc      uint32
}

func (r *crcReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.crc = crc32.Update(r.crc, crc32cTable, p[:n])
	}
	if err == io.EOF {
		if verr := validateCRC32C(r.key, r.expected, r.crc); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (r *crcReader) Close() error { return r.rc.Close() }

// gcsClassifyErr maps client failures onto the shared taxonomy.
func gcsClassifyErr(key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return cmn.NewNotFound(key)
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return cmn.Wrap(cmn.KindNotFound, "bucket does not exist", err).WithKey(key)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return cmn.NewNotFound(key)
		case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden:
			return cmn.NewPermissionDenied(key, err)
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= http.StatusInternalServerError:
			return cmn.Wrap(cmn.KindTransient, "server-side failure", err).WithKey(key)
		default:
			return cmn.Wrap(cmn.KindStorageIo, "request failed", err).WithKey(key)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cmn.Wrap(cmn.KindTransient, "request deadline exceeded", err).WithKey(key)
	}
	return cmn.Wrap(cmn.KindStorageIo, "storage failure", err).WithKey(key)
}
