// Package backend provides the storage-adapter contract, its local, S3,
// and GCS implementations, and the retry coordinator the network adapters
// share.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NVIDIA/persist/backend"
	"github.com/NVIDIA/persist/cmn"
	"github.com/NVIDIA/persist/stats"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const testBucket = "snapshots"

// fakeS3 is a wire-level S3 double: enough of the REST API for PUT, GET,
// HEAD, DELETE, ListObjectsV2, and the multipart upload flow, plus
// failure injection for retry tests.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	parts     map[string]map[int][]byte
	uploadSeq int

	putFailures  int // remaining object PUTs answered with 503
	partFailures int // remaining part PUTs answered with 503
	failPartPerm bool

	putHeaders   []http.Header
	multipartOps []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		parts:   make(map[string]map[int][]byte),
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"+testBucket), "/")
	q := r.URL.Query()

	if key == "" {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && q.Get("list-type") == "2":
			f.writeList(w, q.Get("prefix"))
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
		return
	}

	switch r.Method {
	case http.MethodPost:
		if _, ok := q["uploads"]; ok {
			f.uploadSeq++
			f.multipartOps = append(f.multipartOps, "create")
			uploadID := fmt.Sprintf("upload-%d", f.uploadSeq)
			f.parts[uploadID] = make(map[int][]byte)
			fmt.Fprintf(w, `<InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`,
				testBucket, key, uploadID)
			return
		}
		if uploadID := q.Get("uploadId"); uploadID != "" {
			f.multipartOps = append(f.multipartOps, "complete")
			parts := f.parts[uploadID]
			nums := make([]int, 0, len(parts))
			for n := range parts {
				nums = append(nums, n)
			}
			sort.Ints(nums)
			var body []byte
			for _, n := range nums {
				body = append(body, parts[n]...)
			}
			f.objects[key] = body
			delete(f.parts, uploadID)
			fmt.Fprintf(w, `<CompleteMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><ETag>"fake"</ETag></CompleteMultipartUploadResult>`,
				testBucket, key)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if uploadID := q.Get("uploadId"); uploadID != "" {
			partNum, _ := strconv.Atoi(q.Get("partNumber"))
			if f.failPartPerm && partNum > 1 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if f.partFailures > 0 {
				f.partFailures--
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			f.multipartOps = append(f.multipartOps, fmt.Sprintf("part-%d", partNum))
			f.parts[uploadID][partNum] = body
			w.Header().Set("ETag", fmt.Sprintf(`"part-%d"`, partNum))
			w.WriteHeader(http.StatusOK)
			return
		}
		if f.putFailures != 0 {
			if f.putFailures > 0 {
				f.putFailures--
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.putHeaders = append(f.putHeaders, r.Header.Clone())
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if body, ok := f.objects[key]; ok {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Write(body)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodHead:
		if body, ok := f.objects[key]; ok {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodDelete:
		if uploadID := q.Get("uploadId"); uploadID != "" {
			f.multipartOps = append(f.multipartOps, "abort")
			delete(f.parts, uploadID)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeS3) writeList(w http.ResponseWriter, prefix string) {
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(`<ListBucketResult><IsTruncated>false</IsTruncated>`)
	for _, k := range keys {
		fmt.Fprintf(&sb, `<Contents><Key>%s</Key><Size>%d</Size></Contents>`, k, len(f.objects[k]))
	}
	sb.WriteString(`</ListBucketResult>`)
	io.WriteString(w, sb.String())
}

func newS3Adapter(t *testing.T, f *fakeS3, args backend.S3Args) *backend.S3 {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "test-access-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test-secret-key")

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	args.Bucket = testBucket
	args.Region = "us-east-1"
	args.Endpoint = srv.URL
	if args.Retrier == nil {
		args.Retrier = &backend.Retrier{
			MaxElapsed: 5 * time.Second,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			Multiplier: 2.0,
		}
	}
	a, err := backend.NewS3(context.Background(), args)
	require.NoError(t, err)
	return a
}

func TestS3SaveLoadRoundTrip(t *testing.T) {
	f := newFakeS3()
	a := newS3Adapter(t, f, backend.S3Args{})
	ctx := context.Background()
	data := []byte(`{"metadata":{},"agent_state":{}}`)

	require.NoError(t, a.Save(ctx, "t.json.gz", data))

	got, err := a.Load(ctx, "t.json.gz")
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestS3SaveSetsContentTypeAndSSE(t *testing.T) {
	f := newFakeS3()
	a := newS3Adapter(t, f, backend.S3Args{KMSKeyID: "kms-key-42"})
	require.NoError(t, a.Save(context.Background(), "k", []byte("x")))

	require.Len(t, f.putHeaders, 1)
	hdr := f.putHeaders[0]
	require.Equal(t, cmn.ContentTypeGzip, hdr.Get("Content-Type"))
	require.Equal(t, "aws:kms", hdr.Get("X-Amz-Server-Side-Encryption"))
	require.Equal(t, "kms-key-42", hdr.Get("X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id"))
}

func TestS3KeyPrefix(t *testing.T) {
	f := newFakeS3()
	a := newS3Adapter(t, f, backend.S3Args{Prefix: "tenant-7"})
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "snap/1", []byte("x")))
	f.mu.Lock()
	_, stored := f.objects["tenant-7/snap/1"]
	f.mu.Unlock()
	require.True(t, stored, "configured prefix must be applied to object names")

	var keys []string
	require.NoError(t, a.List(ctx, "snap/", func(key string) error {
		keys = append(keys, key)
		return nil
	}))
	require.Equal(t, []string{"snap/1"}, keys, "configured prefix must be stripped from listed keys")
}

func TestS3LoadNotFound(t *testing.T) {
	a := newS3Adapter(t, newFakeS3(), backend.S3Args{})
	_, err := a.Load(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, cmn.IsNotFound(err))
}

func TestS3ExistsAndDelete(t *testing.T) {
	a := newS3Adapter(t, newFakeS3(), backend.S3Args{})
	ctx := context.Background()

	ok, err := a.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Save(ctx, "k", []byte("x")))
	ok, err = a.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Delete(ctx, "k"))
	require.NoError(t, a.Delete(ctx, "k")) // idempotent

	ok, err = a.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestS3TransientRetrySuccess(t *testing.T) {
	f := newFakeS3()
	a := newS3Adapter(t, f, backend.S3Args{})

	f.mu.Lock()
	f.putFailures = 2 // 503 twice, then 200
	f.mu.Unlock()

	before := testutil.ToFloat64(stats.RetriesTotal.WithLabelValues(cmn.ProviderAmazon, "save"))
	started := time.Now()
	require.NoError(t, a.Save(context.Background(), "k", []byte("x")))
	after := testutil.ToFloat64(stats.RetriesTotal.WithLabelValues(cmn.ProviderAmazon, "save"))

	require.Equal(t, float64(2), after-before, "two extra attempts expected")
	require.Less(t, time.Since(started), 30*time.Second)
}

func TestS3TransientRetryExhaustion(t *testing.T) {
	f := newFakeS3()
	a := newS3Adapter(t, f, backend.S3Args{Retrier: &backend.Retrier{
		MaxElapsed: 100 * time.Millisecond,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
		Multiplier: 2.0,
	}})

	f.mu.Lock()
	f.putFailures = -1 // always 503
	f.mu.Unlock()

	err := a.Save(context.Background(), "k", []byte("x"))
	require.Error(t, err)
	require.Equal(t, cmn.KindTransient, cmn.KindOf(err))

	// no partial artifact may be visible
	f.mu.Lock()
	f.putFailures = 0
	f.mu.Unlock()
	ok, err := a.Exists(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestS3MultipartCrossover(t *testing.T) {
	f := newFakeS3()
	a := newS3Adapter(t, f, backend.S3Args{})
	ctx := context.Background()

	// one MiB over the 8 MiB threshold: an 8 MiB part plus a 1 MiB part
	data := bytes.Repeat([]byte("s"), 9*cmn.MiB)
	require.NoError(t, a.Save(ctx, "big", data))

	f.mu.Lock()
	ops := append([]string(nil), f.multipartOps...)
	f.mu.Unlock()

	require.Contains(t, ops, "create")
	require.Contains(t, ops, "complete")
	var parts int
	for _, op := range ops {
		if strings.HasPrefix(op, "part-") {
			parts++
		}
	}
	require.GreaterOrEqual(t, parts, 2, "expected at least two uploaded parts")

	got, err := a.Load(ctx, "big")
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestS3MultipartTransientRetry(t *testing.T) {
	f := newFakeS3()
	a := newS3Adapter(t, f, backend.S3Args{})
	ctx := context.Background()

	f.mu.Lock()
	f.partFailures = 1 // 503 one part PUT, then heal
	f.mu.Unlock()

	before := testutil.ToFloat64(stats.RetriesTotal.WithLabelValues(cmn.ProviderAmazon, "save_stream"))
	data := bytes.Repeat([]byte("s"), 9*cmn.MiB)
	require.NoError(t, a.Save(ctx, "big", data))
	after := testutil.ToFloat64(stats.RetriesTotal.WithLabelValues(cmn.ProviderAmazon, "save_stream"))
	require.Equal(t, float64(1), after-before, "failed upload must be re-driven by the coordinator")

	f.mu.Lock()
	ops := append([]string(nil), f.multipartOps...)
	remaining := len(f.parts)
	f.mu.Unlock()
	require.Contains(t, ops, "abort", "first upload must be aborted before the retry")
	require.Contains(t, ops, "complete")
	require.Zero(t, remaining, "no dangling upload sessions")

	got, err := a.Load(ctx, "big")
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestS3MultipartAbortOnFailure(t *testing.T) {
	f := newFakeS3()
	a := newS3Adapter(t, f, backend.S3Args{})

	f.mu.Lock()
	f.failPartPerm = true
	f.mu.Unlock()

	err := a.Save(context.Background(), "big", bytes.Repeat([]byte("s"), 9*cmn.MiB))
	require.Error(t, err)

	f.mu.Lock()
	ops := append([]string(nil), f.multipartOps...)
	remaining := len(f.parts)
	f.mu.Unlock()
	require.Contains(t, ops, "abort", "failed multipart upload must be aborted")
	require.Zero(t, remaining, "no dangling upload sessions")
}

func TestS3StreamRoundTrip(t *testing.T) {
	f := newFakeS3()
	a := newS3Adapter(t, f, backend.S3Args{})
	ctx := context.Background()
	data := bytes.Repeat([]byte("0123456789abcdef"), cmn.MiB/2) // 8 MiB

	require.NoError(t, a.SaveStream(ctx, "streamed", bytes.NewReader(data)))

	rc, err := a.LoadStream(ctx, "streamed")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.True(t, bytes.Equal(data, got))
}

func TestS3MissingBucketConfig(t *testing.T) {
	_, err := backend.NewS3(context.Background(), backend.S3Args{})
	require.Error(t, err)
	require.Equal(t, cmn.KindConfiguration, cmn.KindOf(err))
}

func TestS3ListVisitorErrorStops(t *testing.T) {
	f := newFakeS3()
	a := newS3Adapter(t, f, backend.S3Args{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Save(ctx, fmt.Sprintf("k%d", i), []byte("x")))
	}

	var seen int
	err := a.List(ctx, "", func(string) error {
		seen++
		return io.ErrUnexpectedEOF
	})
	require.Error(t, err)
	require.Equal(t, 1, seen)
}
