// Package backend provides the storage-adapter contract, its local, S3,
// and GCS implementations, and the retry coordinator the network adapters
// share.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NVIDIA/persist/cmn"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

const (
	// payloads at or above this size are handed to the multipart uploader,
	// which uses parts of the same size; a body of exactly one part still
	// goes up as a single PUT
	s3MultipartThreshold = 8 * cmn.MiB

	s3SSEKMS = "aws:kms"

	defaultRequestTimeout = 30 * time.Second
)

// S3Args configures the S3 adapter. Bucket is required; everything else
// has defaults. Endpoint enables S3-compatible stores.
type S3Args struct {
	Bucket      string
	Region      string
	Endpoint    string
	Prefix      string
	KMSKeyID    string // default: PERSIST_S3_KMS_KEY
	ContentType string // default: application/gzip
	Timeout     time.Duration
	Retrier     *Retrier
}

// S3 is the object-store adapter for AWS S3 and compatible backends. The
// client and the retrier are shared and immutable after construction.
type S3 struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	retrier  *Retrier
	bucket   string
	prefix   string
	kmsKeyID string
	ctype    string
	timeout  time.Duration
}

// interface guard
var _ Adapter = (*S3)(nil)

// NewS3 constructs the adapter and validates bucket access up front
// (HEAD-bucket). There is no lazy validation: a misconfigured bucket
// fails here, not on first save.
func NewS3(ctx context.Context, args S3Args) (*S3, error) {
	if args.Bucket == "" {
		return nil, cmn.New(cmn.KindConfiguration, "s3 bucket is required")
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, "create aws session", err)
	}
	// the coordinator owns retry policy; keep the SDK's own retry layer off
	conf := &aws.Config{MaxRetries: aws.Int(0)}
	if args.Region != "" {
		conf.Region = aws.String(args.Region)
	}
	if args.Endpoint != "" {
		conf.Endpoint = aws.String(args.Endpoint)
		conf.S3ForcePathStyle = aws.Bool(true)
	}
	a := &S3{
		svc:      s3.New(sess, conf),
		retrier:  args.Retrier,
		bucket:   args.Bucket,
		prefix:   args.Prefix,
		kmsKeyID: cmn.GetEnv(args.KMSKeyID, cmn.EnvS3KMSKey),
		ctype:    args.ContentType,
		timeout:  args.Timeout,
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
	a.uploader = s3manager.NewUploaderWithClient(a.svc, func(u *s3manager.Uploader) {
		u.PartSize = s3MultipartThreshold
		u.LeavePartsOnError = false // abort multipart on any per-part failure
	})

	err = a.retrier.Do(ctx, cmn.ProviderAmazon, "head_bucket", func() error {
		rctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		_, err := a.svc.HeadBucketWithContext(rctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
		return s3ClassifyErr(a.bucket, err)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (*S3) Provider() string { return cmn.ProviderAmazon }

func (a *S3) objName(key string) string {
	if a.prefix == "" {
		return key
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + key
}

func (a *S3) Save(ctx context.Context, key string, data []byte) error {
	if len(data) >= s3MultipartThreshold {
		return a.SaveStream(ctx, key, bytes.NewReader(data))
	}
	return a.retrier.Do(ctx, cmn.ProviderAmazon, "save", func() error {
		rctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		input := &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(a.objName(key)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(a.ctype),
		}
		a.applySSE(input)
		_, err := a.svc.PutObjectWithContext(rctx, input)
		return s3ClassifyErr(key, err)
	})
}

// SaveStream feeds the reader into the multipart machinery; the uploader
// switches to CreateMultipartUpload/UploadPart/CompleteMultipartUpload
// once the body exceeds one part and aborts the upload on failure. Like
// every other network call, the upload runs under the retry coordinator:
// a transient failure aborts the open upload, the body is rewound, and
// the whole upload is re-driven. A body that is not an io.ReadSeeker
// cannot be replayed after a failed attempt, so it gets exactly one.
func (a *S3) SaveStream(ctx context.Context, key string, r io.Reader) error {
	seeker, canRewind := r.(io.ReadSeeker)
	if !canRewind {
		return s3ClassifyErr(key, a.upload(ctx, key, r))
	}
	first := true
	return a.retrier.Do(ctx, cmn.ProviderAmazon, "save_stream", func() error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return cmn.Wrap(cmn.KindStorageIo, "rewind upload body", err).WithKey(key)
			}
		}
		first = false
		return s3ClassifyErr(key, a.upload(ctx, key, seeker))
	})
}

func (a *S3) upload(ctx context.Context, key string, body io.Reader) error {
	input := &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.objName(key)),
		Body:        body,
		ContentType: aws.String(a.ctype),
	}
	if a.kmsKeyID != "" {
		input.ServerSideEncryption = aws.String(s3SSEKMS)
		input.SSEKMSKeyId = aws.String(a.kmsKeyID)
	}
	_, err := a.uploader.UploadWithContext(ctx, input)
	return err
}

func (a *S3) applySSE(input *s3.PutObjectInput) {
	if a.kmsKeyID != "" {
		input.ServerSideEncryption = aws.String(s3SSEKMS)
		input.SSEKMSKeyId = aws.String(a.kmsKeyID)
	}
}

func (a *S3) Load(ctx context.Context, key string) (data []byte, err error) {
	err = a.retrier.Do(ctx, cmn.ProviderAmazon, "load", func() error {
		rctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		obj, err := a.svc.GetObjectWithContext(rctx, &s3.GetObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.objName(key)),
		})
		if err != nil {
			return s3ClassifyErr(key, err)
		}
		defer obj.Body.Close()
		data, err = io.ReadAll(obj.Body)
		if err != nil {
			// body interrupted mid-stream; eligible for another attempt
			return cmn.Wrap(cmn.KindTransient, "read object body", err).WithKey(key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// LoadStream hands out the SDK's byte stream without buffering the
// object. No per-request timeout here: the caller drains at its own pace
// and cancels via ctx.
func (a *S3) LoadStream(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	err = a.retrier.Do(ctx, cmn.ProviderAmazon, "load_stream", func() error {
		obj, err := a.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.objName(key)),
		})
		if err != nil {
			return s3ClassifyErr(key, err)
		}
		rc = obj.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (a *S3) Exists(ctx context.Context, key string) (exists bool, err error) {
	err = a.retrier.Do(ctx, cmn.ProviderAmazon, "exists", func() error {
		rctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		_, err := a.svc.HeadObjectWithContext(rctx, &s3.HeadObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.objName(key)),
		})
		if err == nil {
			exists = true
			return nil
		}
		cerr := s3ClassifyErr(key, err)
		if cmn.IsNotFound(cerr) {
			exists = false
			return nil
		}
		return cerr
	})
	return exists, err
}

func (a *S3) Delete(ctx context.Context, key string) error {
	return a.retrier.Do(ctx, cmn.ProviderAmazon, "delete", func() error {
		rctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		_, err := a.svc.DeleteObjectWithContext(rctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.objName(key)),
		})
		cerr := s3ClassifyErr(key, err)
		if cmn.IsNotFound(cerr) {
			return nil
		}
		return cerr
	})
}

func (a *S3) List(ctx context.Context, prefix string, visit func(key string) error) error {
	var (
		confPrefix = ""
		visitErr   error
	)
	if a.prefix != "" {
		confPrefix = strings.TrimSuffix(a.prefix, "/") + "/"
	}
	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(confPrefix + prefix),
	}
	err := a.svc.ListObjectsV2PagesWithContext(ctx, params,
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, obj := range page.Contents {
				key := strings.TrimPrefix(aws.StringValue(obj.Key), confPrefix)
				if visitErr = visit(key); visitErr != nil {
					return false
				}
			}
			return true
		})
	if visitErr != nil {
		return visitErr
	}
	return s3ClassifyErr(prefix, err)
}

// s3ClassifyErr maps SDK failures onto the shared taxonomy. The table is
// the single source of truth for what the retry coordinator treats as
// transient.
func s3ClassifyErr(key string, err error) error {
	if err == nil {
		return nil
	}
	if reqErr, ok := underlyingRequestFailure(err); ok {
		switch {
		case reqErr.Code() == s3.ErrCodeNoSuchBucket:
			return cmn.Wrap(cmn.KindConfiguration, "bucket does not exist", err).WithKey(key)
		case reqErr.Code() == s3.ErrCodeNoSuchKey,
			reqErr.StatusCode() == http.StatusNotFound:
			return cmn.NewNotFound(key)
		case reqErr.StatusCode() == http.StatusForbidden:
			return cmn.NewPermissionDenied(key, err)
		case reqErr.StatusCode() == http.StatusTooManyRequests,
			reqErr.StatusCode() >= http.StatusInternalServerError:
			return cmn.Wrap(cmn.KindTransient, "server-side failure", err).WithKey(key)
		default:
			return cmn.Wrap(cmn.KindStorageIo, "request failed", err).WithKey(key)
		}
	}
	if request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return cmn.Wrap(cmn.KindTransient, "retryable transport failure", err).WithKey(key)
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "MissingRegion", "NoCredentialProviders", "InvalidParameter":
			return cmn.Wrap(cmn.KindConfiguration, "client misconfigured", err).WithKey(key)
		case request.ErrCodeRequestError, request.CanceledErrorCode:
			return cmn.Wrap(cmn.KindTransient, "request did not complete", err).WithKey(key)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cmn.Wrap(cmn.KindTransient, "request deadline exceeded", err).WithKey(key)
	}
	return cmn.Wrap(cmn.KindStorageIo, "storage failure", err).WithKey(key)
}

// underlyingRequestFailure digs the wire-level failure out of SDK error
// wrappers (the multipart machinery wraps per-part failures in layers
// that carry no status code of their own).
func underlyingRequestFailure(err error) (awserr.RequestFailure, bool) {
	for err != nil {
		if reqErr, ok := err.(awserr.RequestFailure); ok {
			return reqErr, true
		}
		if aerr, ok := err.(awserr.Error); ok {
			err = aerr.OrigErr()
			continue
		}
		err = errors.Unwrap(err)
	}
	return nil, false
}
