// Package cmn provides common low-level types and utilities shared by all
// persist packages.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure categories shared by the engine and all
// storage backends. Callers handle failures by kind, never by backend.
type Kind string

const (
	KindSerialization Kind = "serialization"
	KindCompression   Kind = "compression"
	KindIntegrity     Kind = "integrity_check_failed"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindPermission    Kind = "permission_denied"
	KindTransient     Kind = "transient"
	KindStorageIo     Kind = "storage_io"
	KindConfiguration Kind = "configuration"
	KindNone          Kind = ""
)

type (
	// Err is the uniform error carried across layers. Key identifies the
	// artifact or the backend tag when one is known. Expected/Actual are
	// populated for integrity failures only.
	Err struct {
		Kind     Kind
		Message  string
		Key      string
		Expected string
		Actual   string
		Cause    error
	}
)

// interface guard
var _ error = (*Err)(nil)

func New(kind Kind, msg string) *Err { return &Err{Kind: kind, Message: msg} }

func Newf(kind Kind, format string, a ...any) *Err {
	return &Err{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

func Wrap(kind Kind, msg string, cause error) *Err {
	return &Err{Kind: kind, Message: msg, Cause: cause}
}

func Wrapf(kind Kind, cause error, format string, a ...any) *Err {
	return &Err{Kind: kind, Message: fmt.Sprintf(format, a...), Cause: cause}
}

func NewNotFound(key string) *Err {
	return &Err{Kind: KindNotFound, Message: "key not found", Key: key}
}

func NewPermissionDenied(key string, cause error) *Err {
	return &Err{Kind: KindPermission, Message: "access denied", Key: key, Cause: cause}
}

func NewValidationf(format string, a ...any) *Err {
	return &Err{Kind: KindValidation, Message: fmt.Sprintf(format, a...)}
}

// NewIntegrityError reports a checksum mismatch; both digests travel with
// the error so the caller can see what was stored vs. what was observed.
func NewIntegrityError(key, expected, actual string) *Err {
	return &Err{
		Kind:     KindIntegrity,
		Message:  fmt.Sprintf("integrity check failed: expected digest %s, got %s", expected, actual),
		Key:      key,
		Expected: expected,
		Actual:   actual,
	}
}

func (e *Err) Error() string {
	msg := e.Message
	if e.Key != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Key)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return string(e.Kind) + ": " + msg
}

func (e *Err) Unwrap() error { return e.Cause }

func (e *Err) WithKey(key string) *Err {
	if e.Key == "" {
		e.Key = key
	}
	return e
}

// KindOf walks the cause chain and returns the kind of the outermost *Err,
// KindNone when the chain contains no *Err.
func KindOf(err error) Kind {
	var perr *Err
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindNone
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// IsTransient reports whether the error is eligible for retry. Only the
// retry coordinator consults this.
func IsTransient(err error) bool { return IsKind(err, KindTransient) }

func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }
