// Package cmn provides common low-level types and utilities shared by all
// persist packages.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn_test

import (
	"io"
	"testing"

	"github.com/NVIDIA/persist/cmn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, cmn.KindNotFound, cmn.KindOf(cmn.NewNotFound("k")))
	require.Equal(t, cmn.KindNone, cmn.KindOf(io.EOF))
	require.Equal(t, cmn.KindNone, cmn.KindOf(nil))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := cmn.New(cmn.KindTransient, "connection reset")
	wrapped := errors.Wrap(inner, "while uploading part 3")

	require.True(t, cmn.IsTransient(wrapped))
	require.Equal(t, cmn.KindTransient, cmn.KindOf(wrapped))
}

func TestCauseChain(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := cmn.Wrap(cmn.KindStorageIo, "read failed", cause)

	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	require.Contains(t, err.Error(), "storage_io")
	require.Contains(t, err.Error(), "read failed")
}

func TestIntegrityError(t *testing.T) {
	err := cmn.NewIntegrityError("k", "aaaa", "bbbb")
	require.Equal(t, cmn.KindIntegrity, cmn.KindOf(err))
	require.Equal(t, "aaaa", err.Expected)
	require.Equal(t, "bbbb", err.Actual)
	require.Contains(t, err.Error(), "aaaa")
	require.Contains(t, err.Error(), "bbbb")
	require.Contains(t, err.Error(), "k")
}

func TestWithKeyDoesNotOverwrite(t *testing.T) {
	err := cmn.NewNotFound("original").WithKey("other")
	require.Equal(t, "original", err.Key)
}

func TestErrorString(t *testing.T) {
	err := cmn.NewValidationf("snapshot_index must not be negative, got %d", -1)
	require.Equal(t, "validation: snapshot_index must not be negative, got -1", err.Error())
}
