// Package cmn provides common low-level types and utilities shared by all
// persist packages.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

// Backend provider enum
const (
	ProviderLocal  = "local"
	ProviderAmazon = "s3"
	ProviderGoogle = "gcs"
)

// sizes
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// content types reported to object stores
const (
	ContentTypeGzip = "application/gzip"
	ContentTypeJSON = "application/json"
)

// compression algorithm enum, recorded in snapshot metadata
const (
	CompressGzip = "gzip"
	CompressNone = "none"
)

// FormatVersion is the container schema version written by this engine.
// Readers refuse anything they do not recognize.
const FormatVersion = 1
