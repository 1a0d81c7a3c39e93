//go:build windows

// Package backend provides the storage-adapter contract, its local, S3,
// and GCS implementations, and the retry coordinator the network adapters
// share.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

// Windows has no O_NOFOLLOW; containment relies on path canonicalization.
const noFollowFlag = 0
