//go:build !windows

// Package backend provides the storage-adapter contract, its local, S3,
// and GCS implementations, and the retry coordinator the network adapters
// share.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import "golang.org/x/sys/unix"

// Refuse to follow a symlink at the final path component.
const noFollowFlag = unix.O_NOFOLLOW
