// Package cmn provides common low-level types and utilities shared by all
// persist packages.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"sync"
	"time"

	"github.com/teris-io/shortid"
)

// Alphabet restricted to filename-safe characters.
// NOTE: ties end up in temp-file names - see backend/local.go
const tieABC = "5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk-_"

var (
	sid     *shortid.Shortid
	sidOnce sync.Once
)

// GenTie generates a short unique suffix used to de-conflict temp files
// created next to their rename targets.
func GenTie() string {
	sidOnce.Do(func() {
		sid = shortid.MustNew(1, tieABC, uint64(time.Now().UnixNano()))
	})
	return sid.MustGenerate()
}
