//go:build debug

// Package debug provides debug-build assertions.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import "fmt"

const ON = true

func Assert(cond bool) {
	if !cond {
		panic("assertion failed")
	}
}

func Assertf(cond bool, format string, a ...any) {
	if !cond {
		panic(fmt.Sprintf(format, a...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
