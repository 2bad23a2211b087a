//go:build debug

// Package debug provides debug utilities
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/NVIDIA/reshard/cmn/nlog"
)

func init() {
	// e.g. RESHARD_DEBUG=4
	if val := os.Getenv("RESHARD_DEBUG"); val != "" {
		lvl, err := strconv.Atoi(val)
		if err != nil || lvl <= 0 {
			fmt.Fprintf(os.Stderr, "invalid RESHARD_DEBUG verbosity %q\n", val)
			os.Exit(1)
		}
		nlog.SetVerbosity(lvl)
	}
}

func ON() bool { return true }

func Infof(f string, a ...any) {
	nlog.InfoDepth(1, fmt.Sprintf("[DEBUG] "+f, a...))
}

func Func(f func()) { f() }

func Assert(cond bool, a ...any) {
	if !cond {
		nlog.Flush()
		if len(a) > 0 {
			panic("DEBUG PANIC: " + fmt.Sprint(a...))
		}
		panic("DEBUG PANIC")
	}
}

func AssertNoErr(err error) {
	if err != nil {
		nlog.Flush()
		panic(err)
	}
}

func Assertf(cond bool, f string, a ...any) {
	if !cond {
		Assert(cond, fmt.Sprintf(f, a...))
	}
}

func AssertMutexLocked(m *sync.Mutex) {
	Assert(!m.TryLock(), "mutex not locked")
}
