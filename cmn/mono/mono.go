// Package mono provides low-level monotonic time
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// process-relative; time.Since reads the monotonic clock reading carried by `started`
var started = time.Now()

func NanoTime() int64 { return int64(time.Since(started)) }

func Since(ts int64) time.Duration { return time.Duration(NanoTime() - ts) }

func SinceNano(ts int64) int64 { return NanoTime() - ts }
