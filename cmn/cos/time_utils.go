// Package cos provides common low-level types and utilities for all reshard projects
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "time"

const StampMicro = "15:04:05.000000"

// ProbingFrequency returns a sleep interval for polling something that's
// expected to be done within `dur`
func ProbingFrequency(dur time.Duration) time.Duration {
	sleep := min(dur>>3, time.Second)
	sleep = max(dur>>6, sleep)
	return max(sleep, 10*time.Millisecond)
}

func FormatTime(t time.Time, format string) string { return t.Format(format) }
