// Package mono_test contains standard vs monotonic clock benchmark
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package mono_test

import (
	"testing"
	"time"

	"github.com/NVIDIA/reshard/cmn/mono"
	"github.com/NVIDIA/reshard/tools/tassert"
)

func TestMonotonic(t *testing.T) {
	a := mono.NanoTime()
	time.Sleep(time.Millisecond)
	b := mono.NanoTime()
	tassert.Fatalf(t, b > a, "expected %d > %d", b, a)
	tassert.Errorf(t, mono.Since(a) >= time.Millisecond, "since(%d) = %v", a, mono.Since(a))
}

func BenchmarkFast(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			mono.Since(mono.NanoTime())
		}
	})
}

func BenchmarkStd(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = time.Since(time.Now())
		}
	})
}
