// Package cos provides common low-level types and utilities for all reshard projects
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "sync"

// StopCh is a specialized channel for stopping things.
type StopCh struct {
	ch   chan struct{}
	once sync.Once
}

func NewStopCh() *StopCh { return &StopCh{ch: make(chan struct{})} }

func (sc *StopCh) Listen() <-chan struct{} { return sc.ch }

func (sc *StopCh) Close() { sc.once.Do(func() { close(sc.ch) }) }

func (sc *StopCh) Closed() bool {
	select {
	case <-sc.ch:
		return true
	default:
		return false
	}
}
