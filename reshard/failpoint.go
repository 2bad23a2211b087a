// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

import (
	"context"
	"sync"

	"github.com/NVIDIA/reshard/cmn/nlog"
)

// named pause points
const (
	HangBeforeQueryingRecipients = "hangBeforeQueryingRecipients"
	HangBeforeStrictConsistency  = "hangBeforeStrictConsistency"
	FailApplyingOplog            = "failApplyingOplog"
)

func PauseAfter(state State) string { return "pauseAfter:" + string(state) }

type (
	// Barrier is a named, awaitable pause point. Once enabled, the first
	// goroutine to reach it signals Reached and blocks until Off (or its
	// context is done); with an error set it fails instead of blocking.
	Barrier struct {
		err     error
		reached chan struct{}
		release chan struct{}
		name    string
		mu      sync.Mutex
		enabled bool
		hit     bool
	}

	// Hooks are injected pause points and observers; nil Hooks are a no-op
	Hooks struct {
		barriers map[string]*Barrier
		// OnTransition observes every persisted coordinator transition
		OnTransition func(op *Operation, from, to State)
		mu           sync.Mutex
	}
)

func NewHooks() *Hooks { return &Hooks{barriers: make(map[string]*Barrier, 4)} }

// Barrier returns the named barrier, creating it disabled
func (h *Hooks) Barrier(name string) *Barrier {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.barriers[name]
	if !ok {
		b = &Barrier{name: name, reached: make(chan struct{}), release: make(chan struct{})}
		h.barriers[name] = b
	}
	return b
}

func (h *Hooks) lookup(name string) *Barrier {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	b := h.barriers[name]
	h.mu.Unlock()
	return b
}

func (h *Hooks) pause(ctx context.Context, name string) error {
	if b := h.lookup(name); b != nil {
		return b.pause(ctx)
	}
	return nil
}

func (h *Hooks) transition(op *Operation, from, to State) {
	if h != nil && h.OnTransition != nil {
		h.OnTransition(op, from, to)
	}
}

/////////////
// Barrier //
/////////////

func (b *Barrier) Enable() *Barrier {
	b.mu.Lock()
	if !b.enabled {
		b.enabled, b.hit = true, false
		b.reached = make(chan struct{})
		b.release = make(chan struct{})
	}
	b.mu.Unlock()
	return b
}

// Fail enables the barrier in failing mode
func (b *Barrier) Fail(err error) *Barrier {
	b.Enable()
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	return b
}

// Off disables the barrier and releases whoever is paused at it
func (b *Barrier) Off() {
	b.mu.Lock()
	if b.enabled {
		b.enabled, b.err = false, nil
		close(b.release)
	}
	b.mu.Unlock()
}

// Reached is closed once a goroutine hits the enabled barrier
func (b *Barrier) Reached() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reached
}

// Wait blocks until the barrier is reached
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.Reached():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Barrier) pause(ctx context.Context) error {
	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		return nil
	}
	if !b.hit {
		b.hit = true
		close(b.reached)
	}
	err, release := b.err, b.release
	b.mu.Unlock()
	if err != nil {
		return err
	}

	nlog.Infoln("paused at", b.name)
	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
