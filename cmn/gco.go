// Package cmn provides common constants, types, and utilities for reshard clients
// and nodes.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import ratomic "sync/atomic"

// GCO (Global Config Owner) holds the config loaded at startup; components that
// are constructed with an explicit *Config do not consult it
type gco struct {
	c ratomic.Pointer[Config]
}

var GCO = newGCO()

func newGCO() *gco {
	g := &gco{}
	g.c.Store(DefaultConfig())
	return g
}

func (gco *gco) Get() *Config       { return gco.c.Load() }
func (gco *gco) Put(config *Config) { gco.c.Store(config) }
