// Package stats provides methods and functionality to register, track, and
// export resharding metrics: counters, gauges, and latencies.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	ratomic "sync/atomic"
	"time"

	"github.com/NVIDIA/reshard/cmn/debug"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	iprom interface {
		inc(parent *statsValue)
		incWith(parent *statsValue, vlabs map[string]string)
		add(parent *statsValue, val int64)
		setWith(parent *statsValue, vlabs map[string]string, val int64)
		observe(parent *statsValue, val float64)
		collector() prometheus.Collector
	}

	counter    struct{ prometheus.Counter }
	counterVec struct{ *prometheus.CounterVec }
	gaugeVec   struct{ *prometheus.GaugeVec }
	histogram  struct{ prometheus.Histogram }
)

// interface guard
var (
	_ iprom = (*counter)(nil)
	_ iprom = (*counterVec)(nil)
	_ iprom = (*gaugeVec)(nil)
	_ iprom = (*histogram)(nil)
)

//
// Prometheus ---------------------------------
//

func (v counter) inc(parent *statsValue) {
	ratomic.AddInt64(&parent.Value, 1)
	v.Inc()
}

func (v counter) add(parent *statsValue, val int64) {
	ratomic.AddInt64(&parent.Value, val)
	v.Add(float64(val))
}

func (counter) incWith(*statsValue, map[string]string) {
	debug.Assert(false, "not expecting variable labels")
}

func (counter) setWith(*statsValue, map[string]string, int64) {
	debug.Assert(false, "not expecting to set counter")
}

func (counter) observe(*statsValue, float64) {
	debug.Assert(false, "not expecting to observe counter")
}

func (v counter) collector() prometheus.Collector { return v.Counter }

func (counterVec) inc(*statsValue) {
	debug.Assert(false, "expecting variable labels")
}

func (v counterVec) incWith(parent *statsValue, vlabs map[string]string) {
	ratomic.AddInt64(&parent.Value, 1)
	v.With(vlabs).Inc()
}

func (counterVec) add(*statsValue, int64) {
	debug.Assert(false, "expecting variable labels")
}

func (counterVec) setWith(*statsValue, map[string]string, int64) {
	debug.Assert(false, "not expecting to set counter")
}

func (counterVec) observe(*statsValue, float64) {
	debug.Assert(false, "not expecting to observe counter")
}

func (v counterVec) collector() prometheus.Collector { return v.CounterVec }

func (gaugeVec) inc(*statsValue) {
	debug.Assert(false, "expecting variable labels")
}

func (v gaugeVec) incWith(parent *statsValue, vlabs map[string]string) {
	ratomic.AddInt64(&parent.Value, 1)
	v.With(vlabs).Inc()
}

func (gaugeVec) add(*statsValue, int64) {
	debug.Assert(false, "expecting variable labels")
}

// the local value tracks the most recent sample (any label)
func (v gaugeVec) setWith(parent *statsValue, vlabs map[string]string, val int64) {
	ratomic.StoreInt64(&parent.Value, val)
	v.With(vlabs).Set(float64(val))
}

func (gaugeVec) observe(*statsValue, float64) {
	debug.Assert(false, "not expecting to observe gauge")
}

func (v gaugeVec) collector() prometheus.Collector { return v.GaugeVec }

func (histogram) inc(*statsValue) {
	debug.Assert(false, "not expecting to inc histogram")
}

func (histogram) incWith(*statsValue, map[string]string) {
	debug.Assert(false, "not expecting to inc histogram")
}

func (histogram) add(*statsValue, int64) {
	debug.Assert(false, "not expecting to add histogram")
}

func (histogram) setWith(*statsValue, map[string]string, int64) {
	debug.Assert(false, "not expecting to set histogram")
}

func (v histogram) observe(parent *statsValue, val float64) {
	ratomic.AddInt64(&parent.Value, int64(val*float64(time.Second)))
	ratomic.AddInt64(&parent.numSamples, 1)
	v.Observe(val)
}

func (v histogram) collector() prometheus.Collector { return v.Histogram }
