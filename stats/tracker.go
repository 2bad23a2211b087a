// Package stats provides methods and functionality to register, track, and
// export resharding metrics: counters, gauges, and latencies.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"sort"
	"strings"
	ratomic "sync/atomic"
	"time"

	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/debug"
	"github.com/NVIDIA/reshard/cmn/nlog"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reshard"

type (
	statsValue struct {
		iprom      iprom
		kind       string
		Value      int64 `json:"v,string"`
		numSamples int64
	}

	// Tracker is safe for concurrent use; a nil Tracker is a no-op
	Tracker struct {
		values map[string]*statsValue
		node   string
	}

	// Snap is a point-in-time copy of local (non-Prometheus) values
	Snap map[string]int64
)

// New registers all resharding metrics with reg (nil: prometheus.DefaultRegisterer)
func New(node string, reg prometheus.Registerer) *Tracker {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Tracker{node: node, values: make(map[string]*statsValue, 16)}
	constLabs := prometheus.Labels{"node_id": strings.ReplaceAll(node, ".", "_")}

	r.reg(reg, ReshardTransitions, KindCounter, "resharding coordinator state transitions", constLabs, VlabState)
	r.reg(reg, ReshardCommits, KindCounter, "committed resharding operations", constLabs)
	r.reg(reg, ReshardAborts, KindCounter, "aborted resharding operations", constLabs)
	r.reg(reg, ReshardRPCRetries, KindCounter, "retried participant requests", constLabs, VlabRPC)
	r.reg(reg, ReshardRPCErrors, KindCounter, "participant requests failed after all retries", constLabs, VlabRPC)
	r.reg(reg, MonitorPolls, KindCounter, "commit monitor polls", constLabs)
	r.reg(reg, ReshardLatency, KindLatency, "resharding operation duration (seconds)", constLabs)
	r.reg(reg, RecipientLag, KindGauge, "recipient oplog lag behind donors (nanoseconds)", constLabs, VlabShard)
	r.reg(reg, CloneDocs, KindCounter, "documents cloned by recipients", constLabs)
	r.reg(reg, OplogApplied, KindCounter, "oplog entries applied by recipients", constLabs)
	r.reg(reg, TxnUpgrades, KindCounter, "retryable writes upgraded to transactions", constLabs)
	r.reg(reg, IncompleteHistory, KindCounter, "retries rejected with incomplete transaction history", constLabs)
	r.reg(reg, ChunkMigrations, KindCounter, "committed chunk migrations", constLabs)
	r.reg(reg, DeadEndsImported, KindCounter, "ledger dead-end entries imported by migrations", constLabs)
	return r
}

// name => fully-qualified Prometheus name, e.g. "reshard.rpc.retry.n" => "reshard_rpc_retry_count"
func promName(name string) string {
	s := strings.TrimPrefix(name, namespace+".")
	switch {
	case strings.HasSuffix(s, ".n"):
		s = strings.TrimSuffix(s, ".n") + "_count"
	case strings.HasSuffix(s, ".ns"):
		s = strings.TrimSuffix(s, ".ns")
	}
	return prometheus.BuildFQName(namespace, "", strings.ReplaceAll(s, ".", "_"))
}

func (r *Tracker) reg(reg prometheus.Registerer, name, kind, help string, constLabs prometheus.Labels, vlabs ...string) {
	var (
		v    = &statsValue{kind: kind}
		fqn  = promName(name)
		opts = prometheus.Opts{Name: fqn, Help: help, ConstLabels: constLabs}
	)
	switch kind {
	case KindCounter:
		if len(vlabs) > 0 {
			v.iprom = counterVec{prometheus.NewCounterVec(prometheus.CounterOpts(opts), vlabs)}
		} else {
			v.iprom = counter{prometheus.NewCounter(prometheus.CounterOpts(opts))}
		}
	case KindGauge:
		debug.Assert(len(vlabs) > 0, name)
		v.iprom = gaugeVec{prometheus.NewGaugeVec(prometheus.GaugeOpts(opts), vlabs)}
	case KindLatency:
		v.iprom = histogram{prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        fqn + "_seconds",
			Help:        help,
			ConstLabels: constLabs,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 10),
		})}
	default:
		debug.Assert(false, kind)
	}
	if err := reg.Register(v.iprom.collector()); err != nil {
		nlog.Warningln("failed to register", fqn+":", err)
	}
	r.values[name] = v
}

func (r *Tracker) get(name string) *statsValue {
	v, ok := r.values[name]
	debug.Assert(ok, name)
	return v
}

func (r *Tracker) Inc(name string) {
	if r == nil {
		return
	}
	v := r.get(name)
	v.iprom.inc(v)
}

func (r *Tracker) Add(name string, val int64) {
	if r == nil {
		return
	}
	v := r.get(name)
	v.iprom.add(v, val)
}

func (r *Tracker) IncWith(name, vlab, lval string) {
	if r == nil {
		return
	}
	v := r.get(name)
	v.iprom.incWith(v, map[string]string{vlab: lval})
}

func (r *Tracker) SetWith(name, vlab, lval string, val int64) {
	if r == nil {
		return
	}
	v := r.get(name)
	v.iprom.setWith(v, map[string]string{vlab: lval}, val)
}

func (r *Tracker) ObserveLatency(name string, d time.Duration) {
	if r == nil {
		return
	}
	v := r.get(name)
	v.iprom.observe(v, d.Seconds())
}

// Get returns the local value: cumulative for counters, most recent for gauges
func (r *Tracker) Get(name string) int64 {
	if r == nil {
		return 0
	}
	return ratomic.LoadInt64(&r.get(name).Value)
}

func (r *Tracker) Snap() Snap {
	if r == nil {
		return nil
	}
	snap := make(Snap, len(r.values))
	for name, v := range r.values {
		snap[name] = ratomic.LoadInt64(&v.Value)
	}
	return snap
}

// String dumps non-zero local values, sorted by name
func (snap Snap) String() string {
	names := make([]string, 0, len(snap))
	for name, val := range snap {
		if val != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make(map[string]int64, len(names))
	for _, name := range names {
		out[name] = snap[name]
	}
	return cos.MustMarshalToString(out)
}
