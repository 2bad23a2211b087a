// Package main for the resharding daemon: a config server (catalog and
// resharding coordinator) plus the shard primaries of a single-host cluster.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"github.com/NVIDIA/reshard/catalog"
	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/cos"
	"github.com/NVIDIA/reshard/cmn/nlog"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/dbdriver"
	"github.com/NVIDIA/reshard/reshard"
	"github.com/NVIDIA/reshard/shard"
	"github.com/NVIDIA/reshard/stats"
	"github.com/NVIDIA/reshard/transport"
	"github.com/NVIDIA/reshard/txn"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

type (
	primary struct {
		conf *shardConf
		db   dbdriver.Driver
		node *shard.Node
		svc  *reshard.Service
		srv  *transport.Server
	}
	daemon struct {
		config  *cmn.Config
		db      dbdriver.Driver // config server
		cat     *catalog.Store
		reg     *meta.StaticRegistry
		prom    *prometheus.Registry
		tracker *stats.Tracker
		coord   *reshard.Coordinator
		router  *txn.Router
		admin   *admin
		shards  map[meta.ShardID]*primary
	}
)

// interface guard
var _ txn.Shards = (*daemon)(nil)

func newDaemon(config *cmn.Config, topo *topology) (d *daemon, err error) {
	d = &daemon{
		config: config,
		reg:    meta.NewStaticRegistry(),
		prom:   prometheus.NewRegistry(),
		shards: make(map[meta.ShardID]*primary, len(topo.Shards)),
	}
	d.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	path := config.DB.Path
	if topo.ConfigDB != "" {
		path = topo.ConfigDB
	}
	if d.db, err = dbdriver.NewBuntDB(path); err != nil {
		return nil, err
	}
	d.cat = catalog.New(d.db)
	d.tracker = stats.New("config", d.prom)

	client := transport.NewClient(d.reg, nil, config)
	for i := range topo.Shards {
		sc := &topo.Shards[i]
		p := &primary{conf: sc}
		if p.db, err = dbdriver.NewBuntDB(sc.DB); err != nil {
			return nil, err
		}
		tracker := stats.New(string(sc.ID), d.prom)
		if p.node, err = shard.NewNode(sc.ID, d.cat, p.db, tracker); err != nil {
			return nil, err
		}
		p.svc = reshard.NewService(p.node, p.db, client, tracker, nil)
		p.srv = transport.NewServer(string(sc.ID)+"-primary", p.svc)
		d.reg.SetPrimary(sc.ID, &meta.Snode{ID: string(sc.ID) + "-primary", URL: sc.URL})
		d.shards[sc.ID] = p
	}

	for i := range topo.Collections {
		cm, err := topo.Collections[i].collMeta()
		if err != nil {
			return nil, err
		}
		if err := d.cat.Create(cm); err != nil {
			if !cos.IsErrAlreadyExists(err) {
				return nil, err
			}
			nlog.Infoln(cm.NS, "already exists")
		}
	}

	d.coord = reshard.NewCoordinator(&reshard.Args{
		Catalog:      d.cat,
		Registry:     d.reg,
		Participants: client,
		Store:        reshard.NewOpStore(d.db),
		Stats:        d.tracker,
	})
	d.router = txn.NewRouter(d.cat, d, config, d.tracker)
	d.admin = newAdmin(d)
	return d, nil
}

func (d *daemon) Get(id meta.ShardID) (txn.Shard, error) {
	if p, ok := d.shards[id]; ok {
		return p.node, nil
	}
	return nil, cmn.NewErrNotPrimary(string(id), "")
}

// run serves participants and the admin API, then recovers in-flight
// operations: participants first, so that the coordinator finds them
func (d *daemon) run() error {
	g := &errgroup.Group{}
	for _, p := range d.shards {
		g.Go(func() error { return p.srv.ListenAndServe(p.conf.Listen) })
		if err := p.svc.Recover(); err != nil {
			return cmn.NewErrFailedTo(p.conf.ID, "recover", "participants", err)
		}
	}
	g.Go(func() error { return d.admin.listen(d.config.Net.Listen) })
	if err := d.coord.Recover(); err != nil {
		return cmn.NewErrFailedTo("config", "recover", "resharding operations", err)
	}
	nlog.Infoln("reshardd: running with", len(d.shards), "shard"+cos.Plural(len(d.shards)))
	return g.Wait()
}

func (d *daemon) stop() {
	d.coord.Stop()
	if err := d.admin.shutdown(); err != nil {
		nlog.Warningln("admin shutdown:", err)
	}
	for _, p := range d.shards {
		if err := p.srv.Shutdown(); err != nil {
			nlog.Warningln(p.conf.ID, "shutdown:", err)
		}
		p.svc.Stop()
	}
	d.close()
}

func (d *daemon) close() {
	for _, p := range d.shards {
		if p.db != nil {
			p.db.Close()
		}
	}
	if d.db != nil {
		d.db.Close()
	}
}
