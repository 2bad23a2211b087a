// Package main for the resharding daemon: a config server (catalog and
// resharding coordinator) plus the shard primaries of a single-host cluster.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/cmn/nlog"
)

var (
	build     string
	buildtime string
)

var flags struct {
	config    string
	topology  string
	verbosity int
}

func main() {
	flset := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flset.StringVar(&flags.config, "config", "", "JSON configuration (defaults when empty)")
	flset.StringVar(&flags.topology, "topology", "topology.yaml", "YAML cluster topology: shards and collections")
	flset.IntVar(&flags.verbosity, "v", 0, "log verbosity")
	nlog.InitFlags(flset)
	flset.Parse(os.Args[1:])

	ecode := run()
	nlog.Flush()
	os.Exit(ecode)
}

func run() int {
	config := cmn.DefaultConfig()
	if flags.config != "" {
		var err error
		if config, err = cmn.LoadConfig(flags.config); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	cmn.GCO.Put(config)
	if config.Log.Dir != "" {
		nlog.SetLogDir(config.Log.Dir)
	}
	nlog.SetVerbosity(max(config.Log.Level, flags.verbosity))
	nlog.SetTitle("reshardd " + build + " (built " + buildtime + ")")

	topo, err := loadTopology(flags.topology)
	if err != nil {
		nlog.Errorln(err)
		return 1
	}
	d, err := newDaemon(config, topo)
	if err != nil {
		nlog.Errorln(err)
		return 1
	}
	errCh := make(chan error, 1)
	go func() { errCh <- d.run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		nlog.Infoln("received", sig, "- shutting down")
	case err = <-errCh:
		if err != nil {
			nlog.Errorln(err)
		}
	}
	d.stop()
	if err != nil {
		return 1
	}
	nlog.Infoln("reshardd: done")
	return 0
}
