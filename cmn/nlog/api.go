// Package nlog - reshard logger, provides buffering, timestamping, writing, and
// flushing
/*
 * Copyright (c) 2023-2026, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"flag"
	"sync/atomic"
)

var verbosity atomic.Int32

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

// SetLogDir switches logging from stderr to <dir>/<prog>.INFO and <dir>/<prog>.ERROR
func SetLogDir(dir string) { logDir = dir }
func SetTitle(s string)    { title = s }

// verbose (debug-level) logging gate, e.g. `if nlog.V(4) { nlog.Infoln(...) }`
func SetVerbosity(level int) { verbosity.Store(int32(level)) }
func V(level int) bool       { return int(verbosity.Load()) >= level }

func InfoLogName() string { return arg0 + ".INFO" }
func ErrLogName() string  { return arg0 + ".ERROR" }

func Flush() {
	for _, nlog := range nlogs {
		if nlog != nil {
			nlog.flush()
		}
	}
}
