// Package nlog - reshard logger, provides buffering, timestamping, writing, and
// flushing
/*
 * Copyright (c) 2023-2026, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	nlogBufSize  = 64 * 1024
	nlogLineSize = 4 * 1024
	flushIval    = 10 * time.Second
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

type nlog struct {
	file *os.File
	bw   *bufio.Writer
	mw   sync.Mutex
}

var (
	nlogs [sevErr + 1]*nlog

	logDir       string
	arg0         string
	title        string
	toStderr     bool
	alsoToStderr bool

	onceInitFiles sync.Once

	pool = sync.Pool{
		New: func() any { return &fixed{buf: make([]byte, nlogLineSize)} },
	}
)

func init() {
	arg0 = filepath.Base(os.Args[0])
}

// files are created lazily upon the first log line, and only when SetLogDir was called
func initFiles() {
	if logDir == "" {
		toStderr = true
		return
	}
	for _, sev := range []severity{sevInfo, sevErr} {
		nlog, err := newNlog(sev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: unable to create logs in %q: %v\n", logDir, err)
			toStderr = true
			return
		}
		nlogs[sev] = nlog
	}
	go flusher()
}

func newNlog(sev severity) (*nlog, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	tag := "INFO"
	if sev == sevErr {
		tag = "ERROR"
	}
	fname := filepath.Join(logDir, arg0+"."+tag)
	file, err := os.OpenFile(fname, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	nlog := &nlog{file: file, bw: bufio.NewWriterSize(file, nlogBufSize)}
	now := time.Now().Format("2006/01/02 15:04:05")
	hdr := fmt.Sprintf("Started up at %s, %s for %s/%s\n", now, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if title != "" {
		hdr += title + "\n"
	}
	nlog.bw.WriteString(hdr)
	return nlog, nil
}

// main function
func log(sev severity, depth int, format string, args ...any) {
	onceInitFiles.Do(initFiles)

	fb := pool.Get().(*fixed)
	fb.reset()
	sprintf(sev, depth, format, fb, args...)
	line := fb.buf[:fb.woff]

	switch {
	case toStderr:
		os.Stderr.Write(line)
	default:
		if alsoToStderr || sev >= sevErr {
			os.Stderr.Write(line)
		}
		nlogs[sevInfo].write(line)
		if sev >= sevWarn {
			nlogs[sevErr].write(line)
		}
	}
	pool.Put(fb)
}

func (nlog *nlog) write(line []byte) {
	nlog.mw.Lock()
	nlog.bw.Write(line)
	nlog.mw.Unlock()
}

func (nlog *nlog) flush() {
	nlog.mw.Lock()
	if err := nlog.bw.Flush(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
	}
	nlog.mw.Unlock()
}

func flusher() {
	for {
		time.Sleep(flushIval)
		Flush()
	}
}

//
// utils
//

func formatHdr(s severity, depth int, fb *fixed) {
	const char = "IWE"
	fb.writeByte(char[s])
	fb.writeByte(' ')
	fb.writeStamp()
	fb.writeByte(' ')

	_, fn, ln, ok := runtime.Caller(3 + depth)
	if !ok {
		return
	}
	if idx := strings.LastIndexByte(fn, filepath.Separator); idx > 0 {
		fn = fn[idx+1:]
	}
	if l := len(fn); l > 3 {
		fn = fn[:l-3]
	}
	fb.writeString(fn)
	fb.writeByte(':')
	fb.writeString(strconv.Itoa(ln))
	fb.writeByte(' ')
}

func sprintf(sev severity, depth int, format string, fb *fixed, args ...any) {
	formatHdr(sev, depth+1, fb)
	if format == "" {
		fmt.Fprintln(fb, args...)
	} else {
		fmt.Fprintf(fb, format, args...)
	}
	fb.eol()
}
