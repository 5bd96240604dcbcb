// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"io"
	"net"
	"os"

	"github.com/flowlens/capturecore/intra/log"
)

// Exit codes passed to Recover; mirrors the handful of process-exit
// sentinels the teacher's goroutines use to tell a fatal panic (one that
// should bring the process down) apart from one that should just be logged.
const (
	Exit11   = 11
	DontExit = -1
)

// Recover is deferred at the top of every goroutine the packet loop or a
// connection handler spawns, so a panic in one flow never takes the whole
// capture core down. A goroutine that truly cannot continue (corrupted
// shared state) exits the process with code; everything else just logs.
func Recover(code int, tag string) {
	if r := recover(); r != nil {
		log.E("recover: %s: %v", tag, r)
		if code != DontExit {
			os.Exit(code)
		}
	}
}

// CopDirection identifies which half of a duplex conn CloseOp should shut.
type CopDirection int

const (
	CopR CopDirection = iota
	CopW
)

type halfCloser interface {
	CloseRead() error
}

type halfWriteCloser interface {
	CloseWrite() error
}

// CloseOp half-closes c in direction d if it supports it, else closes it
// fully; used once each half of a forwarding pipe finishes its own side.
func CloseOp(c net.Conn, d CopDirection) {
	if c == nil {
		return
	}
	switch d {
	case CopR:
		if hc, ok := c.(halfCloser); ok {
			_ = hc.CloseRead()
			return
		}
	case CopW:
		if hc, ok := c.(halfWriteCloser); ok {
			_ = hc.CloseWrite()
			return
		}
	}
	_ = c.Close()
}

// CloseConn closes every conn in cs, ignoring individual errors; any one of
// cs may be nil.
func CloseConn(cs ...net.Conn) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

// Pipe copies src to dst until EOF or error, the same one-shot half of a
// forward as the teacher's upload/download pair, factored out so both the
// TCP and UDP NAT handlers can share it.
func Pipe(dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, src)
}
