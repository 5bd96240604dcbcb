// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package builtin is a concrete dpi.Engine adequate to classify the three
// protocols this core cares about: DNS, HTTP, and TLS. A production host
// would drive a real nDPI-equivalent library instead (spec §1 treats the
// DPI library as external); this one exists so the pipeline is runnable
// end-to-end against the fixtures in this repo's tests.
package builtin

import (
	"time"

	"github.com/flowlens/capturecore/intra/dpi"
)

// Engine implements dpi.Engine.
type Engine struct{}

// New creates a builtin Engine.
func New() *Engine { return &Engine{} }

// NewFlow never fails for the builtin engine.
func (e *Engine) NewFlow() (dpi.Flow, error) {
	return &flow{}, nil
}

// flow accumulates packets until one of the three sniffers claims the
// protocol, or MaxPackets is reached.
type flow struct {
	result  dpi.Result
	matched bool
}

func (f *flow) Feed(payload []byte, sent bool, ts time.Time) {
	if f.matched || len(payload) == 0 {
		return
	}
	if r, ok := sniffDNS(payload); ok {
		f.result = r
		f.matched = true
		return
	}
	if r, ok := sniffTLSClientHello(payload); ok {
		f.result = r
		f.matched = true
		return
	}
	if r, ok := sniffHTTP(payload); ok {
		f.result = r
		f.matched = true
		return
	}
}

func (f *flow) Concluded() bool { return f.matched }

func (f *flow) Result() dpi.Result { return f.result }

func (f *flow) Free() {}
