// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dpi

import (
	"time"

	"github.com/flowlens/capturecore/intra/log"
)

// Driver sequences an Engine across a connection's packets, bounding work
// to MaxPackets and finalizing exactly once per connection.
type Driver struct {
	engine Engine
}

// NewDriver wraps engine for use by the packet loop.
func NewDriver(engine Engine) *Driver {
	return &Driver{engine: engine}
}

// Session is one connection's DPI state as tracked by the driver.
type Session struct {
	flow    Flow
	fed     int
	done    bool
	lastErr error
}

// Open allocates a new Session for a connection; per spec §7, a DPI
// allocation failure is per-connection (proceed without DPI), never fatal.
func (d *Driver) Open() *Session {
	flow, err := d.engine.NewFlow()
	if err != nil {
		log.W("dpi: alloc failed, proceeding without dpi: %v", err)
		return &Session{lastErr: err, done: true}
	}
	return &Session{flow: flow}
}

// Feed hands payload to the session if it is still accumulating; returns
// true once the session has concluded (either DPI reported conclusion, or
// MaxPackets was reached) — the caller should then call Finish.
func (d *Driver) Feed(s *Session, payload []byte, sent bool, ts time.Time) bool {
	if s == nil || s.flow == nil || s.done {
		return s == nil || s.done
	}
	s.flow.Feed(payload, sent, ts)
	s.fed++

	if s.flow.Concluded() || s.fed >= MaxPackets {
		s.done = true
		return true
	}
	return false
}

// Finish takes the Flow's Result as it stands, fills Master from App when
// Master is empty, and frees the underlying Flow, bounding DPI memory per
// spec §4.5. No protocol is guessed for a flow the engine did not identify.
func (d *Driver) Finish(s *Session) Result {
	if s == nil || s.flow == nil {
		return Result{}
	}
	r := s.flow.Result()
	if r.Master == "" {
		r.Master = r.App // "fill master with app if master == UNKNOWN"
	}
	s.flow.Free()
	s.flow = nil
	return r
}
