// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"net"
	"sync/atomic"

	"github.com/flowlens/capturecore/intra/conntrack"
)

// Forwarder breaks the construction cycle between an Adapter (which needs
// a Callbacks at construction time) and the Loop (which needs an Adapter,
// and is itself the Callbacks implementation): the Adapter is built
// against a Forwarder, and Set is called once the real Callbacks exists.
type Forwarder struct {
	target atomic.Pointer[Callbacks]
}

var _ Callbacks = (*Forwarder)(nil)

// NewForwarder creates a Forwarder with no target; calls made before Set
// are silently dropped.
func NewForwarder() *Forwarder {
	return &Forwarder{}
}

// Set installs the real Callbacks target.
func (f *Forwarder) Set(cb Callbacks) {
	f.target.Store(&cb)
}

func (f *Forwarder) get() Callbacks {
	if p := f.target.Load(); p != nil {
		return *p
	}
	return nil
}

func (f *Forwarder) OnConnectionOpen(t conntrack.Tuple, uid int) {
	if c := f.get(); c != nil {
		c.OnConnectionOpen(t, uid)
	}
}

func (f *Forwarder) OnConnectionClose(t conntrack.Tuple, status conntrack.Status) {
	if c := f.get(); c != nil {
		c.OnConnectionClose(t, status)
	}
}

func (f *Forwarder) OnSocketOpen(t conntrack.Tuple, fd int) {
	if c := f.get(); c != nil {
		c.OnSocketOpen(t, fd)
	}
}

func (f *Forwarder) AccountPacket(t conntrack.Tuple, sent bool, payload []byte) {
	if c := f.get(); c != nil {
		c.AccountPacket(t, sent, payload)
	}
}

func (f *Forwarder) SendToClient(payload []byte) (int, error) {
	if c := f.get(); c != nil {
		return c.SendToClient(payload)
	}
	return 0, net.ErrClosed
}
