// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package socketnat is a concrete nat.Adapter: it forwards each admitted
// flow to a real socket on the host, in the same "direct handler" shape as
// go-tun2socks (and this repo's own teacher, firestack's intra/tcp.go and
// intra/udp.go, both themselves derived from go-tun2socks). It is shipped
// so the pipeline is runnable end-to-end in place of a full gVisor-backed
// userspace NAT stack.
package socketnat

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/txthinking/socks5"

	"github.com/flowlens/capturecore/intra/conntrack"
	"github.com/flowlens/capturecore/intra/core"
	"github.com/flowlens/capturecore/intra/log"
	"github.com/flowlens/capturecore/intra/nat"
)

// idleTimeout is the threshold ExpireIdle uses to drop stale flows, spec
// §4.7 step 5d's "ask the NAT library to expire idle connections".
const idleTimeout = 2 * time.Minute

// inbound is one packet read off a real socket, queued for the loop to
// dispatch back to tun via Poll.
type inbound struct {
	t       conntrack.Tuple
	payload []byte
}

type flow struct {
	conn       net.Conn
	lastActive time.Time
	opened     time.Time
}

// Adapter is a concrete nat.Adapter backed by real net.Conns.
type Adapter struct {
	cb     nat.Callbacks
	socks5 string // dial address; empty disables SOCKS5
	dialer *net.Dialer

	mu        sync.RWMutex
	flows     map[conntrack.Tuple]*flow
	totalOpen int

	inboundCh chan inbound
}

var _ nat.Adapter = (*Adapter)(nil)

// New creates a socket-backed NAT adapter. socks5Addr, if non-empty, is
// used to redirect SOCKS5-tagged TCP flows (spec §4.7 step 3); dialer binds
// real sockets, typically protected via protect.MakeNsDialer so they don't
// loop back through the tun device (spec §5 "Resources").
func New(cb nat.Callbacks, dialer *net.Dialer, socks5Addr string) *Adapter {
	return &Adapter{
		cb:        cb,
		dialer:    dialer,
		socks5:    socks5Addr,
		flows:     make(map[conntrack.Tuple]*flow),
		inboundCh: make(chan inbound, 256),
	}
}

func (a *Adapter) CreateConnection(t conntrack.Tuple, dnatTo netip.AddrPort, socks5Tagged bool) error {
	dst := t.Dst
	if dnatTo.IsValid() {
		dst = dnatTo
	}

	var conn net.Conn
	var err error
	switch t.Proto {
	case core.TCP:
		if socks5Tagged && len(a.socks5) > 0 {
			conn, err = a.dialSocks5(dst)
		} else {
			conn, err = a.dialer.Dial("tcp", dst.String())
		}
	case core.UDP:
		conn, err = a.dialer.Dial("udp", dst.String())
	default:
		return nil // ICMP has no forwarding socket in this adapter
	}
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.flows[t] = &flow{conn: conn, lastActive: time.Now(), opened: time.Now()}
	a.totalOpen++
	a.mu.Unlock()

	log.D("socketnat: open %v -> %s (socks5? %t)", t, dst, socks5Tagged)

	go a.readLoop(t, conn)
	return nil
}

func (a *Adapter) dialSocks5(dst netip.AddrPort) (net.Conn, error) {
	client, err := socks5.NewClient(a.socks5, "", "", 0, 0)
	if err != nil {
		return nil, err
	}
	return client.Dial("tcp", dst.String())
}

func (a *Adapter) readLoop(t conntrack.Tuple, conn net.Conn) {
	defer core.Recover(core.DontExit, "socketnat.readLoop")

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			select {
			case a.inboundCh <- inbound{t: t, payload: payload}:
			default:
				log.W("socketnat: inbound queue full, dropping %d bytes for %v", n, t)
			}
			a.touch(t)
		}
		if err != nil {
			status := conntrack.Closed
			if !errors.Is(err, io.EOF) {
				status = conntrack.Error
			}
			a.DestroyConnection(t)
			a.cb.OnConnectionClose(t, status)
			return
		}
	}
}

func (a *Adapter) touch(t conntrack.Tuple) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.flows[t]; ok {
		f.lastActive = time.Now()
	}
}

func (a *Adapter) Forward(t conntrack.Tuple, payload []byte) error {
	if t.Proto == core.ICMP {
		// ICMP has no forwarding socket in this adapter (CreateConnection's
		// stub, above); the loop closes the record right after this call
		// since there is no session to keep open.
		return nil
	}
	a.mu.RLock()
	f, ok := a.flows[t]
	a.mu.RUnlock()
	if !ok {
		return net.ErrClosed
	}
	f.lastActive = time.Now()
	_, err := f.conn.Write(payload)
	return err
}

func (a *Adapter) DestroyConnection(t conntrack.Tuple) {
	a.mu.Lock()
	f, ok := a.flows[t]
	if ok {
		delete(a.flows, t)
	}
	a.mu.Unlock()
	if ok {
		core.CloseConn(f.conn)
	}
}

// Poll drains queued inbound packets, accounting and delivering each back
// to tun via Callbacks; it stands in for a raw select() over the adapter's
// socket set (see DESIGN.md for why).
func (a *Adapter) Poll() bool {
	did := false
	for {
		select {
		case in := <-a.inboundCh:
			a.cb.AccountPacket(in.t, false, in.payload)
			if _, err := a.cb.SendToClient(in.payload); err != nil {
				log.W("socketnat: send to client failed: %v", err)
			}
			did = true
		default:
			return did
		}
	}
}

func (a *Adapter) ExpireIdle() {
	now := time.Now()
	var stale []conntrack.Tuple

	a.mu.RLock()
	for t, f := range a.flows {
		if now.Sub(f.lastActive) > idleTimeout {
			stale = append(stale, t)
		}
	}
	a.mu.RUnlock()

	for _, t := range stale {
		a.DestroyConnection(t)
		a.cb.OnConnectionClose(t, conntrack.Closed)
	}
}

func (a *Adapter) GetStats() nat.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byProto := make(map[string]int)
	for t := range a.flows {
		byProto[t.Proto.String()]++
	}
	return nat.Stats{
		OpenSockets:     len(a.flows),
		ActiveByProto:   byProto,
		TotalOpenedConn: a.totalOpen,
	}
}
