// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dnspolicy is the DNS policy gate (C6): invoked exactly once per
// new connection, before admission, to allow, DNAT, or block it.
package dnspolicy

import (
	"encoding/binary"
	"math/rand"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/flowlens/capturecore/intra/core"
	"github.com/flowlens/capturecore/intra/knowndns"
	"github.com/flowlens/capturecore/intra/log"
)

// dnsHeaderSize is the fixed 12-byte DNS message header.
const dnsHeaderSize = 12

// Decision is the gate's verdict on a prospective new connection.
type Decision int

const (
	// Allow admits the connection unchanged.
	Allow Decision = iota
	// AllowDNAT admits the connection, rewritten to the returned dnatTo
	// address (spec §4.2 step 4).
	AllowDNAT
	// Block rejects the connection; it is never created (spec §4.2 step 5).
	Block
)

// Gate implements the DNS policy decision procedure.
type Gate struct {
	known *knowndns.Set

	// tunDNS4 is the host-configured tun-side DNS IP, v4 only.
	tunDNS4 netip.Addr
	// dns6 is the configured v6 DNS server, if any.
	dns6 netip.Addr

	// external holds the current upstream DNS server internal queries are
	// DNATed to; installed from pending via SetDNSServer.
	external atomic.Pointer[netip.AddrPort]
	// pending holds a new_dns_server value awaiting atomic install on the
	// next new connection (spec §4.2 step 1, §5).
	pending atomic.Pointer[netip.AddrPort]

	requests atomic.Uint64

	// blockLog throttles repeat "blocked" log lines per destination, so a
	// single hammering flow doesn't flood the log at one line per packet.
	blockLog *core.ExpMap
}

// New creates a Gate; tunDNS4 is the tun-side DNS IP the VPN advertises,
// initialDNS is the external resolver queries are initially DNATed to, and
// dns6 (optional, may be the zero Addr) is the configured v6 DNS server.
func New(tunDNS4 netip.Addr, initialDNS netip.AddrPort, dns6 netip.Addr) *Gate {
	g := &Gate{
		known:    knowndns.New(),
		tunDNS4:  tunDNS4,
		dns6:     dns6,
		blockLog: core.NewExpiringMap(),
	}
	g.external.Store(&initialDNS)
	return g
}

// SetDNSServer flags addr to be installed as the new DNAT target on the
// next new connection (host control "set-dns-server", spec §6).
func (g *Gate) SetDNSServer(addr netip.AddrPort) {
	g.pending.Store(&addr)
}

// Requests returns the cumulative DNS-request counter.
func (g *Gate) Requests() uint64 {
	return g.requests.Load()
}

// Evaluate runs the decision procedure for a prospective new connection
// with L4 protocol t, destination dst and, for UDP, the L7 payload (DNS
// message bytes, if any).
// dnatTo is valid only when the decision is AllowDNAT.
func (g *Gate) Evaluate(t core.L4Proto, dst netip.AddrPort, payload []byte) (decision Decision, dnatTo netip.AddrPort) {
	// step 1: atomically install any pending new DNS server.
	if p := g.pending.Swap(nil); p != nil {
		g.external.Store(p)
		log.I("dnspolicy: installed new dns server %s", p)
	}

	isInternalDNS := g.tunDNS4.IsValid() && dst.Addr() == g.tunDNS4
	isDNSServer := isInternalDNS ||
		(g.dns6.IsValid() && dst.Addr() == g.dns6) ||
		g.known.Contains(dst.Addr().AsSlice())

	if !isDNSServer {
		return Allow, netip.AddrPort{}
	}

	// the tun-side DNS IP on any port but 53 is the host's DNS health probe:
	// it is admitted, and the loop's reportability filter keeps it out of
	// the batches.
	if isInternalDNS && dst.Port() != 53 {
		return Allow, netip.AddrPort{}
	}

	if t == core.UDP && dst.Port() == 53 && len(payload) >= dnsHeaderSize && !isResponse(payload) {
		g.requests.Add(1)
		if isInternalDNS {
			if ext := g.external.Load(); ext != nil {
				return AllowDNAT, *ext
			}
		}
		return Allow, netip.AddrPort{}
	}

	if secs := stall(g.blockLog, dst.String()); secs == 0 {
		log.D("dnspolicy: block dst=%s proto=%s", dst, t)
	} // else: already logged this destination recently, stay quiet
	return Block, netip.AddrPort{}
}

// stall is the teacher's own repeat-event throttle (firestack's tcp.go and
// udp.go, both named "stall"), reused here to gate the "block" log line
// instead of sleeping a connection goroutine: the first block of a
// destination logs immediately (stall returns 0); every later block within
// an escalating window up to 30s is silent.
func stall(m *core.ExpMap, k string) (secs uint32) {
	if n := m.Get(k); n <= 0 {
		secs = 0
	} else if n > 30 {
		secs = 30
	} else if n < 5 {
		secs = (rand.Uint32() % 5) + 1
	} else {
		secs = n
	}
	life30s := ((29 + secs) % 30) + 1
	m.Set(k, time.Duration(life30s)*time.Second)
	return
}

// isResponse reports whether the DNS message's QR bit (flags & 0x8000) is
// set, i.e. it is a response rather than a query.
func isResponse(payload []byte) bool {
	flags := binary.BigEndian.Uint16(payload[2:4])
	return flags&0x8000 != 0
}
