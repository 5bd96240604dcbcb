// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package loop is the packet loop (C8): a single-threaded, cooperative
// multiplexer that selects on the tun device and polls the NAT adapter once
// per iteration, with a timing wheel for periodic housekeeping.
package loop

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flowlens/capturecore/intra/conntrack"
	"github.com/flowlens/capturecore/intra/core"
	"github.com/flowlens/capturecore/intra/dnspolicy"
	"github.com/flowlens/capturecore/intra/dpi"
	"github.com/flowlens/capturecore/intra/events"
	"github.com/flowlens/capturecore/intra/hostnames"
	"github.com/flowlens/capturecore/intra/host"
	"github.com/flowlens/capturecore/intra/log"
	"github.com/flowlens/capturecore/intra/nat"
	"github.com/flowlens/capturecore/intra/pcap"
)

const selectTimeout = 500 * time.Millisecond

// Housekeeping cadences, spec §4.7 step 5.
const (
	statsCadence   = 300 * time.Millisecond
	connDumpCadence = 1000 * time.Millisecond
	pcapFlushCadence = 1000 * time.Millisecond
	purgeCadence    = 5000 * time.Millisecond
)

var _ nat.Callbacks = (*Loop)(nil)

// Loop is the runtime object for one run of the capture core, spec §9's
// option (a): "encapsulate all state in a runtime object... resetting on
// every start."
type Loop struct {
	tunFd       int
	cfg         host.Config
	bridge      host.Bridge
	gate        *dnspolicy.Gate
	hostLRU     *hostnames.LRU
	table       *conntrack.Table
	dpiDriver   *dpi.Driver
	adapter     nat.Adapter
	pcapFramer  *pcap.Framer

	ipv6Enabled   bool
	socks5Enabled bool

	// dpiSessions is keyed by Tuple, loop-owned like everything else in
	// spec §5.
	dpiSessions map[conntrack.Tuple]*dpi.Session

	running             atomic.Bool
	dumpVpnStatsNow     atomic.Bool
	dumpCaptureStatsNow atomic.Bool

	// statsDirty is set whenever a counter changes and cleared on every
	// stats emission, so housekeeping's 300ms cadence only actually fires
	// when there is something new to report (spec §9's corrected
	// precedence "(new_stats && delta>=300) || forced").
	statsDirty atomic.Bool

	droppedConns atomic.Uint64
	sentBytes    atomic.Uint64
	rcvdBytes    atomic.Uint64
	sentPkts     atomic.Uint64
	rcvdPkts     atomic.Uint64

	lastStats    time.Time
	lastConnDump time.Time
	lastPcap     time.Time
	lastPurge    time.Time

	once sync.Once
}

// New constructs a fresh Loop; every run gets its own instance so no state
// leaks between runs (spec §9).
func New(tunFd int, cfg host.Config, bridge host.Bridge, gate *dnspolicy.Gate, lru *hostnames.LRU,
	table *conntrack.Table, driver *dpi.Driver, adapter nat.Adapter, framer *pcap.Framer) *Loop {

	l := &Loop{
		tunFd:         tunFd,
		cfg:           cfg,
		bridge:        bridge,
		gate:          gate,
		hostLRU:       lru,
		table:         table,
		dpiDriver:     driver,
		adapter:       adapter,
		pcapFramer:    framer,
		ipv6Enabled:   cfg.IPv6Enabled,
		socks5Enabled: cfg.Socks5Enabled,
		dpiSessions:   make(map[conntrack.Tuple]*dpi.Session),
	}
	l.running.Store(true)
	now := time.Now()
	l.lastStats, l.lastConnDump, l.lastPcap, l.lastPurge = now, now, now, now
	return l
}

// Stop requests the loop exit at the next select wake, spec §5.
func (l *Loop) Stop() { l.running.Store(false) }

// DumpVpnStatsNow forces an out-of-cadence aggregate-stats emission.
func (l *Loop) DumpVpnStatsNow() { l.dumpVpnStatsNow.Store(true) }

// DumpCaptureStatsNow forces an out-of-cadence connections dump.
func (l *Loop) DumpCaptureStatsNow() { l.dumpCaptureStatsNow.Store(true) }

// SetDNSServer installs addr as the next DNAT target, spec §6.
func (l *Loop) SetDNSServer(addr netip.AddrPort) { l.gate.SetDNSServer(addr) }

// Run executes the loop until Stop is called or a fatal error occurs; it
// is re-entrant only in the sense that a new Loop must be constructed per
// run (spec §9).
func (l *Loop) Run() error {
	defer core.Recover(core.Exit11, "loop.Run")
	defer l.teardown()

	if err := unix.SetNonblock(l.tunFd, false); err != nil {
		return err // fatal: tun put-to-blocking-mode failed, spec §7
	}

	buf := make([]byte, 65535)
	for l.running.Load() {
		readable, err := l.selectTun()
		if err != nil {
			log.E("loop: select failed: %v", err)
			continue
		}

		if readable {
			n, err := unix.Read(l.tunFd, buf)
			if err != nil {
				if err == unix.EIO {
					return err // fatal, spec §7
				}
				log.W("loop: tun read error: %v", err)
			} else if n > 0 {
				l.handleTunPacket(buf[:n])
			}
		}
		// dispatch any sockets the adapter has ready, spec §4.7 step 4;
		// the adapter itself decides whether it has work, since Go's net
		// package doesn't expose raw selectable fds for an arbitrary dial
		// (see DESIGN.md).
		l.adapter.Poll()

		l.housekeep()
	}
	return nil
}

func (l *Loop) selectTun() (bool, error) {
	var rfds unix.FdSet
	fdSet(&rfds, l.tunFd)

	tv := unix.NsecToTimeval(selectTimeout.Nanoseconds())
	n, err := unix.Select(l.tunFd+1, &rfds, nil, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0 && fdIsSet(&rfds, l.tunFd), nil
}

func (l *Loop) handleTunPacket(pkt []byte) {
	p, err := parseTuple(pkt)
	if err != nil {
		log.D("loop: parse failed: %v", err)
		return
	}
	if p.tuple.IPVer == 6 && !l.ipv6Enabled {
		return // drop silently, spec §4.7 step 3
	}

	isTCPEstablished := p.tuple.Proto == core.TCP && !p.synNoAck
	r, existed := l.table.Find(p.tuple)

	if !existed {
		if isTCPEstablished {
			return // established-from-outside arrival, no matching conn: not eligible
		}
		r = l.admit(p)
		if r == nil {
			return // blocked, or create failed for other reasons (handled in admit)
		}
	}

	r.Account(true, len(p.payload))
	l.table.Update(r)
	l.feedDPI(r, p.payload, true)
	if l.pcapFramer != nil && l.pcapFramer.Enabled() {
		l.pcapFramer.Write(time.Now(), pkt)
	}

	if p.tuple.Proto == core.ICMP {
		// ICMP is captured and accounted like any other flow, but this
		// adapter has no ICMP relay (see nat/socketnat.Adapter.Forward): a
		// datagram is a complete exchange by itself, so the record closes
		// immediately rather than lingering as a connection nothing will
		// ever update again.
		_ = l.adapter.Forward(p.tuple, p.payload)
		l.adapter.DestroyConnection(p.tuple)
		l.OnConnectionClose(p.tuple, conntrack.Closed) // finalizes DPI too
		return
	}

	if err := l.adapter.Forward(p.tuple, p.payload); err != nil {
		l.table.Close(r, conntrack.Error)
		l.droppedConns.Add(1)
		l.statsDirty.Store(true)
		l.adapter.DestroyConnection(p.tuple)
	}
}

// admit runs the DNS policy gate and, if allowed, creates the connection
// in both the table and the NAT adapter. Returns nil if the connection was
// blocked or failed to create.
func (l *Loop) admit(p parsed) *conntrack.Record {
	decision, dnatTo := l.gate.Evaluate(p.tuple.Proto, p.tuple.Dst, p.payload)
	if decision == dnspolicy.Block {
		return nil // designed outcome, not an error: spec §7
	}

	reportable := isReportable(p.tuple, l.cfg)
	socks5Tagged := l.socks5Enabled && p.tuple.Proto == core.TCP

	if err := l.adapter.CreateConnection(p.tuple, dnatTo, socks5Tagged); err != nil {
		l.droppedConns.Add(1)
		l.statsDirty.Store(true)
		return nil
	}

	uid := host.UIDUnknown // a real NAT library would resolve this via the host bridge
	r := l.table.Create(p.tuple, uid, reportable)
	if socks5Tagged {
		r.Socks5Tagged = true
	}
	if dnatTo.IsValid() {
		r.DNATTarget = dnatTo
	}
	if name, ok := l.hostLRU.Find(p.tuple.Dst.Addr()); ok {
		r.Info = name // pre-emptive, may be overwritten by DPI later, spec §4.5
	}
	if reportable {
		l.dpiSessions[p.tuple] = l.dpiDriver.Open()
	}
	return r
}

// isReportable implements the reportability filter, spec §4.4: a
// connection targeting the tun-side DNS IP on any port but 53 is a health
// probe and is ignored.
func isReportable(t conntrack.Tuple, cfg host.Config) bool {
	tunDNS4, err := netip.ParseAddr(cfg.VpnDNS)
	if err != nil {
		return true
	}
	if t.Dst.Addr() == tunDNS4 && t.Dst.Port() != 53 {
		return false
	}
	return true
}

func (l *Loop) feedDPI(r *conntrack.Record, payload []byte, sent bool) {
	if !r.Reportable || len(payload) == 0 {
		return
	}
	s, ok := l.dpiSessions[r.Tuple]
	if !ok {
		return
	}
	if l.dpiDriver.Feed(s, payload, sent, time.Now()) {
		res := l.dpiDriver.Finish(s)
		delete(l.dpiSessions, r.Tuple)

		if res.Known {
			r.L7.App, r.L7.Master = res.App, res.Master
		}
		if res.Info != "" {
			r.Info = res.Info // last write wins, spec §3
		}
		if res.Url != "" {
			r.Url = res.Url
		}
		if res.Answer != nil {
			ip := addrFromDPIAnswer(res.Answer)
			l.hostLRU.Add(ip, res.Answer.Name)
		}
		l.table.Update(r)
	}
}

func addrFromDPIAnswer(a *dpi.DNSAnswer) netip.Addr {
	if a.IsV4 {
		var b [4]byte
		copy(b[:], a.IP[:4])
		return netip.AddrFrom4(b)
	}
	return netip.AddrFrom16(a.IP)
}

// housekeep runs at most one task per iteration, priority-ordered, spec
// §4.7 step 5 and §9's corrected precedence
// "(new_stats && delta>=300) || forced".
func (l *Loop) housekeep() {
	now := time.Now()

	statsDue := (l.statsDirty.Load() && now.Sub(l.lastStats) >= statsCadence) || l.dumpVpnStatsNow.Load()
	if statsDue {
		l.emitStats()
		l.lastStats = now
		l.dumpVpnStatsNow.Store(false)
		l.statsDirty.Store(false)
		return
	}
	if now.Sub(l.lastConnDump) >= connDumpCadence || l.dumpCaptureStatsNow.Load() {
		l.emitConnDump()
		l.lastConnDump = now
		l.dumpCaptureStatsNow.Store(false)
		return
	}
	if l.pcapFramer != nil && l.pcapFramer.Host != nil &&
		l.pcapFramer.Host.Len() > 0 && now.Sub(l.lastPcap) >= pcapFlushCadence {
		l.pcapFramer.Host.Flush()
		l.lastPcap = now
		return
	}
	if now.Sub(l.lastPurge) >= purgeCadence {
		l.adapter.ExpireIdle()
		l.lastPurge = now
	}
}

func (l *Loop) emitStats() {
	nstats := l.adapter.GetStats()
	l.bridge.SendStatsDump(events.Stats{
		SentBytes:    l.sentBytes.Load(),
		RcvdBytes:    l.rcvdBytes.Load(),
		SentPkts:     l.sentPkts.Load(),
		RcvdPkts:     l.rcvdPkts.Load(),
		DroppedConns: l.droppedConns.Load(),
		DNSRequests:  l.gate.Requests(),
		NAT:          nstats,
	})
}

func (l *Loop) emitConnDump() {
	newConns, updatedConns := l.table.Batches.Drain()
	l.bridge.SendConnectionsDump(events.SnapshotAll(newConns), events.SnapshotAll(updatedConns))
}

// AccountPacket implements nat.Callbacks for the direction the adapter
// observes (net -> tun); the tun -> net direction is accounted directly in
// handleTunPacket, since it is on the loop's own call stack.
func (l *Loop) AccountPacket(t conntrack.Tuple, sent bool, payload []byte) {
	r, ok := l.table.Find(t)
	if !ok {
		log.W("loop: account packet for unknown tuple %v", t)
		return
	}
	r.Account(sent, len(payload))
	l.rcvdBytes.Add(uint64(len(payload)))
	l.rcvdPkts.Add(1)
	l.statsDirty.Store(true)
	l.table.Update(r)
	l.feedDPI(r, payload, sent)
}

// OnConnectionOpen implements nat.Callbacks.
func (l *Loop) OnConnectionOpen(conntrack.Tuple, int) {}

// OnConnectionClose implements nat.Callbacks: finalize DPI and queue the
// final update, spec §4.3.
func (l *Loop) OnConnectionClose(t conntrack.Tuple, status conntrack.Status) {
	r, ok := l.table.Find(t)
	if !ok {
		return
	}
	if s, ok := l.dpiSessions[t]; ok {
		res := l.dpiDriver.Finish(s)
		delete(l.dpiSessions, t)
		if res.Info != "" {
			r.Info = res.Info
		}
	}
	l.table.Close(r, status)
}

// OnSocketOpen implements nat.Callbacks: register fd with the host's
// socket-protect primitive before any traffic flows, spec §5.
func (l *Loop) OnSocketOpen(_ conntrack.Tuple, fd int) {
	if l.bridge != nil {
		l.bridge.Protect(fd)
	}
}

// SendToClient implements nat.Callbacks: write one packet back out tun.
func (l *Loop) SendToClient(payload []byte) (int, error) {
	n, err := unix.Write(l.tunFd, payload)
	if err == nil {
		l.sentBytes.Add(uint64(n))
		l.sentPkts.Add(1)
		l.statsDirty.Store(true)
	}
	return n, err
}

// teardown flushes the pcap host buffer once more and reports "stopped" to
// the host. It does not close the flows still open in the NAT adapter or
// the remote pcap sink.
func (l *Loop) teardown() {
	l.once.Do(func() {
		if l.pcapFramer != nil && l.pcapFramer.Host != nil {
			l.pcapFramer.Host.Flush()
		}
		if l.bridge != nil {
			l.bridge.SendServiceStatus("stopped")
		}
		log.I("loop: teardown complete")
	})
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
