// Copyright (c) 2020 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This file incorporates work covered by the following copyright and
// permission notice:
//
//     Copyright 2019 The Outline Authors
//
//     Licensed under the Apache License, Version 2.0 (the "License");
//     you may not use this file except in compliance with the License.
//     You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
//     Unless required by applicable law or agreed to in writing, software
//     distributed under the License is distributed on an "AS IS" BASIS,
//     WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//     See the License for the specific language governing permissions and
//     limitations under the License.

// Package tunnel is the Lifecycle (C10): one-shot run/stop of the capture
// core, with resource setup and teardown on every run.
package tunnel

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/flowlens/capturecore/intra/conntrack"
	"github.com/flowlens/capturecore/intra/dnspolicy"
	"github.com/flowlens/capturecore/intra/dpi"
	"github.com/flowlens/capturecore/intra/dpi/builtin"
	"github.com/flowlens/capturecore/intra/host"
	"github.com/flowlens/capturecore/intra/hostnames"
	"github.com/flowlens/capturecore/intra/log"
	"github.com/flowlens/capturecore/intra/loop"
	"github.com/flowlens/capturecore/intra/nat"
	"github.com/flowlens/capturecore/intra/nat/socketnat"
	"github.com/flowlens/capturecore/intra/pcap"
	"github.com/flowlens/capturecore/intra/protect"
)

// Tunnel represents one run of the capture core on a tun device.
type Tunnel interface {
	// Run blocks until Stop is called or a fatal error occurs (spec §5
	// "Cancellation"). The caller is expected to invoke it on its own
	// goroutine.
	Run() error
	// Stop requests the run exit at the next select wake (<=500ms).
	Stop()
	// IsConnected reports whether the run is still active.
	IsConnected() bool
	// DumpVpnStatsNow forces an out-of-cadence aggregate-stats emission.
	DumpVpnStatsNow()
	// DumpCaptureStatsNow forces an out-of-cadence connections dump.
	DumpCaptureStatsNow()
	// SetDNSServer installs a new upstream resolver mid-run, spec §6; only
	// IPv4 addresses are accepted.
	SetDNSServer(addr netip.AddrPort) error
}

type tunnel struct {
	loop   *loop.Loop
	closed atomic.Bool
	once   *sync.Once
}

var errInvalidTunFd = errors.New("tun: invalid tun fd")

// NewTunnel constructs a fresh runtime object for one run: tun fd, host
// config, and the host Bridge. Every run gets a new Tunnel so no state
// leaks between runs (spec §9 option (a)).
func NewTunnel(fd int, cfg host.Config, bridge host.Bridge) (Tunnel, error) {
	dupfd, err := dup(fd) // tunnel will own dupfd
	if err != nil {
		return nil, err
	}

	tunDNS4, err := netip.ParseAddr(cfg.VpnDNS)
	if err != nil {
		return nil, err
	}
	var dnsServer netip.AddrPort
	if ip, err := netip.ParseAddr(cfg.DNSServer); err == nil {
		dnsServer = netip.AddrPortFrom(ip, 53)
	}
	var dns6 netip.Addr
	if cfg.IPv6Enabled {
		if ip, err := netip.ParseAddr(cfg.IPv6DNSServer); err == nil {
			dns6 = ip
		}
	}

	gate := dnspolicy.New(tunDNS4, dnsServer, dns6)
	lru := hostnames.New()
	table := conntrack.NewTable()
	driver := dpi.NewDriver(builtin.New())

	fwd := nat.NewForwarder()
	protector := &hostProtector{bridge: bridge}
	dialer := protect.MakeNsDialer("capturecore", protector)

	var socks5Addr string
	if cfg.Socks5Enabled && len(cfg.Socks5ProxyAddr) > 0 {
		socks5Addr = net.JoinHostPort(cfg.Socks5ProxyAddr, strconv.Itoa(cfg.Socks5ProxyPort))
	}
	adapter := socketnat.New(fwd, dialer, socks5Addr)

	framer, err := buildPcapFramer(cfg, bridge)
	if err != nil {
		return nil, err // fatal, spec §7: pcap TCP collector connect failed
	}

	l := loop.New(dupfd, cfg, bridge, gate, lru, table, driver, adapter, framer)
	fwd.Set(l)

	t := &tunnel{loop: l, once: new(sync.Once)}
	bridge.SendServiceStatus("started")
	log.I("tun: new run; fd(%d)", dupfd)
	return t, nil
}

func (t *tunnel) Run() error {
	err := t.loop.Run()
	t.closed.Store(true)
	return err
}

func (t *tunnel) Stop() {
	t.once.Do(func() {
		t.loop.Stop()
	})
}

func (t *tunnel) IsConnected() bool {
	return !t.closed.Load()
}

func (t *tunnel) DumpVpnStatsNow()     { t.loop.DumpVpnStatsNow() }
func (t *tunnel) DumpCaptureStatsNow() { t.loop.DumpCaptureStatsNow() }

func (t *tunnel) SetDNSServer(addr netip.AddrPort) error {
	if !addr.IsValid() || !addr.Addr().Is4() {
		return errors.New("tun: invalid dns server address, want ipv4")
	}
	t.loop.SetDNSServer(addr)
	return nil
}

func buildPcapFramer(cfg host.Config, bridge host.Bridge) (*pcap.Framer, error) {
	f := &pcap.Framer{}
	snaplen := uint32(1500)

	if cfg.DumpPcapToHost {
		f.Host = pcap.NewHostBuffer(snaplen, bridge.DumpPcapData)
	}

	switch {
	case cfg.DumpPcapToTCP && len(cfg.PcapCollectorAddr) > 0:
		addr := net.JoinHostPort(cfg.PcapCollectorAddr, strconv.Itoa(cfg.PcapCollectorPort))
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err // fatal: pcap TCP collector connect failed, spec §7
		}
		sink, err := pcap.NewRemoteSink(conn, true, snaplen)
		if err != nil {
			return nil, err
		}
		f.Remote = sink
	case cfg.DumpPcapToUDP && len(cfg.PcapCollectorAddr) > 0:
		addr := net.JoinHostPort(cfg.PcapCollectorAddr, strconv.Itoa(cfg.PcapCollectorPort))
		conn, err := net.Dial("udp", addr)
		if err != nil {
			return nil, err
		}
		sink, err := pcap.NewRemoteSink(conn, false, snaplen)
		if err != nil {
			return nil, err
		}
		f.Remote = sink
	}
	return f, nil
}

// hostProtector adapts host.Bridge's single-fd Protect callback to
// protect.Controller's interface, so dialed sockets never loop back
// through the tun device (spec §5 "Resources").
type hostProtector struct {
	bridge host.Bridge
}

func (h *hostProtector) Bind4(who string, fd int) { h.bridge.Protect(fd) }
func (h *hostProtector) Bind6(who string, fd int) { h.bridge.Protect(fd) }

func dup(fd int) (int, error) {
	if fd < 0 {
		return -1, errInvalidTunFd
	}
	newfd, err := unix.Dup(fd)
	if err != nil {
		return -1, err
	}
	return newfd, nil
}

