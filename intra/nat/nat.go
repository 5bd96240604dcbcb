// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package nat specifies the contract between the packet loop and the
// user-space NAT library (connection demux, socket proxying, SOCKS5
// transport, DNAT) — an external collaborator per spec §1. This package
// defines what the core expects of it (Adapter) and what the core
// implements for it to call back into (Callbacks), per spec §9's "model as
// a trait/interface... static dispatch suffices".
package nat

import (
	"net/netip"

	"github.com/flowlens/capturecore/intra/conntrack"
)

// Callbacks is what the NAT library calls back into the core for: spec §9
// names send_client, account_packet, on_socket_open, on_connection_open,
// on_connection_close.
type Callbacks interface {
	// OnConnectionOpen is called once a new flow is admitted; uid is the
	// host-platform owner or conntrack.UIDUnknown.
	OnConnectionOpen(t conntrack.Tuple, uid int)
	// OnConnectionClose is called once a flow ends; the core finalizes DPI
	// and queues the final update here, per spec §4.3.
	OnConnectionClose(t conntrack.Tuple, status conntrack.Status)
	// OnSocketOpen is called once the adapter has a real socket for t, so
	// the core can hand it to the host's protect primitive before traffic
	// flows (spec §5 "Resources").
	OnSocketOpen(t conntrack.Tuple, fd int)
	// AccountPacket is called for every packet the adapter receives from
	// the network for t (net -> tun), feeding DPI and the byte/packet
	// counters; tun -> net packets are accounted by the core itself.
	AccountPacket(t conntrack.Tuple, sent bool, payload []byte)
	// SendToClient writes a packet back out the tun device.
	SendToClient(payload []byte) (int, error)
}

// Stats is the NAT-library gauge spec §4.8 asks the event emitter to
// report: open sockets, max fd seen, active conns by proto summed, and
// total opened conns summed.
type Stats struct {
	OpenSockets     int
	MaxFD           int
	ActiveByProto   map[string]int
	TotalOpenedConn int
}

// Adapter is what the core expects of the NAT library: demux, socket
// proxying, SOCKS5 transport, and DNAT (spec §1).
type Adapter interface {
	// CreateConnection admits a new flow for t. dnatTo is valid only when
	// the DNS policy gate requested a DNAT rewrite; socks5 tags a TCP flow
	// for SOCKS5 redirection (spec §4.7 step 3).
	CreateConnection(t conntrack.Tuple, dnatTo netip.AddrPort, socks5 bool) error
	// Forward hands one tun-side packet's L4 payload to the adapter for
	// delivery to the real socket for t.
	Forward(t conntrack.Tuple, payload []byte) error
	// DestroyConnection tears down the adapter's state for t; idempotent.
	DestroyConnection(t conntrack.Tuple)
	// Poll is called once per loop iteration in place of a raw select() on
	// the NAT library's socket set (spec §4.7 step 1/4): it synchronously
	// delivers any inbound data that arrived since the last call, via
	// Callbacks, and returns whether it did any work this tick.
	Poll() (didWork bool)
	// ExpireIdle asks the adapter to drop connections idle past its own
	// threshold (spec §4.7 step 5d).
	ExpireIdle()
	// GetStats returns the current NAT-library gauge.
	GetStats() Stats
}
