// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dpi is the DPI driver (C5). The DPI library itself (the
// nDPI-equivalent protocol classifier) is an external collaborator, spec
// §1; this package specifies how the core drives it (the Engine/Flow
// interfaces) and ships one concrete Engine, dpi/builtin, sufficient to
// classify DNS, HTTP, and TLS flows.
package dpi

import "time"

// MaxPackets bounds how many packets of a flow are fed to DPI before the
// driver gives up and finalizes with whatever was learned (spec §4.5).
const MaxPackets = 12

// Result is what a Flow has learned once it concludes.
type Result struct {
	App    string // e.g. "TLS", "HTTP", "DNS"
	Master string // master protocol name, may equal App

	// Info is SNI (TLS), Host (HTTP), or query name (DNS).
	Info string
	// Url is the HTTP full URL, if extracted.
	Url string

	// Answer is populated when a DNS response carrying a usable address
	// record was observed, so the driver can feed the Host LRU.
	Answer *DNSAnswer

	// Known reports whether App/Master were actually identified, as
	// opposed to a give-up guess.
	Known bool
}

// DNSAnswer is an (rsp_ip -> host_name) pair extracted from a DNS response,
// fed into the Host LRU per spec §4.5.
type DNSAnswer struct {
	IP   [16]byte // netip.Addr.As16(), avoids importing net/netip here
	IsV4 bool
	Name string
}

// Engine constructs per-flow DPI state; it is the trait the core drives,
// spec §9 ("model as a trait/interface... static dispatch suffices").
type Engine interface {
	NewFlow() (Flow, error)
}

// Flow is one connection's DPI state, fed packets until it concludes.
type Flow interface {
	// Feed hands the flow one packet's L3+ bytes; sent is true for
	// tun->net (upload) direction, ts is the packet's capture time.
	Feed(payload []byte, sent bool, ts time.Time)
	// Concluded reports whether the flow has identified a protocol and
	// needs no further dissection.
	Concluded() bool
	// Result returns what has been learned so far; called once on give-up
	// (MaxPackets reached) or once Concluded returns true.
	Result() Result
	// Free releases the flow's internal state; called exactly once.
	Free()
}
