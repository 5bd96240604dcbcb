// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package conntrack is the connection record (C3) and connection collector
// (C4): the per-5-tuple state table the packet loop consults on every
// packet, and the new/updated batches drained to the host each reporting
// cycle.
package conntrack

import (
	"net/netip"
	"time"

	"github.com/flowlens/capturecore/intra/core"
)

// UIDUnknown is the sentinel uid when the host's uid-of-socket lookup fails.
const UIDUnknown = -1

// Status is the connection lifecycle state, spec §4.3.
type Status int

const (
	New Status = iota
	Active
	Closed
	Error
)

func (s Status) String() string {
	switch s {
	case New:
		return "NEW"
	case Active:
		return "ACTIVE"
	case Closed:
		return "CLOSED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Tuple is the canonical, immutable 5-tuple connection key (spec §3); it is
// comparable, so it can be used directly as a map key.
type Tuple struct {
	IPVer uint8
	Proto core.L4Proto
	Src   netip.AddrPort
	Dst   netip.AddrPort
}

// L7Proto is the (app, master) classification pair DPI fills in once it
// concludes; both start Unknown.
type L7Proto struct {
	App    string
	Master string
}

const Unknown = ""

// Record is the per-connection state R, spec §3.
type Record struct {
	Tuple Tuple

	Status    Status
	FirstSeen time.Time
	LastSeen  time.Time

	SentPkts  uint64
	RcvdPkts  uint64
	SentBytes uint64
	RcvdBytes uint64

	UID int

	// IncrID is assigned only for reportable connections; -1 until assigned.
	IncrID int64

	L7 L7Proto

	// Info is SNI (TLS), Host (HTTP), or query name (DNS); Url is the HTTP
	// full URL if extracted. Once set, both are stable except that Info may
	// be overwritten by later DPI completion (last write wins).
	Info string
	Url  string

	// DPIHandle is not assigned in this module: the per-flow DPI state is
	// kept in the packet loop's dpiSessions map, so the field stays nil.
	DPIHandle any

	// PendingNotification is set when a change is queued for the next
	// batch, cleared on batch delivery.
	PendingNotification bool

	// Reportable connections get an IncrID and appear in the collector's
	// batches; spec §4.4.
	Reportable bool

	// Socks5Tagged marks a TCP flow for SOCKS5 redirection; spec §4.7 step 3.
	Socks5Tagged bool

	// DNATTarget is the external DNS server a DNS request was redirected
	// to; set by the DNS policy gate, spec §4.2 step 4.
	DNATTarget netip.AddrPort
}

// Account updates counters and LastSeen for one packet of size n in
// direction sent (tun->net) or received (net->tun); spec invariant 1.
func (r *Record) Account(sent bool, n int) {
	r.LastSeen = time.Now()
	if sent {
		r.SentPkts++
		r.SentBytes += uint64(n)
	} else {
		r.RcvdPkts++
		r.RcvdBytes += uint64(n)
	}
}

// NewRecord creates a fresh NEW record for tuple t, uid (or UIDUnknown).
func NewRecord(t Tuple, uid int) *Record {
	now := time.Now()
	return &Record{
		Tuple:      t,
		Status:     New,
		FirstSeen:  now,
		LastSeen:   now,
		UID:        uid,
		IncrID:     -1,
		Reportable: true,
	}
}
