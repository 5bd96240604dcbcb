// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package events is the event emitter (C9): it serializes connection
// batches and aggregate stats for delivery to the host at bounded cadence.
package events

import (
	"github.com/flowlens/capturecore/intra/conntrack"
	"github.com/flowlens/capturecore/intra/nat"
)

// ConnSnapshot is the host-visible shape of one Record, spec §4.8.
type ConnSnapshot struct {
	SrcIP, DstIP       string
	Info, Url          string
	ProtoName          string
	Status             conntrack.Status
	IPVersion          uint8
	L4Proto            string
	SrcPort, DstPort   uint16 // host byte order
	FirstSeen, LastSeen int64
	SentBytes, RcvdBytes uint64
	SentPkts, RcvdPkts   uint64
	UID                  int
	IncrID               int64
}

// Stats is the aggregate-stats emission, spec §4.8.
type Stats struct {
	SentBytes, RcvdBytes uint64
	SentPkts, RcvdPkts   uint64
	DroppedConns         uint64
	DNSRequests          uint64
	NAT                  nat.Stats
}

// knownMasterProtocols is the "master protocols bitmap" spec §4.8 refers
// to: DPI-reported protocols worth surfacing to the host as proto_name
// instead of the bare L3 protocol.
var knownMasterProtocols = map[string]bool{
	"DNS":  true,
	"HTTP": true,
	"TLS":  true,
}

// ProtoName derives the host-visible protocol name: the DPI master
// protocol if known and reportable, else the bare L3/L4 protocol name.
func ProtoName(r *conntrack.Record) string {
	if r.L7.Master != conntrack.Unknown && knownMasterProtocols[r.L7.Master] {
		return r.L7.Master
	}
	return r.Tuple.Proto.String()
}

// Snapshot converts a Record into its host-visible wire shape.
func Snapshot(r *conntrack.Record) ConnSnapshot {
	return ConnSnapshot{
		SrcIP:     r.Tuple.Src.Addr().String(),
		DstIP:     r.Tuple.Dst.Addr().String(),
		Info:      r.Info,
		Url:       r.Url,
		ProtoName: ProtoName(r),
		Status:    r.Status,
		IPVersion: r.Tuple.IPVer,
		L4Proto:   r.Tuple.Proto.String(),
		SrcPort:   r.Tuple.Src.Port(),
		DstPort:   r.Tuple.Dst.Port(),
		FirstSeen: r.FirstSeen.Unix(),
		LastSeen:  r.LastSeen.Unix(),
		SentBytes: r.SentBytes,
		RcvdBytes: r.RcvdBytes,
		SentPkts:  r.SentPkts,
		RcvdPkts:  r.RcvdPkts,
		UID:       r.UID,
		IncrID:    r.IncrID,
	}
}

// SnapshotAll converts a batch of Records in order.
func SnapshotAll(rs []*conntrack.Record) []ConnSnapshot {
	out := make([]ConnSnapshot, 0, len(rs))
	for _, r := range rs {
		out = append(out, Snapshot(r))
	}
	return out
}
