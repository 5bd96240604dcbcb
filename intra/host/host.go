// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package host models the host platform as a plain Config struct holding
// the configuration values the host supplies at startup, and the Bridge
// interface of callbacks the core makes back into the host — spec §6.
package host

import (
	"github.com/flowlens/capturecore/intra/events"
)

// Special UIDs, spec §6.
const (
	UIDRoot    = 0
	UIDNetd    = 1051
	UIDUnknown = -1
)

// Config is the plain value the host supplies once at Start(), per spec
// §6's configuration getters; no separate config-file format exists — the
// host hands the core these values directly, the same way the teacher's
// settings are pushed in from javaland rather than loaded from a file.
type Config struct {
	VpnIPv4          string
	VpnDNS           string
	DNSServer        string
	IPv6DNSServer    string
	PcapCollectorAddr string
	PcapCollectorPort int
	Socks5ProxyAddr  string
	Socks5ProxyPort  int

	DumpPcapToHost bool
	DumpPcapToUDP  bool
	// DumpPcapToTCP selects the TCP remote-collector sink instead of UDP
	// (spec §4.6's "UDP ... or TCP"); spec §6's host getter list only names
	// dumpPcapToUdp, but §7 separately names "pcap TCP collector connect
	// failed" as a fatal startup error, so a TCP-enable flag is assumed to
	// exist alongside it (see DESIGN.md).
	DumpPcapToTCP bool
	Socks5Enabled bool
	IPv6Enabled   bool
}

// Bridge is the set of callbacks the core makes back into the host, spec
// §6 "Core → host".
type Bridge interface {
	GetApplicationByUid(uid int) string
	Protect(fd int) bool
	DumpPcapData(b []byte)
	SendConnectionsDump(newConns, updatedConns []events.ConnSnapshot)
	SendStatsDump(s events.Stats)
	SendServiceStatus(status string)
}

// ApplicationName resolves uid to a host-visible app name, special-casing
// the sentinel UIDs before ever calling into the Bridge (spec §6).
func ApplicationName(b Bridge, uid int) string {
	switch uid {
	case UIDRoot:
		return "ROOT"
	case UIDNetd:
		return "netd"
	case UIDUnknown:
		return ""
	default:
		return b.GetApplicationByUid(uid)
	}
}
