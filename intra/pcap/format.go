// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pcap is the PCAP framer (C7): classic libpcap global header and
// per-record framing, written to a bounded host buffer and/or a UDP/TCP
// remote collector. Framing itself is delegated to gopacket/pcapgo, the
// same library the rest of the example pack reaches for when it needs to
// write a capture file.
package pcap

import (
	"github.com/google/gopacket/layers"
)

// LinkType is DLT_RAW: the tun device hands us bare IP packets with no
// link-layer framing, spec §4.6 ("link-type = RAW IP").
const LinkType = layers.LinkTypeRaw

const (
	magic            = 0xa1b2c3d4
	globalHeaderSize = 24
	recordHeaderSize = 16
)

// recordSize returns the framed size of a record holding n bytes of
// (pre-truncation) payload, used to decide whether a record fits before
// appending it to a capped buffer.
func recordSize(n int, snaplen uint32) int {
	if uint32(n) > snaplen {
		n = int(snaplen)
	}
	return recordHeaderSize + n
}
