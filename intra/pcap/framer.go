// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pcap

import (
	"time"

	"github.com/flowlens/capturecore/intra/log"
)

// Framer fans a packet out to whichever sinks are enabled. If both are
// enabled, each packet is framed twice independently, spec §4.6.
type Framer struct {
	Host   *HostBuffer // nil if the host-buffer sink is disabled
	Remote *RemoteSink // nil if the remote-collector sink is disabled
}

// Write frames payload, captured at ts, to every enabled sink.
func (f *Framer) Write(ts time.Time, payload []byte) {
	if f.Host != nil {
		f.Host.WriteRecord(ts, payload)
	}
	if f.Remote != nil {
		if err := f.Remote.WriteRecord(ts, payload); err != nil {
			log.W("pcap: remote sink write failed: %v", err)
		}
	}
}

// Enabled reports whether at least one sink is attached.
func (f *Framer) Enabled() bool {
	return f.Host != nil || f.Remote != nil
}
