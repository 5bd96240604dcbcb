// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pcap

import (
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// RemoteSink is the remote-collector sink: UDP (connectionless, per-record
// sendto) or TCP (connect once at startup, per-record send), spec §4.6.
type RemoteSink struct {
	mu      sync.Mutex
	conn    net.Conn
	pw      *pcapgo.Writer
	snaplen uint32
	header  bool
}

// NewRemoteSink wraps an already-connected conn. For TCP, the global
// header is emitted immediately (spec: "on TCP, the pcap global header is
// emitted exactly once, after connect"); for UDP it is deferred to the
// first record.
func NewRemoteSink(conn net.Conn, tcp bool, snaplen uint32) (*RemoteSink, error) {
	s := &RemoteSink{conn: conn, snaplen: snaplen, pw: pcapgo.NewWriter(conn)}
	if tcp {
		if err := s.pw.WriteFileHeader(snaplen, LinkType); err != nil {
			return nil, err
		}
		s.header = true
	}
	return s, nil
}

// WriteRecord sends one framed record to the collector.
func (s *RemoteSink) WriteRecord(ts time.Time, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.header {
		if err := s.pw.WriteFileHeader(s.snaplen, LinkType); err != nil {
			return err
		}
		s.header = true
	}

	caplen := len(payload)
	if caplen > int(s.snaplen) {
		caplen = int(s.snaplen)
	}
	return s.pw.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: caplen,
		Length:        len(payload),
	}, payload[:caplen])
}

// Close closes the underlying connection.
func (s *RemoteSink) Close() error {
	return s.conn.Close()
}
