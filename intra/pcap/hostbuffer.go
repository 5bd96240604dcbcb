// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pcap

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"github.com/flowlens/capturecore/intra/log"
)

// MaxHostBufferSize is the fixed host-buffer capacity, spec §3.
const MaxHostBufferSize = 512 * 1024

// HostBuffer is the host-buffer sink: records accumulate here until the
// next one would overflow the buffer, or the packet loop's housekeeping
// (spec §4.7 step 5c) calls Flush after its own 1s cadence. Framing is
// delegated to a pcapgo.Writer over a growing in-memory buffer so the
// global and per-record headers stay bit-for-bit classic-libpcap.
type HostBuffer struct {
	mu      sync.Mutex
	buf     *bytes.Buffer
	pw      *pcapgo.Writer
	snaplen uint32
	header  bool

	// OnFlush delivers the buffered bytes to the host (dumpPcapData); it
	// receives ownership of the slice and must not retain it beyond the call.
	OnFlush func([]byte)
}

// NewHostBuffer creates an empty host-buffer sink.
func NewHostBuffer(snaplen uint32, onFlush func([]byte)) *HostBuffer {
	buf := new(bytes.Buffer)
	return &HostBuffer{buf: buf, pw: pcapgo.NewWriter(buf), snaplen: snaplen, OnFlush: onFlush}
}

// WriteRecord appends one record, flushing first if it would not fit.
func (h *HostBuffer) WriteRecord(ts time.Time, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	need := recordSize(len(payload), h.snaplen)
	if !h.header {
		need += globalHeaderSize
	}
	if h.buf.Len()+need > MaxHostBufferSize {
		h.flushLocked()
	}

	if !h.header {
		_ = h.pw.WriteFileHeader(h.snaplen, LinkType)
		h.header = true
	}

	caplen := len(payload)
	if caplen > int(h.snaplen) {
		caplen = int(h.snaplen)
	}
	_ = h.pw.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: caplen,
		Length:        len(payload),
	}, payload[:caplen])
}

// Len returns the current size of the unflushed buffer.
func (h *HostBuffer) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.Len()
}

// Flush delivers and clears the buffer's contents, if any.
func (h *HostBuffer) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushLocked()
}

func (h *HostBuffer) flushLocked() {
	if h.buf.Len() == 0 {
		return
	}
	out := make([]byte, h.buf.Len())
	copy(out, h.buf.Bytes())
	h.buf.Reset()
	if h.OnFlush != nil {
		h.OnFlush(out)
	} else {
		log.W("pcap: host buffer flush with no sink attached, dropping %d bytes", len(out))
	}
}
