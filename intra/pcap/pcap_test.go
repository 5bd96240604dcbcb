// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pcap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGlobalHeaderOnceAndPrecedesRecords(t *testing.T) {
	var flushed [][]byte
	h := NewHostBuffer(1500, func(b []byte) { flushed = append(flushed, b) })

	h.WriteRecord(time.Now(), []byte{1, 2, 3})
	h.WriteRecord(time.Now(), []byte{4, 5, 6})
	h.Flush()

	require.Len(t, flushed, 1)
	require.GreaterOrEqual(t, len(flushed[0]), globalHeaderSize)
	require.Equal(t, uint32(magic), leUint32(flushed[0][0:4]))

	// a second flush with no new records is a no-op.
	h.Flush()
	require.Len(t, flushed, 1)
}

func TestRecordSizeIncreasesIndexByHeaderPlusPayload(t *testing.T) {
	h := NewHostBuffer(1500, func([]byte) {})
	before := h.Len()
	h.WriteRecord(time.Now(), make([]byte, 100))
	after := h.Len()

	require.Equal(t, globalHeaderSize+recordHeaderSize+100, after-before)
}

func TestOverflowForcesFlushBeforeAppend(t *testing.T) {
	var flushes int
	h := NewHostBuffer(1500, func([]byte) { flushes++ })

	payload := make([]byte, 1000)
	n := MaxHostBufferSize / (recordHeaderSize + 1000)
	for i := 0; i < n+2; i++ {
		h.WriteRecord(time.Now(), payload)
	}

	require.Greater(t, flushes, 0)
	require.LessOrEqual(t, h.Len(), MaxHostBufferSize)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
