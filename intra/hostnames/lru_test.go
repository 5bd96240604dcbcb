// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hostnames

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUEviction150(t *testing.T) {
	h := New()
	for i := 0; i < 150; i++ {
		ip := netip.AddrFrom4([4]byte{1, 2, byte(i >> 8), byte(i)})
		h.Add(ip, fmt.Sprintf("host%d.example", i))
	}

	require.Equal(t, Capacity, h.Len())

	// the first 22 inserted must have been evicted.
	for i := 0; i < 22; i++ {
		ip := netip.AddrFrom4([4]byte{1, 2, byte(i >> 8), byte(i)})
		_, ok := h.Find(ip)
		require.False(t, ok, "expected eviction of entry %d", i)
	}
	// the last 128 inserted must still be present.
	for i := 22; i < 150; i++ {
		ip := netip.AddrFrom4([4]byte{1, 2, byte(i >> 8), byte(i)})
		name, ok := h.Find(ip)
		require.True(t, ok, "expected entry %d to survive", i)
		require.Equal(t, fmt.Sprintf("host%d.example", i), name)
	}
}

func TestLRUPromoteOnLookup(t *testing.T) {
	h := New()
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	h.Add(a, "a.example")
	h.Add(b, "b.example")

	// touching a makes b the LRU entry; fill to capacity with fresh IPs and
	// confirm b (not a) gets evicted first.
	_, _ = h.Find(a)
	for i := 0; i < Capacity-1; i++ {
		ip := netip.AddrFrom4([4]byte{10, 1, byte(i >> 8), byte(i)})
		h.Add(ip, fmt.Sprintf("x%d.example", i))
	}

	_, aOk := h.Find(a)
	_, bOk := h.Find(b)
	require.True(t, aOk)
	require.False(t, bOk)
}
