// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package conntrack

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowlens/capturecore/intra/core"
)

func tuple(srcPort uint16) Tuple {
	return Tuple{
		IPVer: 4,
		Proto: core.TCP,
		Src:   netip.AddrPortFrom(netip.MustParseAddr("10.215.0.2"), srcPort),
		Dst:   netip.AddrPortFrom(netip.MustParseAddr("93.184.216.34"), 443),
	}
}

func TestIncrIDDenseAndOrdered(t *testing.T) {
	tb := NewTable()
	for i := 0; i < 10; i++ {
		r := tb.Create(tuple(uint16(40000+i)), 1000, true)
		require.Equal(t, int64(i), r.IncrID)
	}
}

func TestNewThenUpdatedOnly(t *testing.T) {
	tb := NewTable()
	tp := tuple(40000)
	r := tb.Create(tp, 1000, true)

	newConns, updatedConns := tb.Batches.Drain()
	require.Len(t, newConns, 1)
	require.Len(t, updatedConns, 0)
	require.Same(t, r, newConns[0])

	r.Account(true, 100)
	tb.Update(r)

	newConns, updatedConns = tb.Batches.Drain()
	require.Len(t, newConns, 0)
	require.Len(t, updatedConns, 1)
}

func TestCloseEmitsFinalUpdateOnce(t *testing.T) {
	tb := NewTable()
	tp := tuple(40000)
	r := tb.Create(tp, 1000, true)
	_, _ = tb.Batches.Drain() // consume the "new" entry

	tb.Close(r, Closed)
	newConns, updatedConns := tb.Batches.Drain()
	require.Len(t, newConns, 0)
	require.Len(t, updatedConns, 1)
	require.Equal(t, Closed, r.Status)

	// no further updates after close: table no longer holds r.
	_, ok := tb.Find(tp)
	require.False(t, ok)
}

func TestIgnoredConnectionNeverBatched(t *testing.T) {
	tb := NewTable()
	r := tb.Create(tuple(40000), 1000, false)
	require.Equal(t, int64(-1), r.IncrID)

	newConns, updatedConns := tb.Batches.Drain()
	require.Empty(t, newConns)
	require.Empty(t, updatedConns)
}
