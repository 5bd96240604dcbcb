// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package hostnames is the Host LRU (C1): a bounded map from an observed IP
// to the last DNS name seen for it, consulted when a new connection is
// admitted and populated whenever DPI extracts a DNS answer.
package hostnames

import (
	"net/netip"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flowlens/capturecore/intra/log"
)

// Capacity is the fixed size of the Host LRU; spec invariant 5.
const Capacity = 128

// LRU maps netip.Addr to the host name most recently associated with it,
// evicting the least-recently-used entry once Capacity is exceeded.
type LRU struct {
	mu      sync.Mutex
	c       *lru.Cache[netip.Addr, string]
	evicted atomic.Uint64
}

// New creates an empty Host LRU with the fixed capacity.
func New() *LRU {
	c, err := lru.New[netip.Addr, string](Capacity)
	if err != nil {
		// only fails for non-positive size; Capacity is a positive constant.
		panic(err)
	}
	return &LRU{c: c}
}

// Add inserts or refreshes ip -> name, evicting the LRU entry if the cache
// is already at Capacity.
func (h *LRU) Add(ip netip.Addr, name string) {
	if !ip.IsValid() || len(name) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if evicted := h.c.Add(ip, name); evicted {
		h.evicted.Add(1)
	}
	log.VV("hostnames: add %s -> %s", ip, name)
}

// Find returns the stored name for ip, if any, and promotes it to
// most-recently-used.
func (h *LRU) Find(ip netip.Addr) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	name, ok := h.c.Get(ip)
	return name, ok
}

// Len returns the current number of entries; always <= Capacity.
func (h *LRU) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.c.Len()
}

// Evicted returns the total number of entries evicted over the LRU's
// lifetime, surfaced for observability; no spec invariant depends on it.
func (h *LRU) Evicted() uint64 {
	return h.evicted.Load()
}
