// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package conntrack

import (
	"sync"
	"sync/atomic"

	"github.com/flowlens/capturecore/intra/log"
)

// Table is the loop's single owner of every in-flight Record, keyed by
// Tuple. It is only ever touched from the packet loop goroutine, except for
// the Collector it feeds, which is also loop-owned (spec §5: "all state ...
// owned by the loop thread").
type Table struct {
	mu      sync.Mutex
	conns   map[Tuple]*Record
	nextID  atomic.Int64
	Batches *Collector
}

// NewTable creates an empty connection table; incr_id starts at 0 per run,
// spec invariant 2.
func NewTable() *Table {
	return &Table{
		conns:   make(map[Tuple]*Record),
		Batches: NewCollector(),
	}
}

// Find returns the record for t, if any.
func (tb *Table) Find(t Tuple) (*Record, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	r, ok := tb.conns[t]
	return r, ok
}

// Create admits a new record for t, assigns it a dense incr_id if
// reportable, and queues it into new_conns. Returns the existing record
// unchanged if t is already tracked.
func (tb *Table) Create(t Tuple, uid int, reportable bool) *Record {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if r, ok := tb.conns[t]; ok {
		return r
	}

	r := NewRecord(t, uid)
	r.Reportable = reportable
	if reportable {
		r.IncrID = tb.nextID.Add(1) - 1
		r.PendingNotification = true
		tb.Batches.PushNew(r)
	}
	tb.conns[t] = r
	log.D("conntrack: create %v uid=%d reportable=%t incr_id=%d", t, uid, reportable, r.IncrID)
	return r
}

// Update marks r dirty and queues it into updated_conns unless it is
// already pending in new_conns (spec invariant 3: a connection appears in
// new_conns exactly once, afterwards only in updated_conns).
func (tb *Table) Update(r *Record) {
	if !r.Reportable {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if r.PendingNotification {
		return // already queued this cycle, either as new or updated
	}
	r.PendingNotification = true
	tb.Batches.PushUpdated(r)
}

// Close transitions r to status (Closed or Error), queues a final update,
// and removes r from the live table; Record is freed only once the batch
// carrying it is delivered (spec §4.3), so the table drops its own
// reference here but the Collector still holds r until drained.
func (tb *Table) Close(r *Record, status Status) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	r.Status = status
	delete(tb.conns, r.Tuple)

	if !r.Reportable {
		return
	}
	if !r.PendingNotification {
		r.PendingNotification = true
		tb.Batches.PushUpdated(r)
	}
}

// Len returns the number of live connections.
func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.conns)
}
