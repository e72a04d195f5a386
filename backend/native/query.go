// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/compute"
)

// hostQuerySet implements compute.QuerySet with host clock readings taken
// when a timestamp command is recorded. The HAL exposes no GPU timestamp
// queries, so durations measure recording rather than execution.
type hostQuerySet struct {
	adapter *Adapter
	epoch   time.Time

	mu     sync.Mutex
	stamps []uint64
}

// NewQuerySet implements compute.Adapter. Command buffers write their
// timestamps to the adapter's open set, so only one set may be open at a
// time: with several profiling Contexts on one Adapter, every Context after
// the first gets ErrQuerySetInUse until the first closes its set.
func (a *Adapter) NewQuerySet(cfg compute.QueryPoolConfig) (compute.QuerySet, error) {
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}
	q := &hostQuerySet{
		adapter: a,
		epoch:   time.Now(),
		stamps:  make([]uint64, cfg.MaxQueries),
	}
	if !a.queries.CompareAndSwap(nil, q) {
		return nil, ErrQuerySetInUse
	}
	return q, nil
}

func (a *Adapter) querySet() *hostQuerySet {
	return a.queries.Load()
}

func (q *hostQuerySet) stamp(slot uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int(slot) >= len(q.stamps) {
		return fmt.Errorf("timestamp slot %d out of range [0, %d)", slot, len(q.stamps))
	}
	q.stamps[slot] = uint64(time.Since(q.epoch).Nanoseconds()) //nolint:gosec // monotonic, non-negative
	return nil
}

func (q *hostQuerySet) reset(first, count uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	end := uint64(first) + uint64(count)
	if end > uint64(len(q.stamps)) {
		return fmt.Errorf("reset queries [%d, %d) out of range", first, end)
	}
	clear(q.stamps[first:end])
	return nil
}

// Results implements compute.QuerySet.
func (q *hostQuerySet) Results(first, count uint32) ([]uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	end := uint64(first) + uint64(count)
	if end > uint64(len(q.stamps)) {
		return nil, fmt.Errorf("query results [%d, %d) out of range", first, end)
	}
	return append([]uint64(nil), q.stamps[first:end]...), nil
}

// NanosPerTick implements compute.QuerySet.
func (q *hostQuerySet) NanosPerTick() float64 { return 1 }

// Close implements compute.QuerySet.
func (q *hostQuerySet) Close() {
	q.adapter.queries.CompareAndSwap(q, nil)
}
