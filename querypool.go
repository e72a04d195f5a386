// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ShaderDuration is the profiling record of one dispatch.
type ShaderDuration struct {
	// Index is the position of the dispatch since the last query reset.
	Index      int
	DispatchID uint32
	KernelName string
	GlobalWG   UVec3
	LocalWG    UVec3

	// StartNs and EndNs are device timestamps in nanoseconds.
	StartNs uint64
	EndNs   uint64

	startSlot uint32
	endSlot   uint32
	resolved  bool
}

// Duration returns the execution time of the dispatch.
func (d ShaderDuration) Duration() time.Duration {
	if d.EndNs < d.StartNs {
		return 0
	}
	return time.Duration(d.EndNs - d.StartNs)
}

// KernelSummary aggregates the dispatches of one kernel.
type KernelSummary struct {
	KernelName string
	Count      int
	Total      time.Duration
}

type queryPoolState uint8

const (
	queryPoolUninitialized queryPoolState = iota
	queryPoolActive
)

// QueryPool timestamps dispatches. Until Initialize succeeds every
// recording operation is a no-op, so diagnostics cost nothing when unused.
//
// Recording happens under the owning Context's dispatch lock; reading
// results is safe from any goroutine.
type QueryPool struct {
	mu     sync.Mutex
	config QueryPoolConfig
	state  queryPoolState
	set    QuerySet

	inUse uint32
	log   []ShaderDuration
	open  int
}

func newQueryPool(cfg QueryPoolConfig) *QueryPool {
	return &QueryPool{
		config: cfg,
		log:    make([]ShaderDuration, 0, cfg.InitialReserveSize),
		open:   -1,
	}
}

// Initialize creates the backing query set. Calling it again is a no-op.
func (q *QueryPool) Initialize(a Adapter) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == queryPoolActive {
		return nil
	}
	set, err := a.NewQuerySet(q.config)
	if err != nil {
		return fmt.Errorf("compute: create query set: %w", err)
	}
	q.set = set
	q.state = queryPoolActive
	return nil
}

// Initialized reports whether the pool records timestamps.
func (q *QueryPool) Initialized() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == queryPoolActive
}

// InUse returns the number of timestamp slots written since the last reset.
func (q *QueryPool) InUse() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inUse
}

func (q *QueryPool) reset(cmd CommandBuffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != queryPoolActive {
		return nil
	}
	if err := cmd.ResetQueries(0, q.config.MaxQueries); err != nil {
		return fmt.Errorf("compute: reset queries: %w", err)
	}
	q.inUse = 0
	q.log = q.log[:0]
	q.open = -1
	return nil
}

// checkRoom reports ErrQueryPoolFull when another dispatch cannot be
// timestamped.
func (q *QueryPool) checkRoom() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == queryPoolActive && q.inUse+2 > q.config.MaxQueries {
		return fmt.Errorf("%w: %d of %d slots used", ErrQueryPoolFull, q.inUse, q.config.MaxQueries)
	}
	return nil
}

func (q *QueryPool) shaderProfileBegin(cmd CommandBuffer, dispatchID uint32, name string, global, local UVec3) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != queryPoolActive {
		return nil
	}
	if q.inUse+2 > q.config.MaxQueries {
		return fmt.Errorf("%w: %d of %d slots used", ErrQueryPoolFull, q.inUse, q.config.MaxQueries)
	}
	start := q.inUse
	if err := cmd.WriteTimestamp(start); err != nil {
		return fmt.Errorf("compute: write start timestamp: %w", err)
	}
	q.inUse += 2
	q.log = append(q.log, ShaderDuration{
		Index:      len(q.log),
		DispatchID: dispatchID,
		KernelName: name,
		GlobalWG:   global,
		LocalWG:    local,
		startSlot:  start,
		endSlot:    start + 1,
	})
	q.open = len(q.log) - 1
	return nil
}

func (q *QueryPool) shaderProfileEnd(cmd CommandBuffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != queryPoolActive || q.open < 0 {
		return nil
	}
	if err := cmd.WriteTimestamp(q.log[q.open].endSlot); err != nil {
		return fmt.Errorf("compute: write end timestamp: %w", err)
	}
	q.open = -1
	return nil
}

// ExtractResults reads back the timestamps of every dispatch recorded since
// the last reset. The work must have completed.
func (q *QueryPool) ExtractResults() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != queryPoolActive {
		return ErrQueryPoolNotInitialized
	}
	pending := slices.ContainsFunc(q.log, func(d ShaderDuration) bool { return !d.resolved })
	if !pending || q.inUse == 0 {
		return nil
	}
	ticks, err := q.set.Results(0, q.inUse)
	if err != nil {
		return fmt.Errorf("compute: read query results: %w", err)
	}
	scale := q.set.NanosPerTick()
	for i := range q.log {
		d := &q.log[i]
		if d.resolved || int(d.endSlot) >= len(ticks) {
			continue
		}
		d.StartNs = uint64(float64(ticks[d.startSlot]) * scale)
		d.EndNs = uint64(float64(ticks[d.endSlot]) * scale)
		d.resolved = true
	}
	return nil
}

// Durations returns the resolved records in dispatch order.
func (q *QueryPool) Durations() []ShaderDuration {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ShaderDuration, 0, len(q.log))
	for _, d := range q.log {
		if d.resolved {
			out = append(out, d)
		}
	}
	return out
}

// TotalDuration sums the resolved dispatch durations.
func (q *QueryPool) TotalDuration() time.Duration {
	var total time.Duration
	for _, d := range q.Durations() {
		total += d.Duration()
	}
	return total
}

// DurationsByKernel aggregates resolved records per kernel, slowest first.
func (q *QueryPool) DurationsByKernel() []KernelSummary {
	idx := make(map[string]int)
	var out []KernelSummary
	for _, d := range q.Durations() {
		i, ok := idx[d.KernelName]
		if !ok {
			i = len(out)
			idx[d.KernelName] = i
			out = append(out, KernelSummary{KernelName: d.KernelName})
		}
		out[i].Count++
		out[i].Total += d.Duration()
	}
	slices.SortStableFunc(out, func(a, b KernelSummary) int {
		switch {
		case a.Total > b.Total:
			return -1
		case a.Total < b.Total:
			return 1
		}
		return 0
	})
	return out
}

// WriteReport writes one line per resolved dispatch followed by the total.
func (q *QueryPool) WriteReport(w io.Writer) error {
	p := message.NewPrinter(language.English)
	if _, err := p.Fprintf(w, "%-4s %-32s %-10s %-18s %-14s %12s\n",
		"#", "kernel", "dispatch", "global", "local", "time (ns)"); err != nil {
		return err
	}
	for _, d := range q.Durations() {
		id := "-"
		if d.DispatchID != NoDispatchID {
			id = p.Sprintf("%d", d.DispatchID)
		}
		if _, err := p.Fprintf(w, "%-4d %-32s %-10s %-18s %-14s %12d\n",
			d.Index, d.KernelName, id, d.GlobalWG, d.LocalWG, d.Duration().Nanoseconds()); err != nil {
			return err
		}
	}
	_, err := p.Fprintf(w, "total: %d ns\n", q.TotalDuration().Nanoseconds())
	return err
}

func (q *QueryPool) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.set != nil {
		q.set.Close()
		q.set = nil
	}
	q.state = queryPoolUninitialized
}
