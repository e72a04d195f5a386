// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/compute"
	"github.com/gogpu/wgpu/hal"
)

// fencePool recycles HAL fences. A fence counts up: every submission that
// signals it uses the next value, so a returned fence can be reused without
// a reset.
type fencePool struct {
	adapter *Adapter

	mu      sync.Mutex
	free    []*fence
	created []*fence
	closed  bool
}

// NewFencePool implements compute.Adapter.
func (a *Adapter) NewFencePool() (compute.FencePool, error) {
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}
	return &fencePool{adapter: a}, nil
}

// GetFence implements compute.FencePool.
func (p *fencePool) GetFence() (compute.Fence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrAdapterClosed
	}
	if n := len(p.free); n > 0 {
		f := p.free[n-1]
		p.free = p.free[:n-1]
		return f, nil
	}
	h, err := p.adapter.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("create fence: %w", err)
	}
	f := &fence{pool: p, handle: h}
	p.created = append(p.created, f)
	return f, nil
}

// ReturnFence implements compute.FencePool.
func (p *fencePool) ReturnFence(cf compute.Fence) {
	f, ok := cf.(*fence)
	if !ok || f.pool != p {
		return
	}
	f.mu.Lock()
	f.submitted = false
	f.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.free = append(p.free, f)
	}
}

// Close implements compute.FencePool. It destroys every fence the pool
// created, including ones still held by callers.
func (p *fencePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, f := range p.created {
		p.adapter.device.DestroyFence(f.handle)
	}
	p.created = nil
	p.free = nil
}

type fence struct {
	pool   *fencePool
	handle hal.Fence

	mu        sync.Mutex
	value     uint64
	submitted bool
}

// Wait implements compute.Fence.
func (f *fence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	value, submitted := f.value, f.submitted
	f.mu.Unlock()

	if !submitted {
		return ErrFenceNotSubmitted
	}
	ok, err := f.pool.adapter.device.Wait(f.handle, value, timeout)
	if err != nil {
		return fmt.Errorf("wait fence: %w", err)
	}
	if !ok {
		return ErrFenceTimeout
	}
	return nil
}
