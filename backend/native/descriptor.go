// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"
	"sync"

	"github.com/gogpu/compute"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// descriptorKinds is the number of compute.DescriptorType values.
const descriptorKinds = int(compute.DescriptorStorageImage) + 1

// descriptorPool hands out descriptor sets within the configured limits.
// Bind groups are created lazily when a set is first bound to a command
// buffer and destroyed at Flush.
type descriptorPool struct {
	adapter *Adapter
	cfg     compute.DescriptorPoolConfig

	mu     sync.Mutex
	sets   int
	used   [descriptorKinds]int
	groups []hal.BindGroup
	closed bool
}

// NewDescriptorPool implements compute.Adapter.
func (a *Adapter) NewDescriptorPool(cfg compute.DescriptorPoolConfig) (compute.DescriptorPool, error) {
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}
	return &descriptorPool{
		adapter: a,
		cfg:     cfg,
		groups:  make([]hal.BindGroup, 0, cfg.PileSize),
	}, nil
}

func (p *descriptorPool) limit(d compute.DescriptorType) int {
	switch d {
	case compute.DescriptorUniformBuffer:
		return int(p.cfg.UniformBuffers)
	case compute.DescriptorStorageBuffer, compute.DescriptorReadOnlyStorageBuffer:
		return int(p.cfg.StorageBuffers)
	case compute.DescriptorSampledImage:
		return int(p.cfg.SampledImages)
	default:
		return int(p.cfg.StorageImages)
	}
}

// GetDescriptorSet implements compute.DescriptorPool.
func (p *descriptorPool) GetDescriptorSet(layout compute.ShaderLayout) (compute.DescriptorSet, error) {
	bindLayout, err := p.adapter.bindGroupLayout(layout)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrAdapterClosed
	}
	if p.sets >= int(p.cfg.MaxSets) {
		return nil, fmt.Errorf("%w: %d descriptor sets", compute.ErrPoolExhausted, p.sets)
	}
	var want [descriptorKinds]int
	for _, d := range layout {
		want[d]++
	}
	for d, n := range want {
		dt := compute.DescriptorType(d) //nolint:gosec // bounded by array length
		if n > 0 && p.usedFor(dt)+n > p.limit(dt) {
			return nil, fmt.Errorf("%w: %v descriptors", compute.ErrPoolExhausted, dt)
		}
	}
	for d, n := range want {
		p.used[d] += n
	}
	p.sets++

	return &descriptorSet{
		pool:       p,
		layout:     layout,
		bindLayout: bindLayout,
		entries:    make([]gputypes.BindGroupEntry, len(layout)),
		bound:      make([]bool, len(layout)),
	}, nil
}

// usedFor counts descriptors drawn from the same budget as d. Storage and
// read-only storage buffers share one budget.
func (p *descriptorPool) usedFor(d compute.DescriptorType) int {
	if d == compute.DescriptorStorageBuffer || d == compute.DescriptorReadOnlyStorageBuffer {
		return p.used[compute.DescriptorStorageBuffer] + p.used[compute.DescriptorReadOnlyStorageBuffer]
	}
	return p.used[d]
}

func (p *descriptorPool) track(g hal.BindGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = append(p.groups, g)
}

// Flush implements compute.DescriptorPool. The queue must be idle.
func (p *descriptorPool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyGroups()
	p.sets = 0
	clear(p.used[:])
	return nil
}

// Close implements compute.DescriptorPool.
func (p *descriptorPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.destroyGroups()
}

func (p *descriptorPool) destroyGroups() {
	for _, g := range p.groups {
		p.adapter.device.DestroyBindGroup(g)
	}
	clear(p.groups)
	p.groups = p.groups[:0]
}

// descriptorSet collects bind group entries until it is bound.
type descriptorSet struct {
	pool       *descriptorPool
	layout     compute.ShaderLayout
	bindLayout hal.BindGroupLayout
	entries    []gputypes.BindGroupEntry
	bound      []bool
	group      hal.BindGroup
}

// Bind implements compute.DescriptorSet. Rebinding after the set was bound
// to a command buffer starts a new bind group; the old one stays valid for
// the commands already recorded.
func (s *descriptorSet) Bind(index int, arg compute.Arg) error {
	if index < 0 || index >= len(s.layout) {
		return fmt.Errorf("%w: binding %d outside layout [%s]", compute.ErrBindingMismatch, index, s.layout.Key())
	}
	if !compute.ArgMatches(s.layout[index], arg) {
		return fmt.Errorf("%w: binding %d is %v", compute.ErrBindingMismatch, index, s.layout[index])
	}

	entry := gputypes.BindGroupEntry{Binding: uint32(index)} //nolint:gosec // checked above
	switch v := arg.(type) {
	case compute.Buffer:
		mem, err := s.pool.adapter.bufferMemory(v)
		if err != nil {
			return err
		}
		entry.Resource = gputypes.BufferBinding{Buffer: mem.buffer.NativeHandle(), Offset: 0, Size: v.Size()}
	case compute.BufferBindInfo:
		mem, ok := v.Buffer.(*bufferMemory)
		if !ok || mem.adapter != s.pool.adapter {
			return ErrForeignObject
		}
		entry.Resource = gputypes.BufferBinding{Buffer: mem.buffer.NativeHandle(), Offset: v.Offset, Size: v.Range}
	case compute.Image:
		mem, ok := v.Allocation().(*imageMemory)
		if !ok || mem.adapter != s.pool.adapter {
			return ErrForeignObject
		}
		entry.Resource = gputypes.TextureViewBinding{
			TextureView: mem.view.NativeHandle(),
		}
	}

	s.entries[index] = entry
	s.bound[index] = true
	s.group = nil
	return nil
}

// realize returns the bind group for the current bindings, creating it on
// first use.
func (s *descriptorSet) realize() (hal.BindGroup, error) {
	if s.group != nil {
		return s.group, nil
	}
	for i, ok := range s.bound {
		if !ok {
			return nil, fmt.Errorf("%w: binding %d", ErrUnboundDescriptor, i)
		}
	}
	g, err := s.pool.adapter.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "set[" + s.layout.Key() + "]",
		Layout:  s.bindLayout,
		Entries: s.entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group: %w", err)
	}
	s.pool.track(g)
	s.group = g
	return g, nil
}
