// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/gogpu/compute"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// commandPool hands out command buffers backed by HAL command encoders.
// Encoders are created in batches and each records exactly one buffer.
type commandPool struct {
	adapter *Adapter
	cfg     compute.CommandPoolConfig

	mu     sync.Mutex
	free   []hal.CommandEncoder
	issued []*commandBuffer
	serial uint64
	closed bool
}

// NewCommandPool implements compute.Adapter.
func (a *Adapter) NewCommandPool(cfg compute.CommandPoolConfig) (compute.CommandPool, error) {
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}
	p := &commandPool{adapter: a, cfg: cfg}
	if err := p.grow(int(cfg.InitialSize)); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// grow adds n encoders to the free list. Caller must hold p.mu or own p
// exclusively.
func (p *commandPool) grow(n int) error {
	for range n {
		enc, err := p.adapter.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
			Label: p.adapter.opts.label + "_encoder",
		})
		if err != nil {
			return fmt.Errorf("create command encoder: %w", err)
		}
		p.free = append(p.free, enc)
	}
	return nil
}

// GetNewCmd implements compute.CommandPool. HAL command buffers are one-shot,
// so reusable is ignored.
func (p *commandPool) GetNewCmd(_ bool) (compute.CommandBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrAdapterClosed
	}
	if len(p.free) == 0 {
		if err := p.grow(int(max(p.cfg.BatchSize, 1))); err != nil {
			return nil, err
		}
		compute.Logger().Debug("native: command pool grown",
			"issued", len(p.issued), "batch", p.cfg.BatchSize)
	}
	enc := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	p.serial++
	c := &commandBuffer{
		pool:    p,
		encoder: enc,
		label:   "cmd_" + strconv.FormatUint(p.serial, 10),
		state:   compute.CmdNew,
	}
	p.issued = append(p.issued, c)
	return c, nil
}

// Flush implements compute.CommandPool. It frees every buffer issued since
// the previous Flush; the queue must be idle.
func (p *commandPool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.issued {
		c.release()
	}
	clear(p.issued)
	p.issued = p.issued[:0]
	return nil
}

// Close implements compute.CommandPool.
func (p *commandPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.issued {
		c.release()
	}
	p.issued = nil
	p.free = nil
}

// commandBuffer records one dispatch per compute pass. Passes are separated
// by the HAL's implicit storage barriers, so buffer barriers need no
// commands; image barriers become texture transitions.
//
// commandBuffer is not safe for concurrent use; the Context records under
// its dispatch lock.
type commandBuffer struct {
	pool    *commandPool
	encoder hal.CommandEncoder
	cb      hal.CommandBuffer
	label   string
	state   compute.CmdState

	pipeline *pipeline
	local    compute.UVec3
	group    hal.BindGroup
	passes   int
}

func (c *commandBuffer) State() compute.CmdState { return c.state }

func (c *commandBuffer) Begin() error {
	if c.state != compute.CmdNew {
		return fmt.Errorf("begin %s in state %v: %w", c.label, c.state, compute.ErrCmdNotRecording)
	}
	if err := c.encoder.BeginEncoding(c.label); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	c.state = compute.CmdRecording
	return nil
}

func (c *commandBuffer) checkRecording() error {
	if !c.state.Recording() {
		return fmt.Errorf("%s in state %v: %w", c.label, c.state, compute.ErrCmdNotRecording)
	}
	return nil
}

func (c *commandBuffer) BindPipeline(p compute.Pipeline, localWG compute.UVec3) error {
	if err := c.checkRecording(); err != nil {
		return err
	}
	np, ok := p.(*pipeline)
	if !ok {
		return ErrForeignObject
	}
	c.pipeline = np
	c.local = localWG
	c.group = nil
	c.state = compute.CmdPipelineBound
	return nil
}

func (c *commandBuffer) BindDescriptors(set compute.DescriptorSet) error {
	if err := c.checkRecording(); err != nil {
		return err
	}
	ds, ok := set.(*descriptorSet)
	if !ok || ds.pool.adapter != c.pool.adapter {
		return ErrForeignObject
	}
	if c.pipeline != nil && c.pipeline.layout.Key() != ds.layout.Key() {
		return fmt.Errorf("%w: set [%s] for pipeline %s [%s]",
			compute.ErrBindingMismatch, ds.layout.Key(), c.pipeline.label, c.pipeline.layout.Key())
	}
	group, err := ds.realize()
	if err != nil {
		return err
	}
	c.group = group
	c.state = compute.CmdDescriptorsBound
	return nil
}

func (c *commandBuffer) InsertBarrier(b *compute.PipelineBarrier) error {
	if err := c.checkRecording(); err != nil {
		return err
	}
	if !b.Empty() && len(b.Images) > 0 {
		barriers := make([]hal.TextureBarrier, 0, len(b.Images))
		for _, ib := range b.Images {
			mem, ok := ib.Image.Allocation().(*imageMemory)
			if !ok {
				return ErrForeignObject
			}
			barriers = append(barriers, hal.TextureBarrier{
				Texture: mem.texture,
				Usage: hal.TextureUsageTransition{
					OldUsage: textureUsage(ib.OldUsage),
					NewUsage: textureUsage(ib.NewUsage),
				},
			})
		}
		c.encoder.TransitionTextures(barriers)
	}
	c.state = compute.CmdBarriersInserted
	return nil
}

func (c *commandBuffer) Dispatch(global compute.UVec3) error {
	if err := c.checkRecording(); err != nil {
		return err
	}
	if c.pipeline == nil || c.group == nil {
		return fmt.Errorf("dispatch on %s without pipeline and descriptors: %w", c.label, compute.ErrCmdNotRecording)
	}
	groups := global.DivCeil(c.local)
	if groups.Volume() == 0 {
		c.state = compute.CmdRecording
		return nil
	}
	pass := c.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: c.pipeline.label})
	pass.SetPipeline(c.pipeline.handle)
	pass.SetBindGroup(0, c.group, nil)
	pass.Dispatch(groups.X, groups.Y, groups.Z)
	pass.End()
	c.passes++
	c.state = compute.CmdRecording
	return nil
}

func (c *commandBuffer) WriteTimestamp(slot uint32) error {
	if err := c.checkRecording(); err != nil {
		return err
	}
	q := c.pool.adapter.querySet()
	if q == nil {
		return fmt.Errorf("write timestamp %d: no query set", slot)
	}
	return q.stamp(slot)
}

func (c *commandBuffer) ResetQueries(first, count uint32) error {
	if err := c.checkRecording(); err != nil {
		return err
	}
	q := c.pool.adapter.querySet()
	if q == nil {
		return nil
	}
	return q.reset(first, count)
}

func (c *commandBuffer) End() error {
	if c.state == compute.CmdEnded {
		return nil
	}
	if err := c.checkRecording(); err != nil {
		return err
	}
	cb, err := c.encoder.EndEncoding()
	if err != nil {
		c.encoder.DiscardEncoding()
		c.state = compute.CmdInvalid
		return fmt.Errorf("end encoding: %w", err)
	}
	c.cb = cb
	c.state = compute.CmdEnded
	return nil
}

func (c *commandBuffer) Invalidate() {
	if c.state.Recording() {
		c.encoder.DiscardEncoding()
	}
	c.state = compute.CmdInvalid
	c.pipeline = nil
	c.group = nil
}

// release frees the HAL command buffer. The queue must be idle.
func (c *commandBuffer) release() {
	if c.state.Recording() {
		c.encoder.DiscardEncoding()
	}
	if c.cb != nil {
		c.pool.adapter.device.FreeCommandBuffer(c.cb)
		c.cb = nil
	}
	c.state = compute.CmdInvalid
	c.pipeline = nil
	c.group = nil
}

func textureUsage(u compute.ImageUsage) gputypes.TextureUsage {
	switch u {
	case compute.ImageUsageSampled:
		return gputypes.TextureUsageTextureBinding
	case compute.ImageUsageStorage:
		return gputypes.TextureUsageStorageBinding
	case compute.ImageUsageCopySrc:
		return gputypes.TextureUsageCopySrc
	case compute.ImageUsageCopyDst:
		return gputypes.TextureUsageCopyDst
	default:
		return 0
	}
}
