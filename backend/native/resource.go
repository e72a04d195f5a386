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

// bufferMemory is the compute.Allocation behind buffers made by NewBuffer.
type bufferMemory struct {
	adapter *Adapter
	buffer  hal.Buffer
	size    uint64
	once    sync.Once
}

func (m *bufferMemory) Release() {
	m.once.Do(func() { m.adapter.device.DestroyBuffer(m.buffer) })
}

// imageMemory is the compute.Allocation behind images made by NewImage.
type imageMemory struct {
	adapter *Adapter
	texture hal.Texture
	view    hal.TextureView
	once    sync.Once
}

func (m *imageMemory) Release() {
	m.once.Do(func() {
		m.adapter.device.DestroyTextureView(m.view)
		m.adapter.device.DestroyTexture(m.texture)
	})
}

// NewBuffer creates a buffer bindable as kind, which must be one of the
// buffer descriptor types. Every buffer can be written with WriteBuffer and
// read back with ReadBuffer.
func (a *Adapter) NewBuffer(label string, size uint64, kind compute.DescriptorType) (compute.Buffer, error) {
	if !kind.IsBuffer() {
		return compute.Buffer{}, fmt.Errorf("%w: %v is not a buffer type", compute.ErrBindingMismatch, kind)
	}
	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if kind == compute.DescriptorUniformBuffer {
		usage |= gputypes.BufferUsageUniform
	} else {
		usage |= gputypes.BufferUsageStorage
	}
	buf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return compute.Buffer{}, fmt.Errorf("create buffer %q: %w", label, err)
	}
	return compute.NewBuffer(&bufferMemory{adapter: a, buffer: buf, size: size}, size, label), nil
}

// NewImage creates a 2D image in the adapter's storage image format,
// bindable as kind (sampled or storage image).
func (a *Adapter) NewImage(label string, width, height uint32, kind compute.DescriptorType) (compute.Image, error) {
	usage := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	switch kind {
	case compute.DescriptorSampledImage:
		usage |= gputypes.TextureUsageTextureBinding
	case compute.DescriptorStorageImage:
		usage |= gputypes.TextureUsageStorageBinding
	default:
		return compute.Image{}, fmt.Errorf("%w: %v is not an image type", compute.ErrBindingMismatch, kind)
	}

	tex, err := a.device.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        a.opts.storageFormat,
		Usage:         usage,
	})
	if err != nil {
		return compute.Image{}, fmt.Errorf("create image %q: %w", label, err)
	}
	view, err := a.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         label + "_view",
		Format:        a.opts.storageFormat,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		a.device.DestroyTexture(tex)
		return compute.Image{}, fmt.Errorf("create view for %q: %w", label, err)
	}
	mem := &imageMemory{adapter: a, texture: tex, view: view}
	return compute.NewImage(mem, compute.UVec3{X: width, Y: height, Z: 1}, label), nil
}

func (a *Adapter) bufferMemory(b compute.Buffer) (*bufferMemory, error) {
	mem, ok := b.Allocation().(*bufferMemory)
	if !ok || mem.adapter != a {
		return nil, ErrForeignObject
	}
	return mem, nil
}

// WriteBuffer uploads data at offset through the queue. The write is
// ordered before any later submission.
func (a *Adapter) WriteBuffer(b compute.Buffer, offset uint64, data []byte) error {
	mem, err := a.bufferMemory(b)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > mem.size {
		return fmt.Errorf("write %d bytes at %d: buffer %q holds %d", len(data), offset, b.Label(), mem.size)
	}
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	a.queue.WriteBuffer(mem.buffer, offset, data)
	return nil
}

// ReadBuffer copies len(out) bytes starting at offset into out. It copies
// through a staging buffer and blocks until the copy completes, so all
// previously submitted work that writes b is visible.
func (a *Adapter) ReadBuffer(b compute.Buffer, offset uint64, out []byte) error {
	mem, err := a.bufferMemory(b)
	if err != nil {
		return err
	}
	size := uint64(len(out))
	if offset+size > mem.size {
		return fmt.Errorf("read %d bytes at %d: buffer %q holds %d", size, offset, b.Label(), mem.size)
	}
	if size == 0 {
		return nil
	}

	staging, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.Label() + "_staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create staging buffer: %w", err)
	}
	defer a.device.DestroyBuffer(staging)

	encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "readback"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("readback"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(mem.buffer, staging, []hal.BufferCopy{
		{SrcOffset: offset, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return fmt.Errorf("end encoding: %w", err)
	}
	defer a.device.FreeCommandBuffer(cmdBuf)

	done, err := a.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer a.device.DestroyFence(done)

	a.queueMu.Lock()
	err = a.queue.Submit([]hal.CommandBuffer{cmdBuf}, done, 1)
	a.queueMu.Unlock()
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	ok, err := a.device.Wait(done, 1, a.opts.fenceTimeout)
	if err != nil {
		return fmt.Errorf("wait for readback: %w", err)
	}
	if !ok {
		return fmt.Errorf("wait for readback: %w", ErrFenceTimeout)
	}

	if err := a.queue.ReadBuffer(staging, 0, out); err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	return nil
}
