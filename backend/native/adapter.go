// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package native implements compute.Adapter on the gogpu/wgpu HAL.
//
// Importing the package registers a Vulkan adapter factory with the compute
// runtime, so compute.Default picks it up:
//
//	import _ "github.com/gogpu/compute/backend/native"
//
// Applications that already own a device (for example through gogpu) share
// it with NewAdapter or NewAdapterFromProvider instead.
package native

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/compute"
	"github.com/gogpu/compute/internal/cache"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Backend creates HAL instances. hal.GetBackend results and noop.API
// satisfy it.
type Backend interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// Adapter drives one HAL device and queue.
//
// Thread Safety: Adapter is safe for concurrent use. Queue submissions are
// serialized internally.
type Adapter struct {
	name     string
	opts     options
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	// external is set when the device belongs to the caller and must not be
	// destroyed by Close.
	external bool

	queueMu sync.Mutex

	shaders     *cache.Cache[string, hal.ShaderModule]
	bindLayouts *cache.Cache[string, hal.BindGroupLayout]
	pipeLayouts *cache.Cache[string, hal.PipelineLayout]
	pipelines   *cache.Cache[string, *pipeline]

	queries atomic.Pointer[hostQuerySet]

	idleMu    sync.Mutex
	idleFence hal.Fence
	idleValue uint64

	// retired holds destructors of evicted objects. They run after the next
	// WaitIdle, when no submission can still reference them.
	retiredMu sync.Mutex
	retired   []func()

	closed atomic.Bool
}

// Open opens the first discrete or integrated GPU found by the Vulkan HAL
// backend, falling back to any adapter.
func Open(opts ...Option) (*Adapter, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", ErrNoGPU)
	}
	return OpenBackend(backend, opts...)
}

// OpenBackend opens a device on the given HAL backend.
func OpenBackend(backend Backend, opts ...Option) (*Adapter, error) {
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoGPU
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}

	a := newAdapter(openDev.Device, openDev.Queue, false, opts)
	a.instance = instance
	if selected.Info.Name != "" {
		a.name = a.opts.label + ":" + selected.Info.Name
	}
	compute.Logger().Info("native: device opened", "adapter", a.name)
	return a, nil
}

// NewAdapter wraps a device and queue owned by the caller. Close releases
// the adapter's caches but leaves the device alive.
func NewAdapter(device hal.Device, queue hal.Queue, opts ...Option) (*Adapter, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("%w: nil device or queue", ErrNoGPU)
	}
	return newAdapter(device, queue, true, opts), nil
}

// NewAdapterFromProvider shares the device of a gpucontext provider. The
// provider must also expose HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue.
func NewAdapterFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Adapter, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", ErrForeignObject)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", ErrForeignObject)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", ErrForeignObject)
	}
	return NewAdapter(device, queue, opts...)
}

func newAdapter(device hal.Device, queue hal.Queue, external bool, opts []Option) *Adapter {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	a := &Adapter{
		name:     o.label,
		opts:     o,
		device:   device,
		queue:    queue,
		external: external,
	}
	a.shaders = cache.New(o.cacheLimit, func(_ string, m hal.ShaderModule) {
		a.retire(func() { a.device.DestroyShaderModule(m) })
	})
	a.pipelines = cache.New(o.cacheLimit, func(_ string, p *pipeline) {
		a.retire(func() { a.device.DestroyComputePipeline(p.handle) })
	})
	// Pipelines keep pointers to their layouts, so layouts are never evicted.
	a.bindLayouts = cache.New(0, func(_ string, l hal.BindGroupLayout) {
		a.retire(func() { a.device.DestroyBindGroupLayout(l) })
	})
	a.pipeLayouts = cache.New(0, func(_ string, l hal.PipelineLayout) {
		a.retire(func() { a.device.DestroyPipelineLayout(l) })
	})
	return a
}

// Name implements compute.Adapter.
func (a *Adapter) Name() string { return a.name }

// Device returns the hal.Device.
func (a *Adapter) Device() any { return a.device }

// Queue returns the hal.Queue.
func (a *Adapter) Queue() any { return a.queue }

// HalDevice returns the device with its concrete HAL type.
func (a *Adapter) HalDevice() hal.Device { return a.device }

// HalQueue returns the queue with its concrete HAL type.
func (a *Adapter) HalQueue() hal.Queue { return a.queue }

// Submit implements compute.Adapter.
func (a *Adapter) Submit(cmd compute.CommandBuffer, signal compute.Fence, _ bool) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}

	var cmds []hal.CommandBuffer
	var c *commandBuffer
	if cmd != nil {
		var ok bool
		c, ok = cmd.(*commandBuffer)
		if !ok || c.pool.adapter != a {
			return ErrForeignObject
		}
		if c.state != compute.CmdEnded {
			return fmt.Errorf("submit command buffer in state %v: %w", c.state, compute.ErrCmdNotRecording)
		}
		cmds = []hal.CommandBuffer{c.cb}
	}

	var f *fence
	if signal != nil {
		var ok bool
		f, ok = signal.(*fence)
		if !ok || f.pool.adapter != a {
			return ErrForeignObject
		}
	}
	if cmds == nil && f == nil {
		return nil
	}

	a.queueMu.Lock()
	defer a.queueMu.Unlock()

	var halFence hal.Fence
	var value uint64
	if f != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		halFence = f.handle
		value = f.value + 1
	}
	if err := a.queue.Submit(cmds, halFence, value); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if f != nil {
		f.value = value
		f.submitted = true
	}
	if c != nil {
		c.state = compute.CmdSubmitted
	}
	return nil
}

// WaitIdle implements compute.Adapter. It signals a private fence behind
// all prior submissions and waits for it, then destroys retired objects.
func (a *Adapter) WaitIdle() error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	if err := a.waitIdle(); err != nil {
		return err
	}
	a.runRetired()
	return nil
}

func (a *Adapter) waitIdle() error {
	a.idleMu.Lock()
	defer a.idleMu.Unlock()

	if a.idleFence == nil {
		f, err := a.device.CreateFence()
		if err != nil {
			return fmt.Errorf("create idle fence: %w", err)
		}
		a.idleFence = f
	}

	a.queueMu.Lock()
	a.idleValue++
	err := a.queue.Submit(nil, a.idleFence, a.idleValue)
	a.queueMu.Unlock()
	if err != nil {
		return fmt.Errorf("submit idle fence: %w", err)
	}

	ok, err := a.device.Wait(a.idleFence, a.idleValue, a.opts.fenceTimeout)
	if err != nil {
		return fmt.Errorf("wait idle: %w", err)
	}
	if !ok {
		return fmt.Errorf("wait idle: %w", ErrFenceTimeout)
	}
	return nil
}

func (a *Adapter) retire(destroy func()) {
	a.retiredMu.Lock()
	a.retired = append(a.retired, destroy)
	a.retiredMu.Unlock()
}

func (a *Adapter) runRetired() {
	a.retiredMu.Lock()
	retired := a.retired
	a.retired = nil
	a.retiredMu.Unlock()

	for _, destroy := range retired {
		destroy()
	}
	if len(retired) > 0 {
		compute.Logger().Debug("native: destroyed retired objects", "count", len(retired))
	}
}

// CacheStats implements compute.Adapter.
func (a *Adapter) CacheStats() compute.CacheStats {
	return compute.CacheStats{
		ShaderModules:   a.shaders.Len(),
		ShaderLayouts:   a.bindLayouts.Len(),
		PipelineLayouts: a.pipeLayouts.Len(),
		Pipelines:       a.pipelines.Len(),
	}
}

// Close waits for the queue, destroys cached objects and, unless the device
// was supplied by the caller, the device and instance. Close is idempotent.
func (a *Adapter) Close() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	waitErr := a.waitIdle()
	if waitErr != nil {
		compute.Logger().Warn("native: close without idle queue", "err", waitErr)
	}

	a.pipelines.Purge()
	a.pipeLayouts.Purge()
	a.bindLayouts.Purge()
	a.shaders.Purge()
	if waitErr == nil {
		a.runRetired()
	}

	a.idleMu.Lock()
	if a.idleFence != nil {
		a.device.DestroyFence(a.idleFence)
		a.idleFence = nil
	}
	a.idleMu.Unlock()

	if !a.external {
		a.device.Destroy()
		if a.instance != nil {
			a.instance.Destroy()
		}
	}
	compute.Logger().Info("native: adapter closed", "adapter", a.name)
}

var _ compute.Adapter = (*Adapter)(nil)
