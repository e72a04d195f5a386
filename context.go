// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Context batches compute dispatches for one Adapter.
//
// Dispatches are appended to a single open command buffer, which is
// submitted every ContextConfig.SubmitFrequency dispatches or as soon as a
// dispatch carries a fence. One mutex (the dispatch lock) serializes
// recording, the open command buffer and the batch counter; the deferred
// cleanup lists each have their own mutex so registering a resource never
// waits for recording.
//
// Context is safe for concurrent use.
type Context struct {
	config    ContextConfig
	adapter   Adapter
	cmdPool   CommandPool
	descPool  DescriptorPool
	fences    FencePool
	querypool *QueryPool

	// Guarded by cmdMu.
	cmdMu       sync.Mutex
	cmd         CommandBuffer
	submitCount uint32
	submissions uint64

	closed atomic.Bool

	bufferCleanupMu sync.Mutex
	buffersToClear  []Buffer

	imageCleanupMu sync.Mutex
	imagesToClear  []Image
}

// Stats is a snapshot of a Context's batching and cleanup state.
type Stats struct {
	// Submissions counts command buffers handed to the queue.
	Submissions uint64
	// PendingDispatches is the number of dispatches recorded into the open
	// command buffer.
	PendingDispatches uint32
	PendingBuffers    int
	PendingImages     int
}

// NewContext creates a Context bound to adapter. The configuration is
// copied and never changes afterwards.
func NewContext(adapter Adapter, opts ...ContextOption) (*Context, error) {
	if adapter == nil {
		return nil, ErrNoAdapter
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}

	c := &Context{
		config:    o.config,
		adapter:   adapter,
		querypool: newQueryPool(o.config.QueryPool),
	}

	var err error
	if c.cmdPool, err = adapter.NewCommandPool(o.config.CommandPool); err != nil {
		return nil, fmt.Errorf("compute: create command pool: %w", err)
	}
	if c.descPool, err = adapter.NewDescriptorPool(o.config.DescriptorPool); err != nil {
		c.cmdPool.Close()
		return nil, fmt.Errorf("compute: create descriptor pool: %w", err)
	}
	if c.fences, err = adapter.NewFencePool(); err != nil {
		c.descPool.Close()
		c.cmdPool.Close()
		return nil, fmt.Errorf("compute: create fence pool: %w", err)
	}
	if o.profiling {
		if err := c.querypool.Initialize(adapter); err != nil {
			c.fences.Close()
			c.descPool.Close()
			c.cmdPool.Close()
			return nil, err
		}
	}

	Logger().Info("compute: context created",
		"adapter", adapter.Name(),
		"submit_frequency", o.config.SubmitFrequency,
		"profiling", o.profiling)
	return c, nil
}

// Config returns the configuration the Context was created with.
func (c *Context) Config() ContextConfig { return c.config }

// Adapter returns the adapter the Context drives.
func (c *Context) Adapter() Adapter { return c.adapter }

// Device returns the adapter's native device handle.
func (c *Context) Device() any { return c.adapter.Device() }

// Queue returns the adapter's native queue handle.
func (c *Context) Queue() any { return c.adapter.Queue() }

// CommandPool returns the command pool.
func (c *Context) CommandPool() CommandPool { return c.cmdPool }

// DescriptorPool returns the descriptor pool.
func (c *Context) DescriptorPool() DescriptorPool { return c.descPool }

// Fences returns the fence pool used for synchronous dispatches.
func (c *Context) Fences() FencePool { return c.fences }

// QueryPool returns the diagnostics pool.
func (c *Context) QueryPool() *QueryPool { return c.querypool }

// CacheStats returns the adapter's shader and pipeline cache sizes.
func (c *Context) CacheStats() CacheStats { return c.adapter.CacheStats() }

// Stats returns a snapshot of the batching and cleanup state.
func (c *Context) Stats() Stats {
	c.cmdMu.Lock()
	s := Stats{Submissions: c.submissions, PendingDispatches: c.submitCount}
	c.cmdMu.Unlock()
	s.PendingBuffers, s.PendingImages = c.PendingCleanup()
	return s
}

// InitializeQueryPool enables dispatch timestamps.
func (c *Context) InitializeQueryPool() error {
	if c.closed.Load() {
		return ErrContextClosed
	}
	return c.querypool.Initialize(c.adapter)
}

// SubmitComputeJob records one dispatch of shader over global invocations
// with the given local workgroup size, binding args positionally against
// shader.Layout. It reports whether a submission to the queue happened.
//
// Without a fence the dispatch lock is taken for the call and the batch is
// submitted once SubmitFrequency dispatches have accumulated. Fenced
// dispatches go through DispatchLock.SubmitComputeJob, which submits the
// batch immediately, attached to the fence.
//
// If any argument has no memory nothing is recorded and false is returned.
//
// Passing a number of arguments different from len(shader.Layout), or a
// non-nil fence, panics.
func (c *Context) SubmitComputeJob(
	shader *ShaderInfo,
	barrier *PipelineBarrier,
	globalWG, localWG UVec3,
	spec SpecVarList,
	fence Fence,
	dispatchID uint32,
	args ...Arg,
) (bool, error) {
	checkArgs(shader, args)
	if fence != nil {
		panic("compute: fenced SubmitComputeJob must go through DispatchLock.SubmitComputeJob")
	}
	if anyEmpty(args) {
		return false, nil
	}
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.submitComputeJob(shader, barrier, globalWG, localWG, spec, nil, dispatchID, args)
}

// SubmitCmdToGPU submits the open command buffer, if any, attached to
// fence. See DispatchLock.SubmitCmdToGPU.
func (c *Context) SubmitCmdToGPU(fence Fence, finalUse bool) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.closed.Load() {
		return ErrContextClosed
	}
	return c.submitCmd(fence, finalUse)
}

// Flush ends the current cycle. See DispatchLock.Flush.
func (c *Context) Flush() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.closed.Load() {
		return ErrContextClosed
	}
	return c.flush()
}

// CmdResetQueryPool records a reset of every timestamp slot. It is a no-op
// while the query pool is uninitialized.
func (c *Context) CmdResetQueryPool() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.closed.Load() {
		return ErrContextClosed
	}
	return c.cmdResetQueryPool()
}

// Close flushes outstanding work and releases the pools. The adapter is
// left to its owner. Close must not be called while holding the dispatch
// lock.
func (c *Context) Close() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	err := c.flush()
	c.closed.Store(true)
	if err != nil {
		Logger().Warn("compute: flush on close failed", "err", err)
	} else {
		// Registrations that raced with the flush above. Later ones see
		// closed under the list lock and release themselves.
		c.drainCleanup()
	}

	c.querypool.close()
	c.descPool.Close()
	c.cmdPool.Close()
	c.fences.Close()
	return err
}

// DispatchLock acquires the dispatch lock and returns the handle that
// releases it. Every recording operation on the handle runs without
// re-acquiring the lock; a fenced SubmitComputeJob is only available on
// the handle.
func (c *Context) DispatchLock() *DispatchLock {
	c.cmdMu.Lock()
	return &DispatchLock{c: c}
}

// DispatchLock is a held dispatch lock. It belongs to the goroutine that
// acquired it and must be released with Unlock. While holding it, use the
// handle's methods: the Context methods that take the lock themselves
// (SubmitComputeJob without a fence, SubmitCmdToGPU, Flush, Stats, Close)
// would deadlock.
type DispatchLock struct {
	c        *Context
	released bool
}

// Unlock releases the lock. Calling it more than once is a no-op.
func (l *DispatchLock) Unlock() {
	if l.released {
		return
	}
	l.released = true
	l.c.cmdMu.Unlock()
}

func (l *DispatchLock) held() *Context {
	if l.released {
		panic("compute: use of released DispatchLock")
	}
	return l.c
}

// Context returns the Context the lock belongs to.
func (l *DispatchLock) Context() *Context { return l.c }

// SubmitComputeJob is Context.SubmitComputeJob for a caller holding the
// lock. With a non-nil fence the batch is submitted immediately, attached
// to the fence. If any argument has no memory nothing is recorded; a fenced
// call still submits dispatches batched earlier and returns true, and when
// there are none it returns false and the fence is not signaled.
func (l *DispatchLock) SubmitComputeJob(
	shader *ShaderInfo,
	barrier *PipelineBarrier,
	globalWG, localWG UVec3,
	spec SpecVarList,
	fence Fence,
	dispatchID uint32,
	args ...Arg,
) (bool, error) {
	c := l.held()
	checkArgs(shader, args)
	return c.submitComputeJob(shader, barrier, globalWG, localWG, spec, fence, dispatchID, args)
}

// SubmitCmdToGPU ends the open command buffer and submits it attached to
// fence, then resets the batch. With no open command buffer it only
// signals a non-nil fence. If ending or submitting fails the batch is
// kept and retried by the next submission.
func (l *DispatchLock) SubmitCmdToGPU(fence Fence, finalUse bool) error {
	c := l.held()
	if c.closed.Load() {
		return ErrContextClosed
	}
	return c.submitCmd(fence, finalUse)
}

// Flush ends the current cycle: it submits recorded work, waits for the
// queue to go idle, resolves diagnostics, resets the command and
// descriptor pools and releases every resource registered for cleanup.
// If the queue cannot be confirmed idle nothing is reclaimed.
func (l *DispatchLock) Flush() error {
	c := l.held()
	if c.closed.Load() {
		return ErrContextClosed
	}
	return c.flush()
}

// SetCmd opens a command buffer if none is open.
func (l *DispatchLock) SetCmd(reusable bool) error {
	c := l.held()
	if c.closed.Load() {
		return ErrContextClosed
	}
	return c.setCmd(reusable)
}

// GetDescriptorSet binds the pipeline for shader specialized with the
// local workgroup size followed by spec, and returns a descriptor set laid
// out for shader.Layout. A command buffer is opened if needed.
func (l *DispatchLock) GetDescriptorSet(shader *ShaderInfo, localWG UVec3, spec SpecVarList) (DescriptorSet, error) {
	c := l.held()
	if c.closed.Load() {
		return nil, ErrContextClosed
	}
	return c.getDescriptorSet(shader, localWG, spec)
}

// RegisterShaderDispatch records set, barrier and a dispatch of globalWG
// invocations divided by shader.OutTileSize into the open command buffer.
func (l *DispatchLock) RegisterShaderDispatch(set DescriptorSet, barrier *PipelineBarrier, shader *ShaderInfo, globalWG UVec3) error {
	c := l.held()
	if c.closed.Load() {
		return ErrContextClosed
	}
	if c.cmd == nil {
		return ErrCmdNotRecording
	}
	return c.registerShaderDispatch(set, barrier, shader, globalWG)
}

// ReportShaderDispatchStart writes the start timestamp of a dispatch. It is
// a no-op while the query pool is uninitialized.
func (l *DispatchLock) ReportShaderDispatchStart(name string, globalWG, localWG UVec3, dispatchID uint32) error {
	c := l.held()
	if c.closed.Load() {
		return ErrContextClosed
	}
	return c.reportShaderDispatchStart(name, globalWG, localWG, dispatchID)
}

// ReportShaderDispatchEnd writes the end timestamp of the last started
// dispatch. It is a no-op while the query pool is uninitialized.
func (l *DispatchLock) ReportShaderDispatchEnd() error {
	c := l.held()
	if c.closed.Load() {
		return ErrContextClosed
	}
	return c.reportShaderDispatchEnd()
}

// CmdResetQueryPool is Context.CmdResetQueryPool for a caller holding the
// lock.
func (l *DispatchLock) CmdResetQueryPool() error {
	c := l.held()
	if c.closed.Load() {
		return ErrContextClosed
	}
	return c.cmdResetQueryPool()
}

// SubmitCount returns the number of dispatches batched into the open
// command buffer.
func (l *DispatchLock) SubmitCount() uint32 {
	return l.held().submitCount
}

func checkArgs(shader *ShaderInfo, args []Arg) {
	if shader == nil {
		panic("compute: SubmitComputeJob with nil shader")
	}
	if len(args) != len(shader.Layout) {
		panic(fmt.Sprintf("compute: kernel %q takes %d arguments, got %d",
			shader.KernelName, len(shader.Layout), len(args)))
	}
}

func anyEmpty(args []Arg) bool {
	for _, a := range args {
		if a == nil || !a.HasMemory() {
			return true
		}
	}
	return false
}

// The methods below require cmdMu to be held.

func (c *Context) submitComputeJob(
	shader *ShaderInfo,
	barrier *PipelineBarrier,
	globalWG, localWG UVec3,
	spec SpecVarList,
	fence Fence,
	dispatchID uint32,
	args []Arg,
) (bool, error) {
	if c.closed.Load() {
		return false, ErrContextClosed
	}
	if anyEmpty(args) {
		if fence != nil && c.submitCount > 0 {
			if err := c.submitCmd(fence, false); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	}

	pipeline, set, err := c.prepareDispatch(shader, localWG, spec, args)
	if err != nil {
		return false, err
	}
	if err := c.setCmd(false); err != nil {
		return false, err
	}
	if err := c.recordDispatch(pipeline, set, shader, barrier, globalWG, localWG, dispatchID); err != nil {
		c.discardCmd(err)
		return false, err
	}
	c.submitCount++

	if fence != nil || c.submitCount >= c.config.SubmitFrequency {
		if err := c.submitCmd(fence, false); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// prepareDispatch resolves everything a dispatch needs without touching
// the open command buffer, so a failure here leaves the batch intact.
func (c *Context) prepareDispatch(shader *ShaderInfo, localWG UVec3, spec SpecVarList, args []Arg) (Pipeline, DescriptorSet, error) {
	if err := c.querypool.checkRoom(); err != nil {
		return nil, nil, err
	}
	pipeline, set, err := c.resolveDescriptorSet(shader, localWG, spec)
	if err != nil {
		return nil, nil, err
	}
	for i, arg := range args {
		if err := set.Bind(i, arg); err != nil {
			return nil, nil, fmt.Errorf("compute: bind argument %d of %q: %w", i, shader.KernelName, err)
		}
	}
	return pipeline, set, nil
}

// recordDispatch writes a prepared dispatch into the open command buffer.
// A failure leaves the buffer half-recorded.
func (c *Context) recordDispatch(
	pipeline Pipeline,
	set DescriptorSet,
	shader *ShaderInfo,
	barrier *PipelineBarrier,
	globalWG, localWG UVec3,
	dispatchID uint32,
) error {
	if err := c.reportShaderDispatchStart(shader.KernelName, globalWG, localWG, dispatchID); err != nil {
		return err
	}
	if err := c.cmd.BindPipeline(pipeline, localWG); err != nil {
		return fmt.Errorf("compute: bind pipeline: %w", err)
	}
	if err := c.registerShaderDispatch(set, barrier, shader, globalWG); err != nil {
		return err
	}
	return c.reportShaderDispatchEnd()
}

// discardCmd drops a command buffer left half-recorded by a failed
// dispatch, together with the dispatches batched before it.
func (c *Context) discardCmd(cause error) {
	if c.cmd == nil {
		return
	}
	Logger().Warn("compute: discarding command buffer after failed dispatch",
		"dropped_dispatches", c.submitCount, "err", cause)
	c.cmd.Invalidate()
	c.cmd = nil
	c.submitCount = 0
}

func (c *Context) setCmd(reusable bool) error {
	if c.cmd != nil {
		if c.cmd.State() != CmdEnded {
			return nil
		}
		// A previous submission failed after End; retry it first.
		if err := c.submitCmd(nil, false); err != nil {
			return err
		}
	}
	cmd, err := c.cmdPool.GetNewCmd(reusable)
	if err != nil {
		return fmt.Errorf("compute: get command buffer: %w", err)
	}
	if err := cmd.Begin(); err != nil {
		cmd.Invalidate()
		return fmt.Errorf("compute: begin command buffer: %w", err)
	}
	c.cmd = cmd
	return nil
}

func (c *Context) getDescriptorSet(shader *ShaderInfo, localWG UVec3, spec SpecVarList) (DescriptorSet, error) {
	pipeline, set, err := c.resolveDescriptorSet(shader, localWG, spec)
	if err != nil {
		return nil, err
	}
	if err := c.setCmd(false); err != nil {
		return nil, err
	}
	if err := c.cmd.BindPipeline(pipeline, localWG); err != nil {
		return nil, fmt.Errorf("compute: bind pipeline: %w", err)
	}
	return set, nil
}

func (c *Context) resolveDescriptorSet(shader *ShaderInfo, localWG UVec3, spec SpecVarList) (Pipeline, DescriptorSet, error) {
	pipeline, err := c.adapter.Pipeline(shader, spec.WithWorkgroup(localWG))
	if err != nil {
		return nil, nil, fmt.Errorf("compute: pipeline for %q: %w", shader.KernelName, err)
	}
	set, err := c.descPool.GetDescriptorSet(shader.Layout)
	if err != nil {
		return nil, nil, fmt.Errorf("compute: get descriptor set: %w", err)
	}
	return pipeline, set, nil
}

func (c *Context) registerShaderDispatch(set DescriptorSet, barrier *PipelineBarrier, shader *ShaderInfo, globalWG UVec3) error {
	global := globalWG.DivCeil(shader.OutTileSize)

	if err := c.cmd.BindDescriptors(set); err != nil {
		return fmt.Errorf("compute: bind descriptors: %w", err)
	}
	if err := c.cmd.InsertBarrier(barrier); err != nil {
		return fmt.Errorf("compute: insert barrier: %w", err)
	}
	if global.Volume() == 0 {
		return nil
	}
	if err := c.cmd.Dispatch(global); err != nil {
		return fmt.Errorf("compute: dispatch %q: %w", shader.KernelName, err)
	}
	return nil
}

func (c *Context) reportShaderDispatchStart(name string, globalWG, localWG UVec3, dispatchID uint32) error {
	if !c.querypool.Initialized() {
		return nil
	}
	if err := c.setCmd(false); err != nil {
		return err
	}
	return c.querypool.shaderProfileBegin(c.cmd, dispatchID, name, globalWG, localWG)
}

func (c *Context) reportShaderDispatchEnd() error {
	if !c.querypool.Initialized() || c.cmd == nil {
		return nil
	}
	return c.querypool.shaderProfileEnd(c.cmd)
}

func (c *Context) cmdResetQueryPool() error {
	if !c.querypool.Initialized() {
		return nil
	}
	if err := c.setCmd(false); err != nil {
		return err
	}
	return c.querypool.reset(c.cmd)
}

func (c *Context) submitCmd(fence Fence, finalUse bool) error {
	if c.cmd == nil {
		if fence == nil {
			return nil
		}
		if err := c.adapter.Submit(nil, fence, finalUse); err != nil {
			return fmt.Errorf("compute: signal fence: %w", err)
		}
		return nil
	}
	if err := c.cmd.End(); err != nil {
		return fmt.Errorf("compute: end command buffer: %w", err)
	}
	if err := c.adapter.Submit(c.cmd, fence, finalUse); err != nil {
		return fmt.Errorf("compute: submit: %w", err)
	}
	Logger().Debug("compute: submitted",
		"dispatches", c.submitCount,
		"fenced", fence != nil,
		"final_use", finalUse)
	c.cmd = nil
	c.submitCount = 0
	c.submissions++
	return nil
}

func (c *Context) flush() error {
	var errs []error
	if c.cmd != nil {
		if err := c.submitCmd(nil, true); err != nil {
			errs = append(errs, err)
			c.discardCmd(err)
		}
	}
	if err := c.adapter.WaitIdle(); err != nil {
		errs = append(errs, fmt.Errorf("compute: wait idle: %w", err))
		return errors.Join(errs...)
	}
	if c.querypool.Initialized() {
		if err := c.querypool.ExtractResults(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.cmdPool.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("compute: flush command pool: %w", err))
	}
	if err := c.descPool.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("compute: flush descriptor pool: %w", err))
	}
	buffers, images := c.drainCleanup()
	Logger().Debug("compute: flushed", "released_buffers", buffers, "released_images", images)
	return errors.Join(errs...)
}
