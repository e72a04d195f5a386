// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"strconv"
	"time"
)

// Adapter is a device and its compute queue, plus the shader and pipeline
// caches built on top of them. A Context drives exactly one Adapter.
//
// Implementations must be safe for concurrent use, except that Submit is
// only called with the Context's dispatch lock held.
type Adapter interface {
	// Name identifies the adapter in logs.
	Name() string

	// Device and Queue return the native handles for callers that need to
	// create resources outside the engine.
	Device() any
	Queue() any

	NewCommandPool(cfg CommandPoolConfig) (CommandPool, error)
	NewDescriptorPool(cfg DescriptorPoolConfig) (DescriptorPool, error)
	NewFencePool() (FencePool, error)
	NewQuerySet(cfg QueryPoolConfig) (QuerySet, error)

	// Pipeline resolves a kernel specialized with spec, creating and
	// caching the shader module and layouts on first use.
	Pipeline(shader *ShaderInfo, spec SpecVarList) (Pipeline, error)

	// Submit hands an ended command buffer to the queue. A nil cmd with a
	// non-nil fence submits no work and only signals the fence. finalUse
	// tells the backend the buffer will not be resubmitted.
	Submit(cmd CommandBuffer, fence Fence, finalUse bool) error

	// WaitIdle blocks until all submitted work has completed.
	WaitIdle() error

	CacheStats() CacheStats

	Close()
}

// CacheStats reports the sizes of an adapter's caches.
type CacheStats struct {
	ShaderModules   int
	ShaderLayouts   int
	PipelineLayouts int
	Pipelines       int
}

// Pipeline is an opaque compute pipeline resolved by an Adapter.
type Pipeline interface {
	Label() string
}

// CmdState is the recording state of a command buffer.
type CmdState uint8

const (
	CmdInvalid CmdState = iota
	CmdNew
	CmdRecording
	CmdPipelineBound
	CmdDescriptorsBound
	CmdBarriersInserted
	CmdEnded
	CmdSubmitted
)

var cmdStateNames = [...]string{
	CmdInvalid:          "invalid",
	CmdNew:              "new",
	CmdRecording:        "recording",
	CmdPipelineBound:    "pipeline-bound",
	CmdDescriptorsBound: "descriptors-bound",
	CmdBarriersInserted: "barriers-inserted",
	CmdEnded:            "ended",
	CmdSubmitted:        "submitted",
}

func (s CmdState) String() string {
	if int(s) < len(cmdStateNames) {
		return cmdStateNames[s]
	}
	return "CmdState(" + strconv.Itoa(int(s)) + ")"
}

// Recording reports whether commands may be appended in state s.
func (s CmdState) Recording() bool {
	return s >= CmdRecording && s <= CmdBarriersInserted
}

// CommandPool hands out command buffers.
type CommandPool interface {
	// GetNewCmd returns a command buffer in state CmdNew.
	GetNewCmd(reusable bool) (CommandBuffer, error)

	// Flush reclaims every buffer handed out since the last Flush. The
	// caller guarantees the queue is idle.
	Flush() error

	Close()
}

// CommandBuffer records compute work. Recording methods return
// ErrCmdNotRecording outside the recording states.
type CommandBuffer interface {
	State() CmdState
	Begin() error
	BindPipeline(p Pipeline, localWG UVec3) error
	BindDescriptors(set DescriptorSet) error
	InsertBarrier(b *PipelineBarrier) error

	// Dispatch records a dispatch covering global invocations; the buffer
	// divides it by the local size bound with BindPipeline, rounding up.
	Dispatch(global UVec3) error
	WriteTimestamp(slot uint32) error
	ResetQueries(first, count uint32) error

	// End finishes recording. Ending an already ended buffer is a no-op.
	End() error

	// Invalidate discards the buffer without submitting it.
	Invalidate()
}

// DescriptorPool hands out descriptor sets valid until the next Flush.
type DescriptorPool interface {
	GetDescriptorSet(layout ShaderLayout) (DescriptorSet, error)
	Flush() error
	Close()
}

// DescriptorSet binds dispatch arguments by binding index. Bind returns
// ErrBindingMismatch for an index outside the layout or an argument of the
// wrong kind.
type DescriptorSet interface {
	Bind(index int, arg Arg) error
}

// FencePool recycles fences.
type FencePool interface {
	GetFence() (Fence, error)
	ReturnFence(f Fence)
	Close()
}

// Fence is signaled by the queue when the submission it was attached to
// completes.
type Fence interface {
	Wait(timeout time.Duration) error
}

// QuerySet stores timestamps written by command buffers.
type QuerySet interface {
	// Results returns count raw timestamps starting at first.
	Results(first, count uint32) ([]uint64, error)

	// NanosPerTick converts raw timestamps to nanoseconds.
	NanosPerTick() float64

	Close()
}
