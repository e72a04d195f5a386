// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package compute batches GPU compute-shader dispatches into shared command
// buffers and coordinates the pools that back them.
//
// # Overview
//
// A [Context] is bound to one [Adapter] (a device and its compute queue).
// Callers record dispatches with [Context.SubmitComputeJob]; the Context
// appends them to a single open command buffer and hands that buffer to the
// queue once [ContextConfig.SubmitFrequency] dispatches have accumulated,
// or immediately when the caller supplies a [Fence].
//
//	ctx := compute.Default()
//	if ctx == nil {
//	    return errors.New("no GPU")
//	}
//	_, err := ctx.SubmitComputeJob(shader, &barrier,
//	    compute.UVec3{X: 64, Y: 1, Z: 1}, compute.UVec3{X: 64, Y: 1, Z: 1},
//	    nil, nil, compute.NoDispatchID, in, out)
//
// # Synchronous work
//
// A fenced dispatch requires the caller to hold the dispatch lock for the
// whole record, submit, wait sequence:
//
//	l := ctx.DispatchLock()
//	defer l.Unlock()
//	fence, _ := ctx.Fences().GetFence()
//	defer ctx.Fences().ReturnFence(fence)
//	if _, err := l.SubmitComputeJob(shader, nil, global, local, nil, fence, id, args...); err != nil {
//	    return err
//	}
//	if err := fence.Wait(5 * time.Second); err != nil {
//	    return err
//	}
//	return l.Flush()
//
// # Resource lifetime
//
// Buffers and images that may still be referenced by in-flight work are
// handed to [Context.RegisterBufferCleanup] / [Context.RegisterImageCleanup]
// and released by the next [Context.Flush], after the queue is idle.
//
// # Backends
//
// The engine only talks to the interfaces in this package. The
// backend/native package implements them on gogpu/wgpu/hal and registers a
// "vulkan" adapter factory, which [Default] uses:
//
//	import _ "github.com/gogpu/compute/backend/native"
package compute
