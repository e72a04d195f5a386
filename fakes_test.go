// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errFake = errors.New("fake: injected failure")

// fakeAlloc counts releases.
type fakeAlloc struct {
	released atomic.Int32
}

func (a *fakeAlloc) Release() { a.released.Add(1) }

func newTestBuffer(size uint64) (Buffer, *fakeAlloc) {
	a := &fakeAlloc{}
	return NewBuffer(a, size, "test"), a
}

func newTestImage() (Image, *fakeAlloc) {
	a := &fakeAlloc{}
	return NewImage(a, UVec3{X: 4, Y: 4, Z: 1}, "test"), a
}

type fakePipeline struct{ label string }

func (p *fakePipeline) Label() string { return p.label }

// fakeCmd follows the command buffer state machine and logs every command.
type fakeCmd struct {
	state        CmdState
	ops          []string
	local        UVec3
	failDispatch bool
}

func (c *fakeCmd) State() CmdState { return c.state }

func (c *fakeCmd) Begin() error {
	if c.state != CmdNew {
		return fmt.Errorf("begin in state %v", c.state)
	}
	c.state = CmdRecording
	return nil
}

func (c *fakeCmd) record(next CmdState, op string) error {
	if !c.state.Recording() {
		return ErrCmdNotRecording
	}
	if next != 0 {
		c.state = next
	}
	c.ops = append(c.ops, op)
	return nil
}

func (c *fakeCmd) BindPipeline(p Pipeline, local UVec3) error {
	c.local = local
	return c.record(CmdPipelineBound, "pipeline:"+p.Label())
}

func (c *fakeCmd) BindDescriptors(DescriptorSet) error {
	return c.record(CmdDescriptorsBound, "descriptors")
}

func (c *fakeCmd) InsertBarrier(b *PipelineBarrier) error {
	if b.Empty() {
		return c.record(CmdBarriersInserted, "barrier:none")
	}
	return c.record(CmdBarriersInserted, "barrier")
}

func (c *fakeCmd) Dispatch(global UVec3) error {
	if c.failDispatch {
		return errFake
	}
	return c.record(CmdRecording, "dispatch:"+global.DivCeil(c.local).String())
}

func (c *fakeCmd) WriteTimestamp(slot uint32) error {
	return c.record(0, fmt.Sprintf("ts:%d", slot))
}

func (c *fakeCmd) ResetQueries(first, count uint32) error {
	return c.record(0, fmt.Sprintf("reset:%d+%d", first, count))
}

func (c *fakeCmd) End() error {
	if c.state == CmdEnded {
		return nil
	}
	if !c.state.Recording() {
		return ErrCmdNotRecording
	}
	c.state = CmdEnded
	return nil
}

func (c *fakeCmd) Invalidate() { c.state = CmdInvalid }

func (c *fakeCmd) dispatches() int {
	n := 0
	for _, op := range c.ops {
		if len(op) > 9 && op[:9] == "dispatch:" {
			n++
		}
	}
	return n
}

func (c *fakeCmd) count(op string) int {
	n := 0
	for _, o := range c.ops {
		if o == op {
			n++
		}
	}
	return n
}

type fakeCmdPool struct {
	mu      sync.Mutex
	issued  []*fakeCmd
	flushes int
	closed  bool
}

func (p *fakeCmdPool) GetNewCmd(bool) (CommandBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &fakeCmd{state: CmdNew}
	p.issued = append(p.issued, c)
	return c, nil
}

func (p *fakeCmdPool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *fakeCmdPool) Close() { p.closed = true }

type fakeSet struct {
	layout ShaderLayout
	bound  []Arg
}

func (s *fakeSet) Bind(i int, arg Arg) error {
	if i < 0 || i >= len(s.layout) || !ArgMatches(s.layout[i], arg) {
		return ErrBindingMismatch
	}
	s.bound[i] = arg
	return nil
}

type fakeDescPool struct {
	mu      sync.Mutex
	sets    int
	flushes int
	closed  bool
}

func (p *fakeDescPool) GetDescriptorSet(layout ShaderLayout) (DescriptorSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets++
	return &fakeSet{layout: layout, bound: make([]Arg, len(layout))}, nil
}

func (p *fakeDescPool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	p.sets = 0
	return nil
}

func (p *fakeDescPool) Close() { p.closed = true }

type fakeFence struct {
	signaled atomic.Bool
}

func (f *fakeFence) Wait(time.Duration) error {
	if !f.signaled.Load() {
		return errors.New("fake: fence not signaled")
	}
	return nil
}

type fakeFencePool struct{ closed bool }

func (p *fakeFencePool) GetFence() (Fence, error) { return &fakeFence{}, nil }
func (p *fakeFencePool) ReturnFence(f Fence)      { f.(*fakeFence).signaled.Store(false) }
func (p *fakeFencePool) Close()                   { p.closed = true }

// fakeQuerySet reports slot i at tick i*10, so every dispatch takes 10ns.
type fakeQuerySet struct{ closed bool }

func (q *fakeQuerySet) Results(first, count uint32) ([]uint64, error) {
	out := make([]uint64, count)
	for i := range out {
		out[i] = uint64(first+uint32(i)) * 10
	}
	return out, nil
}

func (q *fakeQuerySet) NanosPerTick() float64 { return 1 }
func (q *fakeQuerySet) Close()                { q.closed = true }

type fakeAdapter struct {
	mu sync.Mutex

	cmdPool  *fakeCmdPool
	descPool *fakeDescPool
	fences   *fakeFencePool
	queries  *fakeQuerySet

	submitted    []*fakeCmd
	fenceSignals int
	failSubmits  int
	waitIdleErr  error
	waitIdles    int
	pipelineErr  error
	specKeys     []string
	closed       bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		cmdPool:  &fakeCmdPool{},
		descPool: &fakeDescPool{},
		fences:   &fakeFencePool{},
		queries:  &fakeQuerySet{},
	}
}

func (a *fakeAdapter) Name() string { return "fake" }
func (a *fakeAdapter) Device() any  { return "device" }
func (a *fakeAdapter) Queue() any   { return "queue" }

func (a *fakeAdapter) NewCommandPool(CommandPoolConfig) (CommandPool, error) { return a.cmdPool, nil }
func (a *fakeAdapter) NewDescriptorPool(DescriptorPoolConfig) (DescriptorPool, error) {
	return a.descPool, nil
}
func (a *fakeAdapter) NewFencePool() (FencePool, error)               { return a.fences, nil }
func (a *fakeAdapter) NewQuerySet(QueryPoolConfig) (QuerySet, error) { return a.queries, nil }

func (a *fakeAdapter) Pipeline(shader *ShaderInfo, spec SpecVarList) (Pipeline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pipelineErr != nil {
		return nil, a.pipelineErr
	}
	a.specKeys = append(a.specKeys, spec.Key())
	return &fakePipeline{label: shader.KernelName}, nil
}

func (a *fakeAdapter) Submit(cmd CommandBuffer, fence Fence, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failSubmits > 0 {
		a.failSubmits--
		return errFake
	}
	if cmd != nil {
		fc := cmd.(*fakeCmd)
		if fc.state != CmdEnded {
			return fmt.Errorf("fake: submit in state %v", fc.state)
		}
		fc.state = CmdSubmitted
		a.submitted = append(a.submitted, fc)
	} else {
		a.fenceSignals++
	}
	if fence != nil {
		fence.(*fakeFence).signaled.Store(true)
	}
	return nil
}

func (a *fakeAdapter) WaitIdle() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waitIdles++
	return a.waitIdleErr
}

func (a *fakeAdapter) CacheStats() CacheStats { return CacheStats{} }
func (a *fakeAdapter) Close()                 { a.closed = true }

func (a *fakeAdapter) submissions() []*fakeCmd {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*fakeCmd(nil), a.submitted...)
}

// newTestContext returns a Context over a fake adapter, closed at cleanup.
func newTestContext(t *testing.T, opts ...ContextOption) (*Context, *fakeAdapter) {
	t.Helper()
	a := newFakeAdapter()
	ctx, err := NewContext(a, opts...)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx, a
}

var addShader = &ShaderInfo{
	KernelName: "add",
	Layout:     ShaderLayout{DescriptorStorageBuffer, DescriptorReadOnlyStorageBuffer},
}

func addArgs() []Arg {
	out, _ := newTestBuffer(64)
	in, _ := newTestBuffer(64)
	return []Arg{out, in}
}

var (
	wg64    = UVec3{X: 64, Y: 1, Z: 1}
	local64 = UVec3{X: 64, Y: 1, Z: 1}
)
