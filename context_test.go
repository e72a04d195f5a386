// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestNewContextRejectsInvalidConfig(t *testing.T) {
	_, err := NewContext(newFakeAdapter(), WithSubmitFrequency(0))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewContext(freq=0) error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewContext(nil); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("NewContext(nil) error = %v, want ErrNoAdapter", err)
	}
}

func TestSubmitComputeJobThreshold(t *testing.T) {
	tests := []struct {
		name            string
		frequency       uint32
		dispatches      int
		wantSubmissions int
		wantPending     uint32
	}{
		{"below threshold", 4, 3, 0, 3},
		{"exactly threshold", 4, 4, 1, 0},
		{"two batches and a half", 4, 10, 2, 2},
		{"every dispatch", 1, 5, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, a := newTestContext(t, WithSubmitFrequency(tt.frequency))
			for i := range tt.dispatches {
				submitted, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, uint32(i), addArgs()...)
				if err != nil {
					t.Fatalf("dispatch %d: %v", i, err)
				}
				want := (i+1)%int(tt.frequency) == 0
				if submitted != want {
					t.Errorf("dispatch %d: submitted = %v, want %v", i, submitted, want)
				}
			}
			if got := len(a.submissions()); got != tt.wantSubmissions {
				t.Errorf("submissions = %d, want %d", got, tt.wantSubmissions)
			}
			if got := ctx.Stats().PendingDispatches; got != tt.wantPending {
				t.Errorf("pending = %d, want %d", got, tt.wantPending)
			}
			for _, cmd := range a.submissions() {
				if got := cmd.dispatches(); got != int(tt.frequency) {
					t.Errorf("submitted buffer holds %d dispatches, want %d", got, tt.frequency)
				}
			}
		})
	}
}

func TestSubmitComputeJobRecordsInOrder(t *testing.T) {
	ctx, a := newTestContext(t, WithSubmitFrequency(1))
	barrier := &PipelineBarrier{}
	out, _ := newTestBuffer(16)
	barrier.AddBuffer(out.BindInfo(), AccessShaderWrite, AccessShaderRead, StageCompute, StageCompute)

	if _, err := ctx.SubmitComputeJob(addShader, barrier, wg64, local64, nil, nil, 7, addArgs()...); err != nil {
		t.Fatal(err)
	}
	got := strings.Join(a.submissions()[0].ops, " ")
	want := "pipeline:add descriptors barrier dispatch:(1, 1, 1)"
	if got != want {
		t.Errorf("ops = %q, want %q", got, want)
	}
}

func TestSubmitComputeJobFence(t *testing.T) {
	ctx, a := newTestContext(t, WithSubmitFrequency(4))

	l := ctx.DispatchLock()
	defer l.Unlock()

	for range 2 {
		submitted, err := l.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, NoDispatchID, addArgs()...)
		if err != nil || submitted {
			t.Fatalf("unfenced dispatch: submitted=%v err=%v", submitted, err)
		}
	}

	fence, err := ctx.Fences().GetFence()
	if err != nil {
		t.Fatal(err)
	}
	submitted, err := l.SubmitComputeJob(addShader, nil, wg64, local64, nil, fence, 3, addArgs()...)
	if err != nil {
		t.Fatal(err)
	}
	if !submitted {
		t.Fatal("fenced dispatch did not submit")
	}
	if err := fence.Wait(0); err != nil {
		t.Fatalf("fence not signaled: %v", err)
	}
	subs := a.submissions()
	if len(subs) != 1 || subs[0].dispatches() != 3 {
		t.Fatalf("want one submission of 3 dispatches, got %d", len(subs))
	}
	if l.SubmitCount() != 0 {
		t.Errorf("SubmitCount = %d after fenced submit, want 0", l.SubmitCount())
	}
}

func TestSubmitComputeJobEmptyArgs(t *testing.T) {
	t.Run("no fence", func(t *testing.T) {
		ctx, a := newTestContext(t)
		submitted, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 0, Buffer{}, addArgs()[1])
		if err != nil || submitted {
			t.Fatalf("submitted=%v err=%v, want false nil", submitted, err)
		}
		if len(a.cmdPool.issued) != 0 || len(a.specKeys) != 0 {
			t.Error("empty dispatch touched the command pool or pipeline cache")
		}
	})

	t.Run("fence with nothing batched", func(t *testing.T) {
		ctx, a := newTestContext(t)
		l := ctx.DispatchLock()
		defer l.Unlock()
		fence, _ := ctx.Fences().GetFence()
		submitted, err := l.SubmitComputeJob(addShader, nil, wg64, local64, nil, fence, 0, addArgs()[0], BufferBindInfo{})
		if err != nil || submitted {
			t.Fatalf("submitted=%v err=%v, want false nil", submitted, err)
		}
		if len(a.submissions()) != 0 || a.fenceSignals != 0 {
			t.Error("empty fenced dispatch submitted with nothing batched")
		}
	})

	t.Run("fence flushes batch", func(t *testing.T) {
		ctx, a := newTestContext(t, WithSubmitFrequency(4))
		l := ctx.DispatchLock()
		defer l.Unlock()
		for range 2 {
			if _, err := l.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 0, addArgs()...); err != nil {
				t.Fatal(err)
			}
		}
		fence, _ := ctx.Fences().GetFence()
		submitted, err := l.SubmitComputeJob(addShader, nil, wg64, local64, nil, fence, 0, Buffer{}, Buffer{})
		if err != nil || !submitted {
			t.Fatalf("submitted=%v err=%v, want true nil", submitted, err)
		}
		subs := a.submissions()
		if len(subs) != 1 || subs[0].dispatches() != 2 {
			t.Fatalf("want one submission of 2 dispatches")
		}
		if fence.Wait(0) != nil {
			t.Error("fence not signaled")
		}
	})
}

func TestSubmitComputeJobMisusePanics(t *testing.T) {
	ctx, _ := newTestContext(t)
	tests := []struct {
		name string
		call func()
	}{
		{"fence without lock", func() {
			fence, _ := ctx.Fences().GetFence()
			_, _ = ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, fence, 0, addArgs()...)
		}},
		{"fence on context while lock is held", func() {
			fence, _ := ctx.Fences().GetFence()
			held := make(chan *DispatchLock)
			release := make(chan struct{})
			done := make(chan struct{})
			go func() {
				l := ctx.DispatchLock()
				held <- l
				<-release
				l.Unlock()
				close(done)
			}()
			<-held
			defer func() {
				close(release)
				<-done
			}()
			_, _ = ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, fence, 0, addArgs()...)
		}},
		{"too few args", func() {
			_, _ = ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 0, addArgs()[0])
		}},
		{"nil shader", func() {
			_, _ = ctx.SubmitComputeJob(nil, nil, wg64, local64, nil, nil, 0)
		}},
		{"released lock", func() {
			l := ctx.DispatchLock()
			l.Unlock()
			_ = l.Flush()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.call()
		})
	}
}

func TestSubmitComputeJobConcurrent(t *testing.T) {
	const (
		frequency = 4
		workers   = 8
		perWorker = 25
	)
	ctx, a := newTestContext(t, WithSubmitFrequency(frequency))

	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				id := uint32(w*perWorker + i)
				if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, id, addArgs()...); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	total := workers * perWorker
	if got, want := len(a.submissions()), total/frequency; got != want {
		t.Errorf("submissions = %d, want %d", got, want)
	}
	if got, want := ctx.Stats().PendingDispatches, uint32(total%frequency); got != want {
		t.Errorf("pending = %d, want %d", got, want)
	}
	for _, cmd := range a.submissions() {
		if cmd.dispatches() != frequency {
			t.Errorf("buffer with %d dispatches, want %d", cmd.dispatches(), frequency)
		}
	}
}

func TestSubmitFailureKeepsBatch(t *testing.T) {
	ctx, a := newTestContext(t, WithSubmitFrequency(2))
	a.failSubmits = 1

	if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 0, addArgs()...); err != nil {
		t.Fatal(err)
	}
	submitted, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 1, addArgs()...)
	if !errors.Is(err, errFake) || submitted {
		t.Fatalf("submitted=%v err=%v, want false and injected error", submitted, err)
	}
	if got := ctx.Stats().PendingDispatches; got != 2 {
		t.Fatalf("pending = %d after failed submit, want 2", got)
	}

	// The next dispatch retries the ended buffer before recording.
	if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 2, addArgs()...); err != nil {
		t.Fatal(err)
	}
	subs := a.submissions()
	if len(subs) != 1 || subs[0].dispatches() != 2 {
		t.Fatalf("retried submission missing: %d submissions", len(subs))
	}
	if got := ctx.Stats().PendingDispatches; got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

func TestFailedDispatchKeepsBatch(t *testing.T) {
	profiled := DefaultContextConfig()
	profiled.QueryPool.MaxQueries = 2

	tests := []struct {
		name   string
		opts   []ContextOption
		inject func(a *fakeAdapter)
		args   func() []Arg
		want   error
	}{
		{
			name:   "pipeline failure",
			inject: func(a *fakeAdapter) { a.pipelineErr = errFake },
			args:   addArgs,
			want:   errFake,
		},
		{
			name: "binding mismatch",
			args: func() []Arg {
				img, _ := newTestImage()
				in, _ := newTestBuffer(16)
				return []Arg{img, in}
			},
			want: ErrBindingMismatch,
		},
		{
			name: "query pool full",
			opts: []ContextOption{WithConfig(profiled), WithProfiling()},
			args: addArgs,
			want: ErrQueryPoolFull,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, a := newTestContext(t, append(tt.opts, WithSubmitFrequency(8))...)
			if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 0, addArgs()...); err != nil {
				t.Fatal(err)
			}
			if tt.inject != nil {
				tt.inject(a)
			}
			if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 1, tt.args()...); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got := ctx.Stats().PendingDispatches; got != 1 {
				t.Errorf("pending = %d, want 1", got)
			}
			if st := a.cmdPool.issued[0].State(); !st.Recording() {
				t.Errorf("open buffer state = %v, want recording", st)
			}
			a.pipelineErr = nil
			if err := ctx.Flush(); err != nil {
				t.Fatal(err)
			}
			subs := a.submissions()
			if len(subs) != 1 || subs[0].dispatches() != 1 {
				t.Errorf("earlier dispatch did not reach the queue")
			}
		})
	}
}

func TestRecordFailureDiscardsCommandBuffer(t *testing.T) {
	ctx, a := newTestContext(t, WithSubmitFrequency(8))
	if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 0, addArgs()...); err != nil {
		t.Fatal(err)
	}
	a.cmdPool.issued[0].failDispatch = true
	if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 1, addArgs()...); !errors.Is(err, errFake) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	if got := ctx.Stats().PendingDispatches; got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	if st := a.cmdPool.issued[0].State(); st != CmdInvalid {
		t.Errorf("half-recorded buffer state = %v, want invalid", st)
	}
	if err := ctx.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(a.submissions()) != 0 {
		t.Error("discarded buffer was submitted")
	}
}

func TestRegisterShaderDispatchOutTile(t *testing.T) {
	tests := []struct {
		name   string
		tile   UVec3
		global UVec3
		local  UVec3
		want   string
	}{
		{"no tiling", UVec3{}, UVec3{X: 128, Y: 2, Z: 1}, UVec3{X: 64, Y: 1, Z: 1}, "dispatch:(2, 2, 1)"},
		{"tile 4 in x", UVec3{X: 4, Y: 1, Z: 1}, UVec3{X: 10, Y: 1, Z: 1}, UVec3{X: 1, Y: 1, Z: 1}, "dispatch:(3, 1, 1)"},
		{"zero global", UVec3{}, UVec3{}, UVec3{X: 8, Y: 8, Z: 1}, "barrier:none"},
		{"zero in one axis", UVec3{}, UVec3{X: 64, Y: 0, Z: 1}, UVec3{X: 64, Y: 1, Z: 1}, "barrier:none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, a := newTestContext(t)
			shader := &ShaderInfo{KernelName: "tiled", Layout: ShaderLayout{DescriptorStorageBuffer}, OutTileSize: tt.tile}
			buf, _ := newTestBuffer(16)

			l := ctx.DispatchLock()
			set, err := l.GetDescriptorSet(shader, tt.local, nil)
			if err != nil {
				l.Unlock()
				t.Fatal(err)
			}
			if err := set.Bind(0, buf); err != nil {
				l.Unlock()
				t.Fatal(err)
			}
			err = l.RegisterShaderDispatch(set, nil, shader, tt.global)
			l.Unlock()
			if err != nil {
				t.Fatal(err)
			}
			ops := a.cmdPool.issued[0].ops
			if got := ops[len(ops)-1]; got != tt.want {
				t.Errorf("last op = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetDescriptorSetSpecializesWithWorkgroup(t *testing.T) {
	ctx, a := newTestContext(t)
	spec := SpecVarList{SpecFloat32(2.5), SpecBoolean(true)}
	if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, UVec3{X: 8, Y: 4, Z: 1}, spec, nil, 0, addArgs()...); err != nil {
		t.Fatal(err)
	}
	want := "8u,4u,1u,2.5f,true"
	if len(a.specKeys) != 1 || a.specKeys[0] != want {
		t.Errorf("spec keys = %v, want [%s]", a.specKeys, want)
	}
}

func TestFlush(t *testing.T) {
	ctx, a := newTestContext(t, WithSubmitFrequency(16))
	for range 3 {
		if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 0, addArgs()...); err != nil {
			t.Fatal(err)
		}
	}
	buf, bufAlloc := newTestBuffer(32)
	img, imgAlloc := newTestImage()
	ctx.RegisterBufferCleanup(&buf)
	ctx.RegisterImageCleanup(&img)

	if err := ctx.Flush(); err != nil {
		t.Fatal(err)
	}

	if subs := a.submissions(); len(subs) != 1 || subs[0].dispatches() != 3 {
		t.Errorf("flush did not submit the pending batch")
	}
	if a.waitIdles != 1 || a.cmdPool.flushes != 1 || a.descPool.flushes != 1 {
		t.Errorf("waitIdles=%d cmdFlushes=%d descFlushes=%d, want 1 each",
			a.waitIdles, a.cmdPool.flushes, a.descPool.flushes)
	}
	if bufAlloc.released.Load() != 1 || imgAlloc.released.Load() != 1 {
		t.Error("registered resources not released")
	}
	if b, i := ctx.PendingCleanup(); b != 0 || i != 0 {
		t.Errorf("PendingCleanup = %d, %d, want 0, 0", b, i)
	}
	if s := ctx.Stats(); s.PendingDispatches != 0 || s.Submissions != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestFlushWaitIdleFailureKeepsCleanup(t *testing.T) {
	ctx, a := newTestContext(t)
	a.waitIdleErr = errFake
	buf, alloc := newTestBuffer(32)
	ctx.RegisterBufferCleanup(&buf)

	if err := ctx.Flush(); !errors.Is(err, errFake) {
		t.Fatalf("Flush error = %v, want injected error", err)
	}
	if alloc.released.Load() != 0 {
		t.Error("buffer released without an idle queue")
	}
	if a.cmdPool.flushes != 0 {
		t.Error("command pool reset without an idle queue")
	}

	a.waitIdleErr = nil
	if err := ctx.Flush(); err != nil {
		t.Fatal(err)
	}
	if alloc.released.Load() != 1 {
		t.Error("buffer not released by the next flush")
	}
}

func TestSubmitCmdToGPU(t *testing.T) {
	ctx, a := newTestContext(t)

	l := ctx.DispatchLock()
	fence, _ := ctx.Fences().GetFence()
	if err := l.SubmitCmdToGPU(fence, true); err != nil {
		t.Fatal(err)
	}
	l.Unlock()
	if a.fenceSignals != 1 || fence.Wait(0) != nil {
		t.Error("fence not signaled with no open command buffer")
	}

	if err := ctx.SubmitCmdToGPU(nil, false); err != nil {
		t.Fatal(err)
	}
	if len(a.submissions()) != 0 || a.fenceSignals != 1 {
		t.Error("unfenced submit with no open command buffer did something")
	}
}

func TestClose(t *testing.T) {
	a := newFakeAdapter()
	ctx, err := NewContext(a)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 0, addArgs()...); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(a.submissions()) != 1 {
		t.Error("Close did not submit pending work")
	}
	if !a.cmdPool.closed || !a.descPool.closed || !a.fences.closed {
		t.Error("pools not closed")
	}
	if a.closed {
		t.Error("Close closed the adapter it does not own")
	}

	if _, err := ctx.SubmitComputeJob(addShader, nil, wg64, local64, nil, nil, 0, addArgs()...); !errors.Is(err, ErrContextClosed) {
		t.Errorf("SubmitComputeJob after Close = %v, want ErrContextClosed", err)
	}
	if err := ctx.Flush(); !errors.Is(err, ErrContextClosed) {
		t.Errorf("Flush after Close = %v, want ErrContextClosed", err)
	}

	buf, alloc := newTestBuffer(8)
	ctx.RegisterBufferCleanup(&buf)
	if alloc.released.Load() != 1 {
		t.Error("buffer registered after Close not released immediately")
	}
}

func TestDispatchLockUnlockIdempotent(t *testing.T) {
	ctx, _ := newTestContext(t)
	l := ctx.DispatchLock()
	if l.Context() != ctx {
		t.Error("Context() mismatch")
	}
	l.Unlock()
	l.Unlock()

	// The lock must be free again.
	l2 := ctx.DispatchLock()
	l2.Unlock()
}
