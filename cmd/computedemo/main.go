// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command computedemo exercises the compute engine: concurrent batched
// dispatches from several goroutines, one fenced synchronous dispatch and a
// flush, followed by a report of queue and cache statistics.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/muesli/termenv"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/compute"
	"github.com/gogpu/compute/backend/native"
	"github.com/gogpu/wgpu/hal/noop"
)

const addWGSL = `
@group(0) @binding(0) var<storage, read_write> dst: array<f32>;
@group(0) @binding(1) var<storage, read> src: array<f32>;

@compute @workgroup_size(spec_0, spec_1, spec_2)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    if (id.x < arrayLength(&dst)) {
        dst[id.x] = dst[id.x] + src[id.x];
    }
}
`

var addShader = &compute.ShaderInfo{
	KernelName: "add",
	Source:     addWGSL,
	Layout:     compute.ShaderLayout{compute.DescriptorStorageBuffer, compute.DescriptorReadOnlyStorageBuffer},
}

func main() {
	var (
		configPath = flag.String("config", "", "context config file (.toml, .yaml)")
		backend    = flag.String("backend", "vulkan", "HAL backend: vulkan or noop")
		workers    = flag.Int("workers", 4, "goroutines submitting dispatches")
		dispatches = flag.Int("dispatches", 64, "dispatches per worker")
		elements   = flag.Int("elements", 1<<16, "elements per buffer")
		profile    = flag.Bool("profile", false, "timestamp every dispatch")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	compute.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := compute.DefaultContextConfig()
	if *configPath != "" {
		var err error
		if cfg, err = compute.LoadConfig(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	adapter, err := openAdapter(*backend)
	if err != nil {
		log.Fatalf("open adapter: %v", err)
	}
	defer adapter.Close()

	opts := []compute.ContextOption{compute.WithConfig(cfg)}
	if *profile {
		opts = append(opts, compute.WithProfiling())
	}
	ctx, err := compute.NewContext(adapter, opts...)
	if err != nil {
		log.Fatalf("create context: %v", err)
	}

	start := time.Now()
	if err := run(ctx, adapter, *workers, *dispatches, *elements); err != nil {
		_ = ctx.Close()
		log.Fatalf("run: %v", err)
	}
	elapsed := time.Since(start)

	report(ctx, adapter, elapsed, *profile)
	if err := ctx.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}
}

func openAdapter(name string) (*native.Adapter, error) {
	switch name {
	case "vulkan":
		return native.Open()
	case "noop":
		return native.OpenBackend(noop.API{}, native.WithLabel("noop"))
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func run(ctx *compute.Context, a *native.Adapter, workers, dispatches, elements int) error {
	size := uint64(elements) * 4 //nolint:gosec // flag value
	dst, err := a.NewBuffer("dst", size, compute.DescriptorStorageBuffer)
	if err != nil {
		return err
	}
	src, err := a.NewBuffer("src", size, compute.DescriptorReadOnlyStorageBuffer)
	if err != nil {
		dst.Allocation().Release()
		return err
	}
	defer ctx.RegisterBufferCleanup(&dst)
	defer ctx.RegisterBufferCleanup(&src)

	ones := make([]byte, size)
	for i := 0; i < len(ones); i += 4 {
		binary.LittleEndian.PutUint32(ones[i:], math.Float32bits(1))
	}
	if err := a.WriteBuffer(src, 0, ones); err != nil {
		return err
	}
	if err := a.WriteBuffer(dst, 0, make([]byte, size)); err != nil {
		return err
	}

	global := compute.UVec3{X: uint32(elements), Y: 1, Z: 1} //nolint:gosec // flag value
	local := compute.UVec3{X: 64, Y: 1, Z: 1}

	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range dispatches {
				id := uint32(w*dispatches + i) //nolint:gosec // small
				if _, err := ctx.SubmitComputeJob(addShader, nil, global, local, nil, nil, id, dst, src); err != nil {
					return fmt.Errorf("worker %d dispatch %d: %w", w, i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := syncDispatch(ctx, global, local, dst, src); err != nil {
		return err
	}
	if err := ctx.Flush(); err != nil {
		return err
	}

	head := make([]byte, 4)
	if err := a.ReadBuffer(dst, 0, head); err != nil {
		return err
	}
	compute.Logger().Info("computedemo: readback",
		"dst[0]", math.Float32frombits(binary.LittleEndian.Uint32(head)),
		"want", workers*dispatches+1)
	return nil
}

// syncDispatch records one dispatch, submits it with a fence and waits.
func syncDispatch(ctx *compute.Context, global, local compute.UVec3, args ...compute.Arg) error {
	lock := ctx.DispatchLock()
	defer lock.Unlock()

	fence, err := ctx.Fences().GetFence()
	if err != nil {
		return err
	}
	defer ctx.Fences().ReturnFence(fence)

	submitted, err := lock.SubmitComputeJob(addShader, nil, global, local, nil, fence, compute.NoDispatchID, args...)
	if err != nil {
		return err
	}
	if !submitted {
		return nil
	}
	return fence.Wait(5 * time.Second)
}

func report(ctx *compute.Context, a *native.Adapter, elapsed time.Duration, profile bool) {
	out := termenv.NewOutput(os.Stdout)
	title := out.String("compute: " + a.Name()).Bold()
	label := func(s string) termenv.Style { return out.String(s).Foreground(out.Color("6")) }

	fmt.Fprintln(out, title)
	stats := ctx.Stats()
	fmt.Fprintf(out, "%s %d\n", label("submissions:"), stats.Submissions)
	fmt.Fprintf(out, "%s %v\n", label("elapsed:    "), elapsed.Round(time.Microsecond))

	cs := ctx.CacheStats()
	fmt.Fprintf(out, "%s modules=%d layouts=%d pipeline-layouts=%d pipelines=%d\n",
		label("caches:     "), cs.ShaderModules, cs.ShaderLayouts, cs.PipelineLayouts, cs.Pipelines)

	if profile {
		fmt.Fprintln(out, out.String("profile").Underline())
		if err := ctx.QueryPool().WriteReport(out); err != nil {
			fmt.Fprintln(out, out.String(err.Error()).Foreground(out.Color("1")))
		}
	}
}
