// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"
	"strings"

	"github.com/gogpu/compute"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// pipeline is a compute pipeline specialized for one constant list.
type pipeline struct {
	label      string
	handle     hal.ComputePipeline
	bindLayout hal.BindGroupLayout
	layout     compute.ShaderLayout
}

func (p *pipeline) Label() string { return p.label }

// Pipeline implements compute.Adapter. The shader module, bind group layout,
// pipeline layout and pipeline are each cached; a miss on any of them
// creates only what is missing.
func (a *Adapter) Pipeline(shader *compute.ShaderInfo, spec compute.SpecVarList) (compute.Pipeline, error) {
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}
	key := shader.KernelName + "|" + spec.Key()
	p, err := a.pipelines.GetOrCreate(key, func() (*pipeline, error) {
		return a.createPipeline(key, shader, spec)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a *Adapter) createPipeline(key string, shader *compute.ShaderInfo, spec compute.SpecVarList) (*pipeline, error) {
	module, err := a.shaders.GetOrCreate(key, func() (hal.ShaderModule, error) {
		return a.createShaderModule(key, shader, spec)
	})
	if err != nil {
		return nil, err
	}

	bindLayout, err := a.bindGroupLayout(shader.Layout)
	if err != nil {
		return nil, err
	}

	layoutKey := shader.Layout.Key()
	pipeLayout, err := a.pipeLayouts.GetOrCreate(layoutKey, func() (hal.PipelineLayout, error) {
		return a.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            "layout[" + layoutKey + "]",
			BindGroupLayouts: []hal.BindGroupLayout{bindLayout},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline layout for %s: %w", shader.KernelName, err)
	}

	handle, err := a.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   key,
		Layout:  pipeLayout,
		Compute: hal.ComputeState{Module: module, EntryPoint: shader.Entry()},
	})
	if err != nil {
		return nil, fmt.Errorf("create compute pipeline for %s: %w", shader.KernelName, err)
	}

	compute.Logger().Debug("native: pipeline created",
		"kernel", shader.KernelName,
		"spec", spec.Key(),
		"bindings", len(shader.Layout))

	return &pipeline{
		label:      shader.KernelName,
		handle:     handle,
		bindLayout: bindLayout,
		layout:     shader.Layout,
	}, nil
}

func (a *Adapter) createShaderModule(label string, shader *compute.ShaderInfo, spec compute.SpecVarList) (hal.ShaderModule, error) {
	src := specializeWGSL(shader.Source, spec)
	source := hal.ShaderSource{WGSL: src}
	if a.opts.spirv {
		words, err := compileSPIRV(src)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", shader.KernelName, err)
		}
		source = hal.ShaderSource{SPIRV: words}
	}
	module, err := a.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: source,
	})
	if err != nil {
		return nil, fmt.Errorf("create shader module for %s: %w", shader.KernelName, err)
	}
	return module, nil
}

func (a *Adapter) bindGroupLayout(layout compute.ShaderLayout) (hal.BindGroupLayout, error) {
	key := layout.Key()
	l, err := a.bindLayouts.GetOrCreate(key, func() (hal.BindGroupLayout, error) {
		return a.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   "bindings[" + key + "]",
			Entries: layoutEntries(layout, a.opts.storageFormat),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group layout [%s]: %w", key, err)
	}
	return l, nil
}

// specializeWGSL prepends one module-scope constant per specialization
// value. Constant i is named spec_i, so the local workgroup size is
// spec_0, spec_1 and spec_2:
//
//	@compute @workgroup_size(spec_0, spec_1, spec_2)
func specializeWGSL(src string, spec compute.SpecVarList) string {
	if len(spec) == 0 {
		return src
	}
	var sb strings.Builder
	for i, v := range spec {
		fmt.Fprintf(&sb, "const spec_%d: %s = %s;\n", i, wgslType(v.Type), v)
	}
	sb.WriteByte('\n')
	sb.WriteString(src)
	return sb.String()
}

func wgslType(t compute.SpecType) string {
	switch t {
	case compute.SpecInt:
		return "i32"
	case compute.SpecFloat:
		return "f32"
	case compute.SpecBool:
		return "bool"
	default:
		return "u32"
	}
}

// compileSPIRV compiles WGSL to little-endian SPIR-V words.
func compileSPIRV(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, err
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

func layoutEntries(layout compute.ShaderLayout, storageFormat gputypes.TextureFormat) []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, len(layout))
	for i, d := range layout {
		e := gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i), //nolint:gosec // layouts are short
			Visibility: gputypes.ShaderStageCompute,
		}
		switch d {
		case compute.DescriptorUniformBuffer:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
		case compute.DescriptorStorageBuffer:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
		case compute.DescriptorReadOnlyStorageBuffer:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}
		case compute.DescriptorSampledImage:
			e.Texture = &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case compute.DescriptorStorageImage:
			e.StorageTexture = &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessReadWrite,
				Format:        storageFormat,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		}
		entries[i] = e
	}
	return entries
}
