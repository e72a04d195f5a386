// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NoDispatchID marks a dispatch that carries no caller-assigned identifier.
const NoDispatchID = math.MaxUint32

// UVec3 is a workgroup count or size along x, y and z.
type UVec3 struct {
	X, Y, Z uint32
}

// String returns "(x, y, z)".
func (v UVec3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", v.X, v.Y, v.Z)
}

// Volume returns x*y*z.
func (v UVec3) Volume() uint64 {
	return uint64(v.X) * uint64(v.Y) * uint64(v.Z)
}

// DivCeil divides v component-wise by d, rounding up. Zero components of d
// are treated as 1.
func (v UVec3) DivCeil(d UVec3) UVec3 {
	div := func(a, b uint32) uint32 {
		if b <= 1 {
			return a
		}
		return a/b + min(a%b, 1)
	}
	return UVec3{X: div(v.X, d.X), Y: div(v.Y, d.Y), Z: div(v.Z, d.Z)}
}

// DescriptorType is the kind of resource bound at one shader binding.
type DescriptorType uint8

const (
	// DescriptorUniformBuffer is a read-only uniform buffer.
	DescriptorUniformBuffer DescriptorType = iota
	// DescriptorStorageBuffer is a read-write storage buffer.
	DescriptorStorageBuffer
	// DescriptorReadOnlyStorageBuffer is a read-only storage buffer.
	DescriptorReadOnlyStorageBuffer
	// DescriptorSampledImage is an image read through texture loads.
	DescriptorSampledImage
	// DescriptorStorageImage is an image written by the shader.
	DescriptorStorageImage
)

// String returns the descriptor type name.
func (d DescriptorType) String() string {
	switch d {
	case DescriptorUniformBuffer:
		return "uniform"
	case DescriptorStorageBuffer:
		return "storage"
	case DescriptorReadOnlyStorageBuffer:
		return "storage-ro"
	case DescriptorSampledImage:
		return "sampled-image"
	case DescriptorStorageImage:
		return "storage-image"
	default:
		return "unknown(" + strconv.Itoa(int(d)) + ")"
	}
}

// IsBuffer reports whether the descriptor binds a buffer.
func (d DescriptorType) IsBuffer() bool {
	return d <= DescriptorReadOnlyStorageBuffer
}

// ShaderLayout lists the descriptor types of a kernel's bindings in binding
// order. Arguments are bound positionally against it.
type ShaderLayout []DescriptorType

// Key returns a stable string identifying the layout, used as a cache key.
func (l ShaderLayout) Key() string {
	var sb strings.Builder
	for i, d := range l {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(d.String())
	}
	return sb.String()
}

// ShaderInfo describes a compute kernel.
type ShaderInfo struct {
	// KernelName identifies the kernel in caches and diagnostics.
	KernelName string

	// Source is the WGSL source of the kernel.
	Source string

	// EntryPoint defaults to "main".
	EntryPoint string

	// Layout lists the kernel's bindings.
	Layout ShaderLayout

	// OutTileSize is the number of output elements each invocation covers
	// per axis. The global workgroup count is divided by it before dispatch.
	// Zero components count as 1.
	OutTileSize UVec3
}

// Entry returns the entry point, defaulting to "main".
func (s *ShaderInfo) Entry() string {
	if s.EntryPoint == "" {
		return "main"
	}
	return s.EntryPoint
}

// SpecType is the scalar type of a specialization constant.
type SpecType uint8

const (
	SpecUint SpecType = iota
	SpecInt
	SpecFloat
	SpecBool
)

// SpecVar is one specialization constant. Constants are identified by
// position: the local workgroup size occupies ids 0-2 and caller supplied
// constants follow.
type SpecVar struct {
	Type SpecType
	Bits uint32
}

// SpecUint32 returns an unsigned constant.
func SpecUint32(v uint32) SpecVar { return SpecVar{Type: SpecUint, Bits: v} }

// SpecInt32 returns a signed constant.
func SpecInt32(v int32) SpecVar { return SpecVar{Type: SpecInt, Bits: uint32(v)} }

// SpecFloat32 returns a float constant.
func SpecFloat32(v float32) SpecVar { return SpecVar{Type: SpecFloat, Bits: math.Float32bits(v)} }

// SpecBoolean returns a boolean constant.
func SpecBoolean(v bool) SpecVar {
	if v {
		return SpecVar{Type: SpecBool, Bits: 1}
	}
	return SpecVar{Type: SpecBool}
}

// String formats the value as a WGSL literal.
func (s SpecVar) String() string {
	switch s.Type {
	case SpecInt:
		return strconv.FormatInt(int64(int32(s.Bits)), 10) + "i"
	case SpecFloat:
		return strconv.FormatFloat(float64(math.Float32frombits(s.Bits)), 'g', -1, 32) + "f"
	case SpecBool:
		if s.Bits != 0 {
			return "true"
		}
		return "false"
	default:
		return strconv.FormatUint(uint64(s.Bits), 10) + "u"
	}
}

// SpecVarList is an ordered list of specialization constants.
type SpecVarList []SpecVar

// WithWorkgroup returns local followed by the list, the layout a pipeline
// is specialized with.
func (l SpecVarList) WithWorkgroup(local UVec3) SpecVarList {
	out := make(SpecVarList, 0, len(l)+3)
	out = append(out, SpecUint32(local.X), SpecUint32(local.Y), SpecUint32(local.Z))
	return append(out, l...)
}

// Key returns a stable string identifying the list, used as a cache key.
func (l SpecVarList) Key() string {
	var sb strings.Builder
	for i, s := range l {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s.String())
	}
	return sb.String()
}
