// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

// PipelineStage is a bit set of pipeline stages a barrier waits on or
// blocks.
type PipelineStage uint32

const (
	StageCompute PipelineStage = 1 << iota
	StageTransfer
	StageHost
)

// Access is a bit set of memory access kinds.
type Access uint32

const (
	AccessShaderRead Access = 1 << iota
	AccessShaderWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
)

// ImageUsage is the state an image is used in between barriers.
type ImageUsage uint8

const (
	ImageUsageUndefined ImageUsage = iota
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageCopySrc
	ImageUsageCopyDst
)

// BufferBarrier orders accesses to a buffer range.
type BufferBarrier struct {
	Buffer    BufferBindInfo
	SrcAccess Access
	DstAccess Access
}

// ImageBarrier transitions an image between usages.
type ImageBarrier struct {
	Image    Image
	OldUsage ImageUsage
	NewUsage ImageUsage
}

// PipelineBarrier is inserted before a dispatch. It is built by the caller
// and consumed by the command buffer; the Context never inspects it.
type PipelineBarrier struct {
	SrcStage PipelineStage
	DstStage PipelineStage
	Buffers  []BufferBarrier
	Images   []ImageBarrier
}

// Empty reports whether the barrier has no effect.
func (b *PipelineBarrier) Empty() bool {
	return b == nil || (b.SrcStage == 0 && b.DstStage == 0 && len(b.Buffers) == 0 && len(b.Images) == 0)
}

// Reset clears the barrier for reuse, keeping slice capacity.
func (b *PipelineBarrier) Reset() {
	b.SrcStage = 0
	b.DstStage = 0
	b.Buffers = b.Buffers[:0]
	b.Images = b.Images[:0]
}

// AddBuffer appends a buffer barrier and widens the stage masks.
func (b *PipelineBarrier) AddBuffer(buf BufferBindInfo, src, dst Access, srcStage, dstStage PipelineStage) {
	b.Buffers = append(b.Buffers, BufferBarrier{Buffer: buf, SrcAccess: src, DstAccess: dst})
	b.SrcStage |= srcStage
	b.DstStage |= dstStage
}

// AddImage appends an image transition and widens the stage masks.
func (b *PipelineBarrier) AddImage(img Image, oldUsage, newUsage ImageUsage, srcStage, dstStage PipelineStage) {
	b.Images = append(b.Images, ImageBarrier{Image: img, OldUsage: oldUsage, NewUsage: newUsage})
	b.SrcStage |= srcStage
	b.DstStage |= dstStage
}
