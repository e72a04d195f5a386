// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

// Allocation is backend memory behind a Buffer or Image. Release frees it
// and must only be called once the GPU no longer references the memory.
type Allocation interface {
	Release()
}

// Arg is a dispatch argument: a Buffer, an Image or a BufferBindInfo.
// An argument without backing memory makes the whole dispatch a no-op.
type Arg interface {
	HasMemory() bool
	isArg()
}

// Buffer is a GPU buffer. The zero value has no memory.
//
// Buffer values are cheap handles; ownership of the memory is explicit and
// moves to the Context when registered for deferred cleanup.
type Buffer struct {
	alloc Allocation
	size  uint64
	label string
}

// NewBuffer wraps backend memory of the given size.
func NewBuffer(alloc Allocation, size uint64, label string) Buffer {
	return Buffer{alloc: alloc, size: size, label: label}
}

// HasMemory reports whether the buffer is backed by memory.
func (b Buffer) HasMemory() bool { return b.alloc != nil }

// Allocation returns the backend memory, nil for an empty buffer.
func (b Buffer) Allocation() Allocation { return b.alloc }

// Size returns the buffer size in bytes.
func (b Buffer) Size() uint64 { return b.size }

// Label returns the debug label.
func (b Buffer) Label() string { return b.label }

// BindInfo returns a binding covering the whole buffer.
func (b Buffer) BindInfo() BufferBindInfo {
	return BufferBindInfo{Buffer: b.alloc, Offset: 0, Range: b.size}
}

// Slice returns a binding of size bytes starting at offset.
func (b Buffer) Slice(offset, size uint64) BufferBindInfo {
	return BufferBindInfo{Buffer: b.alloc, Offset: offset, Range: size}
}

func (Buffer) isArg() {}

// take moves the buffer out of b, leaving b empty.
func (b *Buffer) take() Buffer {
	v := *b
	*b = Buffer{}
	return v
}

// Image is a GPU image with its view. The zero value has no memory.
type Image struct {
	alloc  Allocation
	extent UVec3
	label  string
}

// NewImage wraps backend memory of the given extent.
func NewImage(alloc Allocation, extent UVec3, label string) Image {
	return Image{alloc: alloc, extent: extent, label: label}
}

// HasMemory reports whether the image is backed by memory.
func (i Image) HasMemory() bool { return i.alloc != nil }

// Allocation returns the backend memory, nil for an empty image.
func (i Image) Allocation() Allocation { return i.alloc }

// Extent returns width, height and depth.
func (i Image) Extent() UVec3 { return i.extent }

// Label returns the debug label.
func (i Image) Label() string { return i.label }

func (Image) isArg() {}

func (i *Image) take() Image {
	v := *i
	*i = Image{}
	return v
}

// BufferBindInfo is a byte range of a buffer bound at one descriptor.
type BufferBindInfo struct {
	Buffer Allocation
	Offset uint64
	Range  uint64
}

// HasMemory reports whether the range refers to a buffer.
func (b BufferBindInfo) HasMemory() bool { return b.Buffer != nil }

func (BufferBindInfo) isArg() {}

// ArgMatches reports whether arg can be bound at a descriptor of type d.
func ArgMatches(d DescriptorType, arg Arg) bool {
	switch arg.(type) {
	case Buffer, BufferBindInfo:
		return d.IsBuffer()
	case Image:
		return d == DescriptorSampledImage || d == DescriptorStorageImage
	default:
		return false
	}
}
