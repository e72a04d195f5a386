// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

// RegisterBufferCleanup takes ownership of buf and releases its memory at
// the next Flush, once the queue is idle. buf is left empty.
//
// Registering a buffer with no memory panics.
func (c *Context) RegisterBufferCleanup(buf *Buffer) {
	if buf == nil || !buf.HasMemory() {
		panic("compute: RegisterBufferCleanup with a buffer that has no memory")
	}
	owned := buf.take()
	c.bufferCleanupMu.Lock()
	// closed is checked under the list lock: Close sets it before its final
	// drain, which takes the same lock.
	if c.closed.Load() {
		c.bufferCleanupMu.Unlock()
		owned.alloc.Release()
		return
	}
	c.buffersToClear = append(c.buffersToClear, owned)
	c.bufferCleanupMu.Unlock()
}

// RegisterImageCleanup takes ownership of img and releases its memory at
// the next Flush, once the queue is idle. img is left empty.
//
// Registering an image with no memory panics.
func (c *Context) RegisterImageCleanup(img *Image) {
	if img == nil || !img.HasMemory() {
		panic("compute: RegisterImageCleanup with an image that has no memory")
	}
	owned := img.take()
	c.imageCleanupMu.Lock()
	if c.closed.Load() {
		c.imageCleanupMu.Unlock()
		owned.alloc.Release()
		return
	}
	c.imagesToClear = append(c.imagesToClear, owned)
	c.imageCleanupMu.Unlock()
}

// PendingCleanup returns the number of buffers and images awaiting release.
func (c *Context) PendingCleanup() (buffers, images int) {
	c.bufferCleanupMu.Lock()
	buffers = len(c.buffersToClear)
	c.bufferCleanupMu.Unlock()

	c.imageCleanupMu.Lock()
	images = len(c.imagesToClear)
	c.imageCleanupMu.Unlock()
	return buffers, images
}

// drainCleanup releases every registered resource. The queue must be idle.
func (c *Context) drainCleanup() (buffers, images int) {
	c.bufferCleanupMu.Lock()
	for i := range c.buffersToClear {
		c.buffersToClear[i].alloc.Release()
		c.buffersToClear[i] = Buffer{}
	}
	buffers = len(c.buffersToClear)
	c.buffersToClear = c.buffersToClear[:0]
	c.bufferCleanupMu.Unlock()

	c.imageCleanupMu.Lock()
	for i := range c.imagesToClear {
		c.imagesToClear[i].alloc.Release()
		c.imagesToClear[i] = Image{}
	}
	images = len(c.imagesToClear)
	c.imagesToClear = c.imagesToClear[:0]
	c.imageCleanupMu.Unlock()
	return buffers, images
}
