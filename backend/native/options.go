// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"time"

	"github.com/gogpu/gputypes"
)

// Option configures an Adapter.
type Option func(*options)

type options struct {
	label         string
	spirv         bool
	cacheLimit    int
	fenceTimeout  time.Duration
	storageFormat gputypes.TextureFormat
}

func defaultOptions() options {
	return options{
		label:         "native",
		cacheLimit:    256,
		fenceTimeout:  5 * time.Second,
		storageFormat: gputypes.TextureFormatRGBA8Unorm,
	}
}

// WithLabel names the adapter in logs and debug labels.
func WithLabel(label string) Option {
	return func(o *options) { o.label = label }
}

// WithSPIRV compiles specialized WGSL to SPIR-V with naga before creating
// shader modules, instead of handing WGSL to the driver.
func WithSPIRV() Option {
	return func(o *options) { o.spirv = true }
}

// WithCacheLimit bounds each shader, layout and pipeline cache. Evicted
// objects are destroyed at the next WaitIdle. 0 means unlimited.
func WithCacheLimit(n int) Option {
	return func(o *options) { o.cacheLimit = n }
}

// WithFenceTimeout sets how long WaitIdle and ReadBuffer wait for the GPU.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) { o.fenceTimeout = d }
}

// WithStorageImageFormat sets the texel format declared for storage image
// bindings. Defaults to RGBA8Unorm.
func WithStorageImageFormat(f gputypes.TextureFormat) Option {
	return func(o *options) { o.storageFormat = f }
}
