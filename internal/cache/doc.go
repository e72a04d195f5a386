// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cache provides the LRU cache behind the shader, layout and
// pipeline caches of the native backend.
//
//	pipelines := cache.New[string, hal.ComputePipeline](256, func(_ string, p hal.ComputePipeline) {
//	    device.DestroyComputePipeline(p)
//	})
//	p, err := pipelines.GetOrCreate(key, func() (hal.ComputePipeline, error) {
//	    return device.CreateComputePipeline(desc)
//	})
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
