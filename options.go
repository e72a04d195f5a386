// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

// ContextOption configures a Context during creation.
//
// Example:
//
//	ctx, err := compute.NewContext(adapter,
//	    compute.WithSubmitFrequency(4),
//	    compute.WithProfiling(),
//	)
type ContextOption func(*contextOptions)

type contextOptions struct {
	config    ContextConfig
	profiling bool
}

func defaultOptions() contextOptions {
	return contextOptions{config: DefaultContextConfig()}
}

// WithConfig replaces the whole configuration. Options applied after it
// still adjust individual fields.
func WithConfig(cfg ContextConfig) ContextOption {
	return func(o *contextOptions) {
		o.config = cfg
	}
}

// WithSubmitFrequency sets how many dispatches are batched per submission.
func WithSubmitFrequency(n uint32) ContextOption {
	return func(o *contextOptions) {
		o.config.SubmitFrequency = n
	}
}

// WithProfiling initializes the query pool at construction so every
// dispatch is timestamped from the start.
func WithProfiling() ContextOption {
	return func(o *contextOptions) {
		o.profiling = true
	}
}
