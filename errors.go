// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import "errors"

// Sentinel errors returned by the engine. Collaborator failures are wrapped
// around the underlying backend error and can be matched with errors.Is.
var (
	// ErrContextClosed is returned by every operation after Close.
	ErrContextClosed = errors.New("compute: context closed")

	// ErrNoAdapter is returned when no adapter factory is registered or every
	// registered factory failed.
	ErrNoAdapter = errors.New("compute: no adapter available")

	// ErrQueryPoolFull is returned when a dispatch needs more timestamp slots
	// than QueryPoolConfig.MaxQueries provides before the next reset.
	ErrQueryPoolFull = errors.New("compute: query pool exhausted")

	// ErrQueryPoolNotInitialized is returned by result extraction on a pool
	// that was never initialized.
	ErrQueryPoolNotInitialized = errors.New("compute: query pool not initialized")

	// ErrBindingMismatch is returned when an argument does not fit the
	// descriptor declared at its position in the shader layout.
	ErrBindingMismatch = errors.New("compute: argument does not match shader layout")

	// ErrInvalidConfig is returned by ContextConfig.Validate.
	ErrInvalidConfig = errors.New("compute: invalid config")

	// ErrCmdNotRecording is returned by command buffers asked to record
	// outside the recording states.
	ErrCmdNotRecording = errors.New("compute: command buffer not recording")

	// ErrPoolExhausted is returned by pools that hit a configured maximum.
	ErrPoolExhausted = errors.New("compute: pool exhausted")
)
