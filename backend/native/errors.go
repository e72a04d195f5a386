// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import "errors"

// Package errors for the HAL backend.
var (
	// ErrNoGPU is returned when no GPU adapter is available.
	ErrNoGPU = errors.New("native: no GPU adapter available")

	// ErrForeignObject is returned when an object created by another backend
	// (or another adapter) is passed in.
	ErrForeignObject = errors.New("native: object not created by this adapter")

	// ErrFenceTimeout is returned when a fence is not signaled in time.
	ErrFenceTimeout = errors.New("native: fence wait timed out")

	// ErrFenceNotSubmitted is returned when waiting on a fence that was
	// never attached to a submission.
	ErrFenceNotSubmitted = errors.New("native: fence not submitted")

	// ErrUnboundDescriptor is returned when a descriptor set is used with a
	// binding left empty.
	ErrUnboundDescriptor = errors.New("native: descriptor set has unbound entries")

	// ErrQuerySetInUse is returned by NewQuerySet while another query set
	// of the same adapter is open.
	ErrQuerySetInUse = errors.New("native: adapter already has an open query set")

	// ErrAdapterClosed is returned after Close.
	ErrAdapterClosed = errors.New("native: adapter closed")
)
