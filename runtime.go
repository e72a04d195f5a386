// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// AdapterVulkan is the name the native backend registers its Vulkan
// adapter under.
const AdapterVulkan = "vulkan"

// AdapterFactory opens an adapter.
type AdapterFactory func() (Adapter, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]AdapterFactory)
	// Tried first by OpenDefaultAdapter, then the rest in name order.
	adapterPriority = []string{AdapterVulkan}
)

// RegisterAdapter registers an adapter factory under name, replacing any
// previous one. Backend packages call it from init.
func RegisterAdapter(name string, f AdapterFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = f
}

// UnregisterAdapter removes a factory. Useful in tests.
func UnregisterAdapter(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Adapters returns the registered factory names, sorted.
func Adapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OpenAdapter opens the adapter registered under name.
func OpenAdapter(name string) (Adapter, error) {
	registryMu.RLock()
	f, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q not registered", ErrNoAdapter, name)
	}
	return f()
}

// OpenDefaultAdapter opens the first registered adapter that succeeds,
// trying the priority list before the others.
func OpenDefaultAdapter() (Adapter, error) {
	names := Adapters()
	order := make([]string, 0, len(names))
	for _, name := range adapterPriority {
		if slices.Contains(names, name) {
			order = append(order, name)
		}
	}
	for _, name := range names {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}

	errs := []error{ErrNoAdapter}
	for _, name := range order {
		a, err := OpenAdapter(name)
		if err == nil {
			return a, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return nil, errors.Join(errs...)
}

// Runtime owns one adapter and the Context bound to it, created on first
// use. Construction is attempted once; a failure is remembered.
type Runtime struct {
	open AdapterFactory
	opts []ContextOption

	once sync.Once

	mu      sync.Mutex
	adapter Adapter
	ctx     *Context
	err     error
}

// NewRuntime returns a Runtime that opens its adapter with open and creates
// the Context with opts.
func NewRuntime(open AdapterFactory, opts ...ContextOption) *Runtime {
	return &Runtime{open: open, opts: opts}
}

func (r *Runtime) init() {
	a, err := r.open()
	if err != nil {
		Logger().Info("compute: no GPU adapter", "err", err)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		return
	}
	ctx, err := NewContext(a, r.opts...)
	if err != nil {
		a.Close()
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		return
	}
	Logger().Info("compute: adapter selected", "adapter", a.Name())
	r.mu.Lock()
	r.adapter, r.ctx = a, ctx
	r.mu.Unlock()
}

// Context returns the Context, constructing it on the first call.
func (r *Runtime) Context() (*Context, error) {
	r.once.Do(r.init)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx, r.err
}

// Available reports whether a Context could be constructed.
func (r *Runtime) Available() bool {
	ctx, _ := r.Context()
	return ctx != nil
}

// Close closes the Context and then the adapter. A Runtime that never
// constructed its Context will not construct it afterwards.
func (r *Runtime) Close() error {
	r.once.Do(func() {})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		if r.err == nil {
			r.err = ErrContextClosed
		}
		return nil
	}
	err := r.ctx.Close()
	r.adapter.Close()
	r.ctx, r.adapter = nil, nil
	r.err = ErrContextClosed
	return err
}

var defaultRuntime = sync.OnceValue(func() *Runtime {
	return NewRuntime(OpenDefaultAdapter)
})

// DefaultRuntime returns the process-wide Runtime used by Default.
func DefaultRuntime() *Runtime { return defaultRuntime() }

// Default returns the process-wide Context, constructing it with
// DefaultContextConfig on first use. It returns nil when no adapter can be
// opened.
func Default() *Context {
	ctx, _ := DefaultRuntime().Context()
	return ctx
}

// Available reports whether Default returns a usable Context. With no
// adapter registered it answers without constructing anything.
func Available() bool {
	if len(Adapters()) == 0 {
		return false
	}
	return DefaultRuntime().Available()
}
