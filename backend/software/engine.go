// Package software implements a gpustream engine on host memory.
//
// Regions are byte slices, kernels are Go functions, and every submission
// runs on its own goroutine after its wait-list resolves. The engine is the
// reference semantics for the device engines and the workhorse for tests
// and CI machines without a GPU.
package software

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpustream"
)

// Option configures the engine during creation.
type Option func(*Engine)

// WithLatency delays every operation's completion by d. Tests use it to
// force cycles to genuinely overlap.
func WithLatency(d time.Duration) Option {
	return func(e *Engine) { e.latency = d }
}

// region is one tracked allocation. A sub-region's data aliases a window of
// its parent's bytes.
type region struct {
	data   []byte
	parent gpustream.Region
	sub    bool

	// subs counts live sub-regions carved from this region.
	subs int
}

// kernelInstance is one created kernel with its argument bindings. The
// bindings store region ids, not bytes: arguments resolve at dispatch, so a
// rebound sub-region takes effect on the next submission.
type kernelInstance struct {
	name string
	fn   KernelFunc
	args map[uint32]gpustream.Region
}

// Engine is the host-memory implementation of gpustream.Engine.
//
// Submissions are asynchronous; conflicting operations are expected to be
// ordered by their wait-lists, which is exactly what a Stream's dependency
// graph provides. Operations with disjoint regions run concurrently.
type Engine struct {
	mu      sync.Mutex
	closed  bool
	latency time.Duration

	regions    map[gpustream.Region]*region
	kernels    map[gpustream.KernelID]*kernelInstance
	funcs      map[string]KernelFunc
	nextKernel uint64

	// wg tracks in-flight operations so Close can wait them out.
	wg sync.WaitGroup
}

var _ gpustream.Engine = (*Engine)(nil)

// New creates a software engine with the built-in kernels registered.
func New(opts ...Option) *Engine {
	e := &Engine{
		regions:    make(map[gpustream.Region]*region),
		kernels:    make(map[gpustream.KernelID]*kernelInstance),
		funcs:      builtinKernels(),
		nextKernel: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements gpustream.Engine.
func (e *Engine) Name() string { return "software" }

// RegisterKernel makes fn available under name, replacing any previous
// registration. Instances created before the replacement keep the old
// function.
func (e *Engine) RegisterKernel(name string, fn KernelFunc) error {
	if fn == nil {
		return fmt.Errorf("software: register kernel %q: nil function", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return gpustream.ErrClosed
	}
	e.funcs[name] = fn
	return nil
}

// CreateRegion implements gpustream.Engine.
func (e *Engine) CreateRegion(r gpustream.Region, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return gpustream.ErrClosed
	}
	if _, ok := e.regions[r]; ok {
		return fmt.Errorf("%w: region %d", gpustream.ErrRegionExists, r)
	}
	e.regions[r] = &region{data: make([]byte, size)}
	return nil
}

// BindSubRegion implements gpustream.Engine. The parent must be a root
// region; rebinding an existing sub-region moves its window. A caller
// rebinding while operations on the old window are still in flight gets
// whichever bytes each operation resolved at its submission.
func (e *Engine) BindSubRegion(r, parent gpustream.Region, off, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return gpustream.ErrClosed
	}
	p, ok := e.regions[parent]
	if !ok {
		return fmt.Errorf("%w: parent region %d", gpustream.ErrUnknownRegion, parent)
	}
	if p.sub {
		return fmt.Errorf("software: region %d is a sub-region and cannot be a parent", parent)
	}
	if off+size > uint64(len(p.data)) {
		return fmt.Errorf("%w: window [%d, %d) of region %d (size %d)",
			gpustream.ErrRegionBounds, off, off+size, parent, len(p.data))
	}

	window := p.data[off : off+size : off+size]
	if existing, ok := e.regions[r]; ok {
		if !existing.sub {
			return fmt.Errorf("%w: region %d", gpustream.ErrRegionExists, r)
		}
		if existing.parent != parent {
			e.regions[existing.parent].subs--
			p.subs++
			existing.parent = parent
		}
		existing.data = window
		return nil
	}

	e.regions[r] = &region{data: window, parent: parent, sub: true}
	p.subs++
	return nil
}

// ReleaseRegion implements gpustream.Engine.
func (e *Engine) ReleaseRegion(r gpustream.Region) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return gpustream.ErrClosed
	}
	reg, ok := e.regions[r]
	if !ok {
		return fmt.Errorf("%w: region %d", gpustream.ErrUnknownRegion, r)
	}
	if reg.subs > 0 {
		return fmt.Errorf("software: region %d still has %d sub-regions", r, reg.subs)
	}
	if reg.sub {
		e.regions[reg.parent].subs--
	}
	delete(e.regions, r)
	return nil
}

// RegionSize implements gpustream.Engine.
func (e *Engine) RegionSize(r gpustream.Region) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.regions[r]
	if !ok {
		return 0, fmt.Errorf("%w: region %d", gpustream.ErrUnknownRegion, r)
	}
	return uint64(len(reg.data)), nil
}

// Kernel implements gpustream.Engine. Each call creates a fresh instance
// with empty argument bindings.
func (e *Engine) Kernel(name string) (gpustream.KernelID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, gpustream.ErrClosed
	}
	fn, ok := e.funcs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", gpustream.ErrUnknownKernel, name)
	}
	id := gpustream.KernelID(e.nextKernel)
	e.nextKernel++
	e.kernels[id] = &kernelInstance{
		name: name,
		fn:   fn,
		args: make(map[uint32]gpustream.Region),
	}
	return id, nil
}

// SetKernelArg implements gpustream.Engine.
func (e *Engine) SetKernelArg(k gpustream.KernelID, arg uint32, r gpustream.Region) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return gpustream.ErrClosed
	}
	inst, ok := e.kernels[k]
	if !ok {
		return fmt.Errorf("%w: instance %d", gpustream.ErrUnknownKernel, k)
	}
	if _, ok := e.regions[r]; !ok {
		return fmt.Errorf("%w: region %d", gpustream.ErrUnknownRegion, r)
	}
	inst.args[arg] = r
	return nil
}

// Fill implements gpustream.Engine.
func (e *Engine) Fill(target gpustream.Region, pattern []byte, waits []gpustream.Event) (gpustream.Event, error) {
	if len(pattern) == 0 {
		return gpustream.Event{}, gpustream.ErrEmptyPattern
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return gpustream.Event{}, gpustream.ErrClosed
	}
	reg, ok := e.regions[target]
	if !ok {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: region %d", gpustream.ErrUnknownRegion, target)
	}
	if len(reg.data)%len(pattern) != 0 {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: region size %d is not a multiple of pattern length %d",
			gpustream.ErrRegionBounds, len(reg.data), len(pattern))
	}
	data := reg.data
	e.wg.Add(1)
	e.mu.Unlock()

	return e.run(waits, func() error {
		for i := range data {
			data[i] = pattern[i%len(pattern)]
		}
		return nil
	}), nil
}

// Write implements gpustream.Engine.
func (e *Engine) Write(target gpustream.Region, src []byte, waits []gpustream.Event) (gpustream.Event, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return gpustream.Event{}, gpustream.ErrClosed
	}
	reg, ok := e.regions[target]
	if !ok {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: region %d", gpustream.ErrUnknownRegion, target)
	}
	if len(src) > len(reg.data) {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: write of %d bytes into region %d (size %d)",
			gpustream.ErrRegionBounds, len(src), target, len(reg.data))
	}
	data := reg.data
	e.wg.Add(1)
	e.mu.Unlock()

	return e.run(waits, func() error {
		copy(data, src)
		return nil
	}), nil
}

// Read implements gpustream.Engine.
func (e *Engine) Read(source gpustream.Region, dst []byte, waits []gpustream.Event) (gpustream.Event, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return gpustream.Event{}, gpustream.ErrClosed
	}
	reg, ok := e.regions[source]
	if !ok {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: region %d", gpustream.ErrUnknownRegion, source)
	}
	if len(dst) > len(reg.data) {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: read of %d bytes from region %d (size %d)",
			gpustream.ErrRegionBounds, len(dst), source, len(reg.data))
	}
	data := reg.data
	e.wg.Add(1)
	e.mu.Unlock()

	return e.run(waits, func() error {
		copy(dst, data)
		return nil
	}), nil
}

// Copy implements gpustream.Engine.
func (e *Engine) Copy(source, target gpustream.Region, waits []gpustream.Event) (gpustream.Event, error) {
	e.mu.Lock()
	src, okS := e.regions[source]
	tgt, okT := e.regions[target]
	switch {
	case e.closed:
		e.mu.Unlock()
		return gpustream.Event{}, gpustream.ErrClosed
	case !okS:
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: region %d", gpustream.ErrUnknownRegion, source)
	case !okT:
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: region %d", gpustream.ErrUnknownRegion, target)
	case len(src.data) != len(tgt.data):
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: copy between region %d (size %d) and region %d (size %d)",
			gpustream.ErrRegionBounds, source, len(src.data), target, len(tgt.data))
	}
	from, to := src.data, tgt.data
	e.wg.Add(1)
	e.mu.Unlock()

	return e.run(waits, func() error {
		copy(to, from)
		return nil
	}), nil
}

// Dispatch implements gpustream.Engine. Argument regions resolve here, at
// submission, so a SetKernelArg between submissions takes effect cleanly.
func (e *Engine) Dispatch(k gpustream.KernelID, groups [3]uint32, waits []gpustream.Event) (gpustream.Event, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return gpustream.Event{}, gpustream.ErrClosed
	}
	inst, ok := e.kernels[k]
	if !ok {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: instance %d", gpustream.ErrUnknownKernel, k)
	}

	var maxArg uint32
	for idx := range inst.args {
		if idx > maxArg {
			maxArg = idx
		}
	}
	argv := make([][]byte, maxArg+1)
	for idx, r := range inst.args {
		reg, ok := e.regions[r]
		if !ok {
			e.mu.Unlock()
			return gpustream.Event{}, fmt.Errorf("%w: region %d bound to arg %d", gpustream.ErrUnknownRegion, r, idx)
		}
		argv[idx] = reg.data
	}
	fn, name := inst.fn, inst.name
	e.wg.Add(1)
	e.mu.Unlock()

	return e.run(waits, func() error {
		if err := fn(argv, groups); err != nil {
			return fmt.Errorf("software: kernel %q: %w", name, err)
		}
		return nil
	}), nil
}

// run starts one asynchronous operation. The caller has already validated
// inputs and incremented the wait group under the lock.
func (e *Engine) run(waits []gpustream.Event, op func() error) gpustream.Event {
	ev := gpustream.NewEvent()
	go func() {
		defer e.wg.Done()
		err := gpustream.WaitAll(context.Background(), waits)
		if err != nil {
			ev.Complete(fmt.Errorf("software: requisite failed: %w", err))
			return
		}
		if e.latency > 0 {
			time.Sleep(e.latency)
		}
		ev.Complete(op())
	}()
	return ev
}

// Close implements gpustream.Engine. It waits for in-flight operations.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	e.regions = make(map[gpustream.Region]*region)
	e.kernels = make(map[gpustream.KernelID]*kernelInstance)
	e.mu.Unlock()

	gpustream.Logger().Debug("software engine closed")
	return nil
}
