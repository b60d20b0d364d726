// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import the Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/gpustream"
)

// Engine errors.
var (
	// ErrNoBackend is returned when no HAL backend is compiled in or the
	// Vulkan backend failed to register.
	ErrNoBackend = errors.New("wgpu: vulkan backend not available")

	// ErrNoAdapter is returned when the instance exposes no usable GPU.
	ErrNoAdapter = errors.New("wgpu: no GPU adapters found")

	// ErrNotHalProvider is returned when a device provider does not expose
	// the HAL device and queue the engine needs.
	ErrNotHalProvider = errors.New("wgpu: provider does not expose HAL types")
)

// bufRegion is one tracked region. A root region owns its hal buffer; a
// sub-region borrows a byte window of its parent's.
type bufRegion struct {
	buf    hal.Buffer
	off    uint64
	size   uint64
	parent gpustream.Region
	sub    bool

	// subs counts live sub-regions carved from this region.
	subs int
}

// Engine is the gogpu/wgpu implementation of gpustream.Engine.
type Engine struct {
	mu     sync.Mutex
	closed bool

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	// external is true when the device came from a provider; shared
	// resources are not destroyed on Close.
	external bool

	regions    map[gpustream.Region]*bufRegion
	programs   map[string]*program
	kernels    map[gpustream.KernelID]*kernelInstance
	nextKernel uint64

	cache *pipelineCache

	// submitMu serializes command encoding and queue access. The HAL queue
	// executes in submission order, so everything past this mutex is
	// device-ordered.
	submitMu sync.Mutex

	// wg tracks in-flight operations so Close can wait them out.
	wg sync.WaitGroup
}

var _ gpustream.Engine = (*Engine)(nil)

// New opens a standalone Vulkan device and returns an engine on it.
func New() (*Engine, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, ErrNoBackend
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	e := newEngine(openDev.Device, openDev.Queue)
	e.instance = instance
	gpustream.Logger().Info("wgpu engine initialized", "adapter", selected.Info.Name)
	return e, nil
}

// NewWithProvider returns an engine on a shared device from an external
// provider, typically gogpu's application context. The provider must also
// expose the underlying HAL device and queue via HalDevice() and HalQueue();
// shared resources are never destroyed by Close.
func NewWithProvider(provider gpucontext.DeviceProvider) (*Engine, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNotHalProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHalProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHalProvider)
	}

	e := newEngine(device, queue)
	e.external = true
	gpustream.Logger().Debug("wgpu engine on shared device")
	return e, nil
}

func newEngine(device hal.Device, queue hal.Queue) *Engine {
	return &Engine{
		device:     device,
		queue:      queue,
		regions:    make(map[gpustream.Region]*bufRegion),
		programs:   builtinPrograms(),
		kernels:    make(map[gpustream.KernelID]*kernelInstance),
		nextKernel: 1,
		cache:      newPipelineCache(device),
	}
}

// Name implements gpustream.Engine.
func (e *Engine) Name() string { return "wgpu" }

// CreateRegion implements gpustream.Engine. The backing buffer is a storage
// buffer that can feed kernels and both sides of device copies.
func (e *Engine) CreateRegion(r gpustream.Region, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return gpustream.ErrClosed
	}
	if _, ok := e.regions[r]; ok {
		return fmt.Errorf("%w: region %d", gpustream.ErrRegionExists, r)
	}

	buf, err := e.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("gpustream_region_%d", r),
		Size:  size,
		Usage: gputypes.BufferUsageStorage |
			gputypes.BufferUsageCopySrc |
			gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create buffer for region %d: %w", r, err)
	}
	e.regions[r] = &bufRegion{buf: buf, size: size}
	return nil
}

// BindSubRegion implements gpustream.Engine. The window shares the parent's
// buffer; rebinding an existing sub-region moves the window, which takes
// effect on the next submission that resolves the region.
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
		return fmt.Errorf("wgpu: region %d is a sub-region and cannot be a parent", parent)
	}
	if off+size > p.size {
		return fmt.Errorf("%w: window [%d, %d) of region %d (size %d)",
			gpustream.ErrRegionBounds, off, off+size, parent, p.size)
	}

	if existing, ok := e.regions[r]; ok {
		if !existing.sub {
			return fmt.Errorf("%w: region %d", gpustream.ErrRegionExists, r)
		}
		if existing.parent != parent {
			e.regions[existing.parent].subs--
			p.subs++
			existing.parent = parent
		}
		existing.buf = p.buf
		existing.off = off
		existing.size = size
		return nil
	}

	e.regions[r] = &bufRegion{buf: p.buf, off: off, size: size, parent: parent, sub: true}
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
		return fmt.Errorf("wgpu: region %d still has %d sub-regions", r, reg.subs)
	}
	if reg.sub {
		e.regions[reg.parent].subs--
	} else {
		e.device.DestroyBuffer(reg.buf)
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
	return reg.size, nil
}

// lookup fetches a region under the lock, also checking closed state.
func (e *Engine) lookup(r gpustream.Region) (*bufRegion, error) {
	if e.closed {
		return nil, gpustream.ErrClosed
	}
	reg, ok := e.regions[r]
	if !ok {
		return nil, fmt.Errorf("%w: region %d", gpustream.ErrUnknownRegion, r)
	}
	return reg, nil
}

// Fill implements gpustream.Engine. The pattern is expanded host-side and
// uploaded like a write; for region-sized fills there is nothing to gain
// from a device-side clear pass.
func (e *Engine) Fill(target gpustream.Region, pattern []byte, waits []gpustream.Event) (gpustream.Event, error) {
	if len(pattern) == 0 {
		return gpustream.Event{}, gpustream.ErrEmptyPattern
	}
	e.mu.Lock()
	reg, err := e.lookup(target)
	if err != nil {
		e.mu.Unlock()
		return gpustream.Event{}, err
	}
	if reg.size%uint64(len(pattern)) != 0 {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: region size %d is not a multiple of pattern length %d",
			gpustream.ErrRegionBounds, reg.size, len(pattern))
	}
	buf, off, size := reg.buf, reg.off, reg.size
	e.wg.Add(1)
	e.mu.Unlock()

	data := expandPattern(pattern, size)
	return e.run(waits, func() error {
		e.submitMu.Lock()
		defer e.submitMu.Unlock()
		if err := e.queue.WriteBuffer(buf, off, data); err != nil {
			return fmt.Errorf("wgpu: fill region %d: %w", target, err)
		}
		return nil
	}), nil
}

// Write implements gpustream.Engine. WriteBuffer stages through the queue,
// so src is free for reuse as soon as the call returns inside the operation.
func (e *Engine) Write(target gpustream.Region, src []byte, waits []gpustream.Event) (gpustream.Event, error) {
	e.mu.Lock()
	reg, err := e.lookup(target)
	if err != nil {
		e.mu.Unlock()
		return gpustream.Event{}, err
	}
	if uint64(len(src)) > reg.size {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: write of %d bytes into region %d (size %d)",
			gpustream.ErrRegionBounds, len(src), target, reg.size)
	}
	buf, off := reg.buf, reg.off
	e.wg.Add(1)
	e.mu.Unlock()

	return e.run(waits, func() error {
		e.submitMu.Lock()
		defer e.submitMu.Unlock()
		if err := e.queue.WriteBuffer(buf, off, src); err != nil {
			return fmt.Errorf("wgpu: write region %d: %w", target, err)
		}
		return nil
	}), nil
}

// Read implements gpustream.Engine. The region is copied into a transient
// MapRead staging buffer, the copy is fenced, and the staging contents are
// read back into dst.
func (e *Engine) Read(source gpustream.Region, dst []byte, waits []gpustream.Event) (gpustream.Event, error) {
	e.mu.Lock()
	reg, err := e.lookup(source)
	if err != nil {
		e.mu.Unlock()
		return gpustream.Event{}, err
	}
	if uint64(len(dst)) > reg.size {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: read of %d bytes from region %d (size %d)",
			gpustream.ErrRegionBounds, len(dst), source, reg.size)
	}
	buf, off := reg.buf, reg.off
	e.wg.Add(1)
	e.mu.Unlock()

	return e.run(waits, func() error {
		e.submitMu.Lock()
		defer e.submitMu.Unlock()

		staging, err := e.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "gpustream_staging_read",
			Size:  uint64(len(dst)),
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create staging buffer: %w", err)
		}
		defer e.device.DestroyBuffer(staging)

		err = e.submitAndWait("gpustream_read", func(enc hal.CommandEncoder) {
			enc.CopyBufferToBuffer(buf, staging, []hal.BufferCopy{{
				SrcOffset: off,
				DstOffset: 0,
				Size:      uint64(len(dst)),
			}})
		})
		if err != nil {
			return err
		}

		// The copy has completed, so the staging memory is stable and can
		// be mapped for the host-side copy out.
		mapping, err := e.device.MapBuffer(staging, 0, uint64(len(dst)))
		if err != nil {
			return fmt.Errorf("wgpu: map staging buffer: %w", err)
		}
		copy(dst, unsafe.Slice((*byte)(mapping.Ptr), len(dst)))
		if err := e.device.UnmapBuffer(staging); err != nil {
			return fmt.Errorf("wgpu: unmap staging buffer: %w", err)
		}
		return nil
	}), nil
}

// Copy implements gpustream.Engine.
func (e *Engine) Copy(source, target gpustream.Region, waits []gpustream.Event) (gpustream.Event, error) {
	e.mu.Lock()
	src, err := e.lookup(source)
	if err != nil {
		e.mu.Unlock()
		return gpustream.Event{}, err
	}
	tgt, err := e.lookup(target)
	if err != nil {
		e.mu.Unlock()
		return gpustream.Event{}, err
	}
	if src.size != tgt.size {
		e.mu.Unlock()
		return gpustream.Event{}, fmt.Errorf("%w: copy between region %d (size %d) and region %d (size %d)",
			gpustream.ErrRegionBounds, source, src.size, target, tgt.size)
	}
	srcBuf, srcOff := src.buf, src.off
	tgtBuf, tgtOff := tgt.buf, tgt.off
	size := src.size
	e.wg.Add(1)
	e.mu.Unlock()

	return e.run(waits, func() error {
		e.submitMu.Lock()
		defer e.submitMu.Unlock()
		return e.submitAndWait("gpustream_copy", func(enc hal.CommandEncoder) {
			enc.CopyBufferToBuffer(srcBuf, tgtBuf, []hal.BufferCopy{{
				SrcOffset: srcOff,
				DstOffset: tgtOff,
				Size:      size,
			}})
		})
	}), nil
}

// run starts one asynchronous operation. The caller has already validated
// inputs and incremented the wait group under the lock.
func (e *Engine) run(waits []gpustream.Event, op func() error) gpustream.Event {
	ev := gpustream.NewEvent()
	go func() {
		defer e.wg.Done()
		if err := gpustream.WaitAll(context.Background(), waits); err != nil {
			ev.Complete(fmt.Errorf("wgpu: requisite failed: %w", err))
			return
		}
		ev.Complete(op())
	}()
	return ev
}

// submitAndWait records one command buffer via encode, submits it and blocks
// until the device has finished it. The queue tracks its own fences: Submit
// returns a submission index, PollCompleted reports how far the device got,
// and WaitIdle is the blocking path when the work is still outstanding. The
// caller holds submitMu.
func (e *Engine) submitAndWait(label string, encode func(enc hal.CommandEncoder)) error {
	encoder, err := e.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	encode(encoder)
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer e.device.FreeCommandBuffer(cmdBuf)

	idx, err := e.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	if e.queue.PollCompleted() >= idx {
		return nil
	}
	if err := e.device.WaitIdle(); err != nil {
		return fmt.Errorf("wgpu: wait for device: %w", err)
	}
	return nil
}

// Close implements gpustream.Engine. It waits for in-flight operations and
// releases everything the engine owns; a shared device stays untouched.
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
	defer e.mu.Unlock()

	for r, reg := range e.regions {
		if !reg.sub {
			e.device.DestroyBuffer(reg.buf)
		}
		delete(e.regions, r)
	}
	e.kernels = make(map[gpustream.KernelID]*kernelInstance)
	e.cache.destroy()

	if !e.external {
		if e.device != nil {
			e.device.Destroy()
		}
		if e.instance != nil {
			e.instance.Destroy()
		}
	}
	e.device = nil
	e.queue = nil
	e.instance = nil

	gpustream.Logger().Debug("wgpu engine closed")
	return nil
}

// expandPattern tiles pattern across a buffer of size bytes. size is a
// multiple of the pattern length, checked by the caller.
func expandPattern(pattern []byte, size uint64) []byte {
	out := make([]byte, size)
	for n := copy(out, pattern); n < len(out); n *= 2 {
		copy(out[n:], out[:n])
	}
	return out
}
