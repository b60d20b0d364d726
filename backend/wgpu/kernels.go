// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustream"
)

// wgSize is the workgroup size of every built-in kernel. It matches the
// @workgroup_size attribute in the WGSL sources.
const wgSize = 256

// Binding declares one storage-buffer binding of a kernel, in binding-index
// order. Read-only bindings map to read-only storage in the shader layout.
type Binding struct {
	ReadOnly bool
}

// program is one registered kernel: its WGSL source and binding layout.
// Compilation is deferred to the pipeline cache so registering never needs
// the device.
type program struct {
	name     string
	wgsl     string
	bindings []Binding
}

// kernelInstance is one created kernel with its argument bindings. Bindings
// store region ids; buffers resolve at dispatch, so a rebound sub-region
// takes effect on the next submission.
type kernelInstance struct {
	prog *program
	args map[uint32]gpustream.Region
}

// Built-in kernel sources. Element type u32, one invocation per element,
// each source guards against running past the shortest bound array. The set
// matches the software engine's built-ins.

const copyU32WGSL = `
@group(0) @binding(0) var<storage, read> src: array<u32>;
@group(0) @binding(1) var<storage, read_write> dst: array<u32>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i < arrayLength(&src) && i < arrayLength(&dst)) {
        dst[i] = src[i];
    }
}
`

const addU32WGSL = `
@group(0) @binding(0) var<storage, read> a: array<u32>;
@group(0) @binding(1) var<storage, read> b: array<u32>;
@group(0) @binding(2) var<storage, read_write> dst: array<u32>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i < arrayLength(&a) && i < arrayLength(&b) && i < arrayLength(&dst)) {
        dst[i] = a[i] + b[i];
    }
}
`

const scaleU32WGSL = `
@group(0) @binding(0) var<storage, read> src: array<u32>;
@group(0) @binding(1) var<storage, read> factor: array<u32>;
@group(0) @binding(2) var<storage, read_write> dst: array<u32>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i < arrayLength(&src) && i < arrayLength(&dst)) {
        dst[i] = src[i] * factor[0];
    }
}
`

// builtinPrograms returns the kernel registry every engine starts with.
func builtinPrograms() map[string]*program {
	ro := Binding{ReadOnly: true}
	rw := Binding{}
	return map[string]*program{
		"copy_u32": {
			name:     "copy_u32",
			wgsl:     copyU32WGSL,
			bindings: []Binding{ro, rw},
		},
		"add_u32": {
			name:     "add_u32",
			wgsl:     addU32WGSL,
			bindings: []Binding{ro, ro, rw},
		},
		"scale_u32": {
			name:     "scale_u32",
			wgsl:     scaleU32WGSL,
			bindings: []Binding{ro, ro, rw},
		},
	}
}

// WorkgroupsFor returns the dispatch grid covering count u32 elements with
// the built-in workgroup size: ceil(count / 256) groups on x.
func WorkgroupsFor(count uint64) [3]uint32 {
	return [3]uint32{uint32((count + wgSize - 1) / wgSize), 1, 1}
}

// RegisterKernel makes a WGSL compute kernel available under name, replacing
// any previous registration. The entry point must be a function main with
// the given storage-buffer bindings at group 0, in binding-index order.
// Compilation happens lazily on first dispatch.
func (e *Engine) RegisterKernel(name, wgsl string, bindings []Binding) error {
	if wgsl == "" {
		return fmt.Errorf("wgpu: register kernel %q: empty source", name)
	}
	if len(bindings) == 0 {
		return fmt.Errorf("wgpu: register kernel %q: no bindings", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return gpustream.ErrClosed
	}
	e.programs[name] = &program{name: name, wgsl: wgsl, bindings: bindings}
	return nil
}

// Kernel implements gpustream.Engine. Each call creates a fresh instance
// with empty argument bindings; instances created from the same name share
// the compiled pipeline through the cache.
func (e *Engine) Kernel(name string) (gpustream.KernelID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, gpustream.ErrClosed
	}
	prog, ok := e.programs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", gpustream.ErrUnknownKernel, name)
	}
	id := gpustream.KernelID(e.nextKernel)
	e.nextKernel++
	e.kernels[id] = &kernelInstance{
		prog: prog,
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
	if int(arg) >= len(inst.prog.bindings) {
		return fmt.Errorf("wgpu: kernel %q has %d bindings, argument %d out of range",
			inst.prog.name, len(inst.prog.bindings), arg)
	}
	if _, ok := e.regions[r]; !ok {
		return fmt.Errorf("%w: region %d", gpustream.ErrUnknownRegion, r)
	}
	inst.args[arg] = r
	return nil
}

// Dispatch implements gpustream.Engine. Argument regions resolve to buffer
// windows here, at submission; the pipeline comes from the cache, compiled
// on first use of the kernel's program.
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
	prog := inst.prog

	entries := make([]gputypes.BindGroupEntry, len(prog.bindings))
	for i := range prog.bindings {
		r, ok := inst.args[uint32(i)]
		if !ok {
			e.mu.Unlock()
			return gpustream.Event{}, fmt.Errorf("wgpu: kernel %q argument %d not bound", prog.name, i)
		}
		reg, ok := e.regions[r]
		if !ok {
			e.mu.Unlock()
			return gpustream.Event{}, fmt.Errorf("%w: region %d bound to argument %d", gpustream.ErrUnknownRegion, r, i)
		}
		entries[i] = gputypes.BindGroupEntry{
			Binding: uint32(i),
			Resource: gputypes.BufferBinding{
				Buffer: reg.buf.NativeHandle(),
				Offset: reg.off,
				Size:   reg.size,
			},
		}
	}
	e.wg.Add(1)
	e.mu.Unlock()

	return e.run(waits, func() error {
		c, err := e.cache.getOrCreate(prog)
		if err != nil {
			return err
		}

		e.submitMu.Lock()
		defer e.submitMu.Unlock()

		bg, err := e.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   prog.name + "_bg",
			Layout:  c.bgLayout,
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create bind group for %q: %w", prog.name, err)
		}
		defer e.device.DestroyBindGroup(bg)

		return e.submitAndWait("gpustream_"+prog.name, func(enc hal.CommandEncoder) {
			pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: prog.name})
			pass.SetPipeline(c.pipeline)
			pass.SetBindGroup(0, bg, nil)
			pass.Dispatch(groups[0], groups[1], groups[2])
			pass.End()
		})
	}), nil
}
