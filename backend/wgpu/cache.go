// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustream"
)

// compiled bundles the device objects built from one kernel program.
type compiled struct {
	module     hal.ShaderModule
	bgLayout   hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

// pipelineCache caches compiled compute pipelines by program hash.
//
// Pipeline creation is expensive: WGSL is compiled to SPIR-V through naga,
// then validated by the driver. A stream dispatches the same few kernels
// thousands of times, so each program is compiled exactly once. The cache
// uses RWMutex with double-check locking, safe for the concurrent dispatch
// goroutines of overlapping generations.
type pipelineCache struct {
	mu      sync.RWMutex
	device  hal.Device
	entries map[uint64]*compiled

	hits   uint64
	misses uint64
}

func newPipelineCache(device hal.Device) *pipelineCache {
	return &pipelineCache{
		device:  device,
		entries: make(map[uint64]*compiled),
	}
}

// programHash keys the cache on everything that shapes the compiled result:
// source text and binding layout.
func programHash(p *program) uint64 {
	h := fnv.New64a()
	h.Write([]byte(p.wgsl))
	for _, b := range p.bindings {
		if b.ReadOnly {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return h.Sum64()
}

// getOrCreate returns the compiled pipeline for a program, building it on
// first use.
func (c *pipelineCache) getOrCreate(p *program) (*compiled, error) {
	key := programHash(p)

	// Fast path: read lock.
	c.mu.RLock()
	if entry, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		atomic.AddUint64(&c.hits, 1)
		return entry, nil
	}
	c.mu.RUnlock()

	// Slow path: write lock with double-check.
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		atomic.AddUint64(&c.hits, 1)
		return entry, nil
	}

	entry, err := c.compile(p)
	if err != nil {
		return nil, err
	}
	c.entries[key] = entry
	atomic.AddUint64(&c.misses, 1)

	gpustream.Logger().Debug("wgpu kernel compiled",
		"kernel", p.name,
		"bindings", len(p.bindings),
		"source_bytes", len(p.wgsl))
	return entry, nil
}

// compile builds the full device object chain for one program: SPIR-V,
// shader module, layouts, compute pipeline. Partially built objects are
// destroyed on failure.
func (c *pipelineCache) compile(p *program) (*compiled, error) {
	words, err := compileWGSL(p.wgsl)
	if err != nil {
		return nil, fmt.Errorf("wgpu: compile kernel %q: %w", p.name, err)
	}

	entry := &compiled{}
	fail := func(step string, err error) (*compiled, error) {
		c.destroyCompiled(entry)
		return nil, fmt.Errorf("wgpu: %s for kernel %q: %w", step, p.name, err)
	}

	entry.module, err = c.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  p.name,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return fail("create shader module", err)
	}

	entry.bgLayout, err = c.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   p.name + "_bgl",
		Entries: layoutEntries(p.bindings),
	})
	if err != nil {
		return fail("create bind group layout", err)
	}

	entry.pipeLayout, err = c.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            p.name + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{entry.bgLayout},
	})
	if err != nil {
		return fail("create pipeline layout", err)
	}

	entry.pipeline, err = c.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  p.name,
		Layout: entry.pipeLayout,
		Compute: hal.ComputeState{
			Module:     entry.module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return fail("create compute pipeline", err)
	}

	return entry, nil
}

// layoutEntries maps a program's bindings to storage-buffer layout entries
// at ascending binding indices.
func layoutEntries(bindings []Binding) []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		t := gputypes.BufferBindingTypeStorage
		if b.ReadOnly {
			t = gputypes.BufferBindingTypeReadOnlyStorage
		}
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: t},
		}
	}
	return entries
}

// compileWGSL compiles WGSL source to SPIR-V words. SPIR-V is little-endian
// 32-bit words.
func compileWGSL(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, err
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// Stats returns the cache's hit and miss counters.
func (c *pipelineCache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}

// destroy releases every cached pipeline. Called from Engine.Close with no
// submissions in flight.
func (c *pipelineCache) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		c.destroyCompiled(entry)
		delete(c.entries, key)
	}
}

// destroyCompiled releases one entry's device objects in reverse creation
// order, skipping whatever was never built.
func (c *pipelineCache) destroyCompiled(entry *compiled) {
	if entry.pipeline != nil {
		c.device.DestroyComputePipeline(entry.pipeline)
		entry.pipeline = nil
	}
	if entry.pipeLayout != nil {
		c.device.DestroyPipelineLayout(entry.pipeLayout)
		entry.pipeLayout = nil
	}
	if entry.bgLayout != nil {
		c.device.DestroyBindGroupLayout(entry.bgLayout)
		entry.bgLayout = nil
	}
	if entry.module != nil {
		c.device.DestroyShaderModule(entry.module)
		entry.module = nil
	}
}
