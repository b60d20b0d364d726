// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgpu implements a gpustream engine on the gogpu/wgpu HAL.
//
// Regions are storage buffers (sub-regions are offset windows into their
// parent's buffer), kernels are WGSL compute shaders compiled to SPIR-V
// through naga, and every submission is awaited: a goroutine submits,
// blocks until the queue reports the submission finished and completes the
// operation's event, which is how device completion reaches the dependency
// graph.
//
// The HAL queue executes submissions in order, so the engine honors
// wait-lists host-side: an operation's goroutine blocks on its waits before
// it touches the queue. The dependency graph still earns its keep by making
// the host-side overlap of pipeline generations safe; what it cannot ask of
// this engine is device-side reordering.
//
// The engine either opens its own Vulkan device or adopts a shared one from
// a gpucontext.DeviceProvider, in which case it never destroys the device.
package wgpu
