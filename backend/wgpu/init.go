// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"github.com/gogpu/gpustream"
	"github.com/gogpu/gpustream/backend"
)

// init registers the wgpu engine on package import. Construction fails on
// machines without a usable GPU, in which case backend.Default falls
// through to the software engine.
func init() {
	backend.Register(backend.EngineWgpu, func() (gpustream.Engine, error) {
		return New()
	})
}
