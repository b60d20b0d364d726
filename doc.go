// Package gpustream schedules pipelined GPU command streams in Go.
//
// # Overview
//
// gpustream targets workloads that resubmit the same short sequence of
// device operations thousands of times: write input, run kernels, read the
// result, repeat. It builds a dependency graph over the memory regions each
// command reads and writes, then replays the sequence with exactly the
// wait-lists required to keep several iterations safely in flight on an
// out-of-order engine.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gpustream"
//	    "github.com/gogpu/gpustream/backend"
//	    _ "github.com/gogpu/gpustream/backend/software"
//	)
//
//	eng, _ := backend.Default()
//	defer eng.Close()
//
//	const in, out = gpustream.Region(0), gpustream.Region(1)
//	eng.CreateRegion(in, 1<<16)
//	eng.CreateRegion(out, 1<<16)
//
//	s := gpustream.NewStream(eng)
//	s.Write(in, nextInput)
//	s.Kernel("copy_u32", [3]uint32{64, 1, 1},
//	    []gpustream.KernelArg{{Index: 0, Region: in}},
//	    []gpustream.KernelArg{{Index: 1, Region: out}})
//	s.Read(out, 0, consumeResult)
//	s.Freeze()
//	s.Run(ctx, 1000)
//
// # Architecture
//
// The module is organized into:
//   - graph: the region hazard analysis and the per-cycle event protocol
//   - gpustream (this package): events, the Engine interface, the Stream
//     runner with bounded pipeline depth
//   - backend: engine registry; backend/software and backend/wgpu implement
//     Engine on host memory and on gogpu/wgpu respectively
//   - bufpool: sub-region allocation over one arena, with defragmentation
//   - pipeline: HCL descriptions of streams for tools and demos
//
// # Concurrency
//
// A Stream is driven by one goroutine; the engine below it is safe for the
// concurrent completions that overlapping generations produce. Read results
// are delivered on a bounded callback pool, never on the submission path.
package gpustream

// Version information
const (
	// Version is the current version of the library
	Version = "0.2.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 2

	// VersionPatch is the patch version
	VersionPatch = 0
)
