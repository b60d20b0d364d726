// Command streamdemo runs a pipelined operation stream against a gpustream
// engine and prints per-cycle timing and output checksums.
//
// With no -pipeline flag it runs a built-in scale pipeline: upload a block
// of u32s, multiply by a constant on the device, read the result back.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"hash/fnv"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/gpustream"
	"github.com/gogpu/gpustream/backend"
	"github.com/gogpu/gpustream/pipeline"

	_ "github.com/gogpu/gpustream/backend/software"
	_ "github.com/gogpu/gpustream/backend/wgpu"
)

const defaultPipeline = `
arena {
  size = 1048576
}

region "input" {
  size = 262144
}

region "factor" {
  size = 4
}

region "output" {
  size = 262144
}

command "write" "upload" {
  target = region.input
}

command "fill" "set_factor" {
  target  = region.factor
  pattern = [3, 0, 0, 0]
}

command "kernel" "scale" {
  kernel  = "scale_u32"
  sources = [region.input, region.factor]
  targets = [region.output]
}

command "read" "download" {
  source = region.output
}
`

func main() {
	var (
		backendName  = flag.String("backend", "", "engine to use (default: best available)")
		pipelinePath = flag.String("pipeline", "", "HCL stream description (default: built-in scale pipeline)")
		cycles       = flag.Int("cycles", 8, "number of cycles to run")
		inFlight     = flag.Int("inflight", 2, "generations in flight")
		verbose      = flag.Bool("v", false, "debug logging to stderr")
	)
	flag.Parse()

	if *verbose {
		gpustream.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	eng, err := selectEngine(*backendName)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer eng.Close()
	fmt.Printf("engine: %s\n", eng.Name())

	desc, err := loadDesc(*pipelinePath)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}

	starts := make([]time.Time, *cycles)
	built, err := pipeline.Build(eng, desc, pipeline.BuildOptions{
		Sources: sources(desc, starts),
		Sinks: map[string]gpustream.ReadSink{
			"download": func(cycle uint64, data []byte, err error) {
				if err != nil {
					log.Fatalf("cycle %d: %v", cycle, err)
				}
				h := fnv.New64a()
				h.Write(data)
				elapsed := time.Duration(0)
				if cycle < uint64(len(starts)) {
					elapsed = time.Since(starts[cycle])
				}
				fmt.Printf("cycle %3d  %8.3f ms  %d bytes  checksum %016x\n",
					cycle, float64(elapsed.Microseconds())/1000, len(data), h.Sum64())
			},
		},
		Stream: []gpustream.StreamOption{
			gpustream.WithMaxInFlight(*inFlight),
		},
	})
	if err != nil {
		log.Fatalf("build: %v", err)
	}
	defer built.Stream.Close()

	ctx := context.Background()
	start := time.Now()
	if err := built.Stream.Run(ctx, *cycles); err != nil {
		log.Fatalf("run: %v", err)
	}
	if err := built.Stream.Drain(ctx); err != nil {
		log.Fatalf("drain: %v", err)
	}
	total := time.Since(start)
	fmt.Printf("%d cycles in %v (%.3f ms/cycle)\n",
		*cycles, total.Round(time.Microsecond),
		float64(total.Microseconds())/1000/float64(*cycles))
}

func selectEngine(name string) (gpustream.Engine, error) {
	if name == "" {
		return backend.Default()
	}
	return backend.New(name)
}

func loadDesc(path string) (*pipeline.Desc, error) {
	if path == "" {
		return pipeline.Parse([]byte(defaultPipeline), "builtin.hcl")
	}
	return pipeline.Load(path)
}

// sources builds a WriteSource for every write command in the description.
// Each upload is a ramp of u32s offset by the cycle number, so checksums
// differ cycle to cycle.
func sources(desc *pipeline.Desc, starts []time.Time) map[string]gpustream.WriteSource {
	regionSize := make(map[gpustream.Region]uint64, len(desc.Regions))
	for _, r := range desc.Regions {
		regionSize[r.ID] = r.Size
	}

	out := make(map[string]gpustream.WriteSource)
	for _, c := range desc.Commands {
		if c.Type != "write" {
			continue
		}
		size := regionSize[c.Target]
		if size == 0 {
			size = 4096
		}
		out[c.Name] = func(cycle uint64) []byte {
			if cycle < uint64(len(starts)) {
				starts[cycle] = time.Now()
			}
			buf := make([]byte, size)
			for i := uint64(0); i < size/4; i++ {
				binary.LittleEndian.PutUint32(buf[i*4:], uint32(cycle+i))
			}
			return buf
		}
	}
	return out
}
