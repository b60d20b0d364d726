package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/gpustream"
	"github.com/gogpu/gpustream/bufpool"
	"github.com/gogpu/gpustream/graph"
)

// Build errors.
var (
	// ErrMissingSource is returned when a write command has no entry in
	// BuildOptions.Sources.
	ErrMissingSource = errors.New("pipeline: write command has no data source")

	// ErrRegionMismatch is returned when pool allocation diverges from the
	// description's id assignment.
	ErrRegionMismatch = errors.New("pipeline: pool region id mismatch")
)

// BuildOptions supplies the host-side halves of a description's commands.
type BuildOptions struct {
	// Sources provides the per-cycle upload bytes of write commands,
	// keyed by command name. Every write command needs one.
	Sources map[string]gpustream.WriteSource

	// Sinks receives the downloaded bytes of read commands, keyed by
	// command name. Optional; a read without a sink still paces the
	// pipeline.
	Sinks map[string]gpustream.ReadSink

	// Stream options are passed through to gpustream.NewStream.
	Stream []gpustream.StreamOption
}

// Built is an assembled description: a frozen stream over an arena-backed
// region layout.
type Built struct {
	// Stream is frozen and ready to run. The caller owns its lifecycle
	// and the engine's.
	Stream *gpustream.Stream

	// Pool tracks the arena layout of the description's regions.
	Pool *bufpool.Pool

	// Regions maps region names to their ids.
	Regions map[string]graph.Region

	// Indices maps command names to their graph indices.
	Indices map[string]int
}

// Build creates the description's regions on the engine and assembles its
// commands into a frozen stream.
//
// The arena is created as region 0 and every named region is bound as a
// sub-region of it, placed by a first-fit pool. Kernel commands bind their
// source regions to the leading argument slots and target regions to the
// trailing ones, matching the built-in kernel layouts; an omitted groups
// attribute derives the grid from the first target region's u32 count.
func Build(eng gpustream.Engine, desc *Desc, opts BuildOptions) (*Built, error) {
	align := desc.Arena.Align
	if align == 0 {
		align = bufpool.DefaultAlign
	}

	if err := eng.CreateRegion(ArenaRegion, desc.Arena.Size); err != nil {
		return nil, fmt.Errorf("pipeline: create arena: %w", err)
	}
	fail := func(err error) (*Built, error) {
		for _, r := range desc.Regions {
			_ = eng.ReleaseRegion(r.ID)
		}
		_ = eng.ReleaseRegion(ArenaRegion)
		return nil, err
	}

	pool := bufpool.New(desc.Arena.Size,
		bufpool.WithAlign(align),
		bufpool.WithBaseRegion(ArenaRegion+1))
	regions := make(map[string]graph.Region, len(desc.Regions))
	for _, r := range desc.Regions {
		id, err := pool.Alloc(r.Size)
		if err != nil {
			return fail(fmt.Errorf("pipeline: region %q: %w", r.Name, err))
		}
		if id != r.ID {
			return fail(fmt.Errorf("%w: %q allocated as %d, described as %d",
				ErrRegionMismatch, r.Name, id, r.ID))
		}
		off, size, _ := pool.Segment(id)
		if err := eng.BindSubRegion(id, ArenaRegion, off, size); err != nil {
			return fail(fmt.Errorf("pipeline: bind region %q: %w", r.Name, err))
		}
		regions[r.Name] = id
	}

	stream := gpustream.NewStream(eng, opts.Stream...)
	indices := make(map[string]int, len(desc.Commands))
	for _, c := range desc.Commands {
		idx, err := addCommand(stream, eng, c, opts)
		if err != nil {
			return fail(err)
		}
		indices[c.Name] = idx
	}

	if err := stream.Freeze(); err != nil {
		return fail(fmt.Errorf("pipeline: freeze: %w", err))
	}
	return &Built{
		Stream:  stream,
		Pool:    pool,
		Regions: regions,
		Indices: indices,
	}, nil
}

func addCommand(stream *gpustream.Stream, eng gpustream.Engine, c Command, opts BuildOptions) (int, error) {
	switch c.Type {
	case "fill":
		idx, err := stream.Fill(c.Target, c.Pattern)
		if err != nil {
			return 0, fmt.Errorf("pipeline: command %q: %w", c.Name, err)
		}
		return idx, nil

	case "write":
		src, ok := opts.Sources[c.Name]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrMissingSource, c.Name)
		}
		idx, err := stream.Write(c.Target, src)
		if err != nil {
			return 0, fmt.Errorf("pipeline: command %q: %w", c.Name, err)
		}
		return idx, nil

	case "read":
		idx, err := stream.Read(c.Source, c.Size, opts.Sinks[c.Name])
		if err != nil {
			return 0, fmt.Errorf("pipeline: command %q: %w", c.Name, err)
		}
		return idx, nil

	case "copy":
		idx, err := stream.Copy(c.Source, c.Target)
		if err != nil {
			return 0, fmt.Errorf("pipeline: command %q: %w", c.Name, err)
		}
		return idx, nil

	case "kernel":
		var sources, targets []gpustream.KernelArg
		arg := uint32(0)
		for _, r := range c.Sources {
			sources = append(sources, gpustream.KernelArg{Index: arg, Region: r})
			arg++
		}
		for _, r := range c.Targets {
			targets = append(targets, gpustream.KernelArg{Index: arg, Region: r})
			arg++
		}
		groups := c.Groups
		if groups == [3]uint32{} {
			g, err := deriveGroups(eng, c)
			if err != nil {
				return 0, err
			}
			groups = g
		}
		idx, err := stream.Kernel(c.Kernel, groups, sources, targets)
		if err != nil {
			return 0, fmt.Errorf("pipeline: command %q: %w", c.Name, err)
		}
		return idx, nil
	}
	return 0, fmt.Errorf("%w: %q in command %q", ErrUnknownCommandType, c.Type, c.Name)
}

// deriveGroups covers the first target region with 256-thread workgroups of
// one u32 element each.
func deriveGroups(eng gpustream.Engine, c Command) ([3]uint32, error) {
	if len(c.Targets) == 0 {
		return [3]uint32{1, 1, 1}, nil
	}
	size, err := eng.RegionSize(c.Targets[0])
	if err != nil {
		return [3]uint32{}, fmt.Errorf("pipeline: command %q: %w", c.Name, err)
	}
	elems := size / 4
	return [3]uint32{uint32((elems + 255) / 256), 1, 1}, nil
}

// Defragment compacts the arena and carries the stream across the move: it
// drains in-flight generations, replays the pool's move plan through the
// engine (read out, rebind, write back), and rebinds every kernel argument
// referencing a moved region.
func (b *Built) Defragment(ctx context.Context) error {
	if err := b.Stream.Drain(ctx); err != nil {
		return fmt.Errorf("pipeline: drain before defrag: %w", err)
	}
	eng := b.Stream.Engine()

	for _, m := range b.Pool.Defragment() {
		buf := make([]byte, m.Size)
		ev, err := eng.Read(m.Region, buf, nil)
		if err != nil {
			return fmt.Errorf("pipeline: defrag read region %d: %w", m.Region, err)
		}
		if err := ev.Wait(ctx); err != nil {
			return fmt.Errorf("pipeline: defrag read region %d: %w", m.Region, err)
		}

		if err := eng.BindSubRegion(m.Region, ArenaRegion, m.NewOff, m.Size); err != nil {
			return fmt.Errorf("pipeline: defrag rebind region %d: %w", m.Region, err)
		}

		ev, err = eng.Write(m.Region, buf, nil)
		if err != nil {
			return fmt.Errorf("pipeline: defrag write region %d: %w", m.Region, err)
		}
		if err := ev.Wait(ctx); err != nil {
			return fmt.Errorf("pipeline: defrag write region %d: %w", m.Region, err)
		}

		if err := b.Stream.RefreshKernelArgs(m.Region); err != nil {
			return fmt.Errorf("pipeline: defrag refresh region %d: %w", m.Region, err)
		}
	}
	return nil
}
