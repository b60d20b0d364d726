package gpustream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gogpu/gpustream/graph"
	"github.com/gogpu/gpustream/internal/hostpool"
)

// Stream errors.
var (
	// ErrStreamClosed is returned by operations on a closed stream.
	ErrStreamClosed = errors.New("gpustream: stream is closed")

	// ErrNilSource is returned when a write command is added without a
	// host data source.
	ErrNilSource = errors.New("gpustream: nil write source")
)

// WriteSource supplies the host bytes a write command uploads on the given
// cycle. The returned slice must stay untouched until the cycle's write
// event completes.
type WriteSource func(cycle uint64) []byte

// ReadSink receives the bytes a read command downloaded on the given cycle.
// data is valid only when err is nil and is owned by the sink. Sinks run on
// the stream's callback workers, off the submission path.
type ReadSink func(cycle uint64, data []byte, err error)

// streamCmd carries the execution payload of one command. The command's
// Detail lives in the graph; index order in cmds matches graph indices.
type streamCmd struct {
	pattern  []byte      // Fill
	src      WriteSource // Write
	sink     ReadSink    // Read, may be nil
	readSize uint64      // Read, 0 until resolved at Freeze
	kernel   KernelID    // Kernel
	groups   [3]uint32   // Kernel
}

// Stream runs a fixed command sequence against an engine, once per cycle,
// with the wait-lists resolved by a command dependency graph. The same
// commands are resubmitted every cycle; the graph's stored events carry
// each command's most recent completion across cycles, so up to the
// configured number of generations overlap safely.
//
// Build commands with Fill, Write, Read, Copy and Kernel, then call Freeze
// once and drive the pipeline with Cycle or Run. Stream is not safe for
// concurrent use; the engine it submits to must be.
type Stream struct {
	eng  Engine
	g    *graph.Graph[Event]
	cmds []streamCmd

	maxInFlight int
	workers     int
	log         *slog.Logger

	// inflight is a ring of per-generation event sets, one slot per
	// allowed concurrent generation. A slot is awaited before its reuse,
	// which is what bounds the pipeline depth.
	inflight [][]Event
	cycle    uint64

	pool   *hostpool.Pool
	wg     sync.WaitGroup
	closed bool
}

// StreamOption configures a Stream during creation.
type StreamOption func(*Stream)

// WithMaxInFlight bounds how many pipeline generations may be in flight at
// once. The minimum and default are 1 and 2 respectively: depth 1 waits for
// each cycle to finish before starting the next, depth 2 overlaps two.
func WithMaxInFlight(n int) StreamOption {
	return func(s *Stream) {
		if n >= 1 {
			s.maxInFlight = n
		}
	}
}

// WithCallbackWorkers sets how many workers deliver read sinks. Zero picks
// a size from GOMAXPROCS.
func WithCallbackWorkers(n int) StreamOption {
	return func(s *Stream) { s.workers = n }
}

// WithLogger overrides the package logger for this stream.
func WithLogger(l *slog.Logger) StreamOption {
	return func(s *Stream) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStream returns an empty stream submitting to eng.
func NewStream(eng Engine, opts ...StreamOption) *Stream {
	s := &Stream{
		eng:         eng,
		g:           graph.New[Event](),
		maxInFlight: 2,
		log:         slogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the engine the stream submits to.
func (s *Stream) Engine() Engine { return s.eng }

// Len returns the number of commands.
func (s *Stream) Len() int { return s.g.Len() }

// Commands exposes the ordered command list of the underlying graph for
// diagnostic tooling.
func (s *Stream) Commands() []graph.Command[Event] { return s.g.Commands() }

// Requisites returns the requisite indices resolved for command i, or nil
// before Freeze.
func (s *Stream) Requisites(i int) []int { return s.g.Requisites(i) }

// Fill appends a command that fills target with a repeating pattern and
// returns its index.
func (s *Stream) Fill(target Region, pattern []byte) (int, error) {
	if len(pattern) == 0 {
		return 0, ErrEmptyPattern
	}
	idx, err := s.g.Add(graph.Fill{Target: target})
	if err != nil {
		return 0, err
	}
	s.cmds = append(s.cmds, streamCmd{pattern: slices.Clone(pattern)})
	return idx, nil
}

// Write appends a command that uploads src's bytes into target every cycle
// and returns its index.
func (s *Stream) Write(target Region, src WriteSource) (int, error) {
	if src == nil {
		return 0, ErrNilSource
	}
	idx, err := s.g.Add(graph.Write{Target: target})
	if err != nil {
		return 0, err
	}
	s.cmds = append(s.cmds, streamCmd{src: src})
	return idx, nil
}

// Read appends a command that downloads size bytes of source every cycle,
// delivering them to sink, and returns its index. A zero size reads the
// whole region; a nil sink discards the data but still paces the pipeline.
func (s *Stream) Read(source Region, size uint64, sink ReadSink) (int, error) {
	idx, err := s.g.Add(graph.Read{Source: source})
	if err != nil {
		return 0, err
	}
	s.cmds = append(s.cmds, streamCmd{sink: sink, readSize: size})
	return idx, nil
}

// Copy appends a device-side copy command and returns its index.
func (s *Stream) Copy(source, target Region) (int, error) {
	idx, err := s.g.Add(graph.Copy{Source: source, Target: target})
	if err != nil {
		return 0, err
	}
	s.cmds = append(s.cmds, streamCmd{})
	return idx, nil
}

// Kernel appends a kernel dispatch command and returns its index. A fresh
// kernel instance is created from the engine's registry and its argument
// slots are bound to the given source and target regions.
func (s *Stream) Kernel(name string, groups [3]uint32, sources, targets []KernelArg) (int, error) {
	k, err := s.eng.Kernel(name)
	if err != nil {
		return 0, fmt.Errorf("kernel %q: %w", name, err)
	}
	for _, a := range sources {
		if err := s.eng.SetKernelArg(k, a.Index, a.Region); err != nil {
			return 0, fmt.Errorf("kernel %q arg %d: %w", name, a.Index, err)
		}
	}
	for _, a := range targets {
		if err := s.eng.SetKernelArg(k, a.Index, a.Region); err != nil {
			return 0, fmt.Errorf("kernel %q arg %d: %w", name, a.Index, err)
		}
	}
	idx, err := s.g.Add(graph.Kernel{
		ID:         uint64(k),
		SourceArgs: slices.Clone(sources),
		TargetArgs: slices.Clone(targets),
	})
	if err != nil {
		return 0, err
	}
	s.cmds = append(s.cmds, streamCmd{kernel: k, groups: groups})
	return idx, nil
}

// Freeze resolves the dependency graph and readies the runtime. Like the
// graph's freeze it can be called once; afterwards no commands can be
// added. Read commands added with size zero resolve to their region's full
// size here.
func (s *Stream) Freeze() error {
	for i, c := range s.g.Commands() {
		rd, ok := c.Detail().(graph.Read)
		if !ok || s.cmds[i].readSize != 0 {
			continue
		}
		sz, err := s.eng.RegionSize(rd.Source)
		if err != nil {
			return fmt.Errorf("read command %d: %w", i, err)
		}
		s.cmds[i].readSize = sz
	}
	if err := s.g.Freeze(); err != nil {
		return err
	}
	s.inflight = make([][]Event, s.maxInFlight)
	s.pool = hostpool.New(s.workers)
	s.log.Debug("stream frozen",
		"engine", s.eng.Name(),
		"commands", s.g.Len(),
		"depth", s.maxInFlight)
	return nil
}

// Cycle submits one full generation: every command in index order, each
// with the wait-list the graph resolves for it. When the configured number
// of generations is already in flight, Cycle first waits for the oldest
// one to finish.
//
// An error mid-cycle leaves the stream unusable: the graph's cursor and
// the device-side state are no longer in step, so the error is final
// rather than retryable.
func (s *Stream) Cycle(ctx context.Context) error {
	if s.closed {
		return ErrStreamClosed
	}
	if !s.g.Frozen() {
		return graph.ErrNotFrozen
	}

	slot := int(s.cycle % uint64(len(s.inflight)))
	if err := WaitAll(ctx, s.inflight[slot]); err != nil {
		return fmt.Errorf("generation %d incomplete: %w", s.cycle-uint64(len(s.inflight)), err)
	}

	evs := s.inflight[slot][:0]
	for i := 0; i < s.g.Len(); i++ {
		waits, err := s.g.WaitList(i)
		if err != nil {
			return err
		}
		// WaitList reuses per-command storage across generations; the
		// engine consumes the list on its own goroutine, so hand it a
		// copy.
		ev, err := s.submit(i, slices.Clone(waits))
		if err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
		if err := s.g.SetEvent(i, ev); err != nil {
			return err
		}
		evs = append(evs, ev)
	}
	s.inflight[slot] = evs
	s.cycle++
	return nil
}

// submit issues command i with the resolved wait-list and returns its
// completion event.
func (s *Stream) submit(i int, waits []Event) (Event, error) {
	sc := &s.cmds[i]
	d := s.g.Commands()[i].Detail()
	s.log.Debug("submit",
		"cycle", s.cycle,
		"cmd", i,
		"type", d.Type().String(),
		"waits", len(waits))

	switch d := d.(type) {
	case graph.Fill:
		return s.eng.Fill(d.Target, sc.pattern, waits)
	case graph.Write:
		return s.eng.Write(d.Target, sc.src(s.cycle), waits)
	case graph.Read:
		buf := make([]byte, sc.readSize)
		ev, err := s.eng.Read(d.Source, buf, waits)
		if err != nil {
			return Event{}, err
		}
		if sc.sink != nil {
			s.watchRead(s.cycle, ev, buf, sc.sink)
		}
		return ev, nil
	case graph.Copy:
		return s.eng.Copy(d.Source, d.Target, waits)
	case graph.Kernel:
		return s.eng.Dispatch(sc.kernel, sc.groups, waits)
	}
	return Event{}, fmt.Errorf("gpustream: unhandled command type %s", d.Type())
}

// watchRead delivers a read's bytes to its sink once the event completes.
func (s *Stream) watchRead(cycle uint64, ev Event, buf []byte, sink ReadSink) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ev.Done()
		err := ev.Err()
		s.pool.Submit(func() { sink(cycle, buf, err) })
	}()
}

// Run drives n cycles.
func (s *Stream) Run(ctx context.Context, n int) error {
	for c := 0; c < n; c++ {
		if err := s.Cycle(ctx); err != nil {
			return fmt.Errorf("cycle %d: %w", c, err)
		}
	}
	return nil
}

// Drain waits until every in-flight generation has finished.
func (s *Stream) Drain(ctx context.Context) error {
	if !s.g.Frozen() {
		return nil
	}
	var first error
	for _, evs := range s.inflight {
		if err := WaitAll(ctx, evs); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// RefreshKernelArgs rebinds every kernel argument referencing r across all
// commands. Call it after the region's backing allocation has moved, for
// example when a buffer pool defragmented and the sub-region was rebound.
func (s *Stream) RefreshKernelArgs(r Region) error {
	for i, c := range s.g.Commands() {
		k, ok := c.Detail().(graph.Kernel)
		if !ok {
			continue
		}
		for _, a := range k.SourceArgs {
			if a.Region != r {
				continue
			}
			if err := s.eng.SetKernelArg(KernelID(k.ID), a.Index, a.Region); err != nil {
				return fmt.Errorf("command %d arg %d: %w", i, a.Index, err)
			}
		}
		for _, a := range k.TargetArgs {
			if a.Region != r {
				continue
			}
			if err := s.eng.SetKernelArg(KernelID(k.ID), a.Index, a.Region); err != nil {
				return fmt.Errorf("command %d arg %d: %w", i, a.Index, err)
			}
		}
	}
	return nil
}

// Close waits for outstanding read deliveries and stops the callback
// workers. It does not close the engine, which the caller owns. Close is
// safe to call twice.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.wg.Wait()
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
