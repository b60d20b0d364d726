package gpustream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gpustream/graph"
)

// fakeEngine is a host-memory engine for stream tests. It applies operations
// asynchronously after their waits, like a real engine; an optional gate
// channel holds every completion back until the test releases it. The one
// built-in kernel, double_u32, doubles arg 0 into arg 1.
type fakeEngine struct {
	mu      sync.Mutex
	regions map[Region][]byte
	kernels map[KernelID]map[uint32]Region
	nextK   KernelID
	argSets int

	gate chan struct{}
	wg   sync.WaitGroup

	// waitRecs keeps every wait-list as handed over by the stream next to
	// a snapshot taken at submission time, so tests can detect the list
	// changing under a still-running operation.
	waitRecs []waitRec
}

type waitRec struct {
	got  []Event
	want []Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		regions: make(map[Region][]byte),
		kernels: make(map[KernelID]map[uint32]Region),
	}
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) CreateRegion(r Region, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.regions[r]; ok {
		return ErrRegionExists
	}
	e.regions[r] = make([]byte, size)
	return nil
}

func (e *fakeEngine) BindSubRegion(r, parent Region, off, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.regions[parent]
	if !ok {
		return ErrUnknownRegion
	}
	if off+size > uint64(len(p)) {
		return ErrRegionBounds
	}
	e.regions[r] = p[off : off+size : off+size]
	return nil
}

func (e *fakeEngine) ReleaseRegion(r Region) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.regions[r]; !ok {
		return ErrUnknownRegion
	}
	delete(e.regions, r)
	return nil
}

func (e *fakeEngine) RegionSize(r Region) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.regions[r]
	if !ok {
		return 0, ErrUnknownRegion
	}
	return uint64(len(data)), nil
}

func (e *fakeEngine) Kernel(name string) (KernelID, error) {
	if name != "double_u32" {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKernel, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextK++
	e.kernels[e.nextK] = make(map[uint32]Region)
	return e.nextK, nil
}

func (e *fakeEngine) SetKernelArg(k KernelID, arg uint32, r Region) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	args, ok := e.kernels[k]
	if !ok {
		return ErrUnknownKernel
	}
	args[arg] = r
	e.argSets++
	return nil
}

// run applies op after waits (and the gate, when set) on a fresh goroutine.
func (e *fakeEngine) run(waits []Event, op func() error) Event {
	e.mu.Lock()
	e.waitRecs = append(e.waitRecs, waitRec{got: waits, want: slices.Clone(waits)})
	e.mu.Unlock()
	ev := NewEvent()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := WaitAll(context.Background(), waits); err != nil {
			ev.Complete(err)
			return
		}
		if e.gate != nil {
			<-e.gate
		}
		ev.Complete(op())
	}()
	return ev
}

func (e *fakeEngine) region(r Region) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.regions[r]
	if !ok {
		return nil, ErrUnknownRegion
	}
	return data, nil
}

func (e *fakeEngine) Fill(target Region, pattern []byte, waits []Event) (Event, error) {
	return e.run(waits, func() error {
		data, err := e.region(target)
		if err != nil {
			return err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		for i := range data {
			data[i] = pattern[i%len(pattern)]
		}
		return nil
	}), nil
}

func (e *fakeEngine) Write(target Region, src []byte, waits []Event) (Event, error) {
	return e.run(waits, func() error {
		data, err := e.region(target)
		if err != nil {
			return err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		copy(data, src)
		return nil
	}), nil
}

func (e *fakeEngine) Read(source Region, dst []byte, waits []Event) (Event, error) {
	return e.run(waits, func() error {
		data, err := e.region(source)
		if err != nil {
			return err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		copy(dst, data)
		return nil
	}), nil
}

func (e *fakeEngine) Copy(source, target Region, waits []Event) (Event, error) {
	return e.run(waits, func() error {
		src, err := e.region(source)
		if err != nil {
			return err
		}
		dst, err := e.region(target)
		if err != nil {
			return err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		copy(dst, src)
		return nil
	}), nil
}

func (e *fakeEngine) Dispatch(k KernelID, groups [3]uint32, waits []Event) (Event, error) {
	return e.run(waits, func() error {
		e.mu.Lock()
		args, ok := e.kernels[k]
		if !ok {
			e.mu.Unlock()
			return ErrUnknownKernel
		}
		src, sok := e.regions[args[0]]
		dst, dok := e.regions[args[1]]
		e.mu.Unlock()
		if !sok || !dok {
			return ErrUnknownRegion
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		for i := 0; i+4 <= len(src) && i+4 <= len(dst); i += 4 {
			binary.LittleEndian.PutUint32(dst[i:], 2*binary.LittleEndian.Uint32(src[i:]))
		}
		return nil
	}), nil
}

func (e *fakeEngine) Close() error {
	e.wg.Wait()
	return nil
}

func TestStreamEndToEnd(t *testing.T) {
	eng := newFakeEngine()
	defer eng.Close()
	if err := eng.CreateRegion(1, 32); err != nil {
		t.Fatal(err)
	}
	if err := eng.CreateRegion(2, 32); err != nil {
		t.Fatal(err)
	}

	s := NewStream(eng)
	defer s.Close()

	if _, err := s.Write(1, func(cycle uint64) []byte {
		buf := make([]byte, 32)
		for i := 0; i < 8; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(cycle)+uint32(i))
		}
		return buf
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Kernel("double_u32", [3]uint32{1, 1, 1},
		[]KernelArg{{Index: 0, Region: 1}},
		[]KernelArg{{Index: 1, Region: 2}}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	got := map[uint64][]byte{}
	if _, err := s.Read(2, 0, func(cycle uint64, data []byte, err error) {
		if err != nil {
			t.Errorf("cycle %d: %v", cycle, err)
			return
		}
		mu.Lock()
		got[cycle] = slices.Clone(data)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	ctx := context.Background()
	if err := s.Run(ctx, 3); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for cycle := uint64(0); cycle < 3; cycle++ {
		data := got[cycle]
		if len(data) != 32 {
			t.Fatalf("cycle %d: %d bytes", cycle, len(data))
		}
		for i := 0; i < 8; i++ {
			want := 2 * (uint32(cycle) + uint32(i))
			if v := binary.LittleEndian.Uint32(data[i*4:]); v != want {
				t.Errorf("cycle %d elem %d = %d, want %d", cycle, i, v, want)
			}
		}
	}
}

func TestStreamFreezeResolvesReadSize(t *testing.T) {
	eng := newFakeEngine()
	defer eng.Close()
	if err := eng.CreateRegion(1, 48); err != nil {
		t.Fatal(err)
	}

	s := NewStream(eng)
	defer s.Close()
	if _, err := s.Fill(1, []byte{0xAB}); err != nil {
		t.Fatal(err)
	}
	idx, err := s.Read(1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if got := s.cmds[idx].readSize; got != 48 {
		t.Errorf("resolved read size = %d, want 48", got)
	}
}

func TestStreamFreezeUnknownReadRegion(t *testing.T) {
	eng := newFakeEngine()
	defer eng.Close()

	s := NewStream(eng)
	defer s.Close()
	if _, err := s.Read(9, 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Freeze(); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("Freeze = %v, want %v", err, ErrUnknownRegion)
	}
}

func TestStreamRequisites(t *testing.T) {
	eng := newFakeEngine()
	defer eng.Close()
	if err := eng.CreateRegion(1, 16); err != nil {
		t.Fatal(err)
	}
	if err := eng.CreateRegion(2, 16); err != nil {
		t.Fatal(err)
	}

	s := NewStream(eng)
	defer s.Close()
	if _, err := s.Write(1, func(uint64) []byte { return make([]byte, 16) }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Kernel("double_u32", [3]uint32{1, 1, 1},
		[]KernelArg{{Index: 0, Region: 1}},
		[]KernelArg{{Index: 1, Region: 2}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(2, 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Freeze(); err != nil {
		t.Fatal(err)
	}

	// The kernel waits on the writer of its source and, across generations,
	// on the reader of its target.
	if got := s.Requisites(1); !slices.Equal(got, []int{0, 2}) {
		t.Errorf("Requisites(1) = %v, want [0 2]", got)
	}
	// The write waits on the previous generation's kernel reading region 1.
	if got := s.Requisites(0); !slices.Equal(got, []int{1}) {
		t.Errorf("Requisites(0) = %v, want [1]", got)
	}
}

func TestStreamMaxInFlightBounds(t *testing.T) {
	eng := newFakeEngine()
	eng.gate = make(chan struct{})
	defer eng.Close()
	if err := eng.CreateRegion(1, 16); err != nil {
		t.Fatal(err)
	}

	s := NewStream(eng, WithMaxInFlight(1))
	defer s.Close()
	if _, err := s.Fill(1, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Freeze(); err != nil {
		t.Fatal(err)
	}

	// First generation submits without blocking; its events stay pending
	// behind the gate.
	if err := s.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle 0: %v", err)
	}

	// Depth 1 means the next cycle must wait for generation 0.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Cycle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Cycle 1 = %v, want context.DeadlineExceeded", err)
	}

	close(eng.gate)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

// TestStreamWaitListIsolation pipelines several generations and checks that
// the wait-list each engine operation received never changed after
// submission. The graph reuses its resolution storage from one generation
// to the next; a later cycle must not rewrite a list an earlier operation
// is still waiting on.
func TestStreamWaitListIsolation(t *testing.T) {
	eng := newFakeEngine()
	if err := eng.CreateRegion(1, 16); err != nil {
		t.Fatal(err)
	}
	if err := eng.CreateRegion(2, 16); err != nil {
		t.Fatal(err)
	}

	s := NewStream(eng, WithMaxInFlight(2))
	defer s.Close()
	if _, err := s.Write(1, func(uint64) []byte { return make([]byte, 16) }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Kernel("double_u32", [3]uint32{1, 1, 1},
		[]KernelArg{{Index: 0, Region: 1}},
		[]KernelArg{{Index: 1, Region: 2}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(2, 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Freeze(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx, 4); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("engine Close: %v", err)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.waitRecs) != 12 {
		t.Fatalf("recorded %d submissions, want 12", len(eng.waitRecs))
	}
	for i, rec := range eng.waitRecs {
		if !slices.Equal(rec.got, rec.want) {
			t.Errorf("submission %d: wait-list changed after submit", i)
		}
	}
}

func TestStreamBuilderErrors(t *testing.T) {
	eng := newFakeEngine()
	defer eng.Close()
	s := NewStream(eng)
	defer s.Close()

	if _, err := s.Fill(1, nil); !errors.Is(err, ErrEmptyPattern) {
		t.Errorf("Fill(nil pattern) = %v, want %v", err, ErrEmptyPattern)
	}
	if _, err := s.Write(1, nil); !errors.Is(err, ErrNilSource) {
		t.Errorf("Write(nil source) = %v, want %v", err, ErrNilSource)
	}
	if _, err := s.Kernel("missing", [3]uint32{1, 1, 1}, nil, nil); !errors.Is(err, ErrUnknownKernel) {
		t.Errorf("Kernel(missing) = %v, want %v", err, ErrUnknownKernel)
	}
}

func TestStreamLifecycleErrors(t *testing.T) {
	eng := newFakeEngine()
	defer eng.Close()
	if err := eng.CreateRegion(1, 16); err != nil {
		t.Fatal(err)
	}

	s := NewStream(eng)
	if _, err := s.Fill(1, []byte{0}); err != nil {
		t.Fatal(err)
	}

	if err := s.Cycle(context.Background()); !errors.Is(err, graph.ErrNotFrozen) {
		t.Errorf("Cycle before Freeze = %v, want %v", err, graph.ErrNotFrozen)
	}
	if err := s.Freeze(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fill(1, []byte{0}); !errors.Is(err, graph.ErrFrozen) {
		t.Errorf("Fill after Freeze = %v, want %v", err, graph.ErrFrozen)
	}
	if err := s.Freeze(); !errors.Is(err, graph.ErrFrozen) {
		t.Errorf("second Freeze = %v, want %v", err, graph.ErrFrozen)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Cycle(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Cycle after Close = %v, want %v", err, ErrStreamClosed)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestStreamRefreshKernelArgs(t *testing.T) {
	eng := newFakeEngine()
	defer eng.Close()
	if err := eng.CreateRegion(1, 16); err != nil {
		t.Fatal(err)
	}
	if err := eng.CreateRegion(2, 16); err != nil {
		t.Fatal(err)
	}

	s := NewStream(eng)
	defer s.Close()
	if _, err := s.Kernel("double_u32", [3]uint32{1, 1, 1},
		[]KernelArg{{Index: 0, Region: 1}},
		[]KernelArg{{Index: 1, Region: 2}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Freeze(); err != nil {
		t.Fatal(err)
	}

	before := eng.argSets
	if err := s.RefreshKernelArgs(1); err != nil {
		t.Fatalf("RefreshKernelArgs: %v", err)
	}
	if eng.argSets != before+1 {
		t.Errorf("arg rebinds = %d, want %d", eng.argSets-before, 1)
	}
	// A region no kernel references rebinds nothing.
	before = eng.argSets
	if err := s.RefreshKernelArgs(9); err != nil {
		t.Fatalf("RefreshKernelArgs(9): %v", err)
	}
	if eng.argSets != before {
		t.Errorf("unexpected rebinds for unreferenced region")
	}
}
