package graph

import (
	"errors"
	"slices"
	"testing"
)

// buildFrozen adds details to a fresh graph and freezes it.
func buildFrozen(t *testing.T, details ...Detail) *Graph[int] {
	t.Helper()
	g := New[int]()
	for i, d := range details {
		idx, err := g.Add(d)
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		if idx != i {
			t.Fatalf("Add(%d) index = %d, want %d", i, idx, i)
		}
	}
	if err := g.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	return g
}

func TestAdd(t *testing.T) {
	g := New[int]()

	for want := 0; want < 3; want++ {
		idx, err := g.Add(Fill{Target: Region(want)})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if idx != want {
			t.Errorf("Add index = %d, want %d", idx, want)
		}
	}
	if g.Len() != 3 {
		t.Errorf("Len() = %d, want 3", g.Len())
	}

	if _, err := g.Add(nil); !errors.Is(err, ErrNilDetail) {
		t.Errorf("Add(nil) error = %v, want ErrNilDetail", err)
	}
}

func TestAddAfterFreeze(t *testing.T) {
	g := buildFrozen(t, Fill{Target: 0})

	if _, err := g.Add(Read{Source: 0}); !errors.Is(err, ErrFrozen) {
		t.Errorf("Add after Freeze error = %v, want ErrFrozen", err)
	}
}

func TestFreezeTwice(t *testing.T) {
	g := buildFrozen(t, Fill{Target: 0})

	if err := g.Freeze(); !errors.Is(err, ErrFrozen) {
		t.Errorf("second Freeze error = %v, want ErrFrozen", err)
	}
}

func TestRuntimeBeforeFreeze(t *testing.T) {
	g := New[int]()
	if _, err := g.Add(Fill{Target: 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := g.WaitList(0); !errors.Is(err, ErrNotFrozen) {
		t.Errorf("WaitList before Freeze error = %v, want ErrNotFrozen", err)
	}
	if err := g.SetEvent(0, 1); !errors.Is(err, ErrNotFrozen) {
		t.Errorf("SetEvent before Freeze error = %v, want ErrNotFrozen", err)
	}
}

func TestRequisites(t *testing.T) {
	tests := []struct {
		name    string
		details []Detail
		want    [][]int
	}{
		{
			name: "fill kernel read chain",
			details: []Detail{
				Fill{Target: 0},
				Kernel{SourceArgs: []KernelArg{{Index: 0, Region: 0}}, TargetArgs: []KernelArg{{Index: 0, Region: 1}}},
				Read{Source: 1},
			},
			// The fill writes region 0 which the kernel reads, so the fill
			// carries the kernel as a forward edge; the kernel waits on the
			// fill (writer of its source) and the read (reader of its
			// target).
			want: [][]int{{1}, {0, 2}, {1}},
		},
		{
			name: "write kernel read on one region",
			details: []Detail{
				Write{Target: 0},
				Kernel{SourceArgs: []KernelArg{{Index: 0, Region: 0}}, TargetArgs: []KernelArg{{Index: 1, Region: 0}}},
				Read{Source: 0},
			},
			// Writers of region 0: {0,1}; readers: {1,2}. Each command
			// excludes itself.
			want: [][]int{{1, 2}, {0, 2}, {0, 1}},
		},
		{
			name: "independent commands share nothing",
			details: []Detail{
				Write{Target: 0},
				Write{Target: 1},
				Read{Source: 0},
			},
			want: [][]int{{2}, {}, {0}},
		},
		{
			name: "copy bridges two regions",
			details: []Detail{
				Write{Target: 0},
				Copy{Source: 0, Target: 1},
				Read{Source: 1},
			},
			want: [][]int{{1}, {0, 2}, {1}},
		},
		{
			name: "duplicate touches collapse",
			details: []Detail{
				Write{Target: 0},
				Kernel{
					SourceArgs: []KernelArg{{Index: 0, Region: 0}, {Index: 1, Region: 0}},
					TargetArgs: []KernelArg{{Index: 2, Region: 0}},
				},
			},
			// The kernel reads and writes region 0 through several args but
			// must list the write once and itself never.
			want: [][]int{{1}, {0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildFrozen(t, tt.details...)
			for i, want := range tt.want {
				got := g.Requisites(i)
				if len(got) == 0 && len(want) == 0 {
					continue
				}
				if !slices.Equal(got, want) {
					t.Errorf("Requisites(%d) = %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestNoSelfRequisite(t *testing.T) {
	// Every command here touches region 0 on both sides somewhere, which is
	// the shape that could produce a self edge.
	g := buildFrozen(t,
		Kernel{SourceArgs: []KernelArg{{Index: 0, Region: 0}}, TargetArgs: []KernelArg{{Index: 1, Region: 0}}},
		Copy{Source: 0, Target: 0},
		Kernel{SourceArgs: []KernelArg{{Index: 0, Region: 0}}, TargetArgs: []KernelArg{{Index: 1, Region: 0}}},
	)

	for i := 0; i < g.Len(); i++ {
		if slices.Contains(g.Requisites(i), i) {
			t.Errorf("Requisites(%d) = %v contains the command itself", i, g.Requisites(i))
		}
	}
}

func TestHazardClosure(t *testing.T) {
	details := []Detail{
		Write{Target: 0},
		Write{Target: 1},
		Kernel{
			SourceArgs: []KernelArg{{Index: 0, Region: 0}, {Index: 1, Region: 1}},
			TargetArgs: []KernelArg{{Index: 2, Region: 2}},
		},
		Copy{Source: 2, Target: 3},
		Read{Source: 3},
		Read{Source: 2},
	}
	g := buildFrozen(t, details...)

	readersOf := func(r Region) []int {
		var out []int
		for i, d := range details {
			if slices.Contains(d.Sources(), r) {
				out = append(out, i)
			}
		}
		return out
	}
	writersOf := func(r Region) []int {
		var out []int
		for i, d := range details {
			if slices.Contains(d.Targets(), r) {
				out = append(out, i)
			}
		}
		return out
	}

	for i, d := range details {
		reqs := g.Requisites(i)
		// Reads wait on every writer of the region, at any index.
		for _, r := range d.Sources() {
			for _, w := range writersOf(r) {
				if w != i && !slices.Contains(reqs, w) {
					t.Errorf("command %d reads region %d but requisites %v miss writer %d", i, r, reqs, w)
				}
			}
		}
		// Writes wait on every reader of the region, at any index.
		for _, r := range d.Targets() {
			for _, rd := range readersOf(r) {
				if rd != i && !slices.Contains(reqs, rd) {
					t.Errorf("command %d writes region %d but requisites %v miss reader %d", i, r, reqs, rd)
				}
			}
		}
	}
}

func TestStrictCursor(t *testing.T) {
	newFrozen := func(t *testing.T) *Graph[int] {
		return buildFrozen(t,
			Write{Target: 0},
			Kernel{SourceArgs: []KernelArg{{Index: 0, Region: 0}}, TargetArgs: []KernelArg{{Index: 1, Region: 1}}},
			Read{Source: 1},
		)
	}

	t.Run("in order succeeds across cycles", func(t *testing.T) {
		g := newFrozen(t)
		ev := 0
		for cycle := 0; cycle < 3; cycle++ {
			for i := 0; i < g.Len(); i++ {
				if _, err := g.WaitList(i); err != nil {
					t.Fatalf("cycle %d WaitList(%d): %v", cycle, i, err)
				}
				if err := g.SetEvent(i, ev); err != nil {
					t.Fatalf("cycle %d SetEvent(%d): %v", cycle, i, err)
				}
				ev++
			}
		}
	})

	t.Run("wait list may be re-resolved before set", func(t *testing.T) {
		g := newFrozen(t)
		if _, err := g.WaitList(0); err != nil {
			t.Fatalf("WaitList(0): %v", err)
		}
		if _, err := g.WaitList(0); err != nil {
			t.Fatalf("second WaitList(0): %v", err)
		}
		if err := g.SetEvent(0, 1); err != nil {
			t.Fatalf("SetEvent(0): %v", err)
		}
	})

	t.Run("out of order fails", func(t *testing.T) {
		tests := []struct {
			name  string
			drive func(g *Graph[int]) error
		}{
			{
				name: "wait list skips ahead",
				drive: func(g *Graph[int]) error {
					_, err := g.WaitList(1)
					return err
				},
			},
			{
				name: "set event skips ahead",
				drive: func(g *Graph[int]) error {
					return g.SetEvent(1, 1)
				},
			},
			{
				name: "wait list repeats finished index",
				drive: func(g *Graph[int]) error {
					if _, err := g.WaitList(0); err != nil {
						return err
					}
					if err := g.SetEvent(0, 1); err != nil {
						return err
					}
					_, err := g.WaitList(0)
					return err
				},
			},
			{
				name: "index out of range",
				drive: func(g *Graph[int]) error {
					_, err := g.WaitList(3)
					return err
				},
			},
			{
				name: "negative index",
				drive: func(g *Graph[int]) error {
					_, err := g.WaitList(-1)
					return err
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := tt.drive(newFrozen(t)); !errors.Is(err, ErrOutOfOrder) {
					t.Errorf("error = %v, want ErrOutOfOrder", err)
				}
			})
		}
	})
}

// TestPipelinedResolution drives a write/kernel/read chain over one region
// for two cycles and checks that forward requisites resolve to the previous
// cycle's events while backward requisites resolve to the current cycle's.
func TestPipelinedResolution(t *testing.T) {
	g := buildFrozen(t,
		Write{Target: 0},
		Kernel{SourceArgs: []KernelArg{{Index: 0, Region: 0}}, TargetArgs: []KernelArg{{Index: 1, Region: 0}}},
		Read{Source: 0},
	)

	const (
		write0 = 10
		krnl0  = 11
		read0  = 12
		write1 = 20
	)

	// First cycle: forward requisites have nothing stored yet.
	waits, err := g.WaitList(0)
	if err != nil {
		t.Fatalf("WaitList(0): %v", err)
	}
	if len(waits) != 0 {
		t.Errorf("first cycle WaitList(0) = %v, want empty", waits)
	}
	if err := g.SetEvent(0, write0); err != nil {
		t.Fatalf("SetEvent(0): %v", err)
	}

	waits, err = g.WaitList(1)
	if err != nil {
		t.Fatalf("WaitList(1): %v", err)
	}
	if !slices.Equal(waits, []int{write0}) {
		t.Errorf("first cycle WaitList(1) = %v, want [%d]", waits, write0)
	}
	if err := g.SetEvent(1, krnl0); err != nil {
		t.Fatalf("SetEvent(1): %v", err)
	}

	waits, err = g.WaitList(2)
	if err != nil {
		t.Fatalf("WaitList(2): %v", err)
	}
	if !slices.Equal(waits, []int{write0, krnl0}) {
		t.Errorf("first cycle WaitList(2) = %v, want [%d %d]", waits, write0, krnl0)
	}
	if err := g.SetEvent(2, read0); err != nil {
		t.Fatalf("SetEvent(2): %v", err)
	}

	// Second cycle: the write must wait on the previous cycle's read, the
	// kernel must wait on this cycle's write.
	waits, err = g.WaitList(0)
	if err != nil {
		t.Fatalf("second cycle WaitList(0): %v", err)
	}
	if !slices.Contains(waits, read0) {
		t.Errorf("second cycle WaitList(0) = %v, missing previous read %d", waits, read0)
	}
	if err := g.SetEvent(0, write1); err != nil {
		t.Fatalf("second cycle SetEvent(0): %v", err)
	}

	waits, err = g.WaitList(1)
	if err != nil {
		t.Fatalf("second cycle WaitList(1): %v", err)
	}
	if !slices.Contains(waits, write1) {
		t.Errorf("second cycle WaitList(1) = %v, missing current write %d", waits, write1)
	}
	if slices.Contains(waits, write0) {
		t.Errorf("second cycle WaitList(1) = %v, still holds stale write %d", waits, write0)
	}
}

// TestFillKernelReadScenario drives the canonical fill/kernel/read pipeline
// for two cycles. The fill's forward edge on the kernel is empty in the
// first cycle and resolves to the previous cycle's kernel event afterwards.
func TestFillKernelReadScenario(t *testing.T) {
	g := buildFrozen(t,
		Fill{Target: 0},
		Kernel{SourceArgs: []KernelArg{{Index: 0, Region: 0}}, TargetArgs: []KernelArg{{Index: 0, Region: 1}}},
		Read{Source: 1},
	)

	wantReqs := [][]int{{1}, {0, 2}, {1}}
	for i, want := range wantReqs {
		if got := g.Requisites(i); !slices.Equal(got, want) {
			t.Fatalf("Requisites(%d) = %v, want %v", i, got, want)
		}
	}

	ev := 100
	prevKernel, prevRead := -1, -1
	for cycle := 0; cycle < 2; cycle++ {
		fill, kernel, read := ev, ev+1, ev+2

		waits, err := g.WaitList(0)
		if err != nil {
			t.Fatalf("cycle %d WaitList(0): %v", cycle, err)
		}
		wantFill := []int{}
		if cycle > 0 {
			wantFill = []int{prevKernel}
		}
		if !slices.Equal(waits, wantFill) {
			t.Errorf("cycle %d WaitList(0) = %v, want %v", cycle, waits, wantFill)
		}
		if err := g.SetEvent(0, fill); err != nil {
			t.Fatalf("cycle %d SetEvent(0): %v", cycle, err)
		}

		waits, err = g.WaitList(1)
		if err != nil {
			t.Fatalf("cycle %d WaitList(1): %v", cycle, err)
		}
		wantKernel := []int{fill}
		if cycle > 0 {
			wantKernel = []int{fill, prevRead}
		}
		if !slices.Equal(waits, wantKernel) {
			t.Errorf("cycle %d WaitList(1) = %v, want %v", cycle, waits, wantKernel)
		}
		if err := g.SetEvent(1, kernel); err != nil {
			t.Fatalf("cycle %d SetEvent(1): %v", cycle, err)
		}

		waits, err = g.WaitList(2)
		if err != nil {
			t.Fatalf("cycle %d WaitList(2): %v", cycle, err)
		}
		if !slices.Equal(waits, []int{kernel}) {
			t.Errorf("cycle %d WaitList(2) = %v, want [%d]", cycle, waits, kernel)
		}
		if err := g.SetEvent(2, read); err != nil {
			t.Fatalf("cycle %d SetEvent(2): %v", cycle, err)
		}

		prevKernel, prevRead = kernel, read
		ev += 10
	}
}

func TestEmptyGraph(t *testing.T) {
	g := New[int]()
	if err := g.Freeze(); err != nil {
		t.Fatalf("Freeze on empty graph: %v", err)
	}
	if _, err := g.WaitList(0); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("WaitList(0) on empty graph error = %v, want ErrOutOfOrder", err)
	}
	if err := g.SetEvent(0, 1); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("SetEvent(0) on empty graph error = %v, want ErrOutOfOrder", err)
	}
}

func TestCommandsAccessor(t *testing.T) {
	g := New[int]()
	details := []Detail{
		Write{Target: 0},
		Kernel{ID: 7, SourceArgs: []KernelArg{{Index: 0, Region: 0}}, TargetArgs: []KernelArg{{Index: 1, Region: 1}}},
	}
	for _, d := range details {
		if _, err := g.Add(d); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	cmds := g.Commands()
	if len(cmds) != len(details) {
		t.Fatalf("Commands() length = %d, want %d", len(cmds), len(details))
	}
	for i := range cmds {
		if cmds[i].Detail().Type() != details[i].Type() {
			t.Errorf("command %d type = %v, want %v", i, cmds[i].Detail().Type(), details[i].Type())
		}
		if _, ok := cmds[i].Event(); ok {
			t.Errorf("command %d has an event before any submission", i)
		}
	}

	k, ok := cmds[1].Detail().(Kernel)
	if !ok {
		t.Fatalf("command 1 detail is %T, want Kernel", cmds[1].Detail())
	}
	if k.ID != 7 {
		t.Errorf("kernel id = %d, want 7", k.ID)
	}

	if err := g.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if _, err := g.WaitList(0); err != nil {
		t.Fatalf("WaitList(0): %v", err)
	}
	if err := g.SetEvent(0, 42); err != nil {
		t.Fatalf("SetEvent(0): %v", err)
	}

	ev, ok := g.Commands()[0].Event()
	if !ok || ev != 42 {
		t.Errorf("command 0 event = %d, %v, want 42, true", ev, ok)
	}
}

func TestRequisitesUnfrozen(t *testing.T) {
	g := New[int]()
	if _, err := g.Add(Fill{Target: 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := g.Requisites(0); got != nil {
		t.Errorf("Requisites before Freeze = %v, want nil", got)
	}
}
