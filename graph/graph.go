// Package graph computes the wait-lists a pipelined stream of device
// commands must honor when the same command sequence is resubmitted every
// iteration against an out-of-order execution queue.
//
// Commands describe which memory regions they read and write (see Detail).
// From those projections the graph derives, once, a fixed requisite set per
// command: every writer of a region the command reads (read-after-write)
// and every reader of a region the command writes (write-after-read). A
// requisite may point forward in index order; such an edge is satisfied by
// the referenced command's previous-iteration completion, which is what
// lets several iterations stay in flight at once.
//
// # Build and freeze
//
// Commands are added with Add while the graph is unfrozen. Freeze resolves
// the requisite sets and locks the graph; afterwards the command list never
// changes and Add fails. Freeze can be called once.
//
// # Runtime protocol
//
// A frozen graph is driven in strict index order, 0 through Len()-1,
// wrapping back to 0, forever: for each index the caller obtains WaitList(i),
// submits the real device command with it, and stores the submission's
// completion handle via SetEvent(i). Both calls validate the index against
// the internal cursor and fail with ErrOutOfOrder on any deviation; only
// SetEvent advances the cursor. On the first iteration a forward requisite
// has no stored handle yet and simply contributes nothing.
//
// The graph performs no locking and never blocks. It must be driven by one
// goroutine at a time; concurrent pipelines each get their own Graph.
package graph

import (
	"errors"
	"fmt"
	"slices"
)

// Graph errors.
var (
	// ErrFrozen is returned when Add or Freeze is called on a frozen graph.
	ErrFrozen = errors.New("graph: graph is frozen")

	// ErrNotFrozen is returned when WaitList or SetEvent is called before
	// Freeze.
	ErrNotFrozen = errors.New("graph: graph is not frozen")

	// ErrOutOfOrder is returned when WaitList or SetEvent is called with an
	// index other than the one the cursor expects.
	ErrOutOfOrder = errors.New("graph: command index out of order")

	// ErrNilDetail is returned when Add is called with a nil detail.
	ErrNilDetail = errors.New("graph: nil command detail")
)

// Command is one node of the graph: the operation's detail, the completion
// handle stored by its most recent submission, and a scratch wait-list
// reused across iterations.
type Command[E any] struct {
	detail Detail

	// event is the completion handle of the most recent submission.
	// Overwritten every iteration by SetEvent.
	event    E
	hasEvent bool

	// waits is scratch storage refilled by every WaitList call for this
	// command's index.
	waits []E
}

// Detail returns the command's operation description.
func (c *Command[E]) Detail() Detail { return c.detail }

// Event returns the completion handle stored by the command's most recent
// submission. ok is false until the command has been submitted once.
func (c *Command[E]) Event() (ev E, ok bool) { return c.event, c.hasEvent }

// Graph tracks read/write hazards between commands sharing memory regions
// and resolves, per command and per iteration, the completion handles the
// command must wait on before submission.
//
// The handle type E is opaque to the graph and copied by value; it should
// be cheap to copy, like a pointer-backed event token.
//
// Graph is not safe for concurrent use.
type Graph[E any] struct {
	commands []Command[E]

	// requisites[i] holds the indices whose completion command i must wait
	// on. Fixed at Freeze; may contain indices greater than i.
	requisites [][]int

	frozen bool

	// cursor is the next index the runtime protocol expects.
	cursor int
}

// New returns an empty graph in its build phase.
func New[E any]() *Graph[E] {
	return &Graph[E]{}
}

// Add appends a command and returns its index. Indices identify commands
// for the lifetime of the graph and are never reused.
func (g *Graph[E]) Add(d Detail) (int, error) {
	if g.frozen {
		return 0, fmt.Errorf("%w: cannot add", ErrFrozen)
	}
	if d == nil {
		return 0, ErrNilDetail
	}
	g.commands = append(g.commands, Command[E]{detail: d})
	return len(g.commands) - 1, nil
}

// Len returns the number of commands.
func (g *Graph[E]) Len() int { return len(g.commands) }

// Frozen reports whether Freeze has been called.
func (g *Graph[E]) Frozen() bool { return g.frozen }

// Commands returns the ordered command list. The slice is a read-only view
// into the graph, for diagnostic and binding-refresh tooling; callers must
// not retain it across Add calls.
func (g *Graph[E]) Commands() []Command[E] { return g.commands }

// Requisites returns a copy of the requisite indices resolved for command i,
// or nil if the graph is not frozen or i is out of range.
func (g *Graph[E]) Requisites(i int) []int {
	if !g.frozen || i < 0 || i >= len(g.requisites) {
		return nil
	}
	return slices.Clone(g.requisites[i])
}

// regionUse records, for one region, every command touching it. Readers and
// writers are in command index order because construction is a single
// forward pass.
type regionUse struct {
	readers []int
	writers []int
}

// Freeze resolves the requisite set of every command and locks the graph
// for the runtime protocol. It can be called once; the second call fails
// with ErrFrozen.
//
// The requisite set of command i is the union of all writers of regions i
// reads and all readers of regions i writes, excluding i itself,
// deduplicated. Indices greater than i are legal: they express a hazard
// against the previous iteration of a later command.
func (g *Graph[E]) Freeze() error {
	if g.frozen {
		return fmt.Errorf("%w: cannot freeze again", ErrFrozen)
	}

	// Index every region's readers and writers over the full command list
	// before resolving anyone, so later commands appear in earlier
	// commands' requisites.
	use := make(map[Region]*regionUse)
	touch := func(r Region) *regionUse {
		u := use[r]
		if u == nil {
			u = &regionUse{}
			use[r] = u
		}
		return u
	}
	for i := range g.commands {
		d := g.commands[i].detail
		for _, r := range d.Sources() {
			u := touch(r)
			u.readers = append(u.readers, i)
		}
		for _, r := range d.Targets() {
			u := touch(r)
			u.writers = append(u.writers, i)
		}
	}

	g.requisites = make([][]int, len(g.commands))
	for i := range g.commands {
		g.requisites[i] = resolve(i, g.commands[i].detail, use)
	}

	g.frozen = true
	g.cursor = 0
	return nil
}

// resolve computes command i's requisite indices: writers of what it reads,
// readers of what it writes. The command's own index is excluded, so a
// command reading and writing the same region never waits on itself.
func resolve(i int, d Detail, use map[Region]*regionUse) []int {
	var reqs []int
	add := func(idxs []int) {
		for _, j := range idxs {
			if j != i && !slices.Contains(reqs, j) {
				reqs = append(reqs, j)
			}
		}
	}
	for _, r := range d.Sources() {
		add(use[r].writers)
	}
	for _, r := range d.Targets() {
		add(use[r].readers)
	}
	return slices.Clip(reqs)
}

// WaitList resolves the completion handles command i must wait on this
// iteration. It fails with ErrNotFrozen before Freeze and with
// ErrOutOfOrder unless i is the index the cursor expects.
//
// A requisite that has never been submitted (a forward edge on the first
// iteration) contributes nothing. The returned slice is scratch storage
// owned by the command: it is valid until the next WaitList call for the
// same index and must not be mutated.
func (g *Graph[E]) WaitList(i int) ([]E, error) {
	if !g.frozen {
		return nil, fmt.Errorf("%w: wait list for command %d", ErrNotFrozen, i)
	}
	if i < 0 || i >= len(g.commands) || i != g.cursor {
		return nil, fmt.Errorf("%w: wait list for command %d, expected %d", ErrOutOfOrder, i, g.cursor)
	}

	c := &g.commands[i]
	c.waits = c.waits[:0]
	for _, j := range g.requisites[i] {
		if g.commands[j].hasEvent {
			c.waits = append(c.waits, g.commands[j].event)
		}
	}
	return c.waits, nil
}

// SetEvent stores the completion handle of command i's newest submission,
// replacing the previous iteration's handle, and advances the cursor to
// (i+1) mod Len. It fails with ErrNotFrozen before Freeze and with
// ErrOutOfOrder unless i is the index the cursor expects.
func (g *Graph[E]) SetEvent(i int, ev E) error {
	if !g.frozen {
		return fmt.Errorf("%w: set event for command %d", ErrNotFrozen, i)
	}
	if i < 0 || i >= len(g.commands) || i != g.cursor {
		return fmt.Errorf("%w: set event for command %d, expected %d", ErrOutOfOrder, i, g.cursor)
	}

	c := &g.commands[i]
	c.event = ev
	c.hasEvent = true
	g.cursor = (i + 1) % len(g.commands)
	return nil
}
