// Package bufpool allocates sub-regions out of one fixed arena.
//
// A Pool hands out region ids for byte ranges of a single backing
// allocation, so a pipeline can carve many logical regions from one device
// buffer. The pool tracks offsets only; it never touches memory. The caller
// binds each allocation to its engine with BindSubRegion and, after
// Defragment, replays the returned move plan as device copies and rebinds.
package bufpool

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gogpu/gpustream/graph"
)

// Pool errors.
var (
	// ErrOutOfSpace is returned when no gap in the arena fits a request.
	ErrOutOfSpace = errors.New("bufpool: arena out of space")

	// ErrUnknownRegion is returned when a region id is not live in the pool.
	ErrUnknownRegion = errors.New("bufpool: unknown region")

	// ErrZeroSize is returned when an allocation of zero bytes is requested.
	ErrZeroSize = errors.New("bufpool: zero-size allocation")
)

// DefaultAlign is the allocation alignment used when none is configured.
// 256 matches the storage buffer offset alignment required by most GPUs.
const DefaultAlign = 256

// segment is one live allocation: a byte window of the arena.
type segment struct {
	region graph.Region
	off    uint64
	size   uint64
}

// Move records one relocation of the defragmentation plan: the region's
// bytes must be copied from OldOff to NewOff before it is rebound.
type Move struct {
	Region graph.Region
	OldOff uint64
	NewOff uint64
	Size   uint64
}

// Option configures a Pool during creation.
type Option func(*Pool)

// WithAlign sets the allocation alignment. Values that are not a power of
// two are ignored.
func WithAlign(align uint64) Option {
	return func(p *Pool) {
		if align > 0 && align&(align-1) == 0 {
			p.align = align
		}
	}
}

// WithBaseRegion sets the first region id the pool hands out. Use it to keep
// pool ids clear of ids the caller assigns directly, such as the arena's own
// region.
func WithBaseRegion(base graph.Region) Option {
	return func(p *Pool) { p.next = base }
}

// Pool allocates aligned byte ranges out of an arena of fixed size and
// names each range with a region id. Ids grow monotonically and are never
// reused, so a stale id can not silently alias a newer allocation.
//
// Pool is not safe for concurrent use.
type Pool struct {
	size  uint64
	align uint64
	next  graph.Region

	// segs is kept sorted by offset; first-fit scans it linearly.
	segs []segment
}

// New creates a pool over an arena of size bytes.
func New(size uint64, opts ...Option) *Pool {
	p := &Pool{
		size:  size,
		align: DefaultAlign,
		next:  1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the arena size in bytes.
func (p *Pool) Size() uint64 { return p.size }

// Live returns the number of live allocations.
func (p *Pool) Live() int { return len(p.segs) }

// alignUp rounds n up to the pool's alignment.
func (p *Pool) alignUp(n uint64) uint64 {
	return (n + p.align - 1) &^ (p.align - 1)
}

// Alloc reserves size bytes at the first aligned gap that fits and returns
// the new region id. The caller binds the id to its engine with
// BindSubRegion(id, arena, off, size) using the offset from Segment.
func (p *Pool) Alloc(size uint64) (graph.Region, error) {
	if size == 0 {
		return 0, ErrZeroSize
	}

	off := uint64(0)
	at := len(p.segs)
	for i, s := range p.segs {
		if s.off-off >= size {
			at = i
			break
		}
		off = p.alignUp(s.off + s.size)
	}
	if off+size > p.size {
		return 0, fmt.Errorf("%w: %d bytes requested, largest tail gap %d",
			ErrOutOfSpace, size, p.size-min(off, p.size))
	}

	r := p.next
	p.next++
	p.segs = slices.Insert(p.segs, at, segment{region: r, off: off, size: size})
	return r, nil
}

// Free releases a region's range back to the arena. The id itself stays
// retired forever.
func (p *Pool) Free(r graph.Region) error {
	for i, s := range p.segs {
		if s.region == r {
			p.segs = slices.Delete(p.segs, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrUnknownRegion, r)
}

// Segment returns the arena offset and size of a live region.
func (p *Pool) Segment(r graph.Region) (off, size uint64, err error) {
	for _, s := range p.segs {
		if s.region == r {
			return s.off, s.size, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %d", ErrUnknownRegion, r)
}

// Regions returns the live region ids in arena offset order.
func (p *Pool) Regions() []graph.Region {
	out := make([]graph.Region, len(p.segs))
	for i, s := range p.segs {
		out[i] = s.region
	}
	return out
}

// FreeBytes returns the total unallocated bytes, counting alignment padding
// between segments as free.
func (p *Pool) FreeBytes() uint64 {
	used := uint64(0)
	for _, s := range p.segs {
		used += s.size
	}
	return p.size - used
}

// Defragment compacts all live allocations toward offset zero, keeping
// their relative order, and returns the relocations that changed offset.
// The pool's bookkeeping is updated immediately; the arena's bytes are not,
// so the caller must replay every Move as a copy from OldOff to NewOff, in
// plan order, then rebind the moved regions. Plan order is ascending by
// offset, which keeps each copy's destination clear of the sources of the
// moves after it.
func (p *Pool) Defragment() []Move {
	var plan []Move
	off := uint64(0)
	for i := range p.segs {
		s := &p.segs[i]
		if s.off != off {
			plan = append(plan, Move{Region: s.region, OldOff: s.off, NewOff: off, Size: s.size})
			s.off = off
		}
		off = p.alignUp(s.off + s.size)
	}
	return plan
}
