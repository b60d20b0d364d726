package gpustream

import (
	"errors"

	"github.com/gogpu/gpustream/graph"
)

// Region identifies a memory region tracked by the dependency graph.
// See [graph.Region].
type Region = graph.Region

// KernelArg ties a kernel argument slot to a region. See [graph.KernelArg].
type KernelArg = graph.KernelArg

// KernelID addresses one kernel instance inside an engine. Each instance
// carries its own argument bindings; the id doubles as the opaque kernel
// handle recorded in the dependency graph.
type KernelID uint64

// Engine errors shared by all implementations.
var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("gpustream: engine is closed")

	// ErrUnknownRegion is returned when an operation references a region id
	// that was never created.
	ErrUnknownRegion = errors.New("gpustream: unknown region")

	// ErrRegionExists is returned when creating a region whose id is taken.
	ErrRegionExists = errors.New("gpustream: region already exists")

	// ErrUnknownKernel is returned when a kernel name has no registered
	// implementation, or a KernelID does not address a live instance.
	ErrUnknownKernel = errors.New("gpustream: unknown kernel")

	// ErrRegionBounds is returned when a transfer or sub-region binding
	// exceeds the bounds of the region it addresses.
	ErrRegionBounds = errors.New("gpustream: operation exceeds region bounds")

	// ErrEmptyPattern is returned by Fill when the pattern is empty.
	ErrEmptyPattern = errors.New("gpustream: empty fill pattern")
)

// Engine submits device operations and reports their completion. It is the
// execution side of a Stream: the dependency graph decides what every
// operation must wait on, the engine makes the operation happen.
//
// Submission methods are asynchronous: they return a pending Event and
// complete it when the work (and everything in waits before it) has
// finished. Implementations must honor waits before touching the operation's
// regions but are free to overlap non-conflicting work.
//
// Implementations must be safe for concurrent submissions, since several
// pipeline generations may be in flight at once.
type Engine interface {
	// Name identifies the engine implementation.
	Name() string

	// CreateRegion allocates backing storage of the given size for a new
	// region id chosen by the caller.
	CreateRegion(r Region, size uint64) error

	// BindSubRegion makes r a window of length size at offset off into an
	// existing parent region. Rebinding an existing sub-region moves its
	// window, which is how a defragmented allocation is reattached.
	BindSubRegion(r Region, parent Region, off, size uint64) error

	// ReleaseRegion frees a region id. Sub-regions must be released before
	// their parent.
	ReleaseRegion(r Region) error

	// RegionSize returns the byte size of a region.
	RegionSize(r Region) (uint64, error)

	// Kernel creates a fresh instance of the named kernel. Instances share
	// the compiled program but carry independent argument bindings, so two
	// commands may use the same name with different regions.
	Kernel(name string) (KernelID, error)

	// SetKernelArg binds a region to one argument slot of a kernel
	// instance. Rebinding an already bound slot replaces the binding.
	SetKernelArg(k KernelID, arg uint32, r Region) error

	// Fill writes pattern repeatedly across the whole target region. The
	// region size must be a multiple of the pattern length.
	Fill(target Region, pattern []byte, waits []Event) (Event, error)

	// Write copies src from host memory into the target region, starting
	// at its beginning.
	Write(target Region, src []byte, waits []Event) (Event, error)

	// Read copies the source region into dst, which the caller keeps alive
	// and untouched until the returned event completes.
	Read(source Region, dst []byte, waits []Event) (Event, error)

	// Copy copies the source region into the target region. Sizes must
	// match exactly.
	Copy(source, target Region, waits []Event) (Event, error)

	// Dispatch runs a kernel instance over the given workgroup grid.
	Dispatch(k KernelID, groups [3]uint32, waits []Event) (Event, error)

	// Close waits for in-flight work and releases the engine's resources.
	Close() error
}
