package graph

import "slices"

// Region identifies a caller-defined partition of shared device memory,
// such as a buffer or a sub-buffer carved out of one. The graph never
// interprets a region beyond equality: the caller assigns ids and is
// responsible for keeping distinct ids from aliasing overlapping bytes.
type Region uint32

// KernelArg ties a kernel argument slot to the region bound to it.
// Index is carried so bindings can be refreshed after a region's backing
// allocation moves; it plays no part in dependency analysis.
type KernelArg struct {
	// Index is the kernel argument position.
	Index uint32
	// Region is the memory region bound to the argument.
	Region Region
}

// DetailType identifies the kind of operation a command performs.
type DetailType uint8

const (
	DetailFill   DetailType = iota // fill a region with a repeated pattern
	DetailWrite                    // host to device transfer
	DetailRead                     // device to host transfer
	DetailCopy                     // device to device copy
	DetailKernel                   // kernel invocation
)

// detailTypeNames maps DetailType values to their string representation.
var detailTypeNames = [...]string{
	DetailFill:   "Fill",
	DetailWrite:  "Write",
	DetailRead:   "Read",
	DetailCopy:   "Copy",
	DetailKernel: "Kernel",
}

// String returns the string representation of a DetailType.
func (t DetailType) String() string {
	if int(t) < len(detailTypeNames) {
		return detailTypeNames[t]
	}
	return "Unknown"
}

// Detail describes which memory regions one command touches. Sources are
// regions the command reads, Targets are regions it writes; the hazard
// analysis in Freeze is driven entirely by these two projections.
type Detail interface {
	// Type returns the DetailType for this detail.
	Type() DetailType
	// Sources returns the regions the command reads, deduplicated.
	Sources() []Region
	// Targets returns the regions the command writes, deduplicated.
	Targets() []Region
}

// Fill writes a repeated pattern into Target.
type Fill struct {
	// Target is the region being filled.
	Target Region
}

// Type implements Detail.
func (Fill) Type() DetailType { return DetailFill }

// Sources implements Detail. A fill reads nothing.
func (Fill) Sources() []Region { return nil }

// Targets implements Detail.
func (f Fill) Targets() []Region { return []Region{f.Target} }

// Write transfers host memory into Target.
type Write struct {
	// Target is the region being written.
	Target Region
}

// Type implements Detail.
func (Write) Type() DetailType { return DetailWrite }

// Sources implements Detail. The host-side source is not a tracked region.
func (Write) Sources() []Region { return nil }

// Targets implements Detail.
func (w Write) Targets() []Region { return []Region{w.Target} }

// Read transfers Source back to host memory.
type Read struct {
	// Source is the region being read.
	Source Region
}

// Type implements Detail.
func (Read) Type() DetailType { return DetailRead }

// Sources implements Detail.
func (r Read) Sources() []Region { return []Region{r.Source} }

// Targets implements Detail. The host-side destination is not a tracked region.
func (Read) Targets() []Region { return nil }

// Copy copies Source into Target on the device.
type Copy struct {
	// Source is the region read from.
	Source Region
	// Target is the region written to.
	Target Region
}

// Type implements Detail.
func (Copy) Type() DetailType { return DetailCopy }

// Sources implements Detail.
func (c Copy) Sources() []Region { return []Region{c.Source} }

// Targets implements Detail.
func (c Copy) Targets() []Region { return []Region{c.Target} }

// Kernel invokes a compiled kernel. Every source argument's region is read
// and every target argument's region is written. ID is opaque to the graph;
// it is whatever handle the submission layer uses to address the kernel.
type Kernel struct {
	// ID addresses the kernel at the submission layer.
	ID uint64
	// SourceArgs are the argument slots the kernel reads from.
	SourceArgs []KernelArg
	// TargetArgs are the argument slots the kernel writes to.
	TargetArgs []KernelArg
}

// Type implements Detail.
func (Kernel) Type() DetailType { return DetailKernel }

// Sources implements Detail.
func (k Kernel) Sources() []Region { return argRegions(k.SourceArgs) }

// Targets implements Detail.
func (k Kernel) Targets() []Region { return argRegions(k.TargetArgs) }

// argRegions projects the region of each argument, deduplicated in first
// occurrence order. Two arguments may legally bind the same region.
func argRegions(args []KernelArg) []Region {
	if len(args) == 0 {
		return nil
	}
	out := make([]Region, 0, len(args))
	for _, a := range args {
		if !slices.Contains(out, a.Region) {
			out = append(out, a.Region)
		}
	}
	return out
}
