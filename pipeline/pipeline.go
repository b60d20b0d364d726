// Package pipeline loads stream descriptions from HCL files.
//
// A description names an arena, the regions carved from it, and the command
// sequence of one stream. Region ids are assigned in declaration order and
// exposed to command blocks as region.<name>:
//
//	arena {
//	    size  = 1048576
//	    align = 256
//	}
//
//	region "input"  { size = 65536 }
//	region "factor" { size = 256 }
//	region "output" { size = 65536 }
//
//	command "write" "upload" { target = region.input }
//	command "kernel" "scale" {
//	    kernel  = "scale_u32"
//	    sources = [region.input, region.factor]
//	    targets = [region.output]
//	}
//	command "read" "download" { source = region.output }
//
// Build assembles the description into a frozen gpustream.Stream backed by
// a bufpool arena, ready to run.
package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/gogpu/gpustream/graph"
)

// Description errors.
var (
	// ErrNoArena is returned when a description has no arena block.
	ErrNoArena = errors.New("pipeline: description has no arena block")

	// ErrNoCommands is returned when a description has no command blocks.
	ErrNoCommands = errors.New("pipeline: description has no command blocks")

	// ErrDuplicateRegion is returned when two region blocks share a name.
	ErrDuplicateRegion = errors.New("pipeline: duplicate region name")

	// ErrDuplicateCommand is returned when two command blocks share a name.
	ErrDuplicateCommand = errors.New("pipeline: duplicate command name")

	// ErrUnknownCommandType is returned for a command label outside
	// fill, write, read, copy, kernel.
	ErrUnknownCommandType = errors.New("pipeline: unknown command type")

	// ErrBadPattern is returned when a fill pattern holds values outside
	// the byte range.
	ErrBadPattern = errors.New("pipeline: fill pattern value out of byte range")
)

// ArenaRegion is the region id the arena itself is created under. Named
// regions are sub-regions of it, ids 1..N in declaration order.
const ArenaRegion graph.Region = 0

// Arena describes the backing allocation of a description.
type Arena struct {
	Size  uint64
	Align uint64
}

// RegionDef is one named region of a description.
type RegionDef struct {
	Name string
	Size uint64
	ID   graph.Region
}

// Command is one decoded command block. Fields beyond Type and Name are
// populated per type; region references are already resolved to ids.
type Command struct {
	Type string
	Name string

	Target graph.Region // fill, write, copy
	Source graph.Region // read, copy

	Pattern []byte // fill

	Size uint64 // read; zero means whole region

	Kernel  string         // kernel
	Groups  [3]uint32      // kernel; zero value means derive from targets
	Sources []graph.Region // kernel
	Targets []graph.Region // kernel
}

// Desc is one parsed stream description.
type Desc struct {
	Arena    Arena
	Regions  []RegionDef
	Commands []Command
}

// Region returns the id of a named region.
func (d *Desc) Region(name string) (graph.Region, bool) {
	for _, r := range d.Regions {
		if r.Name == name {
			return r.ID, true
		}
	}
	return 0, false
}

// HCL decode targets. Command bodies stay undecoded until the region ids
// are known, then decode per type against the eval context.

type hclDoc struct {
	Arena    *hclArena    `hcl:"arena,block"`
	Regions  []hclRegion  `hcl:"region,block"`
	Commands []hclCommand `hcl:"command,block"`
}

type hclArena struct {
	Size  uint64  `hcl:"size"`
	Align *uint64 `hcl:"align"`
}

type hclRegion struct {
	Name string `hcl:"name,label"`
	Size uint64 `hcl:"size"`
}

type hclCommand struct {
	Type string   `hcl:"type,label"`
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

type hclFill struct {
	Target  uint32   `hcl:"target"`
	Pattern []uint32 `hcl:"pattern"`
}

type hclWrite struct {
	Target uint32 `hcl:"target"`
}

type hclRead struct {
	Source uint32  `hcl:"source"`
	Size   *uint64 `hcl:"size"`
}

type hclCopy struct {
	Source uint32 `hcl:"source"`
	Target uint32 `hcl:"target"`
}

type hclKernel struct {
	Kernel  string    `hcl:"kernel"`
	Groups  *[]uint32 `hcl:"groups"`
	Sources []uint32  `hcl:"sources"`
	Targets []uint32  `hcl:"targets"`
}

// Load parses a description file.
func Load(path string) (*Desc, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("pipeline: parse %s: %w", path, diags)
	}
	return decode(file)
}

// Parse parses a description from memory. filename is used in diagnostics
// only.
func Parse(src []byte, filename string) (*Desc, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("pipeline: parse %s: %w", filename, diags)
	}
	return decode(file)
}

func decode(file *hcl.File) (*Desc, error) {
	var doc hclDoc
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, fmt.Errorf("pipeline: decode: %w", diags)
	}
	if doc.Arena == nil {
		return nil, ErrNoArena
	}
	if len(doc.Commands) == 0 {
		return nil, ErrNoCommands
	}

	desc := &Desc{Arena: Arena{Size: doc.Arena.Size}}
	if doc.Arena.Align != nil {
		desc.Arena.Align = *doc.Arena.Align
	}

	// Region ids follow declaration order, starting after the arena's.
	regionIDs := make(map[string]cty.Value, len(doc.Regions))
	for i, r := range doc.Regions {
		if _, ok := regionIDs[r.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRegion, r.Name)
		}
		id := ArenaRegion + 1 + graph.Region(i)
		regionIDs[r.Name] = cty.NumberUIntVal(uint64(id))
		desc.Regions = append(desc.Regions, RegionDef{Name: r.Name, Size: r.Size, ID: id})
	}

	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"region": regionObject(regionIDs),
		},
	}

	names := make(map[string]bool, len(doc.Commands))
	for _, c := range doc.Commands {
		if names[c.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateCommand, c.Name)
		}
		names[c.Name] = true

		cmd, err := decodeCommand(c, ctx)
		if err != nil {
			return nil, err
		}
		desc.Commands = append(desc.Commands, cmd)
	}
	return desc, nil
}

// regionObject builds the region.<name> namespace. cty objects want a
// stable attribute order, so the map goes in sorted.
func regionObject(ids map[string]cty.Value) cty.Value {
	if len(ids) == 0 {
		return cty.EmptyObjectVal
	}
	keys := make([]string, 0, len(ids))
	for k := range ids {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make(map[string]cty.Value, len(ids))
	for _, k := range keys {
		attrs[k] = ids[k]
	}
	return cty.ObjectVal(attrs)
}

func decodeCommand(c hclCommand, ctx *hcl.EvalContext) (Command, error) {
	cmd := Command{Type: c.Type, Name: c.Name}

	fail := func(diags hcl.Diagnostics) (Command, error) {
		return Command{}, fmt.Errorf("pipeline: command %q (%s): %w", c.Name, c.Type, diags)
	}

	switch c.Type {
	case "fill":
		var b hclFill
		if diags := gohcl.DecodeBody(c.Body, ctx, &b); diags.HasErrors() {
			return fail(diags)
		}
		cmd.Target = graph.Region(b.Target)
		cmd.Pattern = make([]byte, len(b.Pattern))
		for i, v := range b.Pattern {
			if v > 0xFF {
				return Command{}, fmt.Errorf("%w: %d in command %q", ErrBadPattern, v, c.Name)
			}
			cmd.Pattern[i] = byte(v)
		}

	case "write":
		var b hclWrite
		if diags := gohcl.DecodeBody(c.Body, ctx, &b); diags.HasErrors() {
			return fail(diags)
		}
		cmd.Target = graph.Region(b.Target)

	case "read":
		var b hclRead
		if diags := gohcl.DecodeBody(c.Body, ctx, &b); diags.HasErrors() {
			return fail(diags)
		}
		cmd.Source = graph.Region(b.Source)
		if b.Size != nil {
			cmd.Size = *b.Size
		}

	case "copy":
		var b hclCopy
		if diags := gohcl.DecodeBody(c.Body, ctx, &b); diags.HasErrors() {
			return fail(diags)
		}
		cmd.Source = graph.Region(b.Source)
		cmd.Target = graph.Region(b.Target)

	case "kernel":
		var b hclKernel
		if diags := gohcl.DecodeBody(c.Body, ctx, &b); diags.HasErrors() {
			return fail(diags)
		}
		cmd.Kernel = b.Kernel
		if b.Groups != nil {
			g := *b.Groups
			if len(g) != 3 {
				return Command{}, fmt.Errorf("pipeline: command %q: groups needs 3 elements, got %d", c.Name, len(g))
			}
			cmd.Groups = [3]uint32{g[0], g[1], g[2]}
		}
		for _, r := range b.Sources {
			cmd.Sources = append(cmd.Sources, graph.Region(r))
		}
		for _, r := range b.Targets {
			cmd.Targets = append(cmd.Targets, graph.Region(r))
		}

	default:
		return Command{}, fmt.Errorf("%w: %q in command %q", ErrUnknownCommandType, c.Type, c.Name)
	}
	return cmd, nil
}
