// Package unwind records the architecture-neutral unwind codes of a compiled
// method. Target packages serialize them into their native formats.
package unwind

import (
	"fmt"

	"github.com/tinyrange/jit/internal/regset"
)

// Op is an abstract prolog effect.
type Op uint8

const (
	// OpPush pushes Reg, moving the stack pointer down by one slot.
	OpPush Op = iota
	// OpAlloc moves the stack pointer down by Size bytes.
	OpAlloc
	// OpSetFP sets Reg to the stack pointer plus Size.
	OpSetFP
	// OpSave stores Reg at stack pointer plus Size.
	OpSave
	// OpSavePair stores Reg and Reg2 at stack pointer plus Size and Size+8.
	OpSavePair
	// OpSaveVector stores the 128-bit Reg at stack pointer plus Size.
	OpSaveVector
)

var opNames = [...]string{"push", "alloc", "setfp", "save", "savepair", "savevec"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Code is one prolog effect. Offset is the code offset just past the
// instruction that performs it.
type Code struct {
	Offset uint32
	Op     Op
	Reg    regset.Reg
	Reg2   regset.Reg
	Size   int32
	// Phantom codes describe frame state set up by another method; they have
	// no instruction of their own.
	Phantom bool
}

func (c Code) String() string {
	s := fmt.Sprintf("%04x %s", c.Offset, c.Op)
	switch c.Op {
	case OpPush:
		s += fmt.Sprintf(" r%d", c.Reg)
	case OpAlloc:
		s += fmt.Sprintf(" %d", c.Size)
	case OpSavePair:
		s += fmt.Sprintf(" r%d,r%d @%d", c.Reg, c.Reg2, c.Size)
	default:
		s += fmt.Sprintf(" r%d @%d", c.Reg, c.Size)
	}
	if c.Phantom {
		s += " (phantom)"
	}
	return s
}

// RegionKind distinguishes the code ranges of one method.
type RegionKind uint8

const (
	RegionMain RegionKind = iota
	RegionFunclet
	RegionCold
)

func (k RegionKind) String() string {
	switch k {
	case RegionFunclet:
		return "funclet"
	case RegionCold:
		return "cold"
	}
	return "main"
}

// Epilog is a half-open code range that tears the frame down.
type Epilog struct {
	Start, End uint32
}

// Region is a code range with its own prolog.
type Region struct {
	Kind       RegionKind
	Start, End uint32
	PrologSize uint32
	Codes      []Code
	Epilogs    []Epilog
	// Parent is the region a chained cold region borrows its codes from.
	Parent *Region
	// Blob is the target encoding, filled in after emission.
	Blob []byte
}

func (r *Region) Contains(off uint32) bool { return off >= r.Start && off < r.End }

// InEpilog reports whether off lies inside one of the region's epilogs.
func (r *Region) InEpilog(off uint32) bool {
	for _, e := range r.Epilogs {
		if off >= e.Start && off < e.End {
			return true
		}
	}
	return false
}

// FrameState is the frame described by the prolog codes executed so far.
type FrameState struct {
	// Depth is how far the stack pointer sits below its value at entry.
	Depth int32
	// Saved maps each saved register to its slot, relative to the entry
	// stack pointer.
	Saved map[regset.Reg]int32
	// FP is the frame pointer register, or regset.None.
	FP regset.Reg
	// FPDepth is the distance of the frame pointer below the entry stack
	// pointer.
	FPDepth int32
}

// StateAt replays the codes that have taken effect at off. Epilog offsets
// report the body state; runtime unwinders emulate epilogs separately.
func (r *Region) StateAt(off uint32) FrameState {
	codes, all := r.Codes, false
	if r.Parent != nil {
		codes, all = r.Parent.Codes, true
	}
	st := FrameState{Saved: make(map[regset.Reg]int32), FP: regset.None}
	for _, c := range codes {
		if !all && !c.Phantom && c.Offset > off {
			continue
		}
		switch c.Op {
		case OpPush:
			st.Depth += 8
			st.Saved[c.Reg] = -st.Depth
		case OpAlloc:
			st.Depth += c.Size
		case OpSetFP:
			st.FP = c.Reg
			st.FPDepth = st.Depth - c.Size
		case OpSave, OpSaveVector:
			st.Saved[c.Reg] = -st.Depth + c.Size
		case OpSavePair:
			st.Saved[c.Reg] = -st.Depth + c.Size
			st.Saved[c.Reg2] = -st.Depth + c.Size + 8
		}
	}
	return st
}

// Builder collects regions while code is emitted.
type Builder struct {
	regions []*Region
	cur     *Region
}

// Reset discards everything recorded.
func (b *Builder) Reset() {
	b.regions = nil
	b.cur = nil
}

// Begin opens a region at start, closing the current one there.
func (b *Builder) Begin(kind RegionKind, start int) *Region {
	if b.cur != nil {
		b.cur.End = uint32(start)
	}
	r := &Region{Kind: kind, Start: uint32(start), End: uint32(start)}
	if kind == RegionCold && len(b.regions) > 0 {
		r.Parent = b.regions[0]
	}
	b.regions = append(b.regions, r)
	b.cur = r
	return r
}

// Current returns the open region.
func (b *Builder) Current() *Region { return b.cur }

// Add appends a code to the open region.
func (b *Builder) Add(c Code) error {
	if b.cur == nil {
		return fmt.Errorf("unwind: code %s outside any region", c)
	}
	if n := len(b.cur.Codes); n > 0 && !c.Phantom && c.Offset < b.cur.Codes[n-1].Offset {
		return fmt.Errorf("unwind: code %s out of order", c)
	}
	b.cur.Codes = append(b.cur.Codes, c)
	return nil
}

// EndProlog records the prolog size of the open region.
func (b *Builder) EndProlog(off int) {
	if b.cur != nil {
		b.cur.PrologSize = uint32(off) - b.cur.Start
	}
}

// Epilog records an epilog of the open region.
func (b *Builder) Epilog(start, end int) {
	if b.cur != nil {
		b.cur.Epilogs = append(b.cur.Epilogs, Epilog{Start: uint32(start), End: uint32(end)})
	}
}

// Finish closes the open region at end.
func (b *Builder) Finish(end int) []*Region {
	if b.cur != nil {
		b.cur.End = uint32(end)
		b.cur = nil
	}
	return b.regions
}

func (b *Builder) Regions() []*Region { return b.regions }
