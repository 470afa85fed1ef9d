// Package gcinfo tracks which registers and stack slots hold GC pointers
// while code is generated, and encodes the result for the runtime.
package gcinfo

import (
	"fmt"
	"maps"
	"slices"

	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

// State is the GC root set at one native offset.
//
// Ref and Byref are disjoint and both are subsets of Live.
type State struct {
	// Live holds registers occupied by values the code generator tracks.
	Live  regset.Set
	Ref   regset.Set
	Byref regset.Set
	// Stack maps frame offsets of live tracked slots to their kind.
	Stack map[int32]ir.GCKind
}

func NewState() *State {
	return &State{Stack: make(map[int32]ir.GCKind)}
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	return &State{
		Live:  s.Live,
		Ref:   s.Ref,
		Byref: s.Byref,
		Stack: maps.Clone(s.Stack),
	}
}

// Reset empties the state.
func (s *State) Reset() {
	s.Live, s.Ref, s.Byref = regset.Set{}, regset.Set{}, regset.Set{}
	clear(s.Stack)
}

// MarkReg records that r now holds a value of the given kind.
func (s *State) MarkReg(r regset.Reg, kind ir.GCKind) {
	s.Live = s.Live.Add(r)
	s.Ref = s.Ref.Remove(r)
	s.Byref = s.Byref.Remove(r)
	switch kind {
	case ir.GCRef:
		s.Ref = s.Ref.Add(r)
	case ir.GCByref:
		s.Byref = s.Byref.Add(r)
	}
}

// KillReg removes r from the live set and both GC masks.
func (s *State) KillReg(r regset.Reg) {
	s.Live = s.Live.Remove(r)
	s.Ref = s.Ref.Remove(r)
	s.Byref = s.Byref.Remove(r)
}

// KillRegs is KillReg over a set.
func (s *State) KillRegs(set regset.Set) {
	s.Live = s.Live.Difference(set)
	s.Ref = s.Ref.Difference(set)
	s.Byref = s.Byref.Difference(set)
}

// RegKind reports the kind recorded for r.
func (s *State) RegKind(r regset.Reg) ir.GCKind {
	switch {
	case s.Ref.Has(r):
		return ir.GCRef
	case s.Byref.Has(r):
		return ir.GCByref
	}
	return ir.GCNone
}

// SetStack marks a frame slot live with the given kind. GCNone clears it.
func (s *State) SetStack(off int32, kind ir.GCKind) {
	if kind == ir.GCNone {
		delete(s.Stack, off)
		return
	}
	s.Stack[off] = kind
}

func (s *State) ClearStack(off int32) { delete(s.Stack, off) }

// Slots lists the live stack slots ordered by offset.
func (s *State) Slots() []Slot {
	out := make([]Slot, 0, len(s.Stack))
	for _, off := range slices.Sorted(maps.Keys(s.Stack)) {
		out = append(out, Slot{Offset: off, Kind: s.Stack[off]})
	}
	return out
}

// Equal reports whether two states describe the same root set.
func (s *State) Equal(o *State) bool {
	return s.Live == o.Live && s.Ref == o.Ref && s.Byref == o.Byref && maps.Equal(s.Stack, o.Stack)
}

// Check verifies the mask invariants.
func (s *State) Check() error {
	if s.Ref.Overlaps(s.Byref) {
		return fmt.Errorf("gcinfo: registers %v are both ref and byref", s.Ref.Intersect(s.Byref).Regs())
	}
	if gc := s.Ref.Union(s.Byref); !s.Live.ContainsAll(gc) {
		return fmt.Errorf("gcinfo: gc registers %v are not live", gc.Difference(s.Live).Regs())
	}
	return nil
}

// Slot is a GC-tracked frame location.
type Slot struct {
	Offset int32
	Kind   ir.GCKind
}
