// Package regset provides a value type for sets of machine registers.
//
// Register numbering is owned by each target: a Reg is only an index into the
// target's register file. Sets support at most 64 registers, which covers
// both x86-64 (16 GPR + 16 XMM) and AArch64 (32 GPR + 32 SIMD).
package regset

import (
	"math/bits"
	"strings"
)

// Reg identifies a register within a target register file.
type Reg uint8

// None marks "no register".
const None Reg = 0xFF

// MaxRegs is the number of distinct registers a Set can hold.
const MaxRegs = 64

// Valid reports whether r names a real register.
func (r Reg) Valid() bool { return r < MaxRegs }

// Set is an immutable set of registers.
type Set struct {
	bits uint64
}

// Empty is the set containing no registers.
var Empty = Set{}

// Of builds a set from the provided registers. None is ignored.
func Of(regs ...Reg) Set {
	var s Set
	for _, r := range regs {
		s = s.Add(r)
	}
	return s
}

// Range builds the set [lo, hi].
func Range(lo, hi Reg) Set {
	var s Set
	for r := lo; r <= hi && r.Valid(); r++ {
		s = s.Add(r)
	}
	return s
}

func (s Set) Add(r Reg) Set {
	if !r.Valid() {
		return s
	}
	return Set{bits: s.bits | 1<<r}
}

func (s Set) Remove(r Reg) Set {
	if !r.Valid() {
		return s
	}
	return Set{bits: s.bits &^ (1 << r)}
}

func (s Set) Has(r Reg) bool {
	return r.Valid() && s.bits&(1<<r) != 0
}

func (s Set) Union(o Set) Set        { return Set{bits: s.bits | o.bits} }
func (s Set) Intersect(o Set) Set    { return Set{bits: s.bits & o.bits} }
func (s Set) Difference(o Set) Set   { return Set{bits: s.bits &^ o.bits} }
func (s Set) Overlaps(o Set) bool    { return s.bits&o.bits != 0 }
func (s Set) ContainsAll(o Set) bool { return o.bits&^s.bits == 0 }
func (s Set) IsEmpty() bool          { return s.bits == 0 }
func (s Set) Len() int               { return bits.OnesCount64(s.bits) }

// First returns the lowest numbered register in s, or None.
func (s Set) First() Reg {
	if s.bits == 0 {
		return None
	}
	return Reg(bits.TrailingZeros64(s.bits))
}

// Regs lists the members of s in ascending order.
func (s Set) Regs() []Reg {
	out := make([]Reg, 0, s.Len())
	for b := s.bits; b != 0; b &= b - 1 {
		out = append(out, Reg(bits.TrailingZeros64(b)))
	}
	return out
}

// Each calls fn for every member in ascending order.
func (s Set) Each(fn func(Reg)) {
	for b := s.bits; b != 0; b &= b - 1 {
		fn(Reg(bits.TrailingZeros64(b)))
	}
}

// Format renders the set using the supplied register namer.
func (s Set) Format(name func(Reg) string) string {
	if s.IsEmpty() {
		return "{}"
	}
	parts := make([]string, 0, s.Len())
	s.Each(func(r Reg) { parts = append(parts, name(r)) })
	return "{" + strings.Join(parts, ",") + "}"
}

// Bits exposes the raw encoding for table serialization.
func (s Set) Bits() uint64 { return s.bits }

// FromBits is the inverse of Bits.
func FromBits(b uint64) Set { return Set{bits: b} }
