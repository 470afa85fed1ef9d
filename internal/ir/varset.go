package ir

import (
	"math/bits"
	"strconv"
	"strings"
)

// VarSet is a set of tracked-variable indices. Operations never mutate their
// receiver, so a VarSet can be shared freely once built.
type VarSet struct {
	words []uint64
}

// NewVarSet builds a set from the listed indices.
func NewVarSet(indices ...int) VarSet {
	var s VarSet
	for _, i := range indices {
		s = s.With(i)
	}
	return s
}

func (s VarSet) Has(i int) bool {
	w := i / 64
	return i >= 0 && w < len(s.words) && s.words[w]&(1<<(uint(i)%64)) != 0
}

func (s VarSet) With(i int) VarSet {
	if i < 0 {
		return s
	}
	w := i / 64
	n := len(s.words)
	if w >= n {
		n = w + 1
	}
	out := make([]uint64, n)
	copy(out, s.words)
	out[w] |= 1 << (uint(i) % 64)
	return VarSet{words: out}
}

func (s VarSet) Without(i int) VarSet {
	if !s.Has(i) {
		return s
	}
	out := append([]uint64(nil), s.words...)
	out[i/64] &^= 1 << (uint(i) % 64)
	return VarSet{words: out}.trim()
}

func (s VarSet) combine(o VarSet, op func(a, b uint64) uint64) VarSet {
	n := max(len(s.words), len(o.words))
	out := make([]uint64, n)
	for i := range out {
		var a, b uint64
		if i < len(s.words) {
			a = s.words[i]
		}
		if i < len(o.words) {
			b = o.words[i]
		}
		out[i] = op(a, b)
	}
	return VarSet{words: out}.trim()
}

func (s VarSet) Union(o VarSet) VarSet {
	return s.combine(o, func(a, b uint64) uint64 { return a | b })
}

func (s VarSet) Intersect(o VarSet) VarSet {
	return s.combine(o, func(a, b uint64) uint64 { return a & b })
}

func (s VarSet) Difference(o VarSet) VarSet {
	return s.combine(o, func(a, b uint64) uint64 { return a &^ b })
}

func (s VarSet) Equal(o VarSet) bool {
	a, b := s.trim(), o.trim()
	if len(a.words) != len(b.words) {
		return false
	}
	for i := range a.words {
		if a.words[i] != b.words[i] {
			return false
		}
	}
	return true
}

func (s VarSet) IsEmpty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

func (s VarSet) Len() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Each visits members in ascending order.
func (s VarSet) Each(fn func(int)) {
	for wi, w := range s.words {
		for ; w != 0; w &= w - 1 {
			fn(wi*64 + bits.TrailingZeros64(w))
		}
	}
}

func (s VarSet) Indices() []int {
	out := make([]int, 0, s.Len())
	s.Each(func(i int) { out = append(out, i) })
	return out
}

func (s VarSet) String() string {
	parts := make([]string, 0, s.Len())
	s.Each(func(i int) { parts = append(parts, "V"+strconv.Itoa(i)) })
	return "{" + strings.Join(parts, " ") + "}"
}

func (s VarSet) trim() VarSet {
	n := len(s.words)
	for n > 0 && s.words[n-1] == 0 {
		n--
	}
	if n == 0 {
		return VarSet{}
	}
	return VarSet{words: s.words[:n]}
}
