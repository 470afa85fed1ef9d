package regset

import (
	"fmt"
	"reflect"
	"testing"
)

func TestSetOperations(t *testing.T) {
	a := Of(0, 2, 5)
	b := Of(2, 3)

	if got, want := a.Union(b).Regs(), []Reg{0, 2, 3, 5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Union = %v, want %v", got, want)
	}
	if got, want := a.Intersect(b).Regs(), []Reg{2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Intersect = %v, want %v", got, want)
	}
	if got, want := a.Difference(b).Regs(), []Reg{0, 5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Difference = %v, want %v", got, want)
	}
	if !a.Overlaps(b) {
		t.Fatalf("expected overlap")
	}
	if a.ContainsAll(b) {
		t.Fatalf("a should not contain b")
	}
	if got := a.First(); got != 0 {
		t.Fatalf("First = %d, want 0", got)
	}
	if got := Empty.First(); got != None {
		t.Fatalf("First of empty = %d, want None", got)
	}
}

func TestSetIgnoresNone(t *testing.T) {
	s := Of(None, 1)
	if s.Len() != 1 || !s.Has(1) || s.Has(None) {
		t.Fatalf("unexpected set %v", s.Regs())
	}
	if s.Remove(None) != s {
		t.Fatalf("Remove(None) changed the set")
	}
}

func TestRangeAndFormat(t *testing.T) {
	s := Range(60, 63)
	if s.Len() != 4 {
		t.Fatalf("Range len = %d, want 4", s.Len())
	}
	got := Of(1, 3).Format(func(r Reg) string { return fmt.Sprintf("r%d", r) })
	if got != "{r1,r3}" {
		t.Fatalf("Format = %q", got)
	}
	if FromBits(s.Bits()) != s {
		t.Fatalf("FromBits round trip mismatch")
	}
}
