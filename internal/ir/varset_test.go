package ir

import "testing"

func TestVarSetOperations(t *testing.T) {
	a := NewVarSet(1, 3, 70)
	b := NewVarSet(3, 4)

	if !a.Has(70) || a.Has(2) {
		t.Fatalf("Has mismatch for %s", a)
	}
	if got, want := a.Union(b).String(), "{V1 V3 V4 V70}"; got != want {
		t.Fatalf("Union=%s, want %s", got, want)
	}
	if got, want := a.Intersect(b).String(), "{V3}"; got != want {
		t.Fatalf("Intersect=%s, want %s", got, want)
	}
	if got, want := a.Difference(b).String(), "{V1 V70}"; got != want {
		t.Fatalf("Difference=%s, want %s", got, want)
	}
	if got := a.Len(); got != 3 {
		t.Fatalf("Len=%d, want 3", got)
	}
}

func TestVarSetImmutable(t *testing.T) {
	a := NewVarSet(2)
	b := a.With(5)
	if a.Has(5) {
		t.Fatalf("With mutated the receiver: %s", a)
	}
	c := b.Without(2)
	if !b.Has(2) || c.Has(2) {
		t.Fatalf("Without mismatch: b=%s c=%s", b, c)
	}
}

func TestVarSetEqualIgnoresTrailingWords(t *testing.T) {
	a := NewVarSet(1, 100).Without(100)
	b := NewVarSet(1)
	if !a.Equal(b) || !b.Equal(a) {
		t.Fatalf("%s and %s should be equal", a, b)
	}
	if !NewVarSet(64).Without(64).IsEmpty() {
		t.Fatalf("emptied set reports non-empty")
	}
}
