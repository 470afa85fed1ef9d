package codegen

import (
	"errors"
	"testing"

	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

// lifeMethod has one local of each home shape:
//
//	V00 ref in r1, V01 ref on the stack at -16, V02 ref in r2 that is also
//	kept in memory at -24, V03 long in r1, V04 byref in r3.
func lifeMethod(flags ir.MethodFlags) (*ir.Method, *FrameLayout) {
	m := &ir.Method{Name: "Life", Flags: flags, Locals: []*ir.LocalVar{
		{Name: "a", Type: ir.TypeRef, Regs: []regset.Reg{1}, Tracked: true, Index: 0, Parent: ir.NoParent},
		{Name: "b", Type: ir.TypeRef, Tracked: true, Index: 1, Parent: ir.NoParent},
		{Name: "c", Type: ir.TypeRef, Regs: []regset.Reg{2}, Tracked: true, Index: 2, AlwaysAliveInMemory: true, Parent: ir.NoParent},
		{Name: "d", Type: ir.TypeLong, Regs: []regset.Reg{1}, Tracked: true, Index: 3, Parent: ir.NoParent},
		{Name: "e", Type: ir.TypeByref, Regs: []regset.Reg{3}, Tracked: true, Index: 4, Parent: ir.NoParent},
	}}
	m.Link()
	f := &FrameLayout{
		homes:    []int32{noSlot, -16, -24, noSlot, noSlot},
		incoming: []int32{noSlot, noSlot, noSlot, noSlot, noSlot},
	}
	return m, f
}

func newLife(flags ir.MethodFlags) *Liveness {
	m, f := lifeMethod(flags)
	return NewLiveness(m, f, 8)
}

func TestLivenessBirthAndKill(t *testing.T) {
	for _, tt := range []struct {
		name  string
		born  []int
		ref   regset.Set
		byref regset.Set
		stack map[int32]ir.GCKind
	}{
		{name: "register ref", born: []int{0}, ref: regset.Of(1)},
		{name: "stack ref", born: []int{1}, stack: map[int32]ir.GCKind{-16: ir.GCRef}},
		{name: "register and memory", born: []int{2}, ref: regset.Of(2), stack: map[int32]ir.GCKind{-24: ir.GCRef}},
		{name: "byref", born: []int{4}, byref: regset.Of(3)},
		{name: "mixed", born: []int{0, 1, 4}, ref: regset.Of(1), byref: regset.Of(3), stack: map[int32]ir.GCKind{-16: ir.GCRef}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			l := newLife(0)
			set := ir.NewVarSet(tt.born...)
			if err := l.Birth(set); err != nil {
				t.Fatalf("Birth: %v", err)
			}
			if l.GC.Ref != tt.ref || l.GC.Byref != tt.byref {
				t.Fatalf("ref=%v byref=%v, want %v %v", l.GC.Ref.Regs(), l.GC.Byref.Regs(), tt.ref.Regs(), tt.byref.Regs())
			}
			if len(l.GC.Stack) != len(tt.stack) {
				t.Fatalf("stack = %v, want %v", l.GC.Stack, tt.stack)
			}
			for off, k := range tt.stack {
				if l.GC.Stack[off] != k {
					t.Fatalf("stack[%d] = %v, want %v", off, l.GC.Stack[off], k)
				}
			}

			if err := l.Kill(set); err != nil {
				t.Fatalf("Kill: %v", err)
			}
			if !l.GC.Live.IsEmpty() || !l.GC.Ref.IsEmpty() || !l.GC.Byref.IsEmpty() || len(l.GC.Stack) != 0 {
				t.Fatalf("roots left after Kill: %+v", l.GC)
			}
			if !l.Live().IsEmpty() {
				t.Fatalf("live set after Kill = %s", l.Live())
			}
		})
	}
}

func TestLivenessRegisterConflict(t *testing.T) {
	l := newLife(0)
	if err := l.Birth(ir.NewVarSet(0)); err != nil {
		t.Fatal(err)
	}
	if err := l.Birth(ir.NewVarSet(3)); !errors.Is(err, ErrInternal) {
		t.Fatalf("second owner of r1: err = %v, want ErrInternal", err)
	}
}

func TestLivenessCatchEntry(t *testing.T) {
	l := newLife(0)
	if err := l.Birth(ir.NewVarSet(1)); err != nil {
		t.Fatal(err)
	}
	b := &ir.Block{ID: 3, Flags: ir.FlagCatchEntry, LiveIn: ir.NewVarSet(4)}
	if err := l.StartBlock(b, regset.Reg(0)); err != nil {
		t.Fatalf("StartBlock: %v", err)
	}
	if l.GC.RegKind(0) != ir.GCRef {
		t.Fatalf("exception register is %v, want ref", l.GC.RegKind(0))
	}
	if l.GC.RegKind(3) != ir.GCByref {
		t.Fatalf("live-in byref missing")
	}
	if len(l.GC.Stack) != 0 || l.Live().Has(1) {
		t.Fatalf("state from the previous block survived: %+v", l.GC.Stack)
	}

	b.Flags = 0
	if err := l.StartBlock(b, regset.Reg(0)); err != nil {
		t.Fatal(err)
	}
	if l.GC.RegKind(0) != ir.GCNone {
		t.Fatalf("exception register reported outside a catch entry")
	}
}

func TestLivenessBornAndDying(t *testing.T) {
	n := &ir.Node{Op: ir.OpLclStore, Dst: regset.None, Change: &ir.Transition{
		Born:  ir.NewVarSet(1, 2),
		Dying: ir.NewVarSet(1),
	}}

	if _, _, err := newLife(0).NodeChange(n); !errors.Is(err, ErrInternal) {
		t.Fatalf("optimized code: err = %v, want ErrInternal", err)
	}

	dying, born, err := newLife(ir.MethodMinOpts).NodeChange(n)
	if err != nil {
		t.Fatalf("MinOpts: %v", err)
	}
	if !dying.Equal(ir.NewVarSet(1)) || !born.Equal(ir.NewVarSet(2)) {
		t.Fatalf("dying=%s born=%s", dying, born)
	}
}

func TestLivenessCallKill(t *testing.T) {
	l := newLife(0)
	if err := l.Birth(ir.NewVarSet(0)); err != nil {
		t.Fatal(err)
	}
	if err := l.Define(5, ir.GCByref); err != nil {
		t.Fatal(err)
	}
	if err := l.Define(6, ir.GCRef); err != nil {
		t.Fatal(err)
	}
	if err := l.CallKill(regset.Of(5, 6)); err != nil {
		t.Fatalf("CallKill: %v", err)
	}
	if l.GC.Ref != regset.Of(1) || !l.GC.Byref.IsEmpty() {
		t.Fatalf("ref=%v byref=%v after the call", l.GC.Ref.Regs(), l.GC.Byref.Regs())
	}
	if l.GC.Ref.Overlaps(l.GC.Byref) {
		t.Fatalf("ref and byref overlap")
	}

	if err := l.CallKill(regset.Of(1)); !errors.Is(err, ErrInternal) {
		t.Fatalf("killing a live variable's register: err = %v, want ErrInternal", err)
	}
}
