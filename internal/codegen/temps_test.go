package codegen

import (
	"errors"
	"testing"

	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

func TestTempPool(t *testing.T) {
	m := &ir.Method{Temps: []ir.TempSpec{{Type: ir.TypeLong, Count: 2}, {Type: ir.TypeRef, Count: 1}}}
	p := NewTempPool(m, &FrameLayout{TempOffsets: []int32{0, 8, 16}})
	if p.Len() != 3 {
		t.Fatalf("Len = %d", p.Len())
	}

	a, err := p.Acquire(ir.TypeLong)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire(ir.TypeLong)
	if err != nil {
		t.Fatal(err)
	}
	if a.Offset == b.Offset {
		t.Fatalf("two live temps share offset %d", a.Offset)
	}
	if _, err := p.Acquire(ir.TypeLong); !errors.Is(err, ErrInternal) {
		t.Fatalf("exhausted pool: err = %v", err)
	}
	if err := p.Bind(3, a); err != nil {
		t.Fatal(err)
	}
	if err := p.Bind(3, b); err == nil {
		t.Fatal("rebinding a live id succeeded")
	}
	got, err := p.Unbind(3)
	if err != nil || got != a {
		t.Fatalf("Unbind = %v, %v", got, err)
	}
	if err := p.Release(a); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(a); err == nil {
		t.Fatal("double release succeeded")
	}
	if p.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", p.InUse())
	}
}

func TestLifeDiff(t *testing.T) {
	old := ir.NewVarSet(1, 2, 70)
	cur := ir.NewVarSet(2, 3)
	dying, born := LifeDiff(old, cur)
	if !dying.Equal(ir.NewVarSet(1, 70)) {
		t.Errorf("dying = %s", dying)
	}
	if !born.Equal(ir.NewVarSet(3)) {
		t.Errorf("born = %s", born)
	}
	dying, born = LifeDiff(cur, cur)
	if !dying.IsEmpty() || !born.IsEmpty() {
		t.Errorf("no change reported %s / %s", dying, born)
	}
}

func TestRangeRecorder(t *testing.T) {
	reg := VarLocation{Reg: regset.Reg(3)}
	stack := VarLocation{Reg: regset.None, Offset: -8}

	r := newRangeRecorder()
	r.begin(1, reg, 0)
	r.begin(1, reg, 10)
	r.begin(2, stack, 5)
	r.end(2, 5)
	r.begin(2, stack, 6)
	got := r.finish(20)

	want := []VarRange{
		{Var: 1, Start: 0, End: 20, Loc: reg},
		{Var: 2, Start: 6, End: 20, Loc: stack},
	}
	if len(got) != len(want) {
		t.Fatalf("ranges = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestFatalfIsRecovered(t *testing.T) {
	run := func(fn func()) (err error) {
		defer recoverAbort(&err)
		fn()
		return nil
	}
	err := run(func() { Fatalf("slot %d", 3) })
	if !errors.Is(err, ErrInternal) || err.Error() != "codegen: internal error: slot 3" {
		t.Fatalf("err = %v", err)
	}

	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("recovered %v, want the original panic", r)
		}
	}()
	_ = run(func() { panic("boom") })
	t.Fatal("foreign panic was swallowed")
}
