package gcinfo

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

func TestStateMasks(t *testing.T) {
	s := NewState()
	s.MarkReg(1, ir.GCRef)
	s.MarkReg(2, ir.GCByref)
	s.MarkReg(3, ir.GCNone)
	if err := s.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	// Retyping a register moves it between masks.
	s.MarkReg(1, ir.GCByref)
	if s.Ref.Has(1) || !s.Byref.Has(1) {
		t.Fatalf("register 1 not retyped: ref=%v byref=%v", s.Ref.Regs(), s.Byref.Regs())
	}
	s.KillReg(1)
	if s.Live.Has(1) || s.Byref.Has(1) {
		t.Fatalf("killed register still tracked")
	}
	s.KillRegs(regset.Of(2, 3))
	if !s.Live.IsEmpty() || !s.Byref.IsEmpty() {
		t.Fatalf("KillRegs left %v", s.Live.Regs())
	}
}

func TestStateInvariantUnderRandomOps(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	s := NewState()
	for i := 0; i < 5000; i++ {
		reg := regset.Reg(r.Intn(16))
		switch r.Intn(4) {
		case 0:
			s.MarkReg(reg, ir.GCKind(r.Intn(3)))
		case 1:
			s.KillReg(reg)
		case 2:
			s.KillRegs(regset.Range(reg, reg+regset.Reg(r.Intn(4))))
		case 3:
			s.SetStack(int32(r.Intn(8)*8), ir.GCKind(r.Intn(3)))
		}
		if err := s.Check(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestCheckDetectsViolations(t *testing.T) {
	s := NewState()
	s.Ref = regset.Of(4)
	if err := s.Check(); err == nil {
		t.Fatalf("ref register outside live set passed")
	}
	s.Live = regset.Of(4)
	s.Byref = regset.Of(4)
	if err := s.Check(); err == nil {
		t.Fatalf("overlapping masks passed")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewState()
	s.SetStack(16, ir.GCRef)
	c := s.Clone()
	s.ClearStack(16)
	if _, ok := c.Stack[16]; !ok {
		t.Fatalf("clone shares stack map")
	}
	if s.Equal(c) {
		t.Fatalf("states should differ")
	}
}

func TestFullyInterruptibleFoldsRepeats(t *testing.T) {
	rec := NewRecorder(FullyInterruptible)
	s := NewState()
	rec.Transition(0, s)
	s.MarkReg(0, ir.GCRef)
	rec.Transition(4, s)
	rec.Transition(6, s)
	s.KillReg(0)
	rec.Transition(9, s)
	// Replacing the state at 9 with the same roots as offset 4 folds it away.
	s.MarkReg(0, ir.GCRef)
	rec.Transition(9, s)
	got := rec.Entries()
	if len(got) != 2 || got[0].Offset != 0 || got[1].Offset != 4 {
		t.Fatalf("entries = %+v", got)
	}
}

func TestPartiallyInterruptibleKeepsSafepointsOnly(t *testing.T) {
	rec := NewRecorder(PartiallyInterruptible)
	s := NewState()
	s.MarkReg(3, ir.GCRef)
	rec.Transition(2, s)
	rec.Safepoint(10, s)
	rec.Safepoint(20, s)
	if got := rec.Entries(); len(got) != 2 || got[0].Offset != 10 || got[1].Offset != 20 {
		t.Fatalf("entries = %+v", got)
	}
}

func TestEncodeDecode(t *testing.T) {
	rec := NewRecorder(FullyInterruptible)
	rec.AddUntracked(Slot{Offset: 8, Kind: ir.GCRef})
	s := NewState()
	rec.Transition(0, s)
	s.MarkReg(1, ir.GCRef)
	s.MarkReg(2, ir.GCByref)
	s.SetStack(-16, ir.GCRef)
	s.SetStack(24, ir.GCByref)
	rec.Transition(5, s)
	s.KillReg(1)
	rec.Transition(12, s)

	data := rec.Encode(40, 5)
	info, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info.Mode != FullyInterruptible || info.CodeLength != 40 || info.PrologSize != 5 {
		t.Fatalf("header = %+v", info)
	}
	if len(info.Untracked) != 1 || info.Untracked[0] != (Slot{Offset: 8, Kind: ir.GCRef}) {
		t.Fatalf("untracked = %+v", info.Untracked)
	}
	if len(info.Entries) != 3 {
		t.Fatalf("entries = %+v", info.Entries)
	}
	e := info.Entries[1]
	if e.Offset != 5 || !e.Ref.Has(1) || !e.Byref.Has(2) || len(e.Stack) != 2 || e.Stack[0].Offset != -16 {
		t.Fatalf("entry 1 = %+v", e)
	}
	if !bytes.Equal(data, rec.Encode(40, 5)) {
		t.Fatalf("encoding is not deterministic")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	rec := NewRecorder(PartiallyInterruptible)
	s := NewState()
	s.SetStack(8, ir.GCRef)
	rec.Safepoint(3, s)
	data := rec.Encode(10, 1)
	for i := 0; i < len(data); i++ {
		if _, err := Decode(data[:i]); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("Decode of %d bytes: err = %v", i, err)
		}
	}
}

func TestTableLookup(t *testing.T) {
	info := &Info{
		Mode: FullyInterruptible,
		Entries: []Entry{
			{Offset: 0},
			{Offset: 4, Ref: regset.Of(1)},
			{Offset: 10, Byref: regset.Of(2)},
		},
	}
	tbl := NewTable(info)
	for _, tt := range []struct {
		off  uint32
		want uint32
	}{{0, 0}, {3, 0}, {4, 4}, {9, 4}, {10, 10}, {100, 10}} {
		e, ok := tbl.At(tt.off)
		if !ok || e.Offset != tt.want {
			t.Fatalf("At(%d) = %d, %v; want %d", tt.off, e.Offset, ok, tt.want)
		}
	}

	info.Mode = PartiallyInterruptible
	tbl = NewTable(info)
	if _, ok := tbl.At(5); ok {
		t.Fatalf("partially interruptible table answered between safepoints")
	}
	if e, ok := tbl.At(10); !ok || !e.Byref.Has(2) {
		t.Fatalf("At(10) = %+v, %v", e, ok)
	}
	if got := tbl.Safepoints(); len(got) != 3 || got[2] != 10 {
		t.Fatalf("Safepoints = %v", got)
	}
}
