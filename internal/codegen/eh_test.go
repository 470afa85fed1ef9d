package codegen

import (
	"testing"

	"github.com/tinyrange/jit/internal/ir"
)

func nestedFinallyMethod() *ir.Method {
	m := &ir.Method{Name: "Nested"}
	for i := 0; i < 8; i++ {
		m.Blocks = append(m.Blocks, &ir.Block{ID: i, Kind: ir.JumpNone})
	}
	bb := m.Blocks
	bb[3].Kind, bb[3].Flags = ir.JumpEHCatchRet, ir.FlagFuncletBegin
	bb[3].Target = bb[4]
	bb[5].Kind, bb[5].Flags = ir.JumpEHFinallyRet, ir.FlagFuncletBegin
	bb[6].Kind, bb[6].Target = ir.JumpCallFinally, bb[5]
	bb[7].Kind, bb[7].Target = ir.JumpCallFinallyRet, bb[0]
	m.EH = ir.EHTable{
		{Kind: ir.HandlerCatch, TryBegin: bb[1], TryLast: bb[2], HandlerBegin: bb[3], HandlerLast: bb[3], EnclosingTry: 1, EnclosingHandler: ir.NoEnclosing},
		{Kind: ir.HandlerFinally, TryBegin: bb[0], TryLast: bb[4], HandlerBegin: bb[5], HandlerLast: bb[5], EnclosingTry: ir.NoEnclosing, EnclosingHandler: ir.NoEnclosing},
	}
	m.Link()
	return m
}

func TestBuildEHTableDuplicatesAndClones(t *testing.T) {
	m := nestedFinallyMethod()
	start := func(b *ir.Block) uint32 { return uint32(b.ID * 10) }
	got, err := BuildEHTable(m, start, 80)
	if err != nil {
		t.Fatalf("BuildEHTable: %v", err)
	}
	want := []NativeEHClause{
		{Flags: 0, TryStart: 10, TryEnd: 30, HandlerStart: 30, HandlerEnd: 40},
		{Flags: EHFinally, TryStart: 0, TryEnd: 50, HandlerStart: 50, HandlerEnd: 60},
		// the catch funclet is still covered by the outer finally
		{Flags: EHFinally | EHDuplicate, TryStart: 30, TryEnd: 40, HandlerStart: 50, HandlerEnd: 60},
		// call-finally pair clone
		{Flags: EHFinally | EHDuplicate, TryStart: 60, TryEnd: 60, HandlerStart: 60, HandlerEnd: 80},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d clauses, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("clause %d = %s, want %s", i, got[i], want[i])
		}
	}
	if n := len(m.EH) + countDuplicates(m.EH) + countCallFinally(m); n != len(got) {
		t.Fatalf("count mismatch: %d vs %d", n, len(got))
	}
}

func TestBuildEHTableSameTry(t *testing.T) {
	m := &ir.Method{Name: "Siblings"}
	for i := 0; i < 4; i++ {
		m.Blocks = append(m.Blocks, &ir.Block{ID: i, Kind: ir.JumpNone})
	}
	bb := m.Blocks
	bb[3].Kind = ir.JumpReturn
	m.EH = ir.EHTable{
		{Kind: ir.HandlerCatch, ClassToken: 7, TryBegin: bb[0], TryLast: bb[0], HandlerBegin: bb[1], HandlerLast: bb[1], EnclosingTry: ir.NoEnclosing, EnclosingHandler: ir.NoEnclosing},
		{Kind: ir.HandlerCatch, ClassToken: 9, TryBegin: bb[0], TryLast: bb[0], HandlerBegin: bb[2], HandlerLast: bb[2], EnclosingTry: ir.NoEnclosing, EnclosingHandler: ir.NoEnclosing},
	}
	m.Link()
	got, err := BuildEHTable(m, func(b *ir.Block) uint32 { return uint32(b.ID * 4) }, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if got[0].Flags&EHSameTry != 0 || got[1].Flags&EHSameTry == 0 {
		t.Fatalf("same-try flags: %s, %s", got[0].Flags, got[1].Flags)
	}
	if got[1].ClassToken != 9 {
		t.Fatalf("class token = %d", got[1].ClassToken)
	}
}
