package asm

import (
	"errors"
	"testing"
)

type bufferContext struct {
	code   []byte
	labels map[Label]int
}

func newBufferContext() *bufferContext {
	return &bufferContext{labels: make(map[Label]int)}
}

func (b *bufferContext) EmitBytes(data []byte) { b.code = append(b.code, data...) }
func (b *bufferContext) Offset() int           { return len(b.code) }

func (b *bufferContext) GetLabel(label Label) (int, bool) {
	off, ok := b.labels[label]
	return off, ok
}

func (b *bufferContext) SetLabel(label Label) { b.labels[label] = len(b.code) }

type rawBytes []byte

func (r rawBytes) Emit(ctx Context) error {
	ctx.EmitBytes(r)
	return nil
}

func TestGroupEmitsInOrderAndHooksSeeOffsets(t *testing.T) {
	var seen []int
	record := Hook(func(off int) error {
		seen = append(seen, off)
		return nil
	})
	ctx := newBufferContext()
	err := Group{
		record,
		rawBytes{0x90, 0x90},
		MarkLabel("mid"),
		nil,
		record,
		rawBytes{0xC3},
		record,
	}.Emit(ctx)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got, want := len(ctx.code), 3; got != want {
		t.Fatalf("len=%d, want %d", got, want)
	}
	if off, ok := ctx.GetLabel("mid"); !ok || off != 2 {
		t.Fatalf("label mid at %d (%v), want 2", off, ok)
	}
	if len(seen) != 3 || seen[0] != 0 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("hook offsets=%v, want [0 2 3]", seen)
	}
}

func TestMarkLabelTwiceFails(t *testing.T) {
	ctx := newBufferContext()
	err := Group{MarkLabel("a"), MarkLabel("a")}.Emit(ctx)
	if err == nil {
		t.Fatalf("redefining a label should fail")
	}
}

func TestHookErrorStopsGroup(t *testing.T) {
	boom := errors.New("boom")
	ctx := newBufferContext()
	err := Group{
		Hook(func(int) error { return boom }),
		rawBytes{0x90},
	}.Emit(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if len(ctx.code) != 0 {
		t.Fatalf("fragment after failing hook was emitted")
	}
}

func TestProgramLabelsSorted(t *testing.T) {
	p := NewProgram([]byte{1, 2, 3}, &Layout{Labels: map[Label]int{"b": 2, "a": 0, "c": 2}})
	got := p.Labels()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("Labels=%v", got)
	}
	if off, ok := p.LabelOffset("c"); !ok || off != 2 {
		t.Fatalf("LabelOffset(c)=%d,%v", off, ok)
	}
	var nilLayout *Layout
	if _, ok := nilLayout.Branch(0); ok {
		t.Fatalf("nil layout reported a branch")
	}
}
