package arm64

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
)

func encode(frag asm.Fragment) ([]byte, error) {
	ctx := NewContext()
	if err := frag.Emit(ctx); err != nil {
		return nil, err
	}
	prog, err := ctx.Finish()
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

func words(t *testing.T, frag asm.Fragment) []uint32 {
	t.Helper()
	code, err := encode(frag)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(code)%4 != 0 {
		t.Fatalf("code length %d is not a multiple of 4", len(code))
	}
	out := make([]uint32, len(code)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return out
}

func expectWords(t *testing.T, frag asm.Fragment, want ...uint32) {
	t.Helper()
	got := words(t, frag)
	if len(got) != len(want) {
		t.Fatalf("got %d words %08x, want %08x", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("word %d = %08x, want %08x", i, got[i], want[i])
		}
	}
}

func TestEncodings(t *testing.T) {
	sp := Reg64(SP)
	tests := []struct {
		name string
		frag asm.Fragment
		want []uint32
	}{
		{"stp fp lr pre", StorePair(Reg64(FP), Reg64(LR), Mem(sp).WithDisp(-16), PreIndex), []uint32{0xA9BF7BFD}},
		{"ldp fp lr post", LoadPair(Reg64(FP), Reg64(LR), Mem(sp).WithDisp(16), PostIndex), []uint32{0xA8C17BFD}},
		{"mov fp sp", MovReg(Reg64(FP), sp), []uint32{0x910003FD}},
		{"sub sp", SubImm(sp, sp, 0x20), []uint32{0xD10083FF}},
		{"sub sp shifted", SubImm(sp, sp, 0x2000), []uint32{0xD1400BFF}},
		{"str x19", Store(Mem(sp).WithDisp(16), Reg64(X19)), []uint32{0xF9000BF3}},
		{"ldr d8", Load(D(V8), Mem(sp).WithDisp(8)), []uint32{0xFD4007E8}},
		{"stur negative", Store(Mem(Reg64(FP)).WithDisp(-8), Reg64(X0)), []uint32{0xF81F83A0}},
		{"stp xzr post", StorePair(Reg64(XZR), Reg64(XZR), Mem(Reg64(X9)).WithDisp(16), PostIndex), []uint32{0xA8817D3F}},
		{"subs", SubsImm(Reg64(X10), Reg64(X10), 16), []uint32{0xF100414A}},
		{"brk", Brk(0), []uint32{0xD4200000}},
		{"ins s lane", InsLane(S(V0), 1, S(V1), 0), []uint32{0x6E0C0420}},
		{"fmov d", Fmov(D(V0), D(V1)), []uint32{0x1E604020}},
		{"fmov d from x", Fmov(D(V0), Reg64(X1)), []uint32{0x9E670020}},
		{"blr x16", CallReg(Reg64(X16)), []uint32{0xD63F0200}},
		{"movz movk", MovImmediate(Reg64(X16), 0x12340000ABCD), []uint32{0xD29579B0, 0xF2C24690}},
		{"mov zero", MovImmediate(Reg64(X1), 0), []uint32{0xD2800001}},
		{"ret", Ret(), []uint32{0xD65F03C0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectWords(t, tt.frag, tt.want...)
		})
	}
}

func TestLabelPatches(t *testing.T) {
	back := asm.Label("back")
	expectWords(t, asm.Group{
		asm.MarkLabel(back),
		Nop(),
		JumpIf(CondNE, back),
	}, 0xD503201F, 0x54FFFFE1)

	fn := asm.Label("fn")
	expectWords(t, asm.Group{
		Call(fn),
		Ret(),
		asm.MarkLabel(fn),
		Ret(),
	}, 0x94000002, 0xD65F03C0, 0xD65F03C0)

	target := asm.Label("target")
	expectWords(t, asm.Group{
		Adr(Reg64(X0), target),
		Nop(),
		asm.MarkLabel(target),
	}, 0x10000040, 0xD503201F)
}

func TestAddRegImmSplits(t *testing.T) {
	sp := Reg64(SP)
	// 0x12345 = 0x12000 + 0x345.
	expectWords(t, AddRegImm(sp, 0x12345), 0x91404BFF, 0x910D17FF)
	expectWords(t, AddRegImm(sp, -16), 0xD10043FF)
	expectWords(t, AddRegImm(sp, 0))
}

func TestEncodingErrors(t *testing.T) {
	bad := []asm.Fragment{
		Store(Mem(Reg64(SP)).WithDisp(0x10000), Reg64(X0)),
		StorePair(Reg64(X0), D(V0), Mem(Reg64(SP)), Offset),
		StorePair(Reg64(X0), Reg64(X1), Mem(Reg64(SP)).WithDisp(4), Offset),
		InsLane(S(V0), 4, S(V1), 0),
		Fmov(Reg64(X0), Reg64(X1)),
		Jump(asm.Label("missing")),
		SubImm(Reg64(X0), Reg64(X0), 0x1001),
	}
	for i, frag := range bad {
		if _, err := encode(frag); err == nil {
			t.Fatalf("fragment %d encoded without error", i)
		}
	}
}
