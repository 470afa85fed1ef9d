package amd64

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/tinyrange/jit/internal/asm"
)

func expectPrefix(t *testing.T, code []byte, prefixHex string) {
	t.Helper()
	expect, err := hex.DecodeString(prefixHex)
	if err != nil {
		t.Fatalf("invalid hex prefix %q: %v", prefixHex, err)
	}
	if !bytes.HasPrefix(code, expect) {
		n := len(expect)
		if n > len(code) {
			n = len(code)
		}
		t.Fatalf("unexpected instruction prefix:\n got: %x\nwant: %x", code[:n], expect)
	}
}

func expectExact(t *testing.T, code []byte, wantHex string) {
	t.Helper()
	if got := hex.EncodeToString(code); got != wantHex {
		t.Fatalf("unexpected encoding:\n got: %s\nwant: %s", got, wantHex)
	}
}

func TestEncodings(t *testing.T) {
	tests := []struct {
		name string
		frag asm.Fragment
		want string
	}{
		{"mov eax imm", MovImmediate(Reg64(RAX), 5), "b805000000"},
		{"mov r11 imm64", MovImmediate(Reg64(R11), 0x1122334455667788), "49bb8877665544332211"},
		{"mov rax -1", MovImmediate(Reg64(RAX), -1), "48c7c0ffffffff"},
		{"mov rax rdi", MovReg(Reg64(RAX), Reg64(RDI)), "4889f8"},
		{"mov r8 rcx", MovReg(Reg64(R8), Reg64(RCX)), "4989c8"},
		{"push rbp", Push(Reg64(RBP)), "55"},
		{"push r12", Push(Reg64(R12)), "4154"},
		{"pop r15", Pop(Reg64(R15)), "415f"},
		{"sub rsp imm8", SubRegImm(Reg64(RSP), 0x28), "4883ec28"},
		{"sub rsp imm32", SubRegImm(Reg64(RSP), 0x1000), "4881ec00100000"},
		{"lea rbp", Lea(Reg64(RBP), Mem(Reg64(RSP)).WithDisp(0x20)), "488d6c2420"},
		{"store rbp disp8", MovToMemory(Mem(Reg64(RBP)).WithDisp(0x10), Reg64(RCX)), "48894d10"},
		{"load rbp zero disp", MovFromMemory(Reg64(RAX), Mem(Reg64(RBP))), "488b4500"},
		{"load scaled no base", MovFromMemory(Reg64(RAX), MemScaled(Reg64(RCX), 8).WithDisp(0x10)), "488b04cd10000000"},
		{"xchg", Xchg(Reg64(RCX), Reg64(RDX)), "4887d1"},
		{"cmp mem r11", CmpMemReg(Mem(Reg64(RSP)).WithDisp(0x30), Reg64(R11)), "4c395c2430"},
		{"test probe", TestMemReg(MemIndex(Reg64(RSP), Reg64(RAX), 1), Reg64(RAX)), "48850404"},
		{"rep stosq", RepStosq(), "f348ab"},
		{"xor eax", XorRegReg(Reg32(RAX), Reg32(RAX)), "31c0"},
		{"imul", ImulRegReg(Reg64(RAX), Reg64(RCX)), "480fafc1"},
		{"shl", ShlRegImm(Reg64(RAX), 3), "48c1e003"},
		{"call r11", CallReg(Reg64(R11)), "41ffd3"},
		{"movaps store", MovapsToMemory(Mem(Reg64(RSP)).WithDisp(0x20), Xmm(XMM6)), "0f29742420"},
		{"movaps load high", MovapsFromMemory(Xmm(XMM15), Mem(Reg64(RSP)).WithDisp(0x10)), "440f287c2410"},
		{"movaps reg", MovapsReg(Xmm(XMM1), Xmm(XMM2)), "0f28ca"},
		{"movsd store", MovsdToMemory(Mem(Reg64(RBP)).WithDisp(8), Xmm(XMM1)), "f20f114d08"},
		{"movq to xmm", MovqToXmm(Xmm(XMM0), Reg64(RCX)), "66480f6ec1"},
		{"int3", Int3(), "cc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := EmitBytes(tt.frag)
			if err != nil {
				t.Fatalf("EmitBytes: %v", err)
			}
			expectExact(t, code, tt.want)
		})
	}
}

func TestBackwardBranchIsShort(t *testing.T) {
	loop := asm.Label("loop")
	code, err := EmitBytes(asm.Group{
		asm.MarkLabel(loop),
		Nop(),
		Jump(loop),
	})
	if err != nil {
		t.Fatalf("EmitBytes: %v", err)
	}
	expectExact(t, code, "90ebfd")
}

func TestForwardBranchShrinksWithLayout(t *testing.T) {
	done := asm.Label("done")
	frag := asm.Group{
		JumpIfEqual(done),
		Nop(),
		asm.MarkLabel(done),
		Ret(),
	}
	first, err := EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	expectExact(t, first.Bytes(), "0f840100000090c3")

	second, err := EmitProgramWithLayout(frag, first.Layout())
	if err != nil {
		t.Fatalf("EmitProgramWithLayout: %v", err)
	}
	expectExact(t, second.Bytes(), "740190c3")
	if off, _ := second.LabelOffset(done); off != 3 {
		t.Fatalf("done label at %d, want 3", off)
	}
}

func TestFarForwardBranchStaysLong(t *testing.T) {
	done := asm.Label("done")
	frag := asm.Group{Jump(done)}
	for i := 0; i < 200; i++ {
		frag = append(frag, Nop())
	}
	frag = append(frag, asm.MarkLabel(done), Ret())

	first, err := EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	second, err := EmitProgramWithLayout(frag, first.Layout())
	if err != nil {
		t.Fatalf("EmitProgramWithLayout: %v", err)
	}
	expectPrefix(t, second.Bytes(), "e9c8000000")
	if second.Len() != first.Len() {
		t.Fatalf("length changed from %d to %d", first.Len(), second.Len())
	}
}

func TestCallAndLeaLabel(t *testing.T) {
	fn := asm.Label("fn")
	code, err := EmitBytes(asm.Group{
		Call(fn),
		LeaLabel(Reg64(RAX), fn),
		Ret(),
		asm.MarkLabel(fn),
		Ret(),
	})
	if err != nil {
		t.Fatalf("EmitBytes: %v", err)
	}
	// call at 0 (next 5), lea at 5 (next 12), fn at 13.
	expectExact(t, code, "e808000000488d0501000000c3c3")
}

func TestEncodingErrors(t *testing.T) {
	bad := []asm.Fragment{
		MovReg(Xmm(XMM0), Xmm(XMM1)),
		MovFromMemory(Reg64(RAX), MemIndex(Reg64(RBX), Reg64(RSP), 1)),
		MovapsReg(Reg64(RAX), Xmm(XMM1)),
		Jump(asm.Label("missing")),
		MovReg(Reg64(RAX), Reg32(RCX)),
	}
	for i, frag := range bad {
		if _, err := EmitBytes(frag); err == nil {
			t.Fatalf("fragment %d encoded without error", i)
		}
	}
}

func TestHardwareNumber(t *testing.T) {
	for _, tc := range []struct {
		reg  asm.Variable
		want uint8
	}{
		{RAX, 0}, {RCX, 1}, {RBX, 3}, {RBP, 5}, {RDI, 7}, {R12, 12}, {XMM6, 6}, {XMM15, 15},
	} {
		got, err := HardwareNumber(tc.reg)
		if err != nil || got != tc.want {
			t.Fatalf("HardwareNumber(%d) = %d, %v; want %d", tc.reg, got, err, tc.want)
		}
	}
}
