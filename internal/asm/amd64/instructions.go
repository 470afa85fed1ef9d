package amd64

import (
	"github.com/tinyrange/jit/internal/asm"
)

func emitEncoded(encode func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encode()
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func emitFixed(bytes []byte) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeMovMemReg(mem, src) })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeMovRegMem(dst, mem) })
}

func Lea(dst Reg, mem Memory) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeLea(dst, mem) })
}

func CallReg(target Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeCallReg(target) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegImm(0, reg, value) })
}

func OrRegImm(reg Reg, value int32) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegImm(1, reg, value) })
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegImm(4, reg, value) })
}

func SubRegImm(reg Reg, value int32) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegImm(5, reg, value) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegImm(7, reg, value) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegReg(chooseOpcode(dst.size, 0x01, 0x00), dst, src) })
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegReg(chooseOpcode(dst.size, 0x09, 0x08), dst, src) })
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegReg(chooseOpcode(dst.size, 0x21, 0x20), dst, src) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegReg(chooseOpcode(dst.size, 0x29, 0x28), dst, src) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegReg(chooseOpcode(dst.size, 0x31, 0x30), dst, src) })
}

func CmpRegReg(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeALURegReg(chooseOpcode(dst.size, 0x39, 0x38), dst, src) })
}

func TestRegReg(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeTestRegRegSized(dst, src) })
}

func CmpMemReg(mem Memory, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeCmpMemReg(mem, src) })
}

func TestMemReg(mem Memory, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeTestMemReg(mem, src) })
}

func ImulRegReg(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeImulRegReg(dst, src) })
}

func ImulRegImm(dst, src Reg, value int32) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeImulRegImm(dst, src, value) })
}

func ShrRegImm(reg Reg, count uint8) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeShrRegImm(reg, count) })
}

func ShlRegImm(reg Reg, count uint8) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeShlRegImm(reg, count) })
}

func Push(reg Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodePush(reg) })
}

func Pop(reg Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodePop(reg) })
}

func Xchg(a, b Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeXchg(a, b) })
}

// RepStosq stores rax to [rdi] rcx times.
func RepStosq() asm.Fragment { return emitFixed(encodeRepStosq()) }

func Int3() asm.Fragment { return emitFixed(encodeInt3()) }

func Nop() asm.Fragment { return emitFixed(encodeNop()) }

func Ret() asm.Fragment { return emitFixed(encodeRet()) }

func MovapsReg(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeSSERegReg(nil, opMovaps, dst, src) })
}

func MovapsToMemory(mem Memory, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeSSEMem(nil, opMovapsStore, src, mem) })
}

func MovapsFromMemory(dst Reg, mem Memory) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeSSEMem(nil, opMovaps, dst, mem) })
}

func MovupsToMemory(mem Memory, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeSSEMem(nil, opMovupsStore, src, mem) })
}

func MovupsFromMemory(dst Reg, mem Memory) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeSSEMem(nil, opMovups, dst, mem) })
}

func MovsdToMemory(mem Memory, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeSSEMem(prefixSD, opMovupsStore, src, mem) })
}

func MovsdFromMemory(dst Reg, mem Memory) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeSSEMem(prefixSD, opMovups, dst, mem) })
}

func MovssToMemory(mem Memory, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeSSEMem(prefixSS, opMovupsStore, src, mem) })
}

func MovssFromMemory(dst Reg, mem Memory) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeSSEMem(prefixSS, opMovups, dst, mem) })
}

func MovqToXmm(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeMovqXmm(dst, src, true) })
}

func MovqFromXmm(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeMovqXmm(src, dst, false) })
}

func Xorps(dst, src Reg) asm.Fragment {
	return emitEncoded(func() ([]byte, error) { return encodeSSERegReg(nil, opXorps, dst, src) })
}

func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label, always: true}
}

func JumpIf(cond Cond, label asm.Label) asm.Fragment {
	return &jump{label: label, cond: cond}
}

func JumpIfNotEqual(label asm.Label) asm.Fragment {
	return JumpIf(CondNE, label)
}

func JumpIfEqual(label asm.Label) asm.Fragment {
	return JumpIf(CondE, label)
}

func JumpIfGreaterOrEqual(label asm.Label) asm.Fragment {
	return JumpIf(CondGE, label)
}

func JumpIfLess(label asm.Label) asm.Fragment {
	return JumpIf(CondL, label)
}

func JumpIfAbove(label asm.Label) asm.Fragment {
	return JumpIf(CondA, label)
}

func JumpIfBelowOrEqual(label asm.Label) asm.Fragment {
	return JumpIf(CondBE, label)
}

// Call emits a rel32 call to a label in the same program.
func Call(label asm.Label) asm.Fragment {
	return &call{label: label}
}

// LeaLabel loads the address of a label with a rip-relative lea.
func LeaLabel(dst Reg, label asm.Label) asm.Fragment {
	return &leaLabel{dst: dst, label: label}
}
