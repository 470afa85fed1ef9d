package arm64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

func emitWord(encode func() (uint32, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		word, err := encode()
		if err != nil {
			return err
		}
		c.emit32(word)
		return nil
	})
}

func fixedWord(word uint32) asm.Fragment {
	return emitWord(func() (uint32, error) { return word, nil })
}

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		if err := dst.requireGPR(); err != nil {
			return err
		}
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		switch dst.size {
		case size64:
			return emitMovImmediate(c, dst, uint64(value))
		case size32:
			return emitMovImmediate(c, Reg64(dst.id), uint64(uint32(value)))
		case size16:
			return emitMovImmediate(c, Reg64(dst.id), uint64(uint16(value)))
		case size8:
			return emitMovImmediate(c, Reg64(dst.id), uint64(uint8(value)))
		default:
			return fmt.Errorf("arm64 asm: unsupported immediate width %d", dst.size)
		}
	})
}

func emitMovImmediate(c *Context, dst Reg, value uint64) error {
	first := true
	for shift := uint32(0); shift < 64; shift += 16 {
		chunk := uint16((value >> shift) & 0xFFFF)
		if chunk == 0 {
			continue
		}
		var word uint32
		var err error
		if first {
			word, err = encodeMovz(dst, chunk, shift)
			first = false
		} else {
			word, err = encodeMovk(dst, chunk, shift)
		}
		if err != nil {
			return err
		}
		c.emit32(word)
	}
	if first {
		word, err := encodeMovz(dst, 0, 0)
		if err != nil {
			return err
		}
		c.emit32(word)
	}
	return nil
}

func MovReg(dst, src Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeMoveReg(dst, src) })
}

// Fmov moves between vector registers, or between a vector and a general
// register of the same width.
func Fmov(dst, src Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeFmov(dst, src) })
}

// InsLane copies lane srcLane of src into lane dstLane of dst.
func InsLane(dst Reg, dstLane uint32, src Reg, srcLane uint32) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeInsElement(dst, dstLane, src, srcLane) })
}

// AddRegImm adds a signed constant, splitting it across as many ADD or SUB
// instructions as needed.
func AddRegImm(dst Reg, value int32) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		if err := dst.requireGPR(); err != nil {
			return err
		}
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		return emitAddRegImm(c, dst, value)
	})
}

func emitAddRegImm(c *Context, reg Reg, value int32) error {
	remaining := int64(value)
	for remaining != 0 {
		mag := remaining
		if mag < 0 {
			mag = -mag
		}
		var chunk int64
		switch {
		case mag > 0xFFF && mag>>12 <= 0xFFF:
			chunk = mag &^ 0xFFF
		case mag > 0xFFF:
			chunk = 0xFFF000
		default:
			chunk = mag
		}
		var word uint32
		var err error
		if remaining > 0 {
			word, err = encodeAddImm64(reg, reg, uint32(chunk))
			remaining -= chunk
		} else {
			word, err = encodeSubImm64(reg, reg, uint32(chunk))
			remaining += chunk
		}
		if err != nil {
			return err
		}
		c.emit32(word)
	}
	return nil
}

// SubImm encodes dst = src - imm in a single instruction.
func SubImm(dst, src Reg, imm uint32) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeSubImm64(dst, src, imm) })
}

// AddImm encodes dst = src + imm in a single instruction.
func AddImm(dst, src Reg, imm uint32) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeAddImm64(dst, src, imm) })
}

func SubsImm(dst, src Reg, imm uint32) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeSubsImm64(dst, src, imm) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeAddReg64(dst, dst, src) })
}

// Add3 encodes dst = left + right.
func Add3(dst, left, right Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeAddReg64(dst, left, right) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeSubReg64(dst, dst, src) })
}

func CmpRegReg(left, right Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeCmpReg64(left, right) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return emitWord(func() (uint32, error) {
		if value < 0 {
			return 0, fmt.Errorf("arm64 asm: CmpRegImm negative immediates not supported")
		}
		return encodeCmpImm64(reg, uint32(value))
	})
}

func TestZero(reg Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeTestZero(reg) })
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeAndReg(dst, dst, src) })
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeOrrReg(dst, dst, src) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeEorReg(dst, dst, src) })
}

// Mul encodes dst = left * right.
func Mul(dst, left, right Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeMadd(dst, left, right, Reg64(XZR)) })
}

// Madd encodes dst = left*right + addend.
func Madd(dst, left, right, addend Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeMadd(dst, left, right, addend) })
}

func ShlRegImm(reg Reg, amount uint32) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeLogicalShift(reg, reg, amount, false) })
}

func ShrRegImm(reg Reg, amount uint32) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeLogicalShift(reg, reg, amount, true) })
}

// Store writes src to mem. The access width follows src.
func Store(mem Memory, src Reg) asm.Fragment {
	return StoreIndexed(mem, src, Offset)
}

// Load reads dst from mem. The access width follows dst.
func Load(dst Reg, mem Memory) asm.Fragment {
	return LoadIndexed(dst, mem, Offset)
}

func StoreIndexed(mem Memory, src Reg, mode IndexMode) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeLoadStore(src, mem, mode, true) })
}

func LoadIndexed(dst Reg, mem Memory, mode IndexMode) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeLoadStore(dst, mem, mode, false) })
}

// StorePair stores a and b to consecutive slots starting at mem.
func StorePair(a, b Reg, mem Memory, mode IndexMode) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodePair(a, b, mem, mode, true) })
}

func LoadPair(a, b Reg, mem Memory, mode IndexMode) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodePair(a, b, mem, mode, false) })
}

func Jump(label asm.Label) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		c.emitBranch(label, 0x14000000, branchB)
		return nil
	})
}

func JumpIf(cond Cond, label asm.Label) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		c.emitBranch(label, 0x54000000|uint32(cond&0xF), branchCond)
		return nil
	})
}

func JumpIfEqual(label asm.Label) asm.Fragment    { return JumpIf(CondEQ, label) }
func JumpIfNotEqual(label asm.Label) asm.Fragment { return JumpIf(CondNE, label) }
func JumpIfZero(label asm.Label) asm.Fragment     { return JumpIf(CondEQ, label) }
func JumpIfNotZero(label asm.Label) asm.Fragment  { return JumpIf(CondNE, label) }
func JumpIfGreaterOrEqual(label asm.Label) asm.Fragment {
	return JumpIf(CondGE, label)
}
func JumpIfLess(label asm.Label) asm.Fragment { return JumpIf(CondLT, label) }

func Call(label asm.Label) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		c.emitBranch(label, 0x94000000, branchBL)
		return nil
	})
}

// Adr loads the pc-relative address of label into dst.
func Adr(dst Reg, label asm.Label) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		if err := require64("ADR", dst); err != nil {
			return err
		}
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		c.emitBranch(label, 0x10000000|dst.num(), branchAdr)
		return nil
	})
}

func CallReg(target Reg) asm.Fragment {
	return emitWord(func() (uint32, error) { return encodeBlr(target) })
}

func Ret() asm.Fragment { return fixedWord(wordRet) }

func Nop() asm.Fragment { return fixedWord(wordNop) }

// Brk emits a breakpoint with the given immediate.
func Brk(imm uint16) asm.Fragment { return fixedWord(encodeBrk(imm)) }
