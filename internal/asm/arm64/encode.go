package arm64

import (
	"fmt"
)

func require64(op string, regs ...Reg) error {
	for _, r := range regs {
		if err := r.requireGPR(); err != nil {
			return err
		}
		if r.size != size64 {
			return fmt.Errorf("arm64 asm: %s requires 64-bit registers", op)
		}
	}
	return nil
}

// encodeAddSubImm encodes ADD/SUB (immediate). A value above 0xFFF is
// accepted when it is a multiple of 4096 that fits the shifted form.
func encodeAddSubImm(op string, base uint32, dst, src Reg, imm uint32) (uint32, error) {
	if err := require64(op, dst, src); err != nil {
		return 0, err
	}
	var sh uint32
	if imm > 0xFFF {
		if imm&0xFFF != 0 || imm>>12 > 0xFFF {
			return 0, fmt.Errorf("arm64 asm: immediate out of range for %s (%d)", op, imm)
		}
		imm >>= 12
		sh = 1
	}
	return base | sh<<22 | imm<<10 | src.num()<<5 | dst.num(), nil
}

func encodeAddImm64(dst, src Reg, imm uint32) (uint32, error) {
	return encodeAddSubImm("ADD", 0x91000000, dst, src, imm)
}

func encodeSubImm64(dst, src Reg, imm uint32) (uint32, error) {
	return encodeAddSubImm("SUB", 0xD1000000, dst, src, imm)
}

func encodeSubsImm64(dst, src Reg, imm uint32) (uint32, error) {
	return encodeAddSubImm("SUBS", 0xF1000000, dst, src, imm)
}

func encodeCmpImm64(reg Reg, imm uint32) (uint32, error) {
	return encodeAddSubImm("CMP", 0xF100001F, Reg64(XZR), reg, imm)
}

func encodeRegReg(op string, base uint32, dst, left, right Reg) (uint32, error) {
	if err := require64(op, dst, left, right); err != nil {
		return 0, err
	}
	return base | right.num()<<16 | left.num()<<5 | dst.num(), nil
}

func encodeAddReg64(dst, left, right Reg) (uint32, error) {
	return encodeRegReg("ADD", 0x8B000000, dst, left, right)
}

func encodeSubReg64(dst, left, right Reg) (uint32, error) {
	return encodeRegReg("SUB", 0xCB000000, dst, left, right)
}

func encodeCmpReg64(left, right Reg) (uint32, error) {
	return encodeRegReg("CMP", 0xEB000000, Reg64(XZR), left, right)
}

func encodeAndReg(dst, left, right Reg) (uint32, error) {
	return encodeRegReg("AND", 0x8A000000, dst, left, right)
}

func encodeOrrReg(dst, left, right Reg) (uint32, error) {
	return encodeRegReg("ORR", 0xAA000000, dst, left, right)
}

func encodeEorReg(dst, left, right Reg) (uint32, error) {
	return encodeRegReg("EOR", 0xCA000000, dst, left, right)
}

func encodeTestZero(reg Reg) (uint32, error) {
	return encodeRegReg("TST", 0xEA000000, Reg64(XZR), reg, reg)
}

// encodeMadd encodes dst = left*right + addend.
func encodeMadd(dst, left, right, addend Reg) (uint32, error) {
	if err := require64("MADD", dst, left, right, addend); err != nil {
		return 0, err
	}
	return 0x9B000000 | right.num()<<16 | addend.num()<<10 | left.num()<<5 | dst.num(), nil
}

func encodeMoveReg(dst, src Reg) (uint32, error) {
	if err := dst.requireGPR(); err != nil {
		return 0, err
	}
	if err := src.requireGPR(); err != nil {
		return 0, err
	}
	if dst.id == SP || src.id == SP {
		// ORR treats register 31 as xzr, so moves involving sp use ADD.
		return encodeAddImm64(Reg64(dst.id), Reg64(src.id), 0)
	}
	switch {
	case dst.size == size64 && src.size == size64:
		return 0xAA0003E0 | src.num()<<16 | dst.num(), nil
	case dst.size <= size32 && src.size <= size32:
		return 0x2A0003E0 | src.num()<<16 | dst.num(), nil
	case dst.size == size64 && src.size <= size32:
		return 0x2A0003E0 | src.num()<<16 | dst.num(), nil
	default:
		return 0, fmt.Errorf("arm64 asm: unsupported MOV width dst=%d src=%d", dst.size, src.size)
	}
}

func encodeMovz(dst Reg, imm uint16, shift uint32) (uint32, error) {
	if err := require64("MOVZ", dst); err != nil {
		return 0, err
	}
	if shift%16 != 0 || shift > 48 {
		return 0, fmt.Errorf("arm64 asm: invalid MOVZ shift %d", shift)
	}
	hw := shift / 16
	return 0xD2800000 | (hw << 21) | (uint32(imm) << 5) | dst.num(), nil
}

func encodeMovk(dst Reg, imm uint16, shift uint32) (uint32, error) {
	if err := require64("MOVK", dst); err != nil {
		return 0, err
	}
	if shift%16 != 0 || shift > 48 {
		return 0, fmt.Errorf("arm64 asm: invalid MOVK shift %d", shift)
	}
	hw := shift / 16
	return 0xF2800000 | (hw << 21) | (uint32(imm) << 5) | dst.num(), nil
}

func encodeLogicalShift(dst, src Reg, shift uint32, right bool) (uint32, error) {
	if err := require64("shift", dst, src); err != nil {
		return 0, err
	}
	if shift > 63 {
		return 0, fmt.Errorf("arm64 asm: shift amount out of range (%d)", shift)
	}
	var immr, imms uint32
	if right {
		immr = shift & 63
		imms = 63
	} else {
		immr = (64 - shift) & 63
		imms = 63 - shift
	}
	return 0xD3400000 | (immr << 16) | (imms << 10) | src.num()<<5 | dst.num(), nil
}

// loadStoreClass returns the unscaled (STUR) opcode base and the access
// size log2 for a register.
func loadStoreClass(reg Reg) (uint32, uint32, error) {
	if reg.vector() {
		switch reg.size {
		case size32:
			return 0xBC000000, 2, nil
		case size64:
			return 0xFC000000, 3, nil
		case size128:
			return 0x3C800000, 4, nil
		}
	} else {
		switch reg.size {
		case size64:
			return 0xF8000000, 3, nil
		case size32:
			return 0xB8000000, 2, nil
		case size16:
			return 0x78000000, 1, nil
		case size8:
			return 0x38000000, 0, nil
		}
	}
	return 0, 0, fmt.Errorf("arm64 asm: unsupported load/store width %d", reg.size)
}

func encodeLoadStore(reg Reg, mem Memory, mode IndexMode, store bool) (uint32, error) {
	if err := reg.validate(); err != nil {
		return 0, err
	}
	if err := mem.validate(); err != nil {
		return 0, err
	}
	base, scale, err := loadStoreClass(reg)
	if err != nil {
		return 0, err
	}
	if !store {
		base |= 0x00400000
	}
	regs := mem.base.num()<<5 | reg.num()

	if mem.hasIndex {
		if mode != Offset {
			return 0, fmt.Errorf("arm64 asm: register offset cannot write back")
		}
		word := base | 0x00206800 | mem.index.num()<<16 | regs
		if mem.scaled {
			word |= 1 << 12
		}
		return word, nil
	}

	disp := mem.disp
	imm9 := func(bits uint32) (uint32, error) {
		if disp < -256 || disp > 255 {
			return 0, fmt.Errorf("arm64 asm: offset out of range (%d)", disp)
		}
		return base | (uint32(disp)&0x1FF)<<12 | bits | regs, nil
	}
	switch mode {
	case PreIndex:
		return imm9(0xC00)
	case PostIndex:
		return imm9(0x400)
	}
	step := int32(1) << scale
	if disp >= 0 && disp%step == 0 && disp/step <= 0xFFF {
		return base | 0x01000000 | uint32(disp/step)<<10 | regs, nil
	}
	return imm9(0)
}

// pairClass returns the post-index opcode base and access size of a
// register pair.
func pairClass(a, b Reg) (uint32, int32, error) {
	if a.size != b.size || a.vector() != b.vector() {
		return 0, 0, fmt.Errorf("arm64 asm: pair registers must match")
	}
	if a.vector() {
		switch a.size {
		case size32:
			return 0x2C800000, 4, nil
		case size64:
			return 0x6C800000, 8, nil
		case size128:
			return 0xAC800000, 16, nil
		}
	} else {
		switch a.size {
		case size32:
			return 0x28800000, 4, nil
		case size64:
			return 0xA8800000, 8, nil
		}
	}
	return 0, 0, fmt.Errorf("arm64 asm: unsupported pair width %d", a.size)
}

func encodePair(a, b Reg, mem Memory, mode IndexMode, store bool) (uint32, error) {
	if err := a.validate(); err != nil {
		return 0, err
	}
	if err := b.validate(); err != nil {
		return 0, err
	}
	if err := mem.validate(); err != nil {
		return 0, err
	}
	if mem.hasIndex {
		return 0, fmt.Errorf("arm64 asm: pair access cannot use a register offset")
	}
	base, step, err := pairClass(a, b)
	if err != nil {
		return 0, err
	}
	switch mode {
	case Offset:
		base += 0x00800000
	case PreIndex:
		base += 0x01000000
	}
	if !store {
		base |= 0x00400000
	}
	if mem.disp%step != 0 {
		return 0, fmt.Errorf("arm64 asm: misaligned pair offset %d", mem.disp)
	}
	imm := mem.disp / step
	if imm < -64 || imm > 63 {
		return 0, fmt.Errorf("arm64 asm: pair offset out of range (%d)", mem.disp)
	}
	return base | (uint32(imm)&0x7F)<<15 | b.num()<<10 | mem.base.num()<<5 | a.num(), nil
}

func encodeFmov(dst, src Reg) (uint32, error) {
	switch {
	case dst.vector() && src.vector():
		if dst.size != src.size {
			return 0, fmt.Errorf("arm64 asm: FMOV width mismatch")
		}
		switch dst.size {
		case size32:
			return 0x1E204000 | src.num()<<5 | dst.num(), nil
		case size64:
			return 0x1E604000 | src.num()<<5 | dst.num(), nil
		case size128:
			// mov vd.16b, vn.16b
			return 0x4EA01C00 | src.num()<<16 | src.num()<<5 | dst.num(), nil
		}
	case dst.vector() && !src.vector():
		if dst.size == size64 && src.size == size64 {
			return 0x9E670000 | src.num()<<5 | dst.num(), nil
		}
		if dst.size == size32 && src.size == size32 {
			return 0x1E270000 | src.num()<<5 | dst.num(), nil
		}
	case !dst.vector() && src.vector():
		if dst.size == size64 && src.size == size64 {
			return 0x9E660000 | src.num()<<5 | dst.num(), nil
		}
		if dst.size == size32 && src.size == size32 {
			return 0x1E260000 | src.num()<<5 | dst.num(), nil
		}
	}
	return 0, fmt.Errorf("arm64 asm: unsupported FMOV operands")
}

// encodeInsElement encodes INS Vd.T[dstLane], Vn.T[srcLane] where the
// element width comes from dst.
func encodeInsElement(dst Reg, dstLane uint32, src Reg, srcLane uint32) (uint32, error) {
	if err := dst.requireVector(); err != nil {
		return 0, err
	}
	if err := src.requireVector(); err != nil {
		return 0, err
	}
	var imm5, imm4 uint32
	switch dst.size {
	case size32:
		if dstLane > 3 || srcLane > 3 {
			return 0, fmt.Errorf("arm64 asm: lane out of range")
		}
		imm5 = dstLane<<3 | 0x4
		imm4 = srcLane << 2
	case size64:
		if dstLane > 1 || srcLane > 1 {
			return 0, fmt.Errorf("arm64 asm: lane out of range")
		}
		imm5 = dstLane<<4 | 0x8
		imm4 = srcLane << 3
	default:
		return 0, fmt.Errorf("arm64 asm: unsupported lane width %d", dst.size)
	}
	return 0x6E000400 | imm5<<16 | imm4<<11 | src.num()<<5 | dst.num(), nil
}

func encodeBlr(target Reg) (uint32, error) {
	if err := require64("BLR", target); err != nil {
		return 0, err
	}
	return 0xD63F0000 | target.num()<<5, nil
}

func encodeBrk(imm uint16) uint32 { return 0xD4200000 | uint32(imm)<<5 }

const (
	wordNop = 0xD503201F
	wordRet = 0xD65F03C0
)
