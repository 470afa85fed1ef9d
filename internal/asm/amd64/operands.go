package amd64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

const (
	RAX asm.Variable = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

// IsXMM reports whether the register id names a vector register.
func IsXMM(id asm.Variable) bool { return id >= XMM0 && id <= XMM15 }

type operandSize uint8

const (
	size8   operandSize = 1
	size16  operandSize = 2
	size32  operandSize = 4
	size64  operandSize = 8
	size128 operandSize = 16
)

// Reg represents a register with an explicit operand size.
type Reg struct {
	id   asm.Variable
	size operandSize
}

// ID is the register number.
func (r Reg) ID() asm.Variable { return r.id }

func (r Reg) checkWidth(expected operandSize) error {
	if r.size != expected {
		return fmt.Errorf("expected %d-bit register, got %d-bit width", int(expected)*8, int(r.size)*8)
	}
	return nil
}

func (r Reg) isXMM() bool { return r.size == size128 }

// Reg64 constructs a 64-bit register operand backed by the provided register id.
func Reg64(id asm.Variable) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand backed by the provided register id.
func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand backed by the provided register id.
func Reg16(id asm.Variable) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit register operand backed by the provided register id.
func Reg8(id asm.Variable) Reg { return Reg{id: id, size: size8} }

// Xmm constructs a vector register operand.
func Xmm(id asm.Variable) Reg { return Reg{id: id, size: size128} }

// Memory describes an effective address used by memory operands.
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	hasBase  bool
	hasIndex bool
}

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{
		base:    base,
		scale:   1,
		hasBase: true,
	}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) Memory {
	if scale == 0 {
		scale = 1
	}
	return Memory{
		base:     base,
		index:    index,
		scale:    scale,
		hasBase:  true,
		hasIndex: true,
	}
}

// MemScaled constructs [index*scale + disp] with no base register.
func MemScaled(index Reg, scale uint8) Memory {
	if scale == 0 {
		scale = 1
	}
	return Memory{
		index:    index,
		scale:    scale,
		hasIndex: true,
	}
}

// WithDisp returns a copy of the memory operand with the supplied displacement.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

func (m Memory) validate() error {
	if !m.hasBase && !m.hasIndex {
		return fmt.Errorf("memory operand requires a base or index register")
	}
	if m.hasBase && (m.base.size != size64 || IsXMM(m.base.id)) {
		return fmt.Errorf("base register must be a 64-bit general register")
	}
	if m.hasIndex {
		if m.index.size != size64 || IsXMM(m.index.id) {
			return fmt.Errorf("index register must be a 64-bit general register")
		}
		if m.index.id == RSP {
			return fmt.Errorf("rsp cannot be used as index register")
		}
		switch m.scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("invalid index scale %d", m.scale)
		}
	}
	return nil
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }

// Cond is an x86 condition code.
type Cond uint8

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)
