package arm64

import (
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

// Register identifiers exposed to callers. General registers come first,
// then the SIMD/FP registers, so the code generator can use one numbering
// for both files.
const (
	X0 asm.Variable = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	SP
	V0
	V1
	V2
	V3
	V4
	V5
	V6
	V7
	V8
	V9
	V10
	V11
	V12
	V13
	V14
	V15
	V16
	V17
	V18
	V19
	V20
	V21
	V22
	V23
	V24
	V25
	V26
	V27
	V28
	V29
	V30
	V31
	XZR
)

const (
	FP = X29
	LR = X30
)

// IsVector reports whether id names a SIMD/FP register.
func IsVector(id asm.Variable) bool { return id >= V0 && id <= V31 }

// HardwareNumber is the 5-bit register field value for id.
func HardwareNumber(id asm.Variable) (uint8, error) {
	switch {
	case id >= X0 && id <= SP:
		return uint8(id), nil
	case IsVector(id):
		return uint8(id - V0), nil
	case id == XZR:
		return 31, nil
	}
	return 0, fmt.Errorf("arm64 asm: invalid register %d", id)
}

type operandSize uint8

const (
	size8   operandSize = 8
	size16  operandSize = 16
	size32  operandSize = 32
	size64  operandSize = 64
	size128 operandSize = 128
)

// Reg stores the logical register plus the width used by the instruction.
type Reg struct {
	id   asm.Variable
	size operandSize
}

func (r Reg) ID() asm.Variable { return r.id }

func (r Reg) num() uint32 {
	n, _ := HardwareNumber(r.id)
	return uint32(n)
}

func (r Reg) vector() bool { return IsVector(r.id) }

func (r Reg) validate() error {
	if _, err := HardwareNumber(r.id); err != nil {
		return err
	}
	if r.vector() {
		switch r.size {
		case size32, size64, size128:
			return nil
		}
		return fmt.Errorf("arm64 asm: unsupported vector width %d", r.size)
	}
	switch r.size {
	case size8, size16, size32, size64:
		return nil
	default:
		return fmt.Errorf("arm64 asm: unsupported register width %d", r.size)
	}
}

func (r Reg) requireGPR() error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.vector() {
		return fmt.Errorf("arm64 asm: %d is not a general register", r.id)
	}
	return nil
}

func (r Reg) requireVector() error {
	if err := r.validate(); err != nil {
		return err
	}
	if !r.vector() {
		return fmt.Errorf("arm64 asm: %d is not a vector register", r.id)
	}
	return nil
}

func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }
func Reg64(id asm.Variable) Reg { return Reg{id: id, size: size64} }
func Reg16(id asm.Variable) Reg { return Reg{id: id, size: size16} }
func Reg8(id asm.Variable) Reg  { return Reg{id: id, size: size8} }

// S, D and Q view a vector register as 32, 64 or 128 bits wide.
func S(id asm.Variable) Reg { return Reg{id: id, size: size32} }
func D(id asm.Variable) Reg { return Reg{id: id, size: size64} }
func Q(id asm.Variable) Reg { return Reg{id: id, size: size128} }

// IndexMode selects how a load or store updates its base register.
type IndexMode uint8

const (
	Offset IndexMode = iota
	PreIndex
	PostIndex
)

// Memory represents [base + imm] or [base + index{, lsl #size}] addressing.
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	hasBase  bool
	hasIndex bool
	scaled   bool
}

func Mem(base Reg) Memory {
	return Memory{base: base, hasBase: true}
}

// MemIndex addresses [base + index], shifting index by the access size when
// scaled is set.
func MemIndex(base, index Reg, scaled bool) Memory {
	return Memory{base: base, index: index, hasBase: true, hasIndex: true, scaled: scaled}
}

func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

func (m Memory) validate() error {
	if !m.hasBase {
		return fmt.Errorf("arm64 asm: memory reference missing base register")
	}
	if err := m.base.requireGPR(); err != nil {
		return err
	}
	if m.base.id == XZR {
		return fmt.Errorf("arm64 asm: xzr cannot be a base register")
	}
	if m.hasIndex {
		if err := m.index.requireGPR(); err != nil {
			return err
		}
		if m.index.id == SP {
			return fmt.Errorf("arm64 asm: sp cannot be an index register")
		}
		if m.disp != 0 {
			return fmt.Errorf("arm64 asm: register offset with displacement")
		}
	}
	return nil
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error {
	return f(ctx)
}

// Cond is an AArch64 condition code.
type Cond uint8

const (
	CondEQ Cond = 0x0
	CondNE Cond = 0x1
	CondCS Cond = 0x2
	CondCC Cond = 0x3
	CondMI Cond = 0x4
	CondPL Cond = 0x5
	CondVS Cond = 0x6
	CondVC Cond = 0x7
	CondHI Cond = 0x8
	CondLS Cond = 0x9
	CondGE Cond = 0xA
	CondLT Cond = 0xB
	CondGT Cond = 0xC
	CondLE Cond = 0xD
	CondAL Cond = 0xE
)
