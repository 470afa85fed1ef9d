package codegen

import (
	"github.com/tinyrange/jit/internal/codegen/addrmode"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

// Address is a memory operand Base + Scale*Index + Disp. Absent registers
// are regset.None.
type Address struct {
	Base  regset.Reg
	Index regset.Reg
	Scale int
	Disp  int64
}

// ResolveAddress turns an address expression into a memory operand. Leaves
// and constants are accepted directly; anything else must fold into a
// single addressing mode.
func ResolveAddress(e *ir.Expr) (Address, error) {
	if e == nil {
		return Address{}, Internalf("memory access without an address")
	}
	switch e.Op {
	case ir.ExprReg:
		return Address{Base: e.Reg, Index: regset.None}, nil
	case ir.ExprConst:
		return Address{Base: regset.None, Index: regset.None, Disp: e.Value}, nil
	}
	mode, ok := addrmode.Analyze(e)
	if !ok {
		return Address{}, Unsupportedf("address expression does not fold into an addressing mode")
	}
	base, index, ok := mode.LeafRegs()
	if !ok {
		return Address{}, Unsupportedf("address %s needs a computed operand", mode)
	}
	return Address{Base: base, Index: index, Scale: mode.Scale, Disp: int64(mode.Disp)}, nil
}
