// Package addrmode decomposes address expressions into base + scale*index +
// displacement form for indirect addressing instructions.
package addrmode

import (
	"fmt"
	"math"

	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

// Mode is the address Base + Scale*Index + Disp. Base and Index are nil when
// absent; Scale is zero exactly when Index is nil.
type Mode struct {
	Base  *ir.Expr
	Index *ir.Expr
	Scale int
	Disp  int32
	// Reversed is set when the operand that ended up in Base was the right
	// operand of the source tree, so the two must be evaluated in reverse.
	Reversed bool
}

// Eval computes the address the mode describes.
func (m Mode) Eval(regs func(regset.Reg) int64) int64 {
	v := int64(m.Disp)
	if m.Base != nil {
		v += m.Base.Eval(regs)
	}
	if m.Index != nil {
		v += int64(m.Scale) * m.Index.Eval(regs)
	}
	return v
}

// LeafRegs returns the registers of Base and Index, or regset.None for
// absent operands. ok is false when either operand is not a register leaf.
func (m Mode) LeafRegs() (base, index regset.Reg, ok bool) {
	base, index = regset.None, regset.None
	if m.Base != nil {
		if m.Base.Op != ir.ExprReg {
			return base, index, false
		}
		base = m.Base.Reg
	}
	if m.Index != nil {
		if m.Index.Op != ir.ExprReg {
			return base, index, false
		}
		index = m.Index.Reg
	}
	return base, index, true
}

func (m Mode) String() string {
	s := "["
	if m.Base != nil {
		s += describe(m.Base)
	}
	if m.Index != nil {
		if m.Base != nil {
			s += "+"
		}
		s += fmt.Sprintf("%s*%d", describe(m.Index), m.Scale)
	}
	if m.Disp != 0 || (m.Base == nil && m.Index == nil) {
		s += fmt.Sprintf("%+d", m.Disp)
	}
	return s + "]"
}

func describe(e *ir.Expr) string {
	switch e.Op {
	case ir.ExprReg:
		return fmt.Sprintf("r%d", e.Reg)
	case ir.ExprConst:
		return fmt.Sprintf("#%d", e.Value)
	}
	return "tree"
}

type analysis struct {
	base, index *ir.Expr
	scale       int
	disp        int64
	rev         bool
}

func (a *analysis) addDisp(v int64) bool {
	d := a.disp + v
	if d < math.MinInt32 || d > math.MaxInt32 {
		return false
	}
	a.disp = d
	return true
}

// Analyze decomposes root. It fails when root is not an unchecked addition or
// when the folded displacement does not fit in 32 bits; callers then compute
// the address with ordinary arithmetic.
func Analyze(root *ir.Expr) (Mode, bool) {
	if root == nil || root.Op != ir.ExprAdd || root.Overflow {
		return Mode{}, false
	}
	var a analysis
	op1, op2 := root.Left, root.Right
	if op1.IsConst() {
		op1, op2 = op2, op1
		a.rev = true
	}

	for op2.IsConst() {
		if !a.addDisp(op2.Value) {
			return Mode{}, false
		}
		if isAdd(op1) {
			op1, op2 = op1.Left, op1.Right
			if op1.IsConst() {
				op1, op2 = op2, op1
			}
			continue
		}
		if idx, scale, ok := scaled(op1); ok {
			a.index, a.scale = idx, scale
		} else {
			a.base = op1
		}
		return a.finish()
	}

	if idx, scale, ok := scaled(op1); ok {
		if _, _, rightScaled := scaled(op2); !rightScaled {
			a.base, a.index, a.scale = op2, idx, scale
			a.rev = !a.rev
			return a.finish()
		}
	}
	if idx, scale, ok := scaled(op2); ok {
		a.base, a.index, a.scale = op1, idx, scale
		return a.finish()
	}
	a.base, a.index, a.scale = op1, op2, 1
	return a.finish()
}

func (a *analysis) finish() (Mode, bool) {
	// Constant parts of the index fold into the displacement, scaled.
	for a.index != nil {
		if a.index.IsConst() {
			if !a.addDisp(a.index.Value * int64(a.scale)) {
				return Mode{}, false
			}
			a.index, a.scale = nil, 0
			break
		}
		inner, c, ok := splitConst(a.index)
		if !ok || !a.addDisp(c*int64(a.scale)) {
			break
		}
		a.index = inner
	}
	for a.base != nil {
		if a.base.IsConst() {
			if !a.addDisp(a.base.Value) {
				return Mode{}, false
			}
			a.base = nil
			break
		}
		inner, c, ok := splitConst(a.base)
		if !ok || !a.addDisp(c) {
			break
		}
		a.base = inner
	}

	if a.index != nil && a.index.Type.IsGC() {
		if a.scale != 1 || (a.base != nil && a.base.Type.IsGC()) {
			return Mode{}, false
		}
		a.base, a.index = a.index, a.base
		a.rev = !a.rev
	}
	if a.index != nil && a.scale == 1 && a.base == nil {
		a.base, a.index = a.index, nil
	}
	if a.index == nil {
		a.scale = 0
	}
	return Mode{
		Base:     a.base,
		Index:    a.index,
		Scale:    a.scale,
		Disp:     int32(a.disp),
		Reversed: a.rev,
	}, true
}

func isAdd(e *ir.Expr) bool { return e.Op == ir.ExprAdd && !e.Overflow }

// splitConst peels a foldable constant operand off an unchecked addition.
func splitConst(e *ir.Expr) (*ir.Expr, int64, bool) {
	if !isAdd(e) {
		return nil, 0, false
	}
	if e.Right.IsConst() {
		return e.Left, e.Right.Value, true
	}
	if e.Left.IsConst() {
		return e.Right, e.Left.Value, true
	}
	return nil, 0, false
}

// scaled recognizes x*{1,2,4,8} and x<<{0,1,2,3}, including nested scales
// whose product stays within 8.
func scaled(e *ir.Expr) (*ir.Expr, int, bool) {
	if e.Overflow {
		return nil, 0, false
	}
	var operand *ir.Expr
	var scale int
	switch e.Op {
	case ir.ExprMul:
		switch {
		case e.Right.IsConst() && validScale(e.Right.Value):
			operand, scale = e.Left, int(e.Right.Value)
		case e.Left.IsConst() && validScale(e.Left.Value):
			operand, scale = e.Right, int(e.Left.Value)
		default:
			return nil, 0, false
		}
	case ir.ExprLsh:
		if !e.Right.IsConst() || e.Right.Value < 0 || e.Right.Value > 3 {
			return nil, 0, false
		}
		operand, scale = e.Left, 1<<e.Right.Value
	default:
		return nil, 0, false
	}
	if inner, s, ok := scaled(operand); ok && s*scale <= 8 {
		return inner, s * scale, true
	}
	return operand, scale, true
}

func validScale(v int64) bool { return v == 1 || v == 2 || v == 4 || v == 8 }
