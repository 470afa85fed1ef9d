package ir

import (
	"fmt"

	"github.com/tinyrange/jit/internal/regset"
)

// Op is a register-allocated LIR operation.
type Op uint8

const (
	OpNop Op = iota
	// OpConst: Dst = Imm.
	OpConst
	// OpCopy: Dst = Srcs[0].
	OpCopy
	// OpLclLoad: Dst = stack home of Local.
	OpLclLoad
	// OpLclStore: stack home of Local = Srcs[0].
	OpLclStore
	// OpAdd, OpSub, OpMul, OpShl: Dst = Srcs[0] op (Srcs[1] or Imm).
	OpAdd
	OpSub
	OpMul
	OpShl
	// OpLea: Dst = address of Addr.
	OpLea
	// OpLoadInd: Dst = [Addr].
	OpLoadInd
	// OpStoreInd: [Addr] = Srcs[0]; GC refs go through the write barrier.
	OpStoreInd
	// OpCall calls Helper, or the address in Srcs[0] when Helper is
	// HelperNone. Arguments are already in their registers. A non-void Type
	// produces the return register.
	OpCall
	// OpCatchArg: Dst = exception object.
	OpCatchArg
	// OpReturnValue moves Srcs[0] into the return register.
	OpReturnValue
	// OpCompare sets flags from Srcs[0] against Srcs[1] or Imm.
	OpCompare
	// OpSpill stores Srcs[0] into spill temp Temp.
	OpSpill
	// OpUnspill reloads Dst from spill temp Temp and frees it.
	OpUnspill
	// OpThrow calls a helper that never returns.
	OpThrow
)

var opNames = [...]string{
	OpNop:         "nop",
	OpConst:       "const",
	OpCopy:        "copy",
	OpLclLoad:     "lclload",
	OpLclStore:    "lclstore",
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpShl:         "shl",
	OpLea:         "lea",
	OpLoadInd:     "loadind",
	OpStoreInd:    "storeind",
	OpCall:        "call",
	OpCatchArg:    "catcharg",
	OpReturnValue: "retval",
	OpCompare:     "compare",
	OpSpill:       "spill",
	OpUnspill:     "unspill",
	OpThrow:       "throw",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

func ParseOp(s string) (Op, bool) {
	for i, name := range opNames {
		if name == s {
			return Op(i), true
		}
	}
	return OpNop, false
}

// Helper identifies a runtime helper routine.
type Helper uint8

const (
	HelperNone Helper = iota
	HelperWriteBarrier
	HelperCheckedWriteBarrier
	HelperThrow
	HelperRethrow
	HelperRangeCheckFail
	HelperFailFast
	HelperNewObject
	HelperProfilerEnter
	HelperProfilerLeave
)

var helperNames = [...]string{
	HelperNone:                "none",
	HelperWriteBarrier:        "writebarrier",
	HelperCheckedWriteBarrier: "checkedwritebarrier",
	HelperThrow:               "throw",
	HelperRethrow:             "rethrow",
	HelperRangeCheckFail:      "rngchkfail",
	HelperFailFast:            "failfast",
	HelperNewObject:           "newobj",
	HelperProfilerEnter:       "profenter",
	HelperProfilerLeave:       "profleave",
}

func (h Helper) String() string {
	if int(h) < len(helperNames) {
		return helperNames[h]
	}
	return fmt.Sprintf("Helper(%d)", uint8(h))
}

func ParseHelper(s string) (Helper, bool) {
	for i, name := range helperNames {
		if name == s {
			return Helper(i), true
		}
	}
	return HelperNone, false
}

// Transition is an explicit liveness change. Born and Dying may overlap only
// for a dead store under minimal optimization.
type Transition struct {
	Born  VarSet
	Dying VarSet
}

// Node is one LIR operation. Which fields are meaningful depends on Op.
type Node struct {
	Op     Op
	Type   VarType
	Dst    regset.Reg
	Srcs   []regset.Reg
	Imm    int64
	HasImm bool
	Local  int
	Temp   int
	Addr   *Expr
	Helper Helper

	// Life is the tracked live set after the node, when it changes.
	Life *VarSet
	// Change is an explicit transition applied instead of Life.
	Change *Transition
	// Dies lists temporary registers whose values end at this node.
	Dies regset.Set
}

func (n *Node) String() string {
	return fmt.Sprintf("%s.%s", n.Op, n.Type)
}

// ExprOp is the operator of an address expression node.
type ExprOp uint8

const (
	// ExprReg is a leaf whose value is held in Reg.
	ExprReg ExprOp = iota
	// ExprConst is an integer constant leaf.
	ExprConst
	ExprAdd
	ExprMul
	ExprLsh
)

// Expr is an address computation tree fed to the address-mode analyzer.
type Expr struct {
	Op          ExprOp
	Type        VarType
	Left, Right *Expr
	Reg         regset.Reg
	Value       int64
	// Overflow marks a checked operation.
	Overflow bool
	// Reloc marks a constant that must be relocated and cannot be folded.
	Reloc bool
}

func RegExpr(r regset.Reg, t VarType) *Expr { return &Expr{Op: ExprReg, Reg: r, Type: t} }

func ConstExpr(v int64) *Expr { return &Expr{Op: ExprConst, Value: v, Type: TypeLong} }

func AddExpr(l, r *Expr) *Expr {
	t := TypeLong
	if l.Type.IsGC() {
		t = TypeByref
	} else if r.Type.IsGC() {
		t = TypeByref
	}
	return &Expr{Op: ExprAdd, Left: l, Right: r, Type: t}
}

func MulExpr(l, r *Expr) *Expr { return &Expr{Op: ExprMul, Left: l, Right: r, Type: TypeLong} }

func LshExpr(l, r *Expr) *Expr { return &Expr{Op: ExprLsh, Left: l, Right: r, Type: TypeLong} }

// IsConst reports whether e is a foldable 32-bit constant.
func (e *Expr) IsConst() bool {
	return e != nil && e.Op == ExprConst && !e.Reloc && e.Value >= -1<<31 && e.Value <= 1<<31-1
}

// Eval computes the value of the tree given register contents.
func (e *Expr) Eval(regs func(regset.Reg) int64) int64 {
	switch e.Op {
	case ExprReg:
		return regs(e.Reg)
	case ExprConst:
		return e.Value
	case ExprAdd:
		return e.Left.Eval(regs) + e.Right.Eval(regs)
	case ExprMul:
		return e.Left.Eval(regs) * e.Right.Eval(regs)
	case ExprLsh:
		return e.Left.Eval(regs) << uint64(e.Right.Eval(regs)&63)
	}
	panic(fmt.Sprintf("ir: unknown expression op %d", e.Op))
}
