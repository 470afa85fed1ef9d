package arm64

import (
	"math"
	"math/bits"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/arm64"
	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

// accessSize is the width of a load or store of type t.
func accessSize(t ir.VarType) int32 {
	if s := t.Size(); s > 0 {
		return int32(s)
	}
	return 8
}

// addImmOK reports whether v fits the 12-bit, optionally shifted, immediate
// of ADD and SUB.
func addImmOK(v int64) bool {
	return v >= 0 && (v <= 0xfff || (v&0xfff == 0 && v>>12 <= 0xfff))
}

func move(dst, src regset.Reg) asm.Fragment {
	switch {
	case dst == src:
		return nil
	case isVec(dst) && isVec(src):
		return arm64.Fmov(arm64.Q(asm.Variable(dst)), arm64.Q(asm.Variable(src)))
	case isVec(dst):
		return arm64.Fmov(vec(dst, ir.TypeDouble), x(src))
	case isVec(src):
		return arm64.Fmov(x(dst), vec(src, ir.TypeDouble))
	}
	return arm64.MovReg(x(dst), x(src))
}

func load(dst regset.Reg, pre asm.Fragment, mem arm64.Memory, t ir.VarType) (asm.Fragment, error) {
	switch t {
	case ir.TypeStruct, ir.TypeVoid:
		return nil, codegen.Unsupportedf("load of %s", t)
	}
	if isVec(dst) {
		return asm.Group{pre, arm64.Load(vec(dst, t), mem)}, nil
	}
	if t == ir.TypeSIMD16 {
		return nil, codegen.Unsupportedf("load of %s into a general register", t)
	}
	return asm.Group{pre, arm64.Load(gpr(dst, t), mem)}, nil
}

func store(pre asm.Fragment, mem arm64.Memory, src regset.Reg, t ir.VarType) (asm.Fragment, error) {
	switch t {
	case ir.TypeStruct, ir.TypeVoid:
		return nil, codegen.Unsupportedf("store of %s", t)
	}
	if isVec(src) {
		return asm.Group{pre, arm64.Store(mem, vec(src, t))}, nil
	}
	if t == ir.TypeSIMD16 {
		return nil, codegen.Unsupportedf("store of %s from a general register", t)
	}
	return asm.Group{pre, arm64.Store(mem, gpr(src, t))}, nil
}

func loadConst(dst regset.Reg, t ir.VarType, v int64) asm.Fragment {
	if isVec(dst) {
		if t == ir.TypeFloat {
			if v == 0 {
				return arm64.Fmov(vec(dst, t), arm64.Reg32(arm64.XZR))
			}
			return asm.Group{arm64.MovImmediate(x16, v), arm64.Fmov(vec(dst, t), arm64.Reg32(arm64.X16))}
		}
		if v == 0 {
			return arm64.Fmov(vec(dst, ir.TypeDouble), xzr)
		}
		return asm.Group{arm64.MovImmediate(x16, v), arm64.Fmov(vec(dst, ir.TypeDouble), x16)}
	}
	return arm64.MovImmediate(gpr(dst, t), v)
}

func callHelper(g *codegen.Gen, h ir.Helper) asm.Fragment {
	return asm.Group{
		arm64.MovImmediate(x16, int64(g.HelperAddress(h))),
		arm64.CallReg(x16),
	}
}

func srcs(n *ir.Node, count int) error {
	if len(n.Srcs) < count {
		return codegen.Internalf("%s needs %d sources, has %d", n, count, len(n.Srcs))
	}
	return nil
}

// addrInto computes the effective address of a into dst, using x17 for the
// scaled index.
func addrInto(dst arm64.Reg, a codegen.Address) asm.Group {
	var out asm.Group
	if a.Base.Valid() {
		out = append(out, arm64.MovReg(dst, x(a.Base)))
	} else {
		out = append(out, arm64.MovImmediate(dst, 0))
	}
	if a.Index.Valid() {
		out = append(out, arm64.MovReg(x17, x(a.Index)))
		if a.Scale > 1 {
			out = append(out, arm64.ShlRegImm(x17, uint32(bits.TrailingZeros(uint(a.Scale)))))
		}
		out = append(out, arm64.AddRegReg(dst, x17))
	}
	switch {
	case a.Disp == 0:
	case a.Disp >= math.MinInt32 && a.Disp <= math.MaxInt32:
		out = append(out, arm64.AddRegImm(dst, int32(a.Disp)))
	default:
		out = append(out, arm64.MovImmediate(x17, a.Disp), arm64.AddRegReg(dst, x17))
	}
	return out
}

// memory builds an operand for an access of size bytes at a, computing the
// address into x16 when no addressing form matches. post must follow the
// access instruction.
func memory(g *codegen.Gen, a codegen.Address, size int32) (pre asm.Fragment, mem arm64.Memory, post asm.Fragment) {
	if a.Base.Valid() && !a.Index.Valid() && a.Disp >= math.MinInt32 && a.Disp <= math.MaxInt32 {
		pre, mem = baseMem(x(a.Base), int32(a.Disp), size)
		return pre, mem, nil
	}
	if a.Base.Valid() && a.Index.Valid() && a.Disp == 0 {
		switch int32(a.Scale) {
		case 1:
			return nil, arm64.MemIndex(x(a.Base), x(a.Index), false), nil
		case size:
			return nil, arm64.MemIndex(x(a.Base), x(a.Index), true), nil
		}
	}
	pre, post = interiorAddr(g, x16, a)
	return pre, arm64.Mem(x16), post
}

// interiorAddr is addrInto that reports dst as a byref once it holds a
// pointer derived from a GC base. post ends the report.
func interiorAddr(g *codegen.Gen, dst arm64.Reg, a codegen.Address) (out asm.Group, post asm.Fragment) {
	out = addrInto(dst, a)
	if !g.HoldsGCPointer(a.Base) {
		return out, nil
	}
	begin, end := g.Interior(reg(dst.ID()))
	return append(asm.Group{out[0], begin}, out[1:]...), end
}

func (t *Target) GenNode(g *codegen.Gen, b *ir.Block, n *ir.Node) (asm.Fragment, error) {
	switch n.Op {
	case ir.OpNop:
		return nil, nil
	case ir.OpConst:
		return loadConst(n.Dst, n.Type, n.Imm), nil
	case ir.OpCopy:
		if err := srcs(n, 1); err != nil {
			return nil, err
		}
		return move(n.Dst, n.Srcs[0]), nil
	case ir.OpLclLoad:
		pre, mem := localMem(g, n.Local, accessSize(n.Type))
		return load(n.Dst, pre, mem, n.Type)
	case ir.OpLclStore:
		if err := srcs(n, 1); err != nil {
			return nil, err
		}
		pre, mem := localMem(g, n.Local, accessSize(n.Type))
		return store(pre, mem, n.Srcs[0], n.Type)
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpShl:
		return genArith(n)
	case ir.OpLea:
		a, err := codegen.ResolveAddress(n.Addr)
		if err != nil {
			return nil, err
		}
		pre, post := interiorAddr(g, x16, a)
		return asm.Group{pre, arm64.MovReg(x(n.Dst), x16), post}, nil
	case ir.OpLoadInd:
		a, err := codegen.ResolveAddress(n.Addr)
		if err != nil {
			return nil, err
		}
		pre, mem, post := memory(g, a, accessSize(n.Type))
		frag, err := load(n.Dst, pre, mem, n.Type)
		if err != nil {
			return nil, err
		}
		return asm.Group{frag, post}, nil
	case ir.OpStoreInd:
		if err := srcs(n, 1); err != nil {
			return nil, err
		}
		a, err := codegen.ResolveAddress(n.Addr)
		if err != nil {
			return nil, err
		}
		if n.Type.IsGC() {
			return genWriteBarrier(g, a, n.Srcs[0]), nil
		}
		pre, mem, post := memory(g, a, accessSize(n.Type))
		frag, err := store(pre, mem, n.Srcs[0], n.Type)
		if err != nil {
			return nil, err
		}
		return asm.Group{frag, post}, nil
	case ir.OpCall:
		if n.Type != ir.TypeVoid {
			ret := t.abi.IntReturn
			if n.Type.IsFloat() {
				ret = t.abi.FloatReturn
			}
			if n.Dst != ret {
				return nil, codegen.Internalf("call result in %s, expected %s", t.RegisterName(n.Dst), t.RegisterName(ret))
			}
		}
		if n.Helper != ir.HelperNone {
			return callHelper(g, n.Helper), nil
		}
		if err := srcs(n, 1); err != nil {
			return nil, err
		}
		return arm64.CallReg(x(n.Srcs[0])), nil
	case ir.OpThrow:
		h := n.Helper
		if h == ir.HelperNone {
			h = ir.HelperThrow
		}
		return callHelper(g, h), nil
	case ir.OpCatchArg:
		return move(n.Dst, t.abi.ExceptionObject), nil
	case ir.OpReturnValue:
		if err := srcs(n, 1); err != nil {
			return nil, err
		}
		ret := t.abi.IntReturn
		if n.Type.IsFloat() {
			ret = t.abi.FloatReturn
		}
		if n.Dst.Valid() && n.Dst != ret {
			return nil, codegen.Internalf("return value placed in %s, expected %s", t.RegisterName(n.Dst), t.RegisterName(ret))
		}
		return move(ret, n.Srcs[0]), nil
	case ir.OpCompare:
		return genCompare(n)
	case ir.OpSpill:
		if err := srcs(n, 1); err != nil {
			return nil, err
		}
		base, disp := g.TempAddr()
		pre, mem := baseMem(x(base), disp, accessSize(n.Type))
		return store(pre, mem, n.Srcs[0], n.Type)
	case ir.OpUnspill:
		base, disp := g.TempAddr()
		pre, mem := baseMem(x(base), disp, accessSize(n.Type))
		return load(n.Dst, pre, mem, n.Type)
	}
	return nil, codegen.Unsupportedf("node %s", n)
}

func localMem(g *codegen.Gen, i int, size int32) (asm.Fragment, arm64.Memory) {
	base, disp := g.LocalAddr(i)
	return baseMem(x(base), disp, size)
}

// genWriteBarrier passes the destination in x14 and the reference in x15.
func genWriteBarrier(g *codegen.Gen, a codegen.Address, src regset.Reg) asm.Fragment {
	x14, x15 := arm64.Reg64(arm64.X14), arm64.Reg64(arm64.X15)
	out, post := interiorAddr(g, x16, a)
	if src != reg(arm64.X15) {
		out = append(out, arm64.MovReg(x15, x(src)))
	}
	out = append(out, arm64.MovReg(x14, x16))
	if post != nil {
		begin, end := g.Interior(reg(arm64.X16), reg(arm64.X14))
		out, post = append(out, begin), end
	}
	return append(out, callHelper(g, ir.HelperCheckedWriteBarrier), post)
}

func genArith(n *ir.Node) (asm.Fragment, error) {
	if n.Type.IsFloat() {
		return nil, codegen.Unsupportedf("floating point %s", n.Op)
	}
	if err := srcs(n, 1); err != nil {
		return nil, err
	}
	dst, a := x(n.Dst), x(n.Srcs[0])
	if n.HasImm {
		switch n.Op {
		case ir.OpShl:
			return asm.Group{move(n.Dst, n.Srcs[0]), arm64.ShlRegImm(dst, uint32(n.Imm&63))}, nil
		case ir.OpAdd, ir.OpSub:
			v := n.Imm
			if n.Op == ir.OpSub {
				v = -v
			}
			switch {
			case addImmOK(v):
				return arm64.AddImm(dst, a, uint32(v)), nil
			case v != math.MinInt64 && addImmOK(-v):
				return arm64.SubImm(dst, a, uint32(-v)), nil
			}
			return asm.Group{arm64.MovImmediate(x16, v), arm64.Add3(dst, a, x16)}, nil
		}
		return asm.Group{arm64.MovImmediate(x16, n.Imm), arm64.Mul(dst, a, x16)}, nil
	}
	if err := srcs(n, 2); err != nil {
		return nil, err
	}
	b := x(n.Srcs[1])
	switch n.Op {
	case ir.OpAdd:
		return arm64.Add3(dst, a, b), nil
	case ir.OpMul:
		return arm64.Mul(dst, a, b), nil
	case ir.OpSub:
		if n.Dst == n.Srcs[1] && n.Dst != n.Srcs[0] {
			return asm.Group{arm64.MovReg(x16, b), arm64.MovReg(dst, a), arm64.SubRegReg(dst, x16)}, nil
		}
		return asm.Group{move(n.Dst, n.Srcs[0]), arm64.SubRegReg(dst, b)}, nil
	}
	return nil, codegen.Unsupportedf("variable shift")
}

// genCompare sets the flags for a comparison. 32-bit operands are compared
// in the upper half of the scratch registers so stale upper bits do not
// matter.
func genCompare(n *ir.Node) (asm.Fragment, error) {
	if err := srcs(n, 1); err != nil {
		return nil, err
	}
	if isVec(n.Srcs[0]) {
		return nil, codegen.Unsupportedf("floating point compare")
	}
	a := x(n.Srcs[0])
	narrow := n.Type.Size() == 4
	if narrow {
		var out asm.Group
		out = append(out, arm64.MovReg(x16, a), arm64.ShlRegImm(x16, 32))
		if n.HasImm {
			out = append(out, arm64.MovImmediate(x17, n.Imm<<32))
		} else {
			if err := srcs(n, 2); err != nil {
				return nil, err
			}
			out = append(out, arm64.MovReg(x17, x(n.Srcs[1])), arm64.ShlRegImm(x17, 32))
		}
		return append(out, arm64.CmpRegReg(x16, x17)), nil
	}
	if n.HasImm {
		if n.Imm >= 0 && n.Imm <= 0xfff {
			return arm64.CmpRegImm(a, int32(n.Imm)), nil
		}
		return asm.Group{arm64.MovImmediate(x16, n.Imm), arm64.CmpRegReg(a, x16)}, nil
	}
	if err := srcs(n, 2); err != nil {
		return nil, err
	}
	return arm64.CmpRegReg(a, x(n.Srcs[1])), nil
}

func (t *Target) GenMove(g *codegen.Gen, mv codegen.Move) (asm.Fragment, error) {
	switch mv.Kind {
	case codegen.MoveReg:
		return move(mv.Dst, mv.Src), nil
	case codegen.MoveStore:
		pre, mem := frameMem(g, mv.Offset, accessSize(mv.Type))
		return store(pre, mem, mv.Src, mv.Type)
	case codegen.MoveLoad:
		pre, mem := frameMem(g, mv.Offset, accessSize(mv.Type))
		return load(mv.Dst, pre, mem, mv.Type)
	case codegen.MoveCopy:
		srcPre, srcMem := frameMem(g, mv.SrcOffset, 8)
		dstPre, dstMem := frameMem(g, mv.Offset, 8)
		return asm.Group{srcPre, arm64.Load(x17, srcMem), dstPre, arm64.Store(dstMem, x17)}, nil
	case codegen.MoveLane:
		elem := vec(mv.Dst, mv.Type)
		return arm64.InsLane(elem, uint32(mv.DstLane), vec(mv.Src, mv.Type), uint32(mv.SrcLane)), nil
	}
	return nil, codegen.Unsupportedf("argument move %s", mv)
}

var conds = [...]arm64.Cond{
	ir.CondEQ:  arm64.CondEQ,
	ir.CondNE:  arm64.CondNE,
	ir.CondLT:  arm64.CondLT,
	ir.CondLE:  arm64.CondLE,
	ir.CondGT:  arm64.CondGT,
	ir.CondGE:  arm64.CondGE,
	ir.CondULT: arm64.CondCC,
	ir.CondULE: arm64.CondLS,
	ir.CondUGT: arm64.CondHI,
	ir.CondUGE: arm64.CondCS,
}

// Condition codes are paired so that flipping the low bit negates them.
func invert(c arm64.Cond) arm64.Cond { return c ^ 1 }

func jumpUnless(g *codegen.Gen, b, to *ir.Block) asm.Fragment {
	if g.FallsThrough(b, to) {
		return nil
	}
	return arm64.Jump(g.Label(to))
}

func (t *Target) GenBranch(g *codegen.Gen, b *ir.Block) (asm.Fragment, error) {
	switch b.Kind {
	case ir.JumpNone:
		return jumpUnless(g, b, b.Next()), nil
	case ir.JumpAlways, ir.JumpCallFinallyRet:
		return jumpUnless(g, b, b.Target), nil
	case ir.JumpCond:
		if int(b.Cond) >= len(conds) {
			return nil, codegen.Internalf("%s has condition %s", b, b.Cond)
		}
		cc := conds[b.Cond]
		other := b.False
		if other == nil {
			other = b.Next()
		}
		if g.FallsThrough(b, b.Target) && other != b.Target {
			return arm64.JumpIf(invert(cc), g.Label(other)), nil
		}
		return asm.Group{arm64.JumpIf(cc, g.Label(b.Target)), jumpUnless(g, b, other)}, nil
	case ir.JumpSwitch:
		sel := x(b.Selector)
		var out asm.Group
		last := len(b.Switch) - 1
		for i, target := range b.Switch[:last] {
			if i > 0xfff {
				return nil, codegen.Unsupportedf("switch with %d cases", len(b.Switch))
			}
			out = append(out, arm64.CmpRegImm(sel, int32(i)), arm64.JumpIf(arm64.CondEQ, g.Label(target)))
		}
		return append(out, jumpUnless(g, b, b.Switch[last])), nil
	case ir.JumpCallFinally:
		return asm.Group{
			arm64.MovReg(x(t.abi.FuncletEstablisher), fp),
			arm64.Call(g.Label(b.Target)),
		}, nil
	}
	return nil, codegen.Internalf("%s ends with %s", b, b.Kind)
}

func (t *Target) GenCatchRet(g *codegen.Gen, b *ir.Block) (asm.Fragment, error) {
	return arm64.Adr(x(t.abi.IntReturn), g.Label(b.Target)), nil
}
