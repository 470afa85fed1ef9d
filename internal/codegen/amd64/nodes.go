package amd64

import (
	"math"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

func fits32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// memory builds a memory operand for a, materializing displacements that do
// not fit in 32 bits into r11.
func memory(a codegen.Address) (asm.Fragment, amd64.Memory) {
	if !fits32(a.Disp) || (!a.Base.Valid() && !a.Index.Valid()) {
		pre := asm.Group{amd64.MovImmediate(r11, a.Disp)}
		if a.Base.Valid() {
			pre = append(pre, amd64.AddRegReg(r11, r64(a.Base)))
		}
		if a.Index.Valid() {
			return pre, amd64.MemIndex(r11, r64(a.Index), uint8(a.Scale))
		}
		return pre, amd64.Mem(r11)
	}
	disp := int32(a.Disp)
	switch {
	case a.Base.Valid() && a.Index.Valid():
		return nil, amd64.MemIndex(r64(a.Base), r64(a.Index), uint8(a.Scale)).WithDisp(disp)
	case a.Base.Valid():
		return nil, amd64.Mem(r64(a.Base)).WithDisp(disp)
	}
	return nil, amd64.MemScaled(r64(a.Index), uint8(a.Scale)).WithDisp(disp)
}

func move(dst, src regset.Reg) asm.Fragment {
	switch {
	case dst == src:
		return nil
	case isXMM(dst) && isXMM(src):
		return amd64.MovapsReg(xmm(dst), xmm(src))
	case isXMM(dst):
		return amd64.MovqToXmm(xmm(dst), r64(src))
	case isXMM(src):
		return amd64.MovqFromXmm(r64(dst), xmm(src))
	}
	return amd64.MovReg(r64(dst), r64(src))
}

func load(dst regset.Reg, mem amd64.Memory, t ir.VarType) (asm.Fragment, error) {
	if isXMM(dst) {
		switch t {
		case ir.TypeFloat:
			return amd64.MovssFromMemory(xmm(dst), mem), nil
		case ir.TypeSIMD16:
			return amd64.MovupsFromMemory(xmm(dst), mem), nil
		}
		return amd64.MovsdFromMemory(xmm(dst), mem), nil
	}
	switch t {
	case ir.TypeStruct, ir.TypeSIMD16, ir.TypeVoid:
		return nil, codegen.Unsupportedf("load of %s into %s", t, regNames[dst])
	}
	return amd64.MovFromMemory(gpr(dst, t), mem), nil
}

func store(mem amd64.Memory, src regset.Reg, t ir.VarType) (asm.Fragment, error) {
	if isXMM(src) {
		switch t {
		case ir.TypeFloat:
			return amd64.MovssToMemory(mem, xmm(src)), nil
		case ir.TypeSIMD16:
			return amd64.MovupsToMemory(mem, xmm(src)), nil
		}
		return amd64.MovsdToMemory(mem, xmm(src)), nil
	}
	switch t {
	case ir.TypeStruct, ir.TypeSIMD16, ir.TypeVoid:
		return nil, codegen.Unsupportedf("store of %s from %s", t, regNames[src])
	}
	return amd64.MovToMemory(mem, gpr(src, t)), nil
}

func loadConst(dst regset.Reg, t ir.VarType, v int64) asm.Fragment {
	if isXMM(dst) {
		if v == 0 {
			return amd64.Xorps(xmm(dst), xmm(dst))
		}
		return asm.Group{amd64.MovImmediate(r11, v), amd64.MovqToXmm(xmm(dst), r11)}
	}
	if v == 0 {
		return amd64.XorRegReg(r32(dst), r32(dst))
	}
	return amd64.MovImmediate(gpr(dst, t), v)
}

func callHelper(g *codegen.Gen, h ir.Helper) asm.Fragment {
	return asm.Group{
		amd64.MovImmediate(r11, int64(g.HelperAddress(h))),
		amd64.CallReg(r11),
	}
}

func srcs(n *ir.Node, count int) error {
	if len(n.Srcs) < count {
		return codegen.Internalf("%s needs %d sources, has %d", n, count, len(n.Srcs))
	}
	return nil
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
		return load(n.Dst, localMem(g, n.Local), n.Type)
	case ir.OpLclStore:
		if err := srcs(n, 1); err != nil {
			return nil, err
		}
		return store(localMem(g, n.Local), n.Srcs[0], n.Type)
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpShl:
		return t.genArith(n)
	case ir.OpLea:
		a, err := codegen.ResolveAddress(n.Addr)
		if err != nil {
			return nil, err
		}
		pre, mem := memory(a)
		return asm.Group{pre, amd64.Lea(r64(n.Dst), mem)}, nil
	case ir.OpLoadInd:
		a, err := codegen.ResolveAddress(n.Addr)
		if err != nil {
			return nil, err
		}
		pre, mem := memory(a)
		ld, err := load(n.Dst, mem, n.Type)
		if err != nil {
			return nil, err
		}
		return asm.Group{pre, ld}, nil
	case ir.OpStoreInd:
		if err := srcs(n, 1); err != nil {
			return nil, err
		}
		a, err := codegen.ResolveAddress(n.Addr)
		if err != nil {
			return nil, err
		}
		pre, mem := memory(a)
		if n.Type.IsGC() {
			return t.genWriteBarrier(g, pre, mem, n.Srcs[0]), nil
		}
		st, err := store(mem, n.Srcs[0], n.Type)
		if err != nil {
			return nil, err
		}
		return asm.Group{pre, st}, nil
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
		return amd64.CallReg(r64(n.Srcs[0])), nil
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
		return t.genCompare(n)
	case ir.OpSpill:
		if err := srcs(n, 1); err != nil {
			return nil, err
		}
		base, disp := g.TempAddr()
		return store(amd64.Mem(r64(base)).WithDisp(disp), n.Srcs[0], n.Type)
	case ir.OpUnspill:
		base, disp := g.TempAddr()
		return load(n.Dst, amd64.Mem(r64(base)).WithDisp(disp), n.Type)
	}
	return nil, codegen.Unsupportedf("node %s", n)
}

func localMem(g *codegen.Gen, i int) amd64.Memory {
	base, disp := g.LocalAddr(i)
	return amd64.Mem(r64(base)).WithDisp(disp)
}

// genWriteBarrier passes the destination in rcx and the reference in rdx.
func (t *Target) genWriteBarrier(g *codegen.Gen, pre asm.Fragment, mem amd64.Memory, src regset.Reg) asm.Fragment {
	out := asm.Group{pre, amd64.Lea(r11, mem)}
	if src != reg(amd64.RDX) {
		out = append(out, amd64.MovReg(rdx, r64(src)))
	}
	out = append(out, amd64.MovReg(rcx, r11))
	return append(out, callHelper(g, ir.HelperCheckedWriteBarrier))
}

func (t *Target) genArith(n *ir.Node) (asm.Fragment, error) {
	if n.Type.IsFloat() {
		return nil, codegen.Unsupportedf("floating point %s", n.Op)
	}
	if err := srcs(n, 1); err != nil {
		return nil, err
	}
	dst, a := gpr(n.Dst, n.Type), gpr(n.Srcs[0], n.Type)
	var out asm.Group
	if n.HasImm {
		if n.Op == ir.OpMul && fits32(n.Imm) {
			return amd64.ImulRegImm(dst, a, int32(n.Imm)), nil
		}
		if n.Dst != n.Srcs[0] {
			out = append(out, amd64.MovReg(dst, a))
		}
		if n.Op == ir.OpShl {
			return append(out, amd64.ShlRegImm(dst, uint8(n.Imm&63))), nil
		}
		if !fits32(n.Imm) {
			tmp := gpr(reg(amd64.R11), n.Type)
			out = append(out, amd64.MovImmediate(tmp, n.Imm))
			return append(out, arithRegReg(n.Op, dst, tmp)), nil
		}
		switch n.Op {
		case ir.OpAdd:
			return append(out, amd64.AddRegImm(dst, int32(n.Imm))), nil
		case ir.OpSub:
			return append(out, amd64.SubRegImm(dst, int32(n.Imm))), nil
		}
		return nil, codegen.Unsupportedf("%s with immediate", n.Op)
	}
	if err := srcs(n, 2); err != nil {
		return nil, err
	}
	if n.Op == ir.OpShl {
		return nil, codegen.Unsupportedf("variable shift")
	}
	bReg := n.Srcs[1]
	bop := gpr(bReg, n.Type)
	if n.Dst == bReg && n.Dst != n.Srcs[0] {
		if n.Op == ir.OpAdd || n.Op == ir.OpMul {
			return arithRegReg(n.Op, dst, a), nil
		}
		tmp := gpr(reg(amd64.R11), n.Type)
		return asm.Group{amd64.MovReg(tmp, bop), amd64.MovReg(dst, a), arithRegReg(n.Op, dst, tmp)}, nil
	}
	if n.Dst != n.Srcs[0] {
		out = append(out, amd64.MovReg(dst, a))
	}
	return append(out, arithRegReg(n.Op, dst, bop)), nil
}

func arithRegReg(op ir.Op, dst, src amd64.Reg) asm.Fragment {
	switch op {
	case ir.OpAdd:
		return amd64.AddRegReg(dst, src)
	case ir.OpSub:
		return amd64.SubRegReg(dst, src)
	}
	return amd64.ImulRegReg(dst, src)
}

func (t *Target) genCompare(n *ir.Node) (asm.Fragment, error) {
	if err := srcs(n, 1); err != nil {
		return nil, err
	}
	if isXMM(n.Srcs[0]) {
		return nil, codegen.Unsupportedf("floating point compare")
	}
	w := n.Type
	if w == ir.TypeVoid {
		w = ir.TypeLong
	}
	a := gpr(n.Srcs[0], w)
	if n.HasImm {
		if fits32(n.Imm) {
			return amd64.CmpRegImm(a, int32(n.Imm)), nil
		}
		return asm.Group{amd64.MovImmediate(r11, n.Imm), amd64.CmpRegReg(a, r11)}, nil
	}
	if err := srcs(n, 2); err != nil {
		return nil, err
	}
	return amd64.CmpRegReg(a, gpr(n.Srcs[1], w)), nil
}

func (t *Target) GenMove(g *codegen.Gen, mv codegen.Move) (asm.Fragment, error) {
	switch mv.Kind {
	case codegen.MoveReg:
		return move(mv.Dst, mv.Src), nil
	case codegen.MoveSwap:
		return amd64.Xchg(r64(mv.Dst), r64(mv.Src)), nil
	case codegen.MoveStore:
		return store(t.frameMem(g, mv.Offset), mv.Src, mv.Type)
	case codegen.MoveLoad:
		return load(mv.Dst, t.frameMem(g, mv.Offset), mv.Type)
	case codegen.MoveCopy:
		return asm.Group{
			amd64.MovFromMemory(r11, t.frameMem(g, mv.SrcOffset)),
			amd64.MovToMemory(t.frameMem(g, mv.Offset), r11),
		}, nil
	}
	return nil, codegen.Unsupportedf("argument move %s", mv)
}

var conds = [...]amd64.Cond{
	ir.CondEQ:  amd64.CondE,
	ir.CondNE:  amd64.CondNE,
	ir.CondLT:  amd64.CondL,
	ir.CondLE:  amd64.CondLE,
	ir.CondGT:  amd64.CondG,
	ir.CondGE:  amd64.CondGE,
	ir.CondULT: amd64.CondB,
	ir.CondULE: amd64.CondBE,
	ir.CondUGT: amd64.CondA,
	ir.CondUGE: amd64.CondAE,
}

// Condition codes are paired so that flipping the low bit negates them.
func invert(c amd64.Cond) amd64.Cond { return c ^ 1 }

func (t *Target) jumpUnless(g *codegen.Gen, b, to *ir.Block) asm.Fragment {
	if g.FallsThrough(b, to) {
		return nil
	}
	return amd64.Jump(g.Label(to))
}

func (t *Target) GenBranch(g *codegen.Gen, b *ir.Block) (asm.Fragment, error) {
	switch b.Kind {
	case ir.JumpNone:
		return t.jumpUnless(g, b, b.Next()), nil
	case ir.JumpAlways, ir.JumpCallFinallyRet:
		return t.jumpUnless(g, b, b.Target), nil
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
			return amd64.JumpIf(invert(cc), g.Label(other)), nil
		}
		return asm.Group{amd64.JumpIf(cc, g.Label(b.Target)), t.jumpUnless(g, b, other)}, nil
	case ir.JumpSwitch:
		sel := r64(b.Selector)
		var out asm.Group
		last := len(b.Switch) - 1
		for i, target := range b.Switch[:last] {
			out = append(out, amd64.CmpRegImm(sel, int32(i)), amd64.JumpIf(amd64.CondE, g.Label(target)))
		}
		return append(out, t.jumpUnless(g, b, b.Switch[last])), nil
	case ir.JumpCallFinally:
		return asm.Group{
			amd64.MovReg(r64(t.abi.FuncletEstablisher), rbp),
			amd64.Call(g.Label(b.Target)),
		}, nil
	}
	return nil, codegen.Internalf("%s ends with %s", b, b.Kind)
}

func (t *Target) GenCatchRet(g *codegen.Gen, b *ir.Block) (asm.Fragment, error) {
	return amd64.LeaLabel(rax, g.Label(b.Target)), nil
}
