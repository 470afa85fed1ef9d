package codegen

import (
	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
	"github.com/tinyrange/jit/internal/unwind"
)

// build generates the fragment stream of the whole method. Bookkeeping that
// depends on offsets is attached as hooks, so the stream can be emitted more
// than once.
func (g *Gen) build() (asm.Group, error) {
	g.frags = nil
	g.Life = NewLiveness(g.Method, g.Frame, g.ABI.PtrSize)
	g.Life.OnBorn = func(index int, loc VarLocation) {
		g.emit(g.hook(func(em *emission, off int) { em.ranges.begin(index, loc, off) }))
	}
	g.Life.OnDeath = func(index int) {
		g.emit(g.hook(func(em *emission, off int) { em.ranges.end(index, off) }))
	}

	if err := g.genProlog(); err != nil {
		return nil, err
	}
	for _, b := range g.Method.Blocks {
		if err := g.genBlock(b); err != nil {
			return nil, err
		}
	}
	if n := g.Temps.InUse(); n != 0 {
		return nil, Internalf("%d spill temps still in use at the end of %s", n, g.Method.Name)
	}
	return g.frags, nil
}

func (g *Gen) genBlock(b *ir.Block) error {
	if f, ok := g.funcletAt[b]; ok {
		g.cur = f
		g.emit(g.hook(func(em *emission, off int) { em.unwind.Begin(unwind.RegionFunclet, off) }))
	} else if b == g.coldBlock {
		g.emit(g.hook(func(em *emission, off int) {
			em.unwind.Begin(unwind.RegionCold, off)
			em.coldStart = off
		}))
	}
	g.emit(g.hook(func(em *emission, off int) { em.blockStart[b] = off }))
	if b.Flags.Has(ir.FlagHasLabel) {
		g.emit(asm.MarkLabel(BlockLabel(b)))
	}
	if f, ok := g.funcletAt[b]; ok {
		prolog, err := g.Target.GenFuncletProlog(g, f)
		if err != nil {
			return err
		}
		g.emit(prolog, g.hook(func(em *emission, off int) { em.unwind.EndProlog(off) }))
	}

	if err := g.Life.StartBlock(b, g.ABI.ExceptionObject); err != nil {
		return err
	}
	// spills may stay live across block boundaries
	for _, s := range g.Temps.Live() {
		g.Life.GC.SetStack(s.Offset, s.Type.GCKind())
	}
	g.snapshot()

	if b.Flags.Has(ir.FlagThrowHelper) && !g.ABI.FixedOutArgs {
		g.stackLevels[b.ID] = b.StackLevel
	}

	for _, n := range b.Nodes {
		if err := g.genNode(b, n); err != nil {
			return err
		}
	}
	if err := g.Life.Update(b.LiveOut); err != nil {
		return err
	}
	g.snapshot()

	if err := g.genBlockEnd(b); err != nil {
		return err
	}
	if b.Kind == ir.JumpThrow && b.EndsWithCall() && g.EndsRegion(b) {
		g.emit(g.Target.GenBreak())
	}
	g.emit(g.hook(func(em *emission, off int) { em.ranges.endAll(off) }))
	return nil
}

// producesValue reports whether n writes its Dst register.
func producesValue(n *ir.Node) bool {
	if !n.Dst.Valid() {
		return false
	}
	switch n.Op {
	case ir.OpConst, ir.OpCopy, ir.OpLclLoad, ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpShl,
		ir.OpLea, ir.OpLoadInd, ir.OpCatchArg, ir.OpReturnValue, ir.OpUnspill:
		return true
	case ir.OpCall:
		return n.Type != ir.TypeVoid
	}
	return false
}

// isWriteBarrier reports whether n stores a GC reference into the heap.
func isWriteBarrier(n *ir.Node) bool { return n.Op == ir.OpStoreInd && n.Type.IsGC() }

// killSet is the register kill set of a call node.
func (g *Gen) killSet(n *ir.Node) regset.Set {
	h := n.Helper
	if isWriteBarrier(n) {
		h = ir.HelperCheckedWriteBarrier
	}
	if h != ir.HelperNone {
		if k, ok := g.Runtime.HelperKillSet(h); ok {
			return k
		}
	}
	if isWriteBarrier(n) {
		return g.ABI.WriteBarrierKill
	}
	return g.ABI.CallerSaved
}

func (g *Gen) genNode(b *ir.Block, n *ir.Node) error {
	g.nodeTemp = nil
	switch n.Op {
	case ir.OpSpill:
		slot, err := g.Temps.Acquire(n.Type)
		if err != nil {
			return err
		}
		if err := g.Temps.Bind(n.Temp, slot); err != nil {
			return err
		}
		g.nodeTemp = slot
	case ir.OpUnspill:
		slot, err := g.Temps.Unbind(n.Temp)
		if err != nil {
			return err
		}
		if slot.Type != n.Type {
			return Internalf("spill temp %d holds %s, reloaded as %s", n.Temp, slot.Type, n.Type)
		}
		g.nodeTemp = slot
	}

	frag, err := g.Target.GenNode(g, b, n)
	if err != nil {
		return err
	}
	g.emit(frag)

	dying, born, err := g.Life.NodeChange(n)
	if err != nil {
		return err
	}
	if err := g.Life.Kill(dying); err != nil {
		return err
	}
	if n.Op == ir.OpCall || n.Op == ir.OpThrow || isWriteBarrier(n) {
		if err := g.Life.CallKill(g.killSet(n)); err != nil {
			return err
		}
		g.safepoint()
	}
	switch n.Op {
	case ir.OpSpill:
		g.Life.GC.SetStack(g.nodeTemp.Offset, n.Type.GCKind())
	case ir.OpUnspill:
		g.Life.GC.ClearStack(g.nodeTemp.Offset)
		if err := g.Temps.Release(g.nodeTemp); err != nil {
			return err
		}
	}
	if producesValue(n) {
		if err := g.Life.Define(n.Dst, n.Type.GCKind()); err != nil {
			return err
		}
	}
	if err := g.Life.Birth(born); err != nil {
		return err
	}
	if err := g.Life.KillTemps(n.Dies); err != nil {
		return err
	}
	g.snapshot()
	return nil
}

func (g *Gen) genBlockEnd(b *ir.Block) error {
	switch b.Kind {
	case ir.JumpReturn:
		if g.cur != nil {
			return Internalf("return block %s inside %s", b, g.cur)
		}
		return g.genEpilog()
	case ir.JumpEHFinallyRet, ir.JumpEHFaultRet, ir.JumpEHFilterRet:
		return g.genFuncletEpilog(b)
	case ir.JumpEHCatchRet:
		frag, err := g.Target.GenCatchRet(g, b)
		if err != nil {
			return err
		}
		g.emit(frag)
		return g.genFuncletEpilog(b)
	case ir.JumpThrow:
		return nil
	case ir.JumpCallFinally:
		frag, err := g.Target.GenBranch(g, b)
		if err != nil {
			return err
		}
		g.emit(frag)
		g.safepoint()
		if !g.Method.IsCallFinallyPair(b) {
			g.emit(g.Target.GenBreak())
		}
		return nil
	}
	frag, err := g.Target.GenBranch(g, b)
	if err != nil {
		return err
	}
	g.emit(frag)
	return nil
}

func (g *Gen) genFuncletEpilog(b *ir.Block) error {
	if g.cur == nil {
		return Internalf("funclet return %s outside a funclet", b)
	}
	frag, err := g.Target.GenFuncletEpilog(g, g.cur)
	if err != nil {
		return err
	}
	g.emitEpilog(frag)
	return nil
}

// emitEpilog brackets frag with the hooks that record an epilog range.
func (g *Gen) emitEpilog(frag asm.Fragment) {
	g.emit(
		g.hook(func(em *emission, off int) { em.epilogStart = off }),
		frag,
		g.hook(func(em *emission, off int) {
			em.unwind.Epilog(em.epilogStart, off)
			if em.epilogSize == 0 && em.unwind.Current().Kind == unwind.RegionMain {
				em.epilogSize = off - em.epilogStart
			}
		}),
	)
}
