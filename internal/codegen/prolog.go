package codegen

import (
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/unwind"
)

// genProlog emits the main prolog: frame setup, zeroing of the must-init
// region, argument homing, the GS cookie and the generic context.
func (g *Gen) genProlog() error {
	m := g.Method
	g.emit(g.hook(func(em *emission, off int) { em.unwind.Begin(unwind.RegionMain, off) }))

	setup, err := g.Target.GenFrameSetup(g)
	if err != nil {
		return err
	}
	g.emit(setup)

	if g.Frame.MustInitSize() > 0 {
		zero, err := g.Target.GenZeroInit(g)
		if err != nil {
			return err
		}
		g.emit(zero)
	}

	endProlog := g.hook(func(em *emission, off int) {
		em.prologEnd = off
		em.unwind.EndProlog(off)
	})
	if !g.FullyInterruptible() {
		g.emit(endProlog)
	}

	moves, err := PlanHoming(m, g.Frame, g.ABI)
	if err != nil {
		return err
	}
	for _, mv := range moves {
		g.Log.Debug("home argument", "move", mv.String())
		frag, err := g.Target.GenMove(g, mv)
		if err != nil {
			return err
		}
		g.emit(frag)
	}

	if m.Flags.Has(ir.MethodGSCookie) {
		frag, err := g.Target.GenGSCookieStore(g)
		if err != nil {
			return err
		}
		g.emit(frag)
	}

	if g.Frame.GenericContext != noSlot {
		if err := g.storeGenericContext(); err != nil {
			return err
		}
	}

	if g.FullyInterruptible() {
		g.emit(endProlog)
	}
	return nil
}

// storeGenericContext copies the generic context parameter from its final
// home into the reserved frame slot.
func (g *Gen) storeGenericContext() error {
	for i, v := range g.Method.Locals {
		if !v.Param || !v.GenericContext {
			continue
		}
		var mv Move
		switch {
		case v.InReg():
			mv = Move{Kind: MoveStore, Type: ir.TypeLong, Src: v.Reg(), Offset: g.Frame.GenericContext}
		default:
			home, ok := g.Frame.LocalOffset(i)
			if !ok {
				return Internalf("generic context %s has no home", v.Name)
			}
			if home == g.Frame.GenericContext {
				return nil
			}
			mv = Move{Kind: MoveCopy, Type: ir.TypeLong, Offset: g.Frame.GenericContext, SrcOffset: home}
		}
		frag, err := g.Target.GenMove(g, mv)
		if err != nil {
			return err
		}
		g.emit(frag)
		return nil
	}
	return Internalf("%s has no generic context parameter", g.Method.Name)
}

// genEpilog emits the GS cookie check and the frame teardown of a return.
func (g *Gen) genEpilog() error {
	if g.Method.Flags.Has(ir.MethodGSCookie) {
		check, err := g.Target.GenGSCookieCheck(g)
		if err != nil {
			return err
		}
		g.emit(check)
	}
	teardown, err := g.Target.GenFrameTeardown(g)
	if err != nil {
		return err
	}
	g.emitEpilog(teardown)
	return nil
}
