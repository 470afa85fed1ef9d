package arm64

import (
	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/arm64"
	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
	"github.com/tinyrange/jit/internal/unwind"
)

// maxAlloc is the largest stack adjustment two immediate subtracts reach.
const maxAlloc = 0xffffff

func roundUp(n, align int) int { return (n + align - 1) &^ (align - 1) }

// saveGroups splits a register set into stp pairs of consecutive registers
// and single str saves. Every group occupies one 16-byte slot.
func saveGroups(s regset.Set) [][]regset.Reg {
	var out [][]regset.Reg
	rs := s.Regs()
	for i := 0; i < len(rs); i++ {
		if i+1 < len(rs) && rs[i+1] == rs[i]+1 {
			out = append(out, []regset.Reg{rs[i], rs[i+1]})
			i++
			continue
		}
		out = append(out, []regset.Reg{rs[i]})
	}
	return out
}

// intSaves are the integer registers saved apart from the frame record.
func intSaves(f *codegen.FrameLayout) regset.Set {
	return f.IntSaved.Remove(abi.FramePointer).Remove(abi.LinkRegister)
}

func (t *Target) FinishFrame(f *codegen.FrameLayout) error {
	groups := len(saveGroups(intSaves(f))) + len(saveGroups(f.FloatSaved))
	f.SaveAreaSize = 16 * (1 + groups)
	f.AllocSize = roundUp(f.LocalsSize, 16)
	if f.AllocSize > maxAlloc {
		return codegen.Unsupportedf("stack frame of %d bytes", f.AllocSize)
	}
	f.TotalSize = f.SaveAreaSize + f.AllocSize
	// The frame pointer addresses the frame record at the top of the frame.
	f.FPDelta = int32(f.TotalSize - 16)
	return nil
}

// fits reports whether disp can be encoded directly for an access of size
// bytes.
func fits(disp, size int32) bool {
	if disp >= -256 && disp <= 255 {
		return true
	}
	return disp >= 0 && disp%size == 0 && disp/size <= 0xfff
}

// baseMem addresses base+disp, going through x16 when the displacement is
// out of range.
func baseMem(base arm64.Reg, disp, size int32) (asm.Fragment, arm64.Memory) {
	if fits(disp, size) {
		return nil, arm64.Mem(base).WithDisp(disp)
	}
	return asm.Group{arm64.MovReg(x16, base), arm64.AddRegImm(x16, disp)}, arm64.Mem(x16)
}

func frameMem(g *codegen.Gen, off, size int32) (asm.Fragment, arm64.Memory) {
	base, disp := g.FrameAddr(off)
	return baseMem(x(base), disp, size)
}

func pushSlot() arm64.Memory { return arm64.Mem(sp).WithDisp(-16) }

func popSlot() arm64.Memory { return arm64.Mem(sp).WithDisp(16) }

// saveRegs pushes the frame record and the callee-saved registers, one
// pre-indexed store per 16-byte slot.
func (t *Target) saveRegs(g *codegen.Gen, setFP bool) asm.Group {
	f := g.Frame
	pushed := func(a, b regset.Reg) asm.Group {
		out := asm.Group{g.Unwind(unwind.Code{Op: unwind.OpAlloc, Size: 16})}
		if b.Valid() {
			return append(out, g.Unwind(unwind.Code{Op: unwind.OpSavePair, Reg: a, Reg2: b}))
		}
		return append(out, g.Unwind(unwind.Code{Op: unwind.OpSave, Reg: a}))
	}

	out := asm.Group{arm64.StorePair(fp, lr, pushSlot(), arm64.PreIndex)}
	out = append(out, pushed(abi.FramePointer, abi.LinkRegister)...)
	if setFP {
		out = append(out,
			arm64.MovReg(fp, sp),
			g.Unwind(unwind.Code{Op: unwind.OpSetFP, Reg: abi.FramePointer}),
		)
	}
	for _, grp := range saveGroups(intSaves(f)) {
		if len(grp) == 2 {
			out = append(out, arm64.StorePair(x(grp[0]), x(grp[1]), pushSlot(), arm64.PreIndex))
			out = append(out, pushed(grp[0], grp[1])...)
			continue
		}
		out = append(out, arm64.StoreIndexed(pushSlot(), x(grp[0]), arm64.PreIndex))
		out = append(out, pushed(grp[0], regset.None)...)
	}
	for _, grp := range saveGroups(f.FloatSaved) {
		if len(grp) == 2 {
			out = append(out, arm64.StorePair(vec(grp[0], ir.TypeDouble), vec(grp[1], ir.TypeDouble), pushSlot(), arm64.PreIndex))
			out = append(out, pushed(grp[0], grp[1])...)
			continue
		}
		out = append(out, arm64.StoreIndexed(pushSlot(), vec(grp[0], ir.TypeDouble), arm64.PreIndex))
		out = append(out, pushed(grp[0], regset.None)...)
	}
	return out
}

// restoreRegs undoes saveRegs and returns.
func (t *Target) restoreRegs(g *codegen.Gen) asm.Group {
	f := g.Frame
	var out asm.Group
	floats := saveGroups(f.FloatSaved)
	for i := len(floats) - 1; i >= 0; i-- {
		grp := floats[i]
		if len(grp) == 2 {
			out = append(out, arm64.LoadPair(vec(grp[0], ir.TypeDouble), vec(grp[1], ir.TypeDouble), popSlot(), arm64.PostIndex))
		} else {
			out = append(out, arm64.LoadIndexed(vec(grp[0], ir.TypeDouble), popSlot(), arm64.PostIndex))
		}
	}
	ints := saveGroups(intSaves(f))
	for i := len(ints) - 1; i >= 0; i-- {
		grp := ints[i]
		if len(grp) == 2 {
			out = append(out, arm64.LoadPair(x(grp[0]), x(grp[1]), popSlot(), arm64.PostIndex))
		} else {
			out = append(out, arm64.LoadIndexed(x(grp[0]), popSlot(), arm64.PostIndex))
		}
	}
	return append(out, arm64.LoadPair(fp, lr, popSlot(), arm64.PostIndex))
}

// allocate moves sp down by size, one unwind code per instruction.
func allocate(g *codegen.Gen, size int) asm.Group {
	var out asm.Group
	for _, part := range []int{size &^ 0xfff, size & 0xfff} {
		if part == 0 {
			continue
		}
		out = append(out,
			arm64.SubImm(sp, sp, uint32(part)),
			g.Unwind(unwind.Code{Op: unwind.OpAlloc, Size: int32(part)}),
		)
	}
	return out
}

func release(size int) asm.Group {
	var out asm.Group
	for _, part := range []int{size & 0xfff, size &^ 0xfff} {
		if part != 0 {
			out = append(out, arm64.AddImm(sp, sp, uint32(part)))
		}
	}
	return out
}

func (t *Target) GenFrameSetup(g *codegen.Gen) (asm.Fragment, error) {
	f, m := g.Frame, g.Method
	if m.Flags.Has(ir.MethodVarargs) {
		return nil, codegen.Unsupportedf("varargs methods on arm64")
	}
	var out asm.Group
	if m.OSR != nil {
		if len(m.OSR.CalleeSaved) > 0 {
			return nil, codegen.Unsupportedf("arm64 OSR frame with saved registers")
		}
		if m.OSR.FrameSize%16 != 0 || m.OSR.FrameSize > maxAlloc {
			return nil, codegen.Unsupportedf("arm64 OSR frame of %d bytes", m.OSR.FrameSize)
		}
		if m.OSR.FrameSize > 0 {
			out = append(out, g.Phantom(unwind.Code{Op: unwind.OpAlloc, Size: int32(m.OSR.FrameSize)}))
		}
	}
	if f.Probe {
		out = append(out, t.genProbe(g, f.TotalSize))
	}
	out = append(out, t.saveRegs(g, true)...)
	return append(out, allocate(g, f.AllocSize)...), nil
}

// genProbe touches every page of the frame below the entry stack pointer
// before any of it is used.
func (t *Target) genProbe(g *codegen.Gen, size int) asm.Fragment {
	page := int(g.Config.PageSize)
	pages := size / page
	if pages <= g.Config.ProbeUnrollPages {
		var out asm.Group
		for p := 1; p <= pages; p++ {
			out = append(out,
				arm64.SubImm(x16, sp, uint32(p*page)),
				arm64.Load(xzr, arm64.Mem(x16)),
			)
		}
		return out
	}
	loop := g.NewLabel("probe")
	return asm.Group{
		arm64.MovImmediate(x17, int64(size)),
		arm64.MovReg(x16, sp),
		arm64.SubRegReg(x16, x17),
		arm64.MovReg(x17, x16),
		arm64.MovReg(x16, sp),
		asm.MarkLabel(loop),
		arm64.SubImm(x16, x16, uint32(page)),
		arm64.Load(xzr, arm64.Mem(x16)),
		arm64.CmpRegReg(x16, x17),
		arm64.JumpIf(arm64.CondHI, loop),
	}
}

func (t *Target) GenFrameTeardown(g *codegen.Gen) (asm.Fragment, error) {
	f, m := g.Frame, g.Method
	out := release(f.AllocSize)
	out = append(out, t.restoreRegs(g)...)
	if m.OSR != nil && m.OSR.FrameSize > 0 {
		out = append(out, release(m.OSR.FrameSize)...)
	}
	return append(out, arm64.Ret()), nil
}

func funcletAlloc(f *codegen.FrameLayout) int { return roundUp(f.OutgoingArgs, 16) }

func (t *Target) GenFuncletProlog(g *codegen.Gen, fn *codegen.Funclet) (asm.Fragment, error) {
	out := t.saveRegs(g, false)
	out = append(out, allocate(g, funcletAlloc(g.Frame))...)
	// Frame accesses inside the funclet go through the parent's frame
	// pointer.
	return append(out, arm64.MovReg(fp, x(abi.FuncletEstablisher))), nil
}

func (t *Target) GenFuncletEpilog(g *codegen.Gen, fn *codegen.Funclet) (asm.Fragment, error) {
	out := release(funcletAlloc(g.Frame))
	out = append(out, t.restoreRegs(g)...)
	return append(out, arm64.Ret()), nil
}

func (t *Target) GenZeroInit(g *codegen.Gen) (asm.Fragment, error) {
	f := g.Frame
	size := f.MustInitSize()
	if size%8 != 0 {
		return nil, codegen.Internalf("must-init region of %d bytes is not slot aligned", size)
	}
	if f.BlockInit {
		x9, x10 := arm64.Reg64(arm64.X9), arm64.Reg64(arm64.X10)
		out := asm.Group{arm64.MovReg(x9, sp)}
		if f.MustInitStart != 0 {
			out = append(out, arm64.AddRegImm(x9, f.MustInitStart))
		}
		if pairs := size / 16; pairs > 0 {
			loop := g.NewLabel("zero")
			out = append(out,
				arm64.MovImmediate(x10, int64(pairs)),
				asm.MarkLabel(loop),
				arm64.StorePair(xzr, xzr, arm64.Mem(x9).WithDisp(16), arm64.PostIndex),
				arm64.SubsImm(x10, x10, 1),
				arm64.JumpIf(arm64.CondNE, loop),
			)
		}
		if size%16 != 0 {
			out = append(out, arm64.Store(arm64.Mem(x9), xzr))
		}
		return out, nil
	}
	var out asm.Group
	off := f.MustInitStart
	for ; off+16 <= f.MustInitEnd && off <= 504; off += 16 {
		out = append(out, arm64.StorePair(xzr, xzr, arm64.Mem(sp).WithDisp(off), arm64.Offset))
	}
	for ; off < f.MustInitEnd; off += 8 {
		pre, mem := baseMem(sp, off, 8)
		out = append(out, pre, arm64.Store(mem, xzr))
	}
	return out, nil
}

func (t *Target) GenGSCookieStore(g *codegen.Gen) (asm.Fragment, error) {
	pre, mem := frameMem(g, g.Frame.GSCookie, 8)
	return asm.Group{
		arm64.MovImmediate(x17, int64(g.Method.GSCookie)),
		pre,
		arm64.Store(mem, x17),
	}, nil
}

func (t *Target) GenGSCookieCheck(g *codegen.Gen) (asm.Fragment, error) {
	ok := g.NewLabel("gsok")
	pre, mem := frameMem(g, g.Frame.GSCookie, 8)
	return asm.Group{
		pre,
		arm64.Load(x17, mem),
		arm64.MovImmediate(x16, int64(g.Method.GSCookie)),
		arm64.CmpRegReg(x16, x17),
		arm64.JumpIf(arm64.CondEQ, ok),
		arm64.MovImmediate(x16, int64(g.HelperAddress(ir.HelperFailFast))),
		arm64.CallReg(x16),
		asm.MarkLabel(ok),
	}, nil
}
