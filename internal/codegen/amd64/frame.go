package amd64

import (
	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
	"github.com/tinyrange/jit/internal/unwind"
)

// maxFPDelta is the largest frame pointer offset the unwind format encodes.
const maxFPDelta = 240

func roundUp(n, align int) int { return (n + align - 1) &^ (align - 1) }

// pushOrder lists the integer registers saved with push: the frame pointer
// first, then the rest in ascending order.
func pushOrder(f *codegen.FrameLayout) []regset.Reg {
	var out []regset.Reg
	if f.IntSaved.Has(reg(amd64.RBP)) {
		out = append(out, reg(amd64.RBP))
	}
	return append(out, f.IntSaved.Remove(reg(amd64.RBP)).Regs()...)
}

func (t *Target) FinishFrame(f *codegen.FrameLayout) error {
	n := f.IntSaved.Len()
	top := f.LocalsSize
	if nf := f.FloatSaved.Len(); nf > 0 {
		top = roundUp(top, 16)
		f.FloatSaveOffset = int32(top)
		top += 16 * nf
	}
	alloc := top
	for (8+8*n+alloc)%16 != 0 {
		alloc += 8
	}
	f.AllocSize = alloc
	f.SaveAreaSize = 8 * n
	f.TotalSize = 8*n + alloc
	if f.UseFP {
		f.FPDelta = int32(min(alloc, maxFPDelta) &^ 15)
	}
	return nil
}

func spMem(disp int32) amd64.Memory { return amd64.Mem(rsp).WithDisp(disp) }

func (t *Target) frameMem(g *codegen.Gen, off int32) amd64.Memory {
	base, disp := g.FrameAddr(off)
	return amd64.Mem(r64(base)).WithDisp(disp)
}

func (t *Target) GenFrameSetup(g *codegen.Gen) (asm.Fragment, error) {
	f, m := g.Frame, g.Method
	var out asm.Group

	if m.Flags.Has(ir.MethodVarargs) {
		// Spill the register arguments into their caller-allocated homes.
		for i, r := range t.abi.IntArgRegs {
			out = append(out, amd64.MovToMemory(spMem(int32(8+8*i)), r64(r)))
		}
	}
	if m.OSR != nil {
		for _, r := range m.OSR.CalleeSaved {
			out = append(out, g.Phantom(unwind.Code{Op: unwind.OpPush, Reg: r}))
		}
		if rest := m.OSR.FrameSize - 8*len(m.OSR.CalleeSaved); rest > 0 {
			out = append(out, g.Phantom(unwind.Code{Op: unwind.OpAlloc, Size: int32(rest)}))
		}
	}
	for _, r := range pushOrder(f) {
		out = append(out, amd64.Push(r64(r)), g.Unwind(unwind.Code{Op: unwind.OpPush, Reg: r}))
	}
	if f.AllocSize > 0 {
		if f.Probe || f.AllocSize >= int(g.Config.PageSize) {
			out = append(out, t.genProbe(g, f.AllocSize))
		}
		out = append(out,
			amd64.SubRegImm(rsp, int32(f.AllocSize)),
			g.Unwind(unwind.Code{Op: unwind.OpAlloc, Size: int32(f.AllocSize)}),
		)
	}
	if f.UseFP {
		out = append(out,
			amd64.Lea(rbp, spMem(f.FPDelta)),
			g.Unwind(unwind.Code{Op: unwind.OpSetFP, Reg: reg(amd64.RBP), Size: f.FPDelta}),
		)
	}
	for i, r := range f.FloatSaved.Regs() {
		off := f.FloatSaveOffset + int32(16*i)
		out = append(out,
			amd64.MovapsToMemory(spMem(off), xmm(r)),
			g.Unwind(unwind.Code{Op: unwind.OpSaveVector, Reg: r, Size: off}),
		)
	}
	return out, nil
}

// genProbe touches every guard page the allocation will cross, before the
// stack pointer moves.
func (t *Target) genProbe(g *codegen.Gen, size int) asm.Fragment {
	page := int(g.Config.PageSize)
	pages := size / page
	if pages <= g.Config.ProbeUnrollPages {
		var out asm.Group
		for p := 1; p <= pages; p++ {
			out = append(out, amd64.TestMemReg(spMem(int32(-p*page)), rax))
		}
		return out
	}
	loop := g.NewLabel("probe")
	return asm.Group{
		amd64.MovReg(rax, rsp),
		amd64.Lea(r11, spMem(int32(-size))),
		asm.MarkLabel(loop),
		amd64.SubRegImm(rax, int32(page)),
		amd64.TestMemReg(amd64.Mem(rax), rax),
		amd64.CmpRegReg(rax, r11),
		amd64.JumpIf(amd64.CondA, loop),
	}
}

func (t *Target) GenFrameTeardown(g *codegen.Gen) (asm.Fragment, error) {
	f, m := g.Frame, g.Method
	var out asm.Group
	for i, r := range f.FloatSaved.Regs() {
		out = append(out, amd64.MovapsFromMemory(xmm(r), spMem(f.FloatSaveOffset+int32(16*i))))
	}
	if f.AllocSize > 0 {
		out = append(out, amd64.AddRegImm(rsp, int32(f.AllocSize)))
	}
	pushed := pushOrder(f)
	for i := len(pushed) - 1; i >= 0; i-- {
		out = append(out, amd64.Pop(r64(pushed[i])))
	}
	if m.OSR != nil {
		if rest := m.OSR.FrameSize - 8*len(m.OSR.CalleeSaved); rest > 0 {
			out = append(out, amd64.AddRegImm(rsp, int32(rest)))
		}
		for i := len(m.OSR.CalleeSaved) - 1; i >= 0; i-- {
			out = append(out, amd64.Pop(r64(m.OSR.CalleeSaved[i])))
		}
	}
	out = append(out, amd64.Ret())
	return out, nil
}

// funcletAlloc is the stack a funclet allocates below its pushes: shadow or
// outgoing argument space plus the float save area, keeping alignment.
func funcletAlloc(f *codegen.FrameLayout) int {
	alloc := roundUp(max(f.OutgoingArgs, abi.ShadowSpace), 16) + 16*f.FloatSaved.Len()
	for (8+8*f.IntSaved.Len()+alloc)%16 != 0 {
		alloc += 8
	}
	return alloc
}

func funcletFloatBase(f *codegen.FrameLayout) int32 {
	return int32(roundUp(max(f.OutgoingArgs, abi.ShadowSpace), 16))
}

func (t *Target) GenFuncletProlog(g *codegen.Gen, fn *codegen.Funclet) (asm.Fragment, error) {
	f := g.Frame
	var out asm.Group
	for _, r := range pushOrder(f) {
		out = append(out, amd64.Push(r64(r)), g.Unwind(unwind.Code{Op: unwind.OpPush, Reg: r}))
	}
	alloc := funcletAlloc(f)
	out = append(out,
		amd64.SubRegImm(rsp, int32(alloc)),
		g.Unwind(unwind.Code{Op: unwind.OpAlloc, Size: int32(alloc)}),
	)
	base := funcletFloatBase(f)
	for i, r := range f.FloatSaved.Regs() {
		off := base + int32(16*i)
		out = append(out,
			amd64.MovapsToMemory(spMem(off), xmm(r)),
			g.Unwind(unwind.Code{Op: unwind.OpSaveVector, Reg: r, Size: off}),
		)
	}
	// The establisher frame is the parent's frame pointer.
	out = append(out, amd64.MovReg(rbp, r64(t.abi.FuncletEstablisher)))
	return out, nil
}

func (t *Target) GenFuncletEpilog(g *codegen.Gen, fn *codegen.Funclet) (asm.Fragment, error) {
	f := g.Frame
	var out asm.Group
	base := funcletFloatBase(f)
	for i, r := range f.FloatSaved.Regs() {
		out = append(out, amd64.MovapsFromMemory(xmm(r), spMem(base+int32(16*i))))
	}
	out = append(out, amd64.AddRegImm(rsp, int32(funcletAlloc(f))))
	pushed := pushOrder(f)
	for i := len(pushed) - 1; i >= 0; i-- {
		out = append(out, amd64.Pop(r64(pushed[i])))
	}
	out = append(out, amd64.Ret())
	return out, nil
}

// liveArgRegs are the argument registers still holding parameters while
// the prolog runs.
func liveArgRegs(m *ir.Method) regset.Set {
	s := regset.Empty
	for _, v := range m.Locals {
		if v.Param {
			s = s.Union(v.ArgRegMask())
		}
	}
	return s
}

func (t *Target) GenZeroInit(g *codegen.Gen) (asm.Fragment, error) {
	f := g.Frame
	size := f.MustInitSize()
	if size%8 != 0 {
		return nil, codegen.Internalf("must-init region of %d bytes is not slot aligned", size)
	}
	if f.BlockInit {
		saveRCX := liveArgRegs(g.Method).Has(reg(amd64.RCX))
		var out asm.Group
		if saveRCX {
			out = append(out, amd64.MovReg(r10, rcx))
		}
		out = append(out,
			amd64.Lea(rdi, spMem(f.MustInitStart)),
			amd64.MovImmediate(amd64.Reg32(amd64.RCX), int64(size/8)),
			amd64.XorRegReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RAX)),
			amd64.RepStosq(),
		)
		if saveRCX {
			out = append(out, amd64.MovReg(rcx, r10))
		}
		return out, nil
	}
	out := asm.Group{amd64.XorRegReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RAX))}
	for off := f.MustInitStart; off < f.MustInitEnd; off += 8 {
		out = append(out, amd64.MovToMemory(spMem(off), rax))
	}
	return out, nil
}

func (t *Target) GenGSCookieStore(g *codegen.Gen) (asm.Fragment, error) {
	return asm.Group{
		amd64.MovImmediate(r11, int64(g.Method.GSCookie)),
		amd64.MovToMemory(spMem(g.Frame.GSCookie), r11),
	}, nil
}

func (t *Target) GenGSCookieCheck(g *codegen.Gen) (asm.Fragment, error) {
	ok := g.NewLabel("gsok")
	return asm.Group{
		amd64.MovImmediate(r11, int64(g.Method.GSCookie)),
		amd64.CmpMemReg(spMem(g.Frame.GSCookie), r11),
		amd64.JumpIf(amd64.CondE, ok),
		amd64.MovImmediate(r11, int64(g.HelperAddress(ir.HelperFailFast))),
		amd64.CallReg(r11),
		asm.MarkLabel(ok),
	}, nil
}
