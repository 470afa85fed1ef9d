// Package amd64 generates x86-64 code using the Windows x64 calling
// convention and unwind format.
package amd64

import (
	"strings"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

func init() {
	codegen.RegisterTarget(ir.ArchitectureX86_64, func() codegen.Target { return New() })
}

func reg(v asm.Variable) regset.Reg { return regset.Reg(v) }

func regs(vs ...asm.Variable) regset.Set {
	s := regset.Empty
	for _, v := range vs {
		s = s.Add(reg(v))
	}
	return s
}

var abi = codegen.ABI{
	PtrSize:    8,
	StackAlign: 16,

	IntArgRegs:   []regset.Reg{reg(amd64.RCX), reg(amd64.RDX), reg(amd64.R8), reg(amd64.R9)},
	FloatArgRegs: []regset.Reg{reg(amd64.XMM0), reg(amd64.XMM1), reg(amd64.XMM2), reg(amd64.XMM3)},

	CalleeSavedInt:   regs(amd64.RBX, amd64.RBP, amd64.RSI, amd64.RDI, amd64.R12, amd64.R13, amd64.R14, amd64.R15),
	CalleeSavedFloat: regset.Range(reg(amd64.XMM6), reg(amd64.XMM15)),
	CallerSaved: regs(amd64.RAX, amd64.RCX, amd64.RDX, amd64.R8, amd64.R9, amd64.R10, amd64.R11).
		Union(regset.Range(reg(amd64.XMM0), reg(amd64.XMM5))),

	IntReturn:   reg(amd64.RAX),
	FloatReturn: reg(amd64.XMM0),

	FramePointer: reg(amd64.RBP),
	StackPointer: reg(amd64.RSP),
	LinkRegister: regset.None,

	ExceptionObject:    reg(amd64.RDX),
	FuncletEstablisher: reg(amd64.RCX),

	ShadowSpace:     32,
	IncomingArgBase: 40,

	Scratch:      []regset.Reg{reg(amd64.R10), reg(amd64.R11)},
	FloatScratch: []regset.Reg{reg(amd64.XMM5), reg(amd64.XMM4)},

	StackProbeRegs: regs(amd64.RAX),
	BlockInitRegs:  regs(amd64.RDI, amd64.RCX, amd64.RAX),
	EnCRegs:        regs(amd64.RSI, amd64.RDI),
	PInvokeRegs:    regs(amd64.RBX, amd64.RDI),
	ProfilerRegs:   regs(amd64.RCX, amd64.RDX),

	WriteBarrierKill: regs(amd64.RAX, amd64.RCX, amd64.RDX),

	FixedOutArgs:  true,
	HasExchange:   true,
	FloatSaveArea: true,
}

var regNames = [...]string{
	amd64.RAX: "rax", amd64.RBX: "rbx", amd64.RCX: "rcx", amd64.RDX: "rdx",
	amd64.RSI: "rsi", amd64.RDI: "rdi", amd64.RSP: "rsp", amd64.RBP: "rbp",
	amd64.R8: "r8", amd64.R9: "r9", amd64.R10: "r10", amd64.R11: "r11",
	amd64.R12: "r12", amd64.R13: "r13", amd64.R14: "r14", amd64.R15: "r15",
	amd64.XMM0: "xmm0", amd64.XMM1: "xmm1", amd64.XMM2: "xmm2", amd64.XMM3: "xmm3",
	amd64.XMM4: "xmm4", amd64.XMM5: "xmm5", amd64.XMM6: "xmm6", amd64.XMM7: "xmm7",
	amd64.XMM8: "xmm8", amd64.XMM9: "xmm9", amd64.XMM10: "xmm10", amd64.XMM11: "xmm11",
	amd64.XMM12: "xmm12", amd64.XMM13: "xmm13", amd64.XMM14: "xmm14", amd64.XMM15: "xmm15",
}

// Target is the x86-64 code generator.
type Target struct {
	abi codegen.ABI
}

var _ codegen.Target = (*Target)(nil)

func New() *Target {
	return &Target{abi: abi}
}

func (t *Target) Arch() ir.Architecture { return ir.ArchitectureX86_64 }

func (t *Target) ABI() *codegen.ABI { return &t.abi }

func (t *Target) RegisterName(r regset.Reg) string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "?"
}

func (t *Target) RegisterByName(name string) (regset.Reg, bool) {
	name = strings.ToLower(name)
	for i, n := range regNames {
		if n == name {
			return regset.Reg(i), true
		}
	}
	return regset.None, false
}

func (t *Target) NewStream(prev *asm.Layout) codegen.Stream {
	return amd64.NewContext(prev)
}

func (t *Target) GenBreak() asm.Fragment { return amd64.Int3() }

func isXMM(r regset.Reg) bool { return amd64.IsXMM(asm.Variable(r)) }

func r64(r regset.Reg) amd64.Reg { return amd64.Reg64(asm.Variable(r)) }

func r32(r regset.Reg) amd64.Reg { return amd64.Reg32(asm.Variable(r)) }

func xmm(r regset.Reg) amd64.Reg { return amd64.Xmm(asm.Variable(r)) }

// gpr picks the operand width for a value of type t.
func gpr(r regset.Reg, t ir.VarType) amd64.Reg {
	if t.Size() == 4 {
		return r32(r)
	}
	return r64(r)
}

var (
	rax = amd64.Reg64(amd64.RAX)
	rcx = amd64.Reg64(amd64.RCX)
	rdx = amd64.Reg64(amd64.RDX)
	rdi = amd64.Reg64(amd64.RDI)
	rsp = amd64.Reg64(amd64.RSP)
	rbp = amd64.Reg64(amd64.RBP)
	r10 = amd64.Reg64(amd64.R10)
	r11 = amd64.Reg64(amd64.R11)
)
