// Package arm64 generates AArch64 code using the standard procedure call
// standard and the Windows ARM64 unwind format.
package arm64

import (
	"strconv"
	"strings"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/arm64"
	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

func init() {
	codegen.RegisterTarget(ir.ArchitectureARM64, func() codegen.Target { return New() })
}

func reg(v asm.Variable) regset.Reg { return regset.Reg(v) }

func regs(vs ...asm.Variable) regset.Set {
	s := regset.Empty
	for _, v := range vs {
		s = s.Add(reg(v))
	}
	return s
}

func regList(from, to asm.Variable) []regset.Reg {
	var out []regset.Reg
	for v := from; v <= to; v++ {
		out = append(out, reg(v))
	}
	return out
}

var abi = codegen.ABI{
	PtrSize:    8,
	StackAlign: 16,

	IntArgRegs:   regList(arm64.X0, arm64.X7),
	FloatArgRegs: regList(arm64.V0, arm64.V7),

	CalleeSavedInt:   regset.Range(reg(arm64.X19), reg(arm64.X28)),
	CalleeSavedFloat: regset.Range(reg(arm64.V8), reg(arm64.V15)),
	CallerSaved: regset.Range(reg(arm64.X0), reg(arm64.X17)).
		Union(regset.Range(reg(arm64.V0), reg(arm64.V7))).
		Union(regset.Range(reg(arm64.V16), reg(arm64.V31))),

	IntReturn:   reg(arm64.X0),
	FloatReturn: reg(arm64.V0),

	FramePointer:         reg(arm64.FP),
	StackPointer:         reg(arm64.SP),
	LinkRegister:         reg(arm64.LR),
	FramePointerRequired: true,

	ExceptionObject:    reg(arm64.X0),
	FuncletEstablisher: reg(arm64.X1),

	Scratch:      []regset.Reg{reg(arm64.X16), reg(arm64.X17)},
	FloatScratch: []regset.Reg{reg(arm64.V16), reg(arm64.V17)},

	StackProbeRegs: regs(arm64.X16, arm64.X17),
	BlockInitRegs:  regs(arm64.X9, arm64.X10),
	EnCRegs:        regset.Range(reg(arm64.X19), reg(arm64.X28)),
	PInvokeRegs:    regs(arm64.X19, arm64.X20),

	WriteBarrierKill: regs(arm64.X12, arm64.X14, arm64.X15, arm64.X16, arm64.X17),

	FixedOutArgs: true,
}

var regNames = func() []string {
	names := make([]string, arm64.V31+1)
	for i := arm64.X0; i <= arm64.X30; i++ {
		names[i] = "x" + strconv.Itoa(int(i))
	}
	names[arm64.SP] = "sp"
	for i := arm64.V0; i <= arm64.V31; i++ {
		names[i] = "v" + strconv.Itoa(int(i-arm64.V0))
	}
	return names
}()

// Target is the AArch64 code generator.
type Target struct {
	abi codegen.ABI
}

var _ codegen.Target = (*Target)(nil)

func New() *Target { return &Target{abi: abi} }

func (t *Target) Arch() ir.Architecture { return ir.ArchitectureARM64 }

func (t *Target) ABI() *codegen.ABI { return &t.abi }

func (t *Target) RegisterName(r regset.Reg) string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "?"
}

func (t *Target) RegisterByName(name string) (regset.Reg, bool) {
	switch name = strings.ToLower(name); name {
	case "fp":
		return reg(arm64.FP), true
	case "lr":
		return reg(arm64.LR), true
	}
	for i, n := range regNames {
		if n == name {
			return regset.Reg(i), true
		}
	}
	return regset.None, false
}

func (t *Target) NewStream(prev *asm.Layout) codegen.Stream { return arm64.NewContext() }

func (t *Target) GenBreak() asm.Fragment { return arm64.Brk(0) }

func isVec(r regset.Reg) bool { return arm64.IsVector(asm.Variable(r)) }

func x(r regset.Reg) arm64.Reg { return arm64.Reg64(asm.Variable(r)) }

func w(r regset.Reg) arm64.Reg { return arm64.Reg32(asm.Variable(r)) }

var (
	sp  = arm64.Reg64(arm64.SP)
	fp  = arm64.Reg64(arm64.FP)
	lr  = arm64.Reg64(arm64.LR)
	xzr = arm64.Reg64(arm64.XZR)
	x16 = arm64.Reg64(arm64.X16)
	x17 = arm64.Reg64(arm64.X17)
)

// gpr picks the access width for a value of type t.
func gpr(r regset.Reg, t ir.VarType) arm64.Reg {
	if t.Size() == 4 {
		return w(r)
	}
	return x(r)
}

// vec picks the vector view for a value of type t.
func vec(r regset.Reg, t ir.VarType) arm64.Reg {
	switch t {
	case ir.TypeFloat:
		return arm64.S(asm.Variable(r))
	case ir.TypeSIMD16:
		return arm64.Q(asm.Variable(r))
	}
	return arm64.D(asm.Variable(r))
}
