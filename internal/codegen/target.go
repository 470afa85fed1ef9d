package codegen

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
	"github.com/tinyrange/jit/internal/unwind"
)

// ABI describes the calling convention and register roles of a target.
// Register numbers use the target's regset numbering.
type ABI struct {
	PtrSize    int
	StackAlign int

	IntArgRegs   []regset.Reg
	FloatArgRegs []regset.Reg

	CalleeSavedInt   regset.Set
	CalleeSavedFloat regset.Set
	// CallerSaved is the default kill set of a call.
	CallerSaved regset.Set

	IntReturn   regset.Reg
	FloatReturn regset.Reg

	FramePointer regset.Reg
	StackPointer regset.Reg
	// LinkRegister is regset.None on targets that push the return address.
	LinkRegister regset.Reg
	// FramePointerRequired forces a frame pointer in every method.
	FramePointerRequired bool

	// ExceptionObject holds the exception on entry to a catch handler.
	ExceptionObject regset.Reg
	// FuncletEstablisher holds the parent frame pointer on funclet entry.
	FuncletEstablisher regset.Reg

	// ShadowSpace is the caller-allocated home area for register arguments.
	ShadowSpace int
	// IncomingArgBase is the distance from the entry stack pointer to the
	// first stack-passed argument.
	IncomingArgBase int

	// Scratch registers are never allocated and may be clobbered freely by
	// generated sequences.
	Scratch      []regset.Reg
	FloatScratch []regset.Reg

	// Registers reserved by runtime features.
	StackProbeRegs regset.Set
	BlockInitRegs  regset.Set
	EnCRegs        regset.Set
	PInvokeRegs    regset.Set
	ProfilerRegs   regset.Set

	// WriteBarrierKill is the reduced kill set of the write barrier helpers.
	WriteBarrierKill regset.Set

	// FixedOutArgs targets reserve outgoing argument space in the frame
	// instead of pushing arguments.
	FixedOutArgs bool
	// HasExchange targets can swap two general registers in one instruction.
	HasExchange bool
	// FloatSaveArea targets save callee-saved vector registers into a
	// dedicated area of the local frame.
	FloatSaveArea bool
}

// IsFloat reports whether r belongs to the vector register file, which is
// numbered after the general registers.
func (a *ABI) IsFloat(r regset.Reg) bool {
	return len(a.FloatArgRegs) > 0 && r >= a.FloatArgRegs[0]
}

// CalleeSaved is the union of the integer and float callee-saved sets.
func (a *ABI) CalleeSaved() regset.Set { return a.CalleeSavedInt.Union(a.CalleeSavedFloat) }

// Stream is an emission context that can produce the final program.
type Stream interface {
	asm.Context
	Finish() (asm.Program, error)
}

// Target is the per-architecture strategy used by the neutral driver. The
// Gen* methods return fragments; any bookkeeping they attach is expressed as
// asm.Hook fragments so it runs at the right offset in every pass.
type Target interface {
	Arch() ir.Architecture
	ABI() *ABI

	RegisterName(r regset.Reg) string
	RegisterByName(name string) (regset.Reg, bool)

	// NewStream starts an emission pass. prev is the layout observed by the
	// previous pass, or nil for the estimate pass.
	NewStream(prev *asm.Layout) Stream

	// FinishFrame sizes the save area and the stack allocation once the
	// locals area is known. It fills AllocSize, TotalSize, SaveAreaSize,
	// FPDelta and FloatSaveOffset.
	FinishFrame(f *FrameLayout) error

	// GenFrameSetup covers varargs spills, phantom OSR codes, register
	// saves, stack allocation and probing, frame pointer setup and float
	// saves.
	GenFrameSetup(g *Gen) (asm.Fragment, error)
	// GenFrameTeardown undoes GenFrameSetup and returns.
	GenFrameTeardown(g *Gen) (asm.Fragment, error)
	GenFuncletProlog(g *Gen, f *Funclet) (asm.Fragment, error)
	GenFuncletEpilog(g *Gen, f *Funclet) (asm.Fragment, error)

	GenZeroInit(g *Gen) (asm.Fragment, error)
	GenGSCookieStore(g *Gen) (asm.Fragment, error)
	GenGSCookieCheck(g *Gen) (asm.Fragment, error)

	// GenMove performs one argument homing step.
	GenMove(g *Gen, m Move) (asm.Fragment, error)

	GenNode(g *Gen, b *ir.Block, n *ir.Node) (asm.Fragment, error)
	// GenBranch emits the control transfer ending b for every kind except
	// returns and funclet returns.
	GenBranch(g *Gen, b *ir.Block) (asm.Fragment, error)
	// GenCatchRet loads the continuation address into the return register
	// before the funclet epilog.
	GenCatchRet(g *Gen, b *ir.Block) (asm.Fragment, error)
	// GenBreak emits a breakpoint used as padding after a final call.
	GenBreak() asm.Fragment

	// EncodeUnwind serializes one region in the platform format.
	EncodeUnwind(r *unwind.Region) ([]byte, error)
}

// TargetFactory builds a target for one configuration.
type TargetFactory func() Target

var (
	targetsMu sync.RWMutex
	targets   = make(map[ir.Architecture]TargetFactory)
)

// RegisterTarget makes a target available to Compile.
func RegisterTarget(arch ir.Architecture, factory TargetFactory) {
	targetsMu.Lock()
	defer targetsMu.Unlock()
	if _, exists := targets[arch]; exists {
		panic(fmt.Sprintf("codegen: target %s registered twice", arch))
	}
	targets[arch] = factory
}

// LookupTarget returns a new target for arch.
func LookupTarget(arch ir.Architecture) (Target, error) {
	targetsMu.RLock()
	factory, ok := targets[arch]
	targetsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no target for architecture %s", ErrUnsupported, arch)
	}
	return factory(), nil
}

// Architectures lists the registered targets.
func Architectures() []ir.Architecture {
	targetsMu.RLock()
	defer targetsMu.RUnlock()
	out := make([]ir.Architecture, 0, len(targets))
	for arch := range targets {
		out = append(out, arch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
