package codegen

import (
	"github.com/tinyrange/jit/internal/config"
	"github.com/tinyrange/jit/internal/gcinfo"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

const noSlot int32 = -1

// FrameLayout is the final shape of a method's stack frame. Offsets are
// relative to the stack pointer once the prolog has run.
//
// From low to high addresses the frame holds the outgoing argument area,
// non-GC spill temps, ordinary locals, the must-init region, the generic
// context, the GS cookie, the float save area and the register save area.
type FrameLayout struct {
	Arch     ir.Architecture
	HasCalls bool
	UseFP    bool

	OutgoingArgs int
	// LocalsSize is the size of everything below the save areas.
	LocalsSize int

	homes       []int32
	incoming    []int32
	TempOffsets []int32

	// MustInitStart and MustInitEnd bound the zeroed region.
	MustInitStart int32
	MustInitEnd   int32
	// MustInitSlots counts 4-byte units that need zeroing.
	MustInitSlots int
	BlockInit     bool

	GenericContext int32
	GSCookie       int32

	Modified   regset.Set
	IntSaved   regset.Set
	FloatSaved regset.Set

	// Filled in by Target.FinishFrame.
	SaveAreaSize    int
	FloatSaveOffset int32
	AllocSize       int
	TotalSize       int
	FPDelta         int32
	Probe           bool

	// PhantomSize is the tier-0 frame an OSR method inherits.
	PhantomSize  int
	IncomingBase int
}

// FrameHome returns the frame slot of local i.
func (f *FrameLayout) FrameHome(i int) (int32, bool) {
	if i < 0 || i >= len(f.homes) || f.homes[i] == noSlot {
		return 0, false
	}
	return f.homes[i], true
}

// IncomingSlot returns the caller-frame slot of a stack-passed parameter.
func (f *FrameLayout) IncomingSlot(i int) (int32, bool) {
	if i < 0 || i >= len(f.incoming) || f.incoming[i] == noSlot {
		return 0, false
	}
	return int32(f.TotalSize+f.PhantomSize+f.IncomingBase) + f.incoming[i], true
}

// LocalOffset returns the stack home of local i: its frame slot, or the
// incoming argument slot for stack-passed parameters.
func (f *FrameLayout) LocalOffset(i int) (int32, bool) {
	if off, ok := f.FrameHome(i); ok {
		return off, true
	}
	return f.IncomingSlot(i)
}

// MustInitSize is the byte size of the zeroed region.
func (f *FrameLayout) MustInitSize() int { return int(f.MustInitEnd - f.MustInitStart) }

func roundUp(n, align int) int { return (n + align - 1) &^ (align - 1) }

// methodHasCalls reports whether the body calls out, which decides the
// outgoing argument area and link register saves.
func methodHasCalls(m *ir.Method) bool {
	if m.Flags.Has(ir.MethodGSCookie) {
		return true
	}
	for _, b := range m.Blocks {
		if b.Kind == ir.JumpCallFinally {
			return true
		}
		for _, n := range b.Nodes {
			switch n.Op {
			case ir.OpCall, ir.OpThrow:
				return true
			case ir.OpStoreInd:
				if n.Type.IsGC() {
					return true
				}
			}
		}
	}
	return false
}

func needsFrameHome(v *ir.LocalVar) bool {
	if v.Param && v.StackArg && len(v.ArgRegs) == 0 {
		return false
	}
	if v.Promoted() && !v.OnFrame {
		return false
	}
	if v.OnFrame {
		return true
	}
	return !v.InReg()
}

func isSplit(v *ir.LocalVar) bool { return v.Param && v.StackArg && len(v.ArgRegs) > 0 }

func needsZeroInit(m *ir.Method, v *ir.LocalVar) bool {
	if v.MustInit {
		return true
	}
	if !v.HasGCPointers() || v.Param {
		return false
	}
	if !v.Tracked {
		return true
	}
	return m.Blocks[0].LiveIn.Has(v.Index)
}

func slotSize(size int) int {
	if size >= 16 {
		return roundUp(size, 16)
	}
	return roundUp(max(size, 1), 8)
}

type tempSpec struct {
	typ ir.VarType
}

func expandTemps(m *ir.Method) []tempSpec {
	var out []tempSpec
	for _, s := range m.Temps {
		for range s.Count {
			out = append(out, tempSpec{typ: s.Type})
		}
	}
	return out
}

// FinalizeFrame computes the frame layout of m. It only reads the method, so
// calling it again yields an identical layout.
func FinalizeFrame(m *ir.Method, t Target, cfg config.Codegen) (*FrameLayout, error) {
	abi := t.ABI()
	ptr := abi.PtrSize
	// The probe can be added after the save set is fixed.
	if abi.StackProbeRegs.Overlaps(abi.CalleeSavedInt) {
		return nil, Internalf("%s: stack probe registers overlap the callee-saved set", t.Arch())
	}
	f := &FrameLayout{
		Arch:           t.Arch(),
		HasCalls:       methodHasCalls(m),
		GenericContext: noSlot,
		GSCookie:       noSlot,
		IncomingBase:   abi.IncomingArgBase,
		homes:          make([]int32, len(m.Locals)),
		incoming:       make([]int32, len(m.Locals)),
	}
	if m.OSR != nil {
		f.PhantomSize = m.OSR.FrameSize
	}

	out := m.OutgoingArgSpace
	if f.HasCalls && out < abi.ShadowSpace {
		out = abi.ShadowSpace
	}
	off := roundUp(out, ptr)
	f.OutgoingArgs = off

	place := func(size int) int32 {
		align := ptr
		if size >= 16 {
			align = 16
		}
		off = roundUp(off, align)
		at := int32(off)
		off += slotSize(size)
		return at
	}

	temps := expandTemps(m)
	f.TempOffsets = make([]int32, len(temps))
	for i, ts := range temps {
		if !ts.typ.IsGC() {
			f.TempOffsets[i] = place(ts.typ.Size())
		}
	}

	var mustInit []int
	for i, v := range m.Locals {
		f.homes[i] = noSlot
		f.incoming[i] = noSlot
		if v.Param && v.StackArg {
			f.incoming[i] = v.ArgOffset
		}
		if !needsFrameHome(v) {
			continue
		}
		if needsZeroInit(m, v) {
			mustInit = append(mustInit, i)
			continue
		}
		if v.GenericContext && m.Flags.Has(ir.MethodKeepGenericContext) && !v.InReg() {
			// Kept in the dedicated slot below.
			continue
		}
		f.homes[i] = place(v.ByteSize())
	}

	off = roundUp(off, ptr)
	f.MustInitStart = int32(off)
	for i, ts := range temps {
		if ts.typ.IsGC() {
			f.TempOffsets[i] = place(ptr)
			f.MustInitSlots += 2
		}
	}
	for _, i := range mustInit {
		v := m.Locals[i]
		f.homes[i] = place(v.ByteSize())
		size := v.ByteSize()
		if isSplit(v) {
			size -= len(v.ArgRegs) * ptr
		}
		if size > 0 {
			f.MustInitSlots += roundUp(size, 8) / 4
		}
	}
	off = roundUp(off, ptr)
	f.MustInitEnd = int32(off)
	f.BlockInit = f.MustInitSlots > cfg.BlockInitThresholdFor(string(f.Arch))

	if m.Flags.Has(ir.MethodKeepGenericContext) {
		ctx := -1
		for i, v := range m.Locals {
			if v.GenericContext && v.Param {
				ctx = i
				break
			}
		}
		if ctx < 0 {
			return nil, Internalf("%s keeps a generic context but has no context parameter", m.Name)
		}
		f.GenericContext = place(ptr)
		if f.homes[ctx] == noSlot && !m.Locals[ctx].InReg() {
			f.homes[ctx] = f.GenericContext
		}
	}
	if m.Flags.Has(ir.MethodGSCookie) {
		f.GSCookie = place(ptr)
	}
	f.LocalsSize = roundUp(off, ptr)

	mod := regset.Empty
	for _, v := range m.Locals {
		mod = mod.Union(v.RegMask())
	}
	for _, b := range m.Blocks {
		for _, n := range b.Nodes {
			if n.Dst.Valid() {
				mod = mod.Add(n.Dst)
			}
		}
	}
	if m.Flags.Has(ir.MethodEnC) {
		mod = mod.Union(abi.EnCRegs)
	}
	if m.Flags.Has(ir.MethodPInvoke) {
		mod = mod.Union(abi.PInvokeRegs)
	}
	if m.Flags.Has(ir.MethodProfilerHooks) {
		mod = mod.Union(abi.ProfilerRegs)
	}
	if f.LocalsSize >= int(cfg.PageSize) {
		f.Probe = true
		mod = mod.Union(abi.StackProbeRegs)
	}
	if f.BlockInit && f.MustInitSize() > 0 {
		mod = mod.Union(abi.BlockInitRegs)
	}

	f.UseFP = cfg.FramePointer == config.FramePointerAlways ||
		m.Flags.Has(ir.MethodFramePointer) ||
		len(m.EH) > 0 ||
		abi.FramePointerRequired
	if f.UseFP && mod.Has(abi.FramePointer) {
		return nil, Internalf("%s: frame pointer %s is allocated to a value", m.Name, t.RegisterName(abi.FramePointer))
	}
	f.Modified = mod
	f.IntSaved = mod.Intersect(abi.CalleeSavedInt)
	if f.UseFP {
		f.IntSaved = f.IntSaved.Add(abi.FramePointer)
	}
	f.FloatSaved = mod.Intersect(abi.CalleeSavedFloat)

	if err := t.FinishFrame(f); err != nil {
		return nil, err
	}
	// Save areas can push a frame just under a page across the boundary.
	if f.AllocSize >= int(cfg.PageSize) && !f.Probe {
		f.Probe = true
		f.Modified = f.Modified.Union(abi.StackProbeRegs)
	}
	return f, nil
}

// UntrackedGCSlots lists frame slots that hold GC pointers for the whole
// method.
func (f *FrameLayout) UntrackedGCSlots(m *ir.Method, ptrSize int) []gcinfo.Slot {
	var out []gcinfo.Slot
	for i, v := range m.Locals {
		if v.Tracked || !v.HasGCPointers() {
			continue
		}
		base, ok := f.LocalOffset(i)
		if !ok {
			continue
		}
		for j, k := range v.GCSlots(ptrSize) {
			if k != ir.GCNone {
				out = append(out, gcinfo.Slot{Offset: base + int32(j*ptrSize), Kind: k})
			}
		}
	}
	return out
}
