package ir

import "github.com/tinyrange/jit/internal/regset"

// NoParent marks a local that is not a promoted struct field.
const NoParent = -1

// HFAInfo describes a homogeneous floating-point aggregate passed with one
// element per argument register.
type HFAInfo struct {
	Elem  VarType
	Count int
}

// LocalVar is the post-allocation description of one local or parameter.
type LocalVar struct {
	Name string
	Type VarType
	// Size is only consulted for TypeStruct.
	Size int
	// Layout classifies each pointer-sized slot of a struct.
	Layout []GCKind

	Param bool
	// ArgRegs lists the incoming argument registers in slot order.
	ArgRegs []regset.Reg
	// StackArg is set when (part of) the value arrives on the caller's stack at
	// ArgOffset bytes past the first stack argument slot.
	StackArg  bool
	ArgOffset int32
	HFA       *HFAInfo

	// Regs is the final register assignment; empty when the local lives only
	// on the frame. Two entries describe a multi-register or split value.
	Regs []regset.Reg
	// OnFrame requests a stack home.
	OnFrame bool

	Tracked bool
	Index   int

	MustInit            bool
	AlwaysAliveInMemory bool
	GenericContext      bool

	Parent int
	Fields []int
}

// InReg reports whether the local has a register home.
func (v *LocalVar) InReg() bool { return len(v.Regs) > 0 }

// Reg returns the first home register or regset.None.
func (v *LocalVar) Reg() regset.Reg {
	if len(v.Regs) == 0 {
		return regset.None
	}
	return v.Regs[0]
}

// RegMask is the set of all home registers.
func (v *LocalVar) RegMask() regset.Set { return regset.Of(v.Regs...) }

// ArgRegMask is the set of incoming argument registers.
func (v *LocalVar) ArgRegMask() regset.Set { return regset.Of(v.ArgRegs...) }

// ByteSize is the stack footprint of the local.
func (v *LocalVar) ByteSize() int {
	if v.Type == TypeStruct {
		return v.Size
	}
	return v.Type.Size()
}

// GCSlots classifies each pointer-sized slot of the local's stack home.
func (v *LocalVar) GCSlots(ptrSize int) []GCKind {
	if v.Type == TypeStruct {
		slots := make([]GCKind, (v.Size+ptrSize-1)/ptrSize)
		copy(slots, v.Layout)
		return slots
	}
	return []GCKind{v.Type.GCKind()}
}

// HasGCPointers reports whether any slot of the local is a GC pointer.
func (v *LocalVar) HasGCPointers() bool {
	if v.Type.IsGC() {
		return true
	}
	for _, k := range v.Layout {
		if k != GCNone {
			return true
		}
	}
	return false
}

// IsStructField reports whether the local is a promoted field.
func (v *LocalVar) IsStructField() bool { return v.Parent != NoParent }

// Promoted reports whether the local was decomposed into fields.
func (v *LocalVar) Promoted() bool { return len(v.Fields) > 0 }
