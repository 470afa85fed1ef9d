package ir

import (
	"errors"
	"fmt"

	"github.com/tinyrange/jit/internal/regset"
)

// MethodFlags select optional prolog/epilog features.
type MethodFlags uint32

const (
	MethodFullyInterruptible MethodFlags = 1 << iota
	MethodEnC
	MethodPInvoke
	MethodProfilerHooks
	MethodVarargs
	MethodGSCookie
	MethodKeepGenericContext
	MethodMinOpts
	MethodHotColdSplit
	MethodFramePointer
)

var methodFlagNames = map[string]MethodFlags{
	"fullyinterruptible": MethodFullyInterruptible,
	"enc":                MethodEnC,
	"pinvoke":            MethodPInvoke,
	"profiler":           MethodProfilerHooks,
	"varargs":            MethodVarargs,
	"gscookie":           MethodGSCookie,
	"genericcontext":     MethodKeepGenericContext,
	"minopts":            MethodMinOpts,
	"hotcold":            MethodHotColdSplit,
	"framepointer":       MethodFramePointer,
}

func ParseMethodFlag(s string) (MethodFlags, bool) {
	f, ok := methodFlagNames[s]
	return f, ok
}

func (f MethodFlags) Has(flag MethodFlags) bool { return f&flag != 0 }

// TempSpec asks for Count spill temporaries of the given type.
type TempSpec struct {
	Type  VarType
	Count int
}

// OSRInfo describes the tier-0 frame an on-stack-replacement method runs on.
type OSRInfo struct {
	FrameSize   int
	CalleeSaved []regset.Reg
}

// Method is the register-allocated input of one compilation.
type Method struct {
	Name       string
	Blocks     []*Block
	Locals     []*LocalVar
	EH         EHTable
	Temps      []TempSpec
	Flags      MethodFlags
	ReturnType VarType

	GSCookie         uint64
	OSR              *OSRInfo
	OutgoingArgSpace int

	tracked []*LocalVar
	linked  bool
}

var ErrInvalidMethod = errors.New("ir: invalid method")

// Link assigns layout positions and next pointers. It must be called once the
// block list is final; later changes to Blocks are not observed.
func (m *Method) Link() {
	var prev *Block
	for i, b := range m.Blocks {
		b.pos = i
		b.next = nil
		if prev != nil {
			prev.next = b
		}
		prev = b
	}
	m.tracked = nil
	for _, v := range m.Locals {
		if v.Tracked {
			for len(m.tracked) <= v.Index {
				m.tracked = append(m.tracked, nil)
			}
			m.tracked[v.Index] = v
		}
	}
	m.linked = true
}

// Linked reports whether Link has run.
func (m *Method) Linked() bool { return m.linked }

// TrackedVar returns the local with the given tracked index.
func (m *Method) TrackedVar(index int) *LocalVar {
	if index < 0 || index >= len(m.tracked) {
		return nil
	}
	return m.tracked[index]
}

// TrackedCount is one past the highest tracked index.
func (m *Method) TrackedCount() int { return len(m.tracked) }

// LocalIndex returns the position of v in Locals, or -1.
func (m *Method) LocalIndex(v *LocalVar) int {
	for i, l := range m.Locals {
		if l == v {
			return i
		}
	}
	return -1
}

// LastBlock is the final block in layout order.
func (m *Method) LastBlock() *Block {
	if len(m.Blocks) == 0 {
		return nil
	}
	return m.Blocks[len(m.Blocks)-1]
}

// Validate checks the structural invariants the code generator relies on.
func (m *Method) Validate() error {
	if !m.linked {
		m.Link()
	}
	if len(m.Blocks) == 0 {
		return fmt.Errorf("%w: %s has no blocks", ErrInvalidMethod, m.Name)
	}
	seen := make(map[*Block]bool, len(m.Blocks))
	for _, b := range m.Blocks {
		if seen[b] {
			return fmt.Errorf("%w: block %s listed twice", ErrInvalidMethod, b)
		}
		seen[b] = true
	}
	inMethod := func(b *Block) bool { return b != nil && seen[b] }
	for _, b := range m.Blocks {
		switch b.Kind {
		case JumpAlways, JumpCallFinally, JumpCallFinallyRet, JumpEHCatchRet:
			if !inMethod(b.Target) {
				return fmt.Errorf("%w: block %s (%s) has no target", ErrInvalidMethod, b, b.Kind)
			}
		case JumpCond:
			if !inMethod(b.Target) {
				return fmt.Errorf("%w: block %s has no taken target", ErrInvalidMethod, b)
			}
			if b.False != nil && !inMethod(b.False) {
				return fmt.Errorf("%w: block %s false target outside method", ErrInvalidMethod, b)
			}
			if b.False == nil && b.next == nil {
				return fmt.Errorf("%w: block %s falls off the end", ErrInvalidMethod, b)
			}
		case JumpSwitch:
			if len(b.Switch) == 0 {
				return fmt.Errorf("%w: switch block %s has no targets", ErrInvalidMethod, b)
			}
			if !b.Selector.Valid() {
				return fmt.Errorf("%w: switch block %s has no selector register", ErrInvalidMethod, b)
			}
			for _, t := range b.Switch {
				if !inMethod(t) {
					return fmt.Errorf("%w: switch block %s target outside method", ErrInvalidMethod, b)
				}
			}
		case JumpNone:
			if b.next == nil {
				return fmt.Errorf("%w: block %s falls off the end", ErrInvalidMethod, b)
			}
		}
		if b.Kind == JumpCallFinallyRet {
			if prev := m.prevBlock(b); prev == nil || prev.Kind != JumpCallFinally {
				return fmt.Errorf("%w: block %s is not paired with a call-finally", ErrInvalidMethod, b)
			}
		}
	}
	for i, v := range m.Locals {
		if v.Parent != NoParent && (v.Parent < 0 || v.Parent >= len(m.Locals)) {
			return fmt.Errorf("%w: local %d (%s) has bad parent %d", ErrInvalidMethod, i, v.Name, v.Parent)
		}
		if v.Type == TypeStruct && v.Size <= 0 {
			return fmt.Errorf("%w: struct local %s has no size", ErrInvalidMethod, v.Name)
		}
		if v.HFA != nil && (v.HFA.Count < 1 || v.HFA.Count > 4 || len(v.ArgRegs) != v.HFA.Count) {
			return fmt.Errorf("%w: hfa local %s has %d argument registers for %d elements", ErrInvalidMethod, v.Name, len(v.ArgRegs), v.HFA.Count)
		}
	}
	if err := m.EH.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMethod, err)
	}
	for i, c := range m.EH {
		for _, b := range []*Block{c.TryBegin, c.TryLast, c.HandlerBegin, c.HandlerLast, c.FilterBegin} {
			if b != nil && !inMethod(b) {
				return fmt.Errorf("%w: eh clause %d references a block outside the method", ErrInvalidMethod, i)
			}
		}
		if c.TryBegin.pos > c.TryLast.pos || c.HandlerBegin.pos > c.HandlerLast.pos {
			return fmt.Errorf("%w: eh clause %d has inverted region bounds", ErrInvalidMethod, i)
		}
	}
	return nil
}

func (m *Method) prevBlock(b *Block) *Block {
	if b.pos == 0 {
		return nil
	}
	return m.Blocks[b.pos-1]
}

// IsCallFinallyPair reports whether b is a call-finally followed by its
// paired return block.
func (m *Method) IsCallFinallyPair(b *Block) bool {
	return b.Kind == JumpCallFinally && b.next != nil && b.next.Kind == JumpCallFinallyRet
}
