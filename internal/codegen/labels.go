package codegen

import (
	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/ir"
)

// BlockLabel is the assembler label of a block.
func BlockLabel(b *ir.Block) asm.Label { return asm.Label("L" + b.String()) }

// MarkLabels flags every block whose start offset is referenced by a branch,
// an EH table entry, a region boundary or a runtime table. Plain fall
// through needs no label; region boundaries are labelled on their own.
func MarkLabels(m *ir.Method) {
	mark := func(b *ir.Block) {
		if b != nil {
			b.Flags |= ir.FlagHasLabel
		}
	}
	mark(m.Blocks[0])
	inFunclet, seenCold := false, false
	for _, b := range m.Blocks {
		switch b.Kind {
		case ir.JumpAlways, ir.JumpEHCatchRet, ir.JumpCallFinallyRet:
			mark(b.Target)
		case ir.JumpCond:
			mark(b.Target)
			mark(b.False)
			if b.False == nil {
				mark(b.Next())
			}
		case ir.JumpSwitch:
			for _, t := range b.Switch {
				mark(t)
			}
		case ir.JumpCallFinally:
			mark(b.Target)
			mark(b.Next())
			if m.IsCallFinallyPair(b) {
				mark(b.Next().Next())
			}
		}
		if b.Flags.Has(ir.FlagThrowHelper) {
			mark(b)
		}
		if b.Flags.Has(ir.FlagFuncletBegin) {
			inFunclet = true
			mark(b)
		}
		if !inFunclet && !seenCold && b.Flags.Has(ir.FlagCold) {
			seenCold = true
			mark(b)
		}
	}
	for _, c := range m.EH {
		mark(c.TryBegin)
		mark(c.TryLast.Next())
		mark(c.HandlerBegin)
		mark(c.HandlerLast.Next())
		mark(c.FilterBegin)
	}
}
