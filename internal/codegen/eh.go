package codegen

import (
	"fmt"

	"github.com/tinyrange/jit/internal/ir"
)

// EHFlags are the clause flags reported to the runtime.
type EHFlags uint32

const (
	EHFilter    EHFlags = 0x1
	EHFinally   EHFlags = 0x2
	EHFault     EHFlags = 0x4
	EHDuplicate EHFlags = 0x8
	// EHSameTry marks a clause protecting the same range as the previous
	// clause.
	EHSameTry EHFlags = 0x10
)

func (f EHFlags) String() string {
	s := "catch"
	switch {
	case f&EHFilter != 0:
		s = "filter"
	case f&EHFinally != 0:
		s = "finally"
	case f&EHFault != 0:
		s = "fault"
	}
	if f&EHDuplicate != 0 {
		s += "|duplicate"
	}
	if f&EHSameTry != 0 {
		s += "|sametry"
	}
	return s
}

func kindFlags(k ir.HandlerKind) EHFlags {
	switch k {
	case ir.HandlerFilter:
		return EHFilter
	case ir.HandlerFinally:
		return EHFinally
	case ir.HandlerFault:
		return EHFault
	}
	return 0
}

// NativeEHClause is one runtime EH table entry in native offsets. End
// offsets are exclusive. ClassToken holds the filter offset for filter
// clauses.
type NativeEHClause struct {
	Flags        EHFlags
	TryStart     uint32
	TryEnd       uint32
	HandlerStart uint32
	HandlerEnd   uint32
	ClassToken   uint32
}

func (c NativeEHClause) String() string {
	return fmt.Sprintf("%s try [%04x,%04x) handler [%04x,%04x) token %#x",
		c.Flags, c.TryStart, c.TryEnd, c.HandlerStart, c.HandlerEnd, c.ClassToken)
}

type ehOffsets struct {
	start   func(*ir.Block) uint32
	codeLen uint32
}

func (o ehOffsets) end(b *ir.Block) uint32 {
	if next := b.Next(); next != nil {
		return o.start(next)
	}
	return o.codeLen
}

func (o ehOffsets) clause(c *ir.EHClause) NativeEHClause {
	nc := NativeEHClause{
		Flags:        kindFlags(c.Kind),
		TryStart:     o.start(c.TryBegin),
		TryEnd:       o.end(c.TryLast),
		HandlerStart: o.start(c.HandlerBegin),
		HandlerEnd:   o.end(c.HandlerLast),
		ClassToken:   c.ClassToken,
	}
	if c.HasFilter() {
		nc.ClassToken = o.start(c.FilterBegin)
	}
	return nc
}

// funcletEntry is the first block of the funclet code for clause c.
func funcletEntry(c *ir.EHClause) *ir.Block {
	if c.HasFilter() {
		return c.FilterBegin
	}
	return c.HandlerBegin
}

func handlerIsFunclet(c *ir.EHClause) bool {
	return funcletEntry(c).Flags.Has(ir.FlagFuncletBegin)
}

// countDuplicates counts the clauses that BuildEHTable duplicates for
// funclets nested in enclosing try regions.
func countDuplicates(t ir.EHTable) int {
	n := 0
	for i, c := range t {
		if !handlerIsFunclet(c) {
			continue
		}
		for e := t.TrueEnclosingTry(i); e != ir.NoEnclosing; e = t[e].EnclosingTry {
			n++
		}
	}
	return n
}

func countCallFinally(m *ir.Method) int {
	n := 0
	for _, b := range m.Blocks {
		if b.Kind == ir.JumpCallFinally {
			n++
		}
	}
	return n
}

// BuildEHTable reports the method's exception clauses in native offsets.
// The table holds the original clauses in order, then one duplicate of each
// enclosing clause per nested funclet, then one cloned finally per
// call-finally block.
func BuildEHTable(m *ir.Method, start func(*ir.Block) uint32, codeLen uint32) ([]NativeEHClause, error) {
	o := ehOffsets{start: start, codeLen: codeLen}
	var out []NativeEHClause

	for i, c := range m.EH {
		nc := o.clause(c)
		if i > 0 && ir.SameTry(c, m.EH[i-1]) {
			nc.Flags |= EHSameTry
		}
		out = append(out, nc)
	}

	prevFunclet, prevEnclosing := -1, -1
	for i, c := range m.EH {
		if !handlerIsFunclet(c) {
			continue
		}
		fStart, fEnd := o.start(funcletEntry(c)), o.end(c.HandlerLast)
		for e := m.EH.TrueEnclosingTry(i); e != ir.NoEnclosing; e = m.EH[e].EnclosingTry {
			enc := m.EH[e]
			nc := o.clause(enc)
			nc.TryStart, nc.TryEnd = fStart, fEnd
			nc.Flags |= EHDuplicate
			if prevFunclet == i && prevEnclosing >= 0 && ir.SameTry(enc, m.EH[prevEnclosing]) {
				nc.Flags |= EHSameTry
			}
			prevFunclet, prevEnclosing = i, e
			out = append(out, nc)
		}
	}

	for _, b := range m.Blocks {
		if b.Kind != ir.JumpCallFinally {
			continue
		}
		at := start(b)
		end := o.end(b)
		if m.IsCallFinallyPair(b) {
			end = o.end(b.Next())
		}
		out = append(out, NativeEHClause{
			Flags:        EHFinally | EHDuplicate,
			TryStart:     at,
			TryEnd:       at,
			HandlerStart: at,
			HandlerEnd:   end,
		})
	}

	want := len(m.EH) + countDuplicates(m.EH) + countCallFinally(m)
	if len(out) != want {
		return nil, Internalf("eh table has %d clauses, expected %d", len(out), want)
	}
	return out, nil
}
