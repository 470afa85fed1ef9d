package ir

import (
	"fmt"

	"github.com/tinyrange/jit/internal/regset"
)

// JumpKind is the way control leaves a block.
type JumpKind uint8

const (
	// JumpNone falls through to the next block.
	JumpNone JumpKind = iota
	JumpAlways
	JumpCond
	JumpSwitch
	JumpCallFinally
	JumpCallFinallyRet
	JumpEHFinallyRet
	JumpEHFaultRet
	JumpEHFilterRet
	JumpEHCatchRet
	JumpReturn
	JumpThrow
)

var jumpKindNames = [...]string{
	JumpNone:           "none",
	JumpAlways:         "always",
	JumpCond:           "cond",
	JumpSwitch:         "switch",
	JumpCallFinally:    "callfinally",
	JumpCallFinallyRet: "callfinallyret",
	JumpEHFinallyRet:   "finallyret",
	JumpEHFaultRet:     "faultret",
	JumpEHFilterRet:    "filterret",
	JumpEHCatchRet:     "catchret",
	JumpReturn:         "return",
	JumpThrow:          "throw",
}

func (k JumpKind) String() string {
	if int(k) < len(jumpKindNames) {
		return jumpKindNames[k]
	}
	return fmt.Sprintf("JumpKind(%d)", uint8(k))
}

func ParseJumpKind(s string) (JumpKind, bool) {
	for i, name := range jumpKindNames {
		if name == s {
			return JumpKind(i), true
		}
	}
	return JumpNone, false
}

// BlockFlags annotate a block for the code generator.
type BlockFlags uint16

const (
	// FlagHasLabel requests that the block's start offset be recorded.
	FlagHasLabel BlockFlags = 1 << iota
	// FlagFuncletBegin starts a handler funclet.
	FlagFuncletBegin
	// FlagCold places the block in the cold section.
	FlagCold
	// FlagThrowHelper marks an out-of-line throw helper block.
	FlagThrowHelper
	// FlagCatchEntry means the exception object arrives in the exception
	// register when the block is entered.
	FlagCatchEntry
	// FlagInternal marks compiler introduced blocks.
	FlagInternal
)

func (f BlockFlags) Has(flag BlockFlags) bool { return f&flag != 0 }

// Cond is the condition tested by a JumpCond block.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
	CondULT
	CondULE
	CondUGT
	CondUGE
)

var condNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge", "ult", "ule", "ugt", "uge"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("Cond(%d)", uint8(c))
}

func ParseCond(s string) (Cond, bool) {
	for i, name := range condNames {
		if name == s {
			return Cond(i), true
		}
	}
	return CondEQ, false
}

// Block is one basic block in final layout order.
type Block struct {
	ID    int
	Kind  JumpKind
	Flags BlockFlags

	// Target is the jump target for Always, the taken edge for Cond, the
	// finally entry for CallFinally and the continuation for CallFinallyRet
	// and EHCatchRet.
	Target *Block
	// False is the not-taken edge of a Cond block.
	False  *Block
	Switch []*Block
	// Selector holds the switch index. The last Switch entry is the default.
	Selector regset.Reg
	Cond     Cond

	LiveIn  VarSet
	LiveOut VarSet
	Nodes   []*Node

	// StackLevel is the outgoing argument depth at a throw helper.
	StackLevel int

	pos  int
	next *Block
}

// Next returns the following block in layout order.
func (b *Block) Next() *Block { return b.next }

// Pos is the layout index assigned by Method.Link.
func (b *Block) Pos() int { return b.pos }

func (b *Block) String() string { return fmt.Sprintf("BB%02d", b.ID) }

// EndsWithCall reports whether the last node is a call.
func (b *Block) EndsWithCall() bool {
	if len(b.Nodes) == 0 {
		return false
	}
	op := b.Nodes[len(b.Nodes)-1].Op
	return op == OpCall || op == OpThrow
}
