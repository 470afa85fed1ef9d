package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/jit/internal/asm"
)

// Context accumulates AArch64 instruction words. Label references are
// resolved by Finish.
type Context struct {
	text     []byte
	labels   map[asm.Label]int
	branches []branchPatch
	starts   []int
}

var _ asm.Context = (*Context)(nil)

type branchKind uint8

const (
	branchB branchKind = iota
	branchBL
	branchCond
	branchAdr
)

type branchPatch struct {
	label asm.Label
	pos   int
	kind  branchKind
}

func newContext() *Context {
	return &Context{
		labels: make(map[asm.Label]int),
	}
}

// NewContext returns an empty context.
func NewContext() *Context { return newContext() }

func (c *Context) EmitBytes(data []byte) {
	c.text = append(c.text, data...)
}

func (c *Context) Offset() int { return len(c.text) }

func (c *Context) emit32(word uint32) int {
	pos := len(c.text)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	c.text = append(c.text, buf[:]...)
	return pos
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	off, ok := c.labels[label]
	return off, ok
}

func requireContext(ctx asm.Context) (*Context, error) {
	if c, ok := ctx.(*Context); ok {
		return c, nil
	}
	return nil, fmt.Errorf("arm64 asm: unsupported context %T", ctx)
}

func (c *Context) emitBranch(label asm.Label, word uint32, kind branchKind) {
	pos := c.emit32(word)
	if kind == branchB || kind == branchCond {
		c.starts = append(c.starts, pos)
	}
	c.branches = append(c.branches, branchPatch{label: label, pos: pos, kind: kind})
}

const (
	minBranchImm = -(1 << 25)
	maxBranchImm = (1 << 25) - 1
)

func (c *Context) patchBranch(p branchPatch) error {
	target, ok := c.labels[p.label]
	if !ok {
		return fmt.Errorf("arm64 asm: undefined label %q", p.label)
	}
	rel := target - p.pos
	word := binary.LittleEndian.Uint32(c.text[p.pos : p.pos+4])
	switch p.kind {
	case branchB, branchBL:
		imm := rel / 4
		if imm < minBranchImm || imm > maxBranchImm {
			return fmt.Errorf("arm64 asm: branch target out of range")
		}
		word = (word &^ ((1 << 26) - 1)) | (uint32(imm) & 0x03FFFFFF)
	case branchCond:
		imm := rel / 4
		if imm < -(1<<18) || imm >= (1<<18) {
			return fmt.Errorf("arm64 asm: conditional branch out of range")
		}
		word = (word &^ (0x7FFFF << 5)) | (uint32(imm)&0x7FFFF)<<5
	case branchAdr:
		if rel < -(1<<20) || rel >= (1<<20) {
			return fmt.Errorf("arm64 asm: adr target out of range")
		}
		word |= (uint32(rel)&3)<<29 | ((uint32(rel)>>2)&0x7FFFF)<<5
	default:
		return fmt.Errorf("arm64 asm: unsupported branch kind %d", p.kind)
	}
	binary.LittleEndian.PutUint32(c.text[p.pos:p.pos+4], word)
	return nil
}

// Finish resolves label references and returns the program.
func (c *Context) Finish() (asm.Program, error) {
	if len(c.text)%4 != 0 {
		return asm.Program{}, fmt.Errorf("arm64 asm: text is not word aligned (%d bytes)", len(c.text))
	}
	for _, br := range c.branches {
		if err := c.patchBranch(br); err != nil {
			return asm.Program{}, err
		}
	}
	labels := make(map[asm.Label]int, len(c.labels))
	for k, v := range c.labels {
		labels[k] = v
	}
	return asm.NewProgram(c.text, &asm.Layout{
		Labels:   labels,
		Branches: append([]int(nil), c.starts...),
	}), nil
}
