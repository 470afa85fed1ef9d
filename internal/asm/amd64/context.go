package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/jit/internal/asm"
)

type jump struct {
	label  asm.Label
	cond   Cond
	always bool
}

type call struct {
	label asm.Label
}

type leaLabel struct {
	dst   Reg
	label asm.Label
}

type jumpPatch struct {
	label asm.Label
	pos   int
	size  int
}

type callPatch struct {
	label asm.Label
	pos   int
}

// Context accumulates x86-64 machine code. Label references are recorded as
// patches and resolved by Finish.
type Context struct {
	text     []byte
	labels   map[asm.Label]int
	jumps    []jumpPatch
	calls    []callPatch
	ripRefs  []callPatch
	branches []int

	prev *asm.Layout
}

var _ asm.Context = (*Context)(nil)

func newContext(prev *asm.Layout) *Context {
	return &Context{
		labels: make(map[asm.Label]int),
		prev:   prev,
	}
}

// NewContext returns a context that will pick short branch forms only where
// the previous layout proves they reach. A nil layout makes every branch long.
func NewContext(prev *asm.Layout) *Context {
	return newContext(prev)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) Offset() int { return len(c.text) }

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	off, ok := c.labels[label]
	return off, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

// shortReaches decides whether the branch about to be emitted at the current
// offset can use a rel8 displacement.
func (c *Context) shortReaches(label asm.Label) bool {
	start := len(c.text)
	if target, ok := c.labels[label]; ok {
		rel := target - (start + 2)
		return rel >= math.MinInt8
	}
	if c.prev == nil {
		return false
	}
	prevStart, ok := c.prev.Branch(len(c.branches))
	if !ok {
		return false
	}
	prevTarget, ok := c.prev.Label(label)
	if !ok || prevTarget < prevStart {
		return false
	}
	// Instructions never grow between passes, so the forward distance
	// observed before is an upper bound.
	return prevTarget-prevStart-2 <= math.MaxInt8
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 jump emitted into foreign context %T", _ctx)
	}
	short := ctx.shortReaches(j.label)
	ctx.branches = append(ctx.branches, len(ctx.text))
	switch {
	case j.always && short:
		ctx.text = append(ctx.text, 0xEB, 0)
	case j.always:
		ctx.text = append(ctx.text, 0xE9, 0, 0, 0, 0)
	case short:
		ctx.text = append(ctx.text, 0x70+byte(j.cond), 0)
	default:
		ctx.text = append(ctx.text, 0x0F, 0x80+byte(j.cond), 0, 0, 0, 0)
	}
	size := 4
	if short {
		size = 1
	}
	ctx.jumps = append(ctx.jumps, jumpPatch{label: j.label, pos: len(ctx.text) - size, size: size})
	return nil
}

func (c *call) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 call emitted into foreign context %T", _ctx)
	}
	ctx.EmitBytes([]byte{0xE8, 0, 0, 0, 0})
	ctx.calls = append(ctx.calls, callPatch{label: c.label, pos: len(ctx.text) - 4})
	return nil
}

func (l *leaLabel) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 lea emitted into foreign context %T", _ctx)
	}
	bytes, pos, err := encodeLeaRIP(l.dst)
	if err != nil {
		return err
	}
	base := len(ctx.text)
	ctx.EmitBytes(bytes)
	ctx.ripRefs = append(ctx.ripRefs, callPatch{label: l.label, pos: base + pos})
	return nil
}

func (c *Context) patchRel32(kind string, p callPatch) error {
	target, ok := c.labels[p.label]
	if !ok {
		return fmt.Errorf("undefined label %q", p.label)
	}
	rel := target - (p.pos + 4)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return fmt.Errorf("%s to label %q out of range", kind, p.label)
	}
	binary.LittleEndian.PutUint32(c.text[p.pos:p.pos+4], uint32(int32(rel)))
	return nil
}

// Finish resolves every label reference and returns the program.
func (c *Context) Finish() (asm.Program, error) {
	for _, j := range c.jumps {
		if j.size == 4 {
			if err := c.patchRel32("jump", callPatch{label: j.label, pos: j.pos}); err != nil {
				return asm.Program{}, err
			}
			continue
		}
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + 1)
		if rel < math.MinInt8 || rel > math.MaxInt8 {
			return asm.Program{}, fmt.Errorf("short jump to label %q out of range (%d)", j.label, rel)
		}
		c.text[j.pos] = byte(int8(rel))
	}
	for _, p := range c.calls {
		if err := c.patchRel32("call", p); err != nil {
			return asm.Program{}, err
		}
	}
	for _, p := range c.ripRefs {
		if err := c.patchRel32("lea", p); err != nil {
			return asm.Program{}, err
		}
	}

	labels := make(map[asm.Label]int, len(c.labels))
	for k, v := range c.labels {
		labels[k] = v
	}
	layout := &asm.Layout{
		Labels:   labels,
		Branches: append([]int(nil), c.branches...),
	}
	return asm.NewProgram(c.text, layout), nil
}

func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	return EmitProgramWithLayout(fragment, nil)
}

// EmitProgramWithLayout emits fragment using prev, the layout of an earlier
// emission of the same fragment stream, to shorten branches.
func EmitProgramWithLayout(fragment asm.Fragment, prev *asm.Layout) (asm.Program, error) {
	ctx := newContext(prev)
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.Finish()
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}
