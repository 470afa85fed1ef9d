package asm

import (
	"fmt"
	"sort"
)

// Variable identifies a machine register in the architecture packages.
type Variable int

// Context receives encoded instructions. Architecture packages provide the
// concrete implementation and keep their own patch lists.
type Context interface {
	EmitBytes(data []byte)
	Offset() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if frag == nil {
			continue
		}
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type hook struct {
	fn func(offset int) error
}

// Hook runs fn with the offset reached so far. It emits no bytes and is used
// to attach bookkeeping (GC transitions, unwind codes) to instruction
// boundaries.
func Hook(fn func(offset int) error) Fragment {
	return &hook{fn: fn}
}

func (h *hook) Emit(ctx Context) error {
	return h.fn(ctx.Offset())
}

// Layout is the label and branch placement observed by one emission pass.
// A later pass over the same fragment stream uses it to pick short branch
// forms that are guaranteed to reach.
type Layout struct {
	Labels map[Label]int
	// Branches holds the start offset of every label-relative branch in
	// emission order.
	Branches []int
}

// Label returns the offset the label had in the recorded pass.
func (l *Layout) Label(label Label) (int, bool) {
	if l == nil {
		return 0, false
	}
	off, ok := l.Labels[label]
	return off, ok
}

// Branch returns the end offset of the i-th branch in the recorded pass.
func (l *Layout) Branch(i int) (int, bool) {
	if l == nil || i < 0 || i >= len(l.Branches) {
		return 0, false
	}
	return l.Branches[i], true
}

// Program is finished machine code plus the placement of its labels.
type Program struct {
	code   []byte
	layout *Layout
}

func NewProgram(code []byte, layout *Layout) Program {
	return Program{
		code:   append([]byte(nil), code...),
		layout: layout,
	}
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int { return len(p.code) }

func (p Program) Layout() *Layout { return p.layout }

// LabelOffset returns the final offset of a label.
func (p Program) LabelOffset(label Label) (int, bool) {
	return p.layout.Label(label)
}

// Labels lists the defined labels ordered by offset.
func (p Program) Labels() []Label {
	if p.layout == nil {
		return nil
	}
	out := make([]Label, 0, len(p.layout.Labels))
	for l := range p.layout.Labels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := p.layout.Labels[out[i]], p.layout.Labels[out[j]]
		if oi != oj {
			return oi < oj
		}
		return out[i] < out[j]
	})
	return out
}
