package ir

import (
	"fmt"
	"io"

	"github.com/tinyrange/jit/internal/regset"
	"gopkg.in/yaml.v3"
)

// RegisterResolver maps target register names to register numbers.
type RegisterResolver interface {
	RegisterByName(name string) (regset.Reg, bool)
}

// Description is the YAML form of a method, used by the CLI and tests.
type Description struct {
	Name             string       `yaml:"name"`
	Arch             string       `yaml:"arch,omitempty"`
	Flags            []string     `yaml:"flags,omitempty"`
	ReturnType       string       `yaml:"returnType,omitempty"`
	GSCookie         uint64       `yaml:"gsCookie,omitempty"`
	OutgoingArgSpace int          `yaml:"outgoingArgSpace,omitempty"`
	OSR              *osrDesc     `yaml:"osr,omitempty"`
	Temps            []tempDesc   `yaml:"temps,omitempty"`
	Locals           []localDesc  `yaml:"locals,omitempty"`
	Blocks           []blockDesc  `yaml:"blocks"`
	EH               []clauseDesc `yaml:"eh,omitempty"`
}

type osrDesc struct {
	FrameSize   int      `yaml:"frameSize"`
	CalleeSaved []string `yaml:"calleeSaved,omitempty"`
}

type tempDesc struct {
	Type  string `yaml:"type"`
	Count int    `yaml:"count"`
}

type hfaDesc struct {
	Elem  string `yaml:"elem"`
	Count int    `yaml:"count"`
}

type localDesc struct {
	Name                string   `yaml:"name"`
	Type                string   `yaml:"type"`
	Size                int      `yaml:"size,omitempty"`
	Layout              []string `yaml:"layout,omitempty"`
	Param               bool     `yaml:"param,omitempty"`
	ArgRegs             []string `yaml:"argRegs,omitempty"`
	StackArg            bool     `yaml:"stackArg,omitempty"`
	ArgOffset           int32    `yaml:"argOffset,omitempty"`
	HFA                 *hfaDesc `yaml:"hfa,omitempty"`
	Regs                []string `yaml:"regs,omitempty"`
	OnFrame             bool     `yaml:"onFrame,omitempty"`
	Tracked             bool     `yaml:"tracked,omitempty"`
	Index               int      `yaml:"index,omitempty"`
	MustInit            bool     `yaml:"mustInit,omitempty"`
	AlwaysAliveInMemory bool     `yaml:"alwaysAliveInMemory,omitempty"`
	GenericContext      bool     `yaml:"genericContext,omitempty"`
	Parent              *int     `yaml:"parent,omitempty"`
	Fields              []int    `yaml:"fields,omitempty"`
}

type exprDesc struct {
	Op       string    `yaml:"op,omitempty"`
	Reg      string    `yaml:"reg,omitempty"`
	Type     string    `yaml:"type,omitempty"`
	Const    *int64    `yaml:"const,omitempty"`
	Reloc    bool      `yaml:"reloc,omitempty"`
	Overflow bool      `yaml:"overflow,omitempty"`
	Left     *exprDesc `yaml:"left,omitempty"`
	Right    *exprDesc `yaml:"right,omitempty"`
}

type nodeDesc struct {
	Op     string    `yaml:"op"`
	Type   string    `yaml:"type,omitempty"`
	Dst    string    `yaml:"dst,omitempty"`
	Srcs   []string  `yaml:"srcs,omitempty"`
	Imm    *int64    `yaml:"imm,omitempty"`
	Local  int       `yaml:"local,omitempty"`
	Temp   int       `yaml:"temp,omitempty"`
	Helper string    `yaml:"helper,omitempty"`
	Addr   *exprDesc `yaml:"addr,omitempty"`
	Life   *[]int    `yaml:"life,omitempty"`
	Born   []int     `yaml:"born,omitempty"`
	Dying  []int     `yaml:"dying,omitempty"`
	Dies   []string  `yaml:"dies,omitempty"`
}

type blockDesc struct {
	ID         int        `yaml:"id"`
	Kind       string     `yaml:"kind,omitempty"`
	Flags      []string   `yaml:"flags,omitempty"`
	Target     *int       `yaml:"target,omitempty"`
	False      *int       `yaml:"false,omitempty"`
	Switch     []int      `yaml:"switch,omitempty"`
	Selector   string     `yaml:"selector,omitempty"`
	Cond       string     `yaml:"cond,omitempty"`
	LiveIn     []int      `yaml:"liveIn,omitempty"`
	LiveOut    []int      `yaml:"liveOut,omitempty"`
	StackLevel int        `yaml:"stackLevel,omitempty"`
	Nodes      []nodeDesc `yaml:"nodes,omitempty"`
}

type clauseDesc struct {
	Kind             string `yaml:"kind"`
	Try              [2]int `yaml:"try,flow"`
	Handler          [2]int `yaml:"handler,flow"`
	Filter           *int   `yaml:"filter,omitempty"`
	ClassToken       uint32 `yaml:"classToken,omitempty"`
	EnclosingTry     *int   `yaml:"enclosingTry,omitempty"`
	EnclosingHandler *int   `yaml:"enclosingHandler,omitempty"`
}

var blockFlagNames = map[string]BlockFlags{
	"label":       FlagHasLabel,
	"funclet":     FlagFuncletBegin,
	"cold":        FlagCold,
	"throwhelper": FlagThrowHelper,
	"catchentry":  FlagCatchEntry,
	"internal":    FlagInternal,
}

// DecodeDescription reads one YAML method description.
func DecodeDescription(r io.Reader) (*Description, error) {
	var d Description
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("ir: decode description: %w", err)
	}
	return &d, nil
}

// Build resolves the description into a linked Method.
func (d *Description) Build(regs RegisterResolver) (*Method, error) {
	b := &builder{regs: regs, blocks: make(map[int]*Block)}
	m, err := b.method(d)
	if err != nil {
		return nil, fmt.Errorf("ir: method %q: %w", d.Name, err)
	}
	m.Link()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

type builder struct {
	regs   RegisterResolver
	blocks map[int]*Block
}

func (b *builder) reg(name string) (regset.Reg, error) {
	r, ok := b.regs.RegisterByName(name)
	if !ok {
		return regset.None, fmt.Errorf("unknown register %q", name)
	}
	return r, nil
}

func (b *builder) regList(names []string) ([]regset.Reg, error) {
	out := make([]regset.Reg, 0, len(names))
	for _, n := range names {
		r, err := b.reg(n)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func parseType(s string, def VarType) (VarType, error) {
	if s == "" {
		return def, nil
	}
	t, ok := ParseVarType(s)
	if !ok {
		return TypeVoid, fmt.Errorf("unknown type %q", s)
	}
	return t, nil
}

func (b *builder) block(id int) (*Block, error) {
	blk, ok := b.blocks[id]
	if !ok {
		return nil, fmt.Errorf("unknown block %d", id)
	}
	return blk, nil
}

func (b *builder) method(d *Description) (*Method, error) {
	m := &Method{Name: d.Name, GSCookie: d.GSCookie, OutgoingArgSpace: d.OutgoingArgSpace}
	for _, f := range d.Flags {
		flag, ok := ParseMethodFlag(f)
		if !ok {
			return nil, fmt.Errorf("unknown method flag %q", f)
		}
		m.Flags |= flag
	}
	var err error
	if m.ReturnType, err = parseType(d.ReturnType, TypeVoid); err != nil {
		return nil, err
	}
	if d.OSR != nil {
		saved, err := b.regList(d.OSR.CalleeSaved)
		if err != nil {
			return nil, err
		}
		m.OSR = &OSRInfo{FrameSize: d.OSR.FrameSize, CalleeSaved: saved}
	}
	for _, t := range d.Temps {
		typ, err := parseType(t.Type, TypeLong)
		if err != nil {
			return nil, err
		}
		m.Temps = append(m.Temps, TempSpec{Type: typ, Count: t.Count})
	}
	for _, ld := range d.Locals {
		v, err := b.local(ld)
		if err != nil {
			return nil, fmt.Errorf("local %q: %w", ld.Name, err)
		}
		m.Locals = append(m.Locals, v)
	}
	for _, bd := range d.Blocks {
		if _, dup := b.blocks[bd.ID]; dup {
			return nil, fmt.Errorf("duplicate block id %d", bd.ID)
		}
		blk := &Block{ID: bd.ID, StackLevel: bd.StackLevel}
		b.blocks[bd.ID] = blk
		m.Blocks = append(m.Blocks, blk)
	}
	for i, bd := range d.Blocks {
		if err := b.fillBlock(m.Blocks[i], bd); err != nil {
			return nil, fmt.Errorf("block %d: %w", bd.ID, err)
		}
	}
	for i, cd := range d.EH {
		c, err := b.clause(cd)
		if err != nil {
			return nil, fmt.Errorf("eh clause %d: %w", i, err)
		}
		m.EH = append(m.EH, c)
	}
	return m, nil
}

func (b *builder) local(ld localDesc) (*LocalVar, error) {
	typ, err := parseType(ld.Type, TypeLong)
	if err != nil {
		return nil, err
	}
	v := &LocalVar{
		Name:                ld.Name,
		Type:                typ,
		Size:                ld.Size,
		Param:               ld.Param,
		StackArg:            ld.StackArg,
		ArgOffset:           ld.ArgOffset,
		OnFrame:             ld.OnFrame,
		Tracked:             ld.Tracked,
		Index:               ld.Index,
		MustInit:            ld.MustInit,
		AlwaysAliveInMemory: ld.AlwaysAliveInMemory,
		GenericContext:      ld.GenericContext,
		Parent:              NoParent,
		Fields:              ld.Fields,
	}
	if ld.Parent != nil {
		v.Parent = *ld.Parent
	}
	for _, s := range ld.Layout {
		switch s {
		case "ref":
			v.Layout = append(v.Layout, GCRef)
		case "byref":
			v.Layout = append(v.Layout, GCByref)
		case "none", "":
			v.Layout = append(v.Layout, GCNone)
		default:
			return nil, fmt.Errorf("unknown gc layout kind %q", s)
		}
	}
	if v.ArgRegs, err = b.regList(ld.ArgRegs); err != nil {
		return nil, err
	}
	if v.Regs, err = b.regList(ld.Regs); err != nil {
		return nil, err
	}
	if ld.HFA != nil {
		elem, err := parseType(ld.HFA.Elem, TypeFloat)
		if err != nil {
			return nil, err
		}
		v.HFA = &HFAInfo{Elem: elem, Count: ld.HFA.Count}
	}
	return v, nil
}

func (b *builder) fillBlock(blk *Block, bd blockDesc) error {
	kind := JumpNone
	if bd.Kind != "" {
		k, ok := ParseJumpKind(bd.Kind)
		if !ok {
			return fmt.Errorf("unknown jump kind %q", bd.Kind)
		}
		kind = k
	}
	blk.Kind = kind
	for _, f := range bd.Flags {
		flag, ok := blockFlagNames[f]
		if !ok {
			return fmt.Errorf("unknown block flag %q", f)
		}
		blk.Flags |= flag
	}
	var err error
	if bd.Target != nil {
		if blk.Target, err = b.block(*bd.Target); err != nil {
			return err
		}
	}
	if bd.False != nil {
		if blk.False, err = b.block(*bd.False); err != nil {
			return err
		}
	}
	for _, id := range bd.Switch {
		t, err := b.block(id)
		if err != nil {
			return err
		}
		blk.Switch = append(blk.Switch, t)
	}
	blk.Selector = regset.None
	if bd.Selector != "" {
		if blk.Selector, err = b.reg(bd.Selector); err != nil {
			return err
		}
	}
	if bd.Cond != "" {
		c, ok := ParseCond(bd.Cond)
		if !ok {
			return fmt.Errorf("unknown condition %q", bd.Cond)
		}
		blk.Cond = c
	}
	blk.LiveIn = NewVarSet(bd.LiveIn...)
	blk.LiveOut = NewVarSet(bd.LiveOut...)
	for i, nd := range bd.Nodes {
		n, err := b.node(nd)
		if err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		blk.Nodes = append(blk.Nodes, n)
	}
	return nil
}

func (b *builder) node(nd nodeDesc) (*Node, error) {
	op, ok := ParseOp(nd.Op)
	if !ok {
		return nil, fmt.Errorf("unknown op %q", nd.Op)
	}
	typ, err := parseType(nd.Type, TypeLong)
	if err != nil {
		return nil, err
	}
	n := &Node{Op: op, Type: typ, Dst: regset.None, Local: nd.Local, Temp: nd.Temp}
	if nd.Dst != "" {
		if n.Dst, err = b.reg(nd.Dst); err != nil {
			return nil, err
		}
	}
	if n.Srcs, err = b.regList(nd.Srcs); err != nil {
		return nil, err
	}
	if nd.Imm != nil {
		n.Imm, n.HasImm = *nd.Imm, true
	}
	if nd.Helper != "" {
		h, ok := ParseHelper(nd.Helper)
		if !ok {
			return nil, fmt.Errorf("unknown helper %q", nd.Helper)
		}
		n.Helper = h
	}
	if nd.Addr != nil {
		if n.Addr, err = b.expr(nd.Addr); err != nil {
			return nil, err
		}
	}
	if nd.Life != nil {
		life := NewVarSet(*nd.Life...)
		n.Life = &life
	}
	if nd.Born != nil || nd.Dying != nil {
		n.Change = &Transition{Born: NewVarSet(nd.Born...), Dying: NewVarSet(nd.Dying...)}
	}
	dies, err := b.regList(nd.Dies)
	if err != nil {
		return nil, err
	}
	n.Dies = regset.Of(dies...)
	return n, nil
}

func (b *builder) expr(ed *exprDesc) (*Expr, error) {
	switch {
	case ed.Const != nil:
		e := ConstExpr(*ed.Const)
		e.Reloc = ed.Reloc
		return e, nil
	case ed.Reg != "":
		r, err := b.reg(ed.Reg)
		if err != nil {
			return nil, err
		}
		typ, err := parseType(ed.Type, TypeLong)
		if err != nil {
			return nil, err
		}
		return RegExpr(r, typ), nil
	}
	if ed.Left == nil || ed.Right == nil {
		return nil, fmt.Errorf("expression %q needs two operands", ed.Op)
	}
	l, err := b.expr(ed.Left)
	if err != nil {
		return nil, err
	}
	r, err := b.expr(ed.Right)
	if err != nil {
		return nil, err
	}
	var e *Expr
	switch ed.Op {
	case "add":
		e = AddExpr(l, r)
	case "mul":
		e = MulExpr(l, r)
	case "lsh":
		e = LshExpr(l, r)
	default:
		return nil, fmt.Errorf("unknown expression op %q", ed.Op)
	}
	e.Overflow = ed.Overflow
	if ed.Type != "" {
		if e.Type, err = parseType(ed.Type, e.Type); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (b *builder) clause(cd clauseDesc) (*EHClause, error) {
	kind, ok := ParseHandlerKind(cd.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown handler kind %q", cd.Kind)
	}
	c := &EHClause{Kind: kind, ClassToken: cd.ClassToken, EnclosingTry: NoEnclosing, EnclosingHandler: NoEnclosing}
	var err error
	if c.TryBegin, err = b.block(cd.Try[0]); err != nil {
		return nil, err
	}
	if c.TryLast, err = b.block(cd.Try[1]); err != nil {
		return nil, err
	}
	if c.HandlerBegin, err = b.block(cd.Handler[0]); err != nil {
		return nil, err
	}
	if c.HandlerLast, err = b.block(cd.Handler[1]); err != nil {
		return nil, err
	}
	if cd.Filter != nil {
		if c.FilterBegin, err = b.block(*cd.Filter); err != nil {
			return nil, err
		}
	}
	if cd.EnclosingTry != nil {
		c.EnclosingTry = *cd.EnclosingTry
	}
	if cd.EnclosingHandler != nil {
		c.EnclosingHandler = *cd.EnclosingHandler
	}
	return c, nil
}
