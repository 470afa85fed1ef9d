package codegen

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/config"
	"github.com/tinyrange/jit/internal/gcinfo"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
	"github.com/tinyrange/jit/internal/unwind"
)

// Funclet is one handler or filter body emitted as a separate function.
type Funclet struct {
	Index  int
	Clause int
	Kind   ir.HandlerKind
	// Filter is set for the filter part of a filter clause.
	Filter bool
	Entry  *ir.Block
}

func (f *Funclet) String() string {
	if f.Filter {
		return fmt.Sprintf("funclet%d(filter of EH%d)", f.Index, f.Clause)
	}
	return fmt.Sprintf("funclet%d(%s of EH%d)", f.Index, f.Kind, f.Clause)
}

const (
	regionHot = iota
	regionCold
	regionFunclet0
)

// emission is what one pass over the fragment stream observes. Hooks write
// into the current pass's emission.
type emission struct {
	gc          *gcinfo.Recorder
	unwind      unwind.Builder
	blockStart  map[*ir.Block]int
	ranges      *rangeRecorder
	prologEnd   int
	epilogStart int
	epilogSize  int
	coldStart   int
}

func newEmission(mode gcinfo.Mode) *emission {
	return &emission{
		gc:         gcinfo.NewRecorder(mode),
		blockStart: make(map[*ir.Block]int),
		ranges:     newRangeRecorder(),
		coldStart:  -1,
	}
}

// Gen is the state of one method compilation. Targets use it to reach the
// frame, the method and the bookkeeping hooks.
type Gen struct {
	ID      uuid.UUID
	Method  *ir.Method
	Target  Target
	ABI     *ABI
	Config  config.Codegen
	Runtime Runtime
	Log     *slog.Logger

	Frame *FrameLayout
	Temps *TempPool
	Life  *Liveness

	funclets  []*Funclet
	funcletAt map[*ir.Block]*Funclet
	region    map[*ir.Block]int
	coldBlock *ir.Block
	cur       *Funclet
	mode      gcinfo.Mode

	nodeTemp    *TempSlot
	stackLevels map[int]int
	labelSeq    int

	frags asm.Group
	em    *emission
}

func newGen(m *ir.Method, t Target, opts Options) *Gen {
	g := &Gen{
		ID:          uuid.New(),
		Method:      m,
		Target:      t,
		ABI:         t.ABI(),
		Config:      opts.Config,
		Runtime:     opts.Runtime,
		funcletAt:   make(map[*ir.Block]*Funclet),
		region:      make(map[*ir.Block]int),
		stackLevels: make(map[int]int),
	}
	g.Log = opts.Logger.With("method", m.Name, "arch", t.Arch().String(), "id", g.ID.String())
	if opts.Config.FullyInterruptible || m.Flags.Has(ir.MethodFullyInterruptible) {
		g.mode = gcinfo.FullyInterruptible
	}
	return g
}

// FullyInterruptible reports the GC reporting mode of the method.
func (g *Gen) FullyInterruptible() bool { return g.mode == gcinfo.FullyInterruptible }

// planRegions assigns every block to the hot body, the cold body or a
// funclet. Funclets follow the main body; cold main blocks form a suffix of
// the main body.
func (g *Gen) planRegions() error {
	m := g.Method
	region := regionHot
	for _, b := range m.Blocks {
		if b.Flags.Has(ir.FlagFuncletBegin) {
			f, err := g.newFunclet(b)
			if err != nil {
				return err
			}
			region = regionFunclet0 + f.Index
		} else if region == regionHot && b.Flags.Has(ir.FlagCold) && g.splitCold() && b != m.Blocks[0] {
			region = regionCold
			g.coldBlock = b
		}
		g.region[b] = region
	}
	if m.Blocks[0].Flags.Has(ir.FlagFuncletBegin) {
		return Internalf("%s starts with a funclet", m.Name)
	}
	return nil
}

func (g *Gen) splitCold() bool {
	return g.Config.HotColdSplit && g.Method.Flags.Has(ir.MethodHotColdSplit)
}

func (g *Gen) newFunclet(b *ir.Block) (*Funclet, error) {
	for i, c := range g.Method.EH {
		f := &Funclet{Index: len(g.funclets), Clause: i, Kind: c.Kind, Entry: b}
		switch b {
		case c.HandlerBegin:
		case c.FilterBegin:
			f.Filter = true
		default:
			continue
		}
		g.funclets = append(g.funclets, f)
		g.funcletAt[b] = f
		return f, nil
	}
	return nil, Internalf("funclet block %s starts no handler or filter", b)
}

// Funclets lists the method's funclets in emission order.
func (g *Gen) Funclets() []*Funclet { return g.funclets }

// CurrentFunclet is the funclet being generated, or nil in the main body.
func (g *Gen) CurrentFunclet() *Funclet { return g.cur }

// Label returns the label of b, which must have been marked.
func (g *Gen) Label(b *ir.Block) asm.Label {
	if !b.Flags.Has(ir.FlagHasLabel) {
		Fatalf("branch to unlabeled block %s", b)
	}
	return BlockLabel(b)
}

// NewLabel returns a label local to this method.
func (g *Gen) NewLabel(prefix string) asm.Label {
	g.labelSeq++
	return asm.Label(fmt.Sprintf(".%s%d", prefix, g.labelSeq))
}

// FallsThrough reports whether control leaving b reaches t without a jump.
func (g *Gen) FallsThrough(b, t *ir.Block) bool {
	return t != nil && b.Next() == t && g.region[b] == g.region[t]
}

// EndsRegion reports whether b is the last block of its region.
func (g *Gen) EndsRegion(b *ir.Block) bool {
	next := b.Next()
	return next == nil || g.region[next] != g.region[b]
}

// FrameAddr maps a frame offset to a base register and displacement valid in
// the code being generated. Funclets reach the parent frame through the
// frame pointer.
func (g *Gen) FrameAddr(off int32) (regset.Reg, int32) {
	if g.cur != nil {
		return g.ABI.FramePointer, off - g.Frame.FPDelta
	}
	return g.ABI.StackPointer, off
}

// LocalAddr returns the stack home of local i.
func (g *Gen) LocalAddr(i int) (regset.Reg, int32) {
	off, ok := g.Frame.LocalOffset(i)
	if !ok {
		Fatalf("local %d has no stack home", i)
	}
	return g.FrameAddr(off)
}

// TempAddr returns the spill temp of the node being generated.
func (g *Gen) TempAddr() (regset.Reg, int32) {
	if g.nodeTemp == nil {
		Fatalf("no spill temp bound to the current node")
	}
	return g.FrameAddr(g.nodeTemp.Offset)
}

// HelperAddress returns the entry point of a runtime helper.
func (g *Gen) HelperAddress(h ir.Helper) uint64 { return g.Runtime.HelperAddress(h) }

// Unwind records an unwind code at the current offset.
func (g *Gen) Unwind(c unwind.Code) asm.Fragment {
	return asm.Hook(func(off int) error {
		c.Offset = uint32(off)
		if err := g.em.unwind.Add(c); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return nil
	})
}

// Phantom records a frame effect performed before the method was entered.
func (g *Gen) Phantom(c unwind.Code) asm.Fragment {
	c.Phantom = true
	return g.Unwind(c)
}

// Interior reports regs as byrefs from begin until end in fully
// interruptible methods. It is used for addresses computed into scratch
// registers from a GC pointer. end restores the state the node started
// with. Both fragments are nil in partially interruptible methods.
func (g *Gen) Interior(regs ...regset.Reg) (begin, end asm.Fragment) {
	if g.mode != gcinfo.FullyInterruptible {
		return nil, nil
	}
	in := g.Life.GC.Clone()
	st := in.Clone()
	for _, r := range regs {
		st.MarkReg(r, ir.GCByref)
	}
	return g.hook(func(em *emission, off int) { em.gc.Transition(off, st) }),
		g.hook(func(em *emission, off int) { em.gc.Transition(off, in) })
}

// HoldsGCPointer reports whether r currently holds a ref or byref.
func (g *Gen) HoldsGCPointer(r regset.Reg) bool {
	return r.Valid() && g.Life.GC.RegKind(r) != ir.GCNone
}

func (g *Gen) hook(fn func(em *emission, off int)) asm.Fragment {
	return asm.Hook(func(off int) error {
		fn(g.em, off)
		return nil
	})
}

func (g *Gen) emit(frags ...asm.Fragment) {
	g.frags = append(g.frags, frags...)
}

// snapshot records the current GC state as a transition.
func (g *Gen) snapshot() {
	if g.mode != gcinfo.FullyInterruptible {
		return
	}
	st := g.Life.GC.Clone()
	g.emit(g.hook(func(em *emission, off int) { em.gc.Transition(off, st) }))
}

func (g *Gen) safepoint() {
	st := g.Life.GC.Clone()
	g.emit(g.hook(func(em *emission, off int) { em.gc.Safepoint(off, st) }))
}
