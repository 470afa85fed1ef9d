package codegen

import (
	"fmt"
	"sort"

	"github.com/tinyrange/jit/internal/gcinfo"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

// LifeDiff splits a liveness change into the variables that die and the
// variables that are born.
func LifeDiff(old, new ir.VarSet) (dying, born ir.VarSet) {
	return old.Difference(new), new.Difference(old)
}

// VarLocation is where a tracked variable lives during a range.
type VarLocation struct {
	// Reg is regset.None for a stack location.
	Reg    regset.Reg
	Offset int32
}

func (l VarLocation) OnStack() bool { return !l.Reg.Valid() }

func (l VarLocation) String() string {
	if l.OnStack() {
		return fmt.Sprintf("[sp+%d]", l.Offset)
	}
	return fmt.Sprintf("r%d", l.Reg)
}

// Liveness follows the tracked variables and GC roots through a block as
// nodes are generated.
type Liveness struct {
	m       *ir.Method
	f       *FrameLayout
	ptr     int
	minOpts bool

	live     ir.VarSet
	regVar   map[regset.Reg]int
	localIdx map[*ir.LocalVar]int

	GC *gcinfo.State

	// OnBorn and OnDeath observe variable range boundaries.
	OnBorn  func(index int, loc VarLocation)
	OnDeath func(index int)
}

func NewLiveness(m *ir.Method, f *FrameLayout, ptrSize int) *Liveness {
	l := &Liveness{
		m:        m,
		f:        f,
		ptr:      ptrSize,
		minOpts:  m.Flags.Has(ir.MethodMinOpts),
		regVar:   make(map[regset.Reg]int),
		localIdx: make(map[*ir.LocalVar]int, len(m.Locals)),
		GC:       gcinfo.NewState(),
	}
	for i, v := range m.Locals {
		l.localIdx[v] = i
	}
	return l
}

// Live returns the current tracked live set.
func (l *Liveness) Live() ir.VarSet { return l.live }

func (l *Liveness) tracked(index int) (*ir.LocalVar, error) {
	v := l.m.TrackedVar(index)
	if v == nil {
		return nil, Internalf("V%02d is not a tracked variable", index)
	}
	return v, nil
}

// StartBlock resets the state to the entry of b.
func (l *Liveness) StartBlock(b *ir.Block, exceptionReg regset.Reg) error {
	l.GC.Reset()
	l.live = ir.VarSet{}
	clear(l.regVar)
	if err := l.Birth(b.LiveIn); err != nil {
		return fmt.Errorf("%s entry: %w", b, err)
	}
	if b.Flags.Has(ir.FlagCatchEntry) && exceptionReg.Valid() {
		l.GC.MarkReg(exceptionReg, ir.GCRef)
	}
	return l.check()
}

// NodeChange computes the liveness effect of n.
func (l *Liveness) NodeChange(n *ir.Node) (dying, born ir.VarSet, err error) {
	switch {
	case n.Change != nil:
		overlap := n.Change.Born.Intersect(n.Change.Dying)
		if !overlap.IsEmpty() && !l.minOpts {
			return dying, born, Internalf("%s: %s both born and dying", n, overlap)
		}
		return n.Change.Dying, n.Change.Born.Difference(overlap), nil
	case n.Life != nil:
		dying, born = LifeDiff(l.live, *n.Life)
		return dying, born, nil
	}
	return dying, born, nil
}

// Update moves the live set to next.
func (l *Liveness) Update(next ir.VarSet) error {
	dying, born := LifeDiff(l.live, next)
	if err := l.Kill(dying); err != nil {
		return err
	}
	return l.Birth(born)
}

// Kill ends the lives of the dying variables.
func (l *Liveness) Kill(dying ir.VarSet) error {
	var err error
	dying.Each(func(index int) {
		if err != nil || !l.live.Has(index) {
			return
		}
		var v *ir.LocalVar
		v, err = l.tracked(index)
		if err != nil {
			return
		}
		for _, r := range v.Regs {
			if owner, ok := l.regVar[r]; ok && owner == index {
				l.GC.KillReg(r)
				delete(l.regVar, r)
			}
		}
		if base, ok := l.stackHome(v); ok {
			for j := range v.GCSlots(l.ptr) {
				l.GC.ClearStack(base + int32(j*l.ptr))
			}
		}
		l.live = l.live.Without(index)
		if l.OnDeath != nil {
			l.OnDeath(index)
		}
	})
	if err != nil {
		return err
	}
	return l.check()
}

// Birth starts the lives of the born variables.
func (l *Liveness) Birth(born ir.VarSet) error {
	var err error
	born.Each(func(index int) {
		if err != nil || l.live.Has(index) {
			return
		}
		var v *ir.LocalVar
		v, err = l.tracked(index)
		if err != nil {
			return
		}
		kinds := v.GCSlots(l.ptr)
		for j, r := range v.Regs {
			if owner, ok := l.regVar[r]; ok && owner != index {
				other := l.m.TrackedVar(owner)
				if other == nil || !other.AlwaysAliveInMemory {
					err = Internalf("register r%d holds both V%02d and V%02d", r, owner, index)
					return
				}
			}
			l.regVar[r] = index
			kind := ir.GCNone
			if j < len(kinds) {
				kind = kinds[j]
			}
			l.GC.MarkReg(r, kind)
		}
		loc := VarLocation{Reg: v.Reg()}
		if base, ok := l.stackHome(v); ok {
			if !v.InReg() {
				loc = VarLocation{Reg: regset.None, Offset: base}
			}
			if !v.InReg() || v.AlwaysAliveInMemory {
				for j, k := range kinds {
					if k != ir.GCNone {
						l.GC.SetStack(base+int32(j*l.ptr), k)
					}
				}
			}
		}
		l.live = l.live.With(index)
		if l.OnBorn != nil {
			l.OnBorn(index, loc)
		}
	})
	if err != nil {
		return err
	}
	return l.check()
}

// stackHome returns the frame home of v when it is a tracked GC stack
// location.
func (l *Liveness) stackHome(v *ir.LocalVar) (int32, bool) {
	i, ok := l.localIdx[v]
	if !ok {
		return 0, false
	}
	return l.f.LocalOffset(i)
}

// CallKill applies the kill set of a call. A live variable in a killed
// register means the allocator broke the calling convention.
func (l *Liveness) CallKill(kill regset.Set) error {
	var err error
	l.live.Each(func(index int) {
		if err != nil {
			return
		}
		v := l.m.TrackedVar(index)
		if v != nil && v.RegMask().Overlaps(kill) {
			err = Internalf("V%02d is live in a register killed by a call", index)
		}
	})
	if err != nil {
		return err
	}
	l.GC.KillRegs(kill)
	return l.check()
}

// Define records that r now holds a temporary of the given kind. Registers
// owned by a live variable keep the variable's kind.
func (l *Liveness) Define(r regset.Reg, kind ir.GCKind) error {
	if !r.Valid() {
		return nil
	}
	if owner, ok := l.regVar[r]; ok {
		v := l.m.TrackedVar(owner)
		kinds := v.GCSlots(l.ptr)
		for j, vr := range v.Regs {
			if vr == r && j < len(kinds) {
				kind = kinds[j]
			}
		}
	}
	l.GC.MarkReg(r, kind)
	return l.check()
}

// KillTemps drops temporaries that end at the current node.
func (l *Liveness) KillTemps(dies regset.Set) error {
	dies.Each(func(r regset.Reg) {
		if _, owned := l.regVar[r]; !owned {
			l.GC.KillReg(r)
		}
	})
	return l.check()
}

func (l *Liveness) check() error {
	if err := l.GC.Check(); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// VarRange is one contiguous location of a tracked variable.
type VarRange struct {
	Var        int
	Start, End uint32
	Loc        VarLocation
}

type openRange struct {
	start uint32
	loc   VarLocation
}

type rangeRecorder struct {
	open map[int]openRange
	done []VarRange
}

func newRangeRecorder() *rangeRecorder {
	return &rangeRecorder{open: make(map[int]openRange)}
}

func (r *rangeRecorder) begin(v int, loc VarLocation, off int) {
	if _, ok := r.open[v]; ok {
		r.end(v, off)
	}
	r.open[v] = openRange{start: uint32(off), loc: loc}
}

func (r *rangeRecorder) end(v int, off int) {
	o, ok := r.open[v]
	if !ok {
		return
	}
	delete(r.open, v)
	if uint32(off) > o.start {
		r.done = append(r.done, VarRange{Var: v, Start: o.start, End: uint32(off), Loc: o.loc})
	}
}

func (r *rangeRecorder) endAll(off int) {
	for v := range r.open {
		r.end(v, off)
	}
}

// finish closes open ranges and merges adjacent ranges with the same
// location.
func (r *rangeRecorder) finish(off int) []VarRange {
	r.endAll(off)
	sort.Slice(r.done, func(i, j int) bool {
		if r.done[i].Var != r.done[j].Var {
			return r.done[i].Var < r.done[j].Var
		}
		return r.done[i].Start < r.done[j].Start
	})
	var out []VarRange
	for _, vr := range r.done {
		if n := len(out); n > 0 && out[n-1].Var == vr.Var && out[n-1].End == vr.Start && out[n-1].Loc == vr.Loc {
			out[n-1].End = vr.End
			continue
		}
		out = append(out, vr)
	}
	return out
}
