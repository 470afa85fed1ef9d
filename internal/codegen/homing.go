package codegen

import (
	"fmt"
	"slices"

	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

// MoveKind is one primitive of argument homing.
type MoveKind uint8

const (
	// MoveReg copies Src into Dst.
	MoveReg MoveKind = iota
	// MoveSwap exchanges Dst and Src.
	MoveSwap
	// MoveStore writes Src to the frame at Offset.
	MoveStore
	// MoveLoad reads Dst from the frame at Offset.
	MoveLoad
	// MoveLane copies lane SrcLane of Src into lane DstLane of Dst.
	MoveLane
	// MoveCopy copies one slot from SrcOffset to Offset through a scratch
	// register.
	MoveCopy
)

var moveKindNames = [...]string{"mov", "swap", "store", "load", "lane", "copy"}

func (k MoveKind) String() string {
	if int(k) < len(moveKindNames) {
		return moveKindNames[k]
	}
	return fmt.Sprintf("MoveKind(%d)", uint8(k))
}

// Move is one homing step. Offsets are relative to the body stack pointer.
type Move struct {
	Kind      MoveKind
	Type      ir.VarType
	Dst, Src  regset.Reg
	Offset    int32
	SrcOffset int32
	DstLane   int
	SrcLane   int
}

func (m Move) String() string {
	switch m.Kind {
	case MoveStore:
		return fmt.Sprintf("store.%s [sp+%d], r%d", m.Type, m.Offset, m.Src)
	case MoveLoad:
		return fmt.Sprintf("load.%s r%d, [sp+%d]", m.Type, m.Dst, m.Offset)
	case MoveLane:
		return fmt.Sprintf("lane.%s r%d[%d], r%d[%d]", m.Type, m.Dst, m.DstLane, m.Src, m.SrcLane)
	case MoveCopy:
		return fmt.Sprintf("copy [sp+%d], [sp+%d]", m.Offset, m.SrcOffset)
	}
	return fmt.Sprintf("%s.%s r%d, r%d", m.Kind, m.Type, m.Dst, m.Src)
}

// homeEdge moves one or more incoming registers into a home register.
type homeEdge struct {
	dst  regset.Reg
	srcs []regset.Reg
	typ  ir.VarType
	hfa  bool
}

func (e *homeEdge) reads(r regset.Reg) bool { return slices.Contains(e.srcs, r) }

// argIsLive reports whether a parameter is needed on entry.
func argIsLive(m *ir.Method, v *ir.LocalVar) bool {
	if !v.Tracked {
		return true
	}
	return v.OnFrame || m.Blocks[0].LiveIn.Has(v.Index)
}

func argRegType(abi *ABI, v *ir.LocalVar, r regset.Reg) ir.VarType {
	switch {
	case v.HFA != nil:
		return v.HFA.Elem
	case v.Type == ir.TypeStruct && abi.IsFloat(r):
		return ir.TypeDouble
	case v.Type == ir.TypeStruct:
		return ir.TypeLong
	}
	return v.Type
}

// PlanHoming orders the moves that take incoming parameters from their
// argument registers and stack slots to their allocated homes. Frame stores
// come first, register shuffles next and stack loads last; register cycles
// are broken with exchanges or one scratch register at a time.
func PlanHoming(m *ir.Method, f *FrameLayout, abi *ABI) ([]Move, error) {
	if m.OSR != nil {
		return nil, nil
	}
	var (
		stores, loads []Move
		edges         []*homeEdge
		liveArgs      regset.Set
		dsts          regset.Set
	)
	for _, v := range m.Locals {
		if v.Param && argIsLive(m, v) {
			liveArgs = liveArgs.Union(v.ArgRegMask())
		}
	}
	for i, v := range m.Locals {
		if !v.Param || !argIsLive(m, v) {
			continue
		}
		switch {
		case len(v.ArgRegs) > 0 && v.InReg():
			if v.HFA != nil && v.HFA.Count > 1 && len(v.Regs) == 1 {
				edges = append(edges, &homeEdge{dst: v.Regs[0], srcs: slices.Clone(v.ArgRegs), typ: v.HFA.Elem, hfa: true})
				dsts = dsts.Add(v.Regs[0])
				continue
			}
			if len(v.Regs) < len(v.ArgRegs) {
				return nil, Internalf("parameter %s arrives in %d registers but has %d homes", v.Name, len(v.ArgRegs), len(v.Regs))
			}
			for j, src := range v.ArgRegs {
				dst := v.Regs[j]
				if dsts.Has(dst) {
					return nil, Internalf("register r%d is the home of two parameters", dst)
				}
				dsts = dsts.Add(dst)
				if src != dst {
					edges = append(edges, &homeEdge{dst: dst, srcs: []regset.Reg{src}, typ: argRegType(abi, v, src)})
				}
			}
		case len(v.ArgRegs) > 0:
			home, ok := f.FrameHome(i)
			if !ok {
				return nil, Internalf("parameter %s has neither a register nor a frame home", v.Name)
			}
			step := int32(abi.PtrSize)
			if v.HFA != nil {
				step = int32(v.HFA.Elem.Size())
			}
			for j, src := range v.ArgRegs {
				stores = append(stores, Move{Kind: MoveStore, Type: argRegType(abi, v, src), Src: src, Offset: home + int32(j)*step})
			}
			if isSplit(v) {
				in, _ := f.IncomingSlot(i)
				regBytes := len(v.ArgRegs) * abi.PtrSize
				for b := regBytes; b < v.ByteSize(); b += abi.PtrSize {
					stores = append(stores, Move{Kind: MoveCopy, Type: ir.TypeLong, Offset: home + int32(b), SrcOffset: in + int32(b-regBytes)})
				}
			}
		case v.StackArg && v.InReg():
			in, ok := f.IncomingSlot(i)
			if !ok {
				return nil, Internalf("stack parameter %s has no incoming slot", v.Name)
			}
			for j, dst := range v.Regs {
				t := v.Type
				if t == ir.TypeStruct {
					t = ir.TypeLong
				}
				loads = append(loads, Move{Kind: MoveLoad, Type: t, Dst: dst, Offset: in + int32(j*abi.PtrSize)})
				dsts = dsts.Add(dst)
			}
		}
	}

	moves := stores
	pending := edges
	for progress := true; progress && len(pending) > 0; {
		progress = false
		for i := 0; i < len(pending); i++ {
			e := pending[i]
			if blockedEdge(pending, e) {
				continue
			}
			moves = append(moves, edgeMoves(e)...)
			liveArgs = liveArgs.Difference(regset.Of(e.srcs...))
			pending = slices.Delete(pending, i, i+1)
			i--
			progress = true
		}
	}

	for len(pending) > 0 {
		cycle, err := takeCycle(&pending)
		if err != nil {
			return nil, err
		}
		resolved, err := resolveCycle(abi, cycle, liveArgs, dsts)
		if err != nil {
			return nil, err
		}
		moves = append(moves, resolved...)
	}
	return append(moves, loads...), nil
}

func blockedEdge(pending []*homeEdge, e *homeEdge) bool {
	for _, o := range pending {
		if o != e && o.reads(e.dst) {
			return true
		}
	}
	return false
}

func edgeMoves(e *homeEdge) []Move {
	if !e.hfa {
		return []Move{{Kind: MoveReg, Type: e.typ, Dst: e.dst, Src: e.srcs[0]}}
	}
	var out []Move
	same := slices.Index(e.srcs, e.dst)
	if same > 0 {
		out = append(out, Move{Kind: MoveLane, Type: e.typ, Dst: e.dst, DstLane: same, Src: e.dst, SrcLane: 0})
	}
	for j, src := range e.srcs {
		if j == same {
			continue
		}
		out = append(out, Move{Kind: MoveLane, Type: e.typ, Dst: e.dst, DstLane: j, Src: src, SrcLane: 0})
	}
	return out
}

// takeCycle removes one register cycle from pending. The cycle starts at the
// edge with the lowest source register and lists each following edge as the
// one that overwrites the previous source.
func takeCycle(pending *[]*homeEdge) ([]*homeEdge, error) {
	edges := *pending
	start := 0
	for i, e := range edges {
		if e.hfa {
			return nil, fmt.Errorf("%w: hfa argument in register r%d takes part in a move cycle", ErrUnsupported, e.dst)
		}
		if e.srcs[0] < edges[start].srcs[0] {
			start = i
		}
	}
	cycle := []*homeEdge{edges[start]}
	taken := map[*homeEdge]bool{edges[start]: true}
	cur := edges[start]
	for {
		var next *homeEdge
		for _, e := range edges {
			if e.dst == cur.srcs[0] {
				next = e
				break
			}
		}
		if next == nil {
			return nil, Internalf("argument moves into r%d do not form a cycle", cur.srcs[0])
		}
		if next == cycle[0] {
			break
		}
		if taken[next] {
			return nil, Internalf("argument move cycle through r%d is not simple", next.dst)
		}
		taken[next] = true
		cycle = append(cycle, next)
		cur = next
	}
	rest := edges[:0]
	for _, e := range edges {
		if !taken[e] {
			rest = append(rest, e)
		}
	}
	*pending = rest
	return cycle, nil
}

func resolveCycle(abi *ABI, cycle []*homeEdge, liveArgs, dsts regset.Set) ([]Move, error) {
	first := cycle[0]
	float := abi.IsFloat(first.srcs[0])
	for _, e := range cycle {
		if abi.IsFloat(e.srcs[0]) != float || abi.IsFloat(e.dst) != float {
			return nil, fmt.Errorf("%w: argument move cycle mixes register files", ErrUnsupported)
		}
	}
	if len(cycle) == 2 && !float && abi.HasExchange {
		return []Move{{Kind: MoveSwap, Type: first.typ, Dst: first.dst, Src: first.srcs[0]}}, nil
	}
	candidates := abi.Scratch
	if float {
		candidates = abi.FloatScratch
	}
	scratch := regset.None
	for _, r := range candidates {
		if !liveArgs.Has(r) && !dsts.Has(r) {
			scratch = r
			break
		}
	}
	if !scratch.Valid() {
		return nil, fmt.Errorf("%w: no scratch register to break a %d-register argument cycle", ErrUnsupported, len(cycle))
	}
	out := []Move{{Kind: MoveReg, Type: first.typ, Dst: scratch, Src: first.srcs[0]}}
	for _, e := range cycle[1:] {
		out = append(out, Move{Kind: MoveReg, Type: e.typ, Dst: e.dst, Src: e.srcs[0]})
	}
	out = append(out, Move{Kind: MoveReg, Type: first.typ, Dst: first.dst, Src: scratch})
	return out, nil
}
