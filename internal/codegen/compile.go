package codegen

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/codeheap"
	"github.com/tinyrange/jit/internal/gcinfo"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/timeslice"
	"github.com/tinyrange/jit/internal/unwind"
)

// Result is everything the runtime needs to run and unwind a method.
type Result struct {
	ID     uuid.UUID
	Method string
	Arch   ir.Architecture

	Code    []byte
	Address uint64
	// HotSize is the length of the hot section; cold code follows it.
	HotSize int
	// Estimate is the size reserved after the first pass.
	Estimate int

	Frame      *FrameLayout
	PrologSize int
	EpilogSize int

	EH     []NativeEHClause
	Unwind []*unwind.Region
	GCInfo []byte
	GCMode gcinfo.Mode

	BlockOffsets map[int]uint32
	VarRanges    []VarRange
	// StackLevels holds the outgoing argument depth at throw helpers, by
	// block ID, on targets without a fixed outgoing area.
	StackLevels map[int]int
	Labels      map[asm.Label]int

	Timings []timeslice.Timing
	Total   time.Duration
}

// UnwindIndex builds an offset lookup over the unwind regions.
func (r *Result) UnwindIndex() *unwind.Index { return unwind.NewIndex(r.Unwind) }

// GCTable decodes the GC info.
func (r *Result) GCTable() (*gcinfo.Table, error) {
	info, err := gcinfo.Decode(r.GCInfo)
	if err != nil {
		return nil, err
	}
	return gcinfo.NewTable(info), nil
}

// Compile generates code for m with the registered target for arch.
func Compile(m *ir.Method, arch ir.Architecture, opts Options) (*Result, error) {
	t, err := LookupTarget(arch)
	if err != nil {
		return nil, err
	}
	return CompileWith(m, t, opts)
}

// CompileWith generates code for m with target t. Internal consistency
// failures abort the compilation with an ErrInternal error.
func CompileWith(m *ir.Method, t Target, opts Options) (res *Result, err error) {
	defer recoverAbort(&err)
	opts = opts.withDefaults()
	rec := timeslice.NewRecorder(opts.Sink)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	g := newGen(m, t, opts)
	MarkLabels(m)
	if err := g.planRegions(); err != nil {
		return nil, err
	}
	rec.Record(timeslice.PhaseValidate)

	frame, err := FinalizeFrame(m, t, opts.Config)
	if err != nil {
		return nil, err
	}
	g.Frame = frame
	g.Temps = NewTempPool(m, frame)
	g.Log.Debug("frame finalized",
		"total", frame.TotalSize, "alloc", frame.AllocSize, "locals", frame.LocalsSize,
		"fp", frame.UseFP, "blockinit", frame.BlockInit, "mustinit", frame.MustInitSize())
	rec.Record(timeslice.PhaseFrameLayout)

	body, err := g.build()
	if err != nil {
		return nil, err
	}
	rec.Record(timeslice.PhaseBuild)

	first, _, err := g.pass(body, nil)
	if err != nil {
		return nil, err
	}
	estimate := first.Len()
	if opts.AdjustEstimate != nil {
		estimate = opts.AdjustEstimate(estimate)
	}
	buf, err := opts.Runtime.AllocCode(max(estimate, 1))
	if err != nil {
		return nil, fmt.Errorf("codegen: reserve %d bytes for %s: %w", estimate, m.Name, err)
	}
	done := false
	defer func() {
		if !done {
			if rerr := buf.Release(); rerr != nil {
				g.Log.Warn("release code buffer", "err", rerr)
			}
		}
	}()
	rec.Record(timeslice.PhaseEstimate)

	var prev *asm.Layout
	if opts.Config.ShortBranches {
		prev = first.Layout()
	}
	prog, em, err := g.pass(body, prev)
	if err != nil {
		return nil, err
	}
	if prog.Len() > estimate {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d reserved", ErrCodeOverrun, m.Name, prog.Len(), estimate)
	}
	code := prog.Bytes()
	if err := buf.Commit(code); err != nil {
		if errors.Is(err, codeheap.ErrOverrun) {
			return nil, fmt.Errorf("%w: %v", ErrCodeOverrun, err)
		}
		return nil, fmt.Errorf("codegen: commit %s: %w", m.Name, err)
	}
	rec.Record(timeslice.PhaseEmit)

	start := func(b *ir.Block) uint32 {
		off, ok := em.blockStart[b]
		if !ok {
			Fatalf("block %s was never emitted", b)
		}
		return uint32(off)
	}
	eh, err := BuildEHTable(m, start, uint32(len(code)))
	if err != nil {
		return nil, err
	}
	rec.Record(timeslice.PhaseEHTable)

	regions := em.unwind.Finish(len(code))
	for _, r := range regions {
		blob, err := t.EncodeUnwind(r)
		if err != nil {
			return nil, err
		}
		r.Blob = blob
	}
	for _, s := range frame.UntrackedGCSlots(m, g.ABI.PtrSize) {
		em.gc.AddUntracked(s)
	}
	prologSize := em.prologEnd
	gcBlob := em.gc.Encode(len(code), prologSize)
	rec.Record(timeslice.PhaseTables)

	res = &Result{
		ID:           g.ID,
		Method:       m.Name,
		Arch:         t.Arch(),
		Code:         code,
		Address:      buf.Address(),
		HotSize:      len(code),
		Estimate:     estimate,
		Frame:        frame,
		PrologSize:   prologSize,
		EpilogSize:   em.epilogSize,
		EH:           eh,
		Unwind:       regions,
		GCInfo:       gcBlob,
		GCMode:       g.mode,
		BlockOffsets: make(map[int]uint32, len(em.blockStart)),
		VarRanges:    em.ranges.finish(len(code)),
		StackLevels:  g.stackLevels,
		Labels:       prog.Layout().Labels,
		Timings:      slices.Clone(rec.Timings()),
		Total:        rec.Total(),
	}
	if em.coldStart >= 0 {
		res.HotSize = em.coldStart
	}
	for b, off := range em.blockStart {
		res.BlockOffsets[b.ID] = uint32(off)
	}
	g.Log.Debug("compiled", "size", len(code), "estimate", estimate, "eh", len(eh), "regions", len(regions))
	done = true
	return res, nil
}

// pass emits the fragment stream once into a fresh stream.
func (g *Gen) pass(body asm.Group, prev *asm.Layout) (asm.Program, *emission, error) {
	g.em = newEmission(g.mode)
	s := g.Target.NewStream(prev)
	if err := body.Emit(s); err != nil {
		return asm.Program{}, nil, wrapEmitError(err)
	}
	prog, err := s.Finish()
	if err != nil {
		return asm.Program{}, nil, wrapEmitError(err)
	}
	return prog, g.em, nil
}

func wrapEmitError(err error) error {
	if errors.Is(err, ErrInternal) || errors.Is(err, ErrUnsupported) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}
