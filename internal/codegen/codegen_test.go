package codegen_test

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/codegen/amd64"
	"github.com/tinyrange/jit/internal/codegen/arm64"
	_ "github.com/tinyrange/jit/internal/codegen/targets"
	"github.com/tinyrange/jit/internal/config"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

func build(t *testing.T, tgt codegen.Target, src string) *ir.Method {
	t.Helper()
	d, err := ir.DecodeDescription(strings.NewReader(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, err := d.Build(tgt)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return m
}

// simulate runs register moves over symbolic register contents.
func simulate(moves []codegen.Move, regs map[regset.Reg]string) error {
	for _, mv := range moves {
		switch mv.Kind {
		case codegen.MoveReg:
			regs[mv.Dst] = regs[mv.Src]
		case codegen.MoveSwap:
			regs[mv.Dst], regs[mv.Src] = regs[mv.Src], regs[mv.Dst]
		default:
			return fmt.Errorf("unexpected move %s", mv)
		}
	}
	return nil
}

func TestPlanHomingPermutations(t *testing.T) {
	tgt := amd64.New()
	m := build(t, tgt, `
name: Shuffle
locals:
  - {name: a, type: long, param: true, argRegs: [rcx], regs: [r8], tracked: true, index: 0}
  - {name: b, type: long, param: true, argRegs: [rdx], regs: [rcx], tracked: true, index: 1}
  - {name: c, type: long, param: true, argRegs: [r8], regs: [rdx], tracked: true, index: 2}
  - {name: d, type: double, param: true, argRegs: [xmm2], regs: [xmm3], tracked: true, index: 3}
  - {name: e, type: double, param: true, argRegs: [xmm3], regs: [xmm2], tracked: true, index: 4}
  - {name: f, type: long, param: true, argRegs: [r9], regs: [rbx], tracked: true, index: 5}
blocks:
  - id: 0
    kind: return
    liveIn: [0, 1, 2, 3, 4, 5]
`)
	f, err := codegen.FinalizeFrame(m, tgt, config.Default().Codegen)
	if err != nil {
		t.Fatal(err)
	}
	moves, err := codegen.PlanHoming(m, f, tgt.ABI())
	if err != nil {
		t.Fatal(err)
	}

	regs := make(map[regset.Reg]string)
	for _, v := range m.Locals {
		regs[v.ArgRegs[0]] = v.Name
	}
	if err := simulate(moves, regs); err != nil {
		t.Fatal(err)
	}
	for _, v := range m.Locals {
		if got := regs[v.Regs[0]]; got != v.Name {
			t.Errorf("%s holds %q, want %q (moves %v)", tgt.RegisterName(v.Regs[0]), got, v.Name, moves)
		}
	}
	for _, mv := range moves {
		if mv.Kind == codegen.MoveSwap && tgt.ABI().IsFloat(mv.Dst) {
			t.Errorf("vector registers cannot be exchanged: %s", mv)
		}
	}
}

func TestPlanHomingHFA(t *testing.T) {
	tgt := arm64.New()
	m := build(t, tgt, `
name: HFA
locals:
  - {name: p, type: struct, size: 8, hfa: {elem: float, count: 2}, param: true, argRegs: [v0, v1], regs: [v1]}
blocks:
  - id: 0
    kind: return
`)
	f, err := codegen.FinalizeFrame(m, tgt, config.Default().Codegen)
	if err != nil {
		t.Fatal(err)
	}
	moves, err := codegen.PlanHoming(m, f, tgt.ABI())
	if err != nil {
		t.Fatal(err)
	}
	v0, _ := tgt.RegisterByName("v0")
	v1, _ := tgt.RegisterByName("v1")
	want := []codegen.Move{
		{Kind: codegen.MoveLane, Type: ir.TypeFloat, Dst: v1, DstLane: 1, Src: v1, SrcLane: 0},
		{Kind: codegen.MoveLane, Type: ir.TypeFloat, Dst: v1, DstLane: 0, Src: v0, SrcLane: 0},
	}
	if !reflect.DeepEqual(moves, want) {
		t.Fatalf("moves = %v, want %v", moves, want)
	}
}

func TestPlanHomingHFACycleUnsupported(t *testing.T) {
	tgt := arm64.New()
	m := build(t, tgt, `
name: HFACycle
locals:
  - {name: p, type: struct, size: 8, hfa: {elem: float, count: 2}, param: true, argRegs: [v0, v1], regs: [v2]}
  - {name: q, type: double, param: true, argRegs: [v2], regs: [v0]}
blocks:
  - id: 0
    kind: return
`)
	f, err := codegen.FinalizeFrame(m, tgt, config.Default().Codegen)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := codegen.PlanHoming(m, f, tgt.ABI()); !errors.Is(err, codegen.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

const mustInitLocals = `
name: Zero
flags: [gscookie]
gsCookie: 0x2bad
temps:
  - {type: ref, count: 1}
  - {type: long, count: 2}
locals:
  - {name: a, type: long, onFrame: true, mustInit: true}
  - {name: b, type: long, onFrame: true, mustInit: true}
  - {name: c, type: long, onFrame: true, mustInit: true}
  - {name: d, type: long, onFrame: true, mustInit: true}
  - {name: e, type: long, onFrame: true}
blocks:
  - id: 0
    kind: return
`

func TestFinalizeFrameIsIdempotent(t *testing.T) {
	for _, tgt := range []codegen.Target{amd64.New(), arm64.New()} {
		t.Run(string(tgt.Arch()), func(t *testing.T) {
			m := build(t, tgt, mustInitLocals)
			cfg := config.Default().Codegen
			a, err := codegen.FinalizeFrame(m, tgt, cfg)
			if err != nil {
				t.Fatal(err)
			}
			b, err := codegen.FinalizeFrame(m, tgt, cfg)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(a, b) {
				t.Fatalf("layouts differ:\n%+v\n%+v", a, b)
			}
			if a.TotalSize%tgt.ABI().StackAlign != 0 && tgt.Arch() == ir.ArchitectureARM64 {
				t.Fatalf("frame of %d bytes is misaligned", a.TotalSize)
			}
			if a.MustInitSize() <= 0 || a.GSCookie < a.MustInitEnd {
				t.Fatalf("must-init [%d,%d) cookie %d", a.MustInitStart, a.MustInitEnd, a.GSCookie)
			}
		})
	}
}

func TestFinalizeFrameRejectsCalleeSavedProbeRegs(t *testing.T) {
	base := amd64.New()
	tgt := &abiOverride{Target: base, abi: *base.ABI()}
	tgt.abi.StackProbeRegs = tgt.abi.StackProbeRegs.Union(tgt.abi.CalleeSavedInt)
	_, err := codegen.FinalizeFrame(build(t, tgt, mustInitLocals), tgt, config.Default().Codegen)
	if !errors.Is(err, codegen.ErrInternal) {
		t.Fatalf("err = %v, want ErrInternal", err)
	}
}

func TestBlockInitThreshold(t *testing.T) {
	tgt := amd64.New()
	m := build(t, tgt, mustInitLocals)
	cfg := config.Default().Codegen
	f, err := codegen.FinalizeFrame(m, tgt, cfg)
	if err != nil {
		t.Fatal(err)
	}
	// four longs and one GC temp need ten 4-byte slots
	if f.MustInitSlots != 10 || !f.BlockInit {
		t.Fatalf("slots=%d blockinit=%v", f.MustInitSlots, f.BlockInit)
	}
	cfg.BlockInitThreshold = map[string]int{"x86_64": 16}
	f, err = codegen.FinalizeFrame(m, tgt, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if f.BlockInit {
		t.Fatalf("block init chosen below the configured threshold")
	}
}

func TestCompileEveryArchitecture(t *testing.T) {
	archs := codegen.Architectures()
	if len(archs) < 2 {
		t.Fatalf("registered targets = %v", archs)
	}
	for _, arch := range archs {
		t.Run(string(arch), func(t *testing.T) {
			tgt, err := codegen.LookupTarget(arch)
			if err != nil {
				t.Fatal(err)
			}
			res, err := codegen.Compile(build(t, tgt, mustInitLocals), arch, codegen.Options{})
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if res.Arch != arch || len(res.Code) == 0 || len(res.Code) > res.Estimate {
				t.Fatalf("arch=%s size=%d estimate=%d", res.Arch, len(res.Code), res.Estimate)
			}
			if len(res.Unwind) != 1 || len(res.Unwind[0].Blob) == 0 {
				t.Fatalf("unwind regions = %v", res.Unwind)
			}
			table, err := res.GCTable()
			if err != nil {
				t.Fatalf("GCTable: %v", err)
			}
			if n := len(table.Untracked()); n != 0 {
				t.Fatalf("untracked GC slots = %d", n)
			}
			if len(res.Timings) == 0 {
				t.Fatalf("no phase timings recorded")
			}
		})
	}
}

// abiOverride is the amd64 target with a modified ABI.
type abiOverride struct {
	*amd64.Target
	abi codegen.ABI
}

func (p *abiOverride) ABI() *codegen.ABI { return &p.abi }

func TestThrowHelperStackLevel(t *testing.T) {
	const src = `
name: Throwing
blocks:
  - id: 0
    kind: return
  - id: 1
    kind: throw
    flags: [throwhelper]
    stackLevel: 16
    nodes:
      - {op: throw, type: void, helper: failfast}
`
	base := amd64.New()
	res, err := codegen.CompileWith(build(t, base, src), base, codegen.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.StackLevels) != 0 {
		t.Fatalf("fixed outgoing area should not track stack levels: %v", res.StackLevels)
	}

	push := &abiOverride{Target: base, abi: *base.ABI()}
	push.abi.FixedOutArgs = false
	res, err = codegen.CompileWith(build(t, push, src), push, codegen.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.StackLevels[1]; got != 16 {
		t.Fatalf("stack level = %d, want 16", got)
	}
}
