package amd64

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/unwind"
)

func buildMethod(t *testing.T, src string) *ir.Method {
	t.Helper()
	d, err := ir.DecodeDescription(strings.NewReader(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, err := d.Build(New())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return m
}

func compile(t *testing.T, src string) *codegen.Result {
	t.Helper()
	res, err := codegen.CompileWith(buildMethod(t, src), New(), codegen.Options{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return res
}

func cat(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

const rotateArgs = `
name: Rotate
locals:
  - {name: a, type: long, param: true, argRegs: [rcx], regs: [r8], tracked: true, index: 0}
  - {name: b, type: long, param: true, argRegs: [rdx], regs: [rcx], tracked: true, index: 1}
  - {name: c, type: long, param: true, argRegs: [r8], regs: [rdx], tracked: true, index: 2}
blocks:
  - id: 0
    kind: return
    liveIn: [0, 1, 2]
`

func TestHomingRotatesThroughScratch(t *testing.T) {
	res := compile(t, rotateArgs)
	want := cat(
		[]byte{0x48, 0x83, 0xEC, 0x08}, // sub rsp, 8
		[]byte{0x49, 0x89, 0xCA},       // mov r10, rcx
		[]byte{0x48, 0x89, 0xD1},       // mov rcx, rdx
		[]byte{0x4C, 0x89, 0xC2},       // mov rdx, r8
		[]byte{0x4D, 0x89, 0xD0},       // mov r8, r10
		[]byte{0x48, 0x83, 0xC4, 0x08}, // add rsp, 8
		[]byte{0xC3},
	)
	if !bytes.Equal(res.Code, want) {
		t.Fatalf("code = % x\nwant   % x", res.Code, want)
	}
	if res.PrologSize != 4 {
		t.Fatalf("PrologSize = %d, want 4", res.PrologSize)
	}
	if res.EpilogSize != 5 {
		t.Fatalf("EpilogSize = %d, want 5", res.EpilogSize)
	}
}

const callWithSavedReg = `
name: Alloc
locals:
  - {name: x, type: long, regs: [rbx], tracked: true, index: 0}
blocks:
  - id: 0
    kind: return
    nodes:
      - {op: call, type: ref, dst: rax, helper: newobj}
`

func TestCallFrame(t *testing.T) {
	res := compile(t, callWithSavedReg)
	helper := codegen.NewOfflineRuntime().HelperAddress(ir.HelperNewObject)
	want := cat(
		[]byte{0x53},                   // push rbx
		[]byte{0x48, 0x83, 0xEC, 0x20}, // sub rsp, 32
		binary.LittleEndian.AppendUint64([]byte{0x49, 0xBB}, helper),
		[]byte{0x41, 0xFF, 0xD3},       // call r11
		[]byte{0x48, 0x83, 0xC4, 0x20}, // add rsp, 32
		[]byte{0x5B, 0xC3},
	)
	if !bytes.Equal(res.Code, want) {
		t.Fatalf("code = % x\nwant   % x", res.Code, want)
	}
	if res.Frame.TotalSize != 40 || res.Frame.OutgoingArgs != 32 {
		t.Fatalf("frame total=%d outgoing=%d", res.Frame.TotalSize, res.Frame.OutgoingArgs)
	}

	table, err := res.GCTable()
	if err != nil {
		t.Fatalf("GCTable: %v", err)
	}
	sp := table.Safepoints()
	if len(sp) != 1 || sp[0] != 18 {
		t.Fatalf("safepoints = %v, want [18]", sp)
	}
	e, ok := table.At(18)
	if !ok || !e.Ref.IsEmpty() {
		t.Fatalf("call result must not be live at its own return address: %+v", e)
	}

	if len(res.Unwind) != 1 {
		t.Fatalf("unwind regions = %d, want 1", len(res.Unwind))
	}
	blob := []byte{0x01, 0x05, 0x02, 0x00, 0x05, 0x32, 0x01, 0x30}
	if got := res.Unwind[0].Blob; !bytes.Equal(got, blob) {
		t.Fatalf("unwind = % x, want % x", got, blob)
	}
}

type trackedBuffer struct {
	codegen.CodeBuffer
	released bool
}

func (b *trackedBuffer) Release() error {
	b.released = true
	return b.CodeBuffer.Release()
}

type trackingRuntime struct {
	*codegen.OfflineRuntime
	bufs []*trackedBuffer
}

func (r *trackingRuntime) AllocCode(size int) (codegen.CodeBuffer, error) {
	buf, err := r.OfflineRuntime.AllocCode(size)
	if err != nil {
		return nil, err
	}
	tb := &trackedBuffer{CodeBuffer: buf}
	r.bufs = append(r.bufs, tb)
	return tb, nil
}

func TestEstimateOverrun(t *testing.T) {
	m := buildMethod(t, callWithSavedReg)
	rt := &trackingRuntime{OfflineRuntime: codegen.NewOfflineRuntime()}
	_, err := codegen.CompileWith(m, New(), codegen.Options{
		Runtime:        rt,
		AdjustEstimate: func(n int) int { return n - 1 },
	})
	if !errors.Is(err, codegen.ErrCodeOverrun) {
		t.Fatalf("err = %v, want ErrCodeOverrun", err)
	}
	if len(rt.bufs) != 1 || !rt.bufs[0].released {
		t.Fatalf("reservation not released after overrun")
	}
}

func TestSuccessKeepsReservation(t *testing.T) {
	rt := &trackingRuntime{OfflineRuntime: codegen.NewOfflineRuntime()}
	res, err := codegen.CompileWith(buildMethod(t, callWithSavedReg), New(), codegen.Options{Runtime: rt})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(rt.bufs) != 1 || rt.bufs[0].released {
		t.Fatalf("reservation released after a successful compile")
	}
	if res.Address != rt.bufs[0].Address() {
		t.Fatalf("Address = %#x, want %#x", res.Address, rt.bufs[0].Address())
	}
}

func TestConditionalBranchElision(t *testing.T) {
	for _, tc := range []struct {
		name   string
		target int
		false_ int
		jcc    byte
	}{
		{"taken-is-far", 2, 1, 0x7C},
		{"taken-is-next", 1, 2, 0x7D},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := strings.NewReplacer("TARGET", string(rune('0'+tc.target)), "FALSE", string(rune('0'+tc.false_))).Replace(`
name: Branch
blocks:
  - id: 0
    kind: cond
    cond: lt
    target: TARGET
    false: FALSE
    nodes:
      - {op: compare, srcs: [rcx], imm: 0}
  - id: 1
    kind: return
  - id: 2
    kind: return
`)
			res := compile(t, src)
			want := cat(
				[]byte{0x48, 0x83, 0xEC, 0x08},
				[]byte{0x48, 0x83, 0xF9, 0x00}, // cmp rcx, 0
				[]byte{tc.jcc, 0x05},
				[]byte{0x48, 0x83, 0xC4, 0x08, 0xC3},
				[]byte{0x48, 0x83, 0xC4, 0x08, 0xC3},
			)
			if !bytes.Equal(res.Code, want) {
				t.Fatalf("code = % x\nwant   % x", res.Code, want)
			}
			if res.Estimate < len(res.Code) {
				t.Fatalf("estimate %d below final size %d", res.Estimate, len(res.Code))
			}
		})
	}
}

const tryFinally = `
name: TryFinally
blocks:
  - id: 0
    nodes:
      - {op: const, dst: rax, imm: 1}
  - id: 1
    kind: callfinally
    target: 4
  - id: 2
    kind: callfinallyret
    target: 3
  - id: 3
    kind: return
  - id: 4
    kind: finallyret
    flags: [funclet]
eh:
  - kind: finally
    try: [0, 0]
    handler: [4, 4]
`

func TestTryFinally(t *testing.T) {
	res := compile(t, tryFinally)
	want := cat(
		[]byte{0x55},                         // push rbp
		[]byte{0x48, 0x83, 0xEC, 0x20},       // sub rsp, 32
		[]byte{0x48, 0x8D, 0x6C, 0x24, 0x20}, // lea rbp, [rsp+32]
		[]byte{0xB8, 0x01, 0x00, 0x00, 0x00}, // mov eax, 1
		[]byte{0x48, 0x89, 0xE9},             // mov rcx, rbp
		[]byte{0xE8, 0x06, 0x00, 0x00, 0x00}, // call BB04
		[]byte{0x48, 0x83, 0xC4, 0x20, 0x5D, 0xC3},
		[]byte{0x55, 0x48, 0x83, 0xEC, 0x20, 0x48, 0x89, 0xCD},
		[]byte{0x48, 0x83, 0xC4, 0x20, 0x5D, 0xC3},
	)
	if !bytes.Equal(res.Code, want) {
		t.Fatalf("code = % x\nwant   % x", res.Code, want)
	}

	eh := []codegen.NativeEHClause{
		{Flags: codegen.EHFinally, TryStart: 10, TryEnd: 15, HandlerStart: 29, HandlerEnd: 43},
		{Flags: codegen.EHFinally | codegen.EHDuplicate, TryStart: 15, TryEnd: 15, HandlerStart: 15, HandlerEnd: 23},
	}
	if len(res.EH) != len(eh) {
		t.Fatalf("eh = %v", res.EH)
	}
	for i := range eh {
		if res.EH[i] != eh[i] {
			t.Errorf("clause %d = %s, want %s", i, res.EH[i], eh[i])
		}
	}

	if len(res.Unwind) != 2 {
		t.Fatalf("unwind regions = %d, want 2", len(res.Unwind))
	}
	main := []byte{0x01, 0x0A, 0x03, 0x25, 0x0A, 0x03, 0x05, 0x32, 0x01, 0x50, 0x00, 0x00}
	if got := res.Unwind[0].Blob; !bytes.Equal(got, main) {
		t.Errorf("main unwind = % x, want % x", got, main)
	}
	funclet := []byte{0x01, 0x08, 0x02, 0x00, 0x05, 0x32, 0x01, 0x50}
	if got := res.Unwind[1].Blob; !bytes.Equal(got, funclet) {
		t.Errorf("funclet unwind = % x, want % x", got, funclet)
	}
	if r, ok := res.UnwindIndex().Find(35); !ok || r.Kind != unwind.RegionFunclet {
		t.Errorf("offset 35 should resolve to the funclet region")
	}
}

func TestEncodeUnwindLargeAlloc(t *testing.T) {
	tgt := New()
	r := &unwind.Region{Start: 0x100, End: 0x200, PrologSize: 12, Codes: []unwind.Code{
		{Offset: 0x101, Op: unwind.OpPush, Reg: reg(13)},
		{Offset: 0x108, Op: unwind.OpAlloc, Size: 0x1000},
		{Offset: 0x10c, Op: unwind.OpAlloc, Size: 0x100000},
	}}
	got, err := tgt.EncodeUnwind(r)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x01, 12, 6, 0x00,
		0x0c, 0x11, 0x00, 0x00, 0x10, 0x00,
		0x08, 0x01, 0x00, 0x02,
		0x01, 0xD0,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("blob = % x, want % x", got, want)
	}

	cold := &unwind.Region{Kind: unwind.RegionCold, Start: 0x200, End: 0x240, Parent: r}
	got, err = tgt.EncodeUnwind(cold)
	if err != nil {
		t.Fatal(err)
	}
	chained := []byte{0x21, 0, 0, 0, 0x00, 0x01, 0, 0, 0x00, 0x02, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, chained) {
		t.Fatalf("chained blob = % x, want % x", got, chained)
	}
}

const spillAcrossBlocks = `
name: SpillAcross
flags: [fullyinterruptible]
temps:
  - {type: ref, count: 1}
blocks:
  - id: 0
    nodes:
      - {op: call, type: ref, dst: rax, helper: newobj}
      - {op: spill, type: ref, temp: 1, srcs: [rax], dies: [rax]}
  - id: 1
    kind: return
    nodes:
      - {op: unspill, type: ref, temp: 1, dst: rax, dies: [rax]}
`

func TestSpilledRefLiveAcrossBlocks(t *testing.T) {
	res := compile(t, spillAcrossBlocks)
	table, err := res.GCTable()
	if err != nil {
		t.Fatalf("GCTable: %v", err)
	}
	slot := res.Frame.TempOffsets[0]
	hasSlot := func(off uint32) bool {
		e, ok := table.At(off)
		if !ok {
			t.Fatalf("no gc entry at %d", off)
		}
		for _, s := range e.Stack {
			if s.Offset == slot && s.Kind == ir.GCRef {
				return true
			}
		}
		return false
	}

	start, ok := res.BlockOffsets[1]
	if !ok {
		t.Fatalf("no offset for BB01")
	}
	if !hasSlot(start) {
		t.Fatalf("spill temp at %d not reported at BB01 entry %d", slot, start)
	}
	if end := uint32(len(res.Code) - 1); hasSlot(end) {
		t.Fatalf("spill temp still reported at %d after the reload", end)
	}
}
