package arm64

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/asm/arm64"
	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/unwind"
)

func compile(t *testing.T, src string) *codegen.Result {
	t.Helper()
	d, err := ir.DecodeDescription(strings.NewReader(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, err := d.Build(New())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	res, err := codegen.CompileWith(m, New(), codegen.Options{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return res
}

func words(ws ...uint32) []byte {
	var out []byte
	for _, w := range ws {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

const (
	stpFPLR = 0xA9BF7BFD // stp x29, x30, [sp, #-16]!
	movFPSP = 0x910003FD // mov x29, sp
	ldpFPLR = 0xA8C17BFD // ldp x29, x30, [sp], #16
	ret     = 0xD65F03C0
)

func TestLeafFrame(t *testing.T) {
	res := compile(t, `
name: Leaf
blocks:
  - id: 0
    kind: return
    nodes:
      - {op: const, dst: x0, imm: 42}
`)
	want := words(stpFPLR, movFPSP, 0xD2800540, ldpFPLR, ret)
	if !bytes.Equal(res.Code, want) {
		t.Fatalf("code = % x\nwant   % x", res.Code, want)
	}
	if res.PrologSize != 8 {
		t.Fatalf("PrologSize = %d, want 8", res.PrologSize)
	}
	if res.Frame.TotalSize != 16 || res.Frame.FPDelta != 0 {
		t.Fatalf("frame total=%d fpdelta=%d", res.Frame.TotalSize, res.Frame.FPDelta)
	}

	blob := []byte{
		0x05, 0x00, 0x40, 0x10, // 5 words, 1 epilog, 2 code words
		0x03, 0x00, 0xC0, 0x00, // epilog at word 3, codes from index 3
		0xE1, 0x81, 0xE4, 0x81, 0xE4, 0xE4, 0xE4, 0xE4,
	}
	if got := res.Unwind[0].Blob; !bytes.Equal(got, blob) {
		t.Fatalf("unwind = % x, want % x", got, blob)
	}

	st := res.Unwind[0].StateAt(uint32(len(res.Code) - 4))
	if st.Depth != 16 || st.FP != reg(arm64.FP) {
		t.Fatalf("body frame state = %+v", st)
	}
}

func TestCallSavesCalleeRegister(t *testing.T) {
	res := compile(t, `
name: Alloc
locals:
  - {name: x, type: long, regs: [x19], tracked: true, index: 0}
blocks:
  - id: 0
    kind: return
    nodes:
      - {op: call, type: ref, dst: x0, helper: newobj}
`)
	helper := codegen.NewOfflineRuntime().HelperAddress(ir.HelperNewObject)
	ctx := arm64.NewContext()
	if err := arm64.MovImmediate(x16, int64(helper)).Emit(ctx); err != nil {
		t.Fatal(err)
	}
	prog, err := ctx.Finish()
	if err != nil {
		t.Fatal(err)
	}
	mov := prog.Bytes()
	var want []byte
	want = append(want, words(stpFPLR, movFPSP, 0xF81F0FF3)...) // str x19, [sp, #-16]!
	want = append(want, mov...)
	want = append(want, words(0xD63F0200)...) // blr x16
	want = append(want, words(0xF84107F3, ldpFPLR, ret)...)
	if !bytes.Equal(res.Code, want) {
		t.Fatalf("code = % x\nwant   % x", res.Code, want)
	}
	if res.Frame.SaveAreaSize != 32 || res.Frame.TotalSize != 32 {
		t.Fatalf("frame save=%d total=%d", res.Frame.SaveAreaSize, res.Frame.TotalSize)
	}

	table, err := res.GCTable()
	if err != nil {
		t.Fatalf("GCTable: %v", err)
	}
	ra := uint32(12 + len(mov) + 4)
	if sp := table.Safepoints(); len(sp) != 1 || sp[0] != ra {
		t.Fatalf("safepoints = %v, want [%d]", sp, ra)
	}

	st := res.Unwind[0].StateAt(ra)
	if st.Depth != 32 {
		t.Fatalf("depth = %d, want 32", st.Depth)
	}
	if off, ok := st.Saved[reg(arm64.X19)]; !ok || off != -32 {
		t.Fatalf("x19 saved at %d (%v), want -32", off, ok)
	}
}

func TestConditionalBranchElision(t *testing.T) {
	for _, tc := range []struct {
		name           string
		target, false_ string
		word           uint32
	}{
		{"taken-is-far", "2", "1", 0x5400006B},  // b.lt +12
		{"taken-is-next", "1", "2", 0x5400006A}, // b.ge +12
	} {
		t.Run(tc.name, func(t *testing.T) {
			res := compile(t, strings.NewReplacer("TARGET", tc.target, "FALSE", tc.false_).Replace(`
name: Branch
blocks:
  - id: 0
    kind: cond
    cond: lt
    target: TARGET
    false: FALSE
    nodes:
      - {op: compare, srcs: [x0], imm: 0}
  - id: 1
    kind: return
  - id: 2
    kind: return
`))
			want := words(stpFPLR, movFPSP, 0xF100001F, tc.word, ldpFPLR, ret, ldpFPLR, ret)
			if !bytes.Equal(res.Code, want) {
				t.Fatalf("code = % x\nwant   % x", res.Code, want)
			}
		})
	}
}

func TestEncodeUnwindPushes(t *testing.T) {
	r := &unwind.Region{End: 64, Epilogs: []unwind.Epilog{{Start: 40, End: 64}}, Codes: []unwind.Code{
		{Offset: 4, Op: unwind.OpAlloc, Size: 16},
		{Offset: 4, Op: unwind.OpSavePair, Reg: reg(arm64.FP), Reg2: reg(arm64.LR)},
		{Offset: 8, Op: unwind.OpSetFP, Reg: reg(arm64.FP)},
		{Offset: 12, Op: unwind.OpAlloc, Size: 16},
		{Offset: 12, Op: unwind.OpSavePair, Reg: reg(arm64.X19), Reg2: reg(arm64.X20)},
		{Offset: 16, Op: unwind.OpAlloc, Size: 16},
		{Offset: 16, Op: unwind.OpSave, Reg: reg(arm64.X21)},
		{Offset: 20, Op: unwind.OpAlloc, Size: 16},
		{Offset: 20, Op: unwind.OpSavePair, Reg: reg(arm64.V8), Reg2: reg(arm64.V9)},
		{Offset: 24, Op: unwind.OpAlloc, Size: 0x2000},
		{Offset: 28, Op: unwind.OpAlloc, Size: 32},
	}}
	got, err := New().EncodeUnwind(r)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x10, 0x00, 0x40, 0x30,
		0x0A, 0x00, 0xC0, 0x02,
		// prolog, reversed
		0x02, 0xC2, 0x00, 0xDA, 0x01, 0xD4, 0x41, 0x22, 0xE1, 0x81, 0xE4,
		// epilog
		0x02, 0xC2, 0x00, 0xDA, 0x01, 0xD4, 0x41, 0x22, 0x81, 0xE4,
		0xE4, 0xE4, 0xE4,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("unwind = % x\nwant     % x", got, want)
	}
}

func TestEncodeUnwindColdRegion(t *testing.T) {
	main := &unwind.Region{End: 0x100, Codes: []unwind.Code{
		{Offset: 4, Op: unwind.OpAlloc, Size: 16},
		{Offset: 4, Op: unwind.OpSavePair, Reg: reg(arm64.FP), Reg2: reg(arm64.LR)},
		{Offset: 8, Op: unwind.OpSetFP, Reg: reg(arm64.FP)},
	}}
	cold := &unwind.Region{Kind: unwind.RegionCold, Start: 0x100, End: 0x110, Parent: main}
	got, err := New().EncodeUnwind(cold)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x04, 0x00, 0x00, 0x08, 0xE5, 0xE1, 0x81, 0xE4}
	if !bytes.Equal(got, want) {
		t.Fatalf("unwind = % x, want % x", got, want)
	}
}

func TestEncodeUnwindRejectsUnalignedAlloc(t *testing.T) {
	r := &unwind.Region{End: 8, Codes: []unwind.Code{{Offset: 4, Op: unwind.OpAlloc, Size: 24}}}
	if _, err := New().EncodeUnwind(r); err == nil {
		t.Fatal("expected an error for a 24-byte allocation")
	}
}

const interiorLoad = `
name: Interior
flags: [fullyinterruptible]
locals:
  - {name: o, type: ref, regs: [x1], tracked: true, index: 0}
  - {name: i, type: long, regs: [x2], tracked: true, index: 1}
blocks:
  - id: 0
    kind: return
    liveIn: [0, 1]
    nodes:
      - op: loadind
        dst: x0
        addr:
          op: add
          left: {op: add, left: {reg: x1, type: ref}, right: {op: mul, left: {reg: x2}, right: {const: 8}}}
          right: {const: 16}
`

func TestComputedAddressReportedAsByref(t *testing.T) {
	for _, tc := range []struct {
		name   string
		base   string
		byrefs bool
	}{
		{"gc-base", "ref", true},
		{"plain-base", "long", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := strings.Replace(interiorLoad, "{reg: x1, type: ref}", "{reg: x1, type: "+tc.base+"}", 1)
			src = strings.Replace(src, "{name: o, type: ref", "{name: o, type: "+tc.base, 1)
			res := compile(t, src)
			table, err := res.GCTable()
			if err != nil {
				t.Fatalf("GCTable: %v", err)
			}
			x16 := reg(arm64.X16)
			seen := false
			for _, off := range table.Safepoints() {
				e, _ := table.At(off)
				if e.Byref.Has(x16) {
					seen = true
				}
			}
			if seen != tc.byrefs {
				t.Fatalf("x16 reported as byref = %v, want %v", seen, tc.byrefs)
			}
			if e, ok := table.At(uint32(len(res.Code) - 1)); ok && e.Byref.Has(x16) {
				t.Fatalf("x16 still a byref at the end of the method")
			}
		})
	}
}
