package ir

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/regset"
)

type testRegs map[string]regset.Reg

func (r testRegs) RegisterByName(name string) (regset.Reg, bool) {
	reg, ok := r[name]
	return reg, ok
}

var sampleRegs = testRegs{"r0": 0, "r1": 1, "r2": 2, "r3": 3, "f0": 16}

func loadDescription(t *testing.T, path string) *Method {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	d, err := DecodeDescription(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	m, err := d.Build(sampleRegs)
	if err != nil {
		t.Fatalf("build %s: %v", path, err)
	}
	return m
}

func TestDescribeTryFinally(t *testing.T) {
	m := loadDescription(t, "testdata/tryfinally.yaml")

	if m.Name != "TryFinally" || !m.Flags.Has(MethodGSCookie) {
		t.Fatalf("unexpected header: %q flags=%b", m.Name, m.Flags)
	}
	if got := len(m.Blocks); got != 5 {
		t.Fatalf("blocks=%d, want 5", got)
	}
	if !m.IsCallFinallyPair(m.Blocks[1]) {
		t.Fatalf("BB01 should pair with BB02")
	}
	if m.Blocks[1].Target != m.Blocks[4] {
		t.Fatalf("call-finally target=%s, want BB04", m.Blocks[1].Target)
	}
	if got := m.TrackedCount(); got != 2 {
		t.Fatalf("TrackedCount=%d, want 2", got)
	}
	arg := m.TrackedVar(0)
	if arg == nil || arg.Reg() != 3 || arg.ArgRegs[0] != 0 {
		t.Fatalf("unexpected argument local %+v", arg)
	}
	if len(m.EH) != 1 || m.EH[0].Kind != HandlerFinally {
		t.Fatalf("unexpected eh table %+v", m.EH)
	}
	n := m.Blocks[0].Nodes[1]
	if n.Op != OpLoadInd || n.Addr == nil || n.Addr.Op != ExprAdd || n.Addr.Type != TypeByref {
		t.Fatalf("unexpected load node %+v", n)
	}
	if n.Life == nil || !n.Life.Has(1) {
		t.Fatalf("life not decoded: %+v", n.Life)
	}
	if ret := m.Blocks[3].Nodes[1]; ret.Op != OpReturnValue || len(ret.Srcs) != 1 || ret.Srcs[0] != 0 {
		t.Fatalf("unexpected return node %+v", ret)
	}
}

func TestOpNamesRoundTrip(t *testing.T) {
	for op := OpNop; op <= OpThrow; op++ {
		got, ok := ParseOp(op.String())
		if !ok || got != op {
			t.Errorf("ParseOp(%q) = %v, %v", op.String(), got, ok)
		}
	}
}

func TestDescribeRejectsUnknownRegister(t *testing.T) {
	src := `
name: Bad
locals:
  - name: a
    type: long
    regs: [r9]
blocks:
  - id: 0
    kind: return
`
	d, err := DecodeDescription(strings.NewReader(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := d.Build(sampleRegs); err == nil || !strings.Contains(err.Error(), "r9") {
		t.Fatalf("Build error=%v, want unknown register", err)
	}
}

func TestDescribeRejectsFallOffEnd(t *testing.T) {
	src := `
name: Falls
blocks:
  - id: 0
`
	d, err := DecodeDescription(strings.NewReader(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := d.Build(sampleRegs); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("Build error=%v, want ErrInvalidMethod", err)
	}
}

func TestDescribeRejectsUnpairedCallFinallyRet(t *testing.T) {
	src := `
name: Unpaired
blocks:
  - id: 0
    kind: callfinallyret
    target: 1
  - id: 1
    kind: return
`
	d, err := DecodeDescription(strings.NewReader(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := d.Build(sampleRegs); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("Build error=%v, want ErrInvalidMethod", err)
	}
}
