package codegen

import (
	"testing"

	"github.com/tinyrange/jit/internal/ir"
)

func TestMarkLabels(t *testing.T) {
	m := &ir.Method{Name: "Labels"}
	for i := 0; i < 6; i++ {
		m.Blocks = append(m.Blocks, &ir.Block{ID: i, Kind: ir.JumpReturn})
	}
	bb := m.Blocks
	bb[0].Kind = ir.JumpNone
	bb[1].Kind = ir.JumpNone
	bb[2].Kind, bb[2].Target = ir.JumpCond, bb[4]
	bb[5].Flags = ir.FlagCold
	m.Link()

	MarkLabels(m)
	want := map[int]bool{0: true, 1: false, 2: false, 3: true, 4: true, 5: true}
	for id, labelled := range want {
		if got := bb[id].Flags.Has(ir.FlagHasLabel); got != labelled {
			t.Errorf("%s labelled = %v, want %v", bb[id], got, labelled)
		}
	}
}
