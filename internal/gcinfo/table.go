package gcinfo

import "github.com/google/btree"

// Table answers "what is live at offset X" queries over decoded entries.
type Table struct {
	mode      Mode
	untracked []Slot
	entries   *btree.BTreeG[Entry]
}

// NewTable indexes the entries of info by offset.
func NewTable(info *Info) *Table {
	t := &Table{
		mode:      info.Mode,
		untracked: info.Untracked,
		entries: btree.NewG[Entry](8, func(a, b Entry) bool {
			return a.Offset < b.Offset
		}),
	}
	for _, e := range info.Entries {
		t.entries.ReplaceOrInsert(e)
	}
	return t
}

// Untracked returns the slots live for the whole method.
func (t *Table) Untracked() []Slot { return t.untracked }

func (t *Table) Len() int { return t.entries.Len() }

// At returns the roots live at off. Partially interruptible tables only
// answer for recorded safepoints.
func (t *Table) At(off uint32) (Entry, bool) {
	if t.mode == PartiallyInterruptible {
		return t.entries.Get(Entry{Offset: off})
	}
	var found Entry
	ok := false
	t.entries.DescendLessOrEqual(Entry{Offset: off}, func(e Entry) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

// Safepoints lists the recorded offsets in ascending order.
func (t *Table) Safepoints() []uint32 {
	out := make([]uint32, 0, t.entries.Len())
	t.entries.Ascend(func(e Entry) bool {
		out = append(out, e.Offset)
		return true
	})
	return out
}
