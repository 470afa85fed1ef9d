package unwind

import "github.com/google/btree"

// Index finds the region covering a code offset.
type Index struct {
	tree *btree.BTreeG[*Region]
}

func NewIndex(regions []*Region) *Index {
	idx := &Index{tree: btree.NewG[*Region](4, func(a, b *Region) bool {
		return a.Start < b.Start
	})}
	for _, r := range regions {
		if r.End > r.Start {
			idx.tree.ReplaceOrInsert(r)
		}
	}
	return idx
}

// Find returns the region containing off.
func (idx *Index) Find(off uint32) (*Region, bool) {
	var found *Region
	idx.tree.DescendLessOrEqual(&Region{Start: off}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.Contains(off) {
		return nil, false
	}
	return found, true
}

func (idx *Index) Len() int { return idx.tree.Len() }
