package gcinfo

import "github.com/tinyrange/jit/internal/regset"

// Mode selects how much of the method the GC may interrupt.
type Mode uint8

const (
	// PartiallyInterruptible methods are only suspended at call sites.
	PartiallyInterruptible Mode = iota
	// FullyInterruptible methods may be suspended at any instruction.
	FullyInterruptible
)

func (m Mode) String() string {
	if m == FullyInterruptible {
		return "fully-interruptible"
	}
	return "partially-interruptible"
}

// Entry is the root set from Offset onward, or at the safepoint Offset in
// partially interruptible mode.
type Entry struct {
	Offset uint32
	Ref    regset.Set
	Byref  regset.Set
	Stack  []Slot
}

func entryFrom(off int, s *State) Entry {
	return Entry{Offset: uint32(off), Ref: s.Ref, Byref: s.Byref, Stack: s.Slots()}
}

func (e Entry) sameRoots(o Entry) bool {
	if e.Ref != o.Ref || e.Byref != o.Byref || len(e.Stack) != len(o.Stack) {
		return false
	}
	for i := range e.Stack {
		if e.Stack[i] != o.Stack[i] {
			return false
		}
	}
	return true
}

// Recorder collects GC entries for one emission pass.
type Recorder struct {
	mode      Mode
	untracked []Slot
	entries   []Entry
}

func NewRecorder(mode Mode) *Recorder {
	return &Recorder{mode: mode}
}

func (r *Recorder) Mode() Mode { return r.mode }

// Reset drops everything recorded so far but keeps the mode.
func (r *Recorder) Reset() {
	r.untracked = r.untracked[:0]
	r.entries = r.entries[:0]
}

// AddUntracked reports a slot that holds a GC pointer for the whole method.
func (r *Recorder) AddUntracked(slot Slot) {
	r.untracked = append(r.untracked, slot)
}

// Transition records the state in effect from off onward. Only fully
// interruptible methods keep transitions; unchanged states are folded.
func (r *Recorder) Transition(off int, s *State) {
	if r.mode != FullyInterruptible {
		return
	}
	r.add(entryFrom(off, s))
}

// Safepoint records the live roots at a call return address.
func (r *Recorder) Safepoint(off int, s *State) {
	r.add(entryFrom(off, s))
}

func (r *Recorder) add(e Entry) {
	if n := len(r.entries); n > 0 {
		last := &r.entries[n-1]
		if last.Offset == e.Offset {
			*last = e
			r.fold()
			return
		}
		if r.mode == FullyInterruptible && last.sameRoots(e) {
			return
		}
	}
	r.entries = append(r.entries, e)
}

// fold removes a replaced tail entry that now repeats its predecessor.
func (r *Recorder) fold() {
	n := len(r.entries)
	if r.mode == FullyInterruptible && n > 1 && r.entries[n-2].sameRoots(r.entries[n-1]) {
		r.entries = r.entries[:n-1]
	}
}

// Entries returns the recorded entries in offset order.
func (r *Recorder) Entries() []Entry { return r.entries }

func (r *Recorder) Untracked() []Slot { return r.untracked }
