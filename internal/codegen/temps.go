package codegen

import (
	"github.com/tinyrange/jit/internal/ir"
)

// TempSlot is one preallocated spill temporary.
type TempSlot struct {
	Index  int
	Type   ir.VarType
	Offset int32
	inUse  bool
}

// TempPool hands out spill temps during code generation. Every temp must be
// released before the method is finished.
type TempPool struct {
	slots []*TempSlot
	bound map[int]*TempSlot
}

// NewTempPool builds the pool described by m.Temps at the frame offsets
// chosen by FinalizeFrame.
func NewTempPool(m *ir.Method, f *FrameLayout) *TempPool {
	specs := expandTemps(m)
	p := &TempPool{bound: make(map[int]*TempSlot)}
	for i, s := range specs {
		p.slots = append(p.slots, &TempSlot{Index: i, Type: s.typ, Offset: f.TempOffsets[i]})
	}
	return p
}

// Acquire returns a free temp of type t.
func (p *TempPool) Acquire(t ir.VarType) (*TempSlot, error) {
	for _, s := range p.slots {
		if !s.inUse && s.Type == t {
			s.inUse = true
			return s, nil
		}
	}
	return nil, Internalf("no free spill temp of type %s", t)
}

// Release returns s to the pool.
func (p *TempPool) Release(s *TempSlot) error {
	if !s.inUse {
		return Internalf("spill temp %d released twice", s.Index)
	}
	s.inUse = false
	return nil
}

// Bind associates a node-level temp id with an acquired slot.
func (p *TempPool) Bind(id int, s *TempSlot) error {
	if _, exists := p.bound[id]; exists {
		return Internalf("spill temp id %d already bound", id)
	}
	p.bound[id] = s
	return nil
}

// Unbind returns and forgets the slot bound to id.
func (p *TempPool) Unbind(id int) (*TempSlot, error) {
	s, ok := p.bound[id]
	if !ok {
		return nil, Internalf("spill temp id %d is not bound", id)
	}
	delete(p.bound, id)
	return s, nil
}

// Live returns the acquired temps in pool order.
func (p *TempPool) Live() []*TempSlot {
	var out []*TempSlot
	for _, s := range p.slots {
		if s.inUse {
			out = append(out, s)
		}
	}
	return out
}

// InUse counts acquired temps.
func (p *TempPool) InUse() int {
	n := 0
	for _, s := range p.slots {
		if s.inUse {
			n++
		}
	}
	return n
}

func (p *TempPool) Len() int { return len(p.slots) }
