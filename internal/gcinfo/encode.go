package gcinfo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

const (
	magic   = 'G'
	version = 1
)

var ErrCorrupt = errors.New("gcinfo: corrupt encoding")

// Info is the decoded form of an encoded GC table.
type Info struct {
	Mode       Mode
	CodeLength uint32
	PrologSize uint32
	Untracked  []Slot
	Entries    []Entry
}

// Encode serializes the recorded entries. Offsets are delta encoded.
func (r *Recorder) Encode(codeLength, prologSize int) []byte {
	buf := []byte{magic, version, byte(r.mode)}
	buf = binary.AppendUvarint(buf, uint64(codeLength))
	buf = binary.AppendUvarint(buf, uint64(prologSize))
	buf = appendSlots(buf, r.untracked)
	buf = binary.AppendUvarint(buf, uint64(len(r.entries)))
	var prev uint32
	for _, e := range r.entries {
		buf = binary.AppendUvarint(buf, uint64(e.Offset-prev))
		prev = e.Offset
		buf = binary.AppendUvarint(buf, e.Ref.Bits())
		buf = binary.AppendUvarint(buf, e.Byref.Bits())
		buf = appendSlots(buf, e.Stack)
	}
	return buf
}

func appendSlots(buf []byte, slots []Slot) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(slots)))
	for _, s := range slots {
		buf = binary.AppendVarint(buf, int64(s.Offset))
		buf = append(buf, byte(s.Kind))
	}
	return buf
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = ErrCorrupt
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = ErrCorrupt
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) == 0 {
		r.err = ErrCorrupt
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) slots() []Slot {
	n := r.uvarint()
	if n > uint64(len(r.buf)) {
		r.err = ErrCorrupt
		return nil
	}
	out := make([]Slot, 0, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		off := r.varint()
		kind := ir.GCKind(r.byte())
		if kind != ir.GCRef && kind != ir.GCByref {
			r.err = ErrCorrupt
		}
		out = append(out, Slot{Offset: int32(off), Kind: kind})
	}
	return out
}

// Decode parses an encoded table.
func Decode(data []byte) (*Info, error) {
	r := &reader{buf: data}
	if r.byte() != magic || r.byte() != version {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	info := &Info{Mode: Mode(r.byte())}
	info.CodeLength = uint32(r.uvarint())
	info.PrologSize = uint32(r.uvarint())
	info.Untracked = r.slots()
	n := r.uvarint()
	if n > uint64(len(r.buf)) {
		return nil, ErrCorrupt
	}
	var off uint32
	for i := uint64(0); i < n && r.err == nil; i++ {
		off += uint32(r.uvarint())
		e := Entry{Offset: off}
		e.Ref = regset.FromBits(r.uvarint())
		e.Byref = regset.FromBits(r.uvarint())
		e.Stack = r.slots()
		info.Entries = append(info.Entries, e)
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.buf))
	}
	return info, nil
}
