package amd64

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/tinyrange/jit/internal/asm"
	"github.com/tinyrange/jit/internal/asm/amd64"
	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/unwind"
)

// UNWIND_INFO operation codes.
const (
	uwopPushNonvol = 0
	uwopAllocLarge = 1
	uwopAllocSmall = 2
	uwopSetFPReg   = 3
	uwopSaveXMM128 = 8

	unwindVersion = 1
	flagChainInfo = 4
)

type slot struct {
	offset byte
	op     byte
	info   byte
	extra  []uint16
}

func hw(r asm.Variable) (byte, error) {
	n, err := amd64.HardwareNumber(r)
	return byte(n), err
}

// EncodeUnwind serializes r as a Windows x64 UNWIND_INFO. Cold regions are
// encoded as chained entries that point back at the main region.
func (t *Target) EncodeUnwind(r *unwind.Region) ([]byte, error) {
	if r.Parent != nil {
		buf := []byte{unwindVersion | flagChainInfo<<3, 0, 0, 0}
		buf = binary.LittleEndian.AppendUint32(buf, r.Parent.Start)
		buf = binary.LittleEndian.AppendUint32(buf, r.Parent.End)
		return binary.LittleEndian.AppendUint32(buf, 0), nil
	}
	if r.PrologSize > 0xff {
		return nil, fmt.Errorf("%w: prolog of %d bytes", codegen.ErrUnsupported, r.PrologSize)
	}

	var (
		slots    []slot
		frameReg byte
		frameOff byte
	)
	for _, c := range r.Codes {
		var off uint32
		if !c.Phantom {
			off = c.Offset - r.Start
		}
		if off > 0xff {
			return nil, fmt.Errorf("%w: unwind code %s past the prolog", codegen.ErrInternal, c)
		}
		s := slot{offset: byte(off)}
		switch c.Op {
		case unwind.OpPush:
			n, err := hw(asm.Variable(c.Reg))
			if err != nil {
				return nil, err
			}
			s.op, s.info = uwopPushNonvol, n
		case unwind.OpAlloc:
			switch {
			case c.Size <= 0 || c.Size%8 != 0:
				return nil, fmt.Errorf("%w: misaligned allocation %d", codegen.ErrInternal, c.Size)
			case c.Size <= 128:
				s.op, s.info = uwopAllocSmall, byte(c.Size/8-1)
			case c.Size/8 <= 0xffff:
				s.op, s.extra = uwopAllocLarge, []uint16{uint16(c.Size / 8)}
			default:
				s.op, s.info = uwopAllocLarge, 1
				s.extra = []uint16{uint16(c.Size), uint16(c.Size >> 16)}
			}
		case unwind.OpSetFP:
			if c.Size%16 != 0 || c.Size > 240 {
				return nil, fmt.Errorf("%w: frame pointer offset %d", codegen.ErrInternal, c.Size)
			}
			n, err := hw(asm.Variable(c.Reg))
			if err != nil {
				return nil, err
			}
			frameReg, frameOff = n, byte(c.Size/16)
			s.op = uwopSetFPReg
		case unwind.OpSaveVector:
			if c.Size%16 != 0 || c.Size/16 > 0xffff {
				return nil, fmt.Errorf("%w: vector save offset %d", codegen.ErrInternal, c.Size)
			}
			n, err := hw(asm.Variable(c.Reg))
			if err != nil {
				return nil, err
			}
			s.op, s.info, s.extra = uwopSaveXMM128, n, []uint16{uint16(c.Size / 16)}
		default:
			return nil, fmt.Errorf("%w: unwind op %s", codegen.ErrUnsupported, c.Op)
		}
		slots = append(slots, s)
	}
	slices.Reverse(slots)

	count := 0
	for _, s := range slots {
		count += 1 + len(s.extra)
	}
	if count > 0xff {
		return nil, fmt.Errorf("%w: %d unwind code slots", codegen.ErrUnsupported, count)
	}
	buf := []byte{unwindVersion, byte(r.PrologSize), byte(count), frameReg | frameOff<<4}
	for _, s := range slots {
		buf = append(buf, s.offset, s.op|s.info<<4)
		for _, e := range s.extra {
			buf = binary.LittleEndian.AppendUint16(buf, e)
		}
	}
	if count%2 != 0 {
		buf = append(buf, 0, 0)
	}
	return buf, nil
}
