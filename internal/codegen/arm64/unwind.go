package arm64

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/tinyrange/jit/internal/asm/arm64"
	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/regset"
	"github.com/tinyrange/jit/internal/unwind"
)

// ARM64 .xdata unwind codes.
const (
	uwSaveR19R20X = 0x20
	uwSaveFPLR    = 0x40
	uwSaveFPLRX   = 0x80
	uwAllocM      = 0xc0
	uwSaveRegp    = 0xc8
	uwSaveRegpX   = 0xcc
	uwSaveReg     = 0xd0
	uwSaveRegX    = 0xd4
	uwSaveFregp   = 0xd8
	uwSaveFregpX  = 0xda
	uwSaveFreg    = 0xdc
	uwSaveFregX   = 0xde
	uwAllocL      = 0xe0
	uwSetFP       = 0xe1
	uwAddFP       = 0xe2
	uwEnd         = 0xe4
	uwEndC        = 0xe5

	maxFunctionLength = 1<<18 - 1
)

// uwCode is one encoded unwind code. Each describes exactly one prolog
// instruction.
type uwCode struct {
	bytes []byte
	// body marks codes that have no counterpart in the epilog.
	body bool
}

func unwindErr(c unwind.Code, format string, args ...any) error {
	return fmt.Errorf("%w: unwind code %s: %s", codegen.ErrInternal, c, fmt.Sprintf(format, args...))
}

func intIndex(r regset.Reg) (int, bool) {
	n := int(r) - int(arm64.X19)
	return n, n >= 0 && n <= 10
}

func floatIndex(r regset.Reg) (int, bool) {
	n := int(r) - int(arm64.V8)
	return n, n >= 0 && n <= 7
}

// encodePush encodes a register save combined with a 16-byte pre-indexed
// stack adjustment.
func encodePush(c unwind.Code) ([]byte, error) {
	fplr := c.Op == unwind.OpSavePair && c.Reg == abi.FramePointer && c.Reg2 == abi.LinkRegister
	if fplr {
		return []byte{uwSaveFPLRX | 1}, nil
	}
	if n, ok := intIndex(c.Reg); ok {
		switch {
		case c.Op == unwind.OpSavePair && n == 0 && c.Reg2 == c.Reg+1:
			return []byte{uwSaveR19R20X | 2}, nil
		case c.Op == unwind.OpSavePair && c.Reg2 == c.Reg+1:
			return []byte{uwSaveRegpX | byte(n>>2), byte(n&3)<<6 | 1}, nil
		case c.Op == unwind.OpSave:
			return []byte{uwSaveRegX | byte(n>>3), byte(n&7)<<5 | 1}, nil
		}
	}
	if n, ok := floatIndex(c.Reg); ok {
		switch {
		case c.Op == unwind.OpSavePair && c.Reg2 == c.Reg+1:
			return []byte{uwSaveFregpX | byte(n>>2), byte(n&3)<<6 | 1}, nil
		case c.Op == unwind.OpSave:
			return []byte{uwSaveFregX, byte(n)<<5 | 1}, nil
		}
	}
	return nil, unwindErr(c, "no pre-indexed form")
}

// encodeSave encodes a save at a non-negative offset from sp.
func encodeSave(c unwind.Code) ([]byte, error) {
	if c.Size < 0 || c.Size%8 != 0 || c.Size > 504 {
		return nil, unwindErr(c, "offset %d out of range", c.Size)
	}
	z := byte(c.Size / 8)
	if c.Op == unwind.OpSavePair && c.Reg == abi.FramePointer && c.Reg2 == abi.LinkRegister {
		return []byte{uwSaveFPLR | z}, nil
	}
	if n, ok := intIndex(c.Reg); ok {
		switch {
		case c.Op == unwind.OpSavePair && c.Reg2 == c.Reg+1:
			return []byte{uwSaveRegp | byte(n>>2), byte(n&3)<<6 | z}, nil
		case c.Op == unwind.OpSave:
			return []byte{uwSaveReg | byte(n>>2), byte(n&3)<<6 | z}, nil
		}
	}
	if n, ok := floatIndex(c.Reg); ok {
		switch {
		case c.Op == unwind.OpSavePair && c.Reg2 == c.Reg+1:
			return []byte{uwSaveFregp | byte(n>>2), byte(n&3)<<6 | z}, nil
		case c.Op == unwind.OpSave:
			return []byte{uwSaveFreg | byte(n>>2), byte(n&3)<<6 | z}, nil
		}
	}
	return nil, unwindErr(c, "register cannot be described")
}

func encodeAlloc(c unwind.Code) ([]byte, error) {
	if c.Size <= 0 || c.Size%16 != 0 {
		return nil, unwindErr(c, "misaligned allocation")
	}
	n := uint32(c.Size / 16)
	switch {
	case n < 32:
		return []byte{byte(n)}, nil
	case n < 2048:
		return []byte{uwAllocM | byte(n>>8), byte(n)}, nil
	case n < 1<<24:
		return []byte{uwAllocL, byte(n >> 16), byte(n >> 8), byte(n)}, nil
	}
	return nil, fmt.Errorf("%w: stack allocation of %d bytes", codegen.ErrUnsupported, c.Size)
}

// prologCodes encodes codes in execution order, folding each 16-byte
// allocation into the save that shares its instruction.
func prologCodes(codes []unwind.Code) ([]uwCode, error) {
	var out []uwCode
	for i := 0; i < len(codes); i++ {
		c := codes[i]
		var (
			b   []byte
			err error
		)
		switch c.Op {
		case unwind.OpAlloc:
			if i+1 < len(codes) && c.Size == 16 {
				next := codes[i+1]
				if (next.Op == unwind.OpSave || next.Op == unwind.OpSavePair) && next.Size == 0 && next.Offset == c.Offset {
					b, err = encodePush(next)
					i++
					break
				}
			}
			b, err = encodeAlloc(c)
		case unwind.OpSave, unwind.OpSavePair:
			b, err = encodeSave(c)
		case unwind.OpSetFP:
			if c.Reg != abi.FramePointer || c.Size < 0 || c.Size%8 != 0 || c.Size/8 > 0xff {
				return nil, unwindErr(c, "frame pointer cannot be described")
			}
			if c.Size == 0 {
				b = []byte{uwSetFP}
			} else {
				b = []byte{uwAddFP, byte(c.Size / 8)}
			}
			out = append(out, uwCode{bytes: b, body: true})
			continue
		default:
			return nil, fmt.Errorf("%w: unwind op %s", codegen.ErrUnsupported, c.Op)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, uwCode{bytes: b})
	}
	return out, nil
}

// EncodeUnwind serializes r as Windows ARM64 .xdata. The prolog codes are
// stored in reverse order; one shared sequence describes every epilog. Cold
// regions start with end_c and then repeat the main region's codes.
func (t *Target) EncodeUnwind(r *unwind.Region) ([]byte, error) {
	length := r.End - r.Start
	if length%4 != 0 || length/4 > maxFunctionLength {
		return nil, fmt.Errorf("%w: region of %d bytes", codegen.ErrUnsupported, length)
	}

	src := r
	if r.Parent != nil {
		src = r.Parent
	}
	prolog, err := prologCodes(src.Codes)
	if err != nil {
		return nil, err
	}
	slices.Reverse(prolog)

	var codes []byte
	if r.Parent != nil {
		codes = append(codes, uwEndC)
	}
	for _, c := range prolog {
		codes = append(codes, c.bytes...)
	}
	codes = append(codes, uwEnd)

	epilogIndex := len(codes)
	if len(r.Epilogs) > 0 {
		for _, c := range prolog {
			if !c.body {
				codes = append(codes, c.bytes...)
			}
		}
		codes = append(codes, uwEnd)
	}
	for len(codes)%4 != 0 {
		codes = append(codes, uwEnd)
	}
	if epilogIndex > 0x3ff {
		return nil, fmt.Errorf("%w: %d bytes of unwind codes", codegen.ErrUnsupported, epilogIndex)
	}

	epilogs, words := len(r.Epilogs), len(codes)/4
	var buf []byte
	if epilogs < 32 && words < 32 {
		buf = binary.LittleEndian.AppendUint32(buf, length/4|uint32(epilogs)<<22|uint32(words)<<27)
	} else {
		if epilogs > 0xffff || words > 0xff {
			return nil, fmt.Errorf("%w: %d epilogs with %d code words", codegen.ErrUnsupported, epilogs, words)
		}
		buf = binary.LittleEndian.AppendUint32(buf, length/4)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(epilogs)|uint32(words)<<16)
	}
	for _, e := range r.Epilogs {
		buf = binary.LittleEndian.AppendUint32(buf, (e.Start-r.Start)/4|uint32(epilogIndex)<<22)
	}
	return append(buf, codes...), nil
}
