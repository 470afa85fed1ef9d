package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/jit/internal/asm"
)

type registerCode struct {
	code byte
	high bool
}

var gprCodes = [16]registerCode{
	RAX: {code: 0},
	RBX: {code: 3},
	RCX: {code: 1},
	RDX: {code: 2},
	RSI: {code: 6},
	RDI: {code: 7},
	RSP: {code: 4},
	RBP: {code: 5},
	R8:  {code: 0, high: true},
	R9:  {code: 1, high: true},
	R10: {code: 2, high: true},
	R11: {code: 3, high: true},
	R12: {code: 4, high: true},
	R13: {code: 5, high: true},
	R14: {code: 6, high: true},
	R15: {code: 7, high: true},
}

func regInfo(v asm.Variable) (registerCode, error) {
	switch {
	case v >= RAX && v <= R15:
		return gprCodes[v], nil
	case IsXMM(v):
		n := byte(v - XMM0)
		return registerCode{code: n & 7, high: n >= 8}, nil
	default:
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
}

// HardwareNumber returns the 4-bit register number used by ModRM and by the
// Windows unwind format.
func HardwareNumber(v asm.Variable) (uint8, error) {
	info, err := regInfo(v)
	if err != nil {
		return 0, err
	}
	n := info.code
	if info.high {
		n += 8
	}
	return n, nil
}

func regEncoding(reg Reg) (registerCode, error) {
	if reg.isXMM() != IsXMM(reg.id) {
		return registerCode{}, fmt.Errorf("register %d used with the wrong operand class", reg.id)
	}
	return regInfo(reg.id)
}

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

// needsByteREX reports whether an 8-bit access needs a REX prefix to select
// spl/bpl/sil/dil rather than ah/ch/dh/bh.
func needsByteREX(id asm.Variable) bool {
	switch id {
	case RSP, RBP, RSI, RDI:
		return true
	}
	return false
}

func operandPrefix(size operandSize) (byte, bool) {
	if size == size16 {
		return 0x66, true
	}
	return 0x00, false
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func disp32(v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return buf[:]
}

func scaleBits(scale uint8) (byte, error) {
	switch scale {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	case 8:
		return 3, nil
	}
	return 0, fmt.Errorf("invalid scale %d", scale)
}

func encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(); err != nil {
		return memEncoding{}, err
	}

	var indexInfo registerCode
	indexCode := byte(4)
	if mem.hasIndex {
		var err error
		indexInfo, err = regInfo(mem.index.id)
		if err != nil {
			return memEncoding{}, err
		}
		indexCode = indexInfo.code
	}
	ss, err := scaleBits(mem.scale)
	if err != nil {
		return memEncoding{}, err
	}

	if !mem.hasBase {
		// [index*scale + disp32]: mod=00, rm=100, SIB base=101.
		return memEncoding{
			modrm: 0x04,
			sib:   []byte{ss<<6 | indexCode<<3 | 5},
			disp:  disp32(mem.disp),
			rex:   rexState{x: indexInfo.high},
		}, nil
	}

	baseInfo, err := regInfo(mem.base.id)
	if err != nil {
		return memEncoding{}, err
	}

	enc := memEncoding{
		rex: rexState{
			b: baseInfo.high,
			x: mem.hasIndex && indexInfo.high,
		},
	}

	disp := mem.disp
	switch {
	case disp == 0 && baseInfo.code != 5:
		enc.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		// [rbp] / [r13] with zero displacement must use an 8-bit zero.
		enc.modrm = 0x40
		enc.disp = []byte{byte(int8(disp))}
	default:
		enc.modrm = 0x80
		enc.disp = disp32(disp)
	}

	if mem.hasIndex || baseInfo.code == 4 {
		enc.modrm |= 4
		enc.sib = []byte{ss<<6 | indexCode<<3 | baseInfo.code}
		return enc, nil
	}
	enc.modrm |= baseInfo.code
	return enc, nil
}

// inst collects the pieces of one instruction in encoding order.
type inst struct {
	legacy []byte
	rex    rexState
	opcode []byte
	modrm  []byte
	sib    []byte
	disp   []byte
	imm    []byte
}

func (i inst) bytes() []byte {
	out := make([]byte, 0, len(i.legacy)+1+len(i.opcode)+2+len(i.disp)+len(i.imm))
	out = append(out, i.legacy...)
	if rexByte := i.rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	out = append(out, i.opcode...)
	out = append(out, i.modrm...)
	out = append(out, i.sib...)
	out = append(out, i.disp...)
	out = append(out, i.imm...)
	return out
}

// regRM builds "op reg, rm" with both operands in registers. reg fills the
// ModRM.reg field, rm the ModRM.rm field.
func regRM(legacy []byte, w bool, opcode []byte, reg, rm registerCode) inst {
	return inst{
		legacy: legacy,
		rex:    rexState{w: w, r: reg.high, b: rm.high},
		opcode: opcode,
		modrm:  []byte{0xC0 | reg.code<<3 | rm.code},
	}
}

// regMem builds "op reg, [mem]".
func regMem(legacy []byte, w bool, opcode []byte, reg registerCode, mem Memory) (inst, error) {
	enc, err := encodeMemoryOperand(mem)
	if err != nil {
		return inst{}, err
	}
	rex := enc.rex
	rex.w = w
	rex.r = reg.high
	return inst{
		legacy: legacy,
		rex:    rex,
		opcode: opcode,
		modrm:  []byte{enc.modrm | reg.code<<3},
		sib:    enc.sib,
		disp:   enc.disp,
	}, nil
}

func checkGPR(reg Reg, sizes ...operandSize) error {
	if reg.isXMM() || IsXMM(reg.id) {
		return fmt.Errorf("register %d is not a general register", reg.id)
	}
	for _, s := range sizes {
		if reg.size == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported register width %d", int(reg.size)*8)
}

func checkXMM(reg Reg) error {
	if !reg.isXMM() || !IsXMM(reg.id) {
		return fmt.Errorf("register %d is not a vector register", reg.id)
	}
	return nil
}

func encodeMovRegImm(reg Reg, value int64) ([]byte, error) {
	if err := checkGPR(reg, size8, size16, size32, size64); err != nil {
		return nil, err
	}
	info, err := regEncoding(reg)
	if err != nil {
		return nil, err
	}

	if reg.size == size64 && value >= math.MinInt32 && value <= math.MaxInt32 {
		if value >= 0 {
			// mov r32, imm32 zero extends.
			return encodeMovRegImm(Reg32(reg.id), value)
		}
		i := inst{
			rex:    rexState{w: true, b: info.high},
			opcode: []byte{0xC7},
			modrm:  []byte{0xC0 | info.code},
			imm:    disp32(int32(value)),
		}
		return i.bytes(), nil
	}

	prefix, hasPrefix := operandPrefix(reg.size)
	i := inst{
		rex: rexState{
			w:     reg.size == size64,
			b:     info.high,
			force: reg.size == size8 && needsByteREX(reg.id),
		},
	}
	if hasPrefix {
		i.legacy = []byte{prefix}
	}

	switch reg.size {
	case size64:
		i.opcode = []byte{0xB8 + info.code}
		i.imm = make([]byte, 8)
		binary.LittleEndian.PutUint64(i.imm, uint64(value))
	case size32:
		i.opcode = []byte{0xB8 + info.code}
		i.imm = disp32(int32(uint32(value)))
	case size16:
		i.opcode = []byte{0xB8 + info.code}
		i.imm = make([]byte, 2)
		binary.LittleEndian.PutUint16(i.imm, uint16(value))
	case size8:
		i.opcode = []byte{0xB0 + info.code}
		i.imm = []byte{byte(value)}
	}
	return i.bytes(), nil
}

func encodeMovRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	return encodeALURegReg(chooseOpcode(dst.size, 0x89, 0x88), dst, src)
}

func encodeCallReg(target Reg) ([]byte, error) {
	if err := checkGPR(target, size64); err != nil {
		return nil, fmt.Errorf("call target: %w", err)
	}
	info, err := regEncoding(target)
	if err != nil {
		return nil, err
	}
	i := inst{
		rex:    rexState{b: info.high},
		opcode: []byte{0xFF},
		modrm:  []byte{0xD0 | info.code},
	}
	return i.bytes(), nil
}

// encodeRegMemOp encodes a general register/memory instruction whose 8-bit
// form uses narrow and wider forms use wide.
func encodeRegMemOp(wide, narrow byte, reg Reg, mem Memory) ([]byte, error) {
	if err := checkGPR(reg, size8, size16, size32, size64); err != nil {
		return nil, err
	}
	info, err := regEncoding(reg)
	if err != nil {
		return nil, err
	}
	var legacy []byte
	if prefix, ok := operandPrefix(reg.size); ok {
		legacy = []byte{prefix}
	}
	i, err := regMem(legacy, reg.size == size64, []byte{chooseOpcode(reg.size, wide, narrow)}, info, mem)
	if err != nil {
		return nil, err
	}
	i.rex.force = reg.size == size8 && needsByteREX(reg.id)
	return i.bytes(), nil
}

func encodeMovMemReg(mem Memory, src Reg) ([]byte, error) {
	return encodeRegMemOp(0x89, 0x88, src, mem)
}

func encodeMovRegMem(dst Reg, mem Memory) ([]byte, error) {
	return encodeRegMemOp(0x8B, 0x8A, dst, mem)
}

func encodeCmpMemReg(mem Memory, src Reg) ([]byte, error) {
	return encodeRegMemOp(0x39, 0x38, src, mem)
}

func encodeTestMemReg(mem Memory, src Reg) ([]byte, error) {
	return encodeRegMemOp(0x85, 0x84, src, mem)
}

func encodeLea(dst Reg, mem Memory) ([]byte, error) {
	if err := checkGPR(dst, size32, size64); err != nil {
		return nil, err
	}
	return encodeRegMemOp(0x8D, 0x8D, dst, mem)
}

// encodeLeaRIP encodes lea dst, [rip+disp32] and returns the offset of the
// displacement field.
func encodeLeaRIP(dst Reg) ([]byte, int, error) {
	if err := checkGPR(dst, size64); err != nil {
		return nil, 0, err
	}
	info, err := regEncoding(dst)
	if err != nil {
		return nil, 0, err
	}
	i := inst{
		rex:    rexState{w: true, r: info.high},
		opcode: []byte{0x8D},
		modrm:  []byte{0x05 | info.code<<3},
		disp:   disp32(0),
	}
	out := i.bytes()
	return out, len(out) - 4, nil
}

func encodeALURegImm(op byte, reg Reg, value int32) ([]byte, error) {
	if err := checkGPR(reg, size8, size16, size32, size64); err != nil {
		return nil, err
	}
	info, err := regEncoding(reg)
	if err != nil {
		return nil, err
	}

	i := inst{
		rex: rexState{
			w:     reg.size == size64,
			b:     info.high,
			force: reg.size == size8 && needsByteREX(reg.id),
		},
		modrm: []byte{0xC0 | op<<3 | info.code},
	}
	if prefix, ok := operandPrefix(reg.size); ok {
		i.legacy = []byte{prefix}
	}

	switch {
	case reg.size == size8:
		i.opcode = []byte{0x80}
		i.imm = []byte{byte(value)}
	case value >= math.MinInt8 && value <= math.MaxInt8:
		i.opcode = []byte{0x83}
		i.imm = []byte{byte(int8(value))}
	case reg.size == size16:
		i.opcode = []byte{0x81}
		i.imm = make([]byte, 2)
		binary.LittleEndian.PutUint16(i.imm, uint16(value))
	default:
		i.opcode = []byte{0x81}
		i.imm = disp32(value)
	}
	return i.bytes(), nil
}

func encodeALURegReg(opcode byte, dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	if err := checkGPR(dst, size8, size16, size32, size64); err != nil {
		return nil, err
	}
	if err := checkGPR(src, size8, size16, size32, size64); err != nil {
		return nil, err
	}
	dstInfo, err := regEncoding(dst)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regEncoding(src)
	if err != nil {
		return nil, err
	}
	var legacy []byte
	if prefix, ok := operandPrefix(dst.size); ok {
		legacy = []byte{prefix}
	}
	i := regRM(legacy, dst.size == size64, []byte{opcode}, srcInfo, dstInfo)
	i.rex.force = dst.size == size8 && (needsByteREX(dst.id) || needsByteREX(src.id))
	return i.bytes(), nil
}

func encodeTestRegRegSized(dst, src Reg) ([]byte, error) {
	return encodeALURegReg(chooseOpcode(dst.size, 0x85, 0x84), dst, src)
}

func encodeXchg(a, b Reg) ([]byte, error) {
	return encodeALURegReg(chooseOpcode(a.size, 0x87, 0x86), a, b)
}

func chooseOpcode(size operandSize, wide, narrow byte) byte {
	if size == size8 {
		return narrow
	}
	return wide
}

func encodeImulRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("imul requires matching operand widths")
	}
	if err := checkGPR(dst, size32, size64); err != nil {
		return nil, err
	}
	dstInfo, err := regEncoding(dst)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regEncoding(src)
	if err != nil {
		return nil, err
	}
	return regRM(nil, dst.size == size64, []byte{0x0F, 0xAF}, dstInfo, srcInfo).bytes(), nil
}

func encodeImulRegImm(dst, src Reg, value int32) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("imul requires matching operand widths")
	}
	if err := checkGPR(dst, size16, size32, size64); err != nil {
		return nil, err
	}
	dstInfo, err := regEncoding(dst)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regEncoding(src)
	if err != nil {
		return nil, err
	}
	var legacy []byte
	if prefix, ok := operandPrefix(dst.size); ok {
		legacy = []byte{prefix}
	}
	i := regRM(legacy, dst.size == size64, nil, dstInfo, srcInfo)
	if value >= math.MinInt8 && value <= math.MaxInt8 {
		i.opcode = []byte{0x6B}
		i.imm = []byte{byte(int8(value))}
	} else {
		i.opcode = []byte{0x69}
		i.imm = disp32(value)
	}
	return i.bytes(), nil
}

func encodeShiftRegImm(reg Reg, count uint8, subcode byte) ([]byte, error) {
	if count == 0 {
		return nil, fmt.Errorf("shift count must be non-zero")
	}
	if err := checkGPR(reg, size8, size16, size32, size64); err != nil {
		return nil, err
	}
	info, err := regEncoding(reg)
	if err != nil {
		return nil, err
	}
	i := inst{
		rex: rexState{
			w:     reg.size == size64,
			b:     info.high,
			force: reg.size == size8 && needsByteREX(reg.id),
		},
		opcode: []byte{chooseOpcode(reg.size, 0xC1, 0xC0)},
		modrm:  []byte{0xC0 | subcode<<3 | info.code},
		imm:    []byte{count},
	}
	if prefix, ok := operandPrefix(reg.size); ok {
		i.legacy = []byte{prefix}
	}
	return i.bytes(), nil
}

func encodeShrRegImm(reg Reg, count uint8) ([]byte, error) {
	return encodeShiftRegImm(reg, count, 5)
}

func encodeShlRegImm(reg Reg, count uint8) ([]byte, error) {
	return encodeShiftRegImm(reg, count, 4)
}

func encodePushPop(reg Reg, base byte) ([]byte, error) {
	if err := checkGPR(reg, size64); err != nil {
		return nil, err
	}
	info, err := regEncoding(reg)
	if err != nil {
		return nil, err
	}
	i := inst{rex: rexState{b: info.high}, opcode: []byte{base + info.code}}
	return i.bytes(), nil
}

func encodePush(reg Reg) ([]byte, error) { return encodePushPop(reg, 0x50) }

func encodePop(reg Reg) ([]byte, error) { return encodePushPop(reg, 0x58) }

// SSE moves. The vector register always sits in ModRM.reg.

func encodeSSERegReg(legacy []byte, opcode []byte, dst, src Reg) ([]byte, error) {
	if err := checkXMM(dst); err != nil {
		return nil, err
	}
	if err := checkXMM(src); err != nil {
		return nil, err
	}
	dstInfo, _ := regEncoding(dst)
	srcInfo, _ := regEncoding(src)
	return regRM(legacy, false, opcode, dstInfo, srcInfo).bytes(), nil
}

func encodeSSEMem(legacy []byte, opcode []byte, reg Reg, mem Memory) ([]byte, error) {
	if err := checkXMM(reg); err != nil {
		return nil, err
	}
	info, _ := regEncoding(reg)
	i, err := regMem(legacy, false, opcode, info, mem)
	if err != nil {
		return nil, err
	}
	return i.bytes(), nil
}

// encodeMovqXmm moves between a general register and the low lane of a
// vector register. toXmm selects the direction.
func encodeMovqXmm(xmm, gpr Reg, toXmm bool) ([]byte, error) {
	if err := checkXMM(xmm); err != nil {
		return nil, err
	}
	if err := checkGPR(gpr, size64); err != nil {
		return nil, err
	}
	xInfo, _ := regEncoding(xmm)
	gInfo, err := regEncoding(gpr)
	if err != nil {
		return nil, err
	}
	opcode := []byte{0x0F, 0x7E}
	if toXmm {
		opcode = []byte{0x0F, 0x6E}
	}
	return regRM([]byte{0x66}, true, opcode, xInfo, gInfo).bytes(), nil
}

var (
	opMovaps      = []byte{0x0F, 0x28}
	opMovapsStore = []byte{0x0F, 0x29}
	opMovups      = []byte{0x0F, 0x10}
	opMovupsStore = []byte{0x0F, 0x11}
	opXorps       = []byte{0x0F, 0x57}
	prefixSD      = []byte{0xF2}
	prefixSS      = []byte{0xF3}
)

func encodeRet() []byte { return []byte{0xC3} }

func encodeInt3() []byte { return []byte{0xCC} }

func encodeNop() []byte { return []byte{0x90} }

func encodeRepStosq() []byte { return []byte{0xF3, 0x48, 0xAB} }
