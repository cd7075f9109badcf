// Instruction decode
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package interp

// op identifies the decoded operation. This interpreter only covers the
// ISA subset spec'd for the deterministic core: LOCK-prefixed atomic RMWs,
// their non-locked register/register counterparts, and HLT — not a full
// ISA reference (see non-goals).
type op int

const (
	opAdd op = iota
	opOr
	opAdc
	opSbb
	opAnd
	opSub
	opXor
	opNeg
	opNot
	opInc
	opDec
	opXchg
	opXadd
	opCmpxchg
	opCmpxchg8b
	opCmpxchg16b
	opBts
	opBtr
	opBtc
	opHalt
)

// instruction is the fully decoded form of one instruction.
type instruction struct {
	len  int
	lock bool
	op   op
	wd   width
	rx   rex
	m    modrm
	// btImm holds the immediate bit index for the 0F BA group forms; -1
	// when the bit index instead comes from the reg operand.
	btImm int
}

func parseRex(b byte) rex {
	return rex{
		present: true,
		w:       b&8 != 0,
		r:       b&4 != 0,
		x:       b&2 != 0,
		b:       b&1 != 0,
	}
}

// decode parses one instruction out of code, which must hold at least as
// many bytes as the instruction occupies (the caller supplies an
// up-to-15-byte fetch window).
func decode(code []byte) (instruction, error) {
	var insn instruction
	insn.btImm = -1

	off := 0
	operandSize16 := false

	for off < len(code) {
		switch code[off] {
		case 0xF0:
			insn.lock = true
			off++
		case 0x66:
			operandSize16 = true
			off++
		case 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65, 0x67:
			off++
		default:
			goto prefixesDone
		}
	}
prefixesDone:

	if off < len(code) && code[off] >= 0x40 && code[off] <= 0x4f {
		insn.rx = parseRex(code[off])
		off++
	}

	if off >= len(code) {
		return instruction{}, errTruncated
	}

	wd := w32
	if insn.rx.w {
		wd = w64
	} else if operandSize16 {
		wd = w16
	}

	b0 := code[off]
	off++

	if b0 == 0x0F {
		if off >= len(code) {
			return instruction{}, errTruncated
		}
		b1 := code[off]
		off++

		switch b1 {
		case 0xB0: // CMPXCHG Eb, Gb
			insn.op, insn.wd = opCmpxchg, w8
		case 0xB1: // CMPXCHG Ev, Gv
			insn.op, insn.wd = opCmpxchg, wd
		case 0xC0: // XADD Eb, Gb
			insn.op, insn.wd = opXadd, w8
		case 0xC1: // XADD Ev, Gv
			insn.op, insn.wd = opXadd, wd
		case 0xAB:
			insn.op, insn.wd = opBts, wd
		case 0xB3:
			insn.op, insn.wd = opBtr, wd
		case 0xBB:
			insn.op, insn.wd = opBtc, wd
		case 0xC7: // group 9
			m, err := decodeModRM(code[off:], insn.rx)
			if err != nil {
				return instruction{}, err
			}
			off += m.len
			insn.m = m
			if insn.rx.w {
				insn.op, insn.wd = opCmpxchg16b, w64
			} else {
				insn.op, insn.wd = opCmpxchg8b, w32
			}
			insn.len = off
			return insn, nil
		case 0xBA: // group 8: Ev, Ib
			m, err := decodeModRM(code[off:], insn.rx)
			if err != nil {
				return instruction{}, err
			}
			off += m.len
			if off >= len(code) {
				return instruction{}, errTruncated
			}
			imm := code[off]
			off++

			switch m.reg & 7 {
			case 5:
				insn.op = opBts
			case 6:
				insn.op = opBtr
			case 7:
				insn.op = opBtc
			default:
				return instruction{}, errTruncated // BT (non-locking) or undefined extension
			}

			insn.wd = wd
			insn.m = m
			insn.btImm = int(imm)
			insn.len = off
			return insn, nil
		default:
			return instruction{}, errTruncated
		}

		m, err := decodeModRM(code[off:], insn.rx)
		if err != nil {
			return instruction{}, err
		}
		off += m.len
		insn.m = m
		insn.len = off
		return insn, nil
	}

	switch b0 {
	case 0x00, 0x01, 0x08, 0x09, 0x10, 0x11, 0x18, 0x19, 0x20, 0x21, 0x28, 0x29, 0x30, 0x31:
		switch b0 & 0xF8 {
		case 0x00:
			insn.op = opAdd
		case 0x08:
			insn.op = opOr
		case 0x10:
			insn.op = opAdc
		case 0x18:
			insn.op = opSbb
		case 0x20:
			insn.op = opAnd
		case 0x28:
			insn.op = opSub
		case 0x30:
			insn.op = opXor
		}
		if b0&1 == 0 {
			insn.wd = w8
		} else {
			insn.wd = wd
		}

		m, err := decodeModRM(code[off:], insn.rx)
		if err != nil {
			return instruction{}, err
		}
		off += m.len
		insn.m = m
		insn.len = off
		return insn, nil

	case 0x86, 0x87: // XCHG Eb/Ev, Gb/Gv (implicitly atomic with memory operand)
		insn.op = opXchg
		if b0 == 0x86 {
			insn.wd = w8
		} else {
			insn.wd = wd
		}

		m, err := decodeModRM(code[off:], insn.rx)
		if err != nil {
			return instruction{}, err
		}
		off += m.len
		insn.m = m
		insn.len = off
		return insn, nil

	case 0xF6, 0xF7: // group 3
		m, err := decodeModRM(code[off:], insn.rx)
		if err != nil {
			return instruction{}, err
		}
		off += m.len

		switch m.reg & 7 {
		case 2:
			insn.op = opNot
		case 3:
			insn.op = opNeg
		default:
			return instruction{}, errTruncated
		}

		if b0 == 0xF6 {
			insn.wd = w8
		} else {
			insn.wd = wd
		}
		insn.m = m
		insn.len = off
		return insn, nil

	case 0xFE, 0xFF: // group 5 (INC/DEC subset only — LOCK legal forms)
		m, err := decodeModRM(code[off:], insn.rx)
		if err != nil {
			return instruction{}, err
		}
		off += m.len

		switch m.reg & 7 {
		case 0:
			insn.op = opInc
		case 1:
			insn.op = opDec
		default:
			return instruction{}, errTruncated
		}

		if b0 == 0xFE {
			insn.wd = w8
		} else {
			insn.wd = wd
		}
		insn.m = m
		insn.len = off
		return insn, nil

	case 0xF4: // HLT
		insn.op = opHalt
		insn.len = off
		return insn, nil
	}

	return instruction{}, errTruncated
}
