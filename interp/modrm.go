// ModRM/SIB addressing decode
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package interp

import "github.com/sandboxvm/x86core/cpu"

// rex holds the decoded REX prefix bits (zero value means "absent").
type rex struct {
	present bool
	w, r, x, b bool
}

// modrm holds a decoded ModRM(+SIB+disp) byte sequence.
type modrm struct {
	mod int
	reg int // register operand / opcode extension, REX.R-extended
	rm  int // register-direct operand when mod==3, else base register

	isMemory bool
	base     int  // GPR index used as base (memory operands)
	hasIndex bool
	index    int
	scale    int
	disp     int64

	len int // total bytes consumed: the ModRM byte plus any SIB/disp bytes
}

// decodeModRM parses the ModRM byte (and any following SIB/disp bytes) out
// of code[0:]. code[0] must be the ModRM byte itself.
func decodeModRM(code []byte, rx rex) (modrm, error) {
	if len(code) < 1 {
		return modrm{}, errTruncated
	}

	b := code[0]
	mod := int(b >> 6)
	reg := int((b >> 3) & 7)
	rm := int(b & 7)

	if rx.r {
		reg += 8
	}

	m := modrm{mod: mod, reg: reg}
	off := 1

	if mod == 3 {
		rmFull := rm
		if rx.b {
			rmFull += 8
		}
		m.rm = rmFull
		m.len = off
		return m, nil
	}

	m.isMemory = true
	baseReg := rm
	hasSIB := rm == 4

	if hasSIB {
		if len(code) < off+1 {
			return modrm{}, errTruncated
		}
		sib := code[off]
		off++

		scale := 1 << (sib >> 6)
		index := int((sib >> 3) & 7)
		base := int(sib & 7)

		if rx.x {
			index += 8
		}
		if rx.b {
			base += 8
		}

		if index != 4 || rx.x {
			m.hasIndex = true
			m.index = index
			m.scale = scale
		}

		if base&7 == 5 && mod == 0 {
			// base-less SIB form: disp32 only, no base register.
			m.base = -1
			if len(code) < off+4 {
				return modrm{}, errTruncated
			}
			m.disp = int64(int32(le32(code[off:])))
			off += 4
			m.len = off
			return m, nil
		}

		m.base = base
	} else if rm == 5 && mod == 0 {
		// RIP-relative disp32; treated as an absolute disp from RIP=0 base
		// since the interpreter resolves effective addresses post-fetch.
		m.base = -1
		if len(code) < off+4 {
			return modrm{}, errTruncated
		}
		m.disp = int64(int32(le32(code[off:])))
		off += 4
		m.len = off
		return m, nil
	} else {
		base := baseReg
		if rx.b {
			base += 8
		}
		m.base = base
	}

	switch mod {
	case 1:
		if len(code) < off+1 {
			return modrm{}, errTruncated
		}
		m.disp = int64(int8(code[off]))
		off++
	case 2:
		if len(code) < off+4 {
			return modrm{}, errTruncated
		}
		m.disp = int64(int32(le32(code[off:])))
		off += 4
	}

	m.len = off
	return m, nil
}

// effectiveAddress computes the memory operand's virtual address given a
// decoded modrm and the current register file.
func (m modrm) effectiveAddress(s *cpu.State) uint64 {
	var addr uint64

	if m.base >= 0 {
		addr = s.GPR[m.base]
	}

	if m.hasIndex {
		addr += s.GPR[m.index] * uint64(m.scale)
	}

	return uint64(int64(addr) + m.disp)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
