// Arithmetic flag computation
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package interp

import "github.com/sandboxvm/x86core/cpu"

// width in bits
type width int

const (
	w8  width = 8
	w16 width = 16
	w32 width = 32
	w64 width = 64
)

func signBit(v uint64, wd width) bool {
	return v&(uint64(1)<<(wd-1)) != 0
}

func mask(wd width) uint64 {
	if wd == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << wd) - 1
}

var parityTable = func() [256]bool {
	var t [256]bool
	for i := 0; i < 256; i++ {
		n := 0
		for b := i; b != 0; b >>= 1 {
			n += b & 1
		}
		t[i] = n%2 == 0
	}
	return t
}()

func parity(v uint64) bool {
	return parityTable[v&0xff]
}

// setSubFlags sets CF/OF/SF/ZF/AF/PF for a - b (as performed by CMP, SUB,
// and the CMPXCHG comparison), given the truncated result.
func setSubFlags(s *cpu.State, a, b, result uint64, wd width) {
	m := mask(wd)
	a, b, result = a&m, b&m, result&m

	s.SetFlag(cpu.FlagCF, a < b)
	s.SetFlag(cpu.FlagZF, result == 0)
	s.SetFlag(cpu.FlagSF, signBit(result, wd))
	s.SetFlag(cpu.FlagPF, parity(result))
	s.SetFlag(cpu.FlagAF, (a&0xf) < (b&0xf))

	signA, signB, signR := signBit(a, wd), signBit(b, wd), signBit(result, wd)
	s.SetFlag(cpu.FlagOF, signA != signB && signR != signA)
}

// setAddFlags sets CF/OF/SF/ZF/AF/PF for a + b (used by ADD, ADC, INC and
// XADD).
func setAddFlags(s *cpu.State, a, b, result uint64, wd width) {
	m := mask(wd)
	a, b, result = a&m, b&m, result&m

	s.SetFlag(cpu.FlagCF, result < a)
	s.SetFlag(cpu.FlagZF, result == 0)
	s.SetFlag(cpu.FlagSF, signBit(result, wd))
	s.SetFlag(cpu.FlagPF, parity(result))
	s.SetFlag(cpu.FlagAF, (a&0xf)+(b&0xf) > 0xf)

	signA, signB, signR := signBit(a, wd), signBit(b, wd), signBit(result, wd)
	s.SetFlag(cpu.FlagOF, signA == signB && signR != signA)
}

// setLogicFlags sets the flags for AND/OR/XOR logical results: OF=CF=0,
// SF/ZF/PF per result, AF undefined (cleared here). NEG uses setSubFlags
// and NOT leaves the flags untouched.
func setLogicFlags(s *cpu.State, result uint64, wd width) {
	result &= mask(wd)
	s.SetFlag(cpu.FlagCF, false)
	s.SetFlag(cpu.FlagOF, false)
	s.SetFlag(cpu.FlagZF, result == 0)
	s.SetFlag(cpu.FlagSF, signBit(result, wd))
	s.SetFlag(cpu.FlagPF, parity(result))
	s.SetFlag(cpu.FlagAF, false)
}
