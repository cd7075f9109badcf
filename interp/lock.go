// LOCK-prefixed atomic RMW execution
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package interp

import (
	"github.com/sandboxvm/x86core/cpu"
	"github.com/sandboxvm/x86core/membus"
	"github.com/sandboxvm/x86core/mmu"
)

// lockable reports whether op may legally carry a LOCK prefix. Any other
// LOCK-prefixed opcode — or one of these with a register-only destination
// — raises UndefinedOpcode before any side effects (§4.3).
func lockable(o op) bool {
	switch o {
	case opAdd, opOr, opAdc, opSbb, opAnd, opSub, opXor,
		opNeg, opNot, opInc, opDec, opXchg, opXadd,
		opCmpxchg, opCmpxchg8b, opCmpxchg16b, opBts, opBtr, opBtc:
		return true
	default:
		return false
	}
}

func readReg(s *cpu.State, idx int, wd width) uint64 {
	switch wd {
	case w8:
		return uint64(readReg8(s, idx))
	case w16:
		return s.GPR[idx&15] & 0xffff
	case w32:
		return s.GPR[idx&15] & 0xffffffff
	default:
		return s.GPR[idx&15]
	}
}

func readReg8(s *cpu.State, idx int) uint8 {
	if idx >= 4 && idx < 8 {
		return uint8(s.GPR[idx-4] >> 8)
	}
	return uint8(s.GPR[idx&15])
}

func writeReg(s *cpu.State, idx int, wd width, val uint64) {
	switch wd {
	case w8:
		writeReg8(s, idx, uint8(val))
	case w16:
		s.GPR[idx&15] = (s.GPR[idx&15] &^ 0xffff) | (val & 0xffff)
	case w32:
		s.GPR[idx&15] = val & 0xffffffff // zero-extends to 64 bits
	default:
		s.GPR[idx&15] = val
	}
}

func writeReg8(s *cpu.State, idx int, val uint8) {
	if idx >= 4 && idx < 8 {
		r := idx - 4
		s.GPR[r] = (s.GPR[r] &^ 0xff00) | (uint64(val) << 8)
		return
	}
	s.GPR[idx&15] = (s.GPR[idx&15] &^ 0xff) | uint64(val)
}

func busWidth(wd width) int {
	return int(wd) / 8
}

// execute dispatches one decoded instruction.
func (m *Machine) execute(insn instruction) (StepExit, error) {
	s := m.State

	if insn.lock && !lockable(insn.op) {
		return 0, &Exception{Kind: UndefinedOpcode, Addr: s.RIP}
	}

	if insn.lock && !insn.m.isMemory {
		// LOCK prefix with a register-only destination: undefined before
		// any side effects.
		return 0, &Exception{Kind: UndefinedOpcode, Addr: s.RIP}
	}

	if insn.op == opHalt {
		return Halt, nil
	}

	if insn.op == opCmpxchg8b {
		return m.execCmpxchg8(insn)
	}
	if insn.op == opCmpxchg16b {
		return m.execCmpxchg16(insn)
	}

	if insn.m.isMemory {
		return m.execMemoryRMW(insn)
	}

	return m.execRegisterForm(insn)
}

func (m *Machine) memAddr(insn instruction) (uint64, error) {
	s := m.State
	vaddr := insn.m.effectiveAddress(s)
	paddr, err := m.translate(vaddr, mmu.Write)
	return paddr, err
}

// execMemoryRMW handles every op whose destination is the decoded memory
// operand (ADD/OR/ADC/SBB/AND/SUB/XOR, NEG/NOT, INC/DEC, XCHG, XADD,
// CMPXCHG, BTS/BTR/BTC), dispatching through exactly one AtomicRMW call
// when the instruction carries LOCK (or is implicitly atomic, i.e. XCHG).
func (m *Machine) execMemoryRMW(insn instruction) (StepExit, error) {
	paddr, err := m.memAddr(insn)
	if err != nil {
		return 0, err
	}

	switch insn.wd {
	case w8:
		_, err := membus.AtomicRMW8(m.Bus, paddr, func(old uint8) (uint8, struct{}) {
			return m.rmw8(insn, old)
		})
		return Continue, err
	case w16:
		_, err := membus.AtomicRMW16(m.Bus, paddr, func(old uint16) (uint16, struct{}) {
			v, r := m.rmwN(insn, uint64(old), w16)
			return uint16(v), r
		})
		return Continue, err
	case w32:
		_, err := membus.AtomicRMW32(m.Bus, paddr, func(old uint32) (uint32, struct{}) {
			v, r := m.rmwN(insn, uint64(old), w32)
			return uint32(v), r
		})
		return Continue, err
	default:
		_, err := membus.AtomicRMW64(m.Bus, paddr, func(old uint64) (uint64, struct{}) {
			return m.rmwN(insn, old, w64)
		})
		return Continue, err
	}
}

func (m *Machine) rmw8(insn instruction, old uint8) (uint8, struct{}) {
	v, _ := m.rmwN(insn, uint64(old), w8)
	return uint8(v), struct{}{}
}

// rmwN computes the new memory value for op against the current value
// old, truncated to wd, and applies register/flag side effects.
func (m *Machine) rmwN(insn instruction, old uint64, wd width) (uint64, struct{}) {
	s := m.State
	old &= mask(wd)

	switch insn.op {
	case opAdd, opOr, opAdc, opSbb, opAnd, opSub, opXor:
		src := readReg(s, insn.m.reg, wd)
		return m.binALU(insn.op, old, src, wd), struct{}{}

	case opNeg:
		result := (-old) & mask(wd)
		setSubFlags(s, 0, old, result, wd)
		s.SetFlag(cpu.FlagCF, old != 0)
		return result, struct{}{}

	case opNot:
		return (^old) & mask(wd), struct{}{}

	case opInc:
		result := (old + 1) & mask(wd)
		cf := s.Flag(cpu.FlagCF)
		setAddFlags(s, old, 1, result, wd)
		s.SetFlag(cpu.FlagCF, cf) // INC/DEC do not affect CF
		return result, struct{}{}

	case opDec:
		result := (old - 1) & mask(wd)
		cf := s.Flag(cpu.FlagCF)
		setSubFlags(s, old, 1, result, wd)
		s.SetFlag(cpu.FlagCF, cf)
		return result, struct{}{}

	case opXchg:
		reg := insn.m.reg
		regVal := readReg(s, reg, wd)
		writeReg(s, reg, wd, old)
		return regVal, struct{}{}

	case opXadd:
		reg := insn.m.reg
		src := readReg(s, reg, wd)
		result := (old + src) & mask(wd)
		setAddFlags(s, old, src, result, wd)
		writeReg(s, reg, wd, old)
		return result, struct{}{}

	case opCmpxchg:
		acc := readReg(s, cpu.RAX, wd)
		result := (acc - old) & mask(wd)
		setSubFlags(s, acc, old, result, wd)
		if acc == old {
			return readReg(s, insn.m.reg, wd), struct{}{}
		}
		writeReg(s, cpu.RAX, wd, old)
		return old, struct{}{}

	case opBts, opBtr, opBtc:
		bitWidth := uint64(wd)
		var bitIdx uint64
		if insn.btImm >= 0 {
			bitIdx = uint64(insn.btImm) % bitWidth
		} else {
			bitIdx = readReg(s, insn.m.reg, wd) % bitWidth
		}
		cf := (old>>bitIdx)&1 != 0
		s.SetFlag(cpu.FlagCF, cf)

		switch insn.op {
		case opBts:
			return old | (uint64(1) << bitIdx), struct{}{}
		case opBtr:
			return old &^ (uint64(1) << bitIdx), struct{}{}
		default:
			return old ^ (uint64(1) << bitIdx), struct{}{}
		}
	}

	return old, struct{}{}
}

func (m *Machine) binALU(o op, a, b uint64, wd width) uint64 {
	s := m.State

	switch o {
	case opAdd:
		result := (a + b) & mask(wd)
		setAddFlags(s, a, b, result, wd)
		return result
	case opAdc:
		carry := uint64(0)
		if s.Flag(cpu.FlagCF) {
			carry = 1
		}
		result := (a + b + carry) & mask(wd)
		setAddFlags(s, a, b+carry, result, wd)
		return result
	case opSub:
		result := (a - b) & mask(wd)
		setSubFlags(s, a, b, result, wd)
		return result
	case opSbb:
		borrow := uint64(0)
		if s.Flag(cpu.FlagCF) {
			borrow = 1
		}
		result := (a - b - borrow) & mask(wd)
		setSubFlags(s, a, b+borrow, result, wd)
		return result
	case opAnd:
		result := a & b & mask(wd)
		setLogicFlags(s, result, wd)
		return result
	case opOr:
		result := (a | b) & mask(wd)
		setLogicFlags(s, result, wd)
		return result
	default: // opXor
		result := (a ^ b) & mask(wd)
		setLogicFlags(s, result, wd)
		return result
	}
}

// execRegisterForm handles the non-LOCKable register/register encodings of
// the same opcodes, reachable when mod==3 (e.g. CMPXCHG with a register
// destination, legal without LOCK but never atomic).
func (m *Machine) execRegisterForm(insn instruction) (StepExit, error) {
	s := m.State
	old := readReg(s, insn.m.rm, insn.wd)
	newVal, _ := m.rmwN(insn, old, insn.wd)
	writeReg(s, insn.m.rm, insn.wd, newVal)
	return Continue, nil
}

// execCmpxchg8 implements CMPXCHG8B: compares EDX:EAX against the memory
// operand; on match stores ECX:EBX, else loads the observed value into
// EDX:EAX. ZF reflects the comparison.
func (m *Machine) execCmpxchg8(insn instruction) (StepExit, error) {
	s := m.State

	if !insn.m.isMemory {
		return 0, &Exception{Kind: UndefinedOpcode, Addr: s.RIP}
	}

	vaddr := insn.m.effectiveAddress(s)

	if vaddr%8 != 0 {
		return 0, &Exception{Kind: GeneralProtection, Addr: vaddr}
	}

	paddr, err := m.translate(vaddr, mmu.Write)
	if err != nil {
		return 0, err
	}

	expect := (readReg(s, cpu.RDX, w32) << 32) | readReg(s, cpu.RAX, w32)
	replace := (readReg(s, cpu.RCX, w32) << 32) | readReg(s, cpu.RBX, w32)

	observed, err := membus.AtomicRMW64(m.Bus, paddr, func(old uint64) (uint64, uint64) {
		if old == expect {
			return replace, old
		}
		return old, old
	})
	if err != nil {
		return 0, err
	}

	if observed == expect {
		s.SetFlag(cpu.FlagZF, true)
	} else {
		s.SetFlag(cpu.FlagZF, false)
		writeReg(s, cpu.RDX, w32, observed>>32)
		writeReg(s, cpu.RAX, w32, observed&0xffffffff)
	}

	return Continue, nil
}

// execCmpxchg16 implements CMPXCHG16B: RDX:RAX vs. the 128-bit memory
// operand, replacing with RCX:RBX on match. Requires 16-byte alignment,
// checked before any memory mutation.
func (m *Machine) execCmpxchg16(insn instruction) (StepExit, error) {
	s := m.State

	if !insn.m.isMemory {
		return 0, &Exception{Kind: UndefinedOpcode, Addr: s.RIP}
	}

	vaddr := insn.m.effectiveAddress(s)

	if vaddr%16 != 0 {
		return 0, &Exception{Kind: GeneralProtection, Addr: vaddr}
	}

	paddr, err := m.translate(vaddr, mmu.Write)
	if err != nil {
		return 0, err
	}

	expectLo, expectHi := s.GPR[cpu.RAX], s.GPR[cpu.RDX]
	replaceLo, replaceHi := s.GPR[cpu.RBX], s.GPR[cpu.RCX]

	type obs struct{ lo, hi uint64 }

	o, err := membus.AtomicRMW128(m.Bus, paddr, func(lo, hi uint64) (uint64, uint64, obs) {
		if lo == expectLo && hi == expectHi {
			return replaceLo, replaceHi, obs{lo, hi}
		}
		return lo, hi, obs{lo, hi}
	})
	if err != nil {
		return 0, err
	}

	if o.lo == expectLo && o.hi == expectHi {
		s.SetFlag(cpu.FlagZF, true)
	} else {
		s.SetFlag(cpu.FlagZF, false)
		s.GPR[cpu.RAX] = o.lo
		s.GPR[cpu.RDX] = o.hi
	}

	return Continue, nil
}
