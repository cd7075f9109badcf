// Tier0 instruction interpreter
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package interp implements the Tier0 interpreter: decode and execute one
// instruction per step(), with full LOCK-prefixed atomic read-modify-write
// semantics. It is the source of truth the tracing JIT's traces must stay
// observably equivalent to, including flag-bit updates and exception
// ordering.
package interp

import (
	"errors"
	"fmt"

	"github.com/sandboxvm/x86core/cpu"
	"github.com/sandboxvm/x86core/membus"
	"github.com/sandboxvm/x86core/mmu"
)

var errTruncated = errors.New("interp: truncated instruction")

// StepExit describes how a step() call concluded.
type StepExit int

const (
	Continue StepExit = iota
	ContinueInhibitInterrupts
	Branch
	Halt
)

// ExceptionKind enumerates the CpuException taxonomy of §7.
type ExceptionKind int

const (
	UndefinedOpcode ExceptionKind = iota
	GeneralProtection
	PageFault
	DeviceNotAvailable
	X87FPU
	BusErrorException
	DoubleFault
)

// Exception is delivered to the CPU's exception vector via the interrupt
// fabric; it never bubbles past step() to the host driver.
type Exception struct {
	Kind ExceptionKind
	Code uint32
	Addr uint64
}

func (e *Exception) Error() string {
	return fmt.Sprintf("interp: exception %d code=%#x addr=%#x", e.Kind, e.Code, e.Addr)
}

// Machine is the minimal context step() needs: the register file, the
// memory bus, and the current paging configuration.
type Machine struct {
	State *cpu.State
	Bus   *membus.Bus
}

// Step fetches, decodes and executes one instruction. On success it
// advances RIP (unless a branch was taken) and returns the resulting
// StepExit; on failure it returns the architectural Exception without
// having applied any of the faulting instruction's side effects.
func Step(m *Machine) (StepExit, error) {
	s := m.State

	window, err := m.fetch(s.RIP, 15)
	if err != nil {
		return 0, err
	}

	insn, err := decode(window)
	if err != nil {
		return 0, &Exception{Kind: UndefinedOpcode, Addr: s.RIP}
	}

	exit, err := m.execute(insn)
	if err != nil {
		return 0, err
	}

	if exit != Branch {
		s.RIP += uint64(insn.len)
	}

	return exit, nil
}

func (m *Machine) fetch(rip uint64, maxLen int) ([]byte, error) {
	s := m.State

	res, err := mmu.Translate(m.Bus, rip, mmu.Execute, s.CR3, s.CR0, s.EFER, s.CPL)
	if err != nil {
		var te *mmu.TranslateError
		if errors.As(err, &te) {
			if te.GP {
				return nil, &Exception{Kind: GeneralProtection, Addr: rip}
			}
			return nil, &Exception{Kind: PageFault, Code: te.ErrCode(), Addr: rip}
		}
		return nil, err
	}

	win, err := m.Bus.Fetch(res.PAddr, maxLen)
	if err != nil {
		return nil, &Exception{Kind: BusErrorException, Addr: rip}
	}

	return win, nil
}

func (m *Machine) translate(vaddr uint64, access mmu.Access) (uint64, error) {
	s := m.State

	res, err := mmu.Translate(m.Bus, vaddr, access, s.CR3, s.CR0, s.EFER, s.CPL)
	if err != nil {
		var te *mmu.TranslateError
		if errors.As(err, &te) {
			if te.GP {
				return 0, &Exception{Kind: GeneralProtection, Addr: vaddr}
			}
			return 0, &Exception{Kind: PageFault, Code: te.ErrCode(), Addr: vaddr}
		}
		return 0, err
	}

	return res.PAddr, nil
}
