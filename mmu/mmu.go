// 4-level paging translation
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mmu implements guest virtual to guest physical address
// translation through 4-level (PML4/PDPT/PD/PT) long-mode paging, with
// Accessed/Dirty bit maintenance and precise fault injection matching the
// order real silicon evaluates a page walk in.
package mmu

import (
	"fmt"

	"github.com/sandboxvm/x86core/membus"
)

// Access describes the kind of reference being translated.
type Access int

const (
	Read Access = iota
	Write
	Execute
)

// Page table entry bits (AMD64 Architecture Programmer's Manual, common
// PML4E/PDPTE/PDE/PTE layout).
const (
	ptePresent  = 1 << 0
	pteWrite    = 1 << 1
	pteUser     = 1 << 2
	pteAccessed = 1 << 5
	pteDirty    = 1 << 6
	ptePageSize = 1 << 7
	pteNX       = 1 << 63

	indexPML4 = 39
	indexPDPT = 30
	indexPD   = 21
	indexPT   = 12
	indexMask = 0x1ff

	addrMask4K = 0x000ffffffffff000
	addrMask2M = 0x000fffffffe00000
	addrMask1G = 0x000fffffc0000000
)

// PageSize identifies the size of the terminal leaf a translation resolved
// to.
type PageSize int

const (
	Size4K PageSize = 4 << 10
	Size2M PageSize = 2 << 20
	Size1G PageSize = 1 << 30
)

// PageFaultCode is the bitmask assembled at the exact fault site, matching
// the architectural error code pushed for a #PF.
type PageFaultCode struct {
	Present        bool
	Write          bool
	User           bool
	ReservedBitSet bool
	InstructionFetch bool
}

func (c PageFaultCode) uint32() uint32 {
	var v uint32
	if c.Present {
		v |= 1 << 0
	}
	if c.Write {
		v |= 1 << 1
	}
	if c.User {
		v |= 1 << 2
	}
	if c.ReservedBitSet {
		v |= 1 << 3
	}
	if c.InstructionFetch {
		v |= 1 << 4
	}
	return v
}

// TranslateError is either a GeneralProtection (non-canonical address, no
// page-fault code, no A/D bits touched) or a PageFault with an assembled
// error code.
type TranslateError struct {
	VAddr   uint64
	GP      bool
	PF      bool
	Code    PageFaultCode
}

func (e *TranslateError) Error() string {
	if e.GP {
		return fmt.Sprintf("mmu: general protection fault at vaddr=%#x (non-canonical)", e.VAddr)
	}
	return fmt.Sprintf("mmu: page fault at vaddr=%#x code=%#x", e.VAddr, e.Code.uint32())
}

// ErrCode returns the architectural page-fault error code for this error; it
// is only meaningful when PF is true.
func (e *TranslateError) ErrCode() uint32 {
	return e.Code.uint32()
}

// Result is the successful outcome of a translation.
type Result struct {
	PAddr    uint64
	PageSize PageSize
}

// CR0.WP
const cr0WP = 1 << 16

// EFER.NXE
const eferNXE = 1 << 11

// Translate walks the 4-level page tables rooted at cr3 to resolve vaddr
// for the given access kind. It is the MMU's single operation.
//
// Accessed bits are set on every entry examined, including entries that
// ultimately fault, matching architectural behavior; Dirty is set only on
// a successful leaf write. The write-back is read-set-write idempotent: if
// an entry already carries the bit, no store is issued.
func Translate(bus *membus.Bus, vaddr uint64, access Access, cr3, cr0, efer uint64, cpl int) (Result, error) {
	const cr0PG = 1 << 31

	if cr0&cr0PG == 0 {
		// Paging disabled: guest virtual addresses are guest physical
		// addresses, no walk, no fault, no A/D maintenance.
		return Result{PAddr: vaddr, PageSize: Size4K}, nil
	}

	// 1. Canonical check on bits 63..47: bits 63..47 must all equal bit 47.
	top := vaddr >> 47
	if top != 0 && top != 0x1ffff {
		return Result{}, &TranslateError{VAddr: vaddr, GP: true}
	}

	nxEnabled := efer&eferNXE != 0
	wp := cr0&cr0WP != 0

	indices := [4]uint64{
		(vaddr >> indexPML4) & indexMask,
		(vaddr >> indexPDPT) & indexMask,
		(vaddr >> indexPD) & indexMask,
		(vaddr >> indexPT) & indexMask,
	}

	tableBase := cr3 &^ 0xfff

	for level := 0; level < 4; level++ {
		entryAddr := tableBase + indices[level]*8

		entry, err := bus.ReadU64(entryAddr)
		if err != nil {
			return Result{}, err
		}

		if entry&ptePresent == 0 {
			return Result{}, faultAt(vaddr, access, cpl, PageFaultCode{Present: false})
		}

		// Reserved-bit check: NX bit requires EFER.NXE, else reserved.
		if !nxEnabled && entry&pteNX != 0 {
			if err := setAccessed(bus, entryAddr, entry); err != nil {
				return Result{}, err
			}
			return Result{}, faultAt(vaddr, access, cpl, PageFaultCode{Present: true, ReservedBitSet: true})
		}

		isLeaf := level == 3 || (level >= 1 && entry&ptePageSize != 0)
		violates := violatesPermission(entry, access, cpl, wp)

		if violates && !isLeaf {
			// Permission checks at non-terminal levels still gate the walk
			// (a single non-user or non-writable entry anywhere in the
			// chain vetoes it), but Accessed on this entry is still set
			// before faulting.
			if err := setAccessed(bus, entryAddr, entry); err != nil {
				return Result{}, err
			}
			return Result{}, faultAt(vaddr, access, cpl, PageFaultCode{Present: true})
		}

		if isLeaf {
			if violates {
				if err := setAccessed(bus, entryAddr, entry); err != nil {
					return Result{}, err
				}
				return Result{}, faultAt(vaddr, access, cpl, PageFaultCode{Present: true})
			}

			// Accessed unconditionally; Dirty iff write and no violation.
			newEntry := entry | pteAccessed
			if access == Write {
				newEntry |= pteDirty
			}
			if newEntry != entry {
				if err := bus.WriteU64(entryAddr, newEntry); err != nil {
					return Result{}, err
				}
			}

			return terminal(entry, vaddr, level)
		}

		if err := setAccessed(bus, entryAddr, entry); err != nil {
			return Result{}, err
		}

		tableBase = entry & addrMask4K
	}

	// Unreachable: level 3 (PT) is always isLeaf.
	return Result{}, fmt.Errorf("mmu: walk did not terminate")
}

func setAccessed(bus *membus.Bus, entryAddr, entry uint64) error {
	if entry&pteAccessed != 0 {
		return nil
	}
	return bus.WriteU64(entryAddr, entry|pteAccessed)
}

func violatesPermission(entry uint64, access Access, cpl int, wp bool) bool {
	if cpl == 3 && entry&pteUser == 0 {
		return true
	}
	// A read-only page always faults a user-mode write. A supervisor-mode
	// write to it faults only when CR0.WP is set — with WP clear,
	// supervisor code may write through read-only user mappings.
	if access == Write && entry&pteWrite == 0 && (cpl == 3 || wp) {
		return true
	}
	if access == Execute && entry&pteNX != 0 {
		return true
	}
	return false
}

func faultAt(vaddr uint64, access Access, cpl int, code PageFaultCode) error {
	code.User = cpl == 3
	code.InstructionFetch = access == Execute
	if access == Write {
		code.Write = true
	}
	return &TranslateError{VAddr: vaddr, PF: true, Code: code}
}

func terminal(entry, vaddr uint64, level int) (Result, error) {
	switch level {
	case 1: // PDPT entry, 1GiB page
		return Result{PAddr: (entry & addrMask1G) | (vaddr & (uint64(Size1G) - 1)), PageSize: Size1G}, nil
	case 2: // PD entry, 2MiB page
		return Result{PAddr: (entry & addrMask2M) | (vaddr & (uint64(Size2M) - 1)), PageSize: Size2M}, nil
	default: // PT entry, 4KiB page
		return Result{PAddr: (entry & addrMask4K) | (vaddr & (uint64(Size4K) - 1)), PageSize: Size4K}, nil
	}
}
