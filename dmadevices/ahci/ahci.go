// AHCI port command list, command table, and PRDT walker
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ahci models one AHCI port's command engine: a 32-slot command
// list, each slot's command table (CFIS + ATAPI block + PRDT), and the
// CI/SACT slot-occupancy bitmaps that drive DHRS completion and port
// INTx.
package ahci

import (
	"encoding/binary"
	"fmt"

	"github.com/sandboxvm/x86core/membus"
)

const (
	// NumSlots is the fixed AHCI command-list depth.
	NumSlots = 32

	commandHeaderSize = 32
	prdtEntrySize      = 16

	// MaxPRDTEntries bounds a single command table's scatter-gather
	// list traversal.
	MaxPRDTEntries = 65536
)

// Port interrupt status bits (a subset of PxIS).
const (
	ISDHRS = 1 << 0 // Device to Host Register FIS Interrupt
	ISTFES = 1 << 30 // Task File Error Status
)

// CommandHeader is a parsed 32-byte command-list slot header.
type CommandHeader struct {
	CFL          uint8 // Command FIS length in dwords
	ATAPI        bool
	Write        bool
	PRDTLength   uint16 // number of PRDT entries
	CommandTable uint64 // physical address of the command table (128-byte aligned)
}

func parseCommandHeader(raw []byte) CommandHeader {
	flags := binary.LittleEndian.Uint16(raw[0:2])
	return CommandHeader{
		CFL:          uint8(flags & 0x1f),
		ATAPI:        flags&(1<<5) != 0,
		Write:        flags&(1<<6) != 0,
		PRDTLength:   binary.LittleEndian.Uint16(raw[2:4]),
		CommandTable: binary.LittleEndian.Uint64(raw[8:16]),
	}
}

// PRDTEntry is one scatter-gather entry: a data base address and byte
// count, encoded on the wire as count-1.
type PRDTEntry struct {
	BaseAddr      uint64
	ByteCount     uint32
	InterruptOnCompletion bool
}

func parsePRDTEntry(raw []byte) PRDTEntry {
	dw3 := binary.LittleEndian.Uint32(raw[12:16])
	return PRDTEntry{
		BaseAddr:              binary.LittleEndian.Uint64(raw[0:8]),
		ByteCount:              (dw3 & 0x3fffff) + 1,
		InterruptOnCompletion: dw3&(1<<31) != 0,
	}
}

// prdtOffset is the fixed command-table layout this port engine uses:
// CFIS at 0, an ATAPI command block at 0x40, and the PRDT starting at
// 0x80 (the smallest legal offset leaving room for both preceding
// regions).
const prdtOffset = 0x80

// Port owns one AHCI port's command list and backing storage.
type Port struct {
	Bus              *membus.Bus
	CommandListBase  uint64
	Storage          []byte // the port's backing device (e.g. a disk image)
	InterruptStatus  uint32
	CI, SACT         uint32 // slot-occupancy bitmaps
}

func (p *Port) headerAddr(slot int) uint64 {
	return p.CommandListBase + uint64(slot)*commandHeaderSize
}

// IssueCommand executes the command list slot at the given LBA/sector
// count (already decoded from the command FIS by the caller — this
// package does not itself decode ATA command opcodes), walks its PRDT
// performing the transfer against Storage, then clears CI for the slot
// and raises DHRS.
func (p *Port) IssueCommand(slot int, lba uint64, sectorCount uint32) error {
	if slot < 0 || slot >= NumSlots {
		return fmt.Errorf("ahci: slot %d out of range", slot)
	}
	if p.CI&(1<<uint(slot)) == 0 {
		return fmt.Errorf("ahci: slot %d is not command-issued", slot)
	}

	raw, err := p.Bus.Fetch(p.headerAddr(slot), commandHeaderSize)
	if err != nil || len(raw) < commandHeaderSize {
		p.InterruptStatus |= ISTFES
		return fmt.Errorf("ahci: short command header read for slot %d", slot)
	}
	hdr := parseCommandHeader(raw)

	const sectorSize = 512
	off := int(lba) * sectorSize
	want := int(sectorCount) * sectorSize
	if off < 0 || want < 0 || off+want > len(p.Storage) {
		p.InterruptStatus |= ISTFES
		return fmt.Errorf("ahci: transfer out of range")
	}

	if err := p.transferPRDT(hdr, off, want); err != nil {
		p.InterruptStatus |= ISTFES
		return err
	}

	p.CI &^= 1 << uint(slot)
	p.InterruptStatus |= ISDHRS
	return nil
}

func (p *Port) transferPRDT(hdr CommandHeader, storageOff int, want int) error {
	prdtBase := hdr.CommandTable + prdtOffset

	moved := 0
	for i := 0; i < int(hdr.PRDTLength); i++ {
		if i >= MaxPRDTEntries {
			return fmt.Errorf("ahci: PRDT exceeds the traversal budget")
		}

		raw, err := p.Bus.Fetch(prdtBase+uint64(i)*prdtEntrySize, prdtEntrySize)
		if err != nil || len(raw) < prdtEntrySize {
			return fmt.Errorf("ahci: short PRDT entry read at index %d", i)
		}
		entry := parsePRDTEntry(raw)

		n := int(entry.ByteCount)
		if moved+n > want {
			n = want - moved
		}
		if n <= 0 {
			break
		}

		region := p.Storage[storageOff+moved : storageOff+moved+n]

		if hdr.Write {
			if err := p.Bus.ReadPhysical(entry.BaseAddr, region); err != nil {
				return err
			}
		} else {
			if err := p.Bus.WritePhysical(entry.BaseAddr, region); err != nil {
				return err
			}
		}

		moved += n
		if moved >= want {
			break
		}
	}

	if moved != want {
		return fmt.Errorf("ahci: PRDT moved %d bytes, want %d", moved, want)
	}
	return nil
}
