// UHCI frame-list schedule walker
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package uhci walks the 1024-entry UHCI frame list a guest driver
// builds in RAM: horizontal chains of queue heads and transfer
// descriptors, dispatching each TD's PID to an addressed device and
// updating its status word in place. Traversal stays bounded and
// address-keyed; no guest pointer is ever trusted past a budget.
package uhci

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sandboxvm/x86core/membus"
)

// Link pointer bits.
const (
	linkTerminate = 1 << 0
	linkQH        = 1 << 1
	linkAddrMask  = ^uint32(0xf)
)

// Per-frame and per-chain traversal budgets.
const (
	MaxScheduleLinksPerFrame = 4096
	MaxTDsPerChain           = 1024
)

// Token PIDs.
const (
	PIDSetup = 0x2D
	PIDIn    = 0x69
	PIDOut   = 0xE1
)

// TD status word bits.
const (
	tdStatusActive      = 1 << 23
	tdStatusStalled     = 1 << 22
	tdStatusDataBufErr  = 1 << 21
	tdStatusNAK         = 1 << 19
	tdStatusCRCTimeout  = 1 << 18
	tdStatusIOC         = 1 << 24 // control bit, not a status bit, lives in the same dword
	tdStatusSPD         = 1 << 29 // control bit: Short Packet Detect
	tdActualLenZeroMark = 0x7ff
)

// Errors naming the two schedule faults. WalkFrame does not return them;
// it reports faults through FrameStats (MalformedFrame, HostSystemError).
var (
	ErrHostSystemError = errors.New("uhci: frame list pointer overflowed physical address space")
	ErrScheduleBudget  = errors.New("uhci: schedule traversal exceeded its link budget")
)

type linkPointer uint32

func (l linkPointer) terminate() bool { return l&linkTerminate != 0 }
func (l linkPointer) isQH() bool      { return l&linkQH != 0 }
func (l linkPointer) addr() uint32    { return uint32(l) & linkAddrMask }

// QueueHead is a parsed 8-byte queue head (horizontal, element link
// pointers).
type QueueHead struct {
	Horizontal linkPointer
	Element    linkPointer
}

// TransferDescriptor is a parsed 16-byte transfer descriptor.
type TransferDescriptor struct {
	Link          linkPointer
	Status        uint32
	PID           uint8
	DeviceAddress uint8
	Endpoint      uint8
	DataToggle    bool
	MaxLength     int // 11-bit maxlen field + 1; the 0x7FF null encoding decodes to 0
	BufferPointer uint32
}

func readLinkPointer(bus *membus.Bus, addr uint64) (linkPointer, error) {
	v, err := bus.ReadU32(addr)
	if err != nil {
		return 0, err
	}
	return linkPointer(v), nil
}

func readQueueHead(bus *membus.Bus, addr uint32) (QueueHead, error) {
	h, err := readLinkPointer(bus, uint64(addr))
	if err != nil {
		return QueueHead{}, err
	}
	e, err := readLinkPointer(bus, uint64(addr)+4)
	if err != nil {
		return QueueHead{}, err
	}
	return QueueHead{Horizontal: h, Element: e}, nil
}

func readTD(bus *membus.Bus, addr uint32) (TransferDescriptor, error) {
	raw, err := bus.Fetch(uint64(addr), 16)
	if err != nil || len(raw) < 16 {
		return TransferDescriptor{}, fmt.Errorf("uhci: short TD read at %#x", addr)
	}

	link := linkPointer(binary.LittleEndian.Uint32(raw[0:4]))
	status := binary.LittleEndian.Uint32(raw[4:8])
	token := binary.LittleEndian.Uint32(raw[8:12])
	buf := binary.LittleEndian.Uint32(raw[12:16])

	maxLen := int((token>>21)&0x7ff) + 1
	if maxLen == 0x800 {
		maxLen = 0 // 0x7FF encodes a zero-length packet
	}

	return TransferDescriptor{
		Link:          link,
		Status:        status,
		PID:           uint8(token & 0xff),
		DeviceAddress: uint8((token >> 8) & 0x7f),
		Endpoint:      uint8((token >> 15) & 0xf),
		MaxLength:     maxLen,
		DataToggle:    token&(1<<19) != 0,
		BufferPointer: buf,
	}, nil
}

func writeTDStatus(bus *membus.Bus, addr uint32, status uint32) error {
	return bus.WriteU32(uint64(addr)+4, status)
}

// Device is the addressed endpoint a TD's PID dispatches to.
type Device interface {
	// Transfer executes one packet of the given PID against the
	// addressed endpoint, transferring up to len(buf) bytes, and
	// reports the actual length moved and whether the device stalled.
	Transfer(pid uint8, endpoint uint8, buf []byte) (actualLen int, stall bool)
}

// FrameStats accumulates per-frame walk outcomes as plain exported
// fields (ProcessedTDs, MalformedFrame, USBInterrupt, HostSystemError).
type FrameStats struct {
	ProcessedTDs   int
	MalformedFrame bool
	USBInterrupt   bool
	HostSystemError bool
}

// Controller owns the device map a schedule dispatches into.
type Controller struct {
	Bus     *membus.Bus
	Devices map[uint8]Device // keyed by USB device address
}

// WalkFrame processes one 1ms frame tick: reads the frame-list pointer
// at frameListBase + frameIndex*4 and walks its horizontal chain.
func (c *Controller) WalkFrame(frameListBase uint32, frameIndex int) FrameStats {
	entryAddr := uint64(frameListBase) + uint64(frameIndex)*4
	if entryAddr > 0xffffffff {
		return FrameStats{MalformedFrame: true, HostSystemError: true}
	}

	link, err := readLinkPointer(c.Bus, entryAddr)
	if err != nil {
		return FrameStats{MalformedFrame: true, HostSystemError: true}
	}

	stats := FrameStats{}
	visited := make(map[uint32]bool)
	links := 0

	for !link.terminate() {
		links++
		if links > MaxScheduleLinksPerFrame {
			stats.MalformedFrame = true
			return stats
		}

		addr := link.addr()
		if visited[addr] {
			stats.MalformedFrame = true
			return stats
		}
		visited[addr] = true

		if link.isQH() {
			qh, err := readQueueHead(c.Bus, addr)
			if err != nil {
				stats.MalformedFrame = true
				return stats
			}

			if err := c.walkQueueElements(qh.Element, &stats); err != nil {
				stats.MalformedFrame = true
				return stats
			}

			link = qh.Horizontal
		} else {
			td, err := readTD(c.Bus, addr)
			if err != nil {
				stats.MalformedFrame = true
				return stats
			}
			c.processTD(addr, td, &stats)
			link = td.Link
		}
	}

	return stats
}

func (c *Controller) walkQueueElements(element linkPointer, stats *FrameStats) error {
	visited := make(map[uint32]bool)
	count := 0

	for !element.terminate() {
		count++
		if count > MaxTDsPerChain {
			return errors.New("uhci: queue element chain exceeded its TD budget")
		}

		addr := element.addr()
		if visited[addr] {
			return errors.New("uhci: cycle in queue element chain")
		}
		visited[addr] = true

		if element.isQH() {
			// Nested queue heads are not modeled; treat as terminal.
			return nil
		}

		td, err := readTD(c.Bus, addr)
		if err != nil {
			return err
		}
		c.processTD(addr, td, stats)
		element = td.Link
	}

	return nil
}

func (c *Controller) processTD(addr uint32, td TransferDescriptor, stats *FrameStats) {
	if td.Status&tdStatusActive == 0 {
		return
	}

	dev := c.Devices[td.DeviceAddress]
	if dev == nil {
		writeTDStatus(c.Bus, addr, (td.Status&^tdStatusActive)|tdStatusStalled)
		return
	}

	buf := make([]byte, td.MaxLength)
	if td.PID == PIDOut || td.PID == PIDSetup {
		if err := c.Bus.ReadPhysical(uint64(td.BufferPointer), buf); err != nil {
			writeTDStatus(c.Bus, addr, (td.Status&^tdStatusActive)|tdStatusDataBufErr)
			return
		}
	}

	actualLen, stall := dev.Transfer(td.PID, td.Endpoint, buf)

	if stall {
		writeTDStatus(c.Bus, addr, (td.Status&^tdStatusActive)|tdStatusStalled)
		return
	}

	if td.PID == PIDIn && actualLen > 0 {
		if err := c.Bus.WritePhysical(uint64(td.BufferPointer), buf[:actualLen]); err != nil {
			writeTDStatus(c.Bus, addr, (td.Status&^tdStatusActive)|tdStatusDataBufErr)
			return
		}
	}

	newStatus := td.Status &^ tdStatusActive
	lenField := uint32(actualLen)
	if actualLen == 0 {
		lenField = tdActualLenZeroMark
	}
	newStatus = (newStatus &^ 0x7ff) | (lenField & 0x7ff)

	writeTDStatus(c.Bus, addr, newStatus)
	stats.ProcessedTDs++

	shortPacket := actualLen < td.MaxLength
	if newStatus&tdStatusIOC != 0 || (shortPacket && newStatus&tdStatusSPD != 0) {
		stats.USBInterrupt = true
	}
}
