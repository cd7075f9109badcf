// e1000 descriptor rings, MMIO registers, and TX offload
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package e1000 models an Intel 8254x-family NIC's descriptor rings and
// TX offload pipeline: legacy and advanced 16-byte descriptors walked
// out of guest RAM, GSO segmentation, and checksum offload. Ring
// bookkeeping uses the familiar index/size/wrap buffer-descriptor-ring
// discipline, addressed through the emulated membus.
package e1000

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/sandboxvm/x86core/membus"
)

// TX legacy descriptor status bits.
const (
	txStatusDD = 1 << 0 // Descriptor Done
)

// TX command bits.
const (
	txCmdEOP  = 1 << 0 // End Of Packet
	txCmdIC   = 1 << 2 // Insert Checksum
	txCmdRS   = 1 << 3 // Report Status
	txCmdTSE  = 1 << 0 // reused bit in the advanced-descriptor context field: TCP Segmentation Enable
	txCmdDEXT = 1 << 5 // Descriptor extension: selects the advanced (context/data) format
)

// RX legacy descriptor status bits.
const (
	rxStatusDD  = 1 << 0 // Descriptor Done
	rxStatusEOP = 1 << 1 // End Of Packet
)

const descriptorSize = 16

// TxLegacyDescriptor is a 16-byte legacy transmit descriptor.
type TxLegacyDescriptor struct {
	BufferAddr uint64
	Length     uint16
	CSO        uint8
	CMD        uint8
	Status     uint8
	CSS        uint8
	Special    uint16
}

func parseTxLegacy(raw []byte) TxLegacyDescriptor {
	return TxLegacyDescriptor{
		BufferAddr: binary.LittleEndian.Uint64(raw[0:8]),
		Length:     binary.LittleEndian.Uint16(raw[8:10]),
		CSO:        raw[10],
		CMD:        raw[11],
		Status:     raw[12],
		CSS:        raw[13],
		Special:    binary.LittleEndian.Uint16(raw[14:16]),
	}
}

// TxContextDescriptor is the advanced-format context descriptor that
// precedes one or more data descriptors in a TSE (GSO) transmit.
type TxContextDescriptor struct {
	IPCSStart, IPCSOffset   uint8
	TUCSStart, TUCSOffset   uint8
	MSS                     uint16
	HeaderLength            uint8
	TCPHeaderLength         uint8
	TSE                     bool
}

func parseTxContext(raw []byte) TxContextDescriptor {
	return TxContextDescriptor{
		IPCSStart:    raw[0],
		IPCSOffset:   raw[1],
		TUCSStart:    raw[8],
		TUCSOffset:   raw[9],
		MSS:          binary.LittleEndian.Uint16(raw[10:12]),
		HeaderLength: raw[12],
		TSE:          raw[13]&txCmdTSE != 0,
	}
}

// TxDataDescriptor is the advanced-format data descriptor paired with a
// preceding context descriptor.
type TxDataDescriptor struct {
	BufferAddr uint64
	Length     uint32
	CMD        uint8
	Status     uint8
}

func parseTxData(raw []byte) TxDataDescriptor {
	length := binary.LittleEndian.Uint32(raw[8:12]) & 0x000fffff
	return TxDataDescriptor{
		BufferAddr: binary.LittleEndian.Uint64(raw[0:8]),
		Length:     length,
		CMD:        raw[12],
		Status:     raw[13],
	}
}

// TxRing walks the guest's transmit descriptor ring starting at TDBA,
// sized in descriptors (TDLEN/16).
type TxRing struct {
	Bus     *membus.Bus
	Base    uint64
	Count   uint32 // ring size in descriptors, from TDLEN/16
	headIdx uint32
	tailIdx uint32
	lastCtx *TxContextDescriptor

	// HostPacer, if set, throttles delivery of emitted packets to the
	// host uplink. It governs only the host-facing handoff — ring
	// draining and descriptor completion stay synchronous and
	// unaffected, since those are guest-visible state and must stay on
	// the deterministic clock, not the host's. Left nil, Drain emits
	// immediately.
	HostPacer *rate.Limiter
}

// SetTail advances the ring's software tail pointer (TDT register
// write), reduced modulo Count so it always names a slot inside the ring.
func (r *TxRing) SetTail(tail uint32) {
	if r.Count == 0 {
		return
	}
	r.tailIdx = tail % r.Count
}

func (r *TxRing) descAddr(idx uint32) uint64 {
	return r.Base + uint64(idx)*descriptorSize
}

// Drain processes descriptors from the software head up to the tail,
// invoking emit for each fully assembled packet (after GSO
// segmentation, if a preceding TSE context descriptor applies), and
// returns the number of descriptors consumed.
func (r *TxRing) Drain(emit func(packet []byte)) (int, error) {
	if r.Count == 0 {
		return 0, fmt.Errorf("e1000: TX ring has zero descriptors")
	}

	processed := 0
	var frame []byte

	for r.headIdx != r.tailIdx {
		raw, err := r.Bus.Fetch(r.descAddr(r.headIdx), descriptorSize)
		if err != nil || len(raw) < descriptorSize {
			return processed, fmt.Errorf("e1000: short TX descriptor read at index %d", r.headIdx)
		}

		// byte 11 is the type/command selector in both formats: bit 5
		// (DEXT) selects the advanced format, whose low nibble then
		// carries DTYP (0=context, 1=data).
		if raw[11]&txCmdDEXT != 0 {
			if raw[11]&0xf == 0 {
				ctx := parseTxContext(raw)
				r.lastCtx = &ctx
			} else {
				d := parseTxData(raw)
				chunk, err := r.Bus.Fetch(d.BufferAddr, int(d.Length))
				if err != nil {
					return processed, err
				}
				frame = append(frame, chunk...)

				if d.CMD&txCmdEOP != 0 {
					if r.lastCtx != nil && r.lastCtx.TSE {
						for _, seg := range segmentTSO(frame, *r.lastCtx) {
							r.emitPaced(seg, emit)
						}
					} else {
						r.emitPaced(frame, emit)
					}
					frame = nil
				}

				if d.CMD&txCmdRS != 0 {
					r.Bus.WriteU8(r.descAddr(r.headIdx)+13, d.Status|txStatusDD)
				}
			}
		} else {
			d := parseTxLegacy(raw)
			chunk, err := r.Bus.Fetch(d.BufferAddr, int(d.Length))
			if err != nil {
				return processed, err
			}
			frame = append(frame, chunk...)

			if d.CMD&txCmdEOP != 0 {
				if d.CMD&txCmdIC != 0 {
					insertChecksum(frame, int(d.CSS), int(d.CSO))
				}
				r.emitPaced(frame, emit)
				frame = nil
			}

			if d.CMD&txCmdRS != 0 {
				r.Bus.WriteU8(r.descAddr(r.headIdx)+12, d.Status|txStatusDD)
			}
		}

		r.headIdx = (r.headIdx + 1) % r.Count
		processed++
	}

	return processed, nil
}

// emitPaced hands a fully assembled packet to the host uplink, blocking
// on HostPacer if one is configured. This wait is real wall-clock time:
// it throttles how fast bytes reach the host NIC queue, not anything
// the guest can observe, so it does not enter the deterministic replay
// contract.
func (r *TxRing) emitPaced(packet []byte, emit func([]byte)) {
	if r.HostPacer != nil {
		_ = r.HostPacer.WaitN(context.Background(), len(packet))
	}
	emit(packet)
}

// insertChecksum implements TX checksum offload (NEEDS_CSUM): a 1's
// complement checksum over [cssStart, end) deposited at cssStart+csoOffset.
func insertChecksum(packet []byte, cssStart int, csoOffset int) {
	if cssStart < 0 || cssStart >= len(packet) {
		return
	}

	sum := ipChecksum(packet[cssStart:])

	pos := cssStart + csoOffset
	if pos+2 > len(packet) {
		return
	}
	binary.LittleEndian.PutUint16(packet[pos:pos+2], sum)
}

// RxDescriptor is a 16-byte legacy receive descriptor.
type RxDescriptor struct {
	BufferAddr uint64
	Length     uint16
	Status     uint8
}

// RxRing walks the guest's receive descriptor ring, writing received
// frames into guest-supplied buffers.
type RxRing struct {
	Bus     *membus.Bus
	Base    uint64
	Count   uint32
	headIdx uint32
}

func (r *RxRing) descAddr(idx uint32) uint64 {
	return r.Base + uint64(idx)*descriptorSize
}

// Deliver places one received frame into the next free descriptor's
// buffer and marks it done, returning false if the ring has no free
// descriptors (software head has caught up to a full ring).
func (r *RxRing) Deliver(frame []byte) (bool, error) {
	if r.Count == 0 {
		return false, fmt.Errorf("e1000: RX ring has zero descriptors")
	}

	addr := r.descAddr(r.headIdx)
	raw, err := r.Bus.Fetch(addr, descriptorSize)
	if err != nil || len(raw) < descriptorSize {
		return false, fmt.Errorf("e1000: short RX descriptor read at index %d", r.headIdx)
	}

	if raw[12]&rxStatusDD != 0 {
		return false, nil // descriptor still owned by software
	}

	bufAddr := binary.LittleEndian.Uint64(raw[0:8])
	if err := r.Bus.WritePhysical(bufAddr, frame); err != nil {
		return false, err
	}

	binary.LittleEndian.PutUint16(raw[8:10], uint16(len(frame)))
	raw[12] = rxStatusDD | rxStatusEOP
	if err := r.Bus.WritePhysical(addr, raw); err != nil {
		return false, err
	}

	r.headIdx = (r.headIdx + 1) % r.Count
	return true, nil
}
