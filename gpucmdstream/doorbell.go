// Doorbell/fence submission protocol
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gpucmdstream

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sandboxvm/x86core/membus"
)

const (
	ringHeaderSize    = 28 // {magic, abi_version, size_bytes, entry_count, entry_stride_bytes, head_index, tail_index}
	submissionDescSize = 16 // {cmd_buffer_addr u64, cmd_buffer_size u32, fence_id u32}
)

var (
	ErrRingMagic       = errors.New("gpucmdstream: bad ring magic")
	ErrRingOverflow    = errors.New("gpucmdstream: ring tail-head exceeds entry_count")
	ErrShortRead       = errors.New("gpucmdstream: short descriptor ring read")
)

// RingHeader mirrors a generic DMA ring header as used for the
// submission ring: magic, abi_version, size_bytes, entry_count,
// entry_stride_bytes, head_index, tail_index — all little-endian u32.
type RingHeader struct {
	Magic            uint32
	ABIVersion       uint32
	SizeBytes        uint32
	EntryCount       uint32
	EntryStrideBytes uint32
	HeadIndex        uint32
	TailIndex        uint32
}

func parseRingHeader(raw []byte) (RingHeader, error) {
	if len(raw) < ringHeaderSize {
		return RingHeader{}, ErrShortRead
	}
	h := RingHeader{
		Magic:            binary.LittleEndian.Uint32(raw[0:4]),
		ABIVersion:       binary.LittleEndian.Uint32(raw[4:8]),
		SizeBytes:        binary.LittleEndian.Uint32(raw[8:12]),
		EntryCount:       binary.LittleEndian.Uint32(raw[12:16]),
		EntryStrideBytes: binary.LittleEndian.Uint32(raw[16:20]),
		HeadIndex:        binary.LittleEndian.Uint32(raw[20:24]),
		TailIndex:        binary.LittleEndian.Uint32(raw[24:28]),
	}
	if h.Magic != StreamMagic {
		return RingHeader{}, ErrRingMagic
	}
	return h, nil
}

// SubmissionDescriptor is one ring-entry: a guest command buffer and
// the fence id its completion should signal.
type SubmissionDescriptor struct {
	CmdBufferAddr uint64
	CmdBufferSize uint32
	FenceID       uint32
}

func parseSubmissionDescriptor(raw []byte) SubmissionDescriptor {
	return SubmissionDescriptor{
		CmdBufferAddr: binary.LittleEndian.Uint64(raw[0:8]),
		CmdBufferSize: binary.LittleEndian.Uint32(raw[8:12]),
		FenceID:       binary.LittleEndian.Uint32(raw[12:16]),
	}
}

// Fence is a queued completion: either due immediately, or paced to
// the next vblank tick because its submission contained a Present
// command with the vsync flag set.
type Fence struct {
	ID          uint32
	VBlankPaced bool
}

// Executor owns one GPU function's submission ring and fence page.
type Executor struct {
	Bus           *membus.Bus
	RingBase      uint64
	FencePageAddr uint64

	// IRQMasked suppresses CompleteFence's interrupt so a late unmask
	// never latches a stale completion.
	IRQMasked bool
	RaiseIRQ  func()

	// EmitTelemetry, if set, receives an encoded CmdStreamEvent at the
	// end of every doorbell pass that walks the ring without a ring or
	// read error (see telemetry.go). Host-facing only; never
	// consulted by Doorbell's own control flow.
	EmitTelemetry func(event []byte)

	malformedDoorbells int
	lastCompleted       uint32
}

// MalformedDoorbells reports how many ring or command-stream violations
// doorbell passes have encountered; one pass can add more than one.
func (e *Executor) MalformedDoorbells() int { return e.malformedDoorbells }

// Doorbell walks the submission ring from head to tail, parsing each
// entry's command buffer and returning the fences it queues. It
// visits at most min(entry_count, tail-head mod entry_count) entries
// and advances the guest-visible head index by the same count.
func (e *Executor) Doorbell() ([]Fence, error) {
	raw, err := e.Bus.Fetch(e.RingBase, ringHeaderSize)
	if err != nil || len(raw) < ringHeaderSize {
		e.malformedDoorbells++
		return nil, ErrShortRead
	}
	header, err := parseRingHeader(raw)
	if err != nil {
		e.malformedDoorbells++
		return nil, err
	}
	if header.EntryCount == 0 {
		return nil, nil
	}

	// head and tail are monotonically increasing counters, not
	// pre-wrapped indices; the entry address wraps modulo entry_count.
	occupied := header.TailIndex - header.HeadIndex
	if occupied > header.EntryCount {
		e.malformedDoorbells++
		return nil, ErrRingOverflow
	}

	entriesBase := e.RingBase + ringHeaderSize
	var fences []Fence

	counter := header.HeadIndex
	for i := uint32(0); i < occupied; i++ {
		idx := counter % header.EntryCount
		descAddr := entriesBase + uint64(idx)*uint64(header.EntryStrideBytes)
		descRaw, err := e.Bus.Fetch(descAddr, submissionDescSize)
		if err != nil || len(descRaw) < submissionDescSize {
			e.malformedDoorbells++
			return fences, fmt.Errorf("%w: submission descriptor %d", ErrShortRead, idx)
		}
		desc := parseSubmissionDescriptor(descRaw)

		cmdBuf, err := e.Bus.Fetch(desc.CmdBufferAddr, int(desc.CmdBufferSize))
		if err != nil {
			e.malformedDoorbells++
			return fences, err
		}

		vsync, err := HasPresentVSync(cmdBuf)
		if err != nil {
			e.malformedDoorbells++
		}

		fences = append(fences, Fence{ID: desc.FenceID, VBlankPaced: vsync})
		counter++
	}

	var headRaw [4]byte
	binary.LittleEndian.PutUint32(headRaw[:], counter)
	if err := e.Bus.WritePhysical(e.RingBase+20, headRaw[:]); err != nil {
		return fences, err
	}

	if e.EmitTelemetry != nil {
		if ev, err := EncodeCmdStreamEvent(len(fences), e.malformedDoorbells); err == nil {
			e.EmitTelemetry(ev)
		}
	}

	return fences, nil
}

// CompleteFence writes a completed fence id into the shared fence
// page and raises the GPU's interrupt line, unless it is masked. A
// monotonic "last completed" counter in the fence page lets the guest
// poll without an interrupt.
func (e *Executor) CompleteFence(f Fence) error {
	if f.ID > e.lastCompleted || e.lastCompleted == 0 {
		e.lastCompleted = f.ID
	}
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], e.lastCompleted)
	if err := e.Bus.WritePhysical(e.FencePageAddr, raw[:]); err != nil {
		return err
	}
	if !e.IRQMasked && e.RaiseIRQ != nil {
		e.RaiseIRQ()
	}
	return nil
}
