// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gpucmdstream

import (
	"encoding/binary"
	"testing"

	"github.com/sandboxvm/x86core/membus"
)

func putRingHeader(bus *membus.Bus, base uint64, entryCount, stride, head, tail uint32) {
	var raw [ringHeaderSize]byte
	binary.LittleEndian.PutUint32(raw[0:4], StreamMagic)
	binary.LittleEndian.PutUint32(raw[4:8], 1)
	binary.LittleEndian.PutUint32(raw[8:12], ringHeaderSize+entryCount*stride)
	binary.LittleEndian.PutUint32(raw[12:16], entryCount)
	binary.LittleEndian.PutUint32(raw[16:20], stride)
	binary.LittleEndian.PutUint32(raw[20:24], head)
	binary.LittleEndian.PutUint32(raw[24:28], tail)
	bus.WritePhysical(base, raw[:])
}

func putSubmission(bus *membus.Bus, addr uint64, cmdBufAddr uint64, cmdBufSize uint32, fenceID uint32) {
	var raw [submissionDescSize]byte
	binary.LittleEndian.PutUint64(raw[0:8], cmdBufAddr)
	binary.LittleEndian.PutUint32(raw[8:12], cmdBufSize)
	binary.LittleEndian.PutUint32(raw[12:16], fenceID)
	bus.WritePhysical(addr, raw[:])
}

func putPlainStream(bus *membus.Bus, addr uint64, opcode uint32, payload []byte) uint32 {
	buf := make([]byte, streamHeaderSize)
	buf = appendCommand(buf, opcode, payload)
	putStreamHeader(buf, uint32(len(buf)))
	bus.WritePhysical(addr, buf)
	return uint32(len(buf))
}

func TestDoorbellImmediateFence(t *testing.T) {
	bus := membus.New(1 << 20)
	ex := &Executor{Bus: bus, RingBase: 0x1000, FencePageAddr: 0x9000}

	const ringEntries = 0x1000 + ringHeaderSize
	cmdBufAddr := uint64(0x4000)
	cmdBufSize := putPlainStream(bus, cmdBufAddr, OpDraw, []byte{1, 2, 3, 4})

	putSubmission(bus, ringEntries, cmdBufAddr, cmdBufSize, 42)
	putRingHeader(bus, 0x1000, 4, submissionDescSize, 0, 1)

	fences, err := ex.Doorbell()
	if err != nil {
		t.Fatalf("Doorbell: %v", err)
	}
	if len(fences) != 1 || fences[0].ID != 42 || fences[0].VBlankPaced {
		t.Fatalf("unexpected fences: %+v", fences)
	}

	head, _ := bus.ReadU32(0x1000 + 20)
	if head != 1 {
		t.Errorf("head index = %d, want 1", head)
	}
}

func TestDoorbellVBlankPacedOnPresentVSync(t *testing.T) {
	bus := membus.New(1 << 20)
	ex := &Executor{Bus: bus, RingBase: 0x1000, FencePageAddr: 0x9000}

	const ringEntries = 0x1000 + ringHeaderSize
	cmdBufAddr := uint64(0x4000)
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, presentFlagVSync)
	cmdBufSize := putPlainStream(bus, cmdBufAddr, OpPresent, payload)

	putSubmission(bus, ringEntries, cmdBufAddr, cmdBufSize, 7)
	putRingHeader(bus, 0x1000, 4, submissionDescSize, 0, 1)

	fences, err := ex.Doorbell()
	if err != nil {
		t.Fatalf("Doorbell: %v", err)
	}
	if len(fences) != 1 || !fences[0].VBlankPaced {
		t.Fatalf("expected a vblank-paced fence, got %+v", fences)
	}
}

func TestDoorbellRejectsRingOverflow(t *testing.T) {
	bus := membus.New(1 << 20)
	ex := &Executor{Bus: bus, RingBase: 0x1000, FencePageAddr: 0x9000}

	putRingHeader(bus, 0x1000, 4, submissionDescSize, 0, 10) // tail-head=10 > entry_count=4

	if _, err := ex.Doorbell(); err != ErrRingOverflow {
		t.Fatalf("expected ErrRingOverflow, got %v", err)
	}
	if ex.MalformedDoorbells() != 1 {
		t.Errorf("malformed doorbells = %d, want 1", ex.MalformedDoorbells())
	}
}

func TestCompleteFenceRaisesIRQUnlessMasked(t *testing.T) {
	bus := membus.New(1 << 16)
	raised := false
	ex := &Executor{Bus: bus, FencePageAddr: 0x500, RaiseIRQ: func() { raised = true }}

	if err := ex.CompleteFence(Fence{ID: 3}); err != nil {
		t.Fatalf("CompleteFence: %v", err)
	}
	if !raised {
		t.Error("expected IRQ to be raised when unmasked")
	}

	got, _ := bus.ReadU32(0x500)
	if got != 3 {
		t.Errorf("fence page = %d, want 3", got)
	}

	raised = false
	ex.IRQMasked = true
	if err := ex.CompleteFence(Fence{ID: 4}); err != nil {
		t.Fatalf("CompleteFence: %v", err)
	}
	if raised {
		t.Error("expected IRQ to stay suppressed while masked")
	}
}

func TestDoorbellEmitsTelemetry(t *testing.T) {
	bus := membus.New(1 << 20)
	var captured []byte
	ex := &Executor{
		Bus:           bus,
		RingBase:      0x1000,
		FencePageAddr: 0x9000,
		EmitTelemetry: func(event []byte) { captured = event },
	}

	const ringEntries = 0x1000 + ringHeaderSize
	cmdBufAddr := uint64(0x4000)
	cmdBufSize := putPlainStream(bus, cmdBufAddr, OpNop, nil)
	putSubmission(bus, ringEntries, cmdBufAddr, cmdBufSize, 1)
	putRingHeader(bus, 0x1000, 4, submissionDescSize, 0, 1)

	if _, err := ex.Doorbell(); err != nil {
		t.Fatalf("Doorbell: %v", err)
	}
	if len(captured) == 0 {
		t.Error("expected a telemetry event to be emitted")
	}
}
