// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nvme

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/sandboxvm/x86core/membus"
)

func putSGLDescriptor(bus *membus.Bus, addr uint64, kind uint8, length uint32, dataAddr uint64) {
	var raw [16]byte
	binary.LittleEndian.PutUint64(raw[0:8], dataAddr)
	binary.LittleEndian.PutUint32(raw[8:12], length)
	raw[15] = kind
	bus.WritePhysical(addr, raw[:])
}

func buildSubmissionEntry(opcode uint8, psdt uint8, cid uint16, lba uint64, blocks uint32, prp1, prp2 uint64) []byte {
	b := make([]byte, 64)
	b[0] = opcode
	b[1] = psdt << 6
	binary.LittleEndian.PutUint16(b[2:4], cid)
	binary.LittleEndian.PutUint64(b[24:32], prp1)
	binary.LittleEndian.PutUint64(b[32:40], prp2)
	binary.LittleEndian.PutUint32(b[40:44], uint32(lba))
	binary.LittleEndian.PutUint32(b[44:48], uint32(lba>>32))
	binary.LittleEndian.PutUint32(b[48:52], blocks-1)
	return b
}

// A 512-byte payload split across two data buffers, addressed via a
// two-level SGL segment chain, written then read back through different
// buffers.
func TestSGLChainWriteReadRoundtrip(t *testing.T) {
	bus := membus.New(1 << 20)
	ns := &Namespace{Data: make([]byte, 512)}
	ctrl := &Controller{Bus: bus, NS: ns}

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Write-side SGL: root Segment at 0x70000 containing two
	// descriptors: a Data Block (200 bytes @ 0x60000) and a Last
	// Segment pointing at a second Segment (at 0x71000) whose one
	// descriptor is a Data Block (312 bytes @ 0x61000).
	bus.WritePhysical(0x60000, payload[:200])
	bus.WritePhysical(0x61000, payload[200:512])

	putSGLDescriptor(bus, 0x71000, sglDataBlock, 312, 0x61000)
	putSGLDescriptor(bus, 0x70000, sglDataBlock, 200, 0x60000)
	putSGLDescriptor(bus, 0x70000+16, sglLastSegment, 16, 0x71000)

	writeEntry, _ := ParseSubmissionEntry(buildSubmissionEntry(OpWriteDMAExt, 1, 1, 0, 1, 0x70000, 32|uint64(sglSegment)<<56))
	writeComp := ctrl.Execute(0, 0, writeEntry)
	if writeComp.Status&^1 != StatusSuccess {
		t.Fatalf("write completion status = %#x, want success", writeComp.Status)
	}

	if !bytes.Equal(ns.Data, payload) {
		t.Fatalf("namespace contents after write do not match payload")
	}

	// Read-side SGL: a fresh root Segment reusing the same descriptor
	// shape but targeting two different destination buffers.
	bus.WritePhysical(0x80000, make([]byte, 200))
	bus.WritePhysical(0x81000, make([]byte, 312))

	putSGLDescriptor(bus, 0x91000, sglDataBlock, 312, 0x81000)
	putSGLDescriptor(bus, 0x90000, sglDataBlock, 200, 0x80000)
	putSGLDescriptor(bus, 0x90000+16, sglLastSegment, 16, 0x91000)

	readEntry, _ := ParseSubmissionEntry(buildSubmissionEntry(OpReadDMAExt, 1, 2, 0, 1, 0x90000, 32|uint64(sglSegment)<<56))
	readComp := ctrl.Execute(0, 1, readEntry)
	if readComp.Status&^1 != StatusSuccess {
		t.Fatalf("read completion status = %#x, want success", readComp.Status)
	}

	got := make([]byte, 0, 512)
	first, _ := bus.Fetch(0x80000, 200)
	second, _ := bus.Fetch(0x81000, 312)
	got = append(got, first...)
	got = append(got, second...)

	if !bytes.Equal(got, payload) {
		t.Fatal("reassembled readback does not equal original payload")
	}
}

func TestSGLCycleIsRejected(t *testing.T) {
	bus := membus.New(1 << 20)
	ns := &Namespace{Data: make([]byte, 512)}
	ctrl := &Controller{Bus: bus, NS: ns}

	// Root segment that points back at itself.
	putSGLDescriptor(bus, 0x70000, sglSegment, 16, 0x70000)

	entry, _ := ParseSubmissionEntry(buildSubmissionEntry(OpReadDMAExt, 1, 3, 0, 1, 0x70000, 16|uint64(sglSegment)<<56))
	comp := ctrl.Execute(0, 0, entry)

	if comp.Status == StatusSuccess {
		t.Fatal("cyclic SGL chain should not complete successfully")
	}
}

func TestInvalidOpcode(t *testing.T) {
	bus := membus.New(1 << 16)
	ns := &Namespace{Data: make([]byte, 512)}
	ctrl := &Controller{Bus: bus, NS: ns}

	entry, _ := ParseSubmissionEntry(buildSubmissionEntry(0x7f, 0, 4, 0, 1, 0, 0))
	comp := ctrl.Execute(0, 0, entry)

	if comp.Status != StatusInvalidField {
		t.Fatalf("status = %#x, want StatusInvalidField", comp.Status)
	}
}
