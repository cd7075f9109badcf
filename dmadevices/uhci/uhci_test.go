// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uhci

import (
	"encoding/binary"
	"testing"

	"github.com/sandboxvm/x86core/membus"
)

type echoDevice struct {
	lastPID      uint8
	lastEndpoint uint8
	lastBuf      []byte
}

func (d *echoDevice) Transfer(pid uint8, endpoint uint8, buf []byte) (int, bool) {
	d.lastPID, d.lastEndpoint = pid, endpoint
	d.lastBuf = append([]byte{}, buf...)
	if pid == PIDIn {
		copy(buf, []byte{0xaa, 0xbb, 0xcc})
		return 3, false
	}
	return len(buf), false
}

func putLink(bus *membus.Bus, addr uint64, target uint32, qh bool, terminate bool) {
	v := target
	if qh {
		v |= linkQH
	}
	if terminate {
		v |= linkTerminate
	}
	bus.WriteU32(addr, v)
}

func putTD(bus *membus.Bus, addr uint32, link linkPointer, pid uint8, devAddr uint8, endpoint uint8, maxLen int, bufAddr uint32) {
	var raw [16]byte
	binary.LittleEndian.PutUint32(raw[0:4], uint32(link))
	binary.LittleEndian.PutUint32(raw[4:8], tdStatusActive)

	token := uint32(pid) | uint32(devAddr)<<8 | uint32(endpoint)<<15 | uint32(maxLen-1)<<21
	binary.LittleEndian.PutUint32(raw[8:12], token)
	binary.LittleEndian.PutUint32(raw[12:16], bufAddr)

	bus.WritePhysical(uint64(addr), raw[:])
}

func TestWalkFrameDispatchesOut(t *testing.T) {
	bus := membus.New(1 << 20)
	dev := &echoDevice{}
	ctrl := &Controller{Bus: bus, Devices: map[uint8]Device{1: dev}}

	const frameListBase = 0x1000
	const tdAddr = 0x2000
	const bufAddr = 0x3000

	bus.WritePhysical(bufAddr, []byte{1, 2, 3})
	putTD(bus, tdAddr, linkPointer(linkTerminate), PIDOut, 1, 0, 3, bufAddr)
	putLink(bus, frameListBase, tdAddr, false, false)

	stats := ctrl.WalkFrame(frameListBase, 0)

	if stats.MalformedFrame {
		t.Fatal("frame should not be malformed")
	}
	if stats.ProcessedTDs != 1 {
		t.Fatalf("ProcessedTDs = %d, want 1", stats.ProcessedTDs)
	}
	if dev.lastPID != PIDOut || len(dev.lastBuf) != 3 {
		t.Fatalf("device saw pid=%#x buf=%v", dev.lastPID, dev.lastBuf)
	}

	status, err := bus.ReadU32(uint64(tdAddr) + 4)
	if err != nil {
		t.Fatal(err)
	}
	if status&tdStatusActive != 0 {
		t.Error("TD should be inactive after processing")
	}
	if status&0x7ff != 3 {
		t.Errorf("actual length = %d, want 3", status&0x7ff)
	}
}

func TestWalkFrameThroughQueueHead(t *testing.T) {
	bus := membus.New(1 << 20)
	dev := &echoDevice{}
	ctrl := &Controller{Bus: bus, Devices: map[uint8]Device{2: dev}}

	const frameListBase = 0x1000
	const qhAddr = 0x1800
	const tdAddr = 0x2000
	const bufAddr = 0x3000

	putTD(bus, tdAddr, linkPointer(linkTerminate), PIDIn, 2, 0, 8, bufAddr)
	putLink(bus, uint64(qhAddr), tdAddr, false, false) // QH element -> TD
	putLink(bus, uint64(qhAddr)+4, 0, false, true)     // QH horizontal -> terminate
	putLink(bus, frameListBase, qhAddr, true, false)   // frame -> QH

	stats := ctrl.WalkFrame(frameListBase, 0)

	if stats.ProcessedTDs != 1 {
		t.Fatalf("ProcessedTDs = %d, want 1", stats.ProcessedTDs)
	}

	got := make([]byte, 3)
	bus.ReadPhysical(bufAddr, got)
	if got[0] != 0xaa || got[1] != 0xbb || got[2] != 0xcc {
		t.Fatalf("buffer = %x, want aabbcc", got)
	}
}

func TestWalkFrameCycleIsBounded(t *testing.T) {
	bus := membus.New(1 << 20)
	ctrl := &Controller{Bus: bus, Devices: map[uint8]Device{}}

	const frameListBase = 0x1000
	const tdAddr = 0x2000

	// TD whose link points back at itself — a cycle.
	putTD(bus, tdAddr, linkPointer(tdAddr), PIDOut, 9, 0, 1, 0)
	putLink(bus, frameListBase, tdAddr, false, false)

	stats := ctrl.WalkFrame(frameListBase, 0)

	if !stats.MalformedFrame {
		t.Fatal("cyclic schedule should be reported as malformed")
	}
}

func TestWalkFrameHostSystemErrorOnOverflow(t *testing.T) {
	bus := membus.New(1 << 16)
	ctrl := &Controller{Bus: bus, Devices: map[uint8]Device{}}

	stats := ctrl.WalkFrame(0xfffffff0, 100)

	if !stats.HostSystemError {
		t.Fatal("frame-list pointer overflow should set HostSystemError")
	}
}
