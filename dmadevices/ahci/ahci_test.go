// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/sandboxvm/x86core/membus"
)

func putCommandHeader(bus *membus.Bus, addr uint64, write bool, prdtLen uint16, tableAddr uint64) {
	var raw [32]byte
	var flags uint16 = 5 // CFL=5
	if write {
		flags |= 1 << 6
	}
	binary.LittleEndian.PutUint16(raw[0:2], flags)
	binary.LittleEndian.PutUint16(raw[2:4], prdtLen)
	binary.LittleEndian.PutUint64(raw[8:16], tableAddr)
	bus.WritePhysical(addr, raw[:])
}

func putPRDTEntry(bus *membus.Bus, addr uint64, dataAddr uint64, byteCount uint32) {
	var raw [16]byte
	binary.LittleEndian.PutUint64(raw[0:8], dataAddr)
	binary.LittleEndian.PutUint32(raw[12:16], byteCount-1)
	bus.WritePhysical(addr, raw[:])
}

func TestIssueCommandWrite(t *testing.T) {
	bus := membus.New(1 << 20)
	storage := make([]byte, 4096)
	port := &Port{Bus: bus, CommandListBase: 0x1000, Storage: storage}

	const tableAddr = 0x2000
	const prdtBase = tableAddr + prdtOffset

	data := bytes.Repeat([]byte{0xAB}, 512)
	bus.WritePhysical(0x5000, data)

	putPRDTEntry(bus, prdtBase, 0x5000, 512)
	putCommandHeader(bus, port.headerAddr(0), true, 1, tableAddr)

	port.CI = 1 << 0
	if err := port.IssueCommand(0, 0, 1); err != nil {
		t.Fatalf("IssueCommand: %v", err)
	}

	if !bytes.Equal(storage[:512], data) {
		t.Fatal("storage should contain the written data after a WRITE command")
	}
	if port.CI&1 != 0 {
		t.Error("CI bit should clear after completion")
	}
	if port.InterruptStatus&ISDHRS == 0 {
		t.Error("DHRS should be set after completion")
	}
}

func TestIssueCommandReadMultiplePRDT(t *testing.T) {
	bus := membus.New(1 << 20)
	storage := bytes.Repeat([]byte{0x11}, 256)
	storage = append(storage, bytes.Repeat([]byte{0x22}, 256)...)
	port := &Port{Bus: bus, CommandListBase: 0x1000, Storage: storage}

	const tableAddr = 0x2000
	const prdtBase = tableAddr + prdtOffset

	putPRDTEntry(bus, prdtBase, 0x6000, 256)
	putPRDTEntry(bus, prdtBase+16, 0x6100, 256)
	putCommandHeader(bus, port.headerAddr(1), false, 2, tableAddr)

	port.CI = 1 << 1
	if err := port.IssueCommand(1, 0, 1); err != nil {
		t.Fatalf("IssueCommand: %v", err)
	}

	got := make([]byte, 512)
	bus.ReadPhysical(0x6000, got)
	if !bytes.Equal(got, storage) {
		t.Fatal("scattered destination buffers should reassemble to the stored sector")
	}
}

func TestIssueCommandRequiresCI(t *testing.T) {
	bus := membus.New(1 << 16)
	port := &Port{Bus: bus, Storage: make([]byte, 512)}

	if err := port.IssueCommand(0, 0, 1); err == nil {
		t.Fatal("expected an error when CI is not set for the slot")
	}
}
