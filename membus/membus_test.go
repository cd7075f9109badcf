// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package membus

import "testing"

func TestReadWriteSizedAccessors(t *testing.T) {
	b := New(4096)

	if err := b.WriteU8(0x10, 0x42); err != nil {
		t.Fatal(err)
	}
	if v, err := b.ReadU8(0x10); err != nil || v != 0x42 {
		t.Fatalf("ReadU8 = %#x, %v; want 0x42, nil", v, err)
	}

	if err := b.WriteU32(0x20, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if v, err := b.ReadU32(0x20); err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadU32 = %#x, %v; want 0xdeadbeef, nil", v, err)
	}

	if err := b.WriteU64(0x30, 0x0102030405060708); err != nil {
		t.Fatal(err)
	}
	if v, err := b.ReadU64(0x30); err != nil || v != 0x0102030405060708 {
		t.Fatalf("ReadU64 = %#x, %v; want 0x0102030405060708, nil", v, err)
	}
}

func TestReadU128WriteU128(t *testing.T) {
	b := New(4096)
	if err := b.WriteU128(0x40, 0x1111111111111111, 0x2222222222222222); err != nil {
		t.Fatal(err)
	}
	lo, hi, err := b.ReadU128(0x40)
	if err != nil {
		t.Fatal(err)
	}
	if lo != 0x1111111111111111 || hi != 0x2222222222222222 {
		t.Fatalf("ReadU128 = (%#x, %#x), want (0x1111..., 0x2222...)", lo, hi)
	}
}

func TestOutOfBoundsAccess(t *testing.T) {
	b := New(16)
	if _, err := b.ReadU64(12); err == nil {
		t.Fatal("expected an out-of-bounds error straddling the end of RAM")
	}
	if err := b.WritePhysical(16, []byte{1}); err == nil {
		t.Fatal("expected an out-of-bounds error at exactly the RAM boundary")
	}
}

func TestFetchClampsToRAMEnd(t *testing.T) {
	b := New(16)
	win, err := b.Fetch(10, 15)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(win) != 6 {
		t.Fatalf("len(window) = %d, want 6 (clamped to RAM end)", len(win))
	}
}

func TestPortIORoundTrip(t *testing.T) {
	b := New(16)
	var last uint64
	b.RegisterPort(0x3f8, fakePort{out: func(size int, v uint64) { last = v }, in: func(size int) uint64 { return 0x55 }})

	b.IOWrite(0x3f8, 1, 0xab)
	if last != 0xab {
		t.Fatalf("port out captured %#x, want 0xab", last)
	}
	if v := b.IORead(0x3f8, 1); v != 0x55 {
		t.Fatalf("port in = %#x, want 0x55", v)
	}
}

func TestIOUnmappedPortReadsAllOnes(t *testing.T) {
	b := New(16)
	if v := b.IORead(0x9999, 1); v != 0xff {
		t.Fatalf("unmapped port read = %#x, want 0xff", v)
	}
}

type fakePort struct {
	out func(size int, v uint64)
	in  func(size int) uint64
}

func (p fakePort) Out(size int, v uint64) { p.out(size, v) }
func (p fakePort) In(size int) uint64      { return p.in(size) }

func TestAtomicRMW32(t *testing.T) {
	b := New(16)
	b.WriteU32(0, 10)

	old, err := AtomicRMW32(b, 0, func(v uint32) (uint32, uint32) {
		return v + 5, v
	})
	if err != nil {
		t.Fatal(err)
	}
	if old != 10 {
		t.Fatalf("returned old value %d, want 10", old)
	}
	got, _ := b.ReadU32(0)
	if got != 15 {
		t.Fatalf("memory after RMW = %d, want 15", got)
	}
}

func TestAtomicRMW128(t *testing.T) {
	b := New(32)
	b.WriteU128(0, 1, 2)

	_, err := AtomicRMW128(b, 0, func(lo, hi uint64) (uint64, uint64, struct{}) {
		return lo + 1, hi + 1, struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	lo, hi, _ := b.ReadU128(0)
	if lo != 2 || hi != 3 {
		t.Fatalf("ReadU128 after RMW = (%d, %d), want (2, 3)", lo, hi)
	}
}

func TestBytesReflectsWrites(t *testing.T) {
	b := New(16)
	b.WriteU8(5, 0x7a)
	if b.Bytes()[5] != 0x7a {
		t.Fatalf("Bytes()[5] = %#x, want 0x7a", b.Bytes()[5])
	}
}
