// Guest physical memory bus
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package membus implements the byte-addressable guest physical memory bus:
// primitive sized accessors, the instruction-fetch window, port I/O, and the
// atomic read-modify-write primitive that LOCK-prefixed instructions use to
// mutate guest RAM.
package membus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfBounds is returned whenever an access falls outside the
// configured RAM range, or straddles its edge.
var ErrOutOfBounds = errors.New("membus: access out of bounds")

// Port represents a single I/O port address capability. Bus implementations
// are tagged variants dispatched at the port-I/O boundary; dynamic dispatch
// here is acceptable because it is only crossed at IN/OUT instructions.
type Port interface {
	In(size int) uint64
	Out(size int, val uint64)
}

// Bus is the byte-addressable guest physical memory, plus the port I/O
// space that devices register into.
type Bus struct {
	mu   sync.Mutex
	ram  []byte
	ports map[uint16]Port
}

// New allocates a Bus backed by size bytes of guest RAM.
func New(size int) *Bus {
	return &Bus{
		ram:   make([]byte, size),
		ports: make(map[uint16]Port),
	}
}

// Size returns the configured RAM size in bytes.
func (b *Bus) Size() int {
	return len(b.ram)
}

// RegisterPort binds a Port capability at the given port address.
func (b *Bus) RegisterPort(port uint16, p Port) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ports[port] = p
}

func (b *Bus) bounds(addr uint64, n int) error {
	if n < 0 || addr > uint64(len(b.ram)) || uint64(len(b.ram))-addr < uint64(n) {
		return fmt.Errorf("%w: addr=%#x len=%d size=%d", ErrOutOfBounds, addr, n, len(b.ram))
	}
	return nil
}

// ReadPhysical copies len(dst) bytes starting at addr into dst.
func (b *Bus) ReadPhysical(addr uint64, dst []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.bounds(addr, len(dst)); err != nil {
		return err
	}

	copy(dst, b.ram[addr:addr+uint64(len(dst))])
	return nil
}

// WritePhysical copies src into guest RAM starting at addr.
func (b *Bus) WritePhysical(addr uint64, src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.bounds(addr, len(src)); err != nil {
		return err
	}

	copy(b.ram[addr:addr+uint64(len(src))], src)
	return nil
}

func (b *Bus) readLocked(addr uint64, n int) (uint64, error) {
	if err := b.bounds(addr, n); err != nil {
		return 0, err
	}

	buf := b.ram[addr : addr+uint64(n)]

	switch n {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("membus: unsupported access width %d", n)
	}
}

func (b *Bus) writeLocked(addr uint64, n int, val uint64) error {
	if err := b.bounds(addr, n); err != nil {
		return err
	}

	buf := b.ram[addr : addr+uint64(n)]

	switch n {
	case 1:
		buf[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(buf, val)
	default:
		return fmt.Errorf("membus: unsupported access width %d", n)
	}

	return nil
}

// ReadU8/16/32/64 read an unsigned integer of the given width at addr.
func (b *Bus) ReadU8(addr uint64) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, err := b.readLocked(addr, 1)
	return uint8(v), err
}

func (b *Bus) ReadU16(addr uint64) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, err := b.readLocked(addr, 2)
	return uint16(v), err
}

func (b *Bus) ReadU32(addr uint64) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, err := b.readLocked(addr, 4)
	return uint32(v), err
}

func (b *Bus) ReadU64(addr uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(addr, 8)
}

// ReadU128 reads a 128-bit value as two little-endian 64-bit halves
// (lo, hi), as required by CMPXCHG16B.
func (b *Bus) ReadU128(addr uint64) (lo uint64, hi uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lo, err = b.readLocked(addr, 8); err != nil {
		return
	}

	hi, err = b.readLocked(addr+8, 8)
	return
}

func (b *Bus) WriteU8(addr uint64, v uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(addr, 1, uint64(v))
}

func (b *Bus) WriteU16(addr uint64, v uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(addr, 2, uint64(v))
}

func (b *Bus) WriteU32(addr uint64, v uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(addr, 4, uint64(v))
}

func (b *Bus) WriteU64(addr uint64, v uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(addr, 8, v)
}

func (b *Bus) WriteU128(addr uint64, lo, hi uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.writeLocked(addr, 8, lo); err != nil {
		return err
	}

	return b.writeLocked(addr+8, 8, hi)
}

// Bytes returns the raw backing RAM slice for whole-memory snapshot
// save/restore. Callers must not retain it across concurrent bus
// access — it bypasses the normal per-access locking.
func (b *Bus) Bytes() []byte {
	return b.ram
}

// Fetch returns an up-to-maxLen byte window for instruction decode, starting
// at the already-translated physical address. The returned slice may be
// shorter than maxLen if RAM ends first; it is never out of bounds.
func (b *Bus) Fetch(paddr uint64, maxLen int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if paddr > uint64(len(b.ram)) {
		return nil, ErrOutOfBounds
	}

	end := paddr + uint64(maxLen)
	if end > uint64(len(b.ram)) {
		end = uint64(len(b.ram))
	}

	win := make([]byte, end-paddr)
	copy(win, b.ram[paddr:end])
	return win, nil
}

// IORead dispatches a port-I/O read of the given size (1, 2 or 4 bytes) to
// the registered Port capability, returning all-ones of the access width for
// unmapped ports.
func (b *Bus) IORead(port uint16, size int) uint64 {
	b.mu.Lock()
	p := b.ports[port]
	b.mu.Unlock()

	if p == nil {
		return 0xffffffffffffffff >> (64 - size*8)
	}

	return p.In(size)
}

// IOWrite dispatches a port-I/O write, discarding it silently if the port
// is unmapped (matching real hardware bus behavior for unclaimed ranges).
func (b *Bus) IOWrite(port uint16, size int, val uint64) {
	b.mu.Lock()
	p := b.ports[port]
	b.mu.Unlock()

	if p == nil {
		return
	}

	p.Out(size, val)
}

// AtomicRMW8/16/32/64 execute f on the current memory value at addr and
// store the returned value back as an indivisible unit from the
// perspective of concurrent observers. Since this implementation models a
// single-threaded executor, the bus lock itself supplies the exclusion a
// true multi-core host would need a compare-exchange loop for.
func AtomicRMW8[R any](b *Bus, addr uint64, f func(uint8) (uint8, R)) (R, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero R

	old, err := b.readLocked(addr, 1)
	if err != nil {
		return zero, err
	}

	newVal, ret := f(uint8(old))

	if err := b.writeLocked(addr, 1, uint64(newVal)); err != nil {
		return zero, err
	}

	return ret, nil
}

func AtomicRMW16[R any](b *Bus, addr uint64, f func(uint16) (uint16, R)) (R, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero R

	old, err := b.readLocked(addr, 2)
	if err != nil {
		return zero, err
	}

	newVal, ret := f(uint16(old))

	if err := b.writeLocked(addr, 2, uint64(newVal)); err != nil {
		return zero, err
	}

	return ret, nil
}

func AtomicRMW32[R any](b *Bus, addr uint64, f func(uint32) (uint32, R)) (R, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero R

	old, err := b.readLocked(addr, 4)
	if err != nil {
		return zero, err
	}

	newVal, ret := f(uint32(old))

	if err := b.writeLocked(addr, 4, uint64(newVal)); err != nil {
		return zero, err
	}

	return ret, nil
}

func AtomicRMW64[R any](b *Bus, addr uint64, f func(uint64) (uint64, R)) (R, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero R

	old, err := b.readLocked(addr, 8)
	if err != nil {
		return zero, err
	}

	newVal, ret := f(old)

	if err := b.writeLocked(addr, 8, newVal); err != nil {
		return zero, err
	}

	return ret, nil
}

// AtomicRMW128 backs CMPXCHG16B: f receives the current 128-bit value as
// (lo, hi) and must return the replacement (lo, hi) plus a caller-defined
// result.
func AtomicRMW128[R any](b *Bus, addr uint64, f func(lo, hi uint64) (newLo, newHi uint64, ret R)) (R, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero R

	lo, err := b.readLocked(addr, 8)
	if err != nil {
		return zero, err
	}

	hi, err := b.readLocked(addr+8, 8)
	if err != nil {
		return zero, err
	}

	newLo, newHi, ret := f(lo, hi)

	if err := b.writeLocked(addr, 8, newLo); err != nil {
		return zero, err
	}

	if err := b.writeLocked(addr+8, 8, newHi); err != nil {
		return zero, err
	}

	return ret, nil
}
