// Host-backed memory mappings for disk images and persisted blobs
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hostio is the narrow seam between the deterministic core and
// the host OS: mapping a disk image file into memory for AHCI/UHCI
// backing storage. Nothing in this
// package participates in emulation determinism — it only supplies bytes
// at start-of-day and persists them back at shutdown or snapshot time,
// backed by mmap'd host files rather than a bare-metal heap allocator.
package hostio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a host file mapped into the process address space, used as
// a DMA device's backing storage (e.g. an AHCI disk image).
type Mapping struct {
	f    *os.File
	data []byte
}

// OpenImage maps an existing disk image file read-write. The file's
// current size becomes the mapping size; use CreateImage to size a new
// image first.
func OpenImage(path string) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostio: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hostio: stat %s: %w", path, err)
	}

	if fi.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("hostio: %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hostio: mmap %s: %w", path, err)
	}

	return &Mapping{f: f, data: data}, nil
}

// CreateImage creates (or truncates) a disk image of the given size and
// maps it read-write.
func CreateImage(path string, size int64) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hostio: create %s: %w", path, err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostio: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hostio: mmap %s: %w", path, err)
	}

	return &Mapping{f: f, data: data}, nil
}

// Bytes returns the mapped region. Writes through this slice are visible
// to the backing file once Sync is called.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Len returns the mapping size in bytes.
func (m *Mapping) Len() int {
	return len(m.data)
}

// Sync flushes dirty pages to the backing file, used at snapshot-save
// time so a restored snapshot's disk contents match what was on disk
// when the snapshot was taken.
func (m *Mapping) Sync() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("hostio: msync: %w", err)
	}
	return nil
}

// Close flushes and unmaps the region and closes the backing file.
func (m *Mapping) Close() error {
	if err := m.Sync(); err != nil {
		return err
	}
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("hostio: munmap: %w", err)
	}
	return m.f.Close()
}
