// Outer snapshot container: magic, version, named sections
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package snapshot

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies a snapshot blob; FormatVersion is the container format
// revision (independent of any per-device Version).
const (
	Magic        uint32 = 0x30584d53 // "SMX0"
	FormatVersion uint32 = 1
)

// Well-known section ids. A snapshot need not carry every section.
const (
	SectionCPU      uint32 = 0x43505530 // "CPU0"
	SectionMemory   uint32 = 0x4d454d30 // "MEM0"
	SectionDevices  uint32 = 0x44455630 // "DEV0"
	SectionPlatform uint32 = 0x504c5430 // "PLT0"
)

// Builder assembles a snapshot's sections in the order they are added.
// Section ordering does not affect the round-trip invariant: a container
// written from a given device-serialization order and reparsed, then
// rewritten by iterating devices in the same order, produces a
// byte-identical blob.
type Builder struct {
	sections []section
}

type section struct {
	id   uint32
	body []byte
}

// NewBuilder returns an empty container builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddSection appends one section's raw body under the given id. Calling
// AddSection twice with the same id produces two sections; readers see
// only the first match via Section, and Container has no accessor for
// later duplicates.
func (b *Builder) AddSection(id uint32, body []byte) {
	b.sections = append(b.sections, section{id: id, body: body})
}

// AddDevices is a convenience wrapper building a Devices section from a
// list of already-Finish()ed device entries (e.g. from FieldWriter), in
// the order given. Callers that need determinism across runs must supply
// entries in a stable order (sorted by device id) themselves.
func (b *Builder) AddDevices(entries [][]byte) {
	var body []byte
	for _, e := range entries {
		body = append(body, e...)
	}
	b.AddSection(SectionDevices, body)
}

// Finish serializes the container: {magic, version, section_count},
// followed by a directory of {id, offset, length} and then the
// concatenated section bodies.
func (b *Builder) Finish() []byte {
	const dirEntrySize = 4 + 8 + 8

	hdr := make([]byte, 0, 12+len(b.sections)*dirEntrySize)
	hdr = binary.LittleEndian.AppendUint32(hdr, Magic)
	hdr = binary.LittleEndian.AppendUint32(hdr, FormatVersion)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(b.sections)))

	dirLen := len(b.sections) * dirEntrySize
	bodyOff := uint64(len(hdr) + dirLen)

	var dir, bodies []byte
	for _, s := range b.sections {
		dir = binary.LittleEndian.AppendUint32(dir, s.id)
		dir = binary.LittleEndian.AppendUint64(dir, bodyOff)
		dir = binary.LittleEndian.AppendUint64(dir, uint64(len(s.body)))
		bodies = append(bodies, s.body...)
		bodyOff += uint64(len(s.body))
	}

	out := append(hdr, dir...)
	out = append(out, bodies...)
	return out
}

// Container is a parsed snapshot blob.
type Container struct {
	version  uint32
	sections []section
}

// Parse validates the header and section directory of a snapshot blob.
// Section bodies are not copied; Section returns subslices of b. A
// sealed envelope is rejected with ErrSealedBlob.
func Parse(b []byte) (*Container, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("snapshot: truncated container header")
	}

	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic == sealMagic {
		return nil, ErrSealedBlob
	}
	if magic != Magic {
		return nil, fmt.Errorf("snapshot: bad magic %#x", magic)
	}

	c := &Container{version: binary.LittleEndian.Uint32(b[4:8])}
	count := binary.LittleEndian.Uint32(b[8:12])

	const dirEntrySize = 4 + 8 + 8
	off := 12
	for i := uint32(0); i < count; i++ {
		if len(b)-off < dirEntrySize {
			return nil, fmt.Errorf("snapshot: truncated section directory entry %d", i)
		}
		id := binary.LittleEndian.Uint32(b[off : off+4])
		bodyOff := binary.LittleEndian.Uint64(b[off+4 : off+12])
		bodyLen := binary.LittleEndian.Uint64(b[off+12 : off+20])
		off += dirEntrySize

		if bodyOff+bodyLen > uint64(len(b)) {
			return nil, fmt.Errorf("snapshot: section %d body out of range", i)
		}

		c.sections = append(c.sections, section{id: id, body: b[bodyOff : bodyOff+bodyLen]})
	}

	return c, nil
}

// Version returns the container format version.
func (c *Container) Version() uint32 { return c.version }

// Section returns the first section body matching id.
func (c *Container) Section(id uint32) ([]byte, bool) {
	for _, s := range c.sections {
		if s.id == id {
			return s.body, true
		}
	}
	return nil, false
}

// Devices parses the Devices section (if present) into one FieldReader
// per device entry, in on-disk order.
func (c *Container) Devices() ([]*FieldReader, error) {
	body, ok := c.Section(SectionDevices)
	if !ok {
		return nil, nil
	}

	var out []*FieldReader
	off := 0
	for off < len(body) {
		r, n, err := ParseFieldReader(body[off:])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		off += n
	}
	return out, nil
}
