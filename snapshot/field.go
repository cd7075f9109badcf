// Self-describing per-device field TLV
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package snapshot implements the deterministic, self-describing snapshot
// format: an outer container of named sections, a Devices section of
// per-device entries each carrying a fourcc id and {major, minor} version,
// and within each device a tag-prefixed field list so readers can look up
// fields by tag and tolerate forward-compatible additions.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is a device payload's {major, minor} schema version.
type Version struct {
	Major, Minor uint16
}

// ErrVersionMismatch is returned by EnsureDeviceMajor.
var ErrVersionMismatch = errors.New("snapshot: device major version mismatch")

// FieldWriter accumulates {tag, length, bytes} fields for one device's
// payload. Fields may be written in any order.
type FieldWriter struct {
	deviceID [4]byte
	version  Version
	fields   []byte
}

// NewFieldWriter starts a new device payload under the given fourcc id and
// version.
func NewFieldWriter(deviceID [4]byte, version Version) *FieldWriter {
	return &FieldWriter{deviceID: deviceID, version: version}
}

func (w *FieldWriter) appendField(tag uint16, b []byte) {
	var hdr [6]byte
	binary.LittleEndian.PutUint16(hdr[0:2], tag)
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(len(b)))
	w.fields = append(w.fields, hdr[:]...)
	w.fields = append(w.fields, b...)
}

func (w *FieldWriter) FieldU8(tag uint16, v uint8) {
	w.appendField(tag, []byte{v})
}

func (w *FieldWriter) FieldBool(tag uint16, v bool) {
	var b byte
	if v {
		b = 1
	}
	w.appendField(tag, []byte{b})
}

func (w *FieldWriter) FieldU16(tag uint16, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.appendField(tag, b[:])
}

func (w *FieldWriter) FieldU32(tag uint16, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.appendField(tag, b[:])
}

func (w *FieldWriter) FieldU64(tag uint16, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.appendField(tag, b[:])
}

func (w *FieldWriter) FieldBytes(tag uint16, v []byte) {
	w.appendField(tag, v)
}

// Finish serializes {device_id, major, minor, payload_len, payload} as one
// device entry, ready to be embedded in a Devices section.
func (w *FieldWriter) Finish() []byte {
	out := make([]byte, 0, 8+len(w.fields))
	out = append(out, w.deviceID[:]...)
	out = binary.LittleEndian.AppendUint16(out, w.version.Major)
	out = binary.LittleEndian.AppendUint16(out, w.version.Minor)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(w.fields)))
	out = append(out, w.fields...)
	return out
}

// FieldReader parses one device entry and resolves fields by tag.
type FieldReader struct {
	deviceID [4]byte
	version  Version
	fields   map[uint16][]byte
}

// ParseFieldReader parses a device entry previously produced by
// FieldWriter.Finish, returning the reader and the number of bytes
// consumed.
func ParseFieldReader(b []byte) (*FieldReader, int, error) {
	if len(b) < 12 {
		return nil, 0, fmt.Errorf("snapshot: truncated device entry header")
	}

	r := &FieldReader{fields: make(map[uint16][]byte)}
	copy(r.deviceID[:], b[0:4])
	r.version.Major = binary.LittleEndian.Uint16(b[4:6])
	r.version.Minor = binary.LittleEndian.Uint16(b[6:8])
	payloadLen := binary.LittleEndian.Uint32(b[8:12])

	off := 12
	end := off + int(payloadLen)
	if end > len(b) {
		return nil, 0, fmt.Errorf("snapshot: truncated device payload (want %d have %d)", payloadLen, len(b)-off)
	}

	for off < end {
		if end-off < 6 {
			return nil, 0, fmt.Errorf("snapshot: truncated field header")
		}
		tag := binary.LittleEndian.Uint16(b[off : off+2])
		length := binary.LittleEndian.Uint32(b[off+2 : off+6])
		off += 6

		if end-off < int(length) {
			return nil, 0, fmt.Errorf("snapshot: truncated field %d body", tag)
		}

		r.fields[tag] = b[off : off+int(length)]
		off += int(length)
	}

	return r, end, nil
}

func (r *FieldReader) DeviceID() [4]byte { return r.deviceID }
func (r *FieldReader) Version() Version  { return r.version }

// EnsureDeviceMajor fails on a major version mismatch; minor version
// differences are assumed forward/backward compatible.
func (r *FieldReader) EnsureDeviceMajor(expected uint16) error {
	if r.version.Major != expected {
		return fmt.Errorf("%w: have %d want %d", ErrVersionMismatch, r.version.Major, expected)
	}
	return nil
}

func (r *FieldReader) U8(tag uint16) (uint8, bool) {
	b, ok := r.fields[tag]
	if !ok || len(b) < 1 {
		return 0, false
	}
	return b[0], true
}

func (r *FieldReader) Bool(tag uint16) (bool, bool) {
	v, ok := r.U8(tag)
	return v != 0, ok
}

func (r *FieldReader) U16(tag uint16) (uint16, bool) {
	b, ok := r.fields[tag]
	if !ok || len(b) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (r *FieldReader) U32(tag uint16) (uint32, bool) {
	b, ok := r.fields[tag]
	if !ok || len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (r *FieldReader) U64(tag uint16) (uint64, bool) {
	b, ok := r.fields[tag]
	if !ok || len(b) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func (r *FieldReader) Bytes(tag uint16) ([]byte, bool) {
	b, ok := r.fields[tag]
	return b, ok
}
