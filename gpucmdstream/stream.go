// Bounded GPU command-stream parser
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package gpucmdstream implements the AeroGPU executor's protocol
// contract: a bounded, length-prefixed command-stream parser and the
// doorbell/fence submission protocol that rides on top of it. It knows
// nothing about GPU semantics proper (no DXBC, no WebGPU) — only the
// wire shapes a guest driver and a host executor must agree on.
package gpucmdstream

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StreamMagic identifies a guest-authored command stream.
const StreamMagic uint32 = 0x53444d43 // "CMDS"

const streamHeaderSize = 24

// Present flag bits, carried in a Present command's payload.
const presentFlagVSync = 1 << 0

// Command opcodes this executor understands. An opcode outside this
// set is UnknownOpcode.
const (
	OpNop       uint32 = 0
	OpFence     uint32 = 1
	OpPresent   uint32 = 2
	OpDraw      uint32 = 3
	OpCopyBuffer uint32 = 4
)

var knownOpcodes = map[uint32]bool{
	OpNop:        true,
	OpFence:      true,
	OpPresent:    true,
	OpDraw:       true,
	OpCopyBuffer: true,
}

var (
	ErrTruncatedHeader  = errors.New("gpucmdstream: truncated stream header")
	ErrBadMagic         = errors.New("gpucmdstream: bad stream magic")
	ErrDeclaredOverflow = errors.New("gpucmdstream: declared size overflows the buffer")
	ErrUnknownOpcode    = errors.New("gpucmdstream: unknown command opcode")
	ErrTruncatedPayload = errors.New("gpucmdstream: truncated command payload")
)

// StreamHeader is the 24-byte little-endian header every command
// stream starts with.
type StreamHeader struct {
	Magic      uint32
	ABIVersion uint32
	SizeBytes  uint32
	Flags      uint32
	Reserved0  uint32
	Reserved1  uint32
}

func parseStreamHeader(b []byte) (StreamHeader, error) {
	if len(b) < streamHeaderSize {
		return StreamHeader{}, ErrTruncatedHeader
	}
	h := StreamHeader{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		ABIVersion: binary.LittleEndian.Uint32(b[4:8]),
		SizeBytes:  binary.LittleEndian.Uint32(b[8:12]),
		Flags:      binary.LittleEndian.Uint32(b[12:16]),
		Reserved0:  binary.LittleEndian.Uint32(b[16:20]),
		Reserved1:  binary.LittleEndian.Uint32(b[20:24]),
	}
	if h.Magic != StreamMagic {
		return StreamHeader{}, ErrBadMagic
	}
	if uint64(h.SizeBytes) > uint64(len(b)) {
		return StreamHeader{}, ErrDeclaredOverflow
	}
	return h, nil
}

// CmdPacket is one decoded command: its opcode and payload slice
// (a view into the parser's buffer, not a copy).
type CmdPacket struct {
	Opcode  uint32
	Payload []byte
}

// Parser walks a command stream honoring the header's declared total
// size and each command's declared payload size, never reading past
// either bound.
type Parser struct {
	buf       []byte
	header    StreamHeader
	pos       int
	malformed int
}

// NewParser validates the stream header and returns a Parser
// positioned at the first command.
func NewParser(buf []byte) (*Parser, error) {
	h, err := parseStreamHeader(buf)
	if err != nil {
		return nil, err
	}
	return &Parser{buf: buf[:h.SizeBytes], header: h, pos: streamHeaderSize}, nil
}

// Header returns the parsed stream header.
func (p *Parser) Header() StreamHeader { return p.header }

// Malformed reports how many times Next has aborted the stream on a
// malformed command since construction.
func (p *Parser) Malformed() int { return p.malformed }

const cmdHeaderSize = 8 // {opcode u32, size_bytes u32}

// Next decodes the next command. It returns (packet, true, nil) on
// success, (zero, false, nil) at a clean end of stream, or (zero,
// false, err) on a malformed command — at which point the stream is
// aborted and the caller must not call Next again.
func (p *Parser) Next() (CmdPacket, bool, error) {
	if p.pos >= len(p.buf) {
		return CmdPacket{}, false, nil
	}
	if p.pos+cmdHeaderSize > len(p.buf) {
		p.malformed++
		return CmdPacket{}, false, fmt.Errorf("%w: command header at offset %d", ErrTruncatedPayload, p.pos)
	}

	opcode := binary.LittleEndian.Uint32(p.buf[p.pos : p.pos+4])
	size := binary.LittleEndian.Uint32(p.buf[p.pos+4 : p.pos+8])

	if !knownOpcodes[opcode] {
		p.malformed++
		return CmdPacket{}, false, fmt.Errorf("%w: opcode %#x at offset %d", ErrUnknownOpcode, opcode, p.pos)
	}

	payloadStart := p.pos + cmdHeaderSize
	// checked multiplication/addition: size is a byte count here (not a
	// word count requiring multiplication), but the bound check itself
	// must not overflow on a pathological size_bytes value.
	if size > uint32(len(p.buf)) || uint64(payloadStart)+uint64(size) > uint64(len(p.buf)) {
		p.malformed++
		return CmdPacket{}, false, fmt.Errorf("%w: command at offset %d declares %d bytes", ErrTruncatedPayload, p.pos, size)
	}

	payload := p.buf[payloadStart : payloadStart+int(size)]
	p.pos = payloadStart + int(size)
	return CmdPacket{Opcode: opcode, Payload: payload}, true, nil
}

// HasPresentVSync scans a command stream for a Present command with
// the vsync flag set, used by the doorbell handler to decide whether
// a submission's fence completes immediately or is paced to the next
// vblank.
func HasPresentVSync(buf []byte) (bool, error) {
	p, err := NewParser(buf)
	if err != nil {
		return false, err
	}
	for {
		cmd, ok, err := p.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if cmd.Opcode == OpPresent && len(cmd.Payload) >= 4 {
			flags := binary.LittleEndian.Uint32(cmd.Payload[0:4])
			if flags&presentFlagVSync != 0 {
				return true, nil
			}
		}
	}
}
