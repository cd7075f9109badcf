// TX segmentation offload (GSO) and checksum helpers
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package e1000

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// ipChecksum computes the 1's complement Internet checksum over b, the
// same algorithm IPv4 and TCP/UDP headers use, via gvisor's checksum
// accumulator.
func ipChecksum(b []byte) uint16 {
	return ^header.Checksum(b, 0)
}

// segmentTSO splits an Ethernet frame carrying one oversized TCP
// segment into MSS-sized segments per the preceding context
// descriptor, recomputing the IPv4 total length/identification/
// checksum and TCP sequence number/checksum on each segment and
// clearing FIN/PSH on all but the last.
func segmentTSO(frame []byte, ctx TxContextDescriptor) [][]byte {
	const ethHeaderLen = 14

	if len(frame) < ethHeaderLen+int(header.IPv4MinimumSize) {
		return [][]byte{frame}
	}

	ipStart := ethHeaderLen
	ipHdr := header.IPv4(frame[ipStart:])
	ipHeaderLen := int(ipHdr.HeaderLength())
	tcpStart := ipStart + ipHeaderLen

	if len(frame) < tcpStart+int(header.TCPMinimumSize) {
		return [][]byte{frame}
	}

	tcpHdr := header.TCP(frame[tcpStart:])
	tcpHeaderLen := int(tcpHdr.DataOffset())
	payloadStart := tcpStart + tcpHeaderLen

	if payloadStart > len(frame) {
		return [][]byte{frame}
	}

	payload := frame[payloadStart:]
	mss := int(ctx.MSS)
	if mss <= 0 {
		return [][]byte{frame}
	}

	headerTemplate := append([]byte{}, frame[:payloadStart]...)
	baseSeq := tcpHdr.SequenceNumber()
	baseID := ipHdr.ID()

	var segments [][]byte
	for off := 0; off < len(payload); off += mss {
		end := off + mss
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]
		isLast := end == len(payload)

		seg := append([]byte{}, headerTemplate...)
		seg = append(seg, chunk...)

		segIP := header.IPv4(seg[ipStart:])
		segIP.SetTotalLength(uint16(len(seg) - ipStart))
		segIP.SetID(baseID + uint16(off/mss))
		segIP.SetChecksum(0)
		segIP.SetChecksum(^segIP.CalculateChecksum())

		segTCP := header.TCP(seg[tcpStart:])
		segTCP.SetSequenceNumber(baseSeq + uint32(off))
		if !isLast {
			flags := segTCP.Flags()
			flags &^= header.TCPFlagFin | header.TCPFlagPsh
			segTCP.SetFlags(uint8(flags))
		}

		segTCP.SetChecksum(0)
		pseudoSum := header.PseudoHeaderChecksum(
			header.TCPProtocolNumber,
			segIP.SourceAddress(),
			segIP.DestinationAddress(),
			uint16(len(seg)-tcpStart),
		)
		segTCP.SetChecksum(^segTCP.CalculateChecksum(pseudoSum))

		segments = append(segments, seg)
	}

	if len(segments) == 0 {
		return [][]byte{frame}
	}
	return segments
}
