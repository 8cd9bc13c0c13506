// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"encoding/binary"
	"fmt"
)

// EncodeFrame creates a complete wire-formatted frame.
// Returns the bytes ready for transmission, including marker and both checksums.
func EncodeFrame(t FrameType, seq uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	frame := make([]byte, FrameOverhead+len(payload))
	frame[0] = SynByte1
	frame[1] = SynByte2
	frame[2] = byte(t)
	binary.LittleEndian.PutUint16(frame[3:5], uint16(len(payload)))
	frame[5] = seq
	binary.LittleEndian.PutUint16(frame[headerCRCOffset:], CalculateCRC(frame[SynSize:headerCRCOffset]))

	copy(frame[payloadOffset:], payload)
	end := payloadOffset + len(payload)
	binary.LittleEndian.PutUint16(frame[end:], CalculateCRC(payload))

	return frame, nil
}

// EncodeCommand encodes a command into a frame. When wantAck is false the
// frame is sent without a sequence id and seq is ignored.
func EncodeCommand(cmd *Command, seq uint8, wantAck bool) ([]byte, error) {
	payload, err := cmd.Marshal()
	if err != nil {
		return nil, err
	}

	if !wantAck {
		return EncodeFrame(FrameTypeDataNoSeq, 0, payload)
	}
	return EncodeFrame(FrameTypeDataSeq, seq, payload)
}

// EncodeAck creates an ACK frame for the given sequence id
func EncodeAck(seq uint8) []byte {
	frame, _ := EncodeFrame(FrameTypeAck, seq, nil)
	return frame
}

// EncodeNak creates a NAK frame for the given sequence id
func EncodeNak(seq uint8) []byte {
	frame, _ := EncodeFrame(FrameTypeNak, seq, nil)
	return frame
}
