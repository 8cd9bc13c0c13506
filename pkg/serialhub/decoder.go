// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"encoding/binary"
	"time"
)

// TryDecode interprets a window that is expected to start at a frame marker.
//
// It returns (nil, 0, nil) when more bytes are needed, (nil, n, err) when the
// first n bytes are invalid and must be discarded, or (frame, n, nil) when a
// complete frame occupying n bytes was decoded. The header checksum is
// verified before the declared length is trusted. TryDecode holds no state
// and never retains the window.
func TryDecode(window []byte) (*Frame, int, error) {
	if len(window) == 0 {
		return nil, 0, nil
	}
	if window[0] != SynByte1 {
		return nil, 1, &FrameError{Kind: ErrNoMarker}
	}
	if len(window) < SynSize {
		return nil, 0, nil
	}
	if window[1] != SynByte2 {
		return nil, 1, &FrameError{Kind: ErrNoMarker}
	}

	if len(window) < payloadOffset {
		return nil, 0, nil
	}

	header := window[SynSize:headerCRCOffset]
	expected := CalculateCRC(header)
	got := binary.LittleEndian.Uint16(window[headerCRCOffset:payloadOffset])
	if expected != got {
		return nil, SynSize, &FrameError{Kind: ErrHeaderChecksum, Expected: expected, Got: got}
	}

	t := FrameType(header[0])
	length := int(binary.LittleEndian.Uint16(header[1:3]))
	seq := header[3]
	if length > MaxPayloadSize {
		return nil, SynSize, &FrameError{Kind: ErrLengthExceeded, Got: uint16(length), HeaderValid: true, Type: t, Seq: seq}
	}

	total := length + FrameOverhead
	if len(window) < total {
		return nil, 0, nil
	}

	payload := window[payloadOffset : payloadOffset+length]
	expected = CalculateCRC(payload)
	got = binary.LittleEndian.Uint16(window[payloadOffset+length : total])
	if expected != got {
		// The length passed the header checksum, so the whole frame is skipped.
		return nil, total, &FrameError{
			Kind:        ErrPayloadChecksum,
			HeaderValid: true,
			Type:        t,
			Seq:         seq,
			Expected:    expected,
			Got:         got,
		}
	}

	out := make([]byte, length)
	copy(out, payload)

	return &Frame{
		Type:      t,
		Seq:       seq,
		Payload:   out,
		Timestamp: time.Now(),
	}, total, nil
}
