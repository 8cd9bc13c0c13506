// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"bytes"
	"errors"
	"testing"
)

// testStream builds three back-to-back frames of different types
func testStream(t *testing.T) ([]byte, [][]byte) {
	t.Helper()
	payloads := [][]byte{
		{0x80, CategoryKBD, IDHost, IDHub, 0x00, 0x08, 0x00, 0x01, 0x1E, 0x00},
		nil,
		{0x80, CategoryBAT, IDHost, IDHub, 0x00, 0x22, 0x00, 0x05, 0x64},
	}
	var stream []byte
	stream = append(stream, mustEncode(t, FrameTypeDataSeq, 0, payloads[0])...)
	stream = append(stream, mustEncode(t, FrameTypeAck, 9, payloads[1])...)
	stream = append(stream, mustEncode(t, FrameTypeDataNoSeq, 0, payloads[2])...)
	return stream, payloads
}

func checkFrames(t *testing.T, frames []*Frame, payloads [][]byte) {
	t.Helper()
	if len(frames) != len(payloads) {
		t.Fatalf("expected %d frames, got %d", len(payloads), len(frames))
	}
	for i, f := range frames {
		if !bytes.Equal(f.Payload, payloads[i]) {
			t.Errorf("frame %d: payload mismatch: expected %X, got %X", i, payloads[i], f.Payload)
		}
	}
}

func TestAssembler_SingleChunk(t *testing.T) {
	stream, payloads := testStream(t)
	a := NewAssembler()

	frames, errs := a.Feed(stream)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	checkFrames(t, frames, payloads)
	if a.Buffered() != 0 {
		t.Errorf("expected empty cache, %d bytes buffered", a.Buffered())
	}
}

func TestAssembler_ByteAtATime(t *testing.T) {
	stream, payloads := testStream(t)
	a := NewAssembler()

	var frames []*Frame
	for _, b := range stream {
		f, errs := a.Feed([]byte{b})
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		frames = append(frames, f...)
	}
	checkFrames(t, frames, payloads)
}

func TestAssembler_EverySplitPoint(t *testing.T) {
	stream, payloads := testStream(t)

	for split := 1; split < len(stream); split++ {
		a := NewAssembler()
		first, _ := a.Feed(stream[:split])
		second, _ := a.Feed(stream[split:])
		checkFrames(t, append(first, second...), payloads)
	}
}

func TestAssembler_LeadingGarbage(t *testing.T) {
	stream, payloads := testStream(t)
	garbage := []byte{0x00, 0x55, 0x13, 0xAA, 0x00, 0xFF}

	a := NewAssembler()
	frames, _ := a.Feed(append(garbage, stream...))
	checkFrames(t, frames, payloads)
	if a.Discarded() != uint64(len(garbage)) {
		t.Errorf("expected %d discarded bytes, got %d", len(garbage), a.Discarded())
	}
}

func TestAssembler_TrailingMarkerByteKept(t *testing.T) {
	a := NewAssembler()
	a.Feed([]byte{0x01, 0x02, SynByte1})
	if a.Buffered() != 1 {
		t.Fatalf("expected lone marker byte to stay cached, buffered=%d", a.Buffered())
	}

	frame := mustEncode(t, FrameTypeAck, 4, nil)
	frames, errs := a.Feed(frame[1:])
	if len(errs) != 0 || len(frames) != 1 || frames[0].Seq != 4 {
		t.Errorf("expected frame completed across marker split, got frames=%d errs=%v", len(frames), errs)
	}
}

func TestAssembler_HeaderCorruptionResync(t *testing.T) {
	stream, payloads := testStream(t)
	bad := mustEncode(t, FrameTypeDataSeq, 1, []byte{1, 2, 3})
	bad[3] ^= 0x40

	a := NewAssembler()
	frames, errs := a.Feed(append(bad, stream...))
	checkFrames(t, frames, payloads)

	found := false
	for _, err := range errs {
		if errors.Is(err, ErrHeaderChecksum) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a header checksum error, got %v", errs)
	}
}

func TestAssembler_PayloadCorruptionSkipsFrame(t *testing.T) {
	stream, payloads := testStream(t)
	bad := mustEncode(t, FrameTypeDataSeq, 1, []byte{1, 2, 3})
	bad[payloadOffset] ^= 0x01

	a := NewAssembler()
	frames, errs := a.Feed(append(bad, stream...))
	checkFrames(t, frames, payloads)
	if len(errs) != 1 || !errors.Is(errs[0], ErrPayloadChecksum) {
		t.Errorf("expected exactly one payload checksum error, got %v", errs)
	}
}

func TestAssembler_LengthExceeded(t *testing.T) {
	stream, payloads := testStream(t)

	header := []byte{byte(FrameTypeDataSeq), 0x01, 0x01, 0x00} // length 257
	crc := CalculateCRC(header)
	bad := append([]byte{SynByte1, SynByte2}, header...)
	bad = append(bad, byte(crc), byte(crc>>8))

	a := NewAssembler()
	frames, errs := a.Feed(append(bad, stream...))
	checkFrames(t, frames, payloads)
	if len(errs) == 0 || !errors.Is(errs[0], ErrLengthExceeded) {
		t.Errorf("expected length error first, got %v", errs)
	}
}

func TestAssembler_MaximalFrame(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, MaxPayloadSize)
	frame := mustEncode(t, FrameTypeDataSeq, 0xFF, payload)

	a := NewAssembler()
	var frames []*Frame
	for i := 0; i < len(frame); i += 7 {
		end := min(i+7, len(frame))
		f, errs := a.Feed(frame[i:end])
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		frames = append(frames, f...)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0].Payload, payload) {
		t.Fatalf("maximal frame not reassembled")
	}
}

func TestAssembler_Reset(t *testing.T) {
	frame := mustEncode(t, FrameTypeAck, 1, nil)
	a := NewAssembler()
	a.Feed(frame[:5])
	a.Reset()
	if a.Buffered() != 0 {
		t.Fatalf("Reset should clear the cache")
	}

	frames, _ := a.Feed(frame)
	if len(frames) != 1 {
		t.Errorf("expected frame after reset, got %d", len(frames))
	}
}

func TestAssembler_MaximalPartialFrameFitsCache(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, MaxPayloadSize)
	frame := mustEncode(t, FrameTypeDataNoSeq, 0, payload)
	if len(frame) != MaxFrameSize {
		t.Fatalf("maximal frame is %d bytes, expected %d", len(frame), MaxFrameSize)
	}

	a := NewAssembler()
	stream := append([]byte{0x00, 0x13, SynByte2}, frame[:len(frame)-1]...)
	frames, errs := a.Feed(stream)
	if len(frames) != 0 || len(errs) != 0 {
		t.Fatalf("expected a partial frame, got frames=%d errs=%v", len(frames), errs)
	}
	if a.Buffered() != MaxFrameSize-1 {
		t.Fatalf("expected %d bytes buffered, got %d", MaxFrameSize-1, a.Buffered())
	}

	frames, errs = a.Feed(frame[len(frame)-1:])
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0].Payload, payload) {
		t.Fatalf("maximal frame not completed, got %d frames", len(frames))
	}
}
