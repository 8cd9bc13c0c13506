// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEventRegistry(t *testing.T) {
	r := NewEventRegistry()
	a, b := newRecordingClient(), newRecordingClient()

	if err := r.Register(a, CategoryKBD, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(a, CategoryKBD, 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(b, CategoryKBD, 0); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 registrations, got %d", r.Len())
	}

	if got := r.Lookup(CategoryKBD, 0); got != a {
		t.Errorf("lookup returned the wrong client")
	}
	if got := r.Lookup(CategoryBAT, 0); got != nil {
		t.Errorf("lookup of an unregistered pair should be nil")
	}

	if r.Unregister(b, CategoryKBD, 0) {
		t.Errorf("a client must not remove another client's registration")
	}
	if !r.Unregister(a, CategoryKBD, 0) {
		t.Errorf("unregister should report removal")
	}
	if r.Lookup(CategoryKBD, 0) != nil {
		t.Errorf("registration still present after unregister")
	}
	if err := r.Register(b, CategoryKBD, 0); err != nil {
		t.Errorf("pair should be free after unregister, got %v", err)
	}
}

func TestEventRequestID(t *testing.T) {
	for tc := uint8(CategorySAM); tc <= CategoryREG; tc++ {
		if rqid := EventRequestID(tc); rqid >= ReqIDMin {
			t.Errorf("category 0x%02X maps outside the event range: %d", tc, rqid)
		}
	}
}

// ============================================================
// Formatter Tests
// ============================================================

func TestFormatFrameType(t *testing.T) {
	tests := map[FrameType]string{
		FrameTypeDataSeq:   "DATA_SEQ",
		FrameTypeDataNoSeq: "DATA",
		FrameTypeAck:       "ACK",
		FrameTypeNak:       "NAK",
		FrameType(0x11):    "UNKNOWN",
	}
	for ft, want := range tests {
		if got := FormatFrameType(ft); got != want {
			t.Errorf("0x%02X: expected %s, got %s", byte(ft), want, got)
		}
	}
}

func TestParseCategory(t *testing.T) {
	for tc := uint8(CategorySAM); tc <= CategoryREG; tc++ {
		name := FormatCategory(tc)
		got, ok := ParseCategory(strings.ToLower(name))
		if !ok || got != tc {
			t.Errorf("category %s did not round trip: got 0x%02X", name, got)
		}
	}
	if _, ok := ParseCategory("nope"); ok {
		t.Errorf("unknown name should not parse")
	}
}

func TestFormatFrame(t *testing.T) {
	f := &Frame{
		Type:      FrameTypeDataSeq,
		Seq:       4,
		Payload:   []byte{0x80, CategoryBAT, IDHost, IDHub, 0x00, 0x22, 0x00, 0x05, 0x64},
		Timestamp: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	out := FormatFrame(f)
	for _, want := range []string{"12:00:00.000", "DATA_SEQ", "seq=4", "BAT", "rqid=34", "[response]", "0000: 64"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	ack := &Frame{Type: FrameTypeAck, Seq: 9, Timestamp: f.Timestamp}
	if out := FormatFrame(ack); !strings.Contains(out, "ACK (0x40) seq=9") {
		t.Errorf("unexpected ACK format: %s", out)
	}
}

func TestFormatHex(t *testing.T) {
	data := make([]byte, 20)
	out := FormatHex(data)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[1]), "0010:") {
		t.Errorf("second line should start at offset 0x10: %q", lines[1])
	}
}

// ============================================================
// Statistics Tests
// ============================================================

func TestStatistics_FramingErrors(t *testing.T) {
	s := NewStatistics()
	s.recordFramingError(&FrameError{Kind: ErrHeaderChecksum})
	s.recordFramingError(&FrameError{Kind: ErrPayloadChecksum})
	s.recordFramingError(&FrameError{Kind: ErrPayloadChecksum})
	s.recordFramingError(&FrameError{Kind: ErrLengthExceeded})
	s.recordFramingError(&FrameError{Kind: ErrNoMarker})

	if s.HeaderCRCErrors != 1 || s.PayloadCRCErrors != 2 || s.LengthErrors != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if s.FramingErrors() != 4 {
		t.Errorf("expected 4 framing errors, got %d", s.FramingErrors())
	}
}

func TestStatistics_String(t *testing.T) {
	s := NewStatistics()
	s.StartTime = time.Now().Add(-10 * time.Second)
	s.FramesReceived = 100
	s.PayloadCRCErrors = 3
	s.Duplicates = 2

	out := s.String()
	for _, want := range []string{"Frames RX:", "Payload CRC:", "Duplicates:", "Frame Rate:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if s.FrameRate < 9 || s.FrameRate > 11 {
		t.Errorf("frame rate out of range: %.2f", s.FrameRate)
	}
}
