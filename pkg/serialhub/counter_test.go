// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"errors"
	"testing"
)

func TestCounter_SeqWraps(t *testing.T) {
	c := NewSeqCounter()
	for i := 0; i <= SeqIDMax; i++ {
		id, err := c.Next(nil)
		if err != nil || id != uint16(i) {
			t.Fatalf("step %d: expected %d, got %d (%v)", i, i, id, err)
		}
	}
	if id, _ := c.Next(nil); id != 0 {
		t.Errorf("expected wrap to 0 after 255, got %d", id)
	}
}

func TestCounter_ReqWrapsToFloor(t *testing.T) {
	c := NewReqCounter()
	if id, _ := c.Next(nil); id != ReqIDMin {
		t.Fatalf("first request id: expected %d, got %d", ReqIDMin, id)
	}

	c.next = ReqIDMax
	if id, _ := c.Next(nil); id != ReqIDMax {
		t.Fatalf("expected %d, got %d", ReqIDMax, id)
	}
	if id, _ := c.Next(nil); id != ReqIDMin {
		t.Errorf("expected wrap to %d after 65535, got %d", ReqIDMin, id)
	}
}

func TestCounter_SkipsInUse(t *testing.T) {
	c := NewSeqCounter()
	live := map[uint16]bool{0: true, 1: true, 3: true}
	inUse := func(id uint16) bool { return live[id] }

	expected := []uint16{2, 4, 5}
	for _, want := range expected {
		id, err := c.Next(inUse)
		if err != nil || id != want {
			t.Errorf("expected %d, got %d (%v)", want, id, err)
		}
	}
}

func TestCounter_Exhausted(t *testing.T) {
	c := NewCounter(10, 12)
	_, err := c.Next(func(uint16) bool { return true })
	if !errors.Is(err, ErrIDsExhausted) {
		t.Errorf("expected ErrIDsExhausted, got %v", err)
	}
}
