// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wake

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakePin reports queued edges, then times out
type fakePin struct {
	edges chan struct{}
}

func (p *fakePin) WaitForEdge(timeout time.Duration) bool {
	select {
	case <-p.edges:
		return true
	case <-time.After(timeout):
		return false
	}
}

type counter struct {
	n atomic.Int32
}

func (c *counter) WakeInterrupt() { c.n.Add(1) }

func TestWatch(t *testing.T) {
	pin := &fakePin{edges: make(chan struct{}, 3)}
	for i := 0; i < 3; i++ {
		pin.edges <- struct{}{}
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	target := &counter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- Watch(ctx, pin, target, log) }()

	deadline := time.Now().Add(2 * time.Second)
	for target.n.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 wake interrupts, got %d", target.n.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case edges := <-done:
		if edges != 3 {
			t.Errorf("expected 3 edges reported, got %d", edges)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}
