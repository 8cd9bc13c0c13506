// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package wake turns a GPIO falling edge into a link wake interrupt.
package wake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// pollInterval bounds how long WaitForEdge blocks before ctx is checked again
const pollInterval = 100 * time.Millisecond

// EdgeWaiter blocks until an edge is seen or the timeout elapses.
// gpio.PinIn implements it.
type EdgeWaiter interface {
	WaitForEdge(timeout time.Duration) bool
}

// Interrupter receives wake signals. *serialhub.Link implements it.
type Interrupter interface {
	WakeInterrupt()
}

// OpenPin initializes the host drivers and configures name as a pulled-up
// input triggering on the falling edge
func OpenPin(name string) (gpio.PinIn, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host.Init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("wake pin <%s> not found", name)
	}
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("configure wake pin <%s>: %w", name, err)
	}
	return pin, nil
}

// ClosePin releases the edge detection on pin
func ClosePin(pin gpio.PinIn) error {
	if pin == nil {
		return errors.New("nil pin")
	}
	return pin.In(gpio.PullNoChange, gpio.NoEdge)
}

// Watch forwards every edge on pin to target until ctx is cancelled and
// returns the number of edges seen
func Watch(ctx context.Context, pin EdgeWaiter, target Interrupter, log logrus.FieldLogger) int {
	if log == nil {
		log = logrus.StandardLogger()
	}

	edges := 0
	for ctx.Err() == nil {
		if !pin.WaitForEdge(pollInterval) {
			continue
		}
		edges++
		log.WithField("edges", edges).Debug("Wake interrupt")
		target.WakeInterrupt()
	}
	return edges
}
