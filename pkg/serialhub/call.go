// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import "context"

// Call tracks the delivery of one command sent with SendCommand.
// Done is closed once the command is acknowledged or has failed.
type Call struct {
	requestID uint16
	seq       uint8
	sequenced bool
	done      chan struct{}
	err       error
}

func newCall(rqid uint16, seq uint8, sequenced bool) *Call {
	return &Call{
		requestID: rqid,
		seq:       seq,
		sequenced: sequenced,
		done:      make(chan struct{}),
	}
}

// RequestID returns the request id assigned to the command
func (c *Call) RequestID() uint16 {
	return c.requestID
}

// Sequence returns the sequence id, and false if the command was sent
// without requesting an acknowledgment
func (c *Call) Sequence() (uint8, bool) {
	return c.seq, c.sequenced
}

// Done returns a channel closed when the call resolves
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Err returns the delivery result. It is nil until Done is closed.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the call resolves or ctx is done
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve is called from the link loop only; later calls are no-ops
func (c *Call) resolve(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
}
