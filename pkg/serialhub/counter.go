// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

// Counter is a cyclic id generator over [min, max]
type Counter struct {
	min  uint16
	max  uint16
	next uint16
}

// NewCounter creates a counter whose first id is min
func NewCounter(min, max uint16) *Counter {
	return &Counter{min: min, max: max, next: min}
}

// NewSeqCounter creates the sequence id counter (0-255)
func NewSeqCounter() *Counter {
	return NewCounter(SeqIDMin, SeqIDMax)
}

// NewReqCounter creates the request id counter (34-65535)
func NewReqCounter() *Counter {
	return NewCounter(ReqIDMin, ReqIDMax)
}

// Next returns the next id not reported as in use, wrapping to min after max.
// inUse may be nil. Returns ErrIDsExhausted when every id is live.
func (c *Counter) Next(inUse func(uint16) bool) (uint16, error) {
	span := int(c.max) - int(c.min) + 1
	for i := 0; i < span; i++ {
		id := c.next
		c.advance()
		if inUse == nil || !inUse(id) {
			return id, nil
		}
	}
	return 0, ErrIDsExhausted
}

func (c *Counter) advance() {
	if c.next == c.max {
		c.next = c.min
		return
	}
	c.next++
}
