// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import "bytes"

// Assembler reassembles frames from a byte stream arriving in arbitrary chunks.
//
// The assembler is not safe for concurrent use; the link drives it from its
// serialized loop only.
type Assembler struct {
	cache     []byte
	discarded uint64
}

// NewAssembler creates an assembler with a cache sized for one maximal frame
func NewAssembler() *Assembler {
	return &Assembler{
		cache: make([]byte, 0, MaxFrameSize),
	}
}

// Reset drops any partially assembled frame and resumes hunting for a marker
func (a *Assembler) Reset() {
	a.cache = a.cache[:0]
}

// Discarded returns the number of bytes thrown away while resynchronizing
func (a *Assembler) Discarded() uint64 {
	return a.discarded
}

// Buffered returns the number of bytes held for an incomplete frame
func (a *Assembler) Buffered() int {
	return len(a.cache)
}

// Feed consumes a chunk and returns the frames it completed, in arrival order,
// along with the framing errors met on the way
func (a *Assembler) Feed(chunk []byte) ([]*Frame, []error) {
	var frames []*Frame
	var errs []error

	for len(chunk) > 0 {
		free := cap(a.cache) - len(a.cache)
		if free > len(chunk) {
			free = len(chunk)
		}
		a.cache = append(a.cache, chunk[:free]...)
		chunk = chunk[free:]

		f, e := a.process()
		frames = append(frames, f...)
		errs = append(errs, e...)
	}

	return frames, errs
}

// process extracts every complete frame from the cache
func (a *Assembler) process() ([]*Frame, []error) {
	var frames []*Frame
	var errs []error

	for len(a.cache) > 0 {
		// Hunting: drop everything before the next candidate marker. A lone
		// trailing SynByte1 stays cached as a partial marker.
		i := bytes.IndexByte(a.cache, SynByte1)
		if i < 0 {
			a.drop(len(a.cache))
			break
		}
		if i > 0 {
			a.drop(i)
		}

		frame, n, err := TryDecode(a.cache)
		if err != nil {
			errs = append(errs, err)
			a.drop(n)
			continue
		}
		if n == 0 {
			// TryDecode rejects any header declaring more than MaxPayloadSize,
			// so a validated partial frame always fits the cache. A full cache
			// with no complete frame is unreachable; the check stays as the
			// memory bound should the header validation ever loosen.
			if len(a.cache) == cap(a.cache) {
				errs = append(errs, &FrameError{Kind: ErrCacheOverflow})
				a.drop(len(a.cache))
			}
			break
		}

		frames = append(frames, frame)
		a.consume(n)
	}

	return frames, errs
}

// drop discards n bytes as resync garbage
func (a *Assembler) drop(n int) {
	a.discarded += uint64(n)
	a.consume(n)
}

func (a *Assembler) consume(n int) {
	a.cache = a.cache[:copy(a.cache, a.cache[n:])]
}
