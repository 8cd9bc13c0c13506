// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package trace records Serial Hub link traffic to a CBOR stream and replays
// it into a link.
//
// A trace file is a sequence of CBOR-encoded records, one per frame, with
// integer map keys to keep the records compact.
package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

// Record is one frame as stored in a trace
type Record struct {
	Time      int64  `cbor:"0,keyasint"` // unix nanoseconds
	Direction uint8  `cbor:"1,keyasint"`
	Type      uint8  `cbor:"2,keyasint"`
	Seq       uint8  `cbor:"3,keyasint"`
	Payload   []byte `cbor:"4,keyasint,omitempty"`
}

// NewRecord captures a frame seen in the given direction
func NewRecord(dir serialhub.Direction, f *serialhub.Frame) Record {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Record{
		Time:      ts.UnixNano(),
		Direction: uint8(dir),
		Type:      uint8(f.Type),
		Seq:       f.Seq,
		Payload:   f.Payload,
	}
}

// Inbound reports whether the frame was received from the hub
func (r *Record) Inbound() bool {
	return serialhub.Direction(r.Direction) == serialhub.Inbound
}

// Timestamp returns the capture time
func (r *Record) Timestamp() time.Time {
	return time.Unix(0, r.Time)
}

// Frame rebuilds the decoded frame
func (r *Record) Frame() *serialhub.Frame {
	return &serialhub.Frame{
		Type:      serialhub.FrameType(r.Type),
		Seq:       r.Seq,
		Payload:   r.Payload,
		Timestamp: r.Timestamp(),
	}
}

// Wire re-encodes the record into the bytes that crossed the UART
func (r *Record) Wire() ([]byte, error) {
	return serialhub.EncodeFrame(serialhub.FrameType(r.Type), r.Seq, r.Payload)
}

// Recorder writes every observed frame to a CBOR stream.
// It implements serialhub.FrameObserver.
type Recorder struct {
	mu    sync.Mutex
	enc   *cbor.Encoder
	count int
	err   error
}

// NewRecorder creates a recorder writing to w
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{enc: cbor.NewEncoder(w)}
}

// ObserveFrame records f. After the first write error the recorder stops
// writing and Err reports the failure.
func (r *Recorder) ObserveFrame(dir serialhub.Direction, f *serialhub.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return
	}
	if err := r.enc.Encode(NewRecord(dir, f)); err != nil {
		r.err = fmt.Errorf("write trace record: %w", err)
		return
	}
	r.count++
}

// Count returns the number of records written
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Err returns the first write error
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Reader decodes records from a trace stream
type Reader struct {
	dec *cbor.Decoder
}

// NewReader creates a reader over a trace stream
func NewReader(rd io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(rd)}
}

// Next returns the next record, or io.EOF at the end of the trace
func (r *Reader) Next() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode trace record: %w", err)
	}
	return &rec, nil
}

// ReadAll decodes every record in the stream
func ReadAll(rd io.Reader) ([]Record, error) {
	reader := NewReader(rd)
	var records []Record
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, *rec)
	}
}

// Receiver is the receive side of a link
type Receiver interface {
	Receive(chunk []byte)
}

// SyncReceiver is a Receiver that can block until a chunk is processed.
// *serialhub.Link implements it; Replay prefers it so fast replays never
// overrun the receive queue.
type SyncReceiver interface {
	Receiver
	ReceiveSync(ctx context.Context, chunk []byte) error
}

// ReplayOptions controls replay pacing
type ReplayOptions struct {
	// Speed scales the recorded inter-frame gaps. Zero replays as fast as
	// possible; 1 replays in real time.
	Speed float64
}

// Replay feeds every inbound record of a trace into rx and returns the number
// of frames replayed. Outbound records only advance the clock.
func Replay(ctx context.Context, rd io.Reader, rx Receiver, opts ReplayOptions) (int, error) {
	reader := NewReader(rd)
	replayed := 0
	var last int64

	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return replayed, nil
		}
		if err != nil {
			return replayed, err
		}

		if opts.Speed > 0 && last != 0 && rec.Time > last {
			gap := time.Duration(float64(rec.Time-last) / opts.Speed)
			select {
			case <-time.After(gap):
			case <-ctx.Done():
				return replayed, ctx.Err()
			}
		}
		last = rec.Time

		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if !rec.Inbound() {
			continue
		}

		wire, err := rec.Wire()
		if err != nil {
			return replayed, fmt.Errorf("record %d: %w", replayed, err)
		}
		if srx, ok := rx.(SyncReceiver); ok {
			if err := srx.ReceiveSync(ctx, wire); err != nil {
				return replayed, err
			}
		} else {
			rx.Receive(wire)
		}
		replayed++
	}
}
