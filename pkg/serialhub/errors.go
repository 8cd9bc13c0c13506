// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"errors"
	"fmt"
)

// Framing errors. These are recovered by resynchronization and never
// surfaced to clients.
var (
	ErrNoMarker        = errors.New("serialhub: no frame marker")
	ErrHeaderChecksum  = errors.New("serialhub: header checksum mismatch")
	ErrLengthExceeded  = errors.New("serialhub: declared length exceeds capacity")
	ErrPayloadChecksum = errors.New("serialhub: payload checksum mismatch")
	ErrCacheOverflow   = errors.New("serialhub: receive cache overflow")
)

// Codec errors
var (
	ErrPayloadTooLarge = errors.New("serialhub: payload too large")
	ErrNotCommand      = errors.New("serialhub: payload is not a command")
	ErrShortCommand    = errors.New("serialhub: command payload too short")
)

// Link errors
var (
	ErrDeliveryFailed    = errors.New("serialhub: no acknowledgment after retries")
	ErrResponseTimeout   = errors.New("serialhub: response timeout")
	ErrLinkDown          = errors.New("serialhub: link is asleep")
	ErrLinkClosed        = errors.New("serialhub: link closed")
	ErrIDsExhausted      = errors.New("serialhub: identifier range exhausted")
	ErrAlreadyRegistered = errors.New("serialhub: event already registered by another client")
	ErrBufferTooSmall    = errors.New("serialhub: response truncated")
	ErrEventRejected     = errors.New("serialhub: event request rejected")
)

// FrameError describes a framing failure found while decoding.
// Type and Seq are valid only when HeaderValid is true.
type FrameError struct {
	Kind        error
	HeaderValid bool
	Type        FrameType
	Seq         uint8
	Expected    uint16
	Got         uint16
}

func (e *FrameError) Error() string {
	switch e.Kind {
	case ErrHeaderChecksum, ErrPayloadChecksum:
		return fmt.Sprintf("%v: expected 0x%04X, got 0x%04X", e.Kind, e.Expected, e.Got)
	case ErrLengthExceeded:
		return fmt.Sprintf("%v: %d (max %d)", e.Kind, e.Got, MaxPayloadSize)
	}
	return e.Kind.Error()
}

// Unwrap allows errors.Is to match the kind sentinel
func (e *FrameError) Unwrap() error {
	return e.Kind
}
