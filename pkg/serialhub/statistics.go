// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks link traffic and error counts
type Statistics struct {
	StartTime time.Time

	// Traffic
	FramesReceived    uint64
	FramesTransmitted uint64
	Commands          uint64
	Acks              uint64
	Naks              uint64
	Responses         uint64
	EventsDispatched  uint64

	// Framing errors
	HeaderCRCErrors  uint64
	PayloadCRCErrors uint64
	LengthErrors     uint64
	CacheOverflows   uint64
	DiscardedBytes   uint64

	// Delivery
	Retransmissions  uint64
	WakeFlushes      uint64
	DeliveryFailures uint64
	ResponseTimeouts uint64

	// Dropped traffic
	Unhandled          uint64
	Duplicates         uint64
	ProtocolViolations uint64
	RxOverruns         uint64
	EventOverruns      uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() Statistics {
	return Statistics{StartTime: time.Now()}
}

// recordFramingError counts a decode failure by kind
func (s *Statistics) recordFramingError(err error) {
	switch {
	case errors.Is(err, ErrHeaderChecksum):
		s.HeaderCRCErrors++
	case errors.Is(err, ErrPayloadChecksum):
		s.PayloadCRCErrors++
	case errors.Is(err, ErrLengthExceeded):
		s.LengthErrors++
	case errors.Is(err, ErrCacheOverflow):
		s.CacheOverflows++
	}
}

// FramingErrors returns the total of all framing error counters
func (s *Statistics) FramingErrors() uint64 {
	return s.HeaderCRCErrors + s.PayloadCRCErrors + s.LengthErrors + s.CacheOverflows
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.FramesReceived) / elapsed
		errorCount := s.FramingErrors() + s.DeliveryFailures + s.ResponseTimeouts + s.ProtocolViolations
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Frames RX:       %8d\n", s.FramesReceived)
	result += fmt.Sprintf("Frames TX:       %8d\n", s.FramesTransmitted)
	result += fmt.Sprintf("Commands:        %8d\n", s.Commands)
	result += fmt.Sprintf("ACK / NAK:       %8d / %d\n", s.Acks, s.Naks)
	result += fmt.Sprintf("Responses:       %8d\n", s.Responses)
	result += fmt.Sprintf("Events:          %8d\n", s.EventsDispatched)

	if s.FramingErrors() > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d\n", s.FramingErrors())
		if s.HeaderCRCErrors > 0 {
			result += fmt.Sprintf("  Header CRC:       %5d\n", s.HeaderCRCErrors)
		}
		if s.PayloadCRCErrors > 0 {
			result += fmt.Sprintf("  Payload CRC:      %5d\n", s.PayloadCRCErrors)
		}
		if s.LengthErrors > 0 {
			result += fmt.Sprintf("  Bad Length:       %5d\n", s.LengthErrors)
		}
		if s.CacheOverflows > 0 {
			result += fmt.Sprintf("  Cache Overflow:   %5d\n", s.CacheOverflows)
		}
	}
	if s.DiscardedBytes > 0 {
		result += fmt.Sprintf("Discarded Bytes: %8d\n", s.DiscardedBytes)
	}
	if s.Retransmissions > 0 || s.DeliveryFailures > 0 {
		result += fmt.Sprintf("Retransmissions: %8d\n", s.Retransmissions)
		result += fmt.Sprintf("Delivery Fails:  %8d\n", s.DeliveryFailures)
	}
	if s.ResponseTimeouts > 0 {
		result += fmt.Sprintf("Resp. Timeouts:  %8d\n", s.ResponseTimeouts)
	}
	if dropped := s.Unhandled + s.Duplicates + s.ProtocolViolations + s.RxOverruns + s.EventOverruns; dropped > 0 {
		result += fmt.Sprintf("Dropped:         %8d\n", dropped)
		if s.Unhandled > 0 {
			result += fmt.Sprintf("  Unhandled:        %5d\n", s.Unhandled)
		}
		if s.Duplicates > 0 {
			result += fmt.Sprintf("  Duplicates:       %5d\n", s.Duplicates)
		}
		if s.ProtocolViolations > 0 {
			result += fmt.Sprintf("  Violations:       %5d\n", s.ProtocolViolations)
		}
		if s.RxOverruns > 0 {
			result += fmt.Sprintf("  RX Overruns:      %5d\n", s.RxOverruns)
		}
		if s.EventOverruns > 0 {
			result += fmt.Sprintf("  Event Overruns:   %5d\n", s.EventOverruns)
		}
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}
