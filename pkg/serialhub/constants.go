// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package serialhub implements the Serial Hub protocol engine.
//
// A Serial Hub aggregator multiplexes several peripherals (battery, keyboard,
// touchpad, ...) over one UART link. This package provides frame encoding and
// decoding, the receive-side stream assembler, acknowledged transmission with
// retries, request/response correlation and event dispatch to registered
// clients.
package serialhub

import "time"

// Frame synchronization marker
const (
	SynByte1 = 0xAA
	SynByte2 = 0x55
)

// FrameType identifies the kind of frame on the wire
type FrameType uint8

// Frame type values
const (
	FrameTypeDataNoSeq FrameType = 0x00 // data, no acknowledgment
	FrameTypeDataSeq   FrameType = 0x80 // data, acknowledgment requested
	FrameTypeAck       FrameType = 0x40
	FrameTypeNak       FrameType = 0x04
)

// Frame size limits
const (
	SynSize         = 2
	HeaderSize      = 4 // type + len(2) + seq
	CRCSize         = 2
	FrameOverhead   = SynSize + HeaderSize + CRCSize + CRCSize
	MaxPayloadSize  = 256 // receive cache capacity
	MaxFrameSize    = MaxPayloadSize + FrameOverhead
	CommandHeader   = 8 // type + tc + tid + sid + iid + rqid(2) + cid
	MaxCommandData  = MaxPayloadSize - CommandHeader
	headerCRCOffset = SynSize + HeaderSize
	payloadOffset   = headerCRCOffset + CRCSize
)

// PayloadTypeCommand is the first payload byte of a command payload
const PayloadTypeCommand = 0x80

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Identifier ranges
const (
	SeqIDMin = 0x00
	SeqIDMax = 0xFF
	ReqIDMin = 34 // [0, ReqIDMin) is reserved for event traffic
	ReqIDMax = 0xFFFF
)

// Peer ids used in the TID/SID fields
const (
	IDHost = 0x00
	IDHub  = 0x01
)

// Target categories
const (
	CategorySAM = 0x01
	CategoryBAT = 0x02
	CategoryTMP = 0x03
	CategoryPMC = 0x04
	CategoryFAN = 0x05
	CategoryPOM = 0x06
	CategoryDBG = 0x07
	CategoryKBD = 0x08
	CategoryFWU = 0x09
	CategoryUNI = 0x0A
	CategoryLPC = 0x0B
	CategoryTCL = 0x0C
	CategorySFL = 0x0D
	CategoryKIP = 0x0E
	CategoryEXT = 0x0F
	CategoryBLD = 0x10
	CategoryBAS = 0x11
	CategorySEN = 0x12
	CategorySRQ = 0x13
	CategoryMCU = 0x14
	CategoryHID = 0x15
	CategoryTCH = 0x16
	CategoryBKL = 0x17
	CategoryTAM = 0x18
	CategoryACC = 0x19
	CategoryUFI = 0x1A
	CategoryUSC = 0x1B
	CategoryPEN = 0x1C
	CategoryVID = 0x1D
	CategoryAUD = 0x1E
	CategorySMC = 0x1F
	CategoryKPD = 0x20
	CategoryREG = 0x21
)

// SAM commands for event management
const (
	CmdEnableEvent  = 0x0B
	CmdDisableEvent = 0x0C
)

// Link defaults
const (
	DefaultAckTimeout   = 100 * time.Millisecond
	DefaultWaitTimeout  = 500 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultRxQueueDepth = 64
	DefaultEventQueue   = 64
	duplicateWindow     = 8
)
