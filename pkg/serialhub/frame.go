// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Frame is one checksum-validated wire unit
type Frame struct {
	Type      FrameType
	Seq       uint8
	Payload   []byte
	Timestamp time.Time
}

// IsData reports whether the frame carries a payload for the dispatcher
func (f *Frame) IsData() bool {
	return f.Type == FrameTypeDataSeq || f.Type == FrameTypeDataNoSeq
}

// Command is the decoded payload of a command frame
type Command struct {
	Category  uint8 // TC
	Target    uint8 // TID
	Source    uint8 // SID
	Instance  uint8 // IID
	RequestID uint16
	CommandID uint8 // CID
	Data      []byte
}

// Marshal builds the command payload: type, tc, tid, sid, iid, rqid, cid, data
func (c *Command) Marshal() ([]byte, error) {
	if len(c.Data) > MaxCommandData {
		return nil, fmt.Errorf("%w: %d bytes of command data (max %d)", ErrPayloadTooLarge, len(c.Data), MaxCommandData)
	}

	payload := make([]byte, CommandHeader+len(c.Data))
	payload[0] = PayloadTypeCommand
	payload[1] = c.Category
	payload[2] = c.Target
	payload[3] = c.Source
	payload[4] = c.Instance
	binary.LittleEndian.PutUint16(payload[5:7], c.RequestID)
	payload[7] = c.CommandID
	copy(payload[CommandHeader:], c.Data)

	return payload, nil
}

// IsEvent reports whether the request id lies in the reserved event range
func (c *Command) IsEvent() bool {
	return c.RequestID < ReqIDMin
}

// ParseCommand decodes a command payload. The returned data is a copy.
func ParseCommand(payload []byte) (*Command, error) {
	if len(payload) == 0 || payload[0] != PayloadTypeCommand {
		return nil, ErrNotCommand
	}
	if len(payload) < CommandHeader {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortCommand, len(payload))
	}

	data := make([]byte, len(payload)-CommandHeader)
	copy(data, payload[CommandHeader:])

	return &Command{
		Category:  payload[1],
		Target:    payload[2],
		Source:    payload[3],
		Instance:  payload[4],
		RequestID: binary.LittleEndian.Uint16(payload[5:7]),
		CommandID: payload[7],
		Data:      data,
	}, nil
}

// Event is what a registered client receives
type Event struct {
	Category  uint8
	Target    uint8
	Instance  uint8
	Command   uint8
	RequestID uint16
	Payload   []byte
}

func eventFromCommand(c *Command) Event {
	return Event{
		Category:  c.Category,
		Target:    c.Target,
		Instance:  c.Instance,
		Command:   c.CommandID,
		RequestID: c.RequestID,
		Payload:   c.Data,
	}
}

// Request describes an outgoing command issued by a client
type Request struct {
	Category uint8
	Target   uint8
	Instance uint8
	Command  uint8
	Payload  []byte
	WantAck  bool
}

func (r Request) command(rqid uint16) *Command {
	return &Command{
		Category:  r.Category,
		Target:    r.Target,
		Source:    IDHost,
		Instance:  r.Instance,
		RequestID: rqid,
		CommandID: r.Command,
		Data:      r.Payload,
	}
}
