// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"fmt"
	"strings"
)

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.Timestamp.Format("15:04:05.000")
	frameType := FormatFrameType(f.Type)

	result := fmt.Sprintf("[%s] %s (0x%02X) seq=%d len=%d\n", timestamp, frameType, byte(f.Type), f.Seq, len(f.Payload))

	if !f.IsData() {
		return result
	}

	cmd, err := ParseCommand(f.Payload)
	if err != nil {
		result += fmt.Sprintf("  (%v)\n", err)
		if len(f.Payload) > 0 {
			result += FormatHex(f.Payload)
		}
		return result
	}
	return result + FormatCommand(cmd)
}

// FormatFrameType returns the human-readable name for a frame type
func FormatFrameType(t FrameType) string {
	switch t {
	case FrameTypeDataSeq:
		return "DATA_SEQ"
	case FrameTypeDataNoSeq:
		return "DATA"
	case FrameTypeAck:
		return "ACK"
	case FrameTypeNak:
		return "NAK"
	default:
		return "UNKNOWN"
	}
}

var categoryNames = map[uint8]string{
	CategorySAM: "SAM",
	CategoryBAT: "BAT",
	CategoryTMP: "TMP",
	CategoryPMC: "PMC",
	CategoryFAN: "FAN",
	CategoryPOM: "POM",
	CategoryDBG: "DBG",
	CategoryKBD: "KBD",
	CategoryFWU: "FWU",
	CategoryUNI: "UNI",
	CategoryLPC: "LPC",
	CategoryTCL: "TCL",
	CategorySFL: "SFL",
	CategoryKIP: "KIP",
	CategoryEXT: "EXT",
	CategoryBLD: "BLD",
	CategoryBAS: "BAS",
	CategorySEN: "SEN",
	CategorySRQ: "SRQ",
	CategoryMCU: "MCU",
	CategoryHID: "HID",
	CategoryTCH: "TCH",
	CategoryBKL: "BKL",
	CategoryTAM: "TAM",
	CategoryACC: "ACC",
	CategoryUFI: "UFI",
	CategoryUSC: "USC",
	CategoryPEN: "PEN",
	CategoryVID: "VID",
	CategoryAUD: "AUD",
	CategorySMC: "SMC",
	CategoryKPD: "KPD",
	CategoryREG: "REG",
}

// FormatCategory returns the short name of a target category
func FormatCategory(tc uint8) string {
	if name, ok := categoryNames[tc]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseCategory looks up a category by its short name (case-insensitive)
func ParseCategory(name string) (uint8, bool) {
	name = strings.ToUpper(name)
	for tc, n := range categoryNames {
		if n == name {
			return tc, true
		}
	}
	return 0, false
}

// FormatCommand formats the fields of a command payload
func FormatCommand(c *Command) string {
	kind := "response"
	if c.IsEvent() {
		kind = "event"
	}

	result := fmt.Sprintf("  %s (0x%02X) iid=%d cid=0x%02X rqid=%d [%s] tid=%d sid=%d\n",
		FormatCategory(c.Category), c.Category, c.Instance, c.CommandID, c.RequestID, kind, c.Target, c.Source)

	if len(c.Data) == 0 {
		return result + "  (no data)\n"
	}
	return result + FormatHex(c.Data)
}

// FormatHex renders data as an indented hex dump, 16 bytes per line
func FormatHex(data []byte) string {
	var b strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		fmt.Fprintf(&b, "  %04X:", off)
		for _, v := range data[off:end] {
			fmt.Fprintf(&b, " %02X", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
