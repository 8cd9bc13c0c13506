// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"SERIALHUB_PORT", "SERIALHUB_BAUD", "SERIALHUB_ACK_TIMEOUT", "SERIALHUB_MAX_RETRIES", "NATS_URL",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Baud != 115200 || cfg.DataBits != 8 || cfg.Parity != "none" || cfg.StopBits != "1" {
		t.Errorf("unexpected UART defaults: %+v", cfg)
	}
	if cfg.AckTimeout != serialhub.DefaultAckTimeout || cfg.MaxRetries != serialhub.DefaultMaxRetries {
		t.Errorf("unexpected protocol defaults: %+v", cfg)
	}
	if cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("unexpected NATS default: %s", cfg.NATSURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("SERIALHUB_PORT", "/dev/ttyS4")
	t.Setenv("SERIALHUB_BAUD", "3000000")
	t.Setenv("SERIALHUB_PARITY", "even")
	t.Setenv("SERIALHUB_FLOW_CONTROL", "rtscts")
	t.Setenv("SERIALHUB_ACK_TIMEOUT", "250ms")
	t.Setenv("SERIALHUB_WAIT_TIMEOUT", "750")
	t.Setenv("SERIALHUB_MAX_RETRIES", "not-a-number")

	cfg := Load()
	if cfg.Port != "/dev/ttyS4" || cfg.Baud != 3000000 {
		t.Errorf("port settings not loaded: %+v", cfg)
	}
	if cfg.AckTimeout != 250*time.Millisecond {
		t.Errorf("duration string not parsed: %v", cfg.AckTimeout)
	}
	if cfg.WaitTimeout != 750*time.Millisecond {
		t.Errorf("millisecond count not parsed: %v", cfg.WaitTimeout)
	}
	if cfg.MaxRetries != serialhub.DefaultMaxRetries {
		t.Errorf("invalid integer should fall back to the default, got %d", cfg.MaxRetries)
	}
	if !cfg.HardwareFlowControl() {
		t.Errorf("expected hardware flow control")
	}

	mode, err := cfg.Mode()
	if err != nil {
		t.Fatalf("Mode: %v", err)
	}
	if mode.BaudRate != 3000000 || mode.Parity != serial.EvenParity || mode.StopBits != serial.OneStopBit {
		t.Errorf("unexpected mode: %+v", mode)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero baud", func(c *Config) { c.Baud = 0 }},
		{"data bits", func(c *Config) { c.DataBits = 9 }},
		{"parity", func(c *Config) { c.Parity = "sometimes" }},
		{"stop bits", func(c *Config) { c.StopBits = "3" }},
		{"flow control", func(c *Config) { c.FlowControl = "xonxoff" }},
		{"ack timeout", func(c *Config) { c.AckTimeout = 0 }},
		{"wait timeout", func(c *Config) { c.WaitTimeout = -time.Second }},
		{"retries", func(c *Config) { c.MaxRetries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLink_ZeroRetries(t *testing.T) {
	cfg := Load()
	cfg.MaxRetries = 0

	link := cfg.Link(nil)
	if link.MaxRetries >= 0 {
		t.Errorf("zero retries must not select the engine default, got %d", link.MaxRetries)
	}
}
