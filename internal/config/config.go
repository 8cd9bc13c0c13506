// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads serialhub tool settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

// Flow control modes
const (
	FlowNone   = "none"
	FlowRTSCTS = "rtscts"
)

// Config holds all configuration for the serialhub tools
type Config struct {
	// UART link, fixed at open time
	Port        string
	Baud        int
	DataBits    int
	Parity      string
	StopBits    string
	FlowControl string

	// Protocol timing
	AckTimeout  time.Duration
	WaitTimeout time.Duration
	MaxRetries  int

	// Wake interrupt GPIO line, empty to disable
	WakePin string

	// Bridge
	NATSURL  string
	RedisURL string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("SERIALHUB_PORT", ""),
		Baud:        getEnvAsInt("SERIALHUB_BAUD", 115200),
		DataBits:    getEnvAsInt("SERIALHUB_DATA_BITS", 8),
		Parity:      getEnv("SERIALHUB_PARITY", "none"),
		StopBits:    getEnv("SERIALHUB_STOP_BITS", "1"),
		FlowControl: getEnv("SERIALHUB_FLOW_CONTROL", FlowNone),
		AckTimeout:  getEnvAsDuration("SERIALHUB_ACK_TIMEOUT", serialhub.DefaultAckTimeout),
		WaitTimeout: getEnvAsDuration("SERIALHUB_WAIT_TIMEOUT", serialhub.DefaultWaitTimeout),
		MaxRetries:  getEnvAsInt("SERIALHUB_MAX_RETRIES", serialhub.DefaultMaxRetries),
		WakePin:     getEnv("SERIALHUB_WAKE_PIN", ""),
		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		RedisURL:    getEnv("REDIS_URL", "localhost:6379"),
	}
}

// Validate rejects settings the link cannot run with
func (c *Config) Validate() error {
	if c.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Baud)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("invalid data bits %d (5-8)", c.DataBits)
	}
	if _, err := parseParity(c.Parity); err != nil {
		return err
	}
	if _, err := parseStopBits(c.StopBits); err != nil {
		return err
	}
	switch strings.ToLower(c.FlowControl) {
	case FlowNone, FlowRTSCTS:
	default:
		return fmt.Errorf("invalid flow control %q (none, rtscts)", c.FlowControl)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive, got %v", c.AckTimeout)
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive, got %v", c.WaitTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// Mode converts the UART settings for go.bug.st/serial
func (c *Config) Mode() (*serial.Mode, error) {
	parity, err := parseParity(c.Parity)
	if err != nil {
		return nil, err
	}
	stop, err := parseStopBits(c.StopBits)
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: c.Baud,
		DataBits: c.DataBits,
		Parity:   parity,
		StopBits: stop,
	}, nil
}

// HardwareFlowControl reports whether RTS/CTS flow control is requested
func (c *Config) HardwareFlowControl() bool {
	return strings.ToLower(c.FlowControl) == FlowRTSCTS
}

// Link returns the protocol engine configuration
func (c *Config) Link(log logrus.FieldLogger) serialhub.Config {
	retries := c.MaxRetries
	if retries == 0 {
		// serialhub treats zero as "use the default"
		retries = -1
	}
	return serialhub.Config{
		AckTimeout:  c.AckTimeout,
		WaitTimeout: c.WaitTimeout,
		MaxRetries:  retries,
		Logger:      log,
	}
}

func parseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(s) {
	case "none", "n", "":
		return serial.NoParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "mark", "m":
		return serial.MarkParity, nil
	case "space", "s":
		return serial.SpaceParity, nil
	}
	return 0, fmt.Errorf("invalid parity %q", s)
}

func parseStopBits(s string) (serial.StopBits, error) {
	switch s {
	case "1", "":
		return serial.OneStopBit, nil
	case "1.5":
		return serial.OnePointFiveStopBits, nil
	case "2":
		return serial.TwoStopBits, nil
	}
	return 0, fmt.Errorf("invalid stop bits %q (1, 1.5, 2)", s)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings or a bare millisecond count
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
