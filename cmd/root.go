// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/internal/config"
)

var (
	log = logrus.New()
	cfg = config.Load()

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Logging flags
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "serialhub",
	Short: "Serial Hub protocol tool",
	Long: `serialhub - talk to a Serial Hub aggregator over its UART link.

Monitors the frame stream, sends commands and waits for responses, listens
for peripheral events and bridges them onto NATS.

Connection modes:
  Serial:    --port /dev/ttyS4 [--baud 115200] [--parity none] [--flow-control rtscts]
  WebSocket: --url ws://host/path [--username user]

Every serial and timing flag has a SERIALHUB_* environment variable; flags win.
For WebSocket authentication, the password is read from SERIALHUB_PASSWORD,
or prompted interactively if not set.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()

	// Serial connection flags
	flags.StringVarP(&cfg.Port, "port", "p", cfg.Port, "Serial port device (SERIALHUB_PORT)")
	flags.IntVarP(&cfg.Baud, "baud", "b", cfg.Baud, "Baud rate (SERIALHUB_BAUD)")
	flags.IntVar(&cfg.DataBits, "data-bits", cfg.DataBits, "Data bits (SERIALHUB_DATA_BITS)")
	flags.StringVar(&cfg.Parity, "parity", cfg.Parity, "Parity: none, odd, even, mark, space (SERIALHUB_PARITY)")
	flags.StringVar(&cfg.StopBits, "stop-bits", cfg.StopBits, "Stop bits: 1, 1.5, 2 (SERIALHUB_STOP_BITS)")
	flags.StringVar(&cfg.FlowControl, "flow-control", cfg.FlowControl, "Flow control: none, rtscts (SERIALHUB_FLOW_CONTROL)")

	// Protocol flags
	flags.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "Time to wait for an ACK before retransmitting (SERIALHUB_ACK_TIMEOUT)")
	flags.DurationVar(&cfg.WaitTimeout, "wait-timeout", cfg.WaitTimeout, "Time to wait for a response (SERIALHUB_WAIT_TIMEOUT)")
	flags.IntVar(&cfg.MaxRetries, "retries", cfg.MaxRetries, "Retransmissions before a command fails (SERIALHUB_MAX_RETRIES)")
	flags.StringVar(&cfg.WakePin, "wake-pin", cfg.WakePin, "GPIO line signalling hub wake-up (SERIALHUB_WAKE_PIN)")

	// WebSocket connection flags
	flags.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	flags.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	flags.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Logging
	flags.StringVar(&logLevel, "log-level", "warning", "Log level: trace, debug, info, warning, error")
	flags.StringVar(&logFormat, "log-format", "text", "Log format: text, json")
}

// setup configures logging and validates the merged configuration
func setup(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	switch logFormat {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q (text, json)", logFormat)
	}

	return cfg.Validate()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// commandTimeout bounds one request from the CLI: every retry plus the
// response window
func commandTimeout() time.Duration {
	return time.Duration(cfg.MaxRetries+1)*cfg.AckTimeout + cfg.WaitTimeout
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
