// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

var (
	probeTimeout int
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test connection by waiting for a valid Serial Hub frame",
	Long: `Wait for a valid Serial Hub frame on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any frame
whose header and payload checksums both verify. Bytes before the first
frame are skipped and counted. Nothing is transmitted.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runProbe(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Serial Hub - Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", probeTimeout)
	fmt.Printf("Waiting for valid frame...\n\n")

	frameChan := make(chan *serialhub.Frame, 1)
	errChan := make(chan error, 1)

	go func() {
		asm := serialhub.NewAssembler()
		buf := make([]byte, serialhub.MaxFrameSize)
		framingErrors := 0
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				frames, errs := asm.Feed(buf[:n])
				framingErrors += len(errs)
				if len(frames) > 0 {
					if skipped := asm.Discarded(); skipped > 0 || framingErrors > 0 {
						fmt.Printf("(skipped %d bytes, %d framing errors before sync)\n", skipped, framingErrors)
					}
					frameChan <- frames[0]
					return
				}
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	select {
	case f := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Type: %s (0x%02X)\n", serialhub.FormatFrameType(f.Type), byte(f.Type))
		fmt.Printf("  Seq: %d\n", f.Seq)
		fmt.Printf("  Length: %d bytes\n", len(f.Payload))
		if f.IsData() {
			if c, err := serialhub.ParseCommand(f.Payload); err == nil {
				fmt.Print(serialhub.FormatCommand(c))
			}
		}
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(probeTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", probeTimeout)
		os.Exit(1)
	}

	return nil
}
