// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

var (
	monitorActive bool
	monitorErrors bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display the frame stream in human-readable format",
	Long: `Continuously decode and display Serial Hub frames as they arrive.

By default the monitor is passive: it only reads the line and never
transmits, so it can sit next to a running host. Framing errors are shown
inline.

With --active the monitor runs a full link: sequenced frames from the hub
are acknowledged and both directions are displayed.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorActive, "active", false, "Acknowledge hub frames and show transmitted frames")
	monitorCmd.Flags().BoolVar(&monitorErrors, "errors", true, "Show framing errors")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if monitorActive {
		return runActiveMonitor()
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Serial Hub - Frame Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	asm := serialhub.NewAssembler()
	buf := make([]byte, serialhub.MaxFrameSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, errs := asm.Feed(buf[:n])
			if monitorErrors {
				for _, e := range errs {
					fmt.Printf("[ERROR] %v\n", e)
				}
			}
			for _, f := range frames {
				fmt.Print(serialhub.FormatFrame(f))
			}
		}
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				log.Info("Connection closed")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func runActiveMonitor() error {
	ctx, stop := signalContext()
	defer stop()

	printer := serialhub.ObserverFunc(func(dir serialhub.Direction, f *serialhub.Frame) {
		fmt.Printf("%s ", dir)
		fmt.Print(serialhub.FormatFrame(f))
	})

	// The link outlives the signal so the final statistics can be read
	s, err := openSession(context.Background(), printer)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("Serial Hub - Frame Monitor (active)\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	select {
	case <-ctx.Done():
	case err := <-s.Done():
		log.WithError(err).Info("Connection closed")
	}

	statsCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if stats, err := s.link.Stats(statsCtx); err == nil {
		fmt.Println()
		fmt.Print(stats.String())
	}
	return nil
}
