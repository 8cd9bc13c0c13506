// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/internal/bridge"
	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

var (
	listenTimeout int
	listenCount   int
)

var listenCmd = &cobra.Command{
	Use:   "listen ROUTE...",
	Short: "Print events from registered peripherals",
	Long: `Register for peripheral events and print them as they arrive.

Each ROUTE is CATEGORY[:INSTANCE][!]. A trailing '!' also asks the hub to
start emitting the event (SAM enable) and disables it again on exit.

Examples:
  # Keyboard events from instance 0
  serialhub listen --port /dev/ttyS4 kbd

  # Enable and listen to battery 1 and the touchpad
  serialhub listen --port /dev/ttyS4 'bat:1!' tch

Exit codes:
  0 - Stopped by signal, or --count events received
  1 - --timeout reached before --count events
  2 - Connection or registration error`,
	Args: cobra.MinimumNArgs(1),
	RunE: runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().IntVar(&listenTimeout, "timeout", 0, "Stop after this many seconds (0 = run until Ctrl+C)")
	listenCmd.Flags().IntVar(&listenCount, "count", 0, "Stop after this many events (0 = unlimited)")
}

// eventPrinter queues events for the listen loop
type eventPrinter struct {
	events chan serialhub.Event
}

func (p *eventPrinter) EventReceived(ev serialhub.Event) {
	select {
	case p.events <- ev:
	default:
		log.WithField("category", serialhub.FormatCategory(ev.Category)).Warn("Event dropped, printer busy")
	}
}

func runListen(cmd *cobra.Command, args []string) error {
	routes, err := parseRoutes(args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(context.Background(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	printer := &eventPrinter{events: make(chan serialhub.Event, 64)}

	fmt.Printf("Serial Hub - Event Listener\n")
	fmt.Printf("Connection: %s\n", s.info)
	for _, r := range routes {
		opCtx, cancel := context.WithTimeout(ctx, commandTimeout())
		err := s.link.RegisterEvent(opCtx, printer, r.Category, r.Instance)
		if err == nil && r.Enable {
			err = serialhub.EnableEvent(opCtx, s.link, r.Category, r.Instance)
		}
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Register %s:%d: %v\n", serialhub.FormatCategory(r.Category), r.Instance, err)
			s.Close()
			os.Exit(2)
		}
		fmt.Printf("Listening: %s (0x%02X) iid=%d\n", serialhub.FormatCategory(r.Category), r.Category, r.Instance)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	defer disableRoutes(s.link, routes)

	var timeout <-chan time.Time
	if listenTimeout > 0 {
		timeout = time.After(time.Duration(listenTimeout) * time.Second)
	}

	received := 0
	for {
		select {
		case ev := <-printer.events:
			received++
			fmt.Printf("[%s] %s (0x%02X) iid=%d cid=0x%02X rqid=%d\n",
				time.Now().Format("15:04:05.000"), serialhub.FormatCategory(ev.Category), ev.Category,
				ev.Instance, ev.Command, ev.RequestID)
			if len(ev.Payload) > 0 {
				fmt.Print(serialhub.FormatHex(ev.Payload))
			}
			if listenCount > 0 && received >= listenCount {
				return nil
			}

		case err := <-s.Done():
			return fmt.Errorf("connection lost after %d events: %w", received, err)

		case <-timeout:
			if listenCount == 0 {
				fmt.Printf("\n%d events received\n", received)
				return nil
			}
			fmt.Fprintf(os.Stderr, "TIMEOUT: %d of %d events received\n", received, listenCount)
			disableRoutes(s.link, routes)
			s.Close()
			os.Exit(1)

		case <-ctx.Done():
			fmt.Printf("\n%d events received\n", received)
			return nil
		}
	}
}

// disableRoutes turns off the events this run enabled
func disableRoutes(link *serialhub.Link, routes []bridge.Route) {
	for _, r := range routes {
		if !r.Enable {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout())
		if err := serialhub.DisableEvent(ctx, link, r.Category, r.Instance); err != nil {
			log.WithError(err).WithField("category", serialhub.FormatCategory(r.Category)).Warn("Disable event failed")
		}
		cancel()
	}
}
