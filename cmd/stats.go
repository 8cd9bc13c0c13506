// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/internal/bridge"
	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var statsCmd = &cobra.Command{
	Use:   "stats [ROUTE...]",
	Short: "Track link health, framing errors and delivery statistics",
	Long: `Run the link and track its counters in real time.

Tracked per link:
  - Framing errors (header CRC, payload CRC, bad length, cache overflow)
  - Delivery (retransmissions, failed commands, response timeouts)
  - Dropped traffic (duplicates, unhandled frames, overruns)
  - Frame rate and error rate

Sequenced frames from the hub are acknowledged, so the hub sees a live host.
Optional ROUTE arguments (CATEGORY[:INSTANCE][!]) register for events, which
are shown in the log.

By default only errors and events are logged. Use --show-all to log every
frame too.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	statsCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics print interval in text mode (seconds)")
	statsCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// eventForwarder hands events to a callback
type eventForwarder struct {
	fn func(serialhub.Event)
}

func (f *eventForwarder) EventReceived(ev serialhub.Event) {
	f.fn(ev)
}

func runStats(cmd *cobra.Command, args []string) error {
	routes, err := parseRoutes(args)
	if err != nil {
		return err
	}

	if useTUI {
		return runTUIMode(routes)
	}
	return runTextMode(routes)
}

// registerRoutes points every route at client, enabling where asked
func registerRoutes(link *serialhub.Link, client serialhub.Client, routes []bridge.Route) error {
	for _, r := range routes {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout())
		err := link.RegisterEvent(ctx, client, r.Category, r.Instance)
		if err == nil && r.Enable {
			err = serialhub.EnableEvent(ctx, link, r.Category, r.Instance)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("register %s:%d: %w", serialhub.FormatCategory(r.Category), r.Instance, err)
		}
	}
	return nil
}

// fetchStats reads a statistics snapshot with a short deadline
func fetchStats(link *serialhub.Link) (serialhub.Statistics, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return link.Stats(ctx)
}

// runTUIMode runs the statistics view in TUI mode
func runTUIMode(routes []bridge.Route) error {
	// Frames arrive before the program exists; queue them until it does
	frames := make(chan frameMsg, 256)
	observer := serialhub.ObserverFunc(func(dir serialhub.Direction, f *serialhub.Frame) {
		select {
		case frames <- frameMsg{dir: dir, frame: f}:
		default:
		}
	})

	s, err := openSession(context.Background(), observer)
	if err != nil {
		return err
	}
	defer s.Close()

	m := initialModel(s.info, showAll, func() (serialhub.Statistics, error) {
		return fetchStats(s.link)
	})
	p := tea.NewProgram(m)

	client := &eventForwarder{fn: func(ev serialhub.Event) { p.Send(eventMsg{event: ev}) }}
	if err := registerRoutes(s.link, client, routes); err != nil {
		return err
	}
	defer disableRoutes(s.link, routes)

	go func() {
		for msg := range frames {
			p.Send(msg)
		}
	}()
	go func() {
		p.Send(linkDownMsg{err: <-s.Done()})
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}

	return nil
}

// runTextMode prints errors as they are counted and a summary every interval
func runTextMode(routes []bridge.Route) error {
	ctx, stop := signalContext()
	defer stop()

	var observer serialhub.FrameObserver
	if showAll {
		observer = serialhub.ObserverFunc(func(dir serialhub.Direction, f *serialhub.Frame) {
			fmt.Printf("%s ", dir)
			fmt.Print(serialhub.FormatFrame(f))
		})
	}

	s, err := openSession(context.Background(), observer)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("Serial Hub - Link Statistics\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors and events\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	printer := &eventPrinter{events: make(chan serialhub.Event, 64)}
	if err := registerRoutes(s.link, printer, routes); err != nil {
		return err
	}
	defer disableRoutes(s.link, routes)

	pollTicker := time.NewTicker(time.Second)
	defer pollTicker.Stop()
	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	prev, err := fetchStats(s.link)
	if err != nil {
		return err
	}

	for {
		select {
		case ev := <-printer.events:
			fmt.Printf("[EVENT] %s iid=%d cid=0x%02X rqid=%d\n",
				serialhub.FormatCategory(ev.Category), ev.Instance, ev.Command, ev.RequestID)
			if len(ev.Payload) > 0 {
				fmt.Print(serialhub.FormatHex(ev.Payload))
			}

		case <-pollTicker.C:
			cur, err := fetchStats(s.link)
			if err != nil {
				log.WithError(err).Warn("Statistics unavailable")
				continue
			}
			for _, d := range counterDeltas(prev, cur) {
				fmt.Printf("\033[1;31m[ERROR]\033[0m %s\n", d)
			}
			prev = cur

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(prev.String())
			fmt.Println()

		case err := <-s.Done():
			return fmt.Errorf("connection lost: %w", err)

		case <-ctx.Done():
			fmt.Println()
			fmt.Print(prev.String())
			return nil
		}
	}
}
