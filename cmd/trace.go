// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
	"github.com/Thermoquad/serialhub/pkg/trace"
)

var (
	traceSpeed    float64
	traceDuration time.Duration
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Record, show and replay link traces",
	Long: `Capture link traffic to a CBOR trace file and work with it offline.

A trace holds every decoded frame in both directions with its capture time.
Replaying a trace feeds the received frames into a fresh link, so framing,
acknowledgment and event dispatch can be reproduced without hardware.`,
}

var traceRecordCmd = &cobra.Command{
	Use:   "record FILE [ROUTE...]",
	Short: "Run the link and record every frame to FILE",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTraceRecord,
}

var traceShowCmd = &cobra.Command{
	Use:   "show FILE",
	Short: "Print the frames of a trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceShow,
}

var traceReplayCmd = &cobra.Command{
	Use:   "replay FILE [ROUTE...]",
	Short: "Feed the received frames of a trace into a link",
	Long: `Feed the received frames of a trace into a link with no connection.

Frames the link would transmit are printed instead. Events for ROUTE
arguments are printed as they are dispatched. Link statistics are shown at
the end.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTraceReplay,
}

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.AddCommand(traceRecordCmd, traceShowCmd, traceReplayCmd)

	traceRecordCmd.Flags().DurationVar(&traceDuration, "duration", 0, "Stop recording after this long (0 = until Ctrl+C)")
	traceReplayCmd.Flags().Float64Var(&traceSpeed, "speed", 0, "Replay speed (0 = as fast as possible, 1 = real time)")
}

func runTraceRecord(cmd *cobra.Command, args []string) error {
	routes, err := parseRoutes(args[1:])
	if err != nil {
		return err
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	rec := trace.NewRecorder(w)

	ctx, stop := signalContext()
	defer stop()
	if traceDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, traceDuration)
		defer cancel()
	}

	s, err := openSession(context.Background(), rec)
	if err != nil {
		return err
	}

	// Events are recorded as frames; the client only keeps the routes alive
	sink := &eventForwarder{fn: func(serialhub.Event) {}}
	if err := registerRoutes(s.link, sink, routes); err != nil {
		s.Close()
		return err
	}

	fmt.Printf("Serial Hub - Trace Recorder\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Recording to %s, press Ctrl+C to stop\n", args[0])

	select {
	case <-ctx.Done():
	case err := <-s.Done():
		log.WithError(err).Warn("Connection closed")
	}

	disableRoutes(s.link, routes)
	s.Close()

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush trace: %w", err)
	}
	if err := rec.Err(); err != nil {
		return err
	}
	fmt.Printf("\n%d frames recorded\n", rec.Count())
	return nil
}

func runTraceShow(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	reader := trace.NewReader(bufio.NewReader(f))
	count := 0
	for {
		r, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		count++
		fmt.Printf("%s ", serialhub.Direction(r.Direction))
		fmt.Print(serialhub.FormatFrame(r.Frame()))
	}
	fmt.Printf("\n%d frames\n", count)
	return nil
}

func runTraceReplay(cmd *cobra.Command, args []string) error {
	routes, err := parseRoutes(args[1:])
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signalContext()
	defer stop()

	linkCfg := cfg.Link(log)
	linkCfg.Observer = serialhub.ObserverFunc(func(dir serialhub.Direction, fr *serialhub.Frame) {
		fmt.Printf("%s ", dir)
		fmt.Print(serialhub.FormatFrame(fr))
	})
	link := serialhub.NewLink(io.Discard, linkCfg)

	linkCtx, cancelLink := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		link.Run(linkCtx)
	}()
	defer func() {
		cancelLink()
		<-done
	}()

	client := &eventForwarder{fn: func(ev serialhub.Event) {
		fmt.Printf("[EVENT] %s iid=%d cid=0x%02X rqid=%d len=%d\n",
			serialhub.FormatCategory(ev.Category), ev.Instance, ev.Command, ev.RequestID, len(ev.Payload))
	}}
	for _, r := range routes {
		if err := link.RegisterEvent(ctx, client, r.Category, r.Instance); err != nil {
			return err
		}
	}

	n, err := trace.Replay(ctx, bufio.NewReader(f), link, trace.ReplayOptions{Speed: traceSpeed})
	if err != nil && err != context.Canceled {
		return err
	}

	statsCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, err := link.Stats(statsCtx)
	if err != nil {
		return err
	}
	fmt.Printf("\n%d frames replayed\n\n", n)
	fmt.Print(stats.String())
	return nil
}
