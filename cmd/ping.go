// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

var (
	pingCount    int
	pingInterval time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping CATEGORY[:INSTANCE] CID [HEX-PAYLOAD]",
	Short: "Measure command round-trip time",
	Long: `Repeat a command and time each response.

Every round trip covers the frame transmission, the hub's ACK and the
response carrying the same request id. Retransmissions are included in the
measured time. Pick a command with no side effects, typically a status read.

This is useful for verifying:
  - The connection is established in both directions
  - The hub answers within the configured timeouts
  - The line is clean (no retransmissions under load)

Exit codes:
  0 - All pings answered
  1 - One or more pings failed or timed out
  2 - Connection error`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	addRequestFlags(pingCmd)
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 3, "Number of pings to send")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", 100*time.Millisecond, "Delay between pings")
}

// rttSummary accumulates round-trip times
type rttSummary struct {
	sent, received int
	min, max, sum  time.Duration
}

func (r *rttSummary) add(rtt time.Duration) {
	if r.received == 0 || rtt < r.min {
		r.min = rtt
	}
	if rtt > r.max {
		r.max = rtt
	}
	r.sum += rtt
	r.received++
}

func (r *rttSummary) loss() float64 {
	if r.sent == 0 {
		return 0
	}
	return float64(r.sent-r.received) / float64(r.sent) * 100
}

func (r *rttSummary) String() string {
	s := fmt.Sprintf("%d pings sent, %d responses received, %.0f%% loss\n", r.sent, r.received, r.loss())
	if r.received > 0 {
		avg := r.sum / time.Duration(r.received)
		s += fmt.Sprintf("rtt min/avg/max = %v/%v/%v\n",
			r.min.Round(time.Microsecond), avg.Round(time.Microsecond), r.max.Round(time.Microsecond))
	}
	return s
}

func runPing(cmd *cobra.Command, args []string) error {
	req, err := parseRequest(args)
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

	fmt.Printf("Serial Hub - Ping\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Command: %s (0x%02X) iid=%d cid=0x%02X\n",
		serialhub.FormatCategory(req.Category), req.Category, req.Instance, req.Command)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	var summary rttSummary
	buf := make([]byte, serialhub.MaxCommandData)

	for i := 1; i <= pingCount && ctx.Err() == nil; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)
		summary.sent++

		start := time.Now()
		n, err := s.link.GetResponse(ctx, req, buf)
		rtt := time.Since(start)
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
		} else {
			fmt.Printf("%d bytes, rtt=%v\n", n, rtt.Round(time.Microsecond))
			summary.add(rtt)
		}

		if i < pingCount {
			select {
			case <-time.After(pingInterval):
			case <-ctx.Done():
			}
		}
	}

	if stats, err := fetchStats(s.link); err == nil && stats.Retransmissions > 0 {
		fmt.Printf("\n%d retransmissions\n", stats.Retransmissions)
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Print(summary.String())

	if summary.received < summary.sent {
		s.Close()
		os.Exit(1)
	}
	return nil
}
