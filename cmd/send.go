// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/internal/bridge"
	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

var (
	// Shared by send and get
	requestTarget uint8
	requestNoAck  bool

	sendWait bool
)

var sendCmd = &cobra.Command{
	Use:   "send CATEGORY[:INSTANCE] CID [HEX-PAYLOAD]",
	Short: "Send a command without waiting for a response",
	Long: `Send one command to the hub.

CATEGORY is a short name (bat, kbd, hid, ...) or a number, optionally
followed by ':' and the instance id. CID is the command id. The payload is
given as hex, e.g. "0a0b".

By default the command is sent as a sequenced frame and the tool waits for
the hub's ACK, retransmitting on timeout or NAK. Use --no-ack to send an
unsequenced frame, or --wait=false to return as soon as the frame is
written.

Examples:
  serialhub -p /dev/ttyS4 send bat:1 0x05
  serialhub -p /dev/ttyS4 send sam 0x0b 08`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	addRequestFlags(sendCmd)
	sendCmd.Flags().BoolVar(&sendWait, "wait", true, "Wait for the ACK before exiting")
}

func addRequestFlags(c *cobra.Command) {
	c.Flags().Uint8Var(&requestTarget, "target", serialhub.IDHub, "Target id (TID)")
	c.Flags().BoolVar(&requestNoAck, "no-ack", false, "Send without a sequence id")
}

// parseRequest builds a request from the command line flags and
// CATEGORY[:INSTANCE] CID [HEX-PAYLOAD]
func parseRequest(args []string) (serialhub.Request, error) {
	return buildRequest(args, requestTarget, !requestNoAck)
}

func buildRequest(args []string, target uint8, wantAck bool) (serialhub.Request, error) {
	req := serialhub.Request{
		Target:  target,
		WantAck: wantAck,
	}
	if len(args) < 2 || len(args) > 3 {
		return req, fmt.Errorf("expected CATEGORY[:INSTANCE] CID [HEX-PAYLOAD]")
	}

	if strings.HasSuffix(args[0], "!") {
		return req, fmt.Errorf("invalid category %q", args[0])
	}
	route, err := bridge.ParseRoute(args[0])
	if err != nil {
		return req, err
	}
	req.Category = route.Category
	req.Instance = route.Instance

	cid, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return req, fmt.Errorf("invalid command id %q: %w", args[1], err)
	}
	req.Command = uint8(cid)

	if len(args) > 2 {
		payload, err := hex.DecodeString(strings.ReplaceAll(args[2], " ", ""))
		if err != nil {
			return req, fmt.Errorf("invalid payload: %w", err)
		}
		if len(payload) > serialhub.MaxCommandData {
			return req, fmt.Errorf("payload is %d bytes (max %d)", len(payload), serialhub.MaxCommandData)
		}
		req.Payload = payload
	}

	return req, nil
}

// parseRoutes parses CATEGORY[:INSTANCE][!] arguments
func parseRoutes(args []string) ([]bridge.Route, error) {
	routes := make([]bridge.Route, 0, len(args))
	for _, arg := range args {
		r, err := bridge.ParseRoute(arg)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	req, err := parseRequest(args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	log.WithFields(logrus.Fields{
		"category": serialhub.FormatCategory(req.Category),
		"iid":      req.Instance,
		"cid":      req.Command,
		"len":      len(req.Payload),
	}).Debug("Sending command")

	ctx, cancel := context.WithTimeout(ctx, commandTimeout())
	defer cancel()

	call, err := s.link.SendCommand(ctx, req)
	if err != nil {
		return err
	}

	seq, sequenced := call.Sequence()
	if !sequenced || !sendWait {
		fmt.Printf("Sent rqid=%d\n", call.RequestID())
		return nil
	}

	if err := call.Wait(ctx); err != nil {
		return fmt.Errorf("command rqid=%d seq=%d: %w", call.RequestID(), seq, err)
	}
	fmt.Printf("Acknowledged rqid=%d seq=%d\n", call.RequestID(), seq)
	return nil
}
