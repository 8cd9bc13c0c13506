// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

var getRaw bool

var getCmd = &cobra.Command{
	Use:   "get CATEGORY[:INSTANCE] CID [HEX-PAYLOAD]",
	Short: "Send a command and print the hub's response",
	Long: `Send one command and wait for the response carrying the same request id.

Arguments are the same as for send. The response data is printed as a hex
dump, or as a single hex string with --raw.

Examples:
  serialhub -p /dev/ttyS4 get bat:1 0x05
  serialhub -p /dev/ttyS4 get tmp 0x01 --raw`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
	addRequestFlags(getCmd)
	getCmd.Flags().BoolVar(&getRaw, "raw", false, "Print the response as one hex string")
}

func runGet(cmd *cobra.Command, args []string) error {
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

	buf := make([]byte, serialhub.MaxCommandData)
	n, err := s.link.GetResponse(ctx, req, buf)
	if err != nil {
		return fmt.Errorf("%s cid=0x%02X: %w", serialhub.FormatCategory(req.Category), req.Command, err)
	}

	if getRaw {
		fmt.Println(hex.EncodeToString(buf[:n]))
		return nil
	}

	fmt.Printf("%s (0x%02X) iid=%d cid=0x%02X: %d bytes\n",
		serialhub.FormatCategory(req.Category), req.Category, req.Instance, req.Command, n)
	if n > 0 {
		fmt.Print(serialhub.FormatHex(buf[:n]))
	}
	return nil
}
