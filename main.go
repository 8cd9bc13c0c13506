// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Serial Hub - UART Protocol Tool
//
// A CLI tool for monitoring, commanding and bridging a Serial Hub
// aggregator over its UART link.

package main

import (
	"os"

	"github.com/Thermoquad/serialhub/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
