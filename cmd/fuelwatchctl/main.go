// Fuelwatch - Anomaly detection for fleet fuel vouchers.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command fuelwatchctl is the operator tool of fuelwatch: bulk voucher import
// over the HTTP API and offline re-evaluation against the database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "fuelwatchctl",
	Short:         "Operator tool for fuelwatch",
	Long:          `Import fuel vouchers into a running fuelwatch server or re-run the evaluation of closed vouchers directly against its database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
