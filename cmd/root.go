// Package cmd defines the shelfwatch CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shelfwatch",
		Short: "Retail price and availability crawler",
		Long: `shelfwatch crawls retail category listings through real browser
sessions, tracks per-store price history, and fires alerts on clearance
and price-drop events. Worker count adapts to crawl health and host
resources.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newRunCmd())
	return cmd
}

// Execute runs the CLI. Unrecoverable startup failures exit non-zero;
// a graceful shutdown exits zero.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shelfwatch:", err)
		os.Exit(1)
	}
}
