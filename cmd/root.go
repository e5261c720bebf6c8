package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:     "rtmux",
	Short:   "Realtime channel multiplexer for Supabase-compatible backends",
	Long:    `A client-side manager that multiplexes subscribers onto Phoenix-protocol realtime channels, with per-channel health and latency tracking.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate("rtmux version {{.Version}}\n")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
