// Package cmd is the cobra command tree for bunkerd's CLI surface (§6):
// setup, add, start. Adapted from the teacher CLI's cmd/root.go.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "bunkerd",
	Short:   "bunkerd is a remote signing bunker for public-key event protocols",
	Long:    `bunkerd custodies private keys encrypted at rest and mediates signing, encryption, and account-creation operations over a relay-transported RPC protocol, gated by a per-key access-control policy.`,
	Version: version,
}

var configPath string

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/nsecbunker.json", "path to the bunkerd configuration file")
}
