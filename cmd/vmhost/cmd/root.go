// Package cmd provides vmhost's command-line interface, structured the
// same way as sarchlab-akita's akita/cmd/root.go.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vmhost",
	Short: "vmhost stands up a vmkernel virtual-memory system and serves its diagnostics API",
	Long: `vmhost allocates the frame and PMT arenas a vmkernel.System needs, ` +
		`opens a file-backed partition for it, drives its periodic clock, and ` +
		`serves a read-only diagnostics API over HTTP. It does not itself speak ` +
		`any client protocol — clients are expected to link against the ` +
		`vmkernel package directly.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
