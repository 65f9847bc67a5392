package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print vmhost's version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("vmhost", version)
	},
}
