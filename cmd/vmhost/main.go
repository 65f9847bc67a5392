// Command vmhost is a minimal standalone driver for the vmkernel
// library: it allocates the frame and PMT arenas, opens a file-backed
// partition, starts the periodic clock and the diagnostics server, and
// otherwise just keeps the process alive for some other client (a test
// harness, a REPL, …) to drive via the vmkernel API directly.
package main

import (
	"fmt"
	"os"

	"github.com/ivanmoreno/go-vmkernel/cmd/vmhost/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
