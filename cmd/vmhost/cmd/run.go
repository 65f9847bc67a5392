package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ivanmoreno/go-vmkernel/internal/diagapi"
	"github.com/ivanmoreno/go-vmkernel/internal/hostconfig"
	"github.com/ivanmoreno/go-vmkernel/utils"
	"github.com/ivanmoreno/go-vmkernel/vmkernel"
)

var runConfigPath string

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "path to a JSON host config (defaults baked in if omitted)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Allocate the arenas, open the partition, and serve diagnostics until interrupted",
	RunE:  runE,
}

func runE(_ *cobra.Command, _ []string) error {
	cfg := hostconfig.Default()
	if runConfigPath != "" {
		loaded, err := hostconfig.Load(runConfigPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}

	log := utils.NewLogger("vmhost", cfg.LogLevel)
	log.Info("starting vmhost", "frame_pages", cfg.FramePages, "pmt_pages", cfg.PMTPages, "clusters", cfg.Clusters)

	partition, err := vmkernel.OpenFilePartition(cfg.SwapPath, cfg.Clusters)
	if err != nil {
		return err
	}
	defer partition.Close()

	frameRegion := make([]byte, cfg.FramePages*vmkernel.PageSize)
	pmtRegion := make([]byte, cfg.PMTPages*vmkernel.PageSize)

	sys, err := vmkernel.NewSystem(frameRegion, cfg.FramePages, pmtRegion, cfg.PMTPages, partition, log)
	if err != nil {
		return err
	}

	stopTick := make(chan struct{})
	go runPeriodicClock(sys, stopTick)
	defer close(stopTick)

	diagServer := diagapi.New(sys)
	go func() {
		if err := diagServer.ListenAndServe(cfg.DiagAddr); err != nil {
			log.Error("diagnostics server stopped", "error", err)
		}
	}()
	log.Info("diagnostics API listening", "addr", cfg.DiagAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("signal received, shutting down")
	return nil
}

// runPeriodicClock drives System.PeriodicJob on the host thread the
// system's own design assumes exists, per spec.md §5's "one additional
// host thread drives periodic_job" and §6's next-tick-hint contract: a
// return of 0 would mean stop, but PeriodicJob always returns
// PeriodicTickMillis, so the only exit path is stopTick closing.
func runPeriodicClock(sys *vmkernel.System, stop <-chan struct{}) {
	for {
		next := sys.PeriodicJob()
		if next <= 0 {
			return
		}
		select {
		case <-time.After(time.Duration(next) * time.Millisecond):
		case <-stop:
			return
		}
	}
}
