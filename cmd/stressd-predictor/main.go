// stressd-predictor is the reference prediction service. The daemon spawns
// it as
//
//	stressd-predictor <model-dir> --address <socket>
//
// and drives it over the local channel: initialize, analyze, get_hint and
// shutdown. Scoring rules are read from rules.toml in the model directory;
// built-in rules are used when the file is absent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stressd/internal/ipc"
	"stressd/internal/logging"
	"stressd/internal/predictor"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	address  string
	logLevel string
	logJSON  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "stressd-predictor [model-dir]",
		Short:        "Serve anxiety predictions to stressd",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		Version:      version,
		RunE:         run,
	}
	cmd.Flags().StringVar(&address, "address", ipc.DefaultAddress(), "socket path or pipe name to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "write JSON log records")
	return cmd
}

func run(_ *cobra.Command, args []string) error {
	lcfg := logging.DefaultConfig()
	lcfg.Component = "predictor"
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	lcfg.Level = level
	if logJSON {
		lcfg.Format = logging.FormatJSON
	}
	// stdout and stderr are forwarded into the daemon's log.
	logger := logging.NewWriter(os.Stderr, lcfg)
	log := logger.Logger

	svc := predictor.New(log)
	if len(args) == 1 {
		if err := svc.Initialize(args[0]); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
	}

	scfg := ipc.DefaultServerConfig()
	scfg.Address = address
	srv := ipc.NewServer(scfg, svc, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	log.Info("listening", "address", address)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case <-srv.ShutdownRequested():
		log.Info("shutdown requested")
	}
	return srv.Stop()
}
