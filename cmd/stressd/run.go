package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stressd/internal/config"
	"stressd/internal/health"
	"stressd/internal/intervention"
	"stressd/internal/ipc"
	"stressd/internal/logging"
	"stressd/internal/metrics"
	"stressd/internal/monitor"
	"stressd/internal/store"
)

var (
	runNoPredictor bool
	runMonitor     bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor host events read from stdin",
		Long: `Reads one JSON event per line from stdin and writes one JSON reply per line
to stdout. Events:

  {"kind":"start"}                              begin a monitored session
  {"kind":"keystroke","char":"a","key_code":65} record a key press
  {"kind":"compile","output":"...","success":false,"language":"c"}
  {"kind":"stop"}                               end and save the session
  {"kind":"calibrate"}                          restart the session
  {"kind":"check"}                              analyze now
  {"kind":"stats"} / {"kind":"features"}
  {"kind":"respond","id":"...","accepted":true,"relief":6}
  {"kind":"feedback","id":"...","rating":4,"comment":"..."}

Interventions are written as {"event":"intervention","data":{...}} whenever
the analysis loop raises one. The run ends when stdin closes.`,
		Args: cobra.NoArgs,
		RunE: runDaemon,
	}
	cmd.Flags().BoolVar(&runNoPredictor, "no-predictor", false, "do not start the prediction service")
	cmd.Flags().BoolVar(&runMonitor, "monitor", false, "start monitoring immediately")
	return cmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(resolveConfigPath())
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lcfg, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(lcfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.WithComponent("daemon")

	for _, w := range config.Check(cfg).Warnings() {
		log.Warn("config", "field", w.Field, "msg", w.Message)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *store.Store
	if cfg.Storage.Path != "" {
		db, err = store.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	var mopts []intervention.ManagerOption
	if db != nil {
		mopts = append(mopts, intervention.WithRecorder(db))
	}
	manager, err := intervention.NewManager(intervention.ManagerConfig{
		NodeID:      cfg.Intervention.NodeID,
		HistorySize: cfg.Intervention.HistorySize,
		FeedbackLog: cfg.Intervention.FeedbackLog,
		EnableC:     cfg.Intervention.EnableC,
		EnableCPP:   cfg.Intervention.EnableCPP,
	}, logger.WithComponent("intervention"), mopts...)
	if err != nil {
		return err
	}
	gate := intervention.NewGate(cfg.Intervention.Threshold, cfg.Cooldown())
	m := metrics.NewStressdMetrics(nil)

	client := startPredictor(ctx, cfg, logger.WithComponent("ipc"), log)
	if client != nil {
		defer func() {
			if err := client.Stop(); err != nil {
				log.Warn("stop prediction service", "err", err)
			}
		}()
	}

	out := newHost(nil, cmd.OutOrStdout(), log)
	opts := []monitor.Option{
		monitor.WithMetrics(m),
		monitor.OnIntervention(out.onIntervention),
	}
	if client != nil {
		opts = append(opts, monitor.WithAnalyzer(client))
	}
	if db != nil {
		opts = append(opts, monitor.WithBaselinePersister(db), monitor.WithSessionRecorder(db))
	}
	engine, err := monitor.New(monitor.Config{
		TickInterval:    cfg.TickInterval(),
		AnalysisTimeout: cfg.AnalysisTimeout(),
		DataDir:         cfg.Monitor.DataDir,
		ExportSessions:  cfg.Monitor.ExportSessions,
	}, gate, manager, logger.WithComponent("monitor"), opts...)
	if err != nil {
		return err
	}
	out.engine = engine

	loader.OnChange(func(c *config.Config) {
		engine.Reconfigure(c.Intervention.Threshold, c.Cooldown(), c.Intervention.EnableC, c.Intervention.EnableCPP)
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload disabled", "err", err)
	}

	checker := health.NewChecker()
	checker.Register(health.Component{
		Name:     "monitor",
		Critical: true,
		Check:    health.RunningCheck("analysis loop", engine.Running, health.StatusUnhealthy),
	})
	if db != nil {
		checker.Register(health.Component{
			Name:     "database",
			Critical: true,
			Check:    health.DatabaseCheck(db.DB().PingContext),
		})
	}
	if client != nil {
		checker.Register(health.Component{
			Name:  "predictor",
			Check: health.RunningCheck("prediction service", client.Running, health.StatusDegraded),
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := engine.Start(gctx); err != nil {
			return err
		}
		checker.SetReady(true)
		if runMonitor {
			engine.StartMonitoring()
		}
		<-gctx.Done()
		checker.SetReady(false)
		// The session is saved with a fresh context; gctx is already done.
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return engine.Stop(sctx)
	})

	g.Go(func() error {
		return out.serve(gctx, cmd.InOrStdin())
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-loader.Errors():
				log.Warn("config reload rejected", "err", err)
			}
		}
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Info("metrics endpoint", "listen", cfg.Metrics.Listen)
			return metrics.Serve(gctx, cfg.Metrics.Listen, m.Registry(), logger.WithComponent("metrics"),
				metrics.Route{Pattern: "GET /healthz", Handler: checker.LivenessHandler()},
				metrics.Route{Pattern: "GET /readyz", Handler: checker.ReadinessHandler()},
				metrics.Route{Pattern: "GET /health", Handler: checker.Handler()},
			)
		})
		g.Go(func() error {
			t := time.NewTicker(time.Second)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					m.UpdateUptime()
				}
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, errEndOfInput) || errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("stopped")
	return err
}

// startPredictor launches the prediction service. It returns nil when the
// service is disabled or fails to start; the daemon then runs without
// predictions.
func startPredictor(ctx context.Context, cfg *config.Config, ipcLog, log *slog.Logger) *ipc.Client {
	p := cfg.Predictor
	if runNoPredictor || p.Executable == "" {
		log.Info("prediction service disabled")
		return nil
	}
	ccfg := ipc.DefaultClientConfig()
	ccfg.Address = p.Address
	ccfg.Script = p.Script
	ccfg.ConnectAttempts = p.ConnectAttempts
	ccfg.ConnectInterval = p.ConnectInterval()
	ccfg.RequestTimeout = p.RequestTimeout()
	ccfg.StopTimeout = p.StopTimeout()

	client := ipc.NewClient(ccfg, ipcLog)
	if err := client.Start(ctx, p.Executable, p.ModelPath); err != nil {
		log.Warn("prediction service unavailable, continuing without predictions", "err", err)
		_ = client.Stop()
		return nil
	}
	return client
}
