package commands

import (
	"context"
	stderrors "errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/conveyor/internal/api"
	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/daemon"
	"git.home.luguber.info/inful/conveyor/internal/metrics"
)

// stopTimeout is how long shutdown waits for in-flight runs and requests.
const stopTimeout = 30 * time.Second

// DaemonCmd implements the 'daemon' command. All settings come from the
// configuration file named by the root --config flag.
type DaemonCmd struct{}

func (dc *DaemonCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	logger := g.logger()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	dm, err := daemon.New(cfg, daemon.Options{
		ConfigPath: root.Config,
		Logger:     logger,
		Recorder:   recorder,
	})
	if err != nil {
		return err
	}

	apiCfg := api.Config{
		Listen:      cfg.Server.Listen,
		MaxConns:    cfg.Server.MaxConns,
		WebhookPath: cfg.Server.WebhookPath,
		Logger:      logger,
		Recorder:    recorder,
	}
	if cfg.Metrics.Enabled {
		apiCfg.MetricsListen = cfg.Metrics.Listen
		apiCfg.MetricsHandler = metrics.HTTPHandler(registry)
	}
	srv := api.NewServer(dm, apiCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := dm.Start(ctx); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = dm.Stop(stopCtx)
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	return stderrors.Join(srv.Shutdown(stopCtx), dm.Stop(stopCtx))
}
