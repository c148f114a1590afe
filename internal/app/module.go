package app

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/api"
	"github.com/rancher/deployd/internal/daemon"
)

// Module assembles the long-running daemon: components, scheduler, HTTP
// surface and PID file.
func Module(cfg Config, logger *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Supply(logger),
		fx.Provide(
			newComponents,
			newScheduler,
			newServer,
			newPIDFile,
		),
		fx.Invoke(registerHooks),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.With(zap.String("component", "fx"))}
		}),
	)
}

func newComponents(lc fx.Lifecycle, cfg Config, logger *zap.Logger) (*Components, error) {
	comps, err := BuildComponents(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}
	// The repository list is read once; edits require a restart.
	if err := comps.Orchestrator.Load(); err != nil {
		_ = comps.Close()
		return nil, fmt.Errorf("load repositories: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return comps.Close()
		},
	})
	return comps, nil
}

func newScheduler(cfg Config, comps *Components, logger *zap.Logger) *daemon.Daemon {
	d := daemon.New(comps.Orchestrator, comps.Metrics, logger.With(zap.String("component", "daemon")))
	d.FallbackInterval = cfg.FallbackInterval
	return d
}

func newServer(cfg Config, comps *Components, scheduler *daemon.Daemon, logger *zap.Logger) *api.Server {
	var hist api.History
	if comps.History != nil {
		hist = comps.History
	}
	return api.New(cfg.ListenAddress, comps.Orchestrator, scheduler, hist, logger)
}

func newPIDFile(cfg Config) *daemon.PIDFile {
	if cfg.PIDFile == "" {
		return nil
	}
	return daemon.NewPIDFile(cfg.PIDFile)
}

func registerHooks(lc fx.Lifecycle, pid *daemon.PIDFile, server *api.Server, scheduler *daemon.Daemon, logger *zap.Logger) {
	if pid != nil {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				if running, ok := pid.IsRunning(); ok {
					return fmt.Errorf("deployd already running with pid %d", running)
				}
				return pid.Write()
			},
			OnStop: func(context.Context) error {
				return pid.Remove()
			},
		})
	}
	lc.Append(fx.Hook{OnStart: server.Start, OnStop: server.Stop})
	lc.Append(fx.Hook{OnStart: scheduler.Start, OnStop: scheduler.Stop})
	logger.Debug("lifecycle hooks registered")
}
