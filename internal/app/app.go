package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/build"
	"github.com/rancher/deployd/internal/deploy"
	"github.com/rancher/deployd/internal/errpolicy"
	"github.com/rancher/deployd/internal/git"
	"github.com/rancher/deployd/internal/history"
	"github.com/rancher/deployd/internal/metrics"
	"github.com/rancher/deployd/internal/notify"
	"github.com/rancher/deployd/internal/orchestrator"
	"github.com/rancher/deployd/internal/store"
)

// Components are the long-lived collaborators built from a Config.
type Components struct {
	Orchestrator *orchestrator.Orchestrator
	// History is nil when history_file is empty.
	History *history.SQLiteRecorder
	Metrics *metrics.Stages
}

// Close releases the history database.
func (c *Components) Close() error {
	if c == nil || c.History == nil {
		return nil
	}
	return c.History.Close()
}

// BuildComponents wires the orchestrator and its backends. The repository list
// is not loaded.
func BuildComponents(ctx context.Context, cfg Config, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	policy, err := errpolicy.New(cfg.ErrorPolicy, logger.With(zap.String("component", "errpolicy")))
	if err != nil {
		return nil, err
	}

	var (
		builder build.Runner
		actions deploy.Runner
	)
	if cfg.DryRun {
		builder = build.NoopRunner{Logger: logger}
		actions = deploy.NoopExecutor{Logger: logger}
	} else {
		builder = build.NewCommandRunner(cfg.BuildCommand, cfg.BuildArgs, cfg.BuildTimeout, logger.With(zap.String("component", "build")))
		actions = deploy.NewExecutor(cfg.ProcessWait, logger.With(zap.String("component", "deploy")))
	}

	comps := &Components{Metrics: metrics.New()}
	deps := orchestrator.Dependencies{
		Store:   store.New(),
		VCS:     vcsFactory(cfg),
		Builder: builder,
		Actions: actions,
		Policy:  policy,
		Metrics: comps.Metrics,
		Logger:  logger.With(zap.String("component", "orchestrator")),
	}

	if cfg.HistoryFile != "" {
		recorder, err := history.Open(ctx, cfg.HistoryFile)
		if err != nil {
			return nil, err
		}
		comps.History = recorder
		deps.History = recorder

		if cfg.HistoryRetention > 0 {
			removed, err := recorder.Prune(ctx, time.Now().Add(-cfg.HistoryRetention))
			if err != nil {
				logger.Warn("failed to prune stage history", zap.Error(err))
			} else if removed > 0 {
				logger.Info("pruned stage history", zap.Int64("removed", removed), zap.Duration("retention", cfg.HistoryRetention))
			}
		}
	}

	if cfg.NotificationsEnabled() {
		notifier, err := notify.NewGitHubNotifier(ctx, notify.NewRESTFactory(cfg.GitHubBaseURL, cfg.GitHubUploadURL), cfg.GitHubToken, logger)
		if err != nil {
			_ = comps.Close()
			return nil, fmt.Errorf("initialize github notifier: %w", err)
		}
		deps.Notifier = notifier
	}

	comps.Orchestrator = orchestrator.New(orchestrator.Config{
		ConfigPath: cfg.RepositoriesFile,
		SystemDir:  cfg.SystemDir,
	}, deps)
	return comps, nil
}

func vcsFactory(cfg Config) orchestrator.VCSFactory {
	return func(remoteName string) git.Manager {
		m := git.NewShellManager()
		m.Git = cfg.GitBinary
		m.RemoteName = remoteName
		m.NetworkRetries = cfg.GitNetworkRetries
		m.NetworkRetryDelay = cfg.GitNetworkRetryDelay
		m.NetworkTimeout = cfg.GitNetworkTimeout
		return m
	}
}

// Runner executes a single cycle outside the daemon.
type Runner struct {
	cfg Config
	log *zap.Logger

	// SummaryPath receives a markdown summary of the cycle. Defaults to
	// $GITHUB_STEP_SUMMARY.
	SummaryPath string
}

// NewRunner constructs a Runner with the supplied configuration.
func NewRunner(cfg Config) (*Runner, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return NewRunnerWithLogger(cfg, logger), nil
}

// NewRunnerWithLogger constructs a Runner that logs through logger.
func NewRunnerWithLogger(cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:         cfg,
		log:         logger,
		SummaryPath: strings.TrimSpace(os.Getenv("GITHUB_STEP_SUMMARY")),
	}
}

// Run loads the repository list and runs one cycle. The result is returned
// even when the cycle was aborted.
func (r *Runner) Run(ctx context.Context) (orchestrator.CycleResult, error) {
	r.log.Info("starting deployment cycle",
		zap.Bool("dry_run", r.cfg.DryRun),
		zap.String("error_policy", r.cfg.ErrorPolicy),
		zap.String("repositories_file", r.cfg.RepositoriesFile))

	comps, err := BuildComponents(ctx, r.cfg, r.log)
	if err != nil {
		return orchestrator.CycleResult{}, err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			r.log.Warn("failed to close history", zap.Error(err))
		}
	}()

	if err := comps.Orchestrator.Load(); err != nil {
		return orchestrator.CycleResult{}, fmt.Errorf("load repositories: %w", err)
	}

	result, cycleErr := comps.Orchestrator.RunCycle(ctx)
	if err := writeStepSummary(r.SummaryPath, result, cycleErr); err != nil {
		r.log.Warn("failed to write step summary", zap.Error(err))
	}
	if cycleErr != nil {
		return result, fmt.Errorf("run cycle: %w", cycleErr)
	}

	var failed []string
	for _, repo := range result.Repositories {
		for _, stage := range orchestrator.Stages {
			if repo.Outcome(stage) == orchestrator.OutcomeFailed {
				failed = append(failed, fmt.Sprintf("%s (%s)", repo.Name, stage))
			}
		}
	}
	if len(failed) > 0 {
		return result, fmt.Errorf("%w: %s", ErrStagesFailed, strings.Join(failed, ", "))
	}
	return result, nil
}

// ErrStagesFailed reports that at least one repository stage failed while the
// cycle itself completed.
var ErrStagesFailed = errors.New("repository stages failed")
