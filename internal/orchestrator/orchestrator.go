package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/model"
)

// Stage names a step of the deployment pipeline.
type Stage string

const (
	StageCheck  Stage = "check"
	StageUpdate Stage = "update"
	StageBuild  Stage = "build"
	StageDeploy Stage = "deploy"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageCheck, StageUpdate, StageBuild, StageDeploy}

// Outcome describes what a stage did to a repository during a cycle.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// RepositoryOutcome summarises one repository after a cycle.
type RepositoryOutcome struct {
	Name            string
	Stages          map[Stage]Outcome
	NeedsUpdate     bool
	NeedsBuild      bool
	NeedsDeployment bool
	NextCheckAt     time.Time
}

// Outcome returns the result of stage, or OutcomeSkipped when it did not run.
func (r RepositoryOutcome) Outcome(stage Stage) Outcome {
	if o, ok := r.Stages[stage]; ok {
		return o
	}
	return OutcomeSkipped
}

// CycleResult captures the outcome of a full check, update, build and deploy run.
type CycleResult struct {
	// UpdatesFound reports whether any repository needed an update after the check stage.
	UpdatesFound bool
	// Built is false when at least one eligible repository failed to build.
	Built bool
	// Deployed is false when at least one eligible repository failed to deploy.
	Deployed     bool
	Repositories []RepositoryOutcome
	Started      time.Time
	Finished     time.Time
}

// Succeeded reports whether every build and deployment in the cycle succeeded.
func (r CycleResult) Succeeded() bool {
	return r.Built && r.Deployed
}

func (r CycleResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Orchestrator drives repositories through the check, update, build and
// deploy stages and persists their progress flags after every mutation.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
	log  *zap.Logger
	now  func() time.Time

	mu       sync.RWMutex
	repos    []model.Repository
	outcomes map[string]map[Stage]Outcome
}

// New returns a configured Orchestrator instance. The repository list is empty
// until Load succeeds.
func New(cfg Config, deps Dependencies) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      logger,
		now:      now,
		outcomes: map[string]map[Stage]Outcome{},
	}
}

func (o *Orchestrator) ready() error {
	switch {
	case o.deps.Store == nil:
		return errors.New("configuration store is required")
	case o.deps.VCS == nil:
		return errors.New("version control factory is required")
	case o.deps.Builder == nil:
		return errors.New("build runner is required")
	case o.deps.Actions == nil:
		return errors.New("action runner is required")
	case o.deps.Policy == nil:
		return errors.New("error policy is required")
	}
	return nil
}

// Load replaces the in-memory repository list with the persisted one. Errors
// are returned as-is; a missing or malformed configuration is fatal.
func (o *Orchestrator) Load() error {
	if o.deps.Store == nil {
		return errors.New("configuration store is required")
	}
	repos, err := o.deps.Store.Load(o.cfg.ConfigPath)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.repos = repos
	o.outcomes = map[string]map[Stage]Outcome{}
	o.mu.Unlock()

	o.log.Info("loaded repository configuration", zap.String("path", o.cfg.ConfigPath), zap.Int("repositories", len(repos)))
	o.updatePending()
	return nil
}

// Save persists the current repository list through the error policy.
func (o *Orchestrator) Save() error {
	if err := o.ready(); err != nil {
		return err
	}
	return o.process("save configuration", func() error {
		return o.deps.Store.Save(o.cfg.ConfigPath, o.AllRepositories())
	})
}

// AllRepositories returns a copy of every configured repository.
func (o *Orchestrator) AllRepositories() []model.Repository {
	return o.filter(func(model.Repository) bool { return true })
}

// RepositoriesNeedingUpdate returns copies of repositories with needsUpdate set.
func (o *Orchestrator) RepositoriesNeedingUpdate() []model.Repository {
	return o.filter(func(r model.Repository) bool { return r.NeedsUpdate })
}

// RepositoriesToBuild returns copies of repositories with needsBuild set.
func (o *Orchestrator) RepositoriesToBuild() []model.Repository {
	return o.filter(func(r model.Repository) bool { return r.NeedsBuild })
}

// RepositoriesToDeploy returns copies of repositories with needsDeployment set.
func (o *Orchestrator) RepositoriesToDeploy() []model.Repository {
	return o.filter(func(r model.Repository) bool { return r.NeedsDeployment })
}

func (o *Orchestrator) filter(keep func(model.Repository) bool) []model.Repository {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]model.Repository, 0, len(o.repos))
	for _, r := range o.repos {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// NextCheckTime returns the earliest lastCheckedAt + checkInterval across all
// repositories. It reports false when no repository is configured.
func (o *Orchestrator) NextCheckTime() (time.Time, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var next time.Time
	for i, r := range o.repos {
		if at := r.NextCheckAt(); i == 0 || at.Before(next) {
			next = at
		}
	}
	return next, len(o.repos) > 0
}

// RunCycle runs the four stages in order. An error means the error policy
// rethrew a backend failure and the remaining stages were not attempted; the
// partial result is still returned.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleResult, error) {
	result := CycleResult{Started: o.now()}

	o.mu.Lock()
	o.outcomes = map[string]map[Stage]Outcome{}
	o.mu.Unlock()

	err := func() error {
		var err error
		if result.UpdatesFound, err = o.CheckForUpdates(ctx); err != nil {
			return err
		}
		if err = o.UpdateRepositories(ctx); err != nil {
			return err
		}
		if result.Built, err = o.BuildRepositories(ctx); err != nil {
			return err
		}
		result.Deployed, err = o.DeployRepositories(ctx)
		return err
	}()

	result.Finished = o.now()
	result.Repositories = o.repositoryOutcomes()

	fields := []zap.Field{
		zap.Bool("updates_found", result.UpdatesFound),
		zap.Bool("built", result.Built),
		zap.Bool("deployed", result.Deployed),
		zap.Duration("elapsed", result.Duration()),
	}
	if err != nil {
		o.log.Error("cycle aborted", append(fields, zap.Error(err))...)
		return result, err
	}
	o.log.Info("cycle finished", fields...)
	return result, nil
}

func (o *Orchestrator) repositoryOutcomes() []RepositoryOutcome {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]RepositoryOutcome, 0, len(o.repos))
	for _, r := range o.repos {
		stages := map[Stage]Outcome{}
		for stage, outcome := range o.outcomes[r.Name] {
			stages[stage] = outcome
		}
		out = append(out, RepositoryOutcome{
			Name:            r.Name,
			Stages:          stages,
			NeedsUpdate:     r.NeedsUpdate,
			NeedsBuild:      r.NeedsBuild,
			NeedsDeployment: r.NeedsDeployment,
			NextCheckAt:     r.NextCheckAt(),
		})
	}
	return out
}

func (o *Orchestrator) count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.repos)
}

func (o *Orchestrator) get(i int) model.Repository {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.repos[i].Clone()
}

func (o *Orchestrator) update(i int, fn func(r *model.Repository)) {
	o.mu.Lock()
	fn(&o.repos[i])
	o.mu.Unlock()
}

func (o *Orchestrator) updatePending() {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.SetPending(string(StageUpdate), len(o.RepositoriesNeedingUpdate()))
	o.deps.Metrics.SetPending(string(StageBuild), len(o.RepositoriesToBuild()))
	o.deps.Metrics.SetPending(string(StageDeploy), len(o.RepositoriesToDeploy()))
}

func (o *Orchestrator) observe(stage Stage, success bool, begin time.Time) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveStage(string(stage), success, time.Since(begin))
	}
	o.updatePending()
}

// record stores the outcome of stage for one repository in the cycle
// summary, the history database and the logs.
func (o *Orchestrator) record(ctx context.Context, stage Stage, repo model.Repository, success bool, message string, started time.Time) {
	outcome := OutcomeFailed
	if success {
		outcome = OutcomeSucceeded
	}

	o.mu.Lock()
	if o.outcomes[repo.Name] == nil {
		o.outcomes[repo.Name] = map[Stage]Outcome{}
	}
	o.outcomes[repo.Name][stage] = outcome
	o.mu.Unlock()

	log := o.log.With(zap.String("repository", repo.Name), zap.String("stage", string(stage)))
	if success {
		log.Info(message)
	} else {
		log.Warn(message)
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.CountRepository(string(stage), success)
	}
	if o.deps.History != nil {
		if err := o.deps.History.Record(ctx, historyEntry(stage, repo, success, message, started, o.now())); err != nil {
			log.Warn("failed to record stage history", zap.Error(err))
		}
	}
}
