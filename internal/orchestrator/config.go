package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/build"
	"github.com/rancher/deployd/internal/deploy"
	"github.com/rancher/deployd/internal/errpolicy"
	"github.com/rancher/deployd/internal/git"
	"github.com/rancher/deployd/internal/history"
	"github.com/rancher/deployd/internal/model"
)

// Config captures the runtime controls the orchestrator needs.
type Config struct {
	// ConfigPath is the repository configuration file read by Load and
	// rewritten after every mutating stage.
	ConfigPath string
	// SystemDir replaces ${WIN_FOLDER} in action parameters.
	SystemDir string
}

// ConfigStore reads and writes the repository list.
type ConfigStore interface {
	Load(path string) ([]model.Repository, error)
	Save(path string, repos []model.Repository) error
}

// VCSFactory returns a fresh version control session for a repository whose
// remote is remoteName.
type VCSFactory func(remoteName string) git.Manager

// HistoryRecorder persists per-repository stage outcomes.
type HistoryRecorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Metrics receives stage instrumentation.
type Metrics interface {
	ObserveStage(stage string, success bool, elapsed time.Duration)
	CountRepository(stage string, success bool)
	SetPending(stage string, count int)
}

// Notifier reports the outcome of a repository deployment.
type Notifier interface {
	NotifyDeployment(ctx context.Context, repo model.Repository, success bool) error
}

// Dependencies are the collaborators of an Orchestrator. Store, VCS, Builder,
// Actions and Policy are required; the rest are skipped when nil.
type Dependencies struct {
	Store    ConfigStore
	VCS      VCSFactory
	Builder  build.Runner
	Actions  deploy.Runner
	Policy   errpolicy.Policy
	History  HistoryRecorder
	Metrics  Metrics
	Notifier Notifier
	Logger   *zap.Logger
	Clock    func() time.Time
}
