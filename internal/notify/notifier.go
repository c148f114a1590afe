package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/model"
)

const (
	// DefaultEnvironment is used when a repository's target names none.
	DefaultEnvironment = "production"

	StateSuccess = "success"
	StateFailure = "failure"

	defaultAttempts = 3
	defaultBackoff  = 2 * time.Second
)

// GitHubNotifier publishes the outcome of a repository's deployment stage as a
// GitHub deployment followed by a single deployment status.
type GitHubNotifier struct {
	client   Client
	logger   *zap.Logger
	attempts int
	backoff  time.Duration
}

// NewGitHubNotifier builds a notifier from factory using token.
func NewGitHubNotifier(ctx context.Context, factory Factory, token string, logger *zap.Logger) (*GitHubNotifier, error) {
	if factory == nil {
		return nil, fmt.Errorf("github factory is required")
	}
	client, err := factory.New(ctx, token)
	if err != nil {
		return nil, err
	}
	return NewGitHubNotifierWithClient(client, logger), nil
}

// NewGitHubNotifierWithClient wraps an existing client.
func NewGitHubNotifierWithClient(client Client, logger *zap.Logger) *GitHubNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubNotifier{
		client:   client,
		logger:   logger.With(zap.String("component", "notify")),
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
}

// WithRetry overrides the number of attempts and the delay between them.
func (n *GitHubNotifier) WithRetry(attempts int, backoff time.Duration) *GitHubNotifier {
	if attempts < 1 {
		attempts = 1
	}
	n.attempts = attempts
	n.backoff = backoff
	return n
}

// NotifyDeployment records a deployment of repo's deployment branch and marks it
// successful or failed. Repositories without a GitHub target are ignored.
func (n *GitHubNotifier) NotifyDeployment(ctx context.Context, repo model.Repository, success bool) error {
	target := repo.GitHub
	if target == nil || target.Owner == "" || target.Repo == "" {
		return nil
	}

	environment := target.Environment
	if environment == "" {
		environment = DefaultEnvironment
	}
	state := StateFailure
	if success {
		state = StateSuccess
	}

	var id int64
	err := n.retry(ctx, func() error {
		var err error
		id, err = n.client.CreateDeployment(ctx, target.Owner, target.Repo, DeploymentOptions{
			Ref:         repo.DeploymentBranch,
			Environment: environment,
			Description: fmt.Sprintf("deployd: %s", repo.Name),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("notify %s/%s: %w", target.Owner, target.Repo, err)
	}

	err = n.retry(ctx, func() error {
		return n.client.CreateDeploymentStatus(ctx, target.Owner, target.Repo, id, StatusOptions{
			State:       state,
			Environment: environment,
			Description: fmt.Sprintf("deployment of %s %s", repo.DeploymentBranch, state),
		})
	})
	if err != nil {
		return fmt.Errorf("notify %s/%s: %w", target.Owner, target.Repo, err)
	}

	n.logger.Info("deployment status published",
		zap.String("repository", repo.Name),
		zap.String("github", target.Owner+"/"+target.Repo),
		zap.Int64("deployment_id", id),
		zap.String("state", state))
	return nil
}

func (n *GitHubNotifier) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) || attempt == n.attempts {
			return err
		}
		n.logger.Warn("retrying github request", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.backoff * time.Duration(attempt)):
		}
	}
	return err
}

// NoopNotifier discards every notification.
type NoopNotifier struct{}

func (NoopNotifier) NotifyDeployment(context.Context, model.Repository, bool) error {
	return nil
}
