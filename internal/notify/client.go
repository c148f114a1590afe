// Package notify reports deployment results to GitHub as deployments and
// deployment statuses.
package notify

import (
	"context"
	"errors"
)

// DeploymentOptions describes the deployment record created for a run.
type DeploymentOptions struct {
	Ref         string
	Environment string
	Description string
}

// StatusOptions describes a status attached to an existing deployment.
type StatusOptions struct {
	State       string
	Environment string
	Description string
}

// Client exposes the GitHub operations required to publish deployment results.
type Client interface {
	CreateDeployment(ctx context.Context, owner, repo string, input DeploymentOptions) (int64, error)
	CreateDeploymentStatus(ctx context.Context, owner, repo string, id int64, input StatusOptions) error
}

// Factory builds concrete GitHub clients.
type Factory interface {
	New(ctx context.Context, token string) (Client, error)
}

// retryableError marks an error that may succeed if the operation is retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsRetryable reports whether the supplied error resulted from a retryable GitHub
// API failure (for example, a transient network problem or rate-limited request).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var target *retryableError
	return errors.As(err, &target)
}
