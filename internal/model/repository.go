package model

import (
	"time"
)

// Repository is a tracked working copy together with its persisted pipeline progress.
type Repository struct {
	Name               string        `yaml:"name"`
	LocationPath       string        `yaml:"location_path"`
	RemoteName         string        `yaml:"remote_name"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	DeploymentBranch   string        `yaml:"deployment_branch"`
	SolutionFile       string        `yaml:"solution_file"`
	BuildConfiguration string        `yaml:"build_configuration"`
	LastCheckedAt      time.Time     `yaml:"last_checked_at"`

	NeedsUpdate     bool `yaml:"needs_update"`
	NeedsBuild      bool `yaml:"needs_build"`
	NeedsDeployment bool `yaml:"needs_deployment"`

	DeploymentActions []DeploymentAction `yaml:"deployment_actions"`

	GitHub *GitHubTarget `yaml:"github,omitempty"`
}

// GitHubTarget identifies the GitHub repository that receives deployment statuses.
type GitHubTarget struct {
	Owner       string `yaml:"owner"`
	Repo        string `yaml:"repo"`
	Environment string `yaml:"environment,omitempty"`
}

// NextCheckAt returns the earliest time the repository is due for a freshness check.
func (r Repository) NextCheckAt() time.Time {
	return r.LastCheckedAt.Add(r.CheckInterval)
}

// DueForCheck reports whether now has reached the repository's next check time.
func (r Repository) DueForCheck(now time.Time) bool {
	return !now.Before(r.NextCheckAt())
}

// Clone returns a deep copy so callers can hand out snapshots of live state.
func (r Repository) Clone() Repository {
	out := r
	if r.DeploymentActions != nil {
		out.DeploymentActions = make([]DeploymentAction, len(r.DeploymentActions))
		for i, a := range r.DeploymentActions {
			out.DeploymentActions[i] = a.Clone()
		}
	}
	if r.GitHub != nil {
		gh := *r.GitHub
		out.GitHub = &gh
	}
	return out
}
