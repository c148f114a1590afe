package git

import (
	"context"
	"errors"
)

var (
	// ErrBranchNotFound is returned when a branch is absent under every name resolution.
	ErrBranchNotFound = errors.New("branch does not exist")
	// ErrBranchCannotBeRemoved is returned for remote branches and the current head.
	ErrBranchCannotBeRemoved = errors.New("branch cannot be removed")
	// ErrMergeConflict marks a checkout refused because of local changes or conflicts.
	ErrMergeConflict = errors.New("merge conflict")
)

// State is the lifecycle state of a Manager session.
type State int

const (
	StateUnknown State = iota
	StateOpened
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Branch is a snapshot of a branch as reported by the backend. Remote branch
// names carry the remote prefix, e.g. "origin/main".
type Branch struct {
	Name          string
	IsRemote      bool
	IsCurrentHead bool
}

// Manager wraps a single opened local repository. Branch operations are silent
// no-ops returning zero values unless the manager is in StateOpened.
type Manager interface {
	State() State
	Open(ctx context.Context, path string) error
	Close() error

	AllBranches(ctx context.Context) ([]Branch, error)
	LocalBranches(ctx context.Context) ([]Branch, error)
	RemoteBranches(ctx context.Context) ([]Branch, error)

	// Fetch downloads references from remote and records the raw names of the
	// references it created or moved, retrievable through UpdatedReferences.
	Fetch(ctx context.Context, remote string) error
	UpdatedReferences() []string

	BranchFromName(ctx context.Context, name string) (*Branch, error)
	RelativePosition(ctx context.Context, localName string) (int, error)
	CreateBranch(ctx context.Context, name string) (*Branch, error)
	SwitchBranch(ctx context.Context, branch Branch, force bool) error
	SwitchBranchByName(ctx context.Context, name string, force bool) error
	RemoveBranch(ctx context.Context, branch Branch) error
}
