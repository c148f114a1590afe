package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/rancher/deployd/internal/process"
)

const (
	headsPrefix   = "refs/heads/"
	remotesPrefix = "refs/remotes/"
)

// ShellManager implements Manager on top of go-git for reading repository state
// and the system git binary for every operation that changes it.
type ShellManager struct {
	// Git is the git binary to execute. Defaults to "git" when empty.
	Git string

	// RemoteName is the remote assumed for "{remote}/{branch}" resolution until a
	// Fetch selects one. Defaults to "origin".
	RemoteName string

	// NetworkRetries controls how many additional attempts are made for network
	// oriented git commands. When zero, a default of 2 retries is used.
	NetworkRetries int

	// NetworkRetryDelay is the initial backoff between retries. When zero, a
	// default of 1 second is used. Backoff grows exponentially per attempt.
	NetworkRetryDelay time.Duration

	// NetworkTimeout bounds network commands that would otherwise inherit an
	// unbounded context. When zero, a default of 2 minutes is used.
	NetworkTimeout time.Duration

	state   State
	path    string
	repo    *gogit.Repository
	remote  string
	updated []string
}

// NewShellManager returns a Manager backed by go-git and system git commands.
func NewShellManager() *ShellManager {
	return &ShellManager{}
}

func (m *ShellManager) gitBinary() string {
	if m.Git == "" {
		return "git"
	}
	return m.Git
}

func (m *ShellManager) currentRemote() string {
	if m.remote != "" {
		return m.remote
	}
	if m.RemoteName != "" {
		return m.RemoteName
	}
	return "origin"
}

func (m *ShellManager) opened() bool {
	return m.state == StateOpened && m.repo != nil
}

func (m *ShellManager) State() State {
	return m.state
}

// Path returns the working copy of the current session.
func (m *ShellManager) Path() string {
	return m.path
}

func (m *ShellManager) Open(ctx context.Context, path string) error {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		m.repo = nil
		m.path = ""
		m.state = StateFaulted
		return fmt.Errorf("open repository %s: %w", path, err)
	}

	m.repo = repo
	m.path = path
	m.state = StateOpened
	return nil
}

func (m *ShellManager) Close() error {
	m.repo = nil
	m.path = ""
	m.state = StateClosed
	return nil
}

func (m *ShellManager) AllBranches(ctx context.Context) ([]Branch, error) {
	return m.branches(func(Branch) bool { return true })
}

func (m *ShellManager) LocalBranches(ctx context.Context) ([]Branch, error) {
	return m.branches(func(b Branch) bool { return !b.IsRemote })
}

func (m *ShellManager) RemoteBranches(ctx context.Context) ([]Branch, error) {
	return m.branches(func(b Branch) bool { return b.IsRemote })
}

func (m *ShellManager) branches(keep func(Branch) bool) ([]Branch, error) {
	if !m.opened() {
		return nil, nil
	}

	refs, err := m.references()
	if err != nil {
		return nil, err
	}
	head := m.headReference()

	var out []Branch
	for name := range refs {
		var b Branch
		switch {
		case name.IsBranch():
			b = Branch{Name: strings.TrimPrefix(name.String(), headsPrefix), IsCurrentHead: name == head}
		case name.IsRemote():
			if strings.HasSuffix(name.String(), "/HEAD") {
				continue
			}
			b = Branch{Name: strings.TrimPrefix(name.String(), remotesPrefix), IsRemote: true}
		default:
			continue
		}
		if keep(b) {
			out = append(out, b)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsRemote != out[j].IsRemote {
			return !out[i].IsRemote
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *ShellManager) Fetch(ctx context.Context, remote string) error {
	if !m.opened() {
		return nil
	}

	m.updated = nil

	before, err := m.references()
	if err != nil {
		return err
	}

	if _, err := m.runGit(ctx, "fetch", remote); err != nil {
		return fmt.Errorf("git fetch %s: %w", remote, err)
	}
	m.remote = remote

	after, err := m.references()
	if err != nil {
		return err
	}

	remotePrefix := remotesPrefix + remote + "/"
	for name, hash := range after {
		if !name.IsTag() && !strings.HasPrefix(name.String(), remotePrefix) {
			continue
		}
		if prev, ok := before[name]; !ok || prev != hash {
			m.updated = append(m.updated, name.String())
		}
	}
	sort.Strings(m.updated)
	return nil
}

func (m *ShellManager) UpdatedReferences() []string {
	return slices.Clone(m.updated)
}

func (m *ShellManager) BranchFromName(ctx context.Context, name string) (*Branch, error) {
	if !m.opened() {
		return nil, nil
	}

	refs, err := m.references()
	if err != nil {
		return nil, err
	}

	local := plumbing.NewBranchReferenceName(name)
	if _, ok := refs[local]; ok {
		return &Branch{Name: name, IsCurrentHead: m.headReference() == local}, nil
	}

	if remoteName, ok := m.findRemoteBranch(refs, name); ok {
		return &Branch{Name: remoteName, IsRemote: true}, nil
	}
	return nil, nil
}

// findRemoteBranch looks for a remote branch named exactly name, then for
// "{remote}/{name}", and returns its short name.
func (m *ShellManager) findRemoteBranch(refs map[plumbing.ReferenceName]plumbing.Hash, name string) (string, bool) {
	for _, candidate := range []string{name, m.currentRemote() + "/" + name} {
		if _, ok := refs[plumbing.ReferenceName(remotesPrefix+candidate)]; ok {
			return candidate, true
		}
	}
	return "", false
}

func (m *ShellManager) RelativePosition(ctx context.Context, localName string) (int, error) {
	return m.relativePosition(ctx, localName, true)
}

func (m *ShellManager) relativePosition(ctx context.Context, localName string, allowTemporaryTracking bool) (int, error) {
	if !m.opened() {
		return 0, nil
	}

	refs, err := m.references()
	if err != nil {
		return 0, err
	}

	localRef := plumbing.NewBranchReferenceName(localName)
	if _, ok := refs[localRef]; !ok {
		return 0, nil
	}

	upstream, tracking, err := m.upstreamOf(localName)
	if err != nil {
		return 0, err
	}

	if tracking {
		if _, ok := refs[upstream]; !ok {
			return 0, nil
		}
		ahead, behind, err := m.aheadBehind(ctx, localRef, upstream)
		if err != nil {
			return 0, err
		}
		switch {
		case ahead != 0:
			return ahead, nil
		case behind != 0:
			return -behind, nil
		default:
			return 0, nil
		}
	}

	if !allowTemporaryTracking {
		return 0, nil
	}
	if _, ok := m.findRemoteBranch(refs, localName); !ok {
		return 0, nil
	}

	restore, err := m.setTemporaryTracking(ctx, localName)
	if err != nil {
		return 0, err
	}
	position, posErr := m.relativePosition(ctx, localName, false)
	if err := restore(); err != nil && posErr == nil {
		posErr = fmt.Errorf("restore tracking configuration for %s: %w", localName, err)
	}
	return position, posErr
}

func (m *ShellManager) CreateBranch(ctx context.Context, name string) (*Branch, error) {
	if !m.opened() {
		return nil, nil
	}

	refs, err := m.references()
	if err != nil {
		return nil, err
	}

	if _, ok := refs[plumbing.NewBranchReferenceName(name)]; ok {
		if err := m.SwitchBranch(ctx, Branch{Name: name}, false); err != nil {
			return nil, err
		}
		return m.BranchFromName(ctx, name)
	}

	remoteName, hasRemote := m.findRemoteBranch(refs, name)
	if hasRemote {
		if _, err := m.runGit(ctx, "branch", "--no-track", name, remotesPrefix+remoteName); err != nil {
			return nil, fmt.Errorf("git branch %s from %s: %w", name, remoteName, err)
		}
		if err := m.setTracking(ctx, name); err != nil {
			return nil, err
		}
	} else {
		if _, err := m.runGit(ctx, "branch", name); err != nil {
			return nil, fmt.Errorf("git branch %s: %w", name, err)
		}
	}

	branch := &Branch{Name: name, IsCurrentHead: true}
	if _, err := m.runGit(ctx, "checkout", name, "--"); err != nil {
		if isMergeConflict(err) {
			branch.IsCurrentHead = false
			return branch, nil
		}
		return nil, fmt.Errorf("git checkout %s: %w", name, err)
	}
	return branch, nil
}

func (m *ShellManager) SwitchBranch(ctx context.Context, branch Branch, force bool) error {
	if !m.opened() {
		return nil
	}

	refs, err := m.references()
	if err != nil {
		return err
	}

	if branch.IsRemote {
		remoteName, ok := m.findRemoteBranch(refs, branch.Name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, branch.Name)
		}
		_, err := m.CreateBranch(ctx, strings.TrimPrefix(remoteName, m.currentRemote()+"/"))
		return err
	}

	if _, ok := refs[plumbing.NewBranchReferenceName(branch.Name)]; !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch.Name)
	}

	args := []string{"checkout"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, branch.Name, "--")

	if _, err := m.runGit(ctx, args...); err != nil {
		if isMergeConflict(err) {
			return fmt.Errorf("%w: git checkout %s: %w", ErrMergeConflict, branch.Name, err)
		}
		return fmt.Errorf("git checkout %s: %w", branch.Name, err)
	}
	return nil
}

func (m *ShellManager) SwitchBranchByName(ctx context.Context, name string, force bool) error {
	if !m.opened() {
		return nil
	}
	branch, err := m.BranchFromName(ctx, name)
	if err != nil {
		return err
	}
	if branch == nil {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	return m.SwitchBranch(ctx, *branch, force)
}

func (m *ShellManager) RemoveBranch(ctx context.Context, branch Branch) error {
	if !m.opened() {
		return nil
	}

	if branch.IsRemote {
		return fmt.Errorf("%w: %s is a remote branch", ErrBranchCannotBeRemoved, branch.Name)
	}
	if branch.IsCurrentHead {
		return fmt.Errorf("%w: %s is the current head", ErrBranchCannotBeRemoved, branch.Name)
	}

	refs, err := m.references()
	if err != nil {
		return err
	}
	ref := plumbing.NewBranchReferenceName(branch.Name)
	if _, ok := refs[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch.Name)
	}
	if m.headReference() == ref {
		return fmt.Errorf("%w: %s is the current head", ErrBranchCannotBeRemoved, branch.Name)
	}

	if _, err := m.runGit(ctx, "branch", "-D", branch.Name); err != nil {
		return fmt.Errorf("git branch -D %s: %w", branch.Name, err)
	}
	return nil
}

func (m *ShellManager) references() (map[plumbing.ReferenceName]plumbing.Hash, error) {
	iter, err := m.repo.References()
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer iter.Close()

	refs := make(map[plumbing.ReferenceName]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference {
			refs[ref.Name()] = ref.Hash()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	return refs, nil
}

// headReference returns the branch HEAD points at, or "" when HEAD is detached.
func (m *ShellManager) headReference() plumbing.ReferenceName {
	ref, err := m.repo.Storer.Reference(plumbing.HEAD)
	if err != nil || ref.Type() != plumbing.SymbolicReference {
		return ""
	}
	return ref.Target()
}

func (m *ShellManager) upstreamOf(localName string) (plumbing.ReferenceName, bool, error) {
	cfg, err := m.repo.Config()
	if err != nil {
		return "", false, fmt.Errorf("read repository config: %w", err)
	}
	b, ok := cfg.Branches[localName]
	if !ok || b.Remote == "" || b.Merge == "" {
		return "", false, nil
	}
	merged := strings.TrimPrefix(b.Merge.String(), headsPrefix)
	if b.Remote == "." {
		return plumbing.NewBranchReferenceName(merged), true, nil
	}
	return plumbing.NewRemoteReferenceName(b.Remote, merged), true, nil
}

func (m *ShellManager) aheadBehind(ctx context.Context, local, upstream plumbing.ReferenceName) (int, int, error) {
	out, err := m.runGit(ctx, "rev-list", "--left-right", "--count", local.String()+"..."+upstream.String())
	if err != nil {
		return 0, 0, fmt.Errorf("git rev-list %s...%s: %w", local, upstream, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", strings.TrimSpace(string(out)))
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parse ahead count: %w", err)
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parse behind count: %w", err)
	}
	return ahead, behind, nil
}

func (m *ShellManager) setTracking(ctx context.Context, localName string) error {
	if _, err := m.runGit(ctx, "config", "branch."+localName+".remote", m.currentRemote()); err != nil {
		return fmt.Errorf("git config branch.%s.remote: %w", localName, err)
	}
	if _, err := m.runGit(ctx, "config", "branch."+localName+".merge", headsPrefix+localName); err != nil {
		return fmt.Errorf("git config branch.%s.merge: %w", localName, err)
	}
	return nil
}

// setTemporaryTracking links localName to its remote counterpart and returns a
// function that puts the branch's configuration back exactly as it was.
func (m *ShellManager) setTemporaryTracking(ctx context.Context, localName string) (func() error, error) {
	cfg, err := m.repo.Config()
	if err != nil {
		return nil, fmt.Errorf("read repository config: %w", err)
	}

	section := cfg.Raw.Section("branch")
	hadSection := section.HasSubsection(localName)
	previous := map[string]string{}
	if hadSection {
		sub := section.Subsection(localName)
		for _, key := range []string{"remote", "merge"} {
			if sub.HasOption(key) {
				previous[key] = sub.Option(key)
			}
		}
	}

	restoreCtx := context.WithoutCancel(ctx)
	restore := func() error {
		if !hadSection {
			_, err := m.runGit(restoreCtx, "config", "--remove-section", "branch."+localName)
			return err
		}
		for _, key := range []string{"remote", "merge"} {
			name := "branch." + localName + "." + key
			if value, ok := previous[key]; ok {
				if _, err := m.runGit(restoreCtx, "config", name, value); err != nil {
					return err
				}
				continue
			}
			if _, err := m.runGit(restoreCtx, "config", "--unset", name); err != nil {
				return err
			}
		}
		return nil
	}

	if err := m.setTracking(ctx, localName); err != nil {
		_ = restore()
		return nil, err
	}
	return restore, nil
}

func (m *ShellManager) runGit(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-C", m.path}, args...)
	primary := primaryGitCommand(full)
	isNetwork := isNetworkCommand(primary)

	retries := 0
	if isNetwork {
		retries = m.networkRetriesValue()
	}

	delay := m.networkRetryDelayValue()
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		attemptCtx, cancel := m.applyNetworkTimeout(ctx, isNetwork)
		out, err := m.runGitOnce(attemptCtx, full...)
		cancel()

		if err == nil {
			return out, nil
		}
		lastErr = err

		if !isNetwork {
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt == retries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay = time.Second
		}
		delay *= 2
	}

	return nil, lastErr
}

func (m *ShellManager) runGitOnce(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.Command(m.gitBinary(), args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := process.Run(ctx, cmd)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &GitError{Args: args, Output: string(out), Err: err}
	}
	return out, nil
}

func primaryGitCommand(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if strings.HasPrefix(arg, "-") {
			switch arg {
			case "-C", "--git-dir", "-c":
				i++
			}
			continue
		}
		return arg
	}
	return ""
}

func isNetworkCommand(cmd string) bool {
	switch cmd {
	case "clone", "fetch", "push", "pull", "ls-remote":
		return true
	default:
		return false
	}
}

func (m *ShellManager) networkRetriesValue() int {
	if m.NetworkRetries < 0 {
		return 0
	}
	if m.NetworkRetries == 0 {
		return 2
	}
	return m.NetworkRetries
}

func (m *ShellManager) networkRetryDelayValue() time.Duration {
	if m.NetworkRetryDelay <= 0 {
		return time.Second
	}
	return m.NetworkRetryDelay
}

func (m *ShellManager) networkTimeoutValue() time.Duration {
	if m.NetworkTimeout <= 0 {
		return 2 * time.Minute
	}
	return m.NetworkTimeout
}

func (m *ShellManager) applyNetworkTimeout(ctx context.Context, network bool) (context.Context, context.CancelFunc) {
	if !network {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && !deadline.IsZero() {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.networkTimeoutValue())
}

// GitError wraps failures when invoking the git binary.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("git %s: %v\n%s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *GitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func isMergeConflict(err error) bool {
	var gitErr *GitError
	if !errors.As(err, &gitErr) {
		return false
	}
	out := strings.ToLower(gitErr.Output)
	return strings.Contains(out, "would be overwritten") ||
		strings.Contains(out, "conflict") ||
		strings.Contains(out, "commit your changes or stash them")
}
