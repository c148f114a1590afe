package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rancher/deployd/internal/deploy"
	"github.com/rancher/deployd/internal/git"
	"github.com/rancher/deployd/internal/history"
	"github.com/rancher/deployd/internal/model"
)

type fakeStore struct {
	repos   []model.Repository
	loadErr error
	saveErr error
	saves   [][]model.Repository
}

func (s *fakeStore) Load(path string) ([]model.Repository, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]model.Repository, len(s.repos))
	for i, r := range s.repos {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *fakeStore) Save(path string, repos []model.Repository) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, repos)
	return nil
}

func (s *fakeStore) last() []model.Repository {
	if len(s.saves) == 0 {
		return nil
	}
	return s.saves[len(s.saves)-1]
}

// fakeRepo is the scripted state of one working copy, keyed by location path.
type fakeRepo struct {
	openErr     error
	fetchErr    error
	updated     []string
	position    int
	local       map[string]bool
	remote      []string
	head        string
	createErr   map[string]error
	removeErr   map[string]error
	opens       int
	closes      int
	calls       []string
	positionFor []string
}

func newFakeRepo(head string, local ...string) *fakeRepo {
	r := &fakeRepo{local: map[string]bool{}, head: head}
	for _, name := range local {
		r.local[name] = true
	}
	return r
}

type fakeWorld struct {
	repos   map[string]*fakeRepo
	remotes []string
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{repos: map[string]*fakeRepo{}}
}

func (w *fakeWorld) factory(remote string) git.Manager {
	w.remotes = append(w.remotes, remote)
	return &fakeManager{world: w, remote: remote}
}

type fakeManager struct {
	world  *fakeWorld
	remote string
	state  git.State
	repo   *fakeRepo
}

func (m *fakeManager) State() git.State { return m.state }

func (m *fakeManager) Open(_ context.Context, path string) error {
	repo, ok := m.world.repos[path]
	if !ok {
		m.state = git.StateFaulted
		return fmt.Errorf("no repository at %s", path)
	}
	repo.opens++
	if repo.openErr != nil {
		m.state = git.StateFaulted
		return repo.openErr
	}
	m.repo = repo
	m.state = git.StateOpened
	return nil
}

func (m *fakeManager) Close() error {
	if m.repo != nil {
		m.repo.closes++
	}
	m.repo = nil
	m.state = git.StateClosed
	return nil
}

func (m *fakeManager) AllBranches(context.Context) ([]git.Branch, error) {
	var out []git.Branch
	names := make([]string, 0, len(m.repo.local))
	for name := range m.repo.local {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, git.Branch{Name: name, IsCurrentHead: name == m.repo.head})
	}
	for _, name := range m.repo.remote {
		out = append(out, git.Branch{Name: name, IsRemote: true})
	}
	return out, nil
}

func (m *fakeManager) LocalBranches(ctx context.Context) ([]git.Branch, error) {
	all, _ := m.AllBranches(ctx)
	return slices.DeleteFunc(all, func(b git.Branch) bool { return b.IsRemote }), nil
}

func (m *fakeManager) RemoteBranches(ctx context.Context) ([]git.Branch, error) {
	all, _ := m.AllBranches(ctx)
	return slices.DeleteFunc(all, func(b git.Branch) bool { return !b.IsRemote }), nil
}

func (m *fakeManager) Fetch(_ context.Context, remote string) error {
	m.repo.calls = append(m.repo.calls, "fetch "+remote)
	return m.repo.fetchErr
}

func (m *fakeManager) UpdatedReferences() []string {
	return slices.Clone(m.repo.updated)
}

func (m *fakeManager) BranchFromName(_ context.Context, name string) (*git.Branch, error) {
	if m.repo.local[name] {
		return &git.Branch{Name: name, IsCurrentHead: m.repo.head == name}, nil
	}
	for _, candidate := range []string{name, m.remote + "/" + name} {
		if slices.Contains(m.repo.remote, candidate) {
			return &git.Branch{Name: candidate, IsRemote: true}, nil
		}
	}
	return nil, nil
}

func (m *fakeManager) RelativePosition(_ context.Context, name string) (int, error) {
	m.repo.positionFor = append(m.repo.positionFor, name)
	if !m.repo.local[name] {
		return 0, nil
	}
	return m.repo.position, nil
}

func (m *fakeManager) CreateBranch(ctx context.Context, name string) (*git.Branch, error) {
	m.repo.calls = append(m.repo.calls, "create "+name)
	if err := m.repo.createErr[name]; err != nil {
		return nil, err
	}
	m.repo.local[name] = true
	m.repo.head = name
	return &git.Branch{Name: name, IsCurrentHead: true}, nil
}

func (m *fakeManager) SwitchBranch(ctx context.Context, b git.Branch, force bool) error {
	m.repo.calls = append(m.repo.calls, fmt.Sprintf("switch %s force=%t", b.Name, force))
	if b.IsRemote {
		_, err := m.CreateBranch(ctx, strings.TrimPrefix(b.Name, m.remote+"/"))
		return err
	}
	if !m.repo.local[b.Name] {
		return git.ErrBranchNotFound
	}
	m.repo.head = b.Name
	return nil
}

func (m *fakeManager) SwitchBranchByName(ctx context.Context, name string, force bool) error {
	b, _ := m.BranchFromName(ctx, name)
	if b == nil {
		return git.ErrBranchNotFound
	}
	return m.SwitchBranch(ctx, *b, force)
}

func (m *fakeManager) RemoveBranch(_ context.Context, b git.Branch) error {
	m.repo.calls = append(m.repo.calls, "remove "+b.Name)
	if err := m.repo.removeErr[b.Name]; err != nil {
		return err
	}
	if b.IsRemote || b.IsCurrentHead || m.repo.head == b.Name {
		return git.ErrBranchCannotBeRemoved
	}
	if !m.repo.local[b.Name] {
		return git.ErrBranchNotFound
	}
	delete(m.repo.local, b.Name)
	return nil
}

type fakeBuilder struct {
	loadErr  map[string]error
	buildErr map[string]error
	loaded   string
	builds   []string
}

func (b *fakeBuilder) LoadSolution(_ context.Context, path string) error {
	b.loaded = ""
	if err := b.loadErr[path]; err != nil {
		return err
	}
	b.loaded = path
	return nil
}

func (b *fakeBuilder) Build(_ context.Context, configuration string) error {
	if b.loaded == "" {
		return errors.New("no solution loaded")
	}
	b.builds = append(b.builds, b.loaded+"|"+configuration)
	return b.buildErr[b.loaded]
}

type fakeActions struct {
	executed []deploy.Action
	outcome  func(deploy.Action) (bool, error)
}

func (a *fakeActions) Execute(_ context.Context, act deploy.Action) (bool, error) {
	a.executed = append(a.executed, act)
	if a.outcome == nil {
		return true, nil
	}
	return a.outcome(act)
}

type fakeHistory struct {
	entries []history.Entry
}

func (h *fakeHistory) Record(_ context.Context, e history.Entry) error {
	h.entries = append(h.entries, e)
	return nil
}

type fakeMetrics struct {
	stages   map[string][]bool
	outcomes map[string]int
	pending  map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{stages: map[string][]bool{}, outcomes: map[string]int{}, pending: map[string]int{}}
}

func (m *fakeMetrics) ObserveStage(stage string, success bool, _ time.Duration) {
	m.stages[stage] = append(m.stages[stage], success)
}

func (m *fakeMetrics) CountRepository(stage string, success bool) {
	m.outcomes[fmt.Sprintf("%s/%t", stage, success)]++
}

func (m *fakeMetrics) SetPending(stage string, count int) {
	m.pending[stage] = count
}

type notification struct {
	repository string
	success    bool
}

type fakeNotifier struct {
	sent []notification
	err  error
}

func (n *fakeNotifier) NotifyDeployment(_ context.Context, repo model.Repository, success bool) error {
	n.sent = append(n.sent, notification{repository: repo.Name, success: success})
	return n.err
}
