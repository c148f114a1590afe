package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/deploy"
	"github.com/rancher/deployd/internal/errpolicy"
	"github.com/rancher/deployd/internal/git"
	"github.com/rancher/deployd/internal/history"
	"github.com/rancher/deployd/internal/model"
)

const tempBranchPrefix = "TempBranch"

// CheckForUpdates fetches every repository that is due for a check and marks
// it as needing an update when its deployment branch moved upstream. It
// reports whether any repository now needs an update.
func (o *Orchestrator) CheckForUpdates(ctx context.Context) (bool, error) {
	if err := o.ready(); err != nil {
		return false, err
	}

	begin := time.Now()
	now := o.now()

	for i := 0; i < o.count(); i++ {
		if err := ctx.Err(); err != nil {
			o.observe(StageCheck, false, begin)
			return false, err
		}

		repo := o.get(i)
		if !repo.DueForCheck(now) {
			continue
		}

		started := o.now()
		opened, needsUpdate, err := o.checkRepository(ctx, repo)
		o.update(i, func(r *model.Repository) {
			r.LastCheckedAt = now
			if needsUpdate {
				r.NeedsUpdate = true
			}
		})
		if err != nil {
			o.observe(StageCheck, false, begin)
			return false, err
		}

		switch {
		case !opened:
			o.record(ctx, StageCheck, repo, false, "repository could not be opened", started)
		case needsUpdate:
			o.record(ctx, StageCheck, repo, true, "upstream changes detected", started)
		default:
			o.record(ctx, StageCheck, repo, true, "deployment branch up to date", started)
		}
	}

	if err := o.Save(); err != nil {
		o.observe(StageCheck, false, begin)
		return false, err
	}

	o.observe(StageCheck, true, begin)
	return len(o.RepositoriesNeedingUpdate()) > 0, nil
}

// checkRepository reports whether the repository could be opened and whether
// any of the three update signals fired: the remote deployment branch moved
// during the fetch, the local branch is behind, or only a remote counterpart
// exists.
func (o *Orchestrator) checkRepository(ctx context.Context, repo model.Repository) (bool, bool, error) {
	vcs := o.deps.VCS(repo.RemoteName)
	opened, err := o.step(repo, "open repository", func() error {
		return vcs.Open(ctx, repo.LocationPath)
	})
	if err != nil || !opened {
		return false, false, err
	}
	defer func() { _ = vcs.Close() }()

	if _, err := o.step(repo, "fetch "+repo.RemoteName, func() error {
		return vcs.Fetch(ctx, repo.RemoteName)
	}); err != nil {
		return true, false, err
	}

	remoteRef := "refs/remotes/" + repo.RemoteName + "/" + repo.DeploymentBranch
	moved := slices.Contains(vcs.UpdatedReferences(), remoteRef)

	position, err := errpolicy.ProcessValue(o.deps.Policy, o.op(repo, "relative position"), func() (int, error) {
		return vcs.RelativePosition(ctx, repo.DeploymentBranch)
	}, 0)
	if err != nil {
		return true, false, err
	}

	branch, err := errpolicy.ProcessValue(o.deps.Policy, o.op(repo, "resolve deployment branch"), func() (*git.Branch, error) {
		return vcs.BranchFromName(ctx, repo.DeploymentBranch)
	}, nil)
	if err != nil {
		return true, false, err
	}
	remoteOnly := branch != nil && branch.IsRemote

	o.log.Debug("evaluated update signals",
		zap.String("repository", repo.Name),
		zap.Bool("reference_moved", moved),
		zap.Int("relative_position", position),
		zap.Bool("remote_only", remoteOnly),
	)
	return true, moved || position < 0 || remoteOnly, nil
}

// UpdateRepositories resets the local deployment branch of every repository
// that needs an update to the remote tip. Flags advance only when every step
// for the repository succeeded.
func (o *Orchestrator) UpdateRepositories(ctx context.Context) error {
	if err := o.ready(); err != nil {
		return err
	}

	begin := time.Now()
	allUpdated := true

	for i := 0; i < o.count(); i++ {
		if err := ctx.Err(); err != nil {
			o.observe(StageUpdate, false, begin)
			return err
		}

		repo := o.get(i)
		if !repo.NeedsUpdate {
			continue
		}

		started := o.now()
		updated, err := o.updateRepository(ctx, repo)
		if err != nil {
			o.observe(StageUpdate, false, begin)
			return err
		}
		if !updated {
			allUpdated = false
			o.record(ctx, StageUpdate, repo, false, "deployment branch could not be reset", started)
			continue
		}

		o.update(i, func(r *model.Repository) {
			r.NeedsUpdate = false
			r.NeedsBuild = true
		})
		if err := o.Save(); err != nil {
			o.observe(StageUpdate, false, begin)
			return err
		}
		o.record(ctx, StageUpdate, repo, true, "deployment branch reset to remote tip", started)
	}

	o.observe(StageUpdate, allUpdated, begin)
	return nil
}

func (o *Orchestrator) updateRepository(ctx context.Context, repo model.Repository) (bool, error) {
	vcs := o.deps.VCS(repo.RemoteName)
	opened, err := o.step(repo, "open repository", func() error {
		return vcs.Open(ctx, repo.LocationPath)
	})
	if err != nil || !opened {
		return false, err
	}
	defer func() { _ = vcs.Close() }()

	existing, err := o.localBranch(ctx, vcs, repo)
	if err != nil {
		return false, err
	}

	var temp *git.Branch
	if existing != nil && existing.IsCurrentHead {
		names, err := errpolicy.ProcessValue(o.deps.Policy, o.op(repo, "list branches"), func() ([]git.Branch, error) {
			return vcs.AllBranches(ctx)
		}, nil)
		if err != nil {
			return false, err
		}
		tempName := temporaryBranchName(names)

		temp, err = errpolicy.ProcessValue(o.deps.Policy, o.op(repo, "create "+tempName), func() (*git.Branch, error) {
			return vcs.CreateBranch(ctx, tempName)
		}, nil)
		if err != nil || temp == nil {
			return false, err
		}
		if ok, err := o.step(repo, "switch to "+tempName, func() error {
			return vcs.SwitchBranch(ctx, *temp, true)
		}); err != nil || !ok {
			return false, err
		}

		// HEAD moved; resolve again so the removal below sees the live head flag.
		if existing, err = o.localBranch(ctx, vcs, repo); err != nil {
			return false, err
		}
	}

	if existing != nil {
		if ok, err := o.step(repo, "remove "+existing.Name, func() error {
			return vcs.RemoveBranch(ctx, *existing)
		}); err != nil || !ok {
			return false, err
		}
	}

	created, err := errpolicy.ProcessValue(o.deps.Policy, o.op(repo, "create "+repo.DeploymentBranch), func() (*git.Branch, error) {
		return vcs.CreateBranch(ctx, repo.DeploymentBranch)
	}, nil)
	if err != nil || created == nil {
		return false, err
	}
	if ok, err := o.step(repo, "switch to "+created.Name, func() error {
		return vcs.SwitchBranch(ctx, *created, true)
	}); err != nil || !ok {
		return false, err
	}

	// The deployment branch is already reset; a leftover temporary branch does
	// not hold the repository back.
	if temp != nil {
		if _, err := o.step(repo, "remove "+temp.Name, func() error {
			return vcs.RemoveBranch(ctx, git.Branch{Name: temp.Name})
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// localBranch resolves the deployment branch and discards remote matches.
func (o *Orchestrator) localBranch(ctx context.Context, vcs git.Manager, repo model.Repository) (*git.Branch, error) {
	branch, err := errpolicy.ProcessValue(o.deps.Policy, o.op(repo, "resolve deployment branch"), func() (*git.Branch, error) {
		return vcs.BranchFromName(ctx, repo.DeploymentBranch)
	}, nil)
	if err != nil || branch == nil || branch.IsRemote {
		return nil, err
	}
	return branch, nil
}

// temporaryBranchName returns TempBranchN for the smallest positive N that
// does not collide with an existing branch.
func temporaryBranchName(branches []git.Branch) string {
	taken := make(map[string]bool, len(branches))
	for _, b := range branches {
		taken[b.Name] = true
	}
	for n := 1; ; n++ {
		name := tempBranchPrefix + strconv.Itoa(n)
		if !taken[name] {
			return name
		}
	}
}

// BuildRepositories builds every repository that needs a build. It returns
// true only when every eligible repository built successfully.
func (o *Orchestrator) BuildRepositories(ctx context.Context) (bool, error) {
	if err := o.ready(); err != nil {
		return false, err
	}

	begin := time.Now()
	allBuilt := true

	for i := 0; i < o.count(); i++ {
		if err := ctx.Err(); err != nil {
			o.observe(StageBuild, false, begin)
			return false, err
		}

		repo := o.get(i)
		if !repo.NeedsBuild {
			continue
		}

		started := o.now()
		loaded, err := o.step(repo, "load solution "+repo.SolutionFile, func() error {
			return o.deps.Builder.LoadSolution(ctx, repo.SolutionFile)
		})
		if err != nil {
			o.observe(StageBuild, false, begin)
			return false, err
		}
		if !loaded {
			allBuilt = false
			o.record(ctx, StageBuild, repo, false, "solution could not be loaded", started)
			continue
		}

		built, err := o.step(repo, "build "+repo.BuildConfiguration, func() error {
			return o.deps.Builder.Build(ctx, repo.BuildConfiguration)
		})
		if err != nil {
			o.observe(StageBuild, false, begin)
			return false, err
		}
		if !built {
			allBuilt = false
			o.record(ctx, StageBuild, repo, false, "build failed", started)
			continue
		}

		o.update(i, func(r *model.Repository) {
			r.NeedsBuild = false
			r.NeedsDeployment = true
		})
		if err := o.Save(); err != nil {
			o.observe(StageBuild, false, begin)
			return false, err
		}
		o.record(ctx, StageBuild, repo, true, "build succeeded", started)
	}

	o.observe(StageBuild, allBuilt, begin)
	return allBuilt, nil
}

// DeployRepositories runs the deployment actions of every repository that
// needs a deployment. It returns true only when every eligible repository
// deployed successfully.
func (o *Orchestrator) DeployRepositories(ctx context.Context) (bool, error) {
	if err := o.ready(); err != nil {
		return false, err
	}

	begin := time.Now()
	allDeployed := true

	for i := 0; i < o.count(); i++ {
		if err := ctx.Err(); err != nil {
			o.observe(StageDeploy, false, begin)
			return false, err
		}

		repo := o.get(i)
		if !repo.NeedsDeployment {
			continue
		}

		started := o.now()
		tokens := deploy.DefaultTokens(repo.LocationPath, o.cfg.SystemDir)
		deployed, err := o.runActions(ctx, repo, tokens)
		if err != nil {
			o.observe(StageDeploy, false, begin)
			return false, err
		}
		allDeployed = allDeployed && deployed

		o.update(i, func(r *model.Repository) {
			r.NeedsDeployment = !deployed
		})
		if err := o.Save(); err != nil {
			o.observe(StageDeploy, false, begin)
			return false, err
		}

		if deployed {
			o.record(ctx, StageDeploy, repo, true, "deployment succeeded", started)
		} else {
			o.record(ctx, StageDeploy, repo, false, "deployment failed", started)
		}

		if o.deps.Notifier != nil && repo.GitHub != nil {
			if err := o.process(o.op(repo, "notify deployment"), func() error {
				return o.deps.Notifier.NotifyDeployment(ctx, repo, deployed)
			}); err != nil {
				o.observe(StageDeploy, false, begin)
				return false, err
			}
		}
	}

	o.observe(StageDeploy, allDeployed, begin)
	return allDeployed, nil
}

// runActions executes the repository's actions in order. A failed key action
// stops the remaining actions and runs its rollback actions; a failed non-key
// action is remembered and execution continues.
func (o *Orchestrator) runActions(ctx context.Context, repo model.Repository, tokens deploy.Tokens) (bool, error) {
	allSucceeded := true

	for idx, action := range repo.DeploymentActions {
		ok, err := o.runAction(ctx, repo, idx, action, tokens)
		if err != nil {
			return false, err
		}
		if ok {
			continue
		}

		allSucceeded = false
		if !action.KeyToDeployment {
			continue
		}

		o.log.Warn("key deployment action failed, rolling back",
			zap.String("repository", repo.Name),
			zap.Int("action", idx),
			zap.Stringer("type", action.Type),
			zap.Int("rollback_actions", len(action.RollbackActions)),
		)
		for ridx, rollback := range action.RollbackActions {
			ok, err := o.runAction(ctx, repo, ridx, rollback, tokens)
			if err != nil {
				return false, err
			}
			if !ok {
				o.log.Warn("rollback action failed",
					zap.String("repository", repo.Name),
					zap.Int("action", ridx),
					zap.Stringer("type", rollback.Type),
				)
			}
		}
		break
	}
	return allSucceeded, nil
}

func (o *Orchestrator) runAction(ctx context.Context, repo model.Repository, idx int, action model.DeploymentAction, tokens deploy.Tokens) (bool, error) {
	resolved := action.Clone()
	resolved.Parameters = deploy.Substitute(action.Parameters, tokens)

	op := o.op(repo, fmt.Sprintf("action %d (%s)", idx, action.Type))
	return errpolicy.ProcessValue(o.deps.Policy, op, func() (bool, error) {
		act, err := deploy.FromModel(resolved)
		if err != nil {
			return false, err
		}
		return o.deps.Actions.Execute(ctx, act)
	}, false)
}

func (o *Orchestrator) op(repo model.Repository, what string) string {
	return repo.Name + ": " + what
}

func (o *Orchestrator) step(repo model.Repository, what string, fn func() error) (bool, error) {
	return errpolicy.Succeeded(o.deps.Policy, o.op(repo, what), fn)
}

func (o *Orchestrator) process(op string, fn func() error) error {
	return errpolicy.Process(o.deps.Policy, op, fn)
}

func historyEntry(stage Stage, repo model.Repository, success bool, message string, started, finished time.Time) history.Entry {
	return history.Entry{
		Repository: repo.Name,
		Stage:      string(stage),
		Success:    success,
		Message:    message,
		StartedAt:  started,
		FinishedAt: finished,
	}
}
