package orchestrator_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/deploy"
	"github.com/rancher/deployd/internal/errpolicy"
	"github.com/rancher/deployd/internal/model"
	"github.com/rancher/deployd/internal/orchestrator"
	"github.com/rancher/deployd/internal/store"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		now      time.Time
		cfgStore *fakeStore
		world    *fakeWorld
		builder  *fakeBuilder
		actions  *fakeActions
		hist     *fakeHistory
		metrics  *fakeMetrics
		notifier *fakeNotifier
		policy   errpolicy.Policy
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		cfgStore = &fakeStore{}
		world = newFakeWorld()
		builder = &fakeBuilder{loadErr: map[string]error{}, buildErr: map[string]error{}}
		actions = &fakeActions{}
		hist = &fakeHistory{}
		metrics = newFakeMetrics()
		notifier = &fakeNotifier{}
		policy = errpolicy.Swallow(zap.NewNop())
	})

	newOrchestrator := func() *orchestrator.Orchestrator {
		orch := orchestrator.New(
			orchestrator.Config{ConfigPath: "repositories.yaml", SystemDir: "/usr/lib"},
			orchestrator.Dependencies{
				Store:    cfgStore,
				VCS:      world.factory,
				Builder:  builder,
				Actions:  actions,
				Policy:   policy,
				History:  hist,
				Metrics:  metrics,
				Notifier: notifier,
				Clock:    func() time.Time { return now },
			},
		)
		Expect(orch.Load()).To(Succeed())
		return orch
	}

	repository := func(name string) model.Repository {
		return model.Repository{
			Name:               name,
			LocationPath:       "/srv/" + name,
			RemoteName:         "origin",
			CheckInterval:      3 * time.Hour,
			DeploymentBranch:   "production",
			SolutionFile:       "/srv/" + name + "/App.sln",
			BuildConfiguration: "Release",
			LastCheckedAt:      now.Add(-3*time.Hour - time.Minute),
		}
	}

	// upstream registers a working copy whose remote has a production branch.
	upstream := func(name string, head string, local ...string) *fakeRepo {
		repo := newFakeRepo(head, local...)
		repo.remote = []string{"origin/production"}
		world.repos["/srv/"+name] = repo
		return repo
	}

	Describe("repository subsets", func() {
		It("filters the live list by flag on demand", func() {
			a, b, c := repository("a"), repository("b"), repository("c")
			a.NeedsUpdate = true
			b.NeedsBuild = true
			c.NeedsBuild = true
			c.NeedsDeployment = true
			cfgStore.repos = []model.Repository{a, b, c}

			orch := newOrchestrator()
			Expect(orch.AllRepositories()).To(HaveLen(3))
			Expect(orch.RepositoriesNeedingUpdate()).To(HaveLen(1))
			Expect(orch.RepositoriesToBuild()).To(HaveLen(2))
			Expect(orch.RepositoriesToDeploy()).To(HaveLen(1))

			copies := orch.RepositoriesToBuild()
			copies[0].NeedsBuild = false
			Expect(orch.RepositoriesToBuild()).To(HaveLen(2))
		})

		It("reports the earliest next check time", func() {
			a, b := repository("a"), repository("b")
			a.LastCheckedAt = now
			b.LastCheckedAt = now.Add(-time.Hour)
			b.CheckInterval = 30 * time.Minute
			cfgStore.repos = []model.Repository{a, b}

			next, ok := newOrchestrator().NextCheckTime()
			Expect(ok).To(BeTrue())
			Expect(next).To(Equal(now.Add(-30 * time.Minute)))
		})

		It("reports no next check time without repositories", func() {
			_, ok := newOrchestrator().NextCheckTime()
			Expect(ok).To(BeFalse())
		})

		It("returns configuration errors from Load unchanged", func() {
			cfgStore.loadErr = &store.ConfigError{Path: "repositories.yaml", Kind: store.ErrConfigurationMissing, Err: errors.New("not found")}
			orch := orchestrator.New(orchestrator.Config{ConfigPath: "repositories.yaml"}, orchestrator.Dependencies{Store: cfgStore})

			err := orch.Load()
			Expect(errors.Is(err, store.ErrConfigurationMissing)).To(BeTrue())
			Expect(orch.AllRepositories()).To(BeEmpty())
		})

		It("refuses to run stages without required collaborators", func() {
			orch := orchestrator.New(orchestrator.Config{}, orchestrator.Dependencies{Store: cfgStore})
			_, err := orch.CheckForUpdates(ctx)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("check for updates", func() {
		It("marks four overdue repositories whose deployment branch moved", func() {
			for _, name := range []string{"a", "b", "c", "d"} {
				cfgStore.repos = append(cfgStore.repos, repository(name))
				repo := upstream(name, "production", "production")
				repo.updated = []string{"refs/remotes/origin/production"}
			}
			orch := newOrchestrator()

			found, err := orch.CheckForUpdates(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(orch.RepositoriesNeedingUpdate()).To(HaveLen(4))
			for _, r := range orch.AllRepositories() {
				Expect(r.LastCheckedAt).To(Equal(now))
			}
			for _, repo := range world.repos {
				Expect(repo.calls).To(Equal([]string{"fetch origin"}))
				Expect(repo.opens).To(Equal(1))
				Expect(repo.closes).To(Equal(1))
			}
			Expect(cfgStore.saves).To(HaveLen(1))
			Expect(world.remotes).To(ConsistOf("origin", "origin", "origin", "origin"))
		})

		DescribeTable("combines the update signals",
			func(setup func(*fakeRepo), expected bool) {
				cfgStore.repos = []model.Repository{repository("api")}
				repo := upstream("api", "production", "production")
				setup(repo)
				orch := newOrchestrator()

				found, err := orch.CheckForUpdates(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(found).To(Equal(expected))
				Expect(orch.AllRepositories()[0].NeedsUpdate).To(Equal(expected))
			},
			Entry("remote reference moved", func(r *fakeRepo) { r.updated = []string{"refs/tags/v1", "refs/remotes/origin/production"} }, true),
			Entry("local branch behind", func(r *fakeRepo) { r.position = -2 }, true),
			Entry("only a remote branch exists", func(r *fakeRepo) { delete(r.local, "production"); r.local["main"] = true; r.head = "main" }, true),
			Entry("local branch ahead", func(r *fakeRepo) { r.position = 3 }, false),
			Entry("in sync", func(r *fakeRepo) {}, false),
			Entry("another branch moved", func(r *fakeRepo) { r.updated = []string{"refs/remotes/origin/main"} }, false),
			Entry("no remote counterpart", func(r *fakeRepo) { r.remote = nil }, false),
		)

		It("does not change anything on an immediate second check", func() {
			cfgStore.repos = []model.Repository{repository("api")}
			repo := upstream("api", "production", "production")
			orch := newOrchestrator()

			found, err := orch.CheckForUpdates(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())

			repo.updated = []string{"refs/remotes/origin/production"}
			found, err = orch.CheckForUpdates(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
			Expect(orch.AllRepositories()[0].NeedsUpdate).To(BeFalse())
			Expect(repo.opens).To(Equal(1))
		})

		It("contains open failures to the failing repository", func() {
			cfgStore.repos = []model.Repository{repository("broken"), repository("api")}
			upstream("broken", "production", "production").openErr = errors.New("not a git repository")
			upstream("api", "production", "production").updated = []string{"refs/remotes/origin/production"}
			orch := newOrchestrator()

			found, err := orch.CheckForUpdates(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())

			repos := orch.AllRepositories()
			Expect(repos[0].NeedsUpdate).To(BeFalse())
			Expect(repos[0].LastCheckedAt).To(Equal(now))
			Expect(repos[1].NeedsUpdate).To(BeTrue())

			Expect(hist.entries).To(HaveLen(2))
			Expect(hist.entries[0].Repository).To(Equal("broken"))
			Expect(hist.entries[0].Success).To(BeFalse())
			Expect(hist.entries[1].Success).To(BeTrue())
		})

		It("skips repositories that are not due", func() {
			fresh := repository("fresh")
			fresh.LastCheckedAt = now.Add(-time.Hour)
			cfgStore.repos = []model.Repository{fresh}
			repo := upstream("fresh", "production", "production")
			repo.updated = []string{"refs/remotes/origin/production"}
			orch := newOrchestrator()

			found, err := orch.CheckForUpdates(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
			Expect(repo.opens).To(BeZero())
			Expect(orch.AllRepositories()[0].LastCheckedAt).To(Equal(now.Add(-time.Hour)))
		})

		It("aborts when a rethrowing policy sees a fetch failure", func() {
			policy = errpolicy.Rethrow()
			cfgStore.repos = []model.Repository{repository("a"), repository("b")}
			upstream("a", "production", "production").fetchErr = errors.New("network unreachable")
			b := upstream("b", "production", "production")
			orch := newOrchestrator()

			_, err := orch.CheckForUpdates(ctx)
			Expect(err).To(MatchError(ContainSubstring("network unreachable")))
			Expect(b.opens).To(BeZero())
			Expect(cfgStore.saves).To(BeEmpty())
		})
	})

	Describe("update", func() {
		It("frees the checked out deployment branch through a temporary branch", func() {
			r := repository("api")
			r.NeedsUpdate = true
			cfgStore.repos = []model.Repository{r}
			repo := upstream("api", "production", "production", "TempBranch1")
			orch := newOrchestrator()

			Expect(orch.UpdateRepositories(ctx)).To(Succeed())
			Expect(repo.calls).To(Equal([]string{
				"create TempBranch2",
				"switch TempBranch2 force=true",
				"remove production",
				"create production",
				"switch production force=true",
				"remove TempBranch2",
			}))
			Expect(repo.head).To(Equal("production"))
			Expect(repo.local).NotTo(HaveKey("TempBranch2"))
			Expect(repo.closes).To(Equal(1))

			updated := orch.AllRepositories()[0]
			Expect(updated.NeedsUpdate).To(BeFalse())
			Expect(updated.NeedsBuild).To(BeTrue())
			Expect(cfgStore.last()[0].NeedsBuild).To(BeTrue())
		})

		It("advances the flags when the temporary branch cannot be removed", func() {
			r := repository("api")
			r.NeedsUpdate = true
			cfgStore.repos = []model.Repository{r}
			repo := upstream("api", "production", "production")
			repo.removeErr = map[string]error{
				"TempBranch1": errors.New("ref locked"),
				"TempBranch2": errors.New("ref locked"),
			}
			orch := newOrchestrator()

			Expect(orch.UpdateRepositories(ctx)).To(Succeed())
			Expect(repo.head).To(Equal("production"))
			Expect(repo.calls).To(ContainElement("remove TempBranch1"))

			updated := orch.AllRepositories()[0]
			Expect(updated.NeedsUpdate).To(BeFalse())
			Expect(updated.NeedsBuild).To(BeTrue())
			Expect(cfgStore.last()[0].NeedsBuild).To(BeTrue())
			Expect(metrics.stages["update"]).To(Equal([]bool{true}))

			calls := len(repo.calls)
			Expect(orch.UpdateRepositories(ctx)).To(Succeed())
			Expect(repo.calls).To(HaveLen(calls))
			Expect(repo.local).NotTo(HaveKey("TempBranch2"))
		})

		It("creates the deployment branch when only the remote has it", func() {
			r := repository("api")
			r.NeedsUpdate = true
			cfgStore.repos = []model.Repository{r}
			repo := upstream("api", "main", "main")
			orch := newOrchestrator()

			Expect(orch.UpdateRepositories(ctx)).To(Succeed())
			Expect(repo.calls).To(Equal([]string{"create production", "switch production force=true"}))
			Expect(orch.RepositoriesToBuild()).To(HaveLen(1))
		})

		It("leaves flags untouched when a step fails", func() {
			r := repository("api")
			r.NeedsUpdate = true
			cfgStore.repos = []model.Repository{r}
			repo := upstream("api", "main", "main", "production")
			repo.createErr = map[string]error{"production": errors.New("cannot lock ref")}
			orch := newOrchestrator()

			Expect(orch.UpdateRepositories(ctx)).To(Succeed())
			Expect(orch.RepositoriesNeedingUpdate()).To(HaveLen(1))
			Expect(orch.RepositoriesToBuild()).To(BeEmpty())
			Expect(cfgStore.saves).To(BeEmpty())
			Expect(metrics.stages["update"]).To(Equal([]bool{false}))
		})

		It("aborts the remaining repositories when the policy rethrows", func() {
			policy = errpolicy.Rethrow()
			a, b := repository("a"), repository("b")
			a.NeedsUpdate = true
			b.NeedsUpdate = true
			cfgStore.repos = []model.Repository{a, b}
			upstream("a", "main", "main").createErr = map[string]error{"production": errors.New("disk full")}
			second := upstream("b", "main", "main")
			orch := newOrchestrator()

			err := orch.UpdateRepositories(ctx)
			Expect(err).To(MatchError(ContainSubstring("disk full")))
			Expect(second.opens).To(BeZero())
			Expect(orch.RepositoriesNeedingUpdate()).To(HaveLen(2))
		})
	})

	Describe("build", func() {
		It("advances only repositories that built", func() {
			var repos []model.Repository
			for _, name := range []string{"ok", "noload", "broken"} {
				r := repository(name)
				r.NeedsBuild = true
				repos = append(repos, r)
			}
			cfgStore.repos = repos
			builder.loadErr["/srv/noload/App.sln"] = errors.New("missing solution")
			builder.buildErr["/srv/broken/App.sln"] = errors.New("exit status 1")
			orch := newOrchestrator()

			built, err := orch.BuildRepositories(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(built).To(BeFalse())
			Expect(builder.builds).To(Equal([]string{"/srv/ok/App.sln|Release", "/srv/broken/App.sln|Release"}))

			deployable := orch.RepositoriesToDeploy()
			Expect(deployable).To(HaveLen(1))
			Expect(deployable[0].Name).To(Equal("ok"))
			Expect(orch.RepositoriesToBuild()).To(HaveLen(2))
			Expect(cfgStore.saves).To(HaveLen(1))
			Expect(metrics.pending["build"]).To(Equal(2))
		})

		It("succeeds vacuously when nothing needs building", func() {
			cfgStore.repos = []model.Repository{repository("api")}
			built, err := newOrchestrator().BuildRepositories(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(built).To(BeTrue())
		})
	})

	Describe("deploy", func() {
		deployable := func(name string, acts ...model.DeploymentAction) model.Repository {
			r := repository(name)
			r.NeedsDeployment = true
			r.DeploymentActions = acts
			return r
		}

		failing := func(file string) func(deploy.Action) (bool, error) {
			return func(a deploy.Action) (bool, error) {
				if exec, ok := a.(deploy.ExecuteFile); ok && exec.File == file {
					return false, nil
				}
				return true, nil
			}
		}

		It("substitutes tokens without touching the configured parameters", func() {
			cfgStore.repos = []model.Repository{deployable("api",
				model.NewDeploymentAction(model.ActionCopyFile, "${REPO_FOLDER}/out/app.dll", "${WIN_FOLDER}/app.dll"),
			)}
			orch := newOrchestrator()

			deployed, err := orch.DeployRepositories(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deployed).To(BeTrue())
			Expect(actions.executed).To(Equal([]deploy.Action{
				deploy.CopyFile{Source: "/srv/api/out/app.dll", Destination: "/usr/lib/app.dll"},
			}))

			saved := cfgStore.last()[0]
			Expect(saved.NeedsDeployment).To(BeFalse())
			Expect(saved.DeploymentActions[0].Parameters).To(Equal([]string{"${REPO_FOLDER}/out/app.dll", "${WIN_FOLDER}/app.dll"}))
		})

		It("stops at a failed key action and runs its rollback actions", func() {
			key := model.NewDeploymentAction(model.ActionExecuteFile, "/opt/api/install.sh")
			key.RollbackActions = []model.DeploymentAction{
				model.NewDeploymentAction(model.ActionExecuteFile, "/opt/api/restore.sh"),
				model.NewDeploymentAction(model.ActionExecuteFile, "/opt/api/restart.sh"),
			}
			cfgStore.repos = []model.Repository{deployable("api",
				key,
				model.NewDeploymentAction(model.ActionExecuteFile, "/opt/api/smoke.sh"),
			)}
			actions.outcome = failing("/opt/api/install.sh")
			orch := newOrchestrator()

			deployed, err := orch.DeployRepositories(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deployed).To(BeFalse())
			Expect(actions.executed).To(Equal([]deploy.Action{
				deploy.ExecuteFile{File: "/opt/api/install.sh"},
				deploy.ExecuteFile{File: "/opt/api/restore.sh"},
				deploy.ExecuteFile{File: "/opt/api/restart.sh"},
			}))

			Expect(orch.RepositoriesToDeploy()).To(HaveLen(1))
			Expect(orch.RepositoriesToBuild()).To(BeEmpty())
		})

		It("continues after a failed non-key action but keeps the deployment pending", func() {
			optional := model.NewDeploymentAction(model.ActionExecuteFile, "/opt/api/warm-cache.sh")
			optional.KeyToDeployment = false
			optional.RollbackActions = []model.DeploymentAction{model.NewDeploymentAction(model.ActionExecuteFile, "/opt/api/never.sh")}
			cfgStore.repos = []model.Repository{deployable("api",
				optional,
				model.NewDeploymentAction(model.ActionExecuteFile, "/opt/api/restart.sh"),
			)}
			actions.outcome = failing("/opt/api/warm-cache.sh")
			orch := newOrchestrator()

			deployed, err := orch.DeployRepositories(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deployed).To(BeFalse())
			Expect(actions.executed).To(Equal([]deploy.Action{
				deploy.ExecuteFile{File: "/opt/api/warm-cache.sh"},
				deploy.ExecuteFile{File: "/opt/api/restart.sh"},
			}))
			Expect(orch.RepositoriesToDeploy()).To(HaveLen(1))
		})

		It("computes the result for each repository separately", func() {
			failingRepo := deployable("a", model.NewDeploymentAction(model.ActionExecuteFile, "/opt/a/run.sh"))
			failingRepo.GitHub = &model.GitHubTarget{Owner: "acme", Repo: "a"}
			passingRepo := deployable("b", model.NewDeploymentAction(model.ActionExecuteFile, "/opt/b/run.sh"))
			passingRepo.GitHub = &model.GitHubTarget{Owner: "acme", Repo: "b"}
			silentRepo := deployable("c", model.NewDeploymentAction(model.ActionNone))
			cfgStore.repos = []model.Repository{failingRepo, passingRepo, silentRepo}
			actions.outcome = failing("/opt/a/run.sh")
			orch := newOrchestrator()

			deployed, err := orch.DeployRepositories(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deployed).To(BeFalse())

			pending := orch.RepositoriesToDeploy()
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].Name).To(Equal("a"))
			Expect(cfgStore.saves).To(HaveLen(3))
			Expect(notifier.sent).To(Equal([]notification{{repository: "a", success: false}, {repository: "b", success: true}}))
		})

		It("keeps failing deployments pending across calls without a rebuild", func() {
			cfgStore.repos = []model.Repository{deployable("api", model.NewDeploymentAction(model.ActionSendEmail, "ops@example.com"))}
			actions.outcome = func(a deploy.Action) (bool, error) {
				_, isEmail := a.(deploy.SendEmail)
				return !isEmail, nil
			}
			orch := newOrchestrator()

			for range 2 {
				deployed, err := orch.DeployRepositories(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(deployed).To(BeFalse())
				Expect(orch.RepositoriesToDeploy()).To(HaveLen(1))
				Expect(orch.RepositoriesToBuild()).To(BeEmpty())
			}
			Expect(actions.executed).To(HaveLen(2))
		})
	})

	Describe("full cycle", func() {
		It("moves a changed repository through every stage", func() {
			r := repository("api")
			r.DeploymentActions = []model.DeploymentAction{model.NewDeploymentAction(model.ActionCopyFile, "${REPO_FOLDER}/a", "/opt/a")}
			cfgStore.repos = []model.Repository{r}
			upstream("api", "main", "main").updated = []string{"refs/remotes/origin/production"}
			orch := newOrchestrator()

			result, err := orch.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.UpdatesFound).To(BeTrue())
			Expect(result.Succeeded()).To(BeTrue())
			Expect(result.Started).To(Equal(now))
			Expect(result.Repositories).To(HaveLen(1))

			outcome := result.Repositories[0]
			for _, stage := range orchestrator.Stages {
				Expect(outcome.Outcome(stage)).To(Equal(orchestrator.OutcomeSucceeded), string(stage))
			}
			Expect(outcome.NeedsUpdate || outcome.NeedsBuild || outcome.NeedsDeployment).To(BeFalse())
			Expect(outcome.NextCheckAt).To(Equal(now.Add(3 * time.Hour)))

			var stages []string
			for _, e := range hist.entries {
				stages = append(stages, e.Stage)
			}
			Expect(stages).To(Equal([]string{"check", "update", "build", "deploy"}))
			Expect(metrics.outcomes).To(HaveKeyWithValue("deploy/true", 1))
		})

		It("returns the partial result when a stage aborts", func() {
			policy = errpolicy.Rethrow()
			r := repository("api")
			r.NeedsBuild = true
			cfgStore.repos = []model.Repository{r}
			upstream("api", "production", "production")
			builder.loadErr["/srv/api/App.sln"] = errors.New("missing solution")
			orch := newOrchestrator()

			result, err := orch.RunCycle(ctx)
			Expect(err).To(HaveOccurred())
			Expect(result.Built).To(BeFalse())
			Expect(result.Deployed).To(BeFalse())
			Expect(result.Repositories[0].Outcome(orchestrator.StageCheck)).To(Equal(orchestrator.OutcomeSucceeded))
			Expect(result.Repositories[0].Outcome(orchestrator.StageDeploy)).To(Equal(orchestrator.OutcomeSkipped))
		})
	})
})
