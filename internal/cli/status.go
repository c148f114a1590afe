package cli

import (
	"github.com/spf13/cobra"

	"github.com/rancher/deployd/internal/daemon"
	"github.com/rancher/deployd/internal/store"
)

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured repositories, their pending stages and next check time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}

			if cfg.PIDFile != "" {
				if pid, ok := daemon.NewPIDFile(cfg.PIDFile).IsRunning(); ok {
					opts.ui.Success("daemon running (pid %d)", pid)
				} else {
					opts.ui.Info("daemon not running")
				}
			}

			repos, err := store.New().Load(cfg.RepositoriesFile)
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				opts.ui.Info("no repositories configured in %s", cfg.RepositoriesFile)
				return nil
			}

			table := opts.ui.Table([]string{"REPOSITORY", "BRANCH", "REMOTE", "UPDATE", "BUILD", "DEPLOY", "LAST CHECK", "NEXT CHECK"})
			next := repos[0].NextCheckAt()
			for _, r := range repos {
				if r.NextCheckAt().Before(next) {
					next = r.NextCheckAt()
				}
				_ = table.Append([]string{
					r.Name,
					r.DeploymentBranch,
					r.RemoteName,
					FlagColor(r.NeedsUpdate),
					FlagColor(r.NeedsBuild),
					FlagColor(r.NeedsDeployment),
					formatTime(r.LastCheckedAt),
					formatTime(r.NextCheckAt()),
				})
			}
			_ = table.Render()
			opts.ui.Info("next check: %s", formatTime(next))
			return nil
		},
	}
}
