package cli

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rancher/deployd/internal/history"
)

func newHistoryCommand(opts *options) *cobra.Command {
	var (
		repository string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent stage runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if cfg.HistoryFile == "" {
				return errors.New("history is disabled (history_file is empty)")
			}
			if _, err := os.Stat(cfg.HistoryFile); errors.Is(err, os.ErrNotExist) {
				opts.ui.Info("no history recorded yet")
				return nil
			}

			recorder, err := history.Open(cmd.Context(), cfg.HistoryFile)
			if err != nil {
				return err
			}
			defer recorder.Close()

			entries, err := recorder.Recent(cmd.Context(), repository, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				opts.ui.Info("no history recorded yet")
				return nil
			}

			table := opts.ui.Table([]string{"STARTED", "REPOSITORY", "STAGE", "RESULT", "DURATION", "MESSAGE"})
			for _, e := range entries {
				result := green("ok")
				if !e.Success {
					result = red("failed")
				}
				_ = table.Append([]string{
					formatTime(e.StartedAt),
					e.Repository,
					strings.ToUpper(e.Stage),
					result,
					e.Duration().Round(time.Millisecond).String(),
					e.Message,
				})
			}
			return table.Render()
		},
	}
	cmd.Flags().StringVarP(&repository, "repository", "r", "", "Only show this repository")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum number of entries")
	return cmd
}
