package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rancher/deployd/internal/app"
	"github.com/rancher/deployd/internal/orchestrator"
)

func newCycleCommand(opts *options) *cobra.Command {
	var summary string

	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one check, update, build and deploy cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			runner, err := app.NewRunner(cfg)
			if err != nil {
				return err
			}
			if summary != "" {
				runner.SummaryPath = summary
			}

			result, runErr := runner.Run(cmd.Context())
			printCycle(opts.ui, result)
			if runErr != nil {
				return runErr
			}
			opts.ui.Success("cycle finished in %s", result.Duration().Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "Append a markdown summary to this file (default $GITHUB_STEP_SUMMARY)")
	return cmd
}

func printCycle(ui *UI, result orchestrator.CycleResult) {
	if len(result.Repositories) == 0 {
		ui.Info("no repositories evaluated")
		return
	}

	headers := []string{"REPOSITORY"}
	for _, stage := range orchestrator.Stages {
		headers = append(headers, strings.ToUpper(string(stage)))
	}
	table := ui.Table(append(headers, "NEXT CHECK"))
	for _, repo := range result.Repositories {
		row := []string{repo.Name}
		for _, stage := range orchestrator.Stages {
			row = append(row, OutcomeColor(repo.Outcome(stage)))
		}
		row = append(row, formatTime(repo.NextCheckAt))
		_ = table.Append(row)
	}
	_ = table.Render()
}
