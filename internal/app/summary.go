package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rancher/deployd/internal/orchestrator"
)

func writeStepSummary(path string, result orchestrator.CycleResult, cycleErr error) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	// The directory is normally prepared by the CI runner; a failure here still
	// lets the open below decide.
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			fmt.Fprintf(os.Stderr, "warning: could not create summary directory: %v\n", mkErr)
		}
	}

	var builder strings.Builder
	builder.WriteString("## Deployment cycle summary\n\n")
	builder.WriteString(renderCycleDetails(result, cycleErr))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open step summary: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close step summary file: %v\n", closeErr)
		}
	}()

	if _, err := file.WriteString(builder.String()); err != nil {
		return fmt.Errorf("write step summary: %w", err)
	}
	return nil
}

func renderCycleDetails(result orchestrator.CycleResult, cycleErr error) string {
	var builder strings.Builder

	if cycleErr != nil {
		builder.WriteString(fmt.Sprintf("Cycle aborted: %s\n\n", sanitizeMarkdownCell(cycleErr.Error())))
	}

	if len(result.Repositories) == 0 {
		builder.WriteString("No repositories are configured.\n")
		return builder.String()
	}

	builder.WriteString("| Repository | Check | Update | Build | Deploy | Pending |\n")
	builder.WriteString("| --- | --- | --- | --- | --- | --- |\n")
	for _, repo := range result.Repositories {
		cells := []string{sanitizeMarkdownCell(repo.Name)}
		for _, stage := range orchestrator.Stages {
			cells = append(cells, sanitizeMarkdownCell(string(repo.Outcome(stage))))
		}
		cells = append(cells, sanitizeMarkdownCell(pendingFlags(repo)))
		builder.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}

	builder.WriteString(fmt.Sprintf("\nUpdates found: %t. Built: %t. Deployed: %t. Elapsed: %s.\n",
		result.UpdatesFound, result.Built, result.Deployed, result.Duration().Round(time.Millisecond)))
	return builder.String()
}

// pendingFlags lists the stages a repository still owes, e.g. "build, deploy".
func pendingFlags(repo orchestrator.RepositoryOutcome) string {
	var pending []string
	if repo.NeedsUpdate {
		pending = append(pending, string(orchestrator.StageUpdate))
	}
	if repo.NeedsBuild {
		pending = append(pending, string(orchestrator.StageBuild))
	}
	if repo.NeedsDeployment {
		pending = append(pending, string(orchestrator.StageDeploy))
	}
	return strings.Join(pending, ", ")
}

func sanitizeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	value = strings.ReplaceAll(value, "\n", "<br>")
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return value
}
