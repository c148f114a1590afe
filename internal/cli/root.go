// Package cli implements the deployd command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rancher/deployd/internal/app"
)

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type options struct {
	v          *viper.Viper
	configFile string
	envFile    string
	ui         *UI
}

// NewRootCommand returns the deployd command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	opts := &options{v: viper.New()}
	app.SetDefaults(opts.v)

	root := &cobra.Command{
		Use:   "deployd",
		Short: "Continuous deployment daemon for local working copies",
		Long: `deployd watches git working copies on this host, fast-forwards their
deployment branch when the remote moves, builds them, and runs their
configured deployment actions.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.ui = &UI{Out: cmd.OutOrStdout(), ErrOut: cmd.ErrOrStderr()}
			return opts.initConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Settings file (YAML)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	flags.String("repositories", "", "Repository configuration file")
	flags.String("history", "", "History database file")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: console, json")
	flags.String("error-policy", "", "Backend error policy: swallow, rethrow")
	flags.Bool("dry-run", false, "Skip builds and deployment actions")

	for key, flag := range map[string]string{
		"repositories_file": "repositories",
		"history_file":      "history",
		"log_level":         "log-level",
		"log_format":        "log-format",
		"error_policy":      "error-policy",
		"dry_run":           "dry-run",
	} {
		_ = opts.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		newRunCommand(opts),
		newCycleCommand(opts),
		newStatusCommand(opts),
		newHistoryCommand(opts),
		newVersionCommand(info),
	)
	return root
}

func (o *options) initConfig() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}
	if o.configFile != "" {
		o.v.SetConfigFile(o.configFile)
		if err := o.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read settings: %w", err)
		}
	}
	return nil
}

func (o *options) config() (app.Config, error) {
	return app.LoadConfig(o.v)
}

// Execute runs the command tree and returns the process exit code. SIGINT and
// SIGTERM cancel the command's context.
func Execute(info BuildInfo) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand(info).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
