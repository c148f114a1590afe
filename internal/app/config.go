package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rancher/deployd/internal/api"
	"github.com/rancher/deployd/internal/build"
	"github.com/rancher/deployd/internal/daemon"
	"github.com/rancher/deployd/internal/deploy"
	"github.com/rancher/deployd/internal/errpolicy"
)

// EnvPrefix prefixes every environment variable read through viper.
const EnvPrefix = "DEPLOYD"

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "console"
	defaultGitBinary = "git"
)

// Config captures runtime options sourced from flags, environment variables and
// the optional settings file.
type Config struct {
	RepositoriesFile string
	HistoryFile      string
	HistoryRetention time.Duration
	PIDFile          string
	ListenAddress    string
	LogLevel         string
	LogFormat        string
	ErrorPolicy      string
	DryRun           bool
	SystemDir        string
	ProcessWait      time.Duration

	GitBinary            string
	GitNetworkRetries    int
	GitNetworkRetryDelay time.Duration
	GitNetworkTimeout    time.Duration

	BuildCommand string
	BuildArgs    []string
	BuildTimeout time.Duration

	GitHubToken     string
	GitHubBaseURL   string
	GitHubUploadURL string

	FallbackInterval time.Duration
}

// SetDefaults registers every configuration key on v so that environment
// variables are picked up for keys absent from the settings file.
func SetDefaults(v *viper.Viper) {
	stateDir := defaultStateDir()

	v.SetDefault("repositories_file", filepath.Join(stateDir, "repositories.yaml"))
	v.SetDefault("history_file", filepath.Join(stateDir, "history.db"))
	v.SetDefault("history_retention", 30*24*time.Hour)
	v.SetDefault("pid_file", filepath.Join(stateDir, "deployd.pid"))
	v.SetDefault("listen_address", api.DefaultAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", defaultLogFormat)
	v.SetDefault("error_policy", errpolicy.NameSwallow)
	v.SetDefault("dry_run", false)
	v.SetDefault("system_dir", "/usr/local/bin")
	v.SetDefault("process_wait", deploy.DefaultProcessWait)
	v.SetDefault("git.binary", defaultGitBinary)
	v.SetDefault("git.network_retries", 2)
	v.SetDefault("git.network_retry_delay", time.Second)
	v.SetDefault("git.network_timeout", 2*time.Minute)
	v.SetDefault("build.command", build.DefaultCommand)
	v.SetDefault("build.args", build.DefaultArgs)
	v.SetDefault("build.timeout", build.DefaultTimeout)
	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("github.upload_url", "")
	v.SetDefault("scheduler.fallback_interval", daemon.DefaultFallbackInterval)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadConfig reads every key from v, applies defaults, and performs validation.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		RepositoriesFile: strings.TrimSpace(v.GetString("repositories_file")),
		HistoryFile:      strings.TrimSpace(v.GetString("history_file")),
		HistoryRetention: v.GetDuration("history_retention"),
		PIDFile:          strings.TrimSpace(v.GetString("pid_file")),
		ListenAddress:    strings.TrimSpace(v.GetString("listen_address")),
		LogLevel:         strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFormat:        strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),
		ErrorPolicy:      strings.ToLower(strings.TrimSpace(v.GetString("error_policy"))),
		DryRun:           v.GetBool("dry_run"),
		SystemDir:        strings.TrimSpace(v.GetString("system_dir")),
		ProcessWait:      v.GetDuration("process_wait"),

		GitBinary:            strings.TrimSpace(v.GetString("git.binary")),
		GitNetworkRetries:    v.GetInt("git.network_retries"),
		GitNetworkRetryDelay: v.GetDuration("git.network_retry_delay"),
		GitNetworkTimeout:    v.GetDuration("git.network_timeout"),

		BuildCommand: strings.TrimSpace(v.GetString("build.command")),
		BuildArgs:    v.GetStringSlice("build.args"),
		BuildTimeout: v.GetDuration("build.timeout"),

		GitHubToken:     strings.TrimSpace(v.GetString("github.token")),
		GitHubBaseURL:   strings.TrimSpace(v.GetString("github.base_url")),
		GitHubUploadURL: strings.TrimSpace(v.GetString("github.upload_url")),

		FallbackInterval: v.GetDuration("scheduler.fallback_interval"),
	}

	if cfg.GitHubToken == "" {
		cfg.GitHubToken = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}
	if cfg.ErrorPolicy == "" {
		cfg.ErrorPolicy = errpolicy.NameSwallow
	}
	if cfg.GitBinary == "" {
		cfg.GitBinary = defaultGitBinary
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RepositoriesFile == "" {
		return fmt.Errorf("repositories_file is required")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	supportedFormats := map[string]struct{}{"console": {}, "text": {}, "json": {}}
	if _, ok := supportedFormats[c.LogFormat]; !ok {
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}

	if c.ErrorPolicy != errpolicy.NameSwallow && c.ErrorPolicy != errpolicy.NameRethrow {
		return fmt.Errorf("unsupported error policy %q", c.ErrorPolicy)
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"process_wait", c.ProcessWait},
		{"build.timeout", c.BuildTimeout},
		{"git.network_timeout", c.GitNetworkTimeout},
		{"scheduler.fallback_interval", c.FallbackInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.value)
		}
	}
	if c.HistoryRetention < 0 {
		return fmt.Errorf("history_retention cannot be negative")
	}
	if c.GitNetworkRetries < 0 {
		return fmt.Errorf("git.network_retries cannot be negative")
	}
	if c.GitNetworkRetryDelay < 0 {
		return fmt.Errorf("git.network_retry_delay cannot be negative")
	}

	if c.GitHubUploadURL != "" && c.GitHubBaseURL == "" {
		return fmt.Errorf("github.upload_url requires github.base_url")
	}
	return nil
}

// NotificationsEnabled reports whether deployment results are published to GitHub.
func (c Config) NotificationsEnabled() bool {
	return c.GitHubToken != "" && !c.DryRun
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "deployd")
	}
	return ".deployd"
}
