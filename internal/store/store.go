// Package store persists the repository list as a YAML document.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rancher/deployd/internal/model"
)

var (
	// ErrConfigurationMissing reports an empty store path or a missing file.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrConfigurationInvalid reports content that cannot be decoded or fails validation.
	ErrConfigurationInvalid = errors.New("configuration invalid")
)

// ConfigError carries the path and cause of a configuration failure. It
// matches ErrConfigurationMissing or ErrConfigurationInvalid through errors.Is.
type ConfigError struct {
	Path string
	Kind error
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// DefaultRemoteName is assumed for repositories that do not name a remote.
const DefaultRemoteName = "origin"

type document struct {
	Repositories []model.Repository `yaml:"repositories"`
}

// YAMLStore reads and writes the repository configuration file.
type YAMLStore struct{}

// New returns a YAML backed store.
func New() *YAMLStore {
	return &YAMLStore{}
}

// Load reads the repository list from path. An empty file yields an empty list.
func (s *YAMLStore) Load(path string) ([]model.Repository, error) {
	if path == "" {
		return nil, &ConfigError{Kind: ErrConfigurationMissing, Err: errors.New("no configuration path given")}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ConfigError{Path: path, Kind: ErrConfigurationMissing, Err: err}
		}
		return nil, fmt.Errorf("read configuration %s: %w", path, err)
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Path: path, Kind: ErrConfigurationInvalid, Err: err}
	}

	for i := range doc.Repositories {
		if doc.Repositories[i].RemoteName == "" {
			doc.Repositories[i].RemoteName = DefaultRemoteName
		}
	}
	if err := validate(doc.Repositories); err != nil {
		return nil, &ConfigError{Path: path, Kind: ErrConfigurationInvalid, Err: err}
	}
	return doc.Repositories, nil
}

// Save writes repos to path, replacing the previous file atomically.
func (s *YAMLStore) Save(path string, repos []model.Repository) error {
	if path == "" {
		return &ConfigError{Kind: ErrConfigurationMissing, Err: errors.New("no configuration path given")}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(document{Repositories: repos}); err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create configuration directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temporary configuration: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write configuration: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close configuration: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod configuration: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace configuration %s: %w", path, err)
	}
	return nil
}

func validate(repos []model.Repository) error {
	seen := make(map[string]bool, len(repos))
	for i, r := range repos {
		switch {
		case r.Name == "":
			return fmt.Errorf("repository %d: name is required", i)
		case r.LocationPath == "":
			return fmt.Errorf("repository %q: location_path is required", r.Name)
		case r.DeploymentBranch == "":
			return fmt.Errorf("repository %q: deployment_branch is required", r.Name)
		case r.CheckInterval < 0:
			return fmt.Errorf("repository %q: check_interval must not be negative", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("repository %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
