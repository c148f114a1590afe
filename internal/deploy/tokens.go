package deploy

import (
	"sort"
	"strings"
)

const (
	TokenRepoFolder = "${REPO_FOLDER}"
	TokenWinFolder  = "${WIN_FOLDER}"
)

// Tokens maps a placeholder to its replacement.
type Tokens map[string]string

// DefaultTokens returns the placeholders available to every action: the
// repository's working copy, exactly as configured, and the host's system
// directory.
func DefaultTokens(repoPath, systemDir string) Tokens {
	return Tokens{
		TokenRepoFolder: repoPath,
		TokenWinFolder:  systemDir,
	}
}

// Substitute returns a copy of params with every token replaced literally.
// Tokens are applied in sorted order so results do not depend on map order.
func Substitute(params []string, tokens Tokens) []string {
	if params == nil {
		return nil
	}

	keys := make([]string, 0, len(tokens))
	for k := range tokens {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]string, len(params))
	for i, p := range params {
		for _, k := range keys {
			p = strings.ReplaceAll(p, k, tokens[k])
		}
		out[i] = p
	}
	return out
}
