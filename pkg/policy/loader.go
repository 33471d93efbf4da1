package policy

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads project policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads policies from a list of file or directory paths.
// Directories are walked recursively in lexical order.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if !info.IsDir() {
		policy, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*policy}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (strings.HasSuffix(p, ".rego") || strings.HasSuffix(p, ".json")) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, f := range files {
		policy, err := l.loadFromFile(f)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *policy)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		policy = parseRegoFile(path, data)
	case strings.HasSuffix(path, ".json"):
		policy, err = parseJSONFile(path, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	l.logger.Debug().
		Str("path", path).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")
	return policy, nil
}

// parseRegoFile names the policy after its file. Violations without their
// own severity block the release.
func parseRegoFile(path string, data []byte) *Policy {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Source:      path,
	}
}

// parseJSONFile parses a JSON policy definition.
func parseJSONFile(path string, data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	if policy.Name == "" {
		policy.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	policy.Source = path
	return &policy, nil
}

// extractDescription joins the leading comment block of a Rego module.
func extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
		} else if trimmed != "" && description.Len() > 0 {
			break
		}
	}

	return description.String()
}
