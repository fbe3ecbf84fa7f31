package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includeFile is the subset of Config an included file may contribute.
// Included files register groups and scheduled tasks; every other setting
// belongs to the main file.
type includeFile struct {
	Groups    []GroupConfig `yaml:"groups"`
	Scheduler struct {
		Tasks []ScheduledTaskConfig `yaml:"tasks"`
	} `yaml:"scheduler"`
	Includes []string `yaml:"includes,omitempty"`
}

// processIncludes appends the groups and tasks of every file referenced by
// includes to cfg, in include order. basePath is the directory of the file
// that declared the includes. visited tracks absolute paths to detect cycles.
func processIncludes(cfg *Config, includes []string, basePath string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	if visited == nil {
		visited = make(map[string]bool)
	}

	for _, pattern := range includes {
		paths, err := resolveIncludePaths(pattern, basePath)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}

			if visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			visited[abs] = true

			if err := mergeFile(cfg, abs, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveIncludePaths resolves a pattern (which may contain globs) relative to baseDir.
// It validates that the resolved path does not escape baseDir.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	rel, err := filepath.Rel(baseDir, pattern)
	if err == nil && len(rel) >= 2 && rel[:2] == ".." {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		// A literal path that does not exist is reported by mergeFile.
		if !hasMeta(pattern) {
			return []string{pattern}, nil
		}
		return nil, nil
	}
	return matches, nil
}

// hasMeta reports whether the pattern contains any glob metacharacters.
func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// mergeFile reads one included YAML file, appends its groups and tasks to
// cfg and then follows its own includes.
func mergeFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var inc includeFile
	if err := yaml.Unmarshal(data, &inc); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	cfg.Groups = append(cfg.Groups, inc.Groups...)
	cfg.Scheduler.Tasks = append(cfg.Scheduler.Tasks, inc.Scheduler.Tasks...)

	if len(inc.Includes) > 0 {
		return processIncludes(cfg, inc.Includes, filepath.Dir(path), visited, depth)
	}
	return nil
}
