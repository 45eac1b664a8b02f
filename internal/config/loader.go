package config

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
)

// SourceType names how a config source path is interpreted.
type SourceType string

const (
	SourceFile      SourceType = "file"
	SourceDirectory SourceType = "directory"
	SourceGlob      SourceType = "glob"
)

// ConfigSource is one place tool YAML is read from.
type ConfigSource struct {
	Type     SourceType
	Path     string
	BaseDir  string
	Required bool
}

// MergeOptions control how multiple YAML documents combine.
type MergeOptions struct {
	MergeArrays           bool
	AllowDuplicateTools   bool
	AllowDuplicateSources bool
	ValidateMerged        bool
}

// DefaultMergeOptions returns the documented defaults.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{MergeArrays: true, ValidateMerged: true}
}

// LoadStats summarizes a load for logging and diagnostics.
type LoadStats struct {
	SourcesLoaded int `json:"sourcesLoaded"`
	SourcesMerged int `json:"sourcesMerged"`
	ToolsTotal    int `json:"toolsTotal"`
	ToolsetsTotal int `json:"toolsetsTotal"`
	SourcesTotal  int `json:"sourcesTotal"`
}

// LoadResult is the outcome of assembling a merged Config.
type LoadResult struct {
	Success           bool
	Config            *Config
	Stats             LoadStats
	ResolvedFilePaths []string
	Errors            []error
	Warnings          []string
}

// SourceFor builds a ConfigSource from a raw --tools / TOOLS_YAML_PATH
// value: an existing directory loads recursively, a path containing glob
// metacharacters expands, anything else is a single file.
func SourceFor(path string) ConfigSource {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return ConfigSource{Type: SourceDirectory, Path: path, Required: true}
	}
	if strings.ContainsAny(path, "*?[{") {
		return ConfigSource{Type: SourceGlob, Path: path, Required: true}
	}
	return ConfigSource{Type: SourceFile, Path: path, Required: true}
}

// Load resolves every source to concrete files, parses and validates each
// file, and merges them in order. A file that fails validation is reported
// and skipped; it never reaches the merged config.
func Load(sources []ConfigSource, opts MergeOptions, logger *common.Logger) *LoadResult {
	result := &LoadResult{}

	var files []string
	for _, src := range sources {
		resolved, err := resolveSource(src)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if len(resolved) == 0 && !src.Required {
			result.Warnings = append(result.Warnings, "no files matched optional source "+src.Path)
			if logger != nil {
				logger.Warn().Str("path", src.Path).Msg("no files matched optional config source")
			}
		}
		files = append(files, resolved...)
	}
	result.ResolvedFilePaths = files

	merged := &Config{
		Sources:  make(map[string]SourceSpec),
		Tools:    make(map[string]ToolSpec),
		Toolsets: make(map[string]ToolsetSpec),
	}

	for _, file := range files {
		doc, err := parseFile(file)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if err := validateDocument(file, doc); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		warnings, err := mergeInto(merged, doc, file, opts)
		result.Warnings = append(result.Warnings, warnings...)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Stats.SourcesMerged++
	}
	result.Stats.SourcesLoaded = len(files)

	if opts.ValidateMerged {
		if err := ValidateReferences(merged); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	result.Stats.ToolsTotal = len(merged.Tools)
	result.Stats.ToolsetsTotal = len(merged.Toolsets)
	result.Stats.SourcesTotal = len(merged.Sources)

	if len(merged.Sources) == 0 && len(merged.Tools) == 0 && len(merged.Toolsets) == 0 {
		result.Errors = append(result.Errors,
			common.NewError(common.KindConfiguration, "no tool configuration loaded (sources, tools, and toolsets all empty)"))
	}

	result.Success = len(result.Errors) == 0
	if result.Success {
		result.Config = merged
	}
	return result
}

// resolveSource expands a ConfigSource to an ordered list of YAML files.
func resolveSource(src ConfigSource) ([]string, error) {
	switch src.Type {
	case SourceFile:
		if _, err := os.Stat(src.Path); err != nil {
			if src.Required {
				return nil, common.WrapError(common.KindConfiguration, err, "required config file %s", src.Path)
			}
			return nil, nil
		}
		abs, err := filepath.Abs(src.Path)
		if err != nil {
			return nil, common.WrapError(common.KindConfiguration, err, "resolving %s", src.Path)
		}
		return []string{abs}, nil

	case SourceDirectory:
		matches, err := doublestar.Glob(os.DirFS(src.Path), "**/*.{yaml,yml}")
		if err != nil {
			return nil, common.WrapError(common.KindConfiguration, err, "scanning directory %s", src.Path)
		}
		sort.Strings(matches)
		files := make([]string, 0, len(matches))
		for _, m := range matches {
			abs, err := filepath.Abs(filepath.Join(src.Path, m))
			if err != nil {
				return nil, common.WrapError(common.KindConfiguration, err, "resolving %s", m)
			}
			files = append(files, abs)
		}
		if src.Required && len(files) == 0 {
			return nil, common.NewError(common.KindConfiguration, "directory %s contains no YAML files", src.Path)
		}
		return files, nil

	case SourceGlob:
		pattern := src.Path
		if src.BaseDir != "" && !filepath.IsAbs(pattern) {
			pattern = filepath.Join(src.BaseDir, pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, common.WrapError(common.KindConfiguration, err, "expanding glob %s", src.Path)
		}
		sort.Strings(matches)
		if src.Required && len(matches) == 0 {
			return nil, common.NewError(common.KindConfiguration, "glob %s matched no files", src.Path)
		}
		abs := make([]string, 0, len(matches))
		for _, m := range matches {
			a, err := filepath.Abs(m)
			if err != nil {
				return nil, common.WrapError(common.KindConfiguration, err, "resolving %s", m)
			}
			abs = append(abs, a)
		}
		return abs, nil
	}
	return nil, common.NewError(common.KindConfiguration, "unknown config source type %q", src.Type)
}

// envVarRe matches ${VAR_NAME} references in raw YAML content.
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		return []byte(os.Getenv(name))
	})
}

// parseFile reads and decodes one YAML document. Environment references
// in the form ${VAR} expand first; yaml.v3 TypeErrors carry line numbers
// and are preserved in the wrapped message.
func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, common.WrapError(common.KindConfiguration, err, "reading %s", path)
	}
	var doc Config
	if err := yaml.Unmarshal(expandEnvVars(data), &doc); err != nil {
		return nil, common.WrapError(common.KindConfiguration, err, "parsing %s", path)
	}
	return &doc, nil
}

// validateDocument runs per-entity validation over a single parsed file.
func validateDocument(path string, doc *Config) error {
	for name, src := range doc.Sources {
		if err := src.Validate(name); err != nil {
			return common.WrapError(common.KindConfiguration, err, "%s", path)
		}
	}
	for name, tool := range doc.Tools {
		if err := tool.Validate(name); err != nil {
			return common.WrapError(common.KindConfiguration, err, "%s", path)
		}
	}
	for name, ts := range doc.Toolsets {
		if name == "" {
			return common.NewError(common.KindConfiguration, "%s: toolset with empty name", path)
		}
		seen := make(map[string]bool, len(ts.Tools))
		for _, tool := range ts.Tools {
			if seen[tool] {
				return common.NewError(common.KindConfiguration, "%s: toolset %q lists tool %q twice", path, name, tool)
			}
			seen[tool] = true
		}
	}
	return nil
}

// mergeInto merges one validated document into the accumulator.
func mergeInto(dst *Config, doc *Config, file string, opts MergeOptions) ([]string, error) {
	var warnings []string

	for name, src := range doc.Sources {
		if _, exists := dst.Sources[name]; exists {
			if !opts.AllowDuplicateSources {
				return warnings, common.NewError(common.KindConfiguration,
					"%s: duplicate source %q (set allowDuplicateSources to override)", file, name)
			}
			warnings = append(warnings, "source "+name+" redefined by "+file+" (last wins)")
		}
		dst.Sources[name] = src
	}

	for name, tool := range doc.Tools {
		if _, exists := dst.Tools[name]; exists {
			if !opts.AllowDuplicateTools {
				return warnings, common.NewError(common.KindConfiguration,
					"%s: duplicate tool %q (set allowDuplicateTools to override)", file, name)
			}
			warnings = append(warnings, "tool "+name+" redefined by "+file+" (last wins)")
		}
		dst.Tools[name] = tool
	}

	for name, ts := range doc.Toolsets {
		existing, exists := dst.Toolsets[name]
		if exists && opts.MergeArrays {
			seen := make(map[string]bool, len(existing.Tools))
			for _, t := range existing.Tools {
				seen[t] = true
			}
			for _, t := range ts.Tools {
				if !seen[t] {
					existing.Tools = append(existing.Tools, t)
					seen[t] = true
				}
			}
			if ts.Title != "" {
				existing.Title = ts.Title
			}
			if ts.Description != "" {
				existing.Description = ts.Description
			}
			dst.Toolsets[name] = existing
		} else {
			dst.Toolsets[name] = ts
		}
	}

	return warnings, nil
}

// ValidateReferences checks referential integrity of a merged config:
// every tool's source exists and every toolset member exists.
func ValidateReferences(cfg *Config) error {
	for name, tool := range cfg.Tools {
		if _, ok := cfg.Sources[tool.Source]; !ok {
			return common.NewError(common.KindConfiguration,
				"tool %q references unknown source %q", name, tool.Source)
		}
	}
	for name, ts := range cfg.Toolsets {
		for _, member := range ts.Tools {
			if _, ok := cfg.Tools[member]; !ok {
				return common.NewError(common.KindConfiguration,
					"toolset %q lists unknown tool %q", name, member)
			}
		}
	}
	return nil
}

// ToolsetsOf returns the sorted set of toolset names containing the tool.
func (c *Config) ToolsetsOf(tool string) []string {
	var out []string
	for name, ts := range c.Toolsets {
		for _, member := range ts.Tools {
			if member == tool {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
