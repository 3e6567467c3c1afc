// Package organizer plans and applies bulk file reorganization: scan a
// directory, categorize files by rules, move them through the checkpoint
// engine so every run is undoable, and optionally watch a directory for new
// arrivals.
package organizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Rules is the YAML-configurable categorization policy.
type Rules struct {
	// Categories map file extensions and name patterns to folder names.
	// The first matching rule wins; extensions are checked before patterns.
	Categories []CategoryRule `yaml:"categories"`

	// IgnoreDirs are directory names never descended into.
	IgnoreDirs []string `yaml:"ignore_dirs"`

	// Ignore holds glob patterns; files whose relative path or name match
	// are left alone.
	Ignore []string `yaml:"ignore"`

	// SkipExtensions are file extensions never organized (code and build
	// files, typically).
	SkipExtensions []string `yaml:"skip_extensions"`

	// DefaultCategory receives files no rule matched.
	DefaultCategory string `yaml:"default_category"`
}

// CategoryRule maps extensions and optional filename globs to one category
// folder.
type CategoryRule struct {
	Name       string   `yaml:"name"`
	Extensions []string `yaml:"extensions"`
	Patterns   []string `yaml:"patterns,omitempty"`
}

// DefaultRules returns the built-in policy: common media/document categories,
// and safety lists keeping code trees and build output untouched.
func DefaultRules() Rules {
	return Rules{
		Categories: []CategoryRule{
			{Name: "Images", Extensions: []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".svg", ".heic", ".webp"}},
			{Name: "Documents", Extensions: []string{".pdf", ".doc", ".docx", ".txt", ".rtf", ".xls", ".xlsx", ".ppt", ".pptx", ".csv"}},
			{Name: "Archives", Extensions: []string{".zip", ".rar", ".7z", ".tar", ".gz"}},
			{Name: "Audio", Extensions: []string{".mp3", ".wav", ".m4a", ".flac"}},
			{Name: "Video", Extensions: []string{".mp4", ".mov", ".avi", ".mkv"}},
			{Name: "Installers", Extensions: []string{".dmg", ".pkg", ".msi", ".exe"}},
		},
		IgnoreDirs: []string{
			".git", ".svn", ".hg", ".idea", ".vscode",
			"node_modules", "venv", "env", "__pycache__",
			"build", "dist", "target", "bin", "obj",
		},
		SkipExtensions: []string{
			".py", ".js", ".jsx", ".ts", ".tsx", ".java", ".cpp", ".c", ".h",
			".html", ".css", ".json", ".xml", ".yaml", ".yml", ".toml", ".ini",
			".sh", ".bat", ".ps1", ".lock",
		},
		DefaultCategory: "Misc",
	}
}

// LoadRules reads a YAML rules file over the defaults: keys present in the
// file replace the default value wholesale, absent keys keep it.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("organizer: failed to read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("organizer: failed to parse rules file: %w", err)
	}
	return rules, nil
}

// patternRule is one compiled filename glob bound to a category.
type patternRule struct {
	matcher  glob.Glob
	source   string
	category string
}

// RuleSet is the compiled, query-ready form of Rules.
type RuleSet struct {
	defaultCategory string
	ignoreDirs      map[string]struct{}
	skipExts        map[string]struct{}
	ignoreGlobs     []glob.Glob
	byExt           map[string]string
	patterns        []patternRule
}

// Compile validates the rules and builds the lookup structures.
func (r Rules) Compile() (*RuleSet, error) {
	rs := &RuleSet{
		defaultCategory: r.DefaultCategory,
		ignoreDirs:      make(map[string]struct{}, len(r.IgnoreDirs)),
		skipExts:        make(map[string]struct{}, len(r.SkipExtensions)),
		byExt:           make(map[string]string),
	}
	if rs.defaultCategory == "" {
		rs.defaultCategory = "Misc"
	}

	for _, dir := range r.IgnoreDirs {
		rs.ignoreDirs[dir] = struct{}{}
	}
	for _, ext := range r.SkipExtensions {
		rs.skipExts[normalizeExt(ext)] = struct{}{}
	}
	for _, pattern := range r.Ignore {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("organizer: bad ignore pattern %q: %w", pattern, err)
		}
		rs.ignoreGlobs = append(rs.ignoreGlobs, g)
	}

	for _, cat := range r.Categories {
		if cat.Name == "" {
			return nil, fmt.Errorf("organizer: category with empty name")
		}
		for _, ext := range cat.Extensions {
			rs.byExt[normalizeExt(ext)] = cat.Name
		}
		for _, pattern := range cat.Patterns {
			g, err := glob.Compile(strings.ToLower(pattern))
			if err != nil {
				return nil, fmt.Errorf("organizer: bad pattern %q in category %s: %w", pattern, cat.Name, err)
			}
			rs.patterns = append(rs.patterns, patternRule{matcher: g, source: pattern, category: cat.Name})
		}
	}
	return rs, nil
}

// DefaultCategory is the folder for files no rule matched.
func (rs *RuleSet) DefaultCategory() string {
	return rs.defaultCategory
}

// IgnoredDir reports whether a directory name is excluded from scanning.
func (rs *RuleSet) IgnoredDir(name string) bool {
	_, ok := rs.ignoreDirs[name]
	return ok
}

// Ignored reports whether a file is excluded, by extension or by an ignore
// glob matched against its root-relative path or bare name.
func (rs *RuleSet) Ignored(relPath, name string) bool {
	if _, ok := rs.skipExts[strings.ToLower(filepath.Ext(name))]; ok {
		return true
	}
	rel := filepath.ToSlash(relPath)
	for _, g := range rs.ignoreGlobs {
		if g.Match(rel) || g.Match(name) {
			return true
		}
	}
	return false
}

// Categorize returns the category for a file name and a short reason, or
// empty strings when nothing matched.
func (rs *RuleSet) Categorize(name string) (category, reason string) {
	ext := strings.ToLower(filepath.Ext(name))
	if cat, ok := rs.byExt[ext]; ok {
		return cat, fmt.Sprintf("extension %s", ext)
	}
	lower := strings.ToLower(name)
	for _, p := range rs.patterns {
		if p.matcher.Match(lower) {
			return p.category, fmt.Sprintf("matched %q", p.source)
		}
	}
	return "", ""
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
