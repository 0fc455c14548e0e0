package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Theme groups question templates around one research angle. Templates
// contain a {question} placeholder substituted with the user's question.
type Theme struct {
	Name      string   `yaml:"name"`
	Keywords  []string `yaml:"keywords"`
	Templates []string `yaml:"templates"`
}

// TemplateCatalog is the question-template catalog used by the planner
// to seed the first retrieval batch.
type TemplateCatalog struct {
	Default []string `yaml:"default"`
	Themes  []Theme  `yaml:"themes"`
}

var (
	catalogOnce   sync.Once
	cachedCatalog *TemplateCatalog
	catalogErr    error
)

// LoadTemplateCatalog reads and caches the catalog at path. Subsequent
// calls return the cached copy regardless of path.
func LoadTemplateCatalog(path string) (*TemplateCatalog, error) {
	catalogOnce.Do(func() {
		cachedCatalog, catalogErr = readCatalog(path)
	})
	return cachedCatalog, catalogErr
}

func readCatalog(path string) (*TemplateCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return builtinCatalog(), nil
		}
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	var cat TemplateCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	if len(cat.Default) == 0 {
		cat.Default = builtinCatalog().Default
	}
	return &cat, nil
}

// Expand returns template questions for the given user question, capped
// at max. Theme templates match when any keyword appears in the
// question; the default set fills the remainder.
func (c *TemplateCatalog) Expand(question string, max int) []string {
	if max <= 0 {
		return nil
	}
	lower := strings.ToLower(question)
	seen := make(map[string]struct{}, max)
	out := make([]string, 0, max)

	add := func(tmpl string) bool {
		q := strings.ReplaceAll(tmpl, "{question}", question)
		if _, dup := seen[q]; dup {
			return len(out) < max
		}
		seen[q] = struct{}{}
		out = append(out, q)
		return len(out) < max
	}

	for _, th := range c.Themes {
		if !themeMatches(th, lower) {
			continue
		}
		for _, tmpl := range th.Templates {
			if !add(tmpl) {
				return out
			}
		}
	}
	for _, tmpl := range c.Default {
		if !add(tmpl) {
			return out
		}
	}
	return out
}

func themeMatches(th Theme, lowerQuestion string) bool {
	for _, kw := range th.Keywords {
		if strings.Contains(lowerQuestion, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func builtinCatalog() *TemplateCatalog {
	return &TemplateCatalog{
		Default: []string{
			"{question}",
			"personal experiences with {question}",
			"common opinions about {question}",
		},
	}
}
