// Package scope decides whether a query is within the persona's
// professional scope, first with a local keyword heuristic and then with a
// semantic LLM classification.
package scope

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Category is a named group of negative-signal phrases.
type Category struct {
	Name    string   `yaml:"name"`
	Phrases []string `yaml:"phrases"`
}

// Rules is the data-driven heuristic configuration.
type Rules struct {
	ArithmeticCategory string     `yaml:"arithmetic_category"`
	Categories         []Category `yaml:"categories"`
	PositiveSignals    []string   `yaml:"positive_signals"`
}

// DefaultRules returns the embedded rule set.
func DefaultRules() (*Rules, error) {
	return parseRules(defaultRules)
}

// LoadRules reads rules from path, or the embedded defaults when path is empty.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scope rules: %w", err)
	}
	return parseRules(data)
}

func parseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse scope rules: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate rejects empty categories and phrases.
func (r *Rules) Validate() error {
	if len(r.Categories) == 0 {
		return errors.New("scope rules: no categories")
	}
	seen := make(map[string]bool, len(r.Categories))
	for _, c := range r.Categories {
		if strings.TrimSpace(c.Name) == "" {
			return errors.New("scope rules: category without name")
		}
		if seen[c.Name] {
			return fmt.Errorf("scope rules: duplicate category %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Phrases) == 0 {
			return fmt.Errorf("scope rules: category %q has no phrases", c.Name)
		}
		for _, p := range c.Phrases {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("scope rules: category %q has an empty phrase", c.Name)
			}
		}
	}
	if r.ArithmeticCategory == "" {
		r.ArithmeticCategory = r.Categories[len(r.Categories)-1].Name
	}
	return nil
}
