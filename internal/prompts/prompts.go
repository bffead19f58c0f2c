// Package prompts provides the quick-prompt shortcuts offered beside the
// composer.
package prompts

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var defaults = []string{
	"I feel anxious",
	"Trouble sleeping",
	"Need motivation",
	"I feel lonely",
	"I made a mistake",
	"Overwhelmed by tasks",
	"Stressed about studies/work",
	"Having a tough day",
}

// Defaults returns a copy of the built-in prompts.
func Defaults() []string {
	out := make([]string, len(defaults))
	copy(out, defaults)
	return out
}

// File is the on-disk layout of a prompts override.
type File struct {
	Prompts []string `yaml:"prompts"`
}

// Load reads prompts from a YAML file. An empty path returns the defaults.
// Blank entries are dropped; a file with no usable prompts is an error.
func Load(path string) ([]string, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a prompts document.
func Parse(data []byte) ([]string, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts file: %w", err)
	}
	out := make([]string, 0, len(f.Prompts))
	for _, p := range f.Prompts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("prompts file has no prompts")
	}
	return out, nil
}
