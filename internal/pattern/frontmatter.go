package pattern

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Meta is the optional YAML header of a prompt file.
type Meta struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

// parsePromptFile splits an optional "---" delimited YAML header from the
// prompt body. Files without a header are all body.
func parsePromptFile(content string) (Meta, string, error) {
	const fence = "---"
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, fence) {
		return Meta{}, trimmed, nil
	}

	rest := trimmed[len(fence):]
	idx := strings.Index(rest, "\n"+fence)
	if idx < 0 {
		return Meta{}, "", fmt.Errorf("no closing --- in prompt header")
	}
	var m Meta
	if err := yaml.Unmarshal([]byte(rest[:idx]), &m); err != nil {
		return Meta{}, "", fmt.Errorf("parse prompt header: %w", err)
	}
	body := ""
	afterClose := rest[idx+1+len(fence):]
	if nl := strings.IndexByte(afterClose, '\n'); nl >= 0 {
		body = afterClose[nl+1:]
	}
	return m, strings.TrimSpace(body), nil
}
