// Package template loads versioned prompt templates, merges parameter
// values into a substitution context, and renders the final prompt.
//
// A template document is stored as a YAML front-matter header (parameter
// declarations and the response schema) followed by the prompt body.
// Documents are append-only: publishing a change writes a new version and
// moves the active-version pointer, never mutating stored content.
package template

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/measurely/errors"
)

const frontMatterDelimiter = "---"

// FieldSpec declares one field of the backend's structured response.
type FieldSpec struct {
	Type     string   `yaml:"type"` // "number", "string", "boolean", "array"
	Required bool     `yaml:"required"`
	Min      *float64 `yaml:"min"`
	Max      *float64 `yaml:"max"`
}

// Document is a parsed template version.
type Document struct {
	Key     string
	Version int
	Body    string

	// Parameter declarations from the front-matter. System parameters are
	// engine-computed at execution time (the date-range keys).
	Required []string
	Optional []string
	System   []string

	// ResponseSchema validates the structured result the backend returns.
	ResponseSchema map[string]FieldSpec
}

type frontMatter struct {
	Required       []string             `yaml:"required"`
	Optional       []string             `yaml:"optional"`
	System         []string             `yaml:"system"`
	ResponseSchema map[string]FieldSpec `yaml:"response_schema"`
}

// ParseDocument parses stored template content into a Document. Returns
// ErrTemplateMalformed when the content does not match the expected shape.
func ParseDocument(key string, version int, content string) (*Document, error) {
	header, body, err := splitFrontMatter(content)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrTemplateMalformed, "template %s v%d: %v", key, version, err)
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, errors.Wrapf(errors.ErrTemplateMalformed, "template %s v%d: invalid front-matter: %v", key, version, err)
	}

	if strings.TrimSpace(body) == "" {
		return nil, errors.Wrapf(errors.ErrTemplateMalformed, "template %s v%d: empty body", key, version)
	}

	return &Document{
		Key:            key,
		Version:        version,
		Body:           body,
		Required:       fm.Required,
		Optional:       fm.Optional,
		System:         fm.System,
		ResponseSchema: fm.ResponseSchema,
	}, nil
}

// splitFrontMatter separates the YAML header from the prompt body.
func splitFrontMatter(content string) (header, body string, err error) {
	trimmed := strings.TrimLeft(content, "\n\r ")
	if !strings.HasPrefix(trimmed, frontMatterDelimiter) {
		return "", "", errors.New("missing front-matter header")
	}

	rest := trimmed[len(frontMatterDelimiter):]
	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx < 0 {
		return "", "", errors.New("unterminated front-matter header")
	}

	header = rest[:idx]
	body = rest[idx+len("\n"+frontMatterDelimiter):]
	// Drop the newline that closed the delimiter line
	body = strings.TrimPrefix(body, "\n")
	return header, body, nil
}
