package template

import (
	"regexp"
	"strings"
)

var (
	// {{#if key}}...{{/if}} conditional blocks for optional parameters
	conditionalPattern = regexp.MustCompile(`(?s)\{\{#if\s+([A-Za-z0-9_]+)\s*\}\}(.*?)\{\{/if\}\}`)
	// {{key}} placeholders
	placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)
)

// Render substitutes the context into the document body.
//
// Conditional blocks are kept when their key has a non-empty value and
// dropped otherwise. Unresolved optional placeholders render as empty
// string; no placeholder token survives rendering. Required keys are
// guaranteed present by Merge, which must run first.
func Render(doc *Document, ctx map[string]string) string {
	body := doc.Body

	body = conditionalPattern.ReplaceAllStringFunc(body, func(block string) string {
		m := conditionalPattern.FindStringSubmatch(block)
		key, inner := m[1], m[2]
		if v, ok := ctx[key]; ok && v != "" {
			return inner
		}
		return ""
	})

	body = placeholderPattern.ReplaceAllStringFunc(body, func(token string) string {
		key := placeholderPattern.FindStringSubmatch(token)[1]
		return ctx[key]
	})

	return strings.TrimSpace(body)
}
