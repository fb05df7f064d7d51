package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/measurely/errors"
	mtest "github.com/teranos/measurely/internal/testing"
)

const revenueTemplate = `---
required:
  - itemCategory
optional:
  - region
system:
  - fromDate
  - toDate
response_schema:
  value:
    type: number
    required: true
    min: 0
---
Report total revenue for category {{itemCategory}} between {{fromDate}} and {{toDate}}.{{#if region}} Limit results to the {{region}} region.{{/if}}
Return a single JSON object.
`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument("acme_erp/revenue", 1, revenueTemplate)
	require.NoError(t, err)

	assert.Equal(t, []string{"itemCategory"}, doc.Required)
	assert.Equal(t, []string{"region"}, doc.Optional)
	assert.Equal(t, []string{"fromDate", "toDate"}, doc.System)

	spec, ok := doc.ResponseSchema["value"]
	require.True(t, ok)
	assert.Equal(t, "number", spec.Type)
	assert.True(t, spec.Required)
	require.NotNil(t, spec.Min)
	assert.Equal(t, 0.0, *spec.Min)
}

func TestParseDocumentMalformed(t *testing.T) {
	cases := map[string]string{
		"no front matter":  "just a prompt body",
		"unterminated":     "---\nrequired:\n  - x\nbody without closing",
		"bad yaml":         "---\nrequired: [unclosed\n---\nbody",
		"empty body":       "---\nrequired:\n  - x\n---\n   ",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument("k", 1, content)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrTemplateMalformed))
		})
	}
}

func TestStorePublishAndResolve(t *testing.T) {
	db := mtest.CreateTestDB(t)
	store := NewStore(db)

	doc, err := store.Publish("acme_erp/revenue", revenueTemplate)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)

	resolved, err := store.Resolve("acme_erp/revenue")
	require.NoError(t, err)
	assert.Equal(t, 1, resolved.Version)
	assert.Equal(t, []string{"itemCategory"}, resolved.Required)
}

func TestStoreVersioning(t *testing.T) {
	db := mtest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Publish("k", revenueTemplate)
	require.NoError(t, err)

	v2 := strings.Replace(revenueTemplate, "total revenue", "net revenue", 1)
	doc, err := store.Publish("k", v2)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)

	// Active pointer follows the newest version
	resolved, err := store.Resolve("k")
	require.NoError(t, err)
	assert.Equal(t, 2, resolved.Version)
	assert.Contains(t, resolved.Body, "net revenue")

	// Superseded versions stay readable - append-only, never mutated
	old, err := store.ResolveVersion("k", 1)
	require.NoError(t, err)
	assert.Contains(t, old.Body, "total revenue")

	versions, err := store.Versions("k")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)
}

func TestStoreNotFound(t *testing.T) {
	db := mtest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Resolve("ghost/template")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTemplateNotFound))

	_, err = store.ResolveVersion("ghost/template", 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTemplateNotFound))
}

func TestStoreRejectsMalformedContent(t *testing.T) {
	db := mtest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Publish("k", "no front matter at all")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTemplateMalformed))

	// Nothing was written
	_, err = store.Resolve("k")
	assert.True(t, errors.Is(err, errors.ErrTemplateNotFound))
}

func TestMergeMissingRequiredListsAllKeys(t *testing.T) {
	doc := &Document{
		Required: []string{"itemCategory", "storeId"},
		System:   []string{"fromDate", "toDate"},
	}

	_, err := Merge(doc, nil, map[string]string{"fromDate": "2025-11-01", "toDate": "2025-11-30"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingRequiredParameter))
	assert.Equal(t, []string{"itemCategory", "storeId"}, errors.MissingKeys(err))
}

func TestMergeMissingSingleKey(t *testing.T) {
	doc := &Document{Required: []string{"itemCategory"}}

	_, err := Merge(doc, map[string]string{}, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"itemCategory"}, errors.MissingKeys(err))
}

func TestMergeCalculatedWinsOverUserCollision(t *testing.T) {
	doc := &Document{Required: []string{"itemCategory"}, System: []string{"fromDate", "toDate"}}

	// A stored fromDate must never survive - engine-computed dates win
	ctx, err := Merge(doc,
		map[string]string{"itemCategory": "Machinery", "fromDate": "1999-01-01"},
		map[string]string{"fromDate": "2025-11-01", "toDate": "2025-11-30"},
	)
	require.NoError(t, err)
	assert.Equal(t, "2025-11-01", ctx["fromDate"])
	assert.Equal(t, "2025-11-30", ctx["toDate"])
	assert.Equal(t, "Machinery", ctx["itemCategory"])
}

func TestRenderEndToEnd(t *testing.T) {
	doc, err := ParseDocument("acme_erp/revenue", 1, revenueTemplate)
	require.NoError(t, err)

	ctx, err := Merge(doc,
		map[string]string{"itemCategory": "Machinery"},
		map[string]string{"fromDate": "2025-11-01", "toDate": "2025-11-30"},
	)
	require.NoError(t, err)

	prompt := Render(doc, ctx)
	assert.Contains(t, prompt, "2025-11-01")
	assert.Contains(t, prompt, "2025-11-30")
	assert.Contains(t, prompt, "Machinery")
	assert.NotContains(t, prompt, "{{", "no placeholder token may survive rendering")
	// Optional region absent: conditional block dropped entirely
	assert.NotContains(t, prompt, "region")
}

func TestRenderConditionalPresent(t *testing.T) {
	doc, err := ParseDocument("acme_erp/revenue", 1, revenueTemplate)
	require.NoError(t, err)

	ctx, err := Merge(doc,
		map[string]string{"itemCategory": "Machinery", "region": "EMEA"},
		map[string]string{"fromDate": "2025-11-01", "toDate": "2025-11-30"},
	)
	require.NoError(t, err)

	prompt := Render(doc, ctx)
	assert.Contains(t, prompt, "Limit results to the EMEA region.")
	assert.NotContains(t, prompt, "{{")
}

func TestRenderUnresolvedOptionalIsEmpty(t *testing.T) {
	doc := &Document{Body: "value: {{present}} gap:[{{absent}}]"}
	out := Render(doc, map[string]string{"present": "x"})
	assert.Equal(t, "value: x gap:[]", out)
	assert.NotContains(t, out, "{{")
}
