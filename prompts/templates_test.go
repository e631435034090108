package prompts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderKeepsLiteralJSON(t *testing.T) {
	sp := NewSystemPrompts()
	out, err := Render(context.Background(), sp.Discovery, map[string]any{
		"root_url":   "https://bars.test",
		"page_text":  "Karaoke bars",
		"link_count": 1,
		"links":      "https://bars.test/a",
	})
	require.NoError(t, err)
	assert.Contains(t, out, `{"leafUrls": ["https://..."]}`)
	assert.Contains(t, out, "ROOT URL: https://bars.test")
}

func TestRenderAllTemplates(t *testing.T) {
	sp := NewSystemPrompts()
	vars := map[string]any{
		"root_url": "u", "page_text": "t", "link_count": 0, "links": "",
		"source_url": "u", "page_title": "t", "shows_json": "[]",
	}
	for _, tmpl := range []struct {
		name string
		out  func() (string, error)
	}{
		{"extraction", func() (string, error) { return Render(context.Background(), sp.Extraction, vars) }},
		{"flyer", func() (string, error) { return Render(context.Background(), sp.Flyer, vars) }},
		{"geo", func() (string, error) { return Render(context.Background(), sp.Geo, vars) }},
	} {
		out, err := tmpl.out()
		require.NoError(t, err, tmpl.name)
		assert.Contains(t, out, `"shows": [`, tmpl.name)
	}
}
