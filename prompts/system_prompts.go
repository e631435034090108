package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
)

// SystemPrompts holds the chat templates the pipeline sends to the
// completion service. Templates use f-string variables, so literal JSON
// braces are doubled.
type SystemPrompts struct {
	Discovery  prompt.ChatTemplate
	Extraction prompt.ChatTemplate
	Flyer      prompt.ChatTemplate
	Geo        prompt.ChatTemplate
}

func NewSystemPrompts() *SystemPrompts {
	return &SystemPrompts{
		Discovery:  createDiscoveryTemplate(),
		Extraction: createExtractionTemplate(),
		Flyer:      createFlyerTemplate(),
		Geo:        createGeoTemplate(),
	}
}

// Render formats a template and flattens its messages into the single
// prompt string the completion contract takes.
func Render(ctx context.Context, tmpl prompt.ChatTemplate, vars map[string]any) (string, error) {
	msgs, err := tmpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("format prompt: %w", err)
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if c := strings.TrimSpace(m.Content); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
