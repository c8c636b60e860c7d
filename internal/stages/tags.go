package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonathan/recipe-agent/internal/llm"
	"github.com/jonathan/recipe-agent/internal/prompts"
	"github.com/jonathan/recipe-agent/internal/recipe"
	"github.com/jonathan/recipe-agent/internal/schemas"
)

// MaxTags caps the number of tags kept per recipe.
const MaxTags = 12

// Tagger classifies the recipe through the remote tagging service.
type Tagger struct {
	client *RemoteClient
}

// NewTagger creates the remote tagging stage.
func NewTagger(client *RemoteClient) *Tagger {
	return &Tagger{client: client}
}

// Step implements Stage.
func (t *Tagger) Step() recipe.Step { return recipe.StepTagging }

// Requires implements Stage.
func (t *Tagger) Requires() []recipe.Step { return []recipe.Step{recipe.StepExtractingDetail} }

// Execute implements Stage.
func (t *Tagger) Execute(ctx context.Context, p *Payloads) error {
	if err := CheckRequires(t, p); err != nil {
		return err
	}

	req := map[string]any{
		"title":       p.Detail.Title,
		"description": p.Detail.Description,
		"ingredients": p.Detail.Ingredients,
	}
	var out TagList
	if err := t.client.post(ctx, "tags", "/tags", schemas.Tags, req, &out); err != nil {
		return err
	}

	p.Tags = &TagList{Tags: normalizeTags(out.Tags)}
	return nil
}

// GeminiTagger classifies the recipe with a generative model instead of the
// remote tagging service.
type GeminiTagger struct {
	client llm.Client
	tier   llm.ModelTier
}

// NewGeminiTagger creates a tagging stage backed by client.
func NewGeminiTagger(client llm.Client) *GeminiTagger {
	return &GeminiTagger{client: client, tier: llm.TierLite}
}

// Step implements Stage.
func (g *GeminiTagger) Step() recipe.Step { return recipe.StepTagging }

// Requires implements Stage.
func (g *GeminiTagger) Requires() []recipe.Step { return []recipe.Step{recipe.StepExtractingDetail} }

// Execute implements Stage.
func (g *GeminiTagger) Execute(ctx context.Context, p *Payloads) error {
	if err := CheckRequires(g, p); err != nil {
		return err
	}

	text, err := g.client.GenerateJSON(ctx, tagPrompt(p.Detail), g.tier)
	if errors.Is(err, llm.ErrEmptyResponse) || errors.Is(err, llm.ErrBlocked) {
		return Wrap(ErrMalformedResponse, "tags", "generate", "", err)
	}
	if err != nil {
		return Wrap(ErrRemoteUnavailable, "tags", "generate", "", err)
	}
	if err := schemas.Validate(schemas.Tags, []byte(text)); err != nil {
		return Wrap(ErrMalformedResponse, "tags", "validate response", "", err)
	}

	var out TagList
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return Wrap(ErrMalformedResponse, "tags", "decode response", "", err)
	}

	p.Tags = &TagList{Tags: normalizeTags(out.Tags)}
	return nil
}

func tagPrompt(d *Detail) string {
	var description string
	if d.Description != "" {
		description = "Description: " + d.Description + "\n"
	}
	var ingredients strings.Builder
	for _, ing := range d.Ingredients {
		fmt.Fprintf(&ingredients, "- %s\n", ing.Name)
	}
	return prompts.MustLookup("tagging.json", "classify-recipe").Render(map[string]string{
		"MaxTags":     strconv.Itoa(MaxTags),
		"Title":       d.Title,
		"Description": description,
		"Ingredients": ingredients.String(),
	})
}

// normalizeTags lowercases, trims and de-duplicates tags, keeping order.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}
