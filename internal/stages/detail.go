package stages

import (
	"context"

	"github.com/jonathan/recipe-agent/internal/recipe"
	"github.com/jonathan/recipe-agent/internal/schemas"
)

// DetailExtractor derives the recipe metadata and ingredients from the captions.
type DetailExtractor struct {
	client *RemoteClient
}

// NewDetailExtractor creates the detail extraction stage.
func NewDetailExtractor(client *RemoteClient) *DetailExtractor {
	return &DetailExtractor{client: client}
}

// Step implements Stage.
func (d *DetailExtractor) Step() recipe.Step { return recipe.StepExtractingDetail }

// Requires implements Stage.
func (d *DetailExtractor) Requires() []recipe.Step {
	return []recipe.Step{recipe.StepVerifying, recipe.StepCaptioning}
}

// Execute implements Stage.
func (d *DetailExtractor) Execute(ctx context.Context, p *Payloads) error {
	if err := CheckRequires(d, p); err != nil {
		return err
	}

	req := map[string]any{
		"video_id": p.Verify.VideoID,
		"title":    p.Verify.Title,
		"language": p.Captions.Language,
		"segments": p.Captions.Segments,
	}
	var out Detail
	if err := d.client.post(ctx, "detail", "/detail", schemas.Detail, req, &out); err != nil {
		return err
	}

	p.Detail = &out
	return nil
}
