package stages

import (
	"context"

	"github.com/jonathan/recipe-agent/internal/recipe"
	"github.com/jonathan/recipe-agent/internal/schemas"
)

// StepExtractor turns captions and ingredients into ordered cooking steps.
type StepExtractor struct {
	client *RemoteClient
}

// NewStepExtractor creates the step extraction stage.
func NewStepExtractor(client *RemoteClient) *StepExtractor {
	return &StepExtractor{client: client}
}

// Step implements Stage.
func (s *StepExtractor) Step() recipe.Step { return recipe.StepExtractingSteps }

// Requires implements Stage.
func (s *StepExtractor) Requires() []recipe.Step {
	return []recipe.Step{recipe.StepCaptioning, recipe.StepExtractingDetail}
}

// Execute implements Stage.
func (s *StepExtractor) Execute(ctx context.Context, p *Payloads) error {
	if err := CheckRequires(s, p); err != nil {
		return err
	}

	req := map[string]any{
		"language":    p.Captions.Language,
		"segments":    p.Captions.Segments,
		"ingredients": p.Detail.Ingredients,
	}
	var out StepList
	if err := s.client.post(ctx, "steps", "/steps", schemas.Steps, req, &out); err != nil {
		return err
	}

	p.Steps = &out
	return nil
}
