package stages

import (
	"context"

	"github.com/jonathan/recipe-agent/internal/recipe"
	"github.com/jonathan/recipe-agent/internal/schemas"
)

// Verifier checks that the source URL is a reachable cooking video.
type Verifier struct {
	client *RemoteClient
}

// NewVerifier creates the verification stage.
func NewVerifier(client *RemoteClient) *Verifier {
	return &Verifier{client: client}
}

// Step implements Stage.
func (v *Verifier) Step() recipe.Step { return recipe.StepVerifying }

// Requires implements Stage.
func (v *Verifier) Requires() []recipe.Step { return []recipe.Step{recipe.StepReady} }

// Execute implements Stage.
func (v *Verifier) Execute(ctx context.Context, p *Payloads) error {
	if err := CheckRequires(v, p); err != nil {
		return err
	}

	var out VerifyResult
	req := map[string]any{"url": p.SourceURL}
	if err := v.client.post(ctx, "verify", "/verify", schemas.Verify, req, &out); err != nil {
		return err
	}
	if !out.IsCooking {
		return Wrap(ErrUnsupportedInput, "verify", "", "not a cooking video", nil)
	}

	p.Verify = &out
	return nil
}
