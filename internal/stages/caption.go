package stages

import (
	"context"

	"github.com/jonathan/recipe-agent/internal/recipe"
	"github.com/jonathan/recipe-agent/internal/schemas"
)

// Captioner fetches the timed captions of the verified video.
type Captioner struct {
	client *RemoteClient
}

// NewCaptioner creates the captioning stage.
func NewCaptioner(client *RemoteClient) *Captioner {
	return &Captioner{client: client}
}

// Step implements Stage.
func (c *Captioner) Step() recipe.Step { return recipe.StepCaptioning }

// Requires implements Stage.
func (c *Captioner) Requires() []recipe.Step { return []recipe.Step{recipe.StepVerifying} }

// Execute implements Stage.
func (c *Captioner) Execute(ctx context.Context, p *Payloads) error {
	if err := CheckRequires(c, p); err != nil {
		return err
	}

	var out Captions
	req := map[string]any{"video_id": p.Verify.VideoID}
	if err := c.client.post(ctx, "captions", "/captions", schemas.Captions, req, &out); err != nil {
		return err
	}
	if len(out.Segments) == 0 {
		return Wrap(ErrUnsupportedInput, "captions", "", "video has no captions", nil)
	}

	p.Captions = &out
	return nil
}
