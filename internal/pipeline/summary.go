package pipeline

import (
	"fmt"

	"github.com/jonathan/recipe-agent/internal/recipe"
	"github.com/jonathan/recipe-agent/internal/stages"
)

// summarize describes a successful stage for the progress log.
func summarize(step recipe.Step, p *stages.Payloads) string {
	switch step {
	case recipe.StepVerifying:
		if p.Verify.Title != "" {
			return fmt.Sprintf("verified cooking video %q", p.Verify.Title)
		}
		return "verified cooking video " + p.Verify.VideoID
	case recipe.StepCaptioning:
		return fmt.Sprintf("fetched %d caption segments (%s)", len(p.Captions.Segments), p.Captions.Language)
	case recipe.StepExtractingDetail:
		return fmt.Sprintf("extracted %q with %d ingredients", p.Detail.Title, len(p.Detail.Ingredients))
	case recipe.StepExtractingSteps:
		return fmt.Sprintf("extracted %d steps", len(p.Steps.Steps))
	case recipe.StepTagging:
		return fmt.Sprintf("assigned %d tags", len(p.Tags.Tags))
	default:
		return step.String() + " done"
	}
}

// failureDetail is the user-facing reason recorded for a failed stage.
func failureDetail(kind stages.Kind, err error) string {
	switch kind {
	case stages.KindUnsupportedInput:
		return "not a valid cooking video: " + err.Error()
	case stages.KindMalformedResponse:
		return "stage returned an unusable response"
	default:
		return "stage unavailable: " + err.Error()
	}
}
