// Package stages provides the remote extraction stages of the recipe creation pipeline.
// Every stage is an independent capability with a uniform fetch-or-fail contract:
// on success it fills its own slot in Payloads, on failure it returns an error
// wrapping one of the failure kind markers.
package stages

import (
	"context"

	"github.com/jonathan/recipe-agent/internal/recipe"
)

// Stage is one external extraction call in the pipeline.
type Stage interface {
	// Step is the processing step the stage runs under.
	Step() recipe.Step
	// Requires lists the steps whose payloads must be present before Execute.
	Requires() []recipe.Step
	// Execute performs the remote call and stores its payload in p on success.
	Execute(ctx context.Context, p *Payloads) error
}

// Payloads carries the outputs of completed stages forward to later ones.
type Payloads struct {
	SourceURL string
	Verify    *VerifyResult
	Captions  *Captions
	Detail    *Detail
	Steps     *StepList
	Tags      *TagList
}

// Has reports whether the payload produced at step is available.
func (p *Payloads) Has(step recipe.Step) bool {
	switch step {
	case recipe.StepReady:
		return p.SourceURL != ""
	case recipe.StepVerifying:
		return p.Verify != nil
	case recipe.StepCaptioning:
		return p.Captions != nil
	case recipe.StepExtractingDetail:
		return p.Detail != nil
	case recipe.StepExtractingSteps:
		return p.Steps != nil
	case recipe.StepTagging:
		return p.Tags != nil
	default:
		return false
	}
}

// Artifact returns the payload produced at step, or nil.
func (p *Payloads) Artifact(step recipe.Step) any {
	switch step {
	case recipe.StepVerifying:
		return p.Verify
	case recipe.StepCaptioning:
		return p.Captions
	case recipe.StepExtractingDetail:
		return p.Detail
	case recipe.StepExtractingSteps:
		return p.Steps
	case recipe.StepTagging:
		return p.Tags
	default:
		return nil
	}
}

// VerifyResult is the output of the verification stage.
type VerifyResult struct {
	VideoID   string `json:"video_id"`
	IsCooking bool   `json:"is_cooking"`
	Title     string `json:"title,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Duration  int    `json:"duration_seconds,omitempty"`
}

// Captions is the caption set extracted from the video.
type Captions struct {
	Language string           `json:"language"`
	Segments []CaptionSegment `json:"segments"`
}

// CaptionSegment is one timed caption line.
type CaptionSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Detail is the recipe metadata and ingredient list.
type Detail struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Servings    int          `json:"servings"`
	CookMinutes int          `json:"cook_minutes"`
	Ingredients []Ingredient `json:"ingredients"`
}

// Ingredient is a single extracted ingredient.
type Ingredient struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount,omitempty"`
	Unit   string  `json:"unit,omitempty"`
}

// StepList is the ordered list of cooking steps.
type StepList struct {
	Steps []CookingStep `json:"steps"`
}

// CookingStep is one instruction group anchored to the video timeline.
type CookingStep struct {
	Subtitle string   `json:"subtitle"`
	Details  []string `json:"details"`
	Start    float64  `json:"start"`
}

// TagList holds classification tags for the recipe.
type TagList struct {
	Tags []string `json:"tags"`
}

// CheckRequires returns a malformed-response error naming the first payload s
// needs that p does not carry.
func CheckRequires(s Stage, p *Payloads) error {
	for _, step := range s.Requires() {
		if !p.Has(step) {
			return Wrap(ErrMalformedResponse, s.Step().String(), "check inputs", "missing "+step.String()+" payload", nil)
		}
	}
	return nil
}

// Ordered returns the pipeline stages in execution order. A nil tagger uses
// the remote tagging service.
func Ordered(client *RemoteClient, tagger Stage) []Stage {
	if tagger == nil {
		tagger = NewTagger(client)
	}
	return []Stage{
		NewVerifier(client),
		NewCaptioner(client),
		NewDetailExtractor(client),
		NewStepExtractor(client),
		tagger,
	}
}
