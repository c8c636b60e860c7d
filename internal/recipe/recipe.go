// Package recipe defines the recipe creation domain: the lifecycle state machine,
// the identity record that anchors deduplication, and the progress entries
// appended while a creation pipeline runs.
package recipe

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a creation attempt.
type Status string

// Status constants
const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Step is the processing step a recipe has reached. Steps are totally ordered.
type Step int

// Step constants, in pipeline order
const (
	StepReady Step = iota
	StepVerifying
	StepCaptioning
	StepExtractingDetail
	StepExtractingSteps
	StepTagging
	StepDone
)

var stepNames = [...]string{
	StepReady:            "READY",
	StepVerifying:        "VERIFYING",
	StepCaptioning:       "CAPTIONING",
	StepExtractingDetail: "EXTRACTING_DETAIL",
	StepExtractingSteps:  "EXTRACTING_STEPS",
	StepTagging:          "TAGGING",
	StepDone:             "DONE",
}

// String returns the wire name of the step.
func (s Step) String() string {
	if s < StepReady || s > StepDone {
		return fmt.Sprintf("Step(%d)", int(s))
	}
	return stepNames[s]
}

// ParseStep converts a wire name back into a Step.
func ParseStep(name string) (Step, error) {
	for i, n := range stepNames {
		if n == name {
			return Step(i), nil
		}
	}
	return StepReady, fmt.Errorf("unknown step: %q", name)
}

// MarshalJSON encodes the step by name.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a step name.
func (s *Step) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStep(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Recipe is the unit of work of a creation attempt and its outcome.
// It is owned by the pipeline run that created it until it reaches a terminal status.
type Recipe struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	SourceURL string    `json:"source_url"`
	Status    Status    `json:"status"`
	Step      Step      `json:"step"`
	ViewCount int64     `json:"view_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a fresh recipe in IN_PROGRESS at step READY.
func New(id, userID uuid.UUID, sourceURL string, now time.Time) *Recipe {
	return &Recipe{
		ID:        id,
		UserID:    userID,
		SourceURL: sourceURL,
		Status:    StatusInProgress,
		Step:      StepReady,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves the recipe to a strictly later step.
func (r *Recipe) Advance(step Step, now time.Time) error {
	if r.Status.Terminal() {
		return &TransitionError{RecipeID: r.ID, From: r.Status, Op: "advance", Err: ErrTerminal}
	}
	if step <= r.Step || step > StepDone {
		return &TransitionError{RecipeID: r.ID, From: r.Status, Op: "advance to " + step.String() + " from " + r.Step.String(), Err: ErrStepRegression}
	}
	r.Step = step
	r.UpdatedAt = now
	return nil
}

// Succeed marks the recipe SUCCESS at step DONE. Calling it on a SUCCESS recipe is a no-op.
func (r *Recipe) Succeed(now time.Time) error {
	switch r.Status {
	case StatusSuccess:
		return nil
	case StatusFailed:
		return &TransitionError{RecipeID: r.ID, From: r.Status, Op: "succeed", Err: ErrTerminal}
	}
	r.Status = StatusSuccess
	r.Step = StepDone
	r.UpdatedAt = now
	return nil
}

// Fail marks the recipe FAILED, keeping the step it failed at. Calling it on a FAILED recipe is a no-op.
func (r *Recipe) Fail(now time.Time) error {
	switch r.Status {
	case StatusFailed:
		return nil
	case StatusSuccess:
		return &TransitionError{RecipeID: r.ID, From: r.Status, Op: "fail", Err: ErrTerminal}
	}
	r.Status = StatusFailed
	r.UpdatedAt = now
	return nil
}

// Identity is the deduplication anchor for a source URL. Its ID is also the ID
// of the recipe created for that URL.
type Identity struct {
	ID        uuid.UUID `json:"id"`
	SourceURL string    `json:"source_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Outcome describes what a progress entry records.
type Outcome string

// Outcome constants
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ProgressEntry is one immutable fact about pipeline advancement.
type ProgressEntry struct {
	ID        uuid.UUID `json:"id"`
	RecipeID  uuid.UUID `json:"recipe_id"`
	Seq       int64     `json:"seq"`
	Step      Step      `json:"step"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the entry closes the progress trail of its recipe.
func (e ProgressEntry) Terminal() bool {
	return e.Step == StepDone || e.Outcome != OutcomeSucceeded
}

// Artifact is the stored payload of one successful stage.
type Artifact struct {
	RecipeID  uuid.UUID       `json:"recipe_id"`
	Step      Step            `json:"step"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// SortArtifacts orders artifacts by pipeline step.
func SortArtifacts(artifacts []Artifact) {
	slices.SortFunc(artifacts, func(a, b Artifact) int { return cmp.Compare(a.Step, b.Step) })
}

// ListFilter holds optional filters for listing recipes.
type ListFilter struct {
	UserID uuid.UUID
	Status Status
	Limit  int
}
