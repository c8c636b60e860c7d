package recipe

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateRequest indicates the source URL was already claimed by another creation.
	ErrDuplicateRequest = errors.New("recipe creation already in progress or exists")
	// ErrNotFound indicates the recipe does not exist.
	ErrNotFound = errors.New("recipe not found")
	// ErrTerminal indicates a transition was attempted on a SUCCESS or FAILED recipe.
	ErrTerminal = errors.New("recipe is in a terminal state")
	// ErrStepRegression indicates a step advance that does not move forward.
	ErrStepRegression = errors.New("step does not advance")
	// ErrInvalidSourceURL indicates the submitted URL cannot identify a video.
	ErrInvalidSourceURL = errors.New("invalid source url")
)

// DuplicateRequestError reports which recipe already owns a source URL.
type DuplicateRequestError struct {
	SourceURL string
	RecipeID  uuid.UUID
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("source url already claimed by recipe %s: %s", e.RecipeID, e.SourceURL)
}

// Is makes errors.Is(err, ErrDuplicateRequest) hold.
func (e *DuplicateRequestError) Is(target error) bool {
	return target == ErrDuplicateRequest
}

// TransitionError describes an illegal state machine transition.
type TransitionError struct {
	RecipeID uuid.UUID
	From     Status
	Op       string
	Err      error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("recipe %s (%s): illegal %s: %v", e.RecipeID, e.From, e.Op, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
