package pipeline

import "errors"

// Sentinel errors for orchestration
var (
	ErrNotRunning   = errors.New("recipe is not being created")
	ErrCancelled    = errors.New("recipe creation cancelled")
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	ErrStageOrder   = errors.New("invalid stage order")
)
