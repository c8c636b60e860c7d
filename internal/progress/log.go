// Package progress provides the append-only progress log of recipe creation pipelines.
package progress

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/recipe"
)

// DefaultPageSize is the number of entries fetched per store round trip while reading.
const DefaultPageSize = 100

// Store persists progress entries. AppendProgress assigns ID, Seq and CreatedAt;
// Seq must increase strictly in insertion order. ListProgress returns entries with
// Seq greater than afterSeq in ascending Seq order.
type Store interface {
	AppendProgress(ctx context.Context, entry *recipe.ProgressEntry) error
	ListProgress(ctx context.Context, recipeID uuid.UUID, afterSeq int64, limit int) ([]recipe.ProgressEntry, error)
}

// Log is the progress log facade used by the orchestrator and the read API.
type Log struct {
	store    Store
	pageSize int
}

// NewLog creates a progress log over store.
func NewLog(store Store) *Log {
	return &Log{store: store, pageSize: DefaultPageSize}
}

// WithPageSize returns a copy of the log that reads n entries per page.
func (l *Log) WithPageSize(n int) *Log {
	if n <= 0 {
		n = DefaultPageSize
	}
	return &Log{store: l.store, pageSize: n}
}

// Append records one entry for recipeID.
func (l *Log) Append(ctx context.Context, recipeID uuid.UUID, step recipe.Step, outcome recipe.Outcome, detail string) (recipe.ProgressEntry, error) {
	entry := recipe.ProgressEntry{
		RecipeID: recipeID,
		Step:     step,
		Outcome:  outcome,
		Detail:   detail,
	}
	if err := l.store.AppendProgress(ctx, &entry); err != nil {
		return recipe.ProgressEntry{}, fmt.Errorf("failed to append progress for %s at %s: %w", recipeID, step, err)
	}
	return entry, nil
}

// ReadAll returns a lazy sequence over the entries of recipeID in creation order.
// Each range over the sequence starts from the beginning; pages are fetched on demand,
// so entries appended while iterating are picked up by later pages. Iteration stops
// after yielding an error.
func (l *Log) ReadAll(ctx context.Context, recipeID uuid.UUID) iter.Seq2[recipe.ProgressEntry, error] {
	return l.ReadAfter(ctx, recipeID, 0)
}

// ReadAfter is ReadAll starting after the entry with sequence afterSeq.
func (l *Log) ReadAfter(ctx context.Context, recipeID uuid.UUID, afterSeq int64) iter.Seq2[recipe.ProgressEntry, error] {
	return func(yield func(recipe.ProgressEntry, error) bool) {
		cursor := afterSeq
		for {
			page, err := l.store.ListProgress(ctx, recipeID, cursor, l.pageSize)
			if err != nil {
				yield(recipe.ProgressEntry{}, fmt.Errorf("failed to read progress for %s: %w", recipeID, err))
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
				cursor = entry.Seq
			}
			if len(page) < l.pageSize {
				return
			}
		}
	}
}

// Collect reads every entry of recipeID into a slice.
func (l *Log) Collect(ctx context.Context, recipeID uuid.UUID) ([]recipe.ProgressEntry, error) {
	entries := []recipe.ProgressEntry{}
	for entry, err := range l.ReadAll(ctx, recipeID) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
