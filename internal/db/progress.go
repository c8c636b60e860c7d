package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/recipe"
)

// AppendProgress inserts a progress entry, filling in ID, Seq and CreatedAt.
func (db *DB) AppendProgress(ctx context.Context, e *recipe.ProgressEntry) error {
	e.ID = uuid.New()
	err := db.pool.QueryRow(ctx,
		`INSERT INTO recipe_progress (id, recipe_id, step, outcome, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq, created_at`,
		e.ID, e.RecipeID, e.Step.String(), string(e.Outcome), e.Detail, time.Now().UTC(),
	).Scan(&e.Seq, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append progress: %w", err)
	}
	return nil
}

// ListProgress returns up to limit entries of a recipe with seq above afterSeq.
func (db *DB) ListProgress(ctx context.Context, recipeID uuid.UUID, afterSeq int64, limit int) ([]recipe.ProgressEntry, error) {
	sql, args, err := db.qb.ListProgress(recipeID.String(), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build progress query: %w", err)
	}

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	entries := []recipe.ProgressEntry{}
	for rows.Next() {
		var e recipe.ProgressEntry
		var step, outcome string
		if err := rows.Scan(&e.ID, &e.RecipeID, &e.Seq, &step, &outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		if e.Step, err = recipe.ParseStep(step); err != nil {
			return nil, err
		}
		e.Outcome = recipe.Outcome(outcome)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate progress: %w", err)
	}
	return entries, nil
}
