package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/recipe"
)

// AppendProgress inserts a progress entry, assigning ID, Seq and CreatedAt.
func (s *Store) AppendProgress(ctx context.Context, e *recipe.ProgressEntry) error {
	id := uuid.New()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recipe_progress (id, recipe_id, step, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), e.RecipeID.String(), e.Step.String(), string(e.Outcome), e.Detail, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	e.ID, e.Seq, e.CreatedAt = id, seq, now
	return nil
}

// ListProgress returns up to limit entries of a recipe with seq above afterSeq.
func (s *Store) ListProgress(ctx context.Context, recipeID uuid.UUID, afterSeq int64, limit int) ([]recipe.ProgressEntry, error) {
	stmt, args, err := s.qb.ListProgress(recipeID.String(), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("build progress query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	entries := []recipe.ProgressEntry{}
	for rows.Next() {
		var (
			e                         recipe.ProgressEntry
			id, rid, step, outcome, c string
		)
		if err := rows.Scan(&id, &rid, &e.Seq, &step, &outcome, &e.Detail, &c); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse progress id: %w", err)
		}
		if e.RecipeID, err = uuid.Parse(rid); err != nil {
			return nil, fmt.Errorf("parse recipe id: %w", err)
		}
		if e.Step, err = recipe.ParseStep(step); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(c); err != nil {
			return nil, err
		}
		e.Outcome = recipe.Outcome(outcome)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return entries, nil
}
