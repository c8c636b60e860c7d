package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/recipe"
)

// SaveArtifact upserts the payload a stage produced for a recipe.
func (s *Store) SaveArtifact(ctx context.Context, a *recipe.Artifact) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipe_artifacts (recipe_id, step, content, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (recipe_id, step) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
		a.RecipeID.String(), a.Step.String(), string(a.Content), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("save artifact %s: %w", a.Step, err)
	}
	a.CreatedAt = now
	return nil
}

// ListArtifacts returns the stored stage payloads of a recipe in step order.
func (s *Store) ListArtifacts(ctx context.Context, recipeID uuid.UUID) ([]recipe.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, content, created_at FROM recipe_artifacts WHERE recipe_id = ?`,
		recipeID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []recipe.Artifact{}
	for rows.Next() {
		var step, content, created string
		if err := rows.Scan(&step, &content, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a := recipe.Artifact{RecipeID: recipeID, Content: []byte(content)}
		if a.Step, err = recipe.ParseStep(step); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	recipe.SortArtifacts(artifacts)
	return artifacts, nil
}
