package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/recipe"
)

// SaveArtifact upserts the JSON payload a stage produced for a recipe
func (db *DB) SaveArtifact(ctx context.Context, a *recipe.Artifact) error {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO recipe_artifacts (recipe_id, step, content)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (recipe_id, step) DO UPDATE SET content = $3, created_at = NOW()
		 RETURNING created_at`,
		a.RecipeID, a.Step.String(), []byte(a.Content),
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save artifact %s: %w", a.Step, err)
	}
	return nil
}

// ListArtifacts returns the stored stage payloads of a recipe in step order
func (db *DB) ListArtifacts(ctx context.Context, recipeID uuid.UUID) ([]recipe.Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT recipe_id, step, content, created_at FROM recipe_artifacts WHERE recipe_id = $1`,
		recipeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []recipe.Artifact{}
	for rows.Next() {
		var a recipe.Artifact
		var step string
		var content []byte
		if err := rows.Scan(&a.RecipeID, &step, &content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if a.Step, err = recipe.ParseStep(step); err != nil {
			return nil, err
		}
		a.Content = content
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate artifacts: %w", err)
	}
	recipe.SortArtifacts(artifacts)
	return artifacts, nil
}
