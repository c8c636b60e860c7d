package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/recipe-agent/internal/recipe"
)

const recipeColumns = `id, user_id, source_url, status, step, view_count, created_at, updated_at`

// ClaimRecipe inserts the identity and its recipe in one transaction. When the
// source URL is already claimed nothing is written and a
// *recipe.DuplicateRequestError naming the owning recipe is returned.
func (db *DB) ClaimRecipe(ctx context.Context, ident recipe.Identity, r *recipe.Recipe) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO recipe_identities (id, source_url, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (source_url) DO NOTHING
		 RETURNING id`,
		ident.ID, ident.SourceURL, ident.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		var owner uuid.UUID
		if err := tx.QueryRow(ctx,
			`SELECT id FROM recipe_identities WHERE source_url = $1`, ident.SourceURL,
		).Scan(&owner); err != nil {
			return fmt.Errorf("failed to load identity owner: %w", err)
		}
		return &recipe.DuplicateRequestError{SourceURL: ident.SourceURL, RecipeID: owner}
	}
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO recipes (`+recipeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.UserID, r.SourceURL, string(r.Status), r.Step.String(), r.ViewCount, r.CreatedAt, r.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert recipe: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit claim: %w", err)
	}
	return nil
}

// GetRecipe retrieves a recipe by ID
func (db *DB) GetRecipe(ctx context.Context, id uuid.UUID) (*recipe.Recipe, error) {
	r, err := scanRecipe(db.pool.QueryRow(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recipe.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipe: %w", err)
	}
	return r, nil
}

// SaveRecipe persists status, step and updated_at of an in-progress recipe.
// Terminal recipes are never rewritten; saving one returns recipe.ErrTerminal.
func (db *DB) SaveRecipe(ctx context.Context, r *recipe.Recipe) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE recipes SET status = $1, step = $2, updated_at = $3
		 WHERE id = $4 AND status = 'IN_PROGRESS'`,
		string(r.Status), r.Step.String(), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save recipe: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.missingOrTerminal(ctx, r.ID)
	}
	return nil
}

func (db *DB) missingOrTerminal(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM recipes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check recipe: %w", err)
	}
	if !exists {
		return recipe.ErrNotFound
	}
	return fmt.Errorf("recipe %s: %w", id, recipe.ErrTerminal)
}

// ListRecipes lists recipes matching the filter, newest first
func (db *DB) ListRecipes(ctx context.Context, f recipe.ListFilter) ([]recipe.Recipe, error) {
	sql, args, err := db.qb.ListRecipes(f)
	if err != nil {
		return nil, fmt.Errorf("failed to build recipe query: %w", err)
	}
	return db.queryRecipes(ctx, sql, args...)
}

// ListStaleRecipes lists in-progress recipes last updated before the cutoff.
func (db *DB) ListStaleRecipes(ctx context.Context, before time.Time, limit int) ([]recipe.Recipe, error) {
	sql, args, err := db.qb.StaleRecipes(before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build stale query: %w", err)
	}
	return db.queryRecipes(ctx, sql, args...)
}

// IncrementViews bumps the view counter of a successful recipe and returns
// the new count. Recipes in any other status are left untouched.
func (db *DB) IncrementViews(ctx context.Context, id uuid.UUID) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`UPDATE recipes SET view_count = view_count + 1
		 WHERE id = $1 AND status = 'SUCCESS'
		 RETURNING view_count`, id,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		r, gerr := db.GetRecipe(ctx, id)
		if gerr != nil {
			return 0, gerr
		}
		return r.ViewCount, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment views: %w", err)
	}
	return count, nil
}

func (db *DB) queryRecipes(ctx context.Context, sql string, args ...any) ([]recipe.Recipe, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipes: %w", err)
	}
	defer rows.Close()

	recipes := []recipe.Recipe{}
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipe: %w", err)
		}
		recipes = append(recipes, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recipes: %w", err)
	}
	return recipes, nil
}

func scanRecipe(row pgx.Row) (*recipe.Recipe, error) {
	var r recipe.Recipe
	var status, step string
	if err := row.Scan(&r.ID, &r.UserID, &r.SourceURL, &status, &step, &r.ViewCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := recipe.ParseStep(step)
	if err != nil {
		return nil, err
	}
	r.Status = recipe.Status(status)
	r.Step = parsed
	return &r, nil
}
