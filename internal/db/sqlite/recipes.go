package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/recipe"
)

const recipeColumns = `id, user_id, source_url, status, step, view_count, created_at, updated_at`

// ClaimRecipe inserts the identity and recipe atomically. A source URL that is
// already claimed yields a *recipe.DuplicateRequestError naming the owner.
func (s *Store) ClaimRecipe(ctx context.Context, ident recipe.Identity, r *recipe.Recipe) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO recipe_identities (id, source_url, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (source_url) DO NOTHING`,
		ident.ID.String(), ident.SourceURL, formatTime(ident.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("insert identity: %w", err)
	} else if n == 0 {
		var owner string
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM recipe_identities WHERE source_url = ?`, ident.SourceURL,
		).Scan(&owner); err != nil {
			return fmt.Errorf("load identity owner: %w", err)
		}
		ownerID, err := uuid.Parse(owner)
		if err != nil {
			return fmt.Errorf("parse identity owner: %w", err)
		}
		return &recipe.DuplicateRequestError{SourceURL: ident.SourceURL, RecipeID: ownerID}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO recipes (`+recipeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.UserID.String(), r.SourceURL, string(r.Status), r.Step.String(),
		r.ViewCount, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert recipe: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

// GetRecipe fetches a recipe by id.
func (s *Store) GetRecipe(ctx context.Context, id uuid.UUID) (*recipe.Recipe, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE id = ?`, id.String())
	r, err := scanRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recipe.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipe: %w", err)
	}
	return r, nil
}

// SaveRecipe persists the lifecycle fields of an in-progress recipe.
func (s *Store) SaveRecipe(ctx context.Context, r *recipe.Recipe) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipes SET status = ?, step = ?, updated_at = ?
		 WHERE id = ? AND status = 'IN_PROGRESS'`,
		string(r.Status), r.Step.String(), formatTime(r.UpdatedAt), r.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("save recipe: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save recipe: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.GetRecipe(ctx, r.ID); err != nil {
		return err
	}
	return fmt.Errorf("recipe %s: %w", r.ID, recipe.ErrTerminal)
}

// ListRecipes lists recipes matching f, newest first.
func (s *Store) ListRecipes(ctx context.Context, f recipe.ListFilter) ([]recipe.Recipe, error) {
	stmt, args, err := s.qb.ListRecipes(f)
	if err != nil {
		return nil, fmt.Errorf("build recipe query: %w", err)
	}
	return s.queryRecipes(ctx, stmt, args...)
}

// ListStaleRecipes lists in-progress recipes last updated before the cutoff.
func (s *Store) ListStaleRecipes(ctx context.Context, before time.Time, limit int) ([]recipe.Recipe, error) {
	stmt, args, err := s.qb.StaleRecipes(formatTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("build stale query: %w", err)
	}
	return s.queryRecipes(ctx, stmt, args...)
}

// IncrementViews bumps the view counter of a successful recipe and returns the count.
func (s *Store) IncrementViews(ctx context.Context, id uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE recipes SET view_count = view_count + 1
		 WHERE id = ? AND status = 'SUCCESS'
		 RETURNING view_count`, id.String(),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		r, gerr := s.GetRecipe(ctx, id)
		if gerr != nil {
			return 0, gerr
		}
		return r.ViewCount, nil
	}
	if err != nil {
		return 0, fmt.Errorf("increment views: %w", err)
	}
	return count, nil
}

func (s *Store) queryRecipes(ctx context.Context, stmt string, args ...any) ([]recipe.Recipe, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	defer rows.Close()

	recipes := []recipe.Recipe{}
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipe: %w", err)
		}
		recipes = append(recipes, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipes: %w", err)
	}
	return recipes, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecipe(row scanner) (*recipe.Recipe, error) {
	var (
		r                    recipe.Recipe
		id, userID           string
		status, step         string
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &userID, &r.SourceURL, &status, &step, &r.ViewCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse recipe id: %w", err)
	}
	if r.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	if r.Step, err = recipe.ParseStep(step); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	r.Status = recipe.Status(status)
	return &r, nil
}
