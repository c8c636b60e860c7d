package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/recipe-agent/internal/credit"
)

var _ credit.Ledger = (*DB)(nil)

// InsertCharge records a new ledger row unless the recipe already has one.
func (db *DB) InsertCharge(ctx context.Context, e *credit.LedgerEntry) (bool, error) {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO credit_ledger (recipe_id, user_id, amount, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (recipe_id) DO NOTHING`,
		e.RecipeID, e.UserID, e.Amount, string(e.State), now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert charge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	e.CreatedAt, e.UpdatedAt = now, now
	return true, nil
}

// GetCharge retrieves the ledger row of a recipe
func (db *DB) GetCharge(ctx context.Context, recipeID uuid.UUID) (*credit.LedgerEntry, error) {
	e, err := scanCharge(db.pool.QueryRow(ctx,
		`SELECT recipe_id, user_id, amount, state, created_at, updated_at
		 FROM credit_ledger WHERE recipe_id = $1`, recipeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credit.ErrChargeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get charge: %w", err)
	}
	return e, nil
}

// TransitionCharge moves a ledger row to `to` if it is currently in one of from.
func (db *DB) TransitionCharge(ctx context.Context, recipeID uuid.UUID, from []credit.State, to credit.State) (bool, error) {
	sql, args, err := db.qb.TransitionCharge(recipeID.String(), from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to build charge update: %w", err)
	}
	tag, err := db.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition charge to %s: %w", to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListCharges lists ledger rows in the given states, least recently updated first
func (db *DB) ListCharges(ctx context.Context, states []credit.State, limit int) ([]credit.LedgerEntry, error) {
	sql, args, err := db.qb.ListCharges(states, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build charge query: %w", err)
	}
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	defer rows.Close()

	entries := []credit.LedgerEntry{}
	for rows.Next() {
		e, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate charges: %w", err)
	}
	return entries, nil
}

func scanCharge(row pgx.Row) (*credit.LedgerEntry, error) {
	var e credit.LedgerEntry
	var state string
	if err := row.Scan(&e.RecipeID, &e.UserID, &e.Amount, &state, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.State = credit.State(state)
	return &e, nil
}
