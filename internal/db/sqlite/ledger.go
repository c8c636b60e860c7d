package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/credit"
)

var _ credit.Ledger = (*Store)(nil)

// InsertCharge records a new ledger row unless the recipe already has one.
func (s *Store) InsertCharge(ctx context.Context, e *credit.LedgerEntry) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_ledger (recipe_id, user_id, amount, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (recipe_id) DO NOTHING`,
		e.RecipeID.String(), e.UserID.String(), e.Amount, string(e.State), formatTime(now), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("insert charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert charge: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	e.CreatedAt, e.UpdatedAt = now, now
	return true, nil
}

// GetCharge fetches the ledger row of a recipe.
func (s *Store) GetCharge(ctx context.Context, recipeID uuid.UUID) (*credit.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT recipe_id, user_id, amount, state, created_at, updated_at
		 FROM credit_ledger WHERE recipe_id = ?`, recipeID.String())
	e, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credit.ErrChargeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get charge: %w", err)
	}
	return e, nil
}

// TransitionCharge moves a ledger row to `to` if it is currently in one of from.
func (s *Store) TransitionCharge(ctx context.Context, recipeID uuid.UUID, from []credit.State, to credit.State) (bool, error) {
	stmt, args, err := s.qb.TransitionCharge(recipeID.String(), from, to, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("build charge update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("transition charge to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition charge to %s: %w", to, err)
	}
	return n == 1, nil
}

// ListCharges lists ledger rows in the given states, least recently updated first.
func (s *Store) ListCharges(ctx context.Context, states []credit.State, limit int) ([]credit.LedgerEntry, error) {
	stmt, args, err := s.qb.ListCharges(states, limit)
	if err != nil {
		return nil, fmt.Errorf("build charge query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	defer rows.Close()

	entries := []credit.LedgerEntry{}
	for rows.Next() {
		e, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate charges: %w", err)
	}
	return entries, nil
}

func scanCharge(row scanner) (*credit.LedgerEntry, error) {
	var (
		e                    credit.LedgerEntry
		rid, uid, state      string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rid, &uid, &e.Amount, &state, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if e.RecipeID, err = uuid.Parse(rid); err != nil {
		return nil, fmt.Errorf("parse recipe id: %w", err)
	}
	if e.UserID, err = uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	e.State = credit.State(state)
	return &e, nil
}
