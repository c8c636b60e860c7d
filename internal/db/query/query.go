// Package query builds the filtered SELECT statements shared by the Postgres
// and SQLite stores. Callers choose the placeholder format of their driver.
package query

import (
	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/credit"
	"github.com/jonathan/recipe-agent/internal/recipe"
)

// DefaultListLimit applies when a filter sets no limit.
const DefaultListLimit = 50

// MaxListLimit caps caller supplied limits.
const MaxListLimit = 500

// RecipeColumns is the column order scanned by both stores.
var RecipeColumns = []string{
	"id", "user_id", "source_url", "status", "step", "view_count", "created_at", "updated_at",
}

// ProgressColumns is the column order of progress rows.
var ProgressColumns = []string{"id", "recipe_id", "seq", "step", "outcome", "detail", "created_at"}

// ChargeColumns is the column order of credit ledger rows.
var ChargeColumns = []string{"recipe_id", "user_id", "amount", "state", "created_at", "updated_at"}

// Builder produces statements for one placeholder style.
type Builder struct {
	sb sq.StatementBuilderType
}

// Dollar returns a builder for $1-style placeholders (Postgres).
func Dollar() Builder {
	return Builder{sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// Question returns a builder for ?-style placeholders (SQLite).
func Question() Builder {
	return Builder{sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}
}

// ClampLimit normalizes a caller limit.
func ClampLimit(limit int) uint64 {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return uint64(limit)
	}
}

// ListRecipes selects recipes matching f, newest first.
func (b Builder) ListRecipes(f recipe.ListFilter) (string, []any, error) {
	q := b.sb.Select(RecipeColumns...).From("recipes")
	if f.UserID != uuid.Nil {
		q = q.Where(sq.Eq{"user_id": f.UserID.String()})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	return q.OrderBy("created_at DESC", "id").Limit(ClampLimit(f.Limit)).ToSql()
}

// StaleRecipes selects in-progress recipes not updated since before, oldest first.
// before is passed through so each store can encode timestamps its own way.
func (b Builder) StaleRecipes(before any, limit int) (string, []any, error) {
	return b.sb.Select(RecipeColumns...).
		From("recipes").
		Where(sq.Eq{"status": string(recipe.StatusInProgress)}).
		Where(sq.Lt{"updated_at": before}).
		OrderBy("updated_at ASC").
		Limit(ClampLimit(limit)).
		ToSql()
}

// ListProgress selects one keyset page of a recipe's progress entries.
func (b Builder) ListProgress(recipeID string, afterSeq int64, limit int) (string, []any, error) {
	return b.sb.Select(ProgressColumns...).
		From("recipe_progress").
		Where(sq.Eq{"recipe_id": recipeID}).
		Where(sq.Gt{"seq": afterSeq}).
		OrderBy("seq ASC").
		Limit(ClampLimit(limit)).
		ToSql()
}

// ListCharges selects ledger rows in any of states, oldest first.
func (b Builder) ListCharges(states []credit.State, limit int) (string, []any, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return b.sb.Select(ChargeColumns...).
		From("credit_ledger").
		Where(sq.Eq{"state": names}).
		OrderBy("updated_at ASC").
		Limit(ClampLimit(limit)).
		ToSql()
}

// TransitionCharge moves a ledger row between states. updatedAt is passed
// through for the same reason as in StaleRecipes.
func (b Builder) TransitionCharge(recipeID string, from []credit.State, to credit.State, updatedAt any) (string, []any, error) {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}
	return b.sb.Update("credit_ledger").
		Set("state", string(to)).
		Set("updated_at", updatedAt).
		Where(sq.Eq{"recipe_id": recipeID}).
		Where(sq.Eq{"state": names}).
		ToSql()
}
