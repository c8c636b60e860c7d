package query

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/recipe-agent/internal/credit"
	"github.com/jonathan/recipe-agent/internal/recipe"
)

func TestListRecipes(t *testing.T) {
	user := uuid.New()

	sql, args, err := Dollar().ListRecipes(recipe.ListFilter{UserID: user, Status: recipe.StatusSuccess, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, user_id, source_url, status, step, view_count, created_at, updated_at FROM recipes "+
			"WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC, id LIMIT 10", sql)
	assert.Equal(t, []any{user.String(), "SUCCESS"}, args)

	sql, args, err = Question().ListRecipes(recipe.ListFilter{})
	require.NoError(t, err)
	assert.Contains(t, sql, "LIMIT 50")
	assert.NotContains(t, sql, "WHERE")
	assert.Empty(t, args)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, uint64(DefaultListLimit), ClampLimit(0))
	assert.Equal(t, uint64(DefaultListLimit), ClampLimit(-3))
	assert.Equal(t, uint64(7), ClampLimit(7))
	assert.Equal(t, uint64(MaxListLimit), ClampLimit(MaxListLimit+1))
}

func TestStaleRecipes(t *testing.T) {
	sql, args, err := Question().StaleRecipes("2026-01-01T00:00:00Z", 5)
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE status = ? AND updated_at < ?")
	assert.Contains(t, sql, "ORDER BY updated_at ASC LIMIT 5")
	assert.Equal(t, []any{"IN_PROGRESS", "2026-01-01T00:00:00Z"}, args)
}

func TestListProgress(t *testing.T) {
	id := uuid.New().String()
	sql, args, err := Dollar().ListProgress(id, 4, 2)
	require.NoError(t, err)
	assert.Contains(t, sql, "FROM recipe_progress WHERE recipe_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT 2")
	assert.Equal(t, []any{id, int64(4)}, args)
}

func TestChargeStatements(t *testing.T) {
	sql, args, err := Dollar().ListCharges([]credit.State{credit.StateSpent, credit.StateRefundPending}, 0)
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE state IN ($1,$2)")
	assert.Equal(t, []any{"spent", "refund_pending"}, args)

	sql, args, err = Question().TransitionCharge("r1", []credit.State{credit.StateSpending}, credit.StateSpent, "now")
	require.NoError(t, err)
	assert.Equal(t, "UPDATE credit_ledger SET state = ?, updated_at = ? WHERE recipe_id = ? AND state IN (?)", sql)
	assert.Equal(t, []any{"spent", "now", "r1", "spending"}, args)
}
