package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a ledger row.
//
//	spending -> spent -> refund_pending -> refunded
//	spending -> rejected
//	spending -> refund_pending -> refunded
//
// The last path settles a spend whose outcome was never learned.
type State string

// State constants
const (
	StateSpending      State = "spending"
	StateSpent         State = "spent"
	StateRejected      State = "rejected"
	StateRefundPending State = "refund_pending"
	StateRefunded      State = "refunded"
)

// LedgerEntry is the durable record of one recipe's charge.
type LedgerEntry struct {
	RecipeID  uuid.UUID `json:"recipe_id"`
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Charge returns the charge the entry records.
func (e *LedgerEntry) Charge() Charge {
	return Charge{UserID: e.UserID, RecipeID: e.RecipeID, Amount: e.Amount}
}

// Ledger persists charge rows keyed by recipe id.
type Ledger interface {
	// InsertCharge stores e unless a row for e.RecipeID exists; created reports which.
	InsertCharge(ctx context.Context, e *LedgerEntry) (created bool, err error)
	// GetCharge returns ErrChargeNotFound when no row exists.
	GetCharge(ctx context.Context, recipeID uuid.UUID) (*LedgerEntry, error)
	// TransitionCharge moves the row to `to` only if its state is one of from.
	TransitionCharge(ctx context.Context, recipeID uuid.UUID, from []State, to State) (moved bool, err error)
	// ListCharges returns rows in any of states, oldest first.
	ListCharges(ctx context.Context, states []State, limit int) ([]LedgerEntry, error)
}
