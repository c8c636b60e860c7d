package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// refundTimeout bounds a compensation started after the body's context expired.
const refundTimeout = 30 * time.Second

// Guard charges a recipe before its body runs and refunds it if the body fails.
type Guard struct {
	client Client
	ledger Ledger
	logger *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*refundLock
}

type refundLock struct {
	sync.Mutex
	refs int
}

// NewGuard creates a credit guard.
func NewGuard(client Client, ledger Ledger, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		client: client,
		ledger: ledger,
		logger: logger.With("component", "credit"),
		locks:  make(map[uuid.UUID]*refundLock),
	}
}

// Hold is a successful spend whose body has not run yet.
type Hold struct {
	guard  *Guard
	charge Charge
}

// Charge returns the held charge.
func (h *Hold) Charge() Charge { return h.charge }

// Run spends charge, then runs body. If body fails the spend is refunded and
// body's error is returned.
func (g *Guard) Run(ctx context.Context, charge Charge, body func(ctx context.Context) error) error {
	hold, err := g.Begin(ctx, charge)
	if err != nil {
		return err
	}
	return hold.Run(ctx, body)
}

// Begin records the charge in the ledger and spends it. A recipe that already
// has a ledger row is never spent twice.
func (g *Guard) Begin(ctx context.Context, charge Charge) (*Hold, error) {
	created, err := g.ledger.InsertCharge(ctx, &LedgerEntry{
		RecipeID: charge.RecipeID,
		UserID:   charge.UserID,
		Amount:   charge.Amount,
		State:    StateSpending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record charge for %s: %w", charge.RecipeID, err)
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCharged, charge.RecipeID)
	}

	if err := g.client.Spend(ctx, charge); err != nil {
		if !errors.Is(err, ErrCreditInsufficient) && !errors.Is(err, ErrCreditInvalidUser) {
			// The debit may have landed. The row stays in spending so that
			// compensation refunds it once the recipe has failed.
			g.logger.Warn("spend outcome unknown", "recipe_id", charge.RecipeID, "error", err)
			return nil, err
		}
		if _, terr := g.ledger.TransitionCharge(ctx, charge.RecipeID, []State{StateSpending}, StateRejected); terr != nil {
			g.logger.Error("failed to mark charge rejected", "recipe_id", charge.RecipeID, "error", terr)
		}
		return nil, err
	}

	if _, err := g.ledger.TransitionCharge(ctx, charge.RecipeID, []State{StateSpending}, StateSpent); err != nil {
		// The spend went through; compensation accepts a row still in spending.
		g.logger.Error("failed to mark charge spent", "recipe_id", charge.RecipeID, "error", err)
	}

	g.logger.Debug("charge spent", "recipe_id", charge.RecipeID, "user_id", charge.UserID, "amount", charge.Amount)
	return &Hold{guard: g, charge: charge}, nil
}

// Run executes body under the hold. A body error or panic triggers exactly one
// refund. The body's error is returned; refund failures are logged and left to
// reconciliation.
func (h *Hold) Run(ctx context.Context, body func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
			h.guard.logger.Error("recovered panic", "recipe_id", h.charge.RecipeID, "panic", r, "stack", string(debug.Stack()))
		}
		if err != nil {
			if cerr := h.guard.refund(ctx, h.charge, StateSpending, StateSpent, StateRefundPending); cerr != nil {
				h.guard.logger.Error("refund failed", "recipe_id", h.charge.RecipeID, "error", cerr)
			}
		}
	}()

	return body(ctx)
}

// Compensate refunds the recipe's charge unless it was rejected or already
// refunded. A row still in spending has an unknown outcome and is refunded
// too; the credit service treats refunds idempotently by recipe id. Callers
// must not compensate a recipe whose creation is still running.
func (g *Guard) Compensate(ctx context.Context, recipeID uuid.UUID) error {
	entry, err := g.ledger.GetCharge(ctx, recipeID)
	if errors.Is(err, ErrChargeNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load charge for %s: %w", recipeID, err)
	}

	switch entry.State {
	case StateSpending, StateSpent, StateRefundPending:
		return g.refund(ctx, entry.Charge(), StateSpending, StateSpent, StateRefundPending)
	default:
		return nil
	}
}

// refund moves the row to refund_pending, calls the credit service and marks
// the row refunded. Rows outside from are left alone.
func (g *Guard) refund(ctx context.Context, charge Charge, from ...State) error {
	unlock := g.lock(charge.RecipeID)
	defer unlock()

	// Compensation must survive the cancellation that caused it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	moved, err := g.ledger.TransitionCharge(ctx, charge.RecipeID, from, StateRefundPending)
	if err != nil {
		return fmt.Errorf("failed to mark refund pending for %s: %w", charge.RecipeID, err)
	}
	if !moved {
		entry, err := g.ledger.GetCharge(ctx, charge.RecipeID)
		if err != nil {
			return fmt.Errorf("failed to load charge for %s: %w", charge.RecipeID, err)
		}
		if entry.State != StateRefundPending {
			return nil
		}
	}

	if err := g.client.Refund(ctx, charge); err != nil {
		if !errors.Is(err, ErrAlreadyRefunded) {
			return err
		}
		g.logger.Info("refund already issued", "recipe_id", charge.RecipeID)
	}

	if _, err := g.ledger.TransitionCharge(ctx, charge.RecipeID, []State{StateRefundPending}, StateRefunded); err != nil {
		return fmt.Errorf("failed to mark refunded for %s: %w", charge.RecipeID, err)
	}
	g.logger.Info("charge refunded", "recipe_id", charge.RecipeID, "user_id", charge.UserID, "amount", charge.Amount)
	return nil
}

func (g *Guard) lock(id uuid.UUID) func() {
	g.mu.Lock()
	l, ok := g.locks[id]
	if !ok {
		l = &refundLock{}
		g.locks[id] = l
	}
	l.refs++
	g.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, id)
		}
		g.mu.Unlock()
	}
}
