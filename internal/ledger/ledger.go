package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"

	"mealcredits/internal/models"
)

var (
	ErrNotFound            = errors.New("credit balance not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTransactionConflict = errors.New("credit transaction conflict")
	ErrInvalidAmount       = errors.New("credit amount must be positive")
	ErrAlreadySettled      = errors.New("settlement already applied")
	ErrHistoryUnsupported  = errors.New("ledger backend keeps no history")
)

// MaxCount is the largest count a balance may hold. It matches the INTEGER
// columns of the relational backend.
const MaxCount = math.MaxInt32

// BalanceFunc receives the committed balance after a mutation.
type BalanceFunc func(models.CreditBalance)

// Store is the per-user credit ledger. Every mutation is transactional: no
// two concurrent debits can both observe the same last credit.
type Store interface {
	Get(ctx context.Context, userID string) (models.CreditBalance, error)
	// Ensure creates the balance with the seed grants when it does not exist
	// yet. created is true only for the call that created it.
	Ensure(ctx context.Context, userID string, seed []models.Grant) (bal models.CreditBalance, created bool, err error)
	Debit(ctx context.Context, userID string, kind models.Kind) (models.CreditBalance, error)
	Credit(ctx context.Context, userID string, kind models.Kind, amount int) (models.CreditBalance, error)
	// Settle applies a purchase grant and records its reference in the same
	// transaction. A reference seen before yields ErrAlreadySettled.
	Settle(ctx context.Context, s models.Settlement) (models.CreditBalance, error)
	Subscribe(userID string, fn BalanceFunc) (unsubscribe func())
	Close() error
}

// HistoryReader is implemented by backends that keep an audit trail.
type HistoryReader interface {
	History(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
}

func validateGrant(kind models.Kind, amount int) error {
	if !kind.Valid() {
		return models.ErrInvalidKind
	}
	if amount <= 0 || amount > MaxCount {
		return ErrInvalidAmount
	}
	return nil
}

// addCount returns current+amount, refusing totals above MaxCount.
func addCount(current, amount int) (int, error) {
	if amount > MaxCount-current {
		return 0, fmt.Errorf("%w: balance of %d cannot take %d more", ErrInvalidAmount, current, amount)
	}
	return current + amount, nil
}

func validateSeed(seed []models.Grant) error {
	for _, g := range seed {
		if err := validateGrant(g.Kind, g.Amount); err != nil {
			return fmt.Errorf("seed grant %s: %w", g.Kind, err)
		}
	}
	return nil
}

func validateSettlement(s models.Settlement) error {
	if s.Reference == "" {
		return errors.New("settlement reference is required")
	}
	if s.UserID == "" {
		return errors.New("settlement user id is required")
	}
	return validateGrant(s.Grant.Kind, s.Grant.Amount)
}

func seeded(userID string, seed []models.Grant) models.CreditBalance {
	bal := models.CreditBalance{UserID: userID}
	for _, g := range seed {
		bal = bal.With(g.Kind, bal.Count(g.Kind)+g.Amount)
	}
	return bal
}
