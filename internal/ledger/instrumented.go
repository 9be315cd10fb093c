package ledger

import (
	"context"
	"errors"

	"mealcredits/internal/metrics"
	"mealcredits/internal/models"
)

type instrumented struct {
	Store
	metrics *metrics.Metrics
}

// Instrument counts every mutation of s by operation and result.
func Instrument(s Store, m *metrics.Metrics) Store {
	return &instrumented{Store: s, metrics: m}
}

func (i *instrumented) Ensure(ctx context.Context, userID string, seed []models.Grant) (models.CreditBalance, bool, error) {
	bal, created, err := i.Store.Ensure(ctx, userID, seed)
	result := resultLabel(err)
	if err == nil && !created {
		result = "exists"
	}
	i.metrics.LedgerOp("ensure", result)
	return bal, created, err
}

func (i *instrumented) Debit(ctx context.Context, userID string, kind models.Kind) (models.CreditBalance, error) {
	bal, err := i.Store.Debit(ctx, userID, kind)
	i.metrics.LedgerOp("debit", resultLabel(err))
	return bal, err
}

func (i *instrumented) Credit(ctx context.Context, userID string, kind models.Kind, amount int) (models.CreditBalance, error) {
	bal, err := i.Store.Credit(ctx, userID, kind, amount)
	i.metrics.LedgerOp("credit", resultLabel(err))
	return bal, err
}

func (i *instrumented) Settle(ctx context.Context, s models.Settlement) (models.CreditBalance, error) {
	bal, err := i.Store.Settle(ctx, s)
	i.metrics.LedgerOp("settle", resultLabel(err))
	return bal, err
}

// History forwards to the wrapped store when it keeps an audit trail.
func (i *instrumented) History(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	h, ok := i.Store.(HistoryReader)
	if !ok {
		return nil, ErrHistoryUnsupported
	}
	return h.History(ctx, userID, limit)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, ErrAlreadySettled):
		return "duplicate"
	case errors.Is(err, ErrTransactionConflict):
		return "conflict"
	default:
		return "error"
	}
}
