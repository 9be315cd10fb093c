package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"mealcredits/internal/models"
)

const (
	creditsCollection     = "user_credits"
	settlementsCollection = "applied_settlements"
	entriesCollection     = "entries"
	firestoreMaxAttempts  = 5
)

type creditDoc struct {
	Single       int       `firestore:"single"`
	SevenDayPlan int       `firestore:"sevenDayPlan"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

type settlementDoc struct {
	EventID   string    `firestore:"eventId"`
	EventType string    `firestore:"eventType"`
	UserID    string    `firestore:"userId"`
	PriceID   string    `firestore:"priceId"`
	Kind      string    `firestore:"kind"`
	Amount    int       `firestore:"amount"`
	AppliedAt time.Time `firestore:"appliedAt"`
}

type entryDoc struct {
	Kind      string    `firestore:"kind"`
	Delta     int       `firestore:"delta"`
	Reason    string    `firestore:"reason"`
	Reference string    `firestore:"reference,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (d creditDoc) balance(userID string) models.CreditBalance {
	return models.CreditBalance{UserID: userID, Single: d.Single, SevenDayPlan: d.SevenDayPlan, UpdatedAt: d.UpdatedAt}
}

func docFrom(bal models.CreditBalance) creditDoc {
	return creditDoc{Single: bal.Single, SevenDayPlan: bal.SevenDayPlan, UpdatedAt: bal.UpdatedAt}
}

// balanceFields is the update written with MergeAll, so fields other
// clients keep on the credits document survive.
func balanceFields(bal models.CreditBalance) map[string]interface{} {
	return map[string]interface{}{
		"single":       bal.Single,
		"sevenDayPlan": bal.SevenDayPlan,
		"updatedAt":    bal.UpdatedAt,
	}
}

// FirestoreStore keeps balances in user_credits/{userId}. Firestore pushes
// document snapshots itself, so subscribers see writes from every instance.
type FirestoreStore struct {
	client *firestore.Client
	now    func() time.Time
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client, now: time.Now}
}

func (s *FirestoreStore) doc(userID string) *firestore.DocumentRef {
	return s.client.Collection(creditsCollection).Doc(userID)
}

func (s *FirestoreStore) Get(ctx context.Context, userID string) (models.CreditBalance, error) {
	snap, err := s.doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return models.CreditBalance{}, ErrNotFound
	}
	if err != nil {
		return models.CreditBalance{}, err
	}
	var d creditDoc
	if err := snap.DataTo(&d); err != nil {
		return models.CreditBalance{}, fmt.Errorf("decode credits %s: %w", userID, err)
	}
	return d.balance(userID), nil
}

func (s *FirestoreStore) Ensure(ctx context.Context, userID string, seed []models.Grant) (models.CreditBalance, bool, error) {
	if err := validateSeed(seed); err != nil {
		return models.CreditBalance{}, false, err
	}
	ref := s.doc(userID)
	var (
		bal     models.CreditBalance
		created bool
	)
	err := s.run(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err == nil {
			var d creditDoc
			if err := snap.DataTo(&d); err != nil {
				return err
			}
			bal, created = d.balance(userID), false
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return err
		}
		bal = seeded(userID, seed)
		bal.UpdatedAt = s.now()
		created = true
		if err := tx.Create(ref, docFrom(bal)); err != nil {
			return err
		}
		for _, g := range seed {
			if err := s.appendEntry(tx, ref, g.Kind, g.Amount, models.ReasonSignupGrant, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.CreditBalance{}, false, err
	}
	return bal, created, nil
}

func (s *FirestoreStore) Debit(ctx context.Context, userID string, kind models.Kind) (models.CreditBalance, error) {
	if !kind.Valid() {
		return models.CreditBalance{}, models.ErrInvalidKind
	}
	ref := s.doc(userID)
	var bal models.CreditBalance
	err := s.run(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrInsufficientCredits
		}
		if err != nil {
			return err
		}
		var d creditDoc
		if err := snap.DataTo(&d); err != nil {
			return err
		}
		current := d.balance(userID)
		if current.Count(kind) <= 0 {
			return ErrInsufficientCredits
		}
		bal = current.With(kind, current.Count(kind)-1)
		bal.UpdatedAt = s.now()
		if err := tx.Set(ref, balanceFields(bal), firestore.MergeAll); err != nil {
			return err
		}
		return s.appendEntry(tx, ref, kind, -1, models.ReasonGeneration, "")
	})
	if err != nil {
		return models.CreditBalance{}, err
	}
	return bal, nil
}

func (s *FirestoreStore) Credit(ctx context.Context, userID string, kind models.Kind, amount int) (models.CreditBalance, error) {
	if err := validateGrant(kind, amount); err != nil {
		return models.CreditBalance{}, err
	}
	ref := s.doc(userID)
	var bal models.CreditBalance
	err := s.run(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := readForUpdate(tx, ref, userID)
		if err != nil {
			return err
		}
		bal, err = s.add(current, kind, amount)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, balanceFields(bal), firestore.MergeAll); err != nil {
			return err
		}
		return s.appendEntry(tx, ref, kind, amount, models.ReasonManualGrant, "")
	})
	if err != nil {
		return models.CreditBalance{}, err
	}
	return bal, nil
}

func (s *FirestoreStore) Settle(ctx context.Context, st models.Settlement) (models.CreditBalance, error) {
	if err := validateSettlement(st); err != nil {
		return models.CreditBalance{}, err
	}
	if strings.Contains(st.Reference, "/") {
		return models.CreditBalance{}, fmt.Errorf("settlement reference %q is not a valid document id", st.Reference)
	}
	ref := s.doc(st.UserID)
	settledRef := s.client.Collection(settlementsCollection).Doc(st.Reference)
	var bal models.CreditBalance
	err := s.run(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// All reads precede writes inside a Firestore transaction.
		_, err := tx.Get(settledRef)
		if err == nil {
			return ErrAlreadySettled
		}
		if status.Code(err) != codes.NotFound {
			return err
		}
		current, err := readForUpdate(tx, ref, st.UserID)
		if err != nil {
			return err
		}
		bal, err = s.add(current, st.Grant.Kind, st.Grant.Amount)
		if err != nil {
			return err
		}
		if err := tx.Create(settledRef, settlementDoc{
			EventID:   st.EventID,
			EventType: st.EventType,
			UserID:    st.UserID,
			PriceID:   st.PriceID,
			Kind:      string(st.Grant.Kind),
			Amount:    st.Grant.Amount,
			AppliedAt: bal.UpdatedAt,
		}); err != nil {
			return err
		}
		if err := tx.Set(ref, balanceFields(bal), firestore.MergeAll); err != nil {
			return err
		}
		return s.appendEntry(tx, ref, st.Grant.Kind, st.Grant.Amount, models.ReasonPurchase, st.Reference)
	})
	if err != nil {
		return models.CreditBalance{}, err
	}
	return bal, nil
}

func (s *FirestoreStore) History(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	snaps, err := s.doc(userID).Collection(entriesCollection).
		OrderBy("createdAt", firestore.Desc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	entries := make([]models.LedgerEntry, 0, len(snaps))
	for _, snap := range snaps {
		var e entryDoc
		if err := snap.DataTo(&e); err != nil {
			return nil, err
		}
		entries = append(entries, models.LedgerEntry{
			UserID:    userID,
			Kind:      models.Kind(e.Kind),
			Delta:     e.Delta,
			Reason:    e.Reason,
			Reference: e.Reference,
			CreatedAt: e.CreatedAt,
		})
	}
	return entries, nil
}

func (s *FirestoreStore) Subscribe(userID string, fn BalanceFunc) func() {
	ctx, cancel := context.WithCancel(context.Background())
	it := s.doc(userID).Snapshots(ctx)
	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && status.Code(err) != codes.Canceled {
					log.Warn().Err(err).Str("user_id", userID).Msg("credit snapshot listener stopped")
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			var d creditDoc
			if err := snap.DataTo(&d); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("decode credit snapshot")
				continue
			}
			fn(d.balance(userID))
		}
	}()
	return cancel
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) run(ctx context.Context, fn func(context.Context, *firestore.Transaction) error) error {
	err := s.client.RunTransaction(ctx, fn, firestore.MaxAttempts(firestoreMaxAttempts))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrAlreadySettled) || errors.Is(err, ErrInvalidAmount) {
		return err
	}
	if status.Code(err) == codes.Aborted {
		return fmt.Errorf("%w: %v", ErrTransactionConflict, err)
	}
	return err
}

func (s *FirestoreStore) add(bal models.CreditBalance, kind models.Kind, amount int) (models.CreditBalance, error) {
	n, err := addCount(bal.Count(kind), amount)
	if err != nil {
		return models.CreditBalance{}, err
	}
	bal = bal.With(kind, n)
	bal.UpdatedAt = s.now()
	return bal, nil
}

func (s *FirestoreStore) appendEntry(tx *firestore.Transaction, ref *firestore.DocumentRef, kind models.Kind, delta int, reason, reference string) error {
	return tx.Create(ref.Collection(entriesCollection).NewDoc(), entryDoc{
		Kind:      string(kind),
		Delta:     delta,
		Reason:    reason,
		Reference: reference,
		CreatedAt: s.now(),
	})
}

// readForUpdate reads the user's balance inside tx, treating a missing
// document as a zero balance so credits merge into it.
func readForUpdate(tx *firestore.Transaction, ref *firestore.DocumentRef, userID string) (models.CreditBalance, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return models.CreditBalance{UserID: userID}, nil
	}
	if err != nil {
		return models.CreditBalance{}, err
	}
	var d creditDoc
	if err := snap.DataTo(&d); err != nil {
		return models.CreditBalance{}, err
	}
	return d.balance(userID), nil
}
