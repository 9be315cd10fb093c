package ledger

import (
	"context"
	"sync"
	"time"

	"mealcredits/internal/models"
)

// MemoryStore keeps balances in process. It is the default for local
// development and the backend the service tests run against.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]models.CreditBalance
	settled  map[string]models.Settlement
	entries  []models.LedgerEntry
	now      func() time.Time

	broadcaster *Broadcaster
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]models.CreditBalance),
		settled:     make(map[string]models.Settlement),
		now:         time.Now,
		broadcaster: NewBroadcaster(),
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (models.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[userID]
	if !ok {
		return models.CreditBalance{}, ErrNotFound
	}
	return bal, nil
}

func (s *MemoryStore) Ensure(_ context.Context, userID string, seed []models.Grant) (models.CreditBalance, bool, error) {
	if err := validateSeed(seed); err != nil {
		return models.CreditBalance{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bal, ok := s.balances[userID]; ok {
		return bal, false, nil
	}
	bal := seeded(userID, seed)
	bal.UpdatedAt = s.now()
	s.balances[userID] = bal
	for _, g := range seed {
		s.appendLocked(userID, g.Kind, g.Amount, models.ReasonSignupGrant, "")
	}
	s.broadcaster.Publish(bal)
	return bal, true, nil
}

func (s *MemoryStore) Debit(_ context.Context, userID string, kind models.Kind) (models.CreditBalance, error) {
	if !kind.Valid() {
		return models.CreditBalance{}, models.ErrInvalidKind
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[userID]
	if !ok || bal.Count(kind) <= 0 {
		return models.CreditBalance{}, ErrInsufficientCredits
	}
	bal = bal.With(kind, bal.Count(kind)-1)
	bal.UpdatedAt = s.now()
	s.balances[userID] = bal
	s.appendLocked(userID, kind, -1, models.ReasonGeneration, "")
	s.broadcaster.Publish(bal)
	return bal, nil
}

func (s *MemoryStore) Credit(_ context.Context, userID string, kind models.Kind, amount int) (models.CreditBalance, error) {
	if err := validateGrant(kind, amount); err != nil {
		return models.CreditBalance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(userID, kind, amount, models.ReasonManualGrant, "")
}

func (s *MemoryStore) Settle(_ context.Context, st models.Settlement) (models.CreditBalance, error) {
	if err := validateSettlement(st); err != nil {
		return models.CreditBalance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.settled[st.Reference]; dup {
		return models.CreditBalance{}, ErrAlreadySettled
	}
	bal, err := s.creditLocked(st.UserID, st.Grant.Kind, st.Grant.Amount, models.ReasonPurchase, st.Reference)
	if err != nil {
		return models.CreditBalance{}, err
	}
	s.settled[st.Reference] = st
	return bal, nil
}

func (s *MemoryStore) creditLocked(userID string, kind models.Kind, amount int, reason, reference string) (models.CreditBalance, error) {
	bal, ok := s.balances[userID]
	if !ok {
		bal = models.CreditBalance{UserID: userID}
	}
	n, err := addCount(bal.Count(kind), amount)
	if err != nil {
		return models.CreditBalance{}, err
	}
	bal = bal.With(kind, n)
	bal.UpdatedAt = s.now()
	s.balances[userID] = bal
	s.appendLocked(userID, kind, amount, reason, reference)
	s.broadcaster.Publish(bal)
	return bal, nil
}

func (s *MemoryStore) appendLocked(userID string, kind models.Kind, delta int, reason, reference string) {
	s.entries = append(s.entries, models.LedgerEntry{
		ID:        int64(len(s.entries) + 1),
		UserID:    userID,
		Kind:      kind,
		Delta:     delta,
		Reason:    reason,
		Reference: reference,
		CreatedAt: s.now(),
	})
}

// History returns the most recent audit entries for a user, newest first.
func (s *MemoryStore) History(_ context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].UserID == userID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(userID string, fn BalanceFunc) func() {
	return s.broadcaster.Subscribe(userID, fn)
}

func (s *MemoryStore) Close() error {
	return nil
}
