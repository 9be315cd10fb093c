package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"mealcredits/internal/db"
	"mealcredits/internal/models"
)

func TestSuperviseListenRetriesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- superviseListen(ctx, time.Millisecond, 4*time.Millisecond, func(context.Context) (bool, error) {
			if calls.Add(1) == 5 {
				cancel()
				return true, context.Canceled
			}
			return false, errors.New("connection refused")
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err, "a lost listener must not surface as a fatal error")
	case <-time.After(5 * time.Second):
		t.Fatal("listener supervisor did not stop after cancel")
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestSuperviseListenStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- superviseListen(ctx, time.Hour, time.Hour, func(context.Context) (bool, error) {
			return true, errors.New("conn reset")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("backoff wait ignored cancellation")
	}
}

// newPostgresStore connects to DATABASE_URL, migrates, and skips the test
// when it is not set.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, pool))
	store := NewPostgresStore(pool)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func uniqueUser(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestPostgresEnsureSeedsOnce(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	userID := uniqueUser("ensure")
	seed := []models.Grant{{Kind: models.KindSingle, Amount: 2}}

	bal, created, err := store.Ensure(ctx, userID, seed)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, bal.Single)

	_, err = store.Debit(ctx, userID, models.KindSingle)
	require.NoError(t, err)

	bal, created, err = store.Ensure(ctx, userID, seed)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, bal.Single)
}

func TestPostgresConcurrentDebitsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	userID := uniqueUser("debit")
	_, _, err := store.Ensure(ctx, userID, []models.Grant{{Kind: models.KindSevenDayPlan, Amount: 3}})
	require.NoError(t, err)

	var ok, denied atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := store.Debit(ctx, userID, models.KindSevenDayPlan)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientCredits), errors.Is(err, ErrTransactionConflict):
				denied.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	bal, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3-int(ok.Load()), bal.SevenDayPlan)
	assert.GreaterOrEqual(t, bal.SevenDayPlan, 0)
	assert.Equal(t, int32(10), ok.Load()+denied.Load())
}

func TestPostgresSettleOnceAndHistory(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	userID := uniqueUser("settle")
	st := models.Settlement{
		Reference: uniqueUser("pi"),
		EventID:   "evt_1",
		EventType: "payment_intent.succeeded",
		UserID:    userID,
		PriceID:   "SINGLE_PACK",
		Grant:     models.Grant{Kind: models.KindSingle, Amount: 5},
	}

	bal, err := store.Settle(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 5, bal.Single)

	_, err = store.Settle(ctx, st)
	assert.ErrorIs(t, err, ErrAlreadySettled)

	entries, err := store.History(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 5, entries[0].Delta)
	assert.Equal(t, st.Reference, entries[0].Reference)
}

func TestPostgresCreditRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	userID := uniqueUser("overflow")

	_, err := store.Credit(ctx, userID, models.KindSingle, MaxCount)
	require.NoError(t, err)
	_, err = store.Credit(ctx, userID, models.KindSingle, 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	bal, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, MaxCount, bal.Single)
}

func TestPostgresListenRelaysOtherInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener := newPostgresStore(t)
	writer := newPostgresStore(t)
	userID := uniqueUser("listen")

	updates := make(chan models.CreditBalance, 4)
	unsubscribe := listener.Subscribe(userID, func(b models.CreditBalance) { updates <- b })
	defer unsubscribe()

	go func() { _ = listener.Listen(ctx) }()

	// The listener may not be up yet, so keep committing until it relays.
	deadline := time.After(10 * time.Second)
	for {
		_, err := writer.Credit(ctx, userID, models.KindSingle, 1)
		require.NoError(t, err)
		select {
		case b := <-updates:
			assert.Equal(t, userID, b.UserID)
			assert.GreaterOrEqual(t, b.Single, 1)
			return
		case <-deadline:
			t.Fatal("no relayed balance from the other instance")
		case <-time.After(200 * time.Millisecond):
		}
	}
}
