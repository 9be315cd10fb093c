package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"mealcredits/internal/models"
)

const (
	notifyChannel = "user_credits"
	maxTxAttempts = 3
)

// PostgresStore keeps one row per user in user_credits and appends an audit
// row to credit_ledger for every mutation. Commits notify other instances on
// the user_credits channel so their subscribers see the change too.
type PostgresStore struct {
	pool        *pgxpool.Pool
	instanceID  string
	broadcaster *Broadcaster
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:        pool,
		instanceID:  uuid.NewString(),
		broadcaster: NewBroadcaster(),
	}
}

func column(kind models.Kind) (string, error) {
	switch kind {
	case models.KindSingle:
		return "single", nil
	case models.KindSevenDayPlan:
		return "seven_day_plan", nil
	default:
		return "", models.ErrInvalidKind
	}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (models.CreditBalance, error) {
	bal := models.CreditBalance{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT single, seven_day_plan, updated_at
		FROM user_credits
		WHERE user_id = $1`, userID).Scan(&bal.Single, &bal.SevenDayPlan, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditBalance{}, ErrNotFound
	}
	if err != nil {
		return models.CreditBalance{}, err
	}
	return bal, nil
}

func (s *PostgresStore) Ensure(ctx context.Context, userID string, seed []models.Grant) (models.CreditBalance, bool, error) {
	if err := validateSeed(seed); err != nil {
		return models.CreditBalance{}, false, err
	}
	want := seeded(userID, seed)
	var (
		bal     models.CreditBalance
		created bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		bal = models.CreditBalance{UserID: userID}
		err := tx.QueryRow(ctx, `
			INSERT INTO user_credits (user_id, single, seven_day_plan)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO NOTHING
			RETURNING single, seven_day_plan, updated_at`,
			userID, want.Single, want.SevenDayPlan).Scan(&bal.Single, &bal.SevenDayPlan, &bal.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			created = false
			return tx.QueryRow(ctx, `
				SELECT single, seven_day_plan, updated_at
				FROM user_credits
				WHERE user_id = $1`, userID).Scan(&bal.Single, &bal.SevenDayPlan, &bal.UpdatedAt)
		}
		if err != nil {
			return err
		}
		created = true
		for _, g := range seed {
			if err := insertEntry(ctx, tx, userID, g.Kind, g.Amount, models.ReasonSignupGrant, ""); err != nil {
				return err
			}
		}
		return s.notify(ctx, tx, userID)
	})
	if err != nil {
		return models.CreditBalance{}, false, err
	}
	if created {
		s.broadcaster.Publish(bal)
	}
	return bal, created, nil
}

func (s *PostgresStore) Debit(ctx context.Context, userID string, kind models.Kind) (models.CreditBalance, error) {
	col, err := column(kind)
	if err != nil {
		return models.CreditBalance{}, err
	}
	var bal models.CreditBalance
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		locked, err := lockBalance(ctx, tx, userID)
		if errors.Is(err, ErrNotFound) {
			return ErrInsufficientCredits
		}
		if err != nil {
			return err
		}
		if locked.Count(kind) <= 0 {
			return ErrInsufficientCredits
		}
		bal, err = updateCount(ctx, tx, userID, col, -1)
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, userID, kind, -1, models.ReasonGeneration, ""); err != nil {
			return err
		}
		return s.notify(ctx, tx, userID)
	})
	if err != nil {
		return models.CreditBalance{}, err
	}
	s.broadcaster.Publish(bal)
	return bal, nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID string, kind models.Kind, amount int) (models.CreditBalance, error) {
	if err := validateGrant(kind, amount); err != nil {
		return models.CreditBalance{}, err
	}
	var bal models.CreditBalance
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		bal, err = upsertCredit(ctx, tx, userID, kind, amount)
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, userID, kind, amount, models.ReasonManualGrant, ""); err != nil {
			return err
		}
		return s.notify(ctx, tx, userID)
	})
	if err != nil {
		return models.CreditBalance{}, err
	}
	s.broadcaster.Publish(bal)
	return bal, nil
}

func (s *PostgresStore) Settle(ctx context.Context, st models.Settlement) (models.CreditBalance, error) {
	if err := validateSettlement(st); err != nil {
		return models.CreditBalance{}, err
	}
	var bal models.CreditBalance
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO applied_settlements (reference, event_id, event_type, user_id, price_id, kind, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			st.Reference, st.EventID, st.EventType, st.UserID, st.PriceID, string(st.Grant.Kind), st.Grant.Amount)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadySettled
			}
			return err
		}
		bal, err = upsertCredit(ctx, tx, st.UserID, st.Grant.Kind, st.Grant.Amount)
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, st.UserID, st.Grant.Kind, st.Grant.Amount, models.ReasonPurchase, st.Reference); err != nil {
			return err
		}
		return s.notify(ctx, tx, st.UserID)
	})
	if err != nil {
		return models.CreditBalance{}, err
	}
	s.broadcaster.Publish(bal)
	return bal, nil
}

// History returns the most recent audit rows for a user, newest first.
func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, kind, delta, reason, COALESCE(reference, ''), created_at
		FROM credit_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Delta, &e.Reason, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = models.Kind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Subscribe(userID string, fn BalanceFunc) func() {
	return s.broadcaster.Subscribe(userID, fn)
}

const (
	listenRetryMin = time.Second
	listenRetryMax = 30 * time.Second
)

// Listen relays balance changes committed by other instances to local
// subscribers until ctx is cancelled. A dropped listen connection is
// re-established with exponential backoff, so Listen only returns once ctx
// is done.
func (s *PostgresStore) Listen(ctx context.Context) error {
	return superviseListen(ctx, listenRetryMin, listenRetryMax, s.listenOnce)
}

// superviseListen reruns once until ctx is done, waiting between failures
// from minWait doubling up to maxWait. The wait resets after a run that got
// its connection established.
func superviseListen(ctx context.Context, minWait, maxWait time.Duration, once func(context.Context) (bool, error)) error {
	wait := minWait
	for {
		established, err := once(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			wait = minWait
		}
		log.Warn().Err(err).Dur("retry_in", wait).Msg("credit listener lost, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		wait = min(wait*2, maxWait)
	}
}

// listenOnce holds one LISTEN connection until it fails. established is
// true once the LISTEN command succeeded.
func (s *PostgresStore) listenOnce(ctx context.Context) (established bool, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return false, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	log.Info().Str("channel", notifyChannel).Msg("listening for credit changes")

	// Notifications sent while disconnected are lost, so observers get a
	// fresh read on every (re)connect.
	for _, userID := range s.broadcaster.Users() {
		s.reload(ctx, userID)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}
		origin, userID, ok := strings.Cut(n.Payload, ":")
		if !ok || origin == s.instanceID {
			continue
		}
		if s.broadcaster.Subscribers(userID) == 0 {
			continue
		}
		s.reload(ctx, userID)
	}
}

func (s *PostgresStore) reload(ctx context.Context, userID string) {
	bal, err := s.Get(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("reload balance after notification")
		return
	}
	s.broadcaster.Publish(bal)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// inTx runs fn in a transaction, retrying serialization failures and
// deadlocks before giving up with ErrTransactionConflict.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		lastErr = s.runTx(ctx, fn)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		log.Debug().Err(lastErr).Int("attempt", attempt).Msg("retrying credit transaction")
	}
	return fmt.Errorf("%w: %v", ErrTransactionConflict, lastErr)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, s.instanceID+":"+userID)
	return err
}

func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (models.CreditBalance, error) {
	bal := models.CreditBalance{UserID: userID}
	err := tx.QueryRow(ctx, `
		SELECT single, seven_day_plan, updated_at
		FROM user_credits
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&bal.Single, &bal.SevenDayPlan, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditBalance{}, ErrNotFound
	}
	return bal, err
}

func updateCount(ctx context.Context, tx pgx.Tx, userID, col string, delta int) (models.CreditBalance, error) {
	bal := models.CreditBalance{UserID: userID}
	err := tx.QueryRow(ctx, `
		UPDATE user_credits
		SET `+col+` = `+col+` + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING single, seven_day_plan, updated_at`,
		userID, delta).Scan(&bal.Single, &bal.SevenDayPlan, &bal.UpdatedAt)
	return bal, err
}

func upsertCredit(ctx context.Context, tx pgx.Tx, userID string, kind models.Kind, amount int) (models.CreditBalance, error) {
	col, err := column(kind)
	if err != nil {
		return models.CreditBalance{}, err
	}
	bal := models.CreditBalance{UserID: userID}
	err = tx.QueryRow(ctx, `
		INSERT INTO user_credits (user_id, `+col+`)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET `+col+` = user_credits.`+col+` + EXCLUDED.`+col+`, updated_at = NOW()
		RETURNING single, seven_day_plan, updated_at`,
		userID, amount).Scan(&bal.Single, &bal.SevenDayPlan, &bal.UpdatedAt)
	if isOutOfRange(err) {
		return models.CreditBalance{}, fmt.Errorf("%w: %s balance would exceed %d", ErrInvalidAmount, kind, MaxCount)
	}
	return bal, err
}

func insertEntry(ctx context.Context, tx pgx.Tx, userID string, kind models.Kind, delta int, reason, reference string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (user_id, kind, delta, reason, reference)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
		userID, string(kind), delta, reason, reference)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isOutOfRange(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "22003"
	}
	return false
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
