package bootstrap

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"github.com/rs/zerolog/log"

	"mealcredits/internal/auth"
	"mealcredits/internal/config"
	"mealcredits/internal/db"
	"mealcredits/internal/entitlement"
	"mealcredits/internal/ledger"
)

// Backends holds the stores selected by configuration. Both the API server
// and the operator CLI open them the same way.
type Backends struct {
	Ledger   ledger.Store
	Freebies *entitlement.SQLiteKV

	firebase *firebase.App
	listen   func(context.Context) error
}

// Open connects the ledger backend named by cfg.LedgerBackend and the
// freebie store. Call Close when done.
func Open(ctx context.Context, cfg config.Config) (*Backends, error) {
	b := &Backends{}

	if cfg.UsesFirebase() {
		app, err := db.NewFirebaseApp(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.firebase = app
	}

	switch cfg.LedgerBackend {
	case config.LedgerMemory:
		log.Warn().Msg("using in-memory credit ledger; balances are lost on restart")
		b.Ledger = ledger.NewMemoryStore()
	case config.LedgerPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		store := ledger.NewPostgresStore(pool)
		b.Ledger = store
		b.listen = store.Listen
	case config.LedgerFirestore:
		client, err := b.firebase.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		b.Ledger = ledger.NewFirestoreStore(client)
	default:
		return nil, fmt.Errorf("unknown LEDGER_BACKEND %q", cfg.LedgerBackend)
	}

	kv, err := entitlement.OpenSQLiteKV(cfg.FreebieDBPath)
	if err != nil {
		_ = b.Ledger.Close()
		return nil, err
	}
	b.Freebies = kv

	log.Info().Str("ledger", cfg.LedgerBackend).Str("freebies", cfg.FreebieDBPath).Msg("backends ready")
	return b, nil
}

// Authenticator builds the bearer token verifier named by cfg.AuthProvider.
func (b *Backends) Authenticator(ctx context.Context, cfg config.Config) (auth.Authenticator, error) {
	switch cfg.AuthProvider {
	case config.AuthJWT:
		if cfg.JWTSecretKey == "" {
			log.Warn().Msg("JWT_SECRET_KEY is empty; signed-in requests will be rejected")
		}
		return auth.NewJWTAuthenticator(cfg.JWTSecretKey), nil
	case config.AuthFirebase:
		if b.firebase == nil {
			return nil, errors.New("firebase auth requested without a firebase app")
		}
		client, err := b.firebase.Auth(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase auth client: %w", err)
		}
		return auth.NewFirebaseAuthenticator(client), nil
	default:
		return nil, fmt.Errorf("unknown AUTH_PROVIDER %q", cfg.AuthProvider)
	}
}

// Listen relays cross-instance balance changes when the ledger needs it and
// otherwise waits for ctx.
func (b *Backends) Listen(ctx context.Context) error {
	if b.listen == nil {
		<-ctx.Done()
		return nil
	}
	return b.listen(ctx)
}

func (b *Backends) Close() error {
	return errors.Join(b.Ledger.Close(), b.Freebies.Close())
}
