package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"mealcredits/internal/config"
	"mealcredits/internal/email"
	"mealcredits/internal/entitlement"
	"mealcredits/internal/ledger"
	"mealcredits/internal/metrics"
	"mealcredits/internal/models"
	"mealcredits/internal/payments"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("unauthorized")
)

const maxHistoryLimit = 200

// Service ties the credit ledger, the entitlement gate and settlement
// together behind the operations the transports expose.
type Service struct {
	ledger   ledger.Store
	freebies *entitlement.Freebies
	gate     *entitlement.Gate
	checkout *payments.Checkout
	settler  *payments.Settler
	config   config.Config
}

// New wires the service. store should already be instrumented when metrics
// are wanted on ledger operations.
func New(cfg config.Config, store ledger.Store, kv entitlement.KeyValueStore, m *metrics.Metrics) *Service {
	freebies := entitlement.NewFreebies(kv)
	settler := payments.NewSettler(cfg.StripeWebhookSecret, cfg.Prices, store, m)
	if mailer := email.NewResendClient(cfg.ResendAPIKey, cfg.ReceiptFromEmail); mailer.IsConfigured() {
		settler.WithReceipts(mailer)
	}
	return &Service{
		ledger:   store,
		freebies: freebies,
		gate:     entitlement.NewGate(store, freebies, m),
		checkout: payments.NewCheckout(cfg.StripeSecretKey, cfg.Prices, nil),
		settler:  settler,
		config:   cfg,
	}
}

// WithSessionCreator swaps the Stripe checkout call, for tests.
func (s *Service) WithSessionCreator(create payments.SessionCreator) *Service {
	s.checkout = payments.NewCheckout(s.config.StripeSecretKey, s.config.Prices, create)
	return s
}

// EnsureCredits seeds the signup grant the first time a verified user is
// seen. It is safe to call on every sign-in.
func (s *Service) EnsureCredits(ctx context.Context, user models.User) (models.CreditBalance, bool, error) {
	if user.ID == "" {
		return models.CreditBalance{}, false, ErrUnauthorized
	}
	bal, created, err := s.ledger.Ensure(ctx, user.ID, s.config.SignupGrants())
	if err != nil {
		return models.CreditBalance{}, false, err
	}
	if created {
		log.Info().Str("user_id", user.ID).Int("single", bal.Single).Int("seven_day_plan", bal.SevenDayPlan).Msg("seeded signup credits")
	}
	return bal, created, nil
}

func (s *Service) GetCredits(ctx context.Context, userID string) (models.CreditBalance, error) {
	bal, err := s.ledger.Get(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return models.CreditBalance{}, fmt.Errorf("%w: credits for %s", ErrNotFound, userID)
	}
	return bal, err
}

func (s *Service) CreditHistory(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	h, ok := s.ledger.(ledger.HistoryReader)
	if !ok {
		return nil, ledger.ErrHistoryUnsupported
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return h.History(ctx, userID, limit)
}

// SubscribeCredits calls fn with every committed balance of userID.
func (s *Service) SubscribeCredits(userID string, fn ledger.BalanceFunc) func() {
	return s.ledger.Subscribe(userID, fn)
}

type GenerationRequest struct {
	Kind     string
	Platform models.Platform
	User     *models.User
	DeviceID string
	// AdOutcomes are the rewarded-ad results a native client observed, in
	// the order it saw them.
	AdOutcomes []string
}

// AuthorizeGeneration classifies the caller and runs the entitlement gate.
func (s *Service) AuthorizeGeneration(ctx context.Context, req GenerationRequest) (entitlement.Decision, error) {
	kind, err := models.ParseKind(req.Kind)
	if err != nil {
		return entitlement.Decision{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	class := entitlement.Classify(req.Platform, req.User)

	gateReq := entitlement.Request{
		Kind:     kind,
		Class:    class,
		DeviceID: strings.TrimSpace(req.DeviceID),
	}
	if req.User != nil {
		gateReq.UserID = req.User.ID
	}

	var ads entitlement.AdViewer
	if class == models.ClassNativeApp {
		outcomes := make([]entitlement.AdOutcome, 0, len(req.AdOutcomes))
		for _, raw := range req.AdOutcomes {
			o, err := entitlement.ParseAdOutcome(raw)
			if err != nil {
				return entitlement.Decision{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			outcomes = append(outcomes, o)
		}
		ads = entitlement.NewReplayAdViewer(outcomes)
	}

	d, err := s.gate.Authorize(ctx, gateReq, ads)
	if err != nil {
		return entitlement.Decision{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return d, nil
}

func (s *Service) HasFreebie(ctx context.Context, deviceID string) (bool, error) {
	has, err := s.freebies.Has(ctx, deviceID)
	if errors.Is(err, entitlement.ErrDeviceRequired) {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return has, err
}

func (s *Service) ResetFreebie(ctx context.Context, deviceID string) error {
	err := s.freebies.Reset(ctx, deviceID)
	if errors.Is(err, entitlement.ErrDeviceRequired) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return err
}

// GrantCredits is the operator path for crediting a user by hand, e.g. after
// a payment whose webhook lacked metadata.
func (s *Service) GrantCredits(ctx context.Context, userID, kind string, amount int) (models.CreditBalance, error) {
	if strings.TrimSpace(userID) == "" {
		return models.CreditBalance{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	k, err := models.ParseKind(kind)
	if err != nil {
		return models.CreditBalance{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	bal, err := s.ledger.Credit(ctx, userID, k, amount)
	if errors.Is(err, ledger.ErrInvalidAmount) {
		return models.CreditBalance{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err != nil {
		return models.CreditBalance{}, err
	}
	log.Info().Str("user_id", userID).Str("kind", string(k)).Int("amount", amount).Msg("manual credit grant")
	return bal, nil
}

func (s *Service) Prices() []models.PriceGrant {
	return s.config.Prices.List()
}

func (s *Service) CreateCheckout(ctx context.Context, user models.User, priceID, successURL, cancelURL string) (payments.CheckoutSession, error) {
	if user.ID == "" {
		return payments.CheckoutSession{}, ErrUnauthorized
	}
	for _, u := range []string{successURL, cancelURL} {
		if !s.redirectAllowed(u) {
			return payments.CheckoutSession{}, fmt.Errorf("%w: redirect %q is not an allowed origin", ErrInvalidRequest, u)
		}
	}
	return s.checkout.Create(ctx, payments.CheckoutRequest{
		UserID:     user.ID,
		Email:      user.Email,
		PriceID:    priceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
}

// redirectAllowed reports whether raw is an absolute http(s) URL on one of
// the explicitly configured origins. A wildcard origin does not count.
func (s *Service) redirectAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	origin := u.Scheme + "://" + u.Host
	for _, allowed := range s.config.AllowedOrigins {
		if allowed != "*" && strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func (s *Service) SettleWebhook(ctx context.Context, payload []byte, signature string) (payments.Outcome, error) {
	return s.settler.Handle(ctx, payload, signature)
}
