package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"mealcredits/internal/config"
	"mealcredits/internal/ledger"
	"mealcredits/internal/metrics"
	"mealcredits/internal/models"
)

var (
	ErrWebhookNotConfigured = errors.New("stripe webhook secret is not configured")
	ErrSignatureInvalid     = errors.New("invalid webhook signature")
	ErrMalformedEvent       = errors.New("malformed webhook event")
	ErrMissingMetadata      = errors.New("webhook event is missing userId or priceId metadata")
)

const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
)

// Outcome is the terminal state a verified delivery ended in.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeUnknownPrice Outcome = "unknown_price"
)

// SettlementStore is the part of the credit ledger settlement writes to.
type SettlementStore interface {
	Settle(ctx context.Context, s models.Settlement) (models.CreditBalance, error)
}

// ReceiptSender mails the buyer once a purchase has been applied.
type ReceiptSender interface {
	SendPurchaseReceipt(ctx context.Context, to string, price models.PriceGrant, bal models.CreditBalance) error
}

// Settler turns verified payment webhooks into ledger grants, each payment
// applied at most once.
type Settler struct {
	secret   string
	prices   config.PriceCatalog
	ledger   SettlementStore
	metrics  *metrics.Metrics
	receipts ReceiptSender
}

func NewSettler(secret string, prices config.PriceCatalog, store SettlementStore, m *metrics.Metrics) *Settler {
	return &Settler{secret: secret, prices: prices, ledger: store, metrics: m}
}

// WithReceipts enables purchase receipts. A failed receipt never fails the
// settlement.
func (s *Settler) WithReceipts(r ReceiptSender) *Settler {
	s.receipts = r
	return s
}

// Handle verifies and applies one webhook delivery. A returned error means
// the delivery must not be acknowledged.
func (s *Settler) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	outcome, err := s.handle(ctx, payload, signature)
	switch {
	case err == nil:
		s.metrics.Settlement(string(outcome))
	case errors.Is(err, ErrSignatureInvalid):
		s.metrics.Settlement("signature_invalid")
	case errors.Is(err, ErrMissingMetadata):
		s.metrics.Settlement("missing_metadata")
	default:
		s.metrics.Settlement("error")
	}
	return outcome, err
}

func (s *Settler) handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if s.secret == "" {
		return "", ErrWebhookNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("rejecting stripe webhook with bad signature")
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	logger := log.With().Str("event_id", event.ID).Str("event_type", string(event.Type)).Logger()

	var (
		metadata  map[string]string
		reference string
		buyer     string
	)
	switch event.Type {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		// Free sessions get no payment intent, so they settle here on the
		// event id.
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
			sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			logger.Info().Str("payment_status", string(sess.PaymentStatus)).Msg("checkout completed without payment; waiting for payment intent")
			return OutcomeIgnored, nil
		}
		metadata = sess.Metadata
		reference = event.ID
		buyer = sess.CustomerEmail
		if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
			buyer = sess.CustomerDetails.Email
		}
		if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
			reference = sess.PaymentIntent.ID
		}
	case EventPaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		metadata = pi.Metadata
		buyer = pi.ReceiptEmail
		reference = pi.ID
		if reference == "" {
			reference = event.ID
		}
	default:
		logger.Debug().Msg("ignoring stripe event type")
		return OutcomeIgnored, nil
	}

	userID, priceID := metadata[MetadataUserID], metadata[MetadataPriceID]
	if userID == "" || priceID == "" {
		logger.Error().
			Str("user_id", userID).
			Str("price_id", priceID).
			Msg("stripe event missing settlement metadata; needs operator attention")
		return "", ErrMissingMetadata
	}

	price, ok := s.prices.Lookup(priceID)
	if !ok {
		logger.Warn().Str("user_id", userID).Str("price_id", priceID).Msg("unknown price in stripe event; not crediting")
		return OutcomeUnknownPrice, nil
	}

	bal, err := s.ledger.Settle(ctx, models.Settlement{
		Reference: reference,
		EventID:   event.ID,
		EventType: string(event.Type),
		UserID:    userID,
		PriceID:   priceID,
		Grant:     price.Grant,
	})
	if errors.Is(err, ledger.ErrAlreadySettled) {
		logger.Info().Str("reference", reference).Str("user_id", userID).Msg("payment already settled")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		logger.Error().Err(err).Str("user_id", userID).Str("price_id", priceID).Msg("settlement failed")
		return "", fmt.Errorf("settle %s: %w", reference, err)
	}

	logger.Info().
		Str("user_id", userID).
		Str("price_id", priceID).
		Str("kind", string(price.Kind)).
		Int("amount", price.Amount).
		Int("single", bal.Single).
		Int("seven_day_plan", bal.SevenDayPlan).
		Msg("payment settled")

	if s.receipts != nil && buyer != "" {
		if err := s.receipts.SendPurchaseReceipt(ctx, buyer, price, bal); err != nil {
			logger.Warn().Err(err).Str("user_id", userID).Msg("purchase receipt not sent")
		}
	}
	return OutcomeApplied, nil
}
