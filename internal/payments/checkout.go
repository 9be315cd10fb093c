package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"

	"mealcredits/internal/config"
)

var (
	ErrStripeNotConfigured = errors.New("stripe is not configured")
	ErrUnknownPrice        = errors.New("unknown price")
	ErrInvalidCheckout     = errors.New("invalid checkout request")
	ErrCheckoutRejected    = errors.New("checkout rejected by payment provider")
)

// Metadata keys carried on the checkout session and its payment intent.
const (
	MetadataUserID  = "userId"
	MetadataPriceID = "priceId"
)

// SessionCreator creates a hosted checkout session.
type SessionCreator func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

type CheckoutRequest struct {
	UserID     string
	Email      string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Checkout starts purchases of the packs listed in the price catalog.
type Checkout struct {
	configured bool
	prices     config.PriceCatalog
	create     SessionCreator
}

// NewCheckout uses session.New when create is nil.
func NewCheckout(secretKey string, prices config.PriceCatalog, create SessionCreator) *Checkout {
	if create == nil {
		if secretKey != "" {
			stripe.Key = secretKey
		}
		create = session.New
	}
	return &Checkout{configured: secretKey != "", prices: prices, create: create}
}

func (c *Checkout) Create(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if !c.configured {
		return CheckoutSession{}, ErrStripeNotConfigured
	}
	if strings.TrimSpace(req.UserID) == "" || req.SuccessURL == "" || req.CancelURL == "" {
		return CheckoutSession{}, ErrInvalidCheckout
	}
	price, ok := c.prices.Lookup(req.PriceID)
	if !ok {
		return CheckoutSession{}, fmt.Errorf("%w: %s", ErrUnknownPrice, req.PriceID)
	}

	metadata := map[string]string{
		MetadataUserID:  req.UserID,
		MetadataPriceID: price.PriceID,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(price.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx

	sess, err := c.create(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			log.Error().
				Str("type", string(stripeErr.Type)).
				Str("code", string(stripeErr.Code)).
				Str("param", stripeErr.Param).
				Str("user_id", req.UserID).
				Msg(stripeErr.Msg)
			return CheckoutSession{}, fmt.Errorf("%w: %s - %s", ErrCheckoutRejected, stripeErr.Code, stripeErr.Msg)
		}
		return CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	log.Info().
		Str("user_id", req.UserID).
		Str("price_id", price.PriceID).
		Str("session_id", sess.ID).
		Msg("checkout session created")
	return CheckoutSession{SessionID: sess.ID, URL: sess.URL}, nil
}
