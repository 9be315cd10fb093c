package models

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidKind = errors.New("invalid generation kind")

// Kind is the generation type a credit is spent on.
type Kind string

const (
	KindSingle       Kind = "single"
	KindSevenDayPlan Kind = "7-day-plan"
)

// ParseKind accepts the canonical kind names plus the camel/snake spellings
// used by older clients.
func ParseKind(raw string) (Kind, error) {
	switch strings.TrimSpace(raw) {
	case "single":
		return KindSingle, nil
	case "7-day-plan", "sevenDayPlan", "seven_day_plan":
		return KindSevenDayPlan, nil
	default:
		return "", ErrInvalidKind
	}
}

func (k Kind) Valid() bool {
	return k == KindSingle || k == KindSevenDayPlan
}

// CreditBalance is the per-user document in the credit ledger.
type CreditBalance struct {
	UserID       string    `json:"user_id"`
	Single       int       `json:"single"`
	SevenDayPlan int       `json:"seven_day_plan"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Count returns the remaining credits for kind.
func (b CreditBalance) Count(kind Kind) int {
	switch kind {
	case KindSingle:
		return b.Single
	case KindSevenDayPlan:
		return b.SevenDayPlan
	default:
		return 0
	}
}

// With returns a copy of b with the count for kind replaced by n.
func (b CreditBalance) With(kind Kind, n int) CreditBalance {
	switch kind {
	case KindSingle:
		b.Single = n
	case KindSevenDayPlan:
		b.SevenDayPlan = n
	}
	return b
}

type Grant struct {
	Kind   Kind `json:"kind"`
	Amount int  `json:"amount"`
}

// PriceGrant ties a payment-provider price id to the credits it buys.
type PriceGrant struct {
	PriceID string `json:"price_id"`
	Name    string `json:"name"`
	Grant
}

// Settlement is a verified purchase ready to be applied to the ledger.
// Reference is the idempotency key: the payment intent id when the provider
// supplies one, otherwise the provider event id.
type Settlement struct {
	Reference string
	EventID   string
	EventType string
	UserID    string
	PriceID   string
	Grant     Grant
}

// LedgerEntry is one audit row of a balance change.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"kind"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	ReasonSignupGrant = "signup_grant"
	ReasonGeneration  = "generation"
	ReasonPurchase    = "purchase"
	ReasonManualGrant = "manual_grant"
)

// IdentityClass is the runtime category of the actor requesting a generation.
type IdentityClass string

const (
	ClassAnonymousWeb     IdentityClass = "anonymous_web"
	ClassAuthenticatedWeb IdentityClass = "authenticated_web"
	ClassNativeApp        IdentityClass = "native_app"
)

type Platform string

const (
	PlatformWeb    Platform = "web"
	PlatformNative Platform = "native"
)

// ParsePlatform maps a client-supplied platform string; anything that is not
// a native shell is treated as web.
func ParsePlatform(raw string) Platform {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "native", "ios", "android":
		return PlatformNative
	default:
		return PlatformWeb
	}
}

// User is the identity handed over by the authentication collaborator.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}
