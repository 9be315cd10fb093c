package entitlement

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"mealcredits/internal/ledger"
	"mealcredits/internal/metrics"
	"mealcredits/internal/models"
)

var (
	ErrUserRequired     = errors.New("authenticated generation requires a user id")
	ErrAdViewerRequired = errors.New("native generation requires an ad viewer")
	ErrUnknownClass     = errors.New("unknown identity class")
)

type Path string

const (
	PathAdView  Path = "ad_view"
	PathLedger  Path = "ledger"
	PathFreebie Path = "freebie"
)

type Denial string

const (
	DenyInsufficientCredits Denial = "insufficient_credits"
	DenyFreebieUsed         Denial = "freebie_used"
	DenyAdCancelled         Denial = "ad_cancelled"
	DenyAdFailed            Denial = "ad_failed"
	DenyLedgerUnavailable   Denial = "ledger_unavailable"
	DenyFreebieUnavailable  Denial = "freebie_unavailable"
)

// NextStep is the action offered to the user alongside a denial.
type NextStep string

const (
	NextPurchase        NextStep = "purchase"
	NextSignInOrInstall NextStep = "sign_in_or_install"
	NextRetry           NextStep = "retry"
)

type Request struct {
	Kind     models.Kind
	Class    models.IdentityClass
	UserID   string
	DeviceID string
}

type Decision struct {
	Authorized bool                  `json:"authorized"`
	Path       Path                  `json:"path"`
	Denial     Denial                `json:"denial,omitempty"`
	NextStep   NextStep              `json:"next_step,omitempty"`
	AdViews    int                   `json:"ad_views,omitempty"`
	Balance    *models.CreditBalance `json:"balance,omitempty"`
}

// Debiter is the part of the credit ledger the gate spends from.
type Debiter interface {
	Debit(ctx context.Context, userID string, kind models.Kind) (models.CreditBalance, error)
}

// Gate decides whether a generation may run. An authorized decision has
// consumed exactly one of: a freebie, a ledger credit, or the required ad
// views. A denied decision has consumed nothing.
type Gate struct {
	ledger   Debiter
	freebies *Freebies
	metrics  *metrics.Metrics
}

func NewGate(l Debiter, freebies *Freebies, m *metrics.Metrics) *Gate {
	return &Gate{ledger: l, freebies: freebies, metrics: m}
}

// Authorize evaluates req. ads is only consulted for native app requests;
// when it also implements AdPrompter the user is asked before each ad after
// the first. Errors are returned only for malformed requests.
func (g *Gate) Authorize(ctx context.Context, req Request, ads AdViewer) (Decision, error) {
	if !req.Kind.Valid() {
		return Decision{}, models.ErrInvalidKind
	}

	var (
		d   Decision
		err error
	)
	switch req.Class {
	case models.ClassNativeApp:
		d, err = g.authorizeAds(ctx, req, ads)
	case models.ClassAuthenticatedWeb:
		d, err = g.authorizeLedger(ctx, req)
	case models.ClassAnonymousWeb:
		d, err = g.authorizeFreebie(ctx, req)
	default:
		return Decision{}, ErrUnknownClass
	}
	if err != nil {
		return Decision{}, err
	}
	g.record(req, d)
	return d, nil
}

func (g *Gate) authorizeAds(ctx context.Context, req Request, ads AdViewer) (Decision, error) {
	if ads == nil {
		return Decision{}, ErrAdViewerRequired
	}
	prompter, _ := ads.(AdPrompter)
	required := AdsRequired(req.Kind)

	for watched := 0; watched < required; watched++ {
		if watched > 0 && prompter != nil && !prompter.ContinueAfterAd(ctx, watched, required) {
			return deny(PathAdView, DenyAdCancelled, NextRetry), nil
		}
		earned, err := ads.ShowRewardedAd(ctx)
		if err != nil {
			if !errors.Is(err, ErrAdLoadFailed) {
				log.Warn().Err(err).Str("device_id", req.DeviceID).Msg("rewarded ad errored")
			}
			return deny(PathAdView, DenyAdFailed, NextRetry), nil
		}
		if !earned {
			return deny(PathAdView, DenyAdCancelled, NextRetry), nil
		}
	}
	return Decision{Authorized: true, Path: PathAdView, AdViews: required}, nil
}

func (g *Gate) authorizeLedger(ctx context.Context, req Request) (Decision, error) {
	if req.UserID == "" {
		return Decision{}, ErrUserRequired
	}
	bal, err := g.ledger.Debit(ctx, req.UserID, req.Kind)
	switch {
	case err == nil:
		return Decision{Authorized: true, Path: PathLedger, Balance: &bal}, nil
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return deny(PathLedger, DenyInsufficientCredits, NextPurchase), nil
	default:
		log.Error().Err(err).Str("user_id", req.UserID).Str("kind", string(req.Kind)).Msg("credit debit failed")
		return deny(PathLedger, DenyLedgerUnavailable, NextRetry), nil
	}
}

func (g *Gate) authorizeFreebie(ctx context.Context, req Request) (Decision, error) {
	if req.DeviceID == "" {
		return Decision{}, ErrDeviceRequired
	}
	flipped, err := g.freebies.Use(ctx, req.DeviceID)
	if err != nil {
		log.Error().Err(err).Str("device_id", req.DeviceID).Msg("freebie flag update failed")
		return deny(PathFreebie, DenyFreebieUnavailable, NextRetry), nil
	}
	if !flipped {
		return deny(PathFreebie, DenyFreebieUsed, NextSignInOrInstall), nil
	}
	return Decision{Authorized: true, Path: PathFreebie}, nil
}

func (g *Gate) record(req Request, d Decision) {
	outcome := "authorized"
	if !d.Authorized {
		outcome = string(d.Denial)
	}
	g.metrics.GateDecision(string(req.Class), string(d.Path), outcome)

	event := log.Info()
	if !d.Authorized {
		event = log.Debug()
	}
	event.
		Str("class", string(req.Class)).
		Str("kind", string(req.Kind)).
		Str("user_id", req.UserID).
		Str("path", string(d.Path)).
		Str("outcome", outcome).
		Msg("generation entitlement decided")
}

func deny(path Path, denial Denial, next NextStep) Decision {
	return Decision{Path: path, Denial: denial, NextStep: next}
}
