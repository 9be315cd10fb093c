package entitlement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealcredits/internal/ledger"
	"mealcredits/internal/metrics"
	"mealcredits/internal/models"
)

type scriptedAds struct {
	earned  []bool
	results []error
	proceed bool
	shown   int
	prompts int
}

func (s *scriptedAds) ShowRewardedAd(context.Context) (bool, error) {
	i := s.shown
	s.shown++
	return s.earned[i], s.results[i]
}

func (s *scriptedAds) ContinueAfterAd(context.Context, int, int) bool {
	s.prompts++
	return s.proceed
}

type failingLedger struct{ err error }

func (f failingLedger) Debit(context.Context, string, models.Kind) (models.CreditBalance, error) {
	return models.CreditBalance{}, f.err
}

type failingKV struct{ MemoryKV }

func (f *failingKV) SetIfAbsent(context.Context, string, string) (bool, error) {
	return false, errors.New("disk full")
}

func newGate(t *testing.T) (*Gate, *ledger.MemoryStore, *Freebies) {
	t.Helper()
	store := ledger.NewMemoryStore()
	freebies := NewFreebies(NewMemoryKV())
	return NewGate(store, freebies, metrics.New()), store, freebies
}

func TestAnonymousWebConsumesFreebieWithoutLedger(t *testing.T) {
	ctx := context.Background()
	gate, store, freebies := newGate(t)

	d, err := gate.Authorize(ctx, Request{Kind: models.KindSingle, Class: models.ClassAnonymousWeb, DeviceID: "dev-1"}, nil)
	require.NoError(t, err)
	assert.True(t, d.Authorized)
	assert.Equal(t, PathFreebie, d.Path)

	has, err := freebies.Has(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = store.Get(ctx, "dev-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	d, err = gate.Authorize(ctx, Request{Kind: models.KindSingle, Class: models.ClassAnonymousWeb, DeviceID: "dev-1"}, nil)
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, DenyFreebieUsed, d.Denial)
	assert.Equal(t, NextSignInOrInstall, d.NextStep)
}

func TestAuthenticatedWebWithOneCredit(t *testing.T) {
	ctx := context.Background()
	gate, store, _ := newGate(t)
	_, err := store.Credit(ctx, "u1", models.KindSingle, 1)
	require.NoError(t, err)

	req := Request{Kind: models.KindSingle, Class: models.ClassAuthenticatedWeb, UserID: "u1", DeviceID: "dev-1"}
	d, err := gate.Authorize(ctx, req, nil)
	require.NoError(t, err)
	assert.True(t, d.Authorized)
	assert.Equal(t, PathLedger, d.Path)
	require.NotNil(t, d.Balance)
	assert.Equal(t, 0, d.Balance.Single)

	d, err = gate.Authorize(ctx, req, nil)
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, DenyInsufficientCredits, d.Denial)
	assert.Equal(t, NextPurchase, d.NextStep)
}

func TestAuthenticatedWebWithoutCreditsNeverUsesFreebie(t *testing.T) {
	ctx := context.Background()
	gate, _, freebies := newGate(t)

	d, err := gate.Authorize(ctx, Request{Kind: models.KindSingle, Class: models.ClassAuthenticatedWeb, UserID: "u1", DeviceID: "dev-1"}, nil)
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, DenyInsufficientCredits, d.Denial)

	has, err := freebies.Has(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestLedgerFailureFailsClosed(t *testing.T) {
	gate := NewGate(failingLedger{err: errors.New("unavailable")}, NewFreebies(NewMemoryKV()), nil)

	d, err := gate.Authorize(context.Background(), Request{Kind: models.KindSevenDayPlan, Class: models.ClassAuthenticatedWeb, UserID: "u1"}, nil)
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, DenyLedgerUnavailable, d.Denial)
	assert.Equal(t, NextRetry, d.NextStep)
}

func TestFreebieStoreFailureFailsClosed(t *testing.T) {
	gate := NewGate(ledger.NewMemoryStore(), NewFreebies(&failingKV{MemoryKV: MemoryKV{values: map[string]string{}}}), nil)

	d, err := gate.Authorize(context.Background(), Request{Kind: models.KindSingle, Class: models.ClassAnonymousWeb, DeviceID: "dev-1"}, nil)
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, DenyFreebieUnavailable, d.Denial)
	assert.Equal(t, NextRetry, d.NextStep)
}

func TestNativeSingleNeedsOneAd(t *testing.T) {
	ctx := context.Background()
	gate, store, freebies := newGate(t)
	ads := &scriptedAds{earned: []bool{true}, results: []error{nil}}

	d, err := gate.Authorize(ctx, Request{Kind: models.KindSingle, Class: models.ClassNativeApp, UserID: "u1", DeviceID: "dev-1"}, ads)
	require.NoError(t, err)
	assert.True(t, d.Authorized)
	assert.Equal(t, PathAdView, d.Path)
	assert.Equal(t, 1, d.AdViews)
	assert.Equal(t, 1, ads.shown)
	assert.Equal(t, 0, ads.prompts)

	_, err = store.Get(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	has, err := freebies.Has(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestNativePlanNeedsTwoAdsWithPrompt(t *testing.T) {
	gate, _, _ := newGate(t)
	ads := &scriptedAds{earned: []bool{true, true}, results: []error{nil, nil}, proceed: true}

	d, err := gate.Authorize(context.Background(), Request{Kind: models.KindSevenDayPlan, Class: models.ClassNativeApp}, ads)
	require.NoError(t, err)
	assert.True(t, d.Authorized)
	assert.Equal(t, 2, d.AdViews)
	assert.Equal(t, 2, ads.shown)
	assert.Equal(t, 1, ads.prompts)
}

func TestNativePlanDeclinedAtPrompt(t *testing.T) {
	gate, _, _ := newGate(t)
	ads := &scriptedAds{earned: []bool{true, true}, results: []error{nil, nil}, proceed: false}

	d, err := gate.Authorize(context.Background(), Request{Kind: models.KindSevenDayPlan, Class: models.ClassNativeApp}, ads)
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, DenyAdCancelled, d.Denial)
	assert.Equal(t, 1, ads.shown)
}

func TestNativeAdFailures(t *testing.T) {
	gate, _, _ := newGate(t)

	cancelled := &scriptedAds{earned: []bool{false}, results: []error{nil}}
	d, err := gate.Authorize(context.Background(), Request{Kind: models.KindSingle, Class: models.ClassNativeApp}, cancelled)
	require.NoError(t, err)
	assert.Equal(t, DenyAdCancelled, d.Denial)
	assert.Equal(t, NextRetry, d.NextStep)

	failed := &scriptedAds{earned: []bool{false}, results: []error{ErrAdLoadFailed}}
	d, err = gate.Authorize(context.Background(), Request{Kind: models.KindSingle, Class: models.ClassNativeApp}, failed)
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, DenyAdFailed, d.Denial)
	assert.Equal(t, NextRetry, d.NextStep)
}

func TestNativeWithReplayedOutcomes(t *testing.T) {
	gate, _, _ := newGate(t)

	d, err := gate.Authorize(context.Background(),
		Request{Kind: models.KindSevenDayPlan, Class: models.ClassNativeApp},
		NewReplayAdViewer([]AdOutcome{AdCompleted}))
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, DenyAdCancelled, d.Denial)

	d, err = gate.Authorize(context.Background(),
		Request{Kind: models.KindSevenDayPlan, Class: models.ClassNativeApp},
		NewReplayAdViewer([]AdOutcome{AdCompleted, AdLoadFailed}))
	require.NoError(t, err)
	assert.Equal(t, DenyAdFailed, d.Denial)

	d, err = gate.Authorize(context.Background(),
		Request{Kind: models.KindSevenDayPlan, Class: models.ClassNativeApp},
		NewReplayAdViewer([]AdOutcome{AdCompleted, AdCompleted}))
	require.NoError(t, err)
	assert.True(t, d.Authorized)
}

func TestMalformedRequests(t *testing.T) {
	gate, _, _ := newGate(t)
	ctx := context.Background()

	_, err := gate.Authorize(ctx, Request{Kind: "weekly", Class: models.ClassAnonymousWeb, DeviceID: "d"}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidKind)

	_, err = gate.Authorize(ctx, Request{Kind: models.KindSingle, Class: models.ClassAnonymousWeb}, nil)
	assert.ErrorIs(t, err, ErrDeviceRequired)

	_, err = gate.Authorize(ctx, Request{Kind: models.KindSingle, Class: models.ClassAuthenticatedWeb}, nil)
	assert.ErrorIs(t, err, ErrUserRequired)

	_, err = gate.Authorize(ctx, Request{Kind: models.KindSingle, Class: models.ClassNativeApp}, nil)
	assert.ErrorIs(t, err, ErrAdViewerRequired)

	_, err = gate.Authorize(ctx, Request{Kind: models.KindSingle, Class: "robot"}, nil)
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestClassify(t *testing.T) {
	user := &models.User{ID: "u1"}
	assert.Equal(t, models.ClassNativeApp, Classify(models.PlatformNative, nil))
	assert.Equal(t, models.ClassNativeApp, Classify(models.PlatformNative, user))
	assert.Equal(t, models.ClassAuthenticatedWeb, Classify(models.PlatformWeb, user))
	assert.Equal(t, models.ClassAnonymousWeb, Classify(models.PlatformWeb, nil))
	assert.Equal(t, models.ClassAnonymousWeb, Classify(models.ParsePlatform("desktop"), &models.User{}))
}
