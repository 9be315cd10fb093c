package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"mealcredits/internal/config"
	"mealcredits/internal/entitlement"
	"mealcredits/internal/ledger"
	"mealcredits/internal/metrics"
	"mealcredits/internal/models"
	"mealcredits/internal/payments"
)

func newTestService(t *testing.T) (*Service, *ledger.MemoryStore) {
	t.Helper()
	prices, err := config.BuildPriceCatalog(config.PriceSettings{
		SinglePackPriceID: "SINGLE_PACK",
		SinglePackCredits: 5,
		PlanPackPriceID:   "PLAN_PACK",
		PlanPackCredits:   1,
	})
	require.NoError(t, err)
	cfg := config.Config{
		AllowedOrigins:      []string{"*", "https://a"},
		StripeSecretKey:     "sk_test",
		StripeWebhookSecret: "whsec_test",
		SignupSingleCredits: 1,
		SignupPlanCredits:   1,
		Prices:              prices,
	}
	m := metrics.New()
	store := ledger.NewMemoryStore()
	return New(cfg, ledger.Instrument(store, m), entitlement.NewMemoryKV(), m), store
}

func TestEnsureCreditsSeedsOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	user := models.User{ID: "u1"}

	bal, created, err := svc.EnsureCredits(ctx, user)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, bal.Single)
	assert.Equal(t, 1, bal.SevenDayPlan)

	_, err = svc.AuthorizeGeneration(ctx, GenerationRequest{Kind: "single", User: &user})
	require.NoError(t, err)

	bal, created, err = svc.EnsureCredits(ctx, user)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, bal.Single, "ensure must not re-seed a spent balance")

	_, _, err = svc.EnsureCredits(ctx, models.User{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGetCreditsMissingUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetCredits(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizeGenerationClassifiesCaller(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	d, err := svc.AuthorizeGeneration(ctx, GenerationRequest{Kind: "single", DeviceID: " d1 "})
	require.NoError(t, err)
	assert.Equal(t, entitlement.PathFreebie, d.Path)

	has, err := svc.HasFreebie(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, has)

	d, err = svc.AuthorizeGeneration(ctx, GenerationRequest{
		Kind:       "sevenDayPlan",
		Platform:   models.PlatformNative,
		DeviceID:   "d1",
		AdOutcomes: []string{"completed", "load_failed"},
	})
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Equal(t, entitlement.DenyAdFailed, d.Denial)

	_, err = svc.AuthorizeGeneration(ctx, GenerationRequest{Kind: "single", Platform: models.PlatformNative, AdOutcomes: []string{"skipped"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.AuthorizeGeneration(ctx, GenerationRequest{Kind: "brunch", DeviceID: "d1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFreebieResetRequiresDevice(t *testing.T) {
	svc, _ := newTestService(t)
	assert.ErrorIs(t, svc.ResetFreebie(context.Background(), ""), ErrInvalidRequest)
	_, err := svc.HasFreebie(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGrantCreditsAndHistory(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	bal, err := svc.GrantCredits(ctx, "u1", "7-day-plan", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, bal.SevenDayPlan)

	_, err = svc.GrantCredits(ctx, "u1", "7-day-plan", -1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.GrantCredits(ctx, "u1", "soup", 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.GrantCredits(ctx, " ", "single", 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	entries, err := svc.CreditHistory(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Delta)
}

func TestCreateCheckoutRequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	svc.WithSessionCreator(func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
	})

	_, err := svc.CreateCheckout(context.Background(), models.User{}, "SINGLE_PACK", "https://a/ok", "https://a/no")
	assert.ErrorIs(t, err, ErrUnauthorized)

	sess, err := svc.CreateCheckout(context.Background(), models.User{ID: "u1"}, "SINGLE_PACK", "https://a/ok", "https://a/no")
	require.NoError(t, err)
	assert.Equal(t, "cs_1", sess.SessionID)
}

func TestCreateCheckoutRejectsForeignRedirects(t *testing.T) {
	svc, _ := newTestService(t)
	svc.WithSessionCreator(func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		t.Fatal("checkout must not reach the payment provider")
		return nil, nil
	})
	user := models.User{ID: "u1"}

	for _, tc := range []struct{ success, cancel string }{
		{"https://evil.test/ok", "https://a/no"},
		{"https://a/ok", "https://evil.test/no"},
		{"//evil.test/ok", "https://a/no"},
		{"javascript:alert(1)", "https://a/no"},
		{"https://a.evil.test/ok", "https://a/no"},
	} {
		_, err := svc.CreateCheckout(context.Background(), user, "SINGLE_PACK", tc.success, tc.cancel)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%s / %s", tc.success, tc.cancel)
	}
}

func TestSettleWebhookNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	updates := make(chan models.CreditBalance, 4)
	unsubscribe := svc.SubscribeCredits("u1", func(b models.CreditBalance) { updates <- b })
	defer unsubscribe()

	body, err := json.Marshal(map[string]any{
		"id":     "evt_1",
		"object": "event",
		"type":   payments.EventPaymentIntentSucceeded,
		"data": map[string]any{"object": map[string]any{
			"id":       "pi_1",
			"object":   "payment_intent",
			"metadata": map[string]string{"userId": "u1", "priceId": "PLAN_PACK"},
		}},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	outcome, err := svc.SettleWebhook(ctx, signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeApplied, outcome)

	select {
	case b := <-updates:
		assert.Equal(t, 1, b.SevenDayPlan)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not notified")
	}

	outcome, err = svc.SettleWebhook(ctx, signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeDuplicate, outcome)
}
