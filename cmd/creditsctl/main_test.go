package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealcredits/internal/auth"
	"mealcredits/internal/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("FREEBIE_DB_PATH", filepath.Join(t.TempDir(), "freebies.db"))
	t.Setenv("JWT_SECRET_KEY", "cli-secret")
	t.Setenv("STRIPE_PRICE_SINGLE_PACK", "price_single")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	out, err := run(t, "token", "u1", "--email", "cook@example.com")
	require.NoError(t, err)

	user, err := auth.NewJWTAuthenticator("cli-secret").Authenticate(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "cook@example.com", user.Email)
}

func TestPricesCommand(t *testing.T) {
	out, err := run(t, "prices")
	require.NoError(t, err)

	var prices []models.PriceGrant
	require.NoError(t, json.Unmarshal([]byte(out), &prices))
	require.Len(t, prices, 1)
	assert.Equal(t, "price_single", prices[0].PriceID)
}

func TestGrantCommand(t *testing.T) {
	out, err := run(t, "grant", "u1", "--kind", "7-day-plan", "--amount", "2")
	require.NoError(t, err)

	var bal models.CreditBalance
	require.NoError(t, json.Unmarshal([]byte(out), &bal))
	assert.Equal(t, 2, bal.SevenDayPlan)

	_, err = run(t, "grant", "u1", "--kind", "soup", "--amount", "2")
	assert.Error(t, err)
}

func TestFreebieResetRequiresArg(t *testing.T) {
	_, err := run(t, "freebie", "reset")
	assert.Error(t, err)

	out, err := run(t, "freebie", "reset", "device-1")
	require.NoError(t, err)
	assert.Contains(t, out, "device-1")
}
