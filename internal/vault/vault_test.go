package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/opspilot/sync-infra/internal/store"
)

type vaultFixture struct {
	vault        *Vault
	store        *store.Store
	refreshCalls *atomic.Int64
}

// newFixture builds a vault against a temp control store and a local
// token endpoint. The endpoint answers with a fresh token, or 500 when
// failRefresh is set.
func newFixture(t *testing.T, failRefresh bool) *vaultFixture {
	t.Helper()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failRefresh {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "refreshed-access",
			"refresh_token": "rotated-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "control.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cipher, err := NewCipher(strings.Repeat("ab", 32), strings.Repeat("cd", 32))
	require.NoError(t, err)

	v := New(st, cipher, map[string]*oauth2.Config{
		"gmail": {
			ClientID:     "client",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{TokenURL: srv.URL},
		},
	}, zap.NewNop())

	return &vaultFixture{vault: v, store: st, refreshCalls: &calls}
}

func storeToken(t *testing.T, f *vaultFixture, access, refresh string, expiresIn time.Duration) {
	t.Helper()
	tr := TokenResponse{AccessToken: access, RefreshToken: refresh}
	if expiresIn != 0 {
		e := time.Now().Add(expiresIn)
		tr.Expiry = &e
	}
	require.NoError(t, f.vault.Store(context.Background(), "acct-1", "gmail", tr))
}

func TestGetValidTokenAbsentRecord(t *testing.T) {
	f := newFixture(t, false)

	tok, err := f.vault.GetValidToken(context.Background(), "acct-1", "gmail")
	require.NoError(t, err)
	assert.Nil(t, tok, "missing credential is not-connected, not an error")
}

func TestGetValidTokenInactiveRecord(t *testing.T) {
	f := newFixture(t, false)
	storeToken(t, f, "access", "refresh", time.Hour)

	require.NoError(t, f.vault.Disconnect(context.Background(), "acct-1", "gmail"))

	tok, err := f.vault.GetValidToken(context.Background(), "acct-1", "gmail")
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestNoRefreshOutsideBuffer(t *testing.T) {
	f := newFixture(t, false)
	storeToken(t, f, "access", "refresh", 10*time.Minute)

	tok, err := f.vault.GetValidToken(context.Background(), "acct-1", "gmail")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "access", tok.AccessToken)
	assert.EqualValues(t, 0, f.refreshCalls.Load(), "a token 10 minutes from expiry must not refresh")
}

func TestRefreshInsideBuffer(t *testing.T) {
	f := newFixture(t, false)
	storeToken(t, f, "stale-access", "refresh", 4*time.Minute)

	tok, err := f.vault.GetValidToken(context.Background(), "acct-1", "gmail")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "refreshed-access", tok.AccessToken)
	assert.EqualValues(t, 1, f.refreshCalls.Load())

	// Rotated pair must be persisted: a second call finds an unexpired
	// token and skips the endpoint.
	tok, err = f.vault.GetValidToken(context.Background(), "acct-1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", tok.AccessToken)
	assert.Equal(t, "rotated-refresh", tok.RefreshToken)
	assert.EqualValues(t, 1, f.refreshCalls.Load())
}

func TestStaleFallbackOnRefreshFailure(t *testing.T) {
	f := newFixture(t, true)
	storeToken(t, f, "stale-access", "refresh", 4*time.Minute)

	tok, err := f.vault.GetValidToken(context.Background(), "acct-1", "gmail")
	require.NoError(t, err, "refresh failure must not fail the caller")
	require.NotNil(t, tok)
	assert.Equal(t, "stale-access", tok.AccessToken)
	assert.EqualValues(t, 1, f.refreshCalls.Load())
}

func TestNoExpiryNoRefreshTokenReturnedAsIs(t *testing.T) {
	f := newFixture(t, false)
	storeToken(t, f, "static-access", "", 0)

	tok, err := f.vault.GetValidToken(context.Background(), "acct-1", "gmail")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "static-access", tok.AccessToken)
	assert.EqualValues(t, 0, f.refreshCalls.Load())
}

func TestNoExpiryWithRefreshTokenTriggersRefresh(t *testing.T) {
	f := newFixture(t, false)
	storeToken(t, f, "untrusted-access", "refresh", 0)

	tok, err := f.vault.GetValidToken(context.Background(), "acct-1", "gmail")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "refreshed-access", tok.AccessToken)
	assert.EqualValues(t, 1, f.refreshCalls.Load())
}

func TestTokensEncryptedAtRest(t *testing.T) {
	f := newFixture(t, false)
	storeToken(t, f, "plaintext-access", "plaintext-refresh", time.Hour)

	rec, err := f.store.GetCredential(context.Background(), "acct-1", "gmail")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.NotContains(t, rec.AccessCipher, "plaintext-access")
	assert.NotContains(t, rec.RefreshCipher, "plaintext-refresh")
	assert.Len(t, strings.Split(rec.AccessCipher, ":"), 4)
}

func TestDisconnectClearsTokensAndCursors(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	storeToken(t, f, "access", "refresh", time.Hour)
	require.NoError(t, f.store.SaveCursor(ctx, "acct-1", "gmail", "primary", "cursor-1"))

	require.NoError(t, f.vault.Disconnect(ctx, "acct-1", "gmail"))

	rec, err := f.store.GetCredential(ctx, "acct-1", "gmail")
	require.NoError(t, err)
	require.NotNil(t, rec, "record is kept for audit, only deactivated")
	assert.False(t, rec.Active)
	assert.Empty(t, rec.AccessCipher)
	assert.Empty(t, rec.RefreshCipher)

	cursor, err := f.store.LoadCursor(ctx, "acct-1", "gmail", "primary")
	require.NoError(t, err)
	assert.Empty(t, cursor)
}

func TestReconnectReactivates(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	storeToken(t, f, "access", "refresh", time.Hour)
	require.NoError(t, f.vault.Disconnect(ctx, "acct-1", "gmail"))

	storeToken(t, f, "new-access", "new-refresh", time.Hour)

	tok, err := f.vault.GetValidToken(ctx, "acct-1", "gmail")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "new-access", tok.AccessToken)
}
