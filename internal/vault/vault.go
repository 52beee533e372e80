package vault

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/opspilot/sync-infra/internal/auth"
	"github.com/opspilot/sync-infra/internal/store"
)

// RefreshBuffer is how close to expiry a token is still handed out
// without a refresh attempt.
const RefreshBuffer = 5 * time.Minute

// TokenResponse is the result of an authorization handshake or a
// refresh exchange, as handed to Store.
type TokenResponse struct {
	AccessToken       string
	RefreshToken      string
	Expiry            *time.Time
	Scope             string
	ExternalAccountID string
}

// Vault owns encrypted storage and lifecycle of OAuth token pairs per
// (account, provider). Its core operation is producing a currently
// usable access token, refreshing transparently near expiry.
type Vault struct {
	store  *store.Store
	cipher *Cipher
	oauth  map[string]*oauth2.Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Vault. oauthConfigs maps provider names to the client
// configuration used for refresh-token exchanges.
func New(st *store.Store, cipher *Cipher, oauthConfigs map[string]*oauth2.Config, logger *zap.Logger) *Vault {
	return &Vault{
		store:  st,
		cipher: cipher,
		oauth:  oauthConfigs,
		logger: logger,
		now:    time.Now,
	}
}

// GetValidToken returns a usable access token for (account, provider),
// or nil when the account has no active connection. A nil token is
// "not connected", not an error.
//
// A token expiring within RefreshBuffer is refreshed when a refresh
// token exists. If the refresh exchange fails the stored token is
// returned as-is: a stale token fails downstream with an auth error the
// next scheduled attempt recovers from, whereas failing here would
// block every caller of this credential.
func (v *Vault) GetValidToken(ctx context.Context, accountID, provider string) (*auth.Token, error) {
	rec, err := v.store.GetCredential(ctx, accountID, provider)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.Active {
		return nil, nil
	}

	access, err := v.cipher.Decrypt(KeyClassToken, rec.AccessCipher)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}

	var refresh string
	if rec.RefreshCipher != "" {
		refresh, err = v.cipher.Decrypt(KeyClassToken, rec.RefreshCipher)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}

	tok := &auth.Token{AccessToken: access, RefreshToken: refresh}
	if rec.Expiry != nil {
		tok.Expiry = *rec.Expiry
	}

	// A token with no recorded expiry is only untrusted when the
	// provider rotates tokens at all, i.e. a refresh token exists.
	expiringSoon := false
	if rec.Expiry != nil {
		expiringSoon = rec.Expiry.Sub(v.now()) < RefreshBuffer
	} else if refresh != "" {
		expiringSoon = true
	}

	if !expiringSoon || refresh == "" {
		return tok, nil
	}

	newTok, err := v.refresh(ctx, provider, refresh)
	if err != nil {
		v.logger.Warn("token refresh failed, falling back to stored access token",
			zap.String("account_id", accountID),
			zap.String("provider", provider),
			zap.Error(err))
		return tok, nil
	}

	if err := v.persistRefreshed(ctx, accountID, provider, refresh, newTok); err != nil {
		return nil, err
	}

	out := &auth.Token{
		AccessToken:  newTok.AccessToken,
		RefreshToken: refresh,
		Expiry:       newTok.Expiry,
	}
	if newTok.RefreshToken != "" {
		out.RefreshToken = newTok.RefreshToken
	}
	return out, nil
}

func (v *Vault) refresh(ctx context.Context, provider, refreshToken string) (*oauth2.Token, error) {
	cfg, ok := v.oauth[provider]
	if !ok {
		return nil, fmt.Errorf("no oauth client configured for provider %q", provider)
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token endpoint exchange: %w", err)
	}
	return tok, nil
}

func (v *Vault) persistRefreshed(ctx context.Context, accountID, provider, oldRefresh string, tok *oauth2.Token) error {
	accessCipher, err := v.cipher.Encrypt(KeyClassToken, tok.AccessToken)
	if err != nil {
		return err
	}

	// Providers may rotate the refresh token on exchange; keep the old
	// one when none is returned.
	refresh := oldRefresh
	if tok.RefreshToken != "" {
		refresh = tok.RefreshToken
	}
	refreshCipher, err := v.cipher.Encrypt(KeyClassToken, refresh)
	if err != nil {
		return err
	}

	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		expiry = &e
	}

	if err := v.store.UpdateTokens(ctx, accountID, provider, accessCipher, refreshCipher, expiry); err != nil {
		return err
	}

	v.logger.Info("refreshed provider token",
		zap.String("account_id", accountID),
		zap.String("provider", provider))
	return nil
}

// Store encrypts and persists a token pair from an authorization
// handshake, activating the credential record.
func (v *Vault) Store(ctx context.Context, accountID, provider string, tr TokenResponse) error {
	if tr.AccessToken == "" {
		return fmt.Errorf("empty access token")
	}

	accessCipher, err := v.cipher.Encrypt(KeyClassToken, tr.AccessToken)
	if err != nil {
		return err
	}

	var refreshCipher string
	if tr.RefreshToken != "" {
		refreshCipher, err = v.cipher.Encrypt(KeyClassToken, tr.RefreshToken)
		if err != nil {
			return err
		}
	}

	return v.store.UpsertCredential(ctx, &store.Credential{
		AccountID:         accountID,
		Provider:          provider,
		AccessCipher:      accessCipher,
		RefreshCipher:     refreshCipher,
		Expiry:            tr.Expiry,
		Scope:             tr.Scope,
		ExternalAccountID: tr.ExternalAccountID,
	})
}

// Disconnect clears token material and deactivates the credential.
// The record itself is kept, as is the run history; cursors go because
// they are worthless without a live credential.
func (v *Vault) Disconnect(ctx context.Context, accountID, provider string) error {
	if err := v.store.DeactivateCredential(ctx, accountID, provider); err != nil {
		return err
	}
	if err := v.store.ClearCursors(ctx, accountID, provider); err != nil {
		return err
	}

	v.logger.Info("disconnected provider",
		zap.String("account_id", accountID),
		zap.String("provider", provider))
	return nil
}

// Connected reports whether (account, provider) has an active
// credential record.
func (v *Vault) Connected(ctx context.Context, accountID, provider string) (bool, error) {
	rec, err := v.store.GetCredential(ctx, accountID, provider)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Active, nil
}
