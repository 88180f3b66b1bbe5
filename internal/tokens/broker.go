// -----------------------------------------------------------------------
// OAuth token broker - verification and refresh for stored authorizations
// -----------------------------------------------------------------------

package tokens

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

const verifyTimeout = 15 * time.Second

// Broker verifies and refreshes OAuth access tokens for stored accounts.
// It is the only writer of account token fields.
type Broker struct {
	config   *common.Config
	accounts interfaces.AccountStorage
	logger   arbor.ILogger

	// httpClient is replaceable for tests
	httpClient *http.Client
}

// NewBroker creates a token broker
func NewBroker(config *common.Config, accounts interfaces.AccountStorage, logger arbor.ILogger) *Broker {
	return &Broker{
		config:     config,
		accounts:   accounts,
		logger:     logger,
		httpClient: &http.Client{Timeout: verifyTimeout},
	}
}

// Verify checks an access token against the provider's identity endpoint.
// Any 2xx response means the token is live.
func (b *Broker) Verify(ctx context.Context, providerID, accessToken string) (bool, error) {
	provider, ok := b.config.Provider(providerID)
	if !ok || provider.VerifyURL == "" {
		return false, fmt.Errorf("no verify endpoint for provider %q", providerID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.VerifyURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false, models.NewError(models.ErrKindNetwork, models.SeverityMedium,
			"token verification request failed", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Refresh exchanges the account's refresh token for a new access token and
// persists the result. When the provider omits a rotated refresh token the
// previous one is kept.
func (b *Broker) Refresh(ctx context.Context, account *models.Account) (*models.Account, error) {
	if account.RefreshToken == "" {
		return nil, models.NewError(models.ErrKindAuthentication, models.SeverityHigh,
			fmt.Sprintf("account %s has no refresh token", account.ID), nil)
	}

	provider, ok := b.config.Provider(account.ProviderID)
	if !ok {
		return nil, models.NewError(models.ErrKindConfiguration, models.SeverityHigh,
			fmt.Sprintf("unknown provider %q", account.ProviderID), nil)
	}
	if provider.ClientID == "" {
		return nil, models.NewError(models.ErrKindConfiguration, models.SeverityHigh,
			fmt.Sprintf("provider %q has no OAuth client credentials", account.ProviderID), nil)
	}

	oauthConfig := &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: provider.TokenURL,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	source := oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})

	token, err := source.Token()
	if err != nil {
		return nil, models.NewError(models.ErrKindAuthentication, models.SeverityHigh,
			fmt.Sprintf("token refresh failed for account %s", account.ID), err)
	}

	account.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		account.RefreshToken = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		account.AccessTokenExpiresAt = &expiry
	} else {
		account.AccessTokenExpiresAt = nil
	}

	if err := b.accounts.SaveAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token for account %s: %w", account.ID, err)
	}

	b.logger.Info().
		Str("account_id", account.ID).
		Str("provider_id", account.ProviderID).
		Msg("Access token refreshed")
	return account, nil
}

// EnsureFresh returns an account with a usable access token, refreshing it
// when the stored expiry has passed
func (b *Broker) EnsureFresh(ctx context.Context, account *models.Account) (*models.Account, error) {
	if !account.TokenExpired(time.Now()) {
		return account, nil
	}
	b.logger.Debug().
		Str("account_id", account.ID).
		Msg("Access token expired, refreshing before use")
	return b.Refresh(ctx, account)
}

// HandleRequest services a crawler-originated refresh request. The response
// always carries the request ID so the crawler can correlate it; failures
// are reported in-band rather than as errors.
func (b *Broker) HandleRequest(ctx context.Context, req models.TokenRefreshRequest) models.TokenRefreshResponse {
	resp := models.TokenRefreshResponse{
		RequestID:  req.RequestID,
		ProviderID: req.ProviderID,
	}

	account, err := b.accounts.GetAccount(ctx, req.AccountID)
	if err != nil {
		resp.Error = fmt.Sprintf("failed to load account %s: %v", req.AccountID, err)
		return resp
	}
	if account == nil {
		resp.Error = fmt.Sprintf("no account %s", req.AccountID)
		return resp
	}

	refreshed, err := b.Refresh(ctx, account)
	if err != nil {
		b.logger.Warn().
			Err(err).
			Str("account_id", req.AccountID).
			Str("request_id", req.RequestID).
			Msg("Token refresh request failed")
		resp.Error = err.Error()
		return resp
	}

	resp.Success = true
	resp.AccessToken = refreshed.AccessToken
	resp.RefreshToken = refreshed.RefreshToken
	if refreshed.AccessTokenExpiresAt != nil {
		resp.ExpiresAt = refreshed.AccessTokenExpiresAt.UnixMilli()
	}
	return resp
}
