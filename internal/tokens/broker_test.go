package tokens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/models"
)

// memoryAccounts is an in-memory AccountStorage for broker tests
type memoryAccounts struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
}

func newMemoryAccounts() *memoryAccounts {
	return &memoryAccounts{accounts: make(map[string]*models.Account)}
}

func (m *memoryAccounts) SaveAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *account
	m.accounts[account.ID] = &copied
	return nil
}

func (m *memoryAccounts) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[accountID]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryAccounts) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func brokerFixture(t *testing.T, tokenURL, verifyURL string) (*Broker, *memoryAccounts) {
	t.Helper()
	config := common.DefaultConfig()
	config.Auth.Providers["gitlab"] = common.OAuthProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     tokenURL,
		VerifyURL:    verifyURL,
	}
	accounts := newMemoryAccounts()
	return NewBroker(config, accounts, arbor.NewLogger()), accounts
}

func TestBroker_Refresh(t *testing.T) {
	var gotRefreshToken string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotRefreshToken = r.FormValue("refresh_token")
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer ts.Close()

	broker, accounts := brokerFixture(t, ts.URL, "")
	account := &models.Account{
		ID:           "acct-1",
		ProviderID:   "gitlab",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
	}
	require.NoError(t, accounts.SaveAccount(context.Background(), account))

	refreshed, err := broker.Refresh(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", gotRefreshToken)
	assert.Equal(t, "new-access", refreshed.AccessToken)
	assert.Equal(t, "new-refresh", refreshed.RefreshToken)
	require.NotNil(t, refreshed.AccessTokenExpiresAt)
	assert.True(t, refreshed.AccessTokenExpiresAt.After(time.Now()))

	// The refreshed token was persisted
	stored, err := accounts.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.AccessToken)
}

func TestBroker_RefreshKeepsOldRefreshToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Provider omits the rotated refresh token
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"token_type":   "Bearer",
		})
	}))
	defer ts.Close()

	broker, _ := brokerFixture(t, ts.URL, "")
	account := &models.Account{
		ID:           "acct-1",
		ProviderID:   "gitlab",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
	}

	refreshed, err := broker.Refresh(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "new-access", refreshed.AccessToken)
	assert.Equal(t, "old-refresh", refreshed.RefreshToken, "missing rotation keeps the old refresh token")
}

func TestBroker_RefreshWithoutRefreshToken(t *testing.T) {
	broker, _ := brokerFixture(t, "http://unused", "")
	_, err := broker.Refresh(context.Background(), &models.Account{
		ID:         "acct-1",
		ProviderID: "gitlab",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no refresh token")
}

func TestBroker_Verify(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer good-token" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	broker, _ := brokerFixture(t, "", ts.URL)

	ok, err := broker.Verify(context.Background(), "gitlab", "good-token")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = broker.Verify(context.Background(), "gitlab", "bad-token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBroker_HandleRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"token_type":   "Bearer",
			"expires_in":   7200,
		})
	}))
	defer ts.Close()

	broker, accounts := brokerFixture(t, ts.URL, "")
	require.NoError(t, accounts.SaveAccount(context.Background(), &models.Account{
		ID:           "acct-1",
		ProviderID:   "gitlab",
		AccessToken:  "old",
		RefreshToken: "refresh",
	}))

	resp := broker.HandleRequest(context.Background(), models.TokenRefreshRequest{
		RequestID:  "req-1",
		ProviderID: "gitlab",
		AccountID:  "acct-1",
	})
	assert.True(t, resp.Success)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "new-access", resp.AccessToken)
	assert.NotZero(t, resp.ExpiresAt)
}

func TestBroker_HandleRequestUnknownAccount(t *testing.T) {
	broker, _ := brokerFixture(t, "http://unused", "")
	resp := broker.HandleRequest(context.Background(), models.TokenRefreshRequest{
		RequestID: "req-2",
		AccountID: "ghost",
	})
	assert.False(t, resp.Success)
	assert.Equal(t, "req-2", resp.RequestID, "failures still correlate")
	assert.NotEmpty(t, resp.Error)
}

func TestBroker_EnsureFresh(t *testing.T) {
	broker, _ := brokerFixture(t, "http://unused", "")

	// Unexpired token passes through without touching the network
	future := time.Now().Add(time.Hour)
	account := &models.Account{
		ID:                   "acct-1",
		ProviderID:           "gitlab",
		AccessToken:          "live",
		AccessTokenExpiresAt: &future,
	}
	got, err := broker.EnsureFresh(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "live", got.AccessToken)
}
