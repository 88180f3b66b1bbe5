package models

import "time"

// Account is a persistent OAuth authorization used to derive credentials
// for jobs. Read-only input to the core except for token refresh.
type Account struct {
	ID                   string     `json:"id" badgerhold:"key"`
	ProviderID           string     `json:"provider_id" badgerhold:"index"`
	UserID               string     `json:"user_id"`
	AccessToken          string     `json:"access_token"`
	RefreshToken         string     `json:"refresh_token,omitempty"`
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TokenExpired reports whether the access token is known to be expired.
// Accounts without an expiry are assumed valid until proven otherwise.
func (a *Account) TokenExpired(now time.Time) bool {
	return a.AccessTokenExpiresAt != nil && now.After(*a.AccessTokenExpiresAt)
}
