package badger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

// AccountFile represents an authorization in TOML format
// Format:
// [account_name]
// provider_id = "gitlabCloud"
// user_id = "42"
// access_token = "glpat-xxx"
// refresh_token = "xxx"
// expires_at = "2026-09-01T00:00:00Z"
type AccountFile struct {
	ProviderID   string `toml:"provider_id"`
	UserID       string `toml:"user_id"`
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	ExpiresAt    string `toml:"expires_at"`
}

// LoadAccountsFromFiles loads authorization records from TOML files in the
// given directory. Returns the accounts loaded or updated; a missing
// directory is not an error.
func LoadAccountsFromFiles(ctx context.Context, accountStorage interfaces.AccountStorage, dirPath string, logger arbor.ILogger) ([]*models.Account, error) {
	logger.Debug().Str("dir", dirPath).Msg("Loading accounts from files")

	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		logger.Debug().Str("dir", dirPath).Msg("Credentials directory does not exist, skipping")
		return nil, nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		logger.Warn().Err(err).Str("dir", dirPath).Msg("Failed to read credentials directory")
		return nil, nil // Non-fatal
	}

	var loaded []*models.Account
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		filePath := filepath.Join(dirPath, entry.Name())
		content, err := os.ReadFile(filePath)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read credentials file")
			continue
		}

		var accounts map[string]AccountFile
		if err := toml.Unmarshal(content, &accounts); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse credentials file")
			continue
		}

		for name, af := range accounts {
			if af.AccessToken == "" || af.ProviderID == "" {
				logger.Warn().
					Str("file", entry.Name()).
					Str("account", name).
					Msg("Skipping account without provider_id or access_token")
				continue
			}

			account := &models.Account{
				ID:           name,
				ProviderID:   af.ProviderID,
				UserID:       af.UserID,
				AccessToken:  af.AccessToken,
				RefreshToken: af.RefreshToken,
			}
			if af.ExpiresAt != "" {
				if t, err := time.Parse(time.RFC3339, af.ExpiresAt); err == nil {
					account.AccessTokenExpiresAt = &t
				}
			}

			if err := accountStorage.SaveAccount(ctx, account); err != nil {
				logger.Warn().Err(err).Str("account", name).Msg("Failed to save account")
				continue
			}
			loaded = append(loaded, account)
		}
	}

	if len(loaded) > 0 {
		logger.Info().Int("count", len(loaded)).Msg("Accounts loaded from credential files")
	}
	return loaded, nil
}
