// -----------------------------------------------------------------------
// Task provisioner - hydrates jobs into self-contained task descriptors
// -----------------------------------------------------------------------

package provisioner

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
	"github.com/colligohq/colligo/internal/tokens"
)

// Validation failure messages recorded on jobs that cannot be provisioned.
// These surface in admin status output, keep them stable.
const (
	MsgMissingAccount     = "Missing account data"
	MsgMissingAccessToken = "Missing access token"
	MsgMissingGitLabURL   = "Missing or invalid GitLab URL configuration"
	MsgMissingOAuthClient = "Missing OAuth client credentials"
)

// Provisioner turns a claimed job into a StartJobPayload task descriptor.
// The descriptor is self-contained: credentials, endpoint, data types and
// the resume checkpoint all travel with it, so the crawler needs no access
// to the store.
type Provisioner struct {
	config   *common.Config
	accounts interfaces.AccountStorage
	areas    interfaces.AreaStorage
	broker   *tokens.Broker
	logger   arbor.ILogger
}

// New creates a provisioner
func New(config *common.Config, storage interfaces.StorageManager, broker *tokens.Broker, logger arbor.ILogger) *Provisioner {
	return &Provisioner{
		config:   config,
		accounts: storage.AccountStorage(),
		areas:    storage.AreaStorage(),
		broker:   broker,
		logger:   logger,
	}
}

// Validate checks a job's prerequisites without building the descriptor.
// Used as the claim validator so broken jobs fail at claim time with a
// stable message instead of being dispatched.
func (p *Provisioner) Validate(ctx context.Context) interfaces.JobValidator {
	return func(job *models.Job) error {
		account, err := p.accounts.GetAccount(ctx, job.AccountID)
		if err != nil || account == nil {
			return models.NewError(models.ErrKindConfiguration, models.SeverityHigh, MsgMissingAccount, err)
		}
		if account.AccessToken == "" {
			return models.NewError(models.ErrKindAuthentication, models.SeverityHigh, MsgMissingAccessToken, nil)
		}
		if _, err := p.resolveBaseURL(job, account); err != nil {
			return err
		}
		if _, err := p.resolveOAuthClient(account.ProviderID); err != nil {
			return err
		}
		if _, err := models.SpecForCommand(job.Command); err != nil {
			return models.NewError(models.ErrKindConfiguration, models.SeverityHigh, err.Error(), nil)
		}
		return nil
	}
}

// BuildTask hydrates a claimed job into a task descriptor. The access token
// is refreshed first when its stored expiry has passed.
func (p *Provisioner) BuildTask(ctx context.Context, job *models.Job) (*models.StartJobPayload, error) {
	account, err := p.accounts.GetAccount(ctx, job.AccountID)
	if err != nil || account == nil {
		return nil, models.NewError(models.ErrKindConfiguration, models.SeverityHigh, MsgMissingAccount, err)
	}

	account, err = p.broker.EnsureFresh(ctx, account)
	if err != nil {
		return nil, err
	}
	if account.AccessToken == "" {
		return nil, models.NewError(models.ErrKindAuthentication, models.SeverityHigh, MsgMissingAccessToken, nil)
	}

	baseURL, err := p.resolveBaseURL(job, account)
	if err != nil {
		return nil, err
	}

	oauthClient, err := p.resolveOAuthClient(account.ProviderID)
	if err != nil {
		return nil, err
	}

	spec, err := models.SpecForCommand(job.Command)
	if err != nil {
		return nil, models.NewError(models.ErrKindConfiguration, models.SeverityHigh, err.Error(), nil)
	}

	task := &models.StartJobPayload{
		TaskID:       job.ID,
		Command:      job.Command,
		FullPath:     job.FullPath,
		GitLabAPIURL: baseURL,
		Credentials: models.TaskCredentials{
			AccessToken:  account.AccessToken,
			RefreshToken: account.RefreshToken,
			TokenType:    "oauth2",
			ClientID:     oauthClient.ClientID,
			ClientSecret: oauthClient.ClientSecret,
		},
		ResourceType: spec.ResourceType,
		ResourceID:   p.resolveResourceID(ctx, job),
		DataTypes:    spec.DataTypes,
		OutputConfig: models.TaskOutputConfig{
			StorageType: p.config.Output.StorageType,
			BasePath:    p.config.Output.BasePath,
			Format:      p.config.Output.Format,
		},
		CustomParameters: models.TaskCustomParameters{
			Branch:      job.Branch,
			From:        job.From,
			To:          job.To,
			ResumeState: p.resumeState(job),
		},
		ProviderID: account.ProviderID,
		AccountID:  account.ID,
		UserID:     account.UserID,
	}
	return task, nil
}

// resolveBaseURL prefers the job's stored GraphQL URL origin, then the
// provider's configured base URL
func (p *Provisioner) resolveBaseURL(job *models.Job, account *models.Account) (string, error) {
	if job.GitLabGraphQLURL != "" {
		u, err := url.Parse(job.GitLabGraphQLURL)
		if err == nil && u.Scheme != "" && u.Host != "" {
			return u.Scheme + "://" + u.Host, nil
		}
		p.logger.Warn().
			Str("job_id", job.ID).
			Str("url", job.GitLabGraphQLURL).
			Msg("Job carries an unparseable GitLab URL, falling back to provider")
	}

	provider, ok := p.config.Provider(account.ProviderID)
	if ok && provider.BaseURL != "" {
		return strings.TrimRight(provider.BaseURL, "/"), nil
	}
	return "", models.NewError(models.ErrKindConfiguration, models.SeverityHigh, MsgMissingGitLabURL, nil)
}

func (p *Provisioner) resolveOAuthClient(providerID string) (common.OAuthProviderConfig, error) {
	provider, ok := p.config.Provider(providerID)
	if !ok || provider.ClientID == "" {
		return common.OAuthProviderConfig{}, models.NewError(
			models.ErrKindConfiguration, models.SeverityHigh, MsgMissingOAuthClient, nil)
	}
	return provider, nil
}

// resolveResourceID looks up the area's GitLab ID, falling back to the full
// path. Discovered areas may predate their ID being known.
func (p *Provisioner) resolveResourceID(ctx context.Context, job *models.Job) string {
	if job.FullPath == "" {
		return ""
	}
	area, err := p.areas.GetArea(ctx, job.FullPath)
	if err == nil && area != nil && area.GitLabID != "" {
		return area.GitLabID
	}
	return job.FullPath
}

func (p *Provisioner) resumeState(job *models.Job) json.RawMessage {
	if !job.HasResumeState() {
		return nil
	}
	return job.ResumeState
}
