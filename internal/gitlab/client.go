// -----------------------------------------------------------------------
// GitLab GraphQL client with cursor pagination
// -----------------------------------------------------------------------

package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/colligohq/colligo/internal/models"
)

const (
	// DefaultRequestTimeout covers one GraphQL round trip
	DefaultRequestTimeout = 60 * time.Second

	// DefaultPageThrottle is the minimum spacing between page fetches
	DefaultPageThrottle = 200 * time.Millisecond
)

// ErrUnauthorized marks a 401 from the API. Callers trigger a token refresh
// and retry once.
var ErrUnauthorized = errors.New("gitlab: unauthorized")

// IsUnauthorized reports whether the error chain contains a 401
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// ClientOptions configures the GraphQL client
type ClientOptions struct {
	Endpoint       string
	AccessToken    string
	RequestTimeout time.Duration
	PageThrottle   time.Duration
}

// Client executes GraphQL queries against one GitLab endpoint with a fixed
// bearer token. The token is swappable after a refresh.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     arbor.ILogger
}

// NewClient creates a GraphQL client. The endpoint is the full /api/graphql
// URL; a bare base URL gets the path appended.
func NewClient(opts ClientOptions, logger arbor.ILogger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.PageThrottle <= 0 {
		opts.PageThrottle = DefaultPageThrottle
	}

	endpoint := strings.TrimRight(opts.Endpoint, "/")
	if !strings.HasSuffix(endpoint, "/api/graphql") {
		endpoint += "/api/graphql"
	}

	return &Client{
		endpoint:   endpoint,
		token:      opts.AccessToken,
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Every(opts.PageThrottle), 1),
		logger:     logger,
	}
}

// SetToken replaces the bearer token after a refresh
func (c *Client) SetToken(token string) {
	c.token = token
}

// Endpoint returns the resolved GraphQL URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Execute runs one query and returns the raw data block. Waits on the page
// throttle first so a pagination loop never hammers the API.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.NewError(models.ErrKindNetwork, models.SeverityMedium,
			"graphql request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, models.NewError(models.ErrKindRateLimiting, models.SeverityMedium,
			"rate limited by gitlab", nil)
	case resp.StatusCode != http.StatusOK:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, models.NewError(models.ErrKindNetwork, models.SeverityMedium,
			fmt.Sprintf("graphql request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))), nil)
	}

	var parsed graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode graphql response: %w", err)
	}

	if len(parsed.Errors) > 0 {
		msgs := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, models.NewError(models.ErrKindJobProcessing, models.SeverityMedium,
			"graphql errors: "+strings.Join(msgs, "; "), nil)
	}

	return parsed.Data, nil
}

// FetchPage runs a query definition for one page. An absent connection or
// missing pageInfo yields an exhausted page rather than an error; GitLab
// omits blocks the token cannot see.
func (c *Client) FetchPage(ctx context.Context, def QueryDef, variables map[string]interface{}) (*Page, error) {
	data, err := c.Execute(ctx, def.Query, variables)
	if err != nil {
		return nil, err
	}
	return extractPage(data, def.Path)
}

// extractPage walks the data block along the path and decodes the connection
// at the leaf. Single objects become one-node pages.
func extractPage(data json.RawMessage, path []string) (*Page, error) {
	node := data
	for _, field := range path {
		if len(node) == 0 || string(node) == "null" {
			return &Page{}, nil
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(node, &obj); err != nil {
			return nil, fmt.Errorf("unexpected shape at %q: %w", field, err)
		}
		node = obj[field]
	}

	if len(node) == 0 || string(node) == "null" {
		return &Page{}, nil
	}

	// Bare arrays (branchNames and friends) are a single page of nodes
	if node[0] == '[' {
		var nodes []json.RawMessage
		if err := json.Unmarshal(node, &nodes); err != nil {
			return nil, fmt.Errorf("failed to decode list: %w", err)
		}
		return &Page{Nodes: nodes}, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(node, &probe); err != nil {
		return nil, fmt.Errorf("connection is not an object: %w", err)
	}

	if _, ok := probe["nodes"]; !ok {
		// Single-object query, one record and no further pages
		return &Page{Nodes: []json.RawMessage{node}}, nil
	}

	var page Page
	if err := json.Unmarshal(node, &page); err != nil {
		return nil, fmt.Errorf("failed to decode connection: %w", err)
	}
	if _, ok := probe["pageInfo"]; !ok {
		page.PageInfo = PageInfo{}
	}
	return &page, nil
}
