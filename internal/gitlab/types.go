package gitlab

import "encoding/json"

// PageInfo is the Relay-style cursor block on every GitLab connection
type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// Page is one page of a connection walk. Single-object queries produce a
// one-node page with HasNextPage false.
type Page struct {
	Nodes    []json.RawMessage `json:"nodes"`
	PageInfo PageInfo          `json:"pageInfo"`
	Count    int               `json:"count"`
}

// graphQLRequest is the POST body for the GraphQL endpoint
type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// graphQLError is one entry of a GraphQL-level errors array
type graphQLError struct {
	Message string `json:"message"`
}

// graphQLResponse is the standard GraphQL response envelope
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}
