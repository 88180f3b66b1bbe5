package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(ClientOptions{
		Endpoint:     ts.URL,
		AccessToken:  "test-token",
		PageThrottle: time.Millisecond,
	}, arbor.NewLogger())
}

func TestNewClient_EndpointPath(t *testing.T) {
	c := NewClient(ClientOptions{Endpoint: "https://gitlab.example.com"}, arbor.NewLogger())
	assert.Equal(t, "https://gitlab.example.com/api/graphql", c.Endpoint())

	c = NewClient(ClientOptions{Endpoint: "https://gitlab.example.com/api/graphql"}, arbor.NewLogger())
	assert.Equal(t, "https://gitlab.example.com/api/graphql", c.Endpoint())

	c = NewClient(ClientOptions{Endpoint: "https://gitlab.example.com/"}, arbor.NewLogger())
	assert.Equal(t, "https://gitlab.example.com/api/graphql", c.Endpoint())
}

func TestClient_FetchPagePagination(t *testing.T) {
	var calls int
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		calls++
		after, _ := req.Variables["after"].(string)
		var body string
		if after == "" {
			body = `{"data":{"project":{"issues":{
				"nodes":[{"iid":"1"},{"iid":"2"}],
				"pageInfo":{"hasNextPage":true,"endCursor":"cur-1"},
				"count":3}}}}`
		} else {
			assert.Equal(t, "cur-1", after)
			body = `{"data":{"project":{"issues":{
				"nodes":[{"iid":"3"}],
				"pageInfo":{"hasNextPage":false,"endCursor":""},
				"count":3}}}}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})

	def := QueryDef{Query: "query {}", Path: []string{"project", "issues"}}

	page, err := c.FetchPage(context.Background(), def, map[string]interface{}{"after": ""})
	require.NoError(t, err)
	assert.Len(t, page.Nodes, 2)
	assert.True(t, page.PageInfo.HasNextPage)
	assert.Equal(t, "cur-1", page.PageInfo.EndCursor)
	assert.Equal(t, 3, page.Count)

	page, err = c.FetchPage(context.Background(), def, map[string]interface{}{"after": "cur-1"})
	require.NoError(t, err)
	assert.Len(t, page.Nodes, 1)
	assert.False(t, page.PageInfo.HasNextPage)
	assert.Equal(t, 2, calls)
}

func TestClient_Unauthorized(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Execute(context.Background(), "query {}", nil)
	assert.True(t, IsUnauthorized(err))
}

func TestClient_GraphQLErrors(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"errors":[{"message":"Field 'bogus' doesn't exist"},{"message":"access denied"}]}`)
	})

	_, err := c.Execute(context.Background(), "query {}", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Field 'bogus' doesn't exist")
	assert.Contains(t, err.Error(), "access denied")
}

func TestClient_SetToken(t *testing.T) {
	var gotAuth string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{}}`)
	})

	c.SetToken("rotated")
	_, err := c.Execute(context.Background(), "query {}", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer rotated", gotAuth)
}

func TestExtractPage_Shapes(t *testing.T) {
	t.Run("null connection is exhausted", func(t *testing.T) {
		page, err := extractPage(json.RawMessage(`{"project":null}`), []string{"project", "issues"})
		require.NoError(t, err)
		assert.Empty(t, page.Nodes)
		assert.False(t, page.PageInfo.HasNextPage)
	})

	t.Run("missing field is exhausted", func(t *testing.T) {
		page, err := extractPage(json.RawMessage(`{"project":{}}`), []string{"project", "issues"})
		require.NoError(t, err)
		assert.Empty(t, page.Nodes)
	})

	t.Run("bare array is a single page", func(t *testing.T) {
		data := json.RawMessage(`{"project":{"repository":{"branchNames":["main","dev"]}}}`)
		page, err := extractPage(data, []string{"project", "repository", "branchNames"})
		require.NoError(t, err)
		assert.Len(t, page.Nodes, 2)
		assert.Equal(t, `"main"`, string(page.Nodes[0]))
		assert.False(t, page.PageInfo.HasNextPage)
	})

	t.Run("single object is a one-node page", func(t *testing.T) {
		data := json.RawMessage(`{"project":{"repository":{"tree":{"lastCommit":{"sha":"abc123"}}}}}`)
		page, err := extractPage(data, []string{"project", "repository", "tree", "lastCommit"})
		require.NoError(t, err)
		require.Len(t, page.Nodes, 1)
		assert.JSONEq(t, `{"sha":"abc123"}`, string(page.Nodes[0]))
		assert.False(t, page.PageInfo.HasNextPage)
	})

	t.Run("connection without pageInfo", func(t *testing.T) {
		data := json.RawMessage(`{"group":{"labels":{"nodes":[{"title":"bug"}]}}}`)
		page, err := extractPage(data, []string{"group", "labels"})
		require.NoError(t, err)
		assert.Len(t, page.Nodes, 1)
		assert.False(t, page.PageInfo.HasNextPage)
	})

	t.Run("non-object along the path fails", func(t *testing.T) {
		_, err := extractPage(json.RawMessage(`{"project":42}`), []string{"project", "issues"})
		assert.Error(t, err)
	})
}

func TestQueryFor(t *testing.T) {
	def, err := QueryFor("project", "issues")
	require.NoError(t, err)
	assert.Equal(t, []string{"project", "issues"}, def.Path)

	def, err = QueryFor("group", "epics")
	require.NoError(t, err)
	assert.Equal(t, []string{"group", "epics"}, def.Path)

	_, err = QueryFor("project", "nonsense")
	assert.Error(t, err)

	_, err = QueryFor("nonsense", "issues")
	assert.Error(t, err)
}
