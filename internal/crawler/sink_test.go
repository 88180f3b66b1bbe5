package crawler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestFilesystemSink_GlobalID(t *testing.T) {
	base := t.TempDir()
	sink := NewFilesystemSink(base, arbor.NewLogger())

	record := json.RawMessage(`{"id":"gid://gitlab/Issue/42","title":"crash on start"}`)
	require.NoError(t, sink.Write("acme/widgets", "issues", record))

	path := filepath.Join(base, "acme", "widgets", "issues", "42.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, string(record), string(data))
}

func TestFilesystemSink_IIDFallback(t *testing.T) {
	base := t.TempDir()
	sink := NewFilesystemSink(base, arbor.NewLogger())

	require.NoError(t, sink.Write("acme/widgets", "pipelines", json.RawMessage(`{"iid":"17","status":"success"}`)))
	_, err := os.Stat(filepath.Join(base, "acme", "widgets", "pipelines", "17.json"))
	assert.NoError(t, err)
}

func TestFilesystemSink_NumericID(t *testing.T) {
	base := t.TempDir()
	sink := NewFilesystemSink(base, arbor.NewLogger())

	require.NoError(t, sink.Write("acme", "members", json.RawMessage(`{"id":1234,"username":"dev"}`)))
	_, err := os.Stat(filepath.Join(base, "acme", "members", "1234.json"))
	assert.NoError(t, err)
}

func TestFilesystemSink_HashFallback(t *testing.T) {
	base := t.TempDir()
	sink := NewFilesystemSink(base, arbor.NewLogger())

	// Branch names have no identity of their own
	require.NoError(t, sink.Write("acme/widgets", "branches", json.RawMessage(`"feature/login"`)))
	require.NoError(t, sink.Write("acme/widgets", "branches", json.RawMessage(`"main"`)))

	entries, err := os.ReadDir(filepath.Join(base, "acme", "widgets", "branches"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Rewriting the same content lands on the same file
	require.NoError(t, sink.Write("acme/widgets", "branches", json.RawMessage(`"main"`)))
	entries, err = os.ReadDir(filepath.Join(base, "acme", "widgets", "branches"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFilesystemSink_OverwriteIsIdempotent(t *testing.T) {
	base := t.TempDir()
	sink := NewFilesystemSink(base, arbor.NewLogger())

	require.NoError(t, sink.Write("acme", "issues", json.RawMessage(`{"id":"gid://gitlab/Issue/1","state":"opened"}`)))
	updated := json.RawMessage(`{"id":"gid://gitlab/Issue/1","state":"closed"}`)
	require.NoError(t, sink.Write("acme", "issues", updated))

	data, err := os.ReadFile(filepath.Join(base, "acme", "issues", "1.json"))
	require.NoError(t, err)
	assert.JSONEq(t, string(updated), string(data))

	entries, err := os.ReadDir(filepath.Join(base, "acme", "issues"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSanitizeRelPath(t *testing.T) {
	assert.Equal(t, filepath.Join("acme", "widgets"), sanitizeRelPath("acme/widgets"))
	assert.Equal(t, "acme", sanitizeRelPath("acme"))
	assert.Equal(t, "_", sanitizeRelPath(""))
	assert.Equal(t, "etc", sanitizeRelPath("../../etc"), "traversal segments are dropped")
	assert.Equal(t, filepath.Join("a", "b"), sanitizeRelPath("a/./b"))
}

func TestRecordFilename(t *testing.T) {
	assert.Equal(t, "42", recordFilename(json.RawMessage(`{"id":"gid://gitlab/Issue/42"}`)))
	assert.Equal(t, "plain-id", recordFilename(json.RawMessage(`{"id":"plain-id"}`)))
	assert.Equal(t, "7", recordFilename(json.RawMessage(`{"iid":"7"}`)))
	assert.Equal(t, "99", recordFilename(json.RawMessage(`{"id":99}`)))

	// Records without identity hash to a stable 40-char name
	a := recordFilename(json.RawMessage(`{"title":"x"}`))
	b := recordFilename(json.RawMessage(`{"title":"x"}`))
	assert.Equal(t, a, b)
	assert.Len(t, a, 40)
}
