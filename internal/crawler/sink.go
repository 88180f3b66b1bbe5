// -----------------------------------------------------------------------
// Filesystem sink - crawled records as JSON files
// -----------------------------------------------------------------------

package crawler

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/models"
)

// Sink receives crawled records. Writes must be idempotent per record ID;
// re-crawling a page overwrites rather than duplicates.
type Sink interface {
	Write(targetPath, dataType string, record json.RawMessage) error
}

// FilesystemSink lays records out as
// <base>/<target path>/<data type>/<record id>.json
type FilesystemSink struct {
	basePath string
	logger   arbor.ILogger
}

// NewFilesystemSink creates a sink rooted at basePath
func NewFilesystemSink(basePath string, logger arbor.ILogger) *FilesystemSink {
	return &FilesystemSink{
		basePath: basePath,
		logger:   logger,
	}
}

// Write stores one record, deriving a stable filename from its identity
func (s *FilesystemSink) Write(targetPath, dataType string, record json.RawMessage) error {
	dir := filepath.Join(s.basePath, sanitizeRelPath(targetPath), sanitizePathSegment(dataType))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return models.NewError(models.ErrKindResource, models.SeverityHigh,
			"failed to create output directory", err)
	}

	name := recordFilename(record)
	path := filepath.Join(dir, name+".json")

	if err := os.WriteFile(path, record, 0640); err != nil {
		return models.NewError(models.ErrKindResource, models.SeverityHigh,
			fmt.Sprintf("failed to write record %s", name), err)
	}
	return nil
}

// recordFilename prefers the record's own id or iid; records without one
// get a content hash so re-crawls stay idempotent
func recordFilename(record json.RawMessage) string {
	var probe struct {
		ID  any `json:"id"`
		IID any `json:"iid"`
	}
	if err := json.Unmarshal(record, &probe); err == nil {
		if id := stringifyID(probe.ID); id != "" {
			return sanitizePathSegment(id)
		}
		if iid := stringifyID(probe.IID); iid != "" {
			return sanitizePathSegment(iid)
		}
	}
	sum := sha1.Sum(record)
	return hex.EncodeToString(sum[:])
}

func stringifyID(v any) string {
	switch id := v.(type) {
	case string:
		// Global IDs look like gid://gitlab/Issue/42; the tail is enough
		if i := strings.LastIndexByte(id, '/'); i >= 0 && strings.HasPrefix(id, "gid://") {
			return id[i+1:]
		}
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	}
	return ""
}

// sanitizeRelPath keeps namespace hierarchy ("acme/widgets" stays nested)
// while scrubbing each segment
func sanitizeRelPath(p string) string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		out = append(out, sanitizePathSegment(part))
	}
	if len(out) == 0 {
		return "_"
	}
	return filepath.Join(out...)
}

func sanitizePathSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
