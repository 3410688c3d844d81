// Package blob uploads the backup projection (a bounded JSON snapshot of
// recent events) to external object storage for degraded-mode reads, with a
// filesystem sink fallback for local/dev use.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/canaria-net/canaria/internal/model"
)

// Sink uploads a named blob with a content type; both implementations below
// satisfy it.
type Sink interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// HTTPSink PUTs the blob to a configured object-storage endpoint using a
// plain net/http call against a Supabase Storage-compatible API.
type HTTPSink struct {
	client         *http.Client
	baseURL        string
	serviceRoleKey string
}

// NewHTTPSink builds a Sink that PUTs blobs to baseURL/<key>.
func NewHTTPSink(baseURL, serviceRoleKey string) *HTTPSink {
	return &HTTPSink{
		client:         &http.Client{},
		baseURL:        baseURL,
		serviceRoleKey: serviceRoleKey,
	}
}

func (s *HTTPSink) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	url := s.baseURL + "/" + key

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "public, max-age=60")
	if s.serviceRoleKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.serviceRoleKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("upload blob: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// FileSink writes the blob under a local directory; used when no
// BLOB_BASE_URL is configured.
type FileSink struct {
	dir string
}

// NewFileSink builds a Sink rooted at dir, creating it if necessary.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) Upload(_ context.Context, key string, data []byte, _ string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(s.dir, key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write backup file: %w", err)
	}
	return nil
}

// projection is the backup projection wire shape.
type projection struct {
	LastUpdated string        `json:"lastUpdated"`
	Events      []model.Event `json:"events"`
}

const maxProjectionEvents = 1000

// PublishProjection writes the bounded events.json snapshot to sink,
// trimming to the most recent maxProjectionEvents entries. events must be
// newest-first, the order Store.List returns.
func PublishProjection(ctx context.Context, sink Sink, events []model.Event) error {
	if len(events) > maxProjectionEvents {
		events = events[:maxProjectionEvents]
	}

	p := projection{
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Events:      events,
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode projection: %w", err)
	}

	return sink.Upload(ctx, "events.json", data, "application/json")
}
