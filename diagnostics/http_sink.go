package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/drummonds/pdfview/render"
	"golang.org/x/time/rate"
)

// HTTPSink posts diagnostics as JSON batches to an endpoint, paced by a
// token bucket so a backlog cannot flood the receiver.
type HTTPSink struct {
	endpoint  string
	client    *http.Client
	limiter   *rate.Limiter
	batchSize int
}

// NewHTTPSink creates a sink sending at most perSecond batches per second
func NewHTTPSink(endpoint string, client *http.Client, perSecond float64, batchSize int) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &HTTPSink{
		endpoint:  endpoint,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), 1),
		batchSize: batchSize,
	}
}

// Export implements Sink
func (h *HTTPSink) Export(ctx context.Context, entries []*render.DiagnosticsData) error {
	for start := 0; start < len(entries); start += h.batchSize {
		end := min(start+h.batchSize, len(entries))
		if err := h.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("diagnostics export cancelled: %w", err)
		}
		if err := h.post(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (h *HTTPSink) post(ctx context.Context, batch []*render.DiagnosticsData) error {
	body, err := json.Marshal(map[string]any{"diagnostics": batch})
	if err != nil {
		return fmt.Errorf("failed to encode diagnostics: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("diagnostics export failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("diagnostics endpoint returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
