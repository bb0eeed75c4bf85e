package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// RefreshBudget allows one signed URL refresh. Sharing a budget between
// fetches makes the refresh happen once for all of them.
type RefreshBudget struct {
	used atomic.Bool
}

// Take claims the refresh and reports whether it was still available
func (b *RefreshBudget) Take() bool {
	return b.used.CompareAndSwap(false, true)
}

// Spent reports whether the refresh was used
func (b *RefreshBudget) Spent() bool {
	return b != nil && b.used.Load()
}

// IsExpired inspects the query string of a signed URL. It understands
// Expires and exp (unix seconds), X-Amz-Date with X-Amz-Expires,
// X-Goog-Date with X-Goog-Expires and Azure's se. ok is false when the URL
// carries no recognizable expiry.
func IsExpired(rawURL string, now time.Time, skew time.Duration) (expired bool, at time.Time, ok bool) {
	at, ok = ExpiresAt(rawURL)
	if !ok {
		return false, time.Time{}, false
	}
	return !now.Add(skew).Before(at), at, true
}

// ExpiresAt returns the expiry encoded in a signed URL
func ExpiresAt(rawURL string) (time.Time, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, false
	}
	q := u.Query()

	for _, key := range []string{"Expires", "exp"} {
		if v := q.Get(key); v != "" {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.Unix(secs, 0), true
			}
		}
	}
	for _, prefix := range []string{"X-Amz-", "X-Goog-"} {
		date, ttl := q.Get(prefix+"Date"), q.Get(prefix+"Expires")
		if date == "" || ttl == "" {
			continue
		}
		signed, err := time.Parse("20060102T150405Z", date)
		if err != nil {
			continue
		}
		secs, err := strconv.ParseInt(ttl, 10, 64)
		if err != nil {
			continue
		}
		return signed.Add(time.Duration(secs) * time.Second), true
	}
	if v := q.Get("se"); v != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// HTTPIssuer asks a URL issuing endpoint for a fresh signed URL.
// It POSTs {"url": old} and expects {"url": fresh} back.
type HTTPIssuer struct {
	Endpoint string
	Client   *http.Client
}

type issuerPayload struct {
	URL string `json:"url"`
}

// RefreshURL implements URLIssuer
func (h *HTTPIssuer) RefreshURL(ctx context.Context, old string) (string, error) {
	body, err := json.Marshal(issuerPayload{URL: old})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create issuer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("issuer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("issuer returned status %d: %s", resp.StatusCode, string(msg))
	}
	var out issuerPayload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode issuer response: %w", err)
	}
	return out.URL, nil
}
