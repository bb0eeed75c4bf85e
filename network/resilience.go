// Package network fetches document bytes with retries, signed URL refresh
// and incremental (partial) delivery.
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

var (
	// ErrNoIssuer is returned when a refresh is needed but no issuer is configured
	ErrNoIssuer = errors.New("no signed URL issuer configured")
	// ErrAttemptTimeout marks a single attempt that ran past its own deadline
	ErrAttemptTimeout = errors.New("fetch attempt timed out")
	// ErrRefreshSpent marks an authorization failure after the one allowed refresh
	ErrRefreshSpent = errors.New("signed URL already refreshed")
)

// StatusError is returned for non-success HTTP responses
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d (%s) fetching %s", e.StatusCode, e.Status, redact(e.URL))
}

// IsAuthFailure reports whether err is a 401 or 403 response
func IsAuthFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
	}
	return false
}

// Retryable reports whether a failed attempt may be repeated: transport
// failures, timeouts, 5xx and 429. Other 4xx responses are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAttemptTimeout) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// URLIssuer hands out fresh authorized URLs for a document
type URLIssuer interface {
	RefreshURL(ctx context.Context, url string) (string, error)
}

// Config holds retry and timeout settings
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	// Jitter is the fraction of the delay added at random, kept below 1 so delays stay increasing
	Jitter     float64
	ExpirySkew time.Duration
	ChunkSize  int
}

// DefaultConfig returns sensible production defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		AttemptTimeout: 30 * time.Second,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Jitter:         0.2,
		ExpirySkew:     30 * time.Second,
		ChunkSize:      64 << 10,
	}
}

// Hooks lets callers observe retries without the layer knowing about metrics
type Hooks struct {
	OnRetry   func(attempt int, delay time.Duration, err error)
	OnRefresh func(url string, err error)
}

// Layer is the resilient transport used for every document byte
type Layer struct {
	client *http.Client
	issuer URLIssuer
	cfg    Config
	hooks  Hooks
	group  singleflight.Group
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewLayer creates a layer. A nil client gets an instrumented default transport.
func NewLayer(cfg Config, client *http.Client, issuer URLIssuer) *Layer {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Layer{
		client: client,
		issuer: issuer,
		cfg:    cfg,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// SetHooks installs retry observers
func (l *Layer) SetHooks(h Hooks) {
	l.hooks = h
}

// SetSleep replaces the backoff wait, used by tests to avoid real delays
func (l *Layer) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	l.sleep = fn
}

// Config returns the effective configuration
func (l *Layer) Config() Config {
	return l.cfg
}

// Backoff returns the wait before retry number attempt (1-based): base*2^(attempt-1)
// plus up to Jitter of that, capped at MaxDelay.
func (l *Layer) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	backoff := l.cfg.BaseDelay * time.Duration(1<<(attempt-1))
	if l.cfg.Jitter > 0 {
		backoff += time.Duration(rand.Float64() * l.cfg.Jitter * float64(backoff))
	}
	if backoff > l.cfg.MaxDelay {
		backoff = l.cfg.MaxDelay
	}
	return backoff
}

// Wait sleeps for the backoff of attempt unless ctx ends first
func (l *Layer) Wait(ctx context.Context, attempt int) error {
	return l.sleep(ctx, l.Backoff(attempt))
}

// FetchOptions tunes one fetch
type FetchOptions struct {
	Range      string
	Headers    map[string]string
	OnProgress func(loaded, total int64)
	// Refresh is shared by every fetch of one rendering; nil gives this fetch its own
	Refresh *RefreshBudget
}

// FetchResult describes a completed fetch, including the retry history
type FetchResult struct {
	Body          []byte
	URL           string
	StatusCode    int
	Header        http.Header
	ContentLength int64
	TotalSize     int64
	Attempts      int
	Delays        []time.Duration
	Refreshed     bool
	Duration      time.Duration
}

// FetchWithResilience fetches url, retrying transient failures with backoff.
// An authorization failure or a URL found to be expired triggers one signed
// URL refresh per budget, followed by one retry against the new URL. The
// result is returned even on error so callers can inspect attempts and delays.
func (l *Layer) FetchWithResilience(ctx context.Context, url string, opts FetchOptions) (*FetchResult, error) {
	start := l.now()
	res := &FetchResult{URL: url}
	defer func() { res.Duration = l.now().Sub(start) }()
	budget := opts.Refresh
	if budget == nil {
		budget = &RefreshBudget{}
	}

	if expired, at, ok := IsExpired(url, l.now(), l.cfg.ExpirySkew); ok && expired && l.issuer != nil && budget.Take() {
		Logger.Info("Signed URL expired before fetch, refreshing", "expiredAt", at)
		fresh, err := l.RefreshSignedURL(ctx, url)
		if err != nil {
			return res, fmt.Errorf("refresh expired URL: %w", err)
		}
		res.URL = fresh
		res.Refreshed = true
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		err := l.fetchOnce(ctx, res, opts)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("fetch cancelled after %d attempts: %w", attempt, ctx.Err())
		}

		if IsAuthFailure(err) {
			if l.issuer == nil {
				return res, err
			}
			if !budget.Take() {
				return res, fmt.Errorf("%w: %w", ErrRefreshSpent, err)
			}
			Logger.Info("Authorization failed, refreshing signed URL", "attempt", attempt, "error", err)
			fresh, rerr := l.RefreshSignedURL(ctx, res.URL)
			if rerr != nil {
				return res, fmt.Errorf("%w (refresh failed: %v)", err, rerr)
			}
			res.URL = fresh
			res.Refreshed = true
			continue
		}

		if !Retryable(err) || attempt >= l.cfg.MaxAttempts {
			return res, err
		}

		delay := l.Backoff(attempt)
		res.Delays = append(res.Delays, delay)
		Logger.Warn("Fetch attempt failed, backing off", "attempt", attempt, "delay", delay, "error", err)
		if l.hooks.OnRetry != nil {
			l.hooks.OnRetry(attempt, delay, err)
		}
		if err := l.sleep(ctx, delay); err != nil {
			return res, fmt.Errorf("fetch cancelled during backoff: %w", err)
		}
	}
}

// fetchOnce performs one attempt under its own timeout
func (l *Layer) fetchOnce(ctx context.Context, res *FetchResult, opts FetchOptions) error {
	attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, res.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if opts.Range != "" {
		req.Header.Set("Range", opts.Range)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return l.attemptError(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, URL: res.URL}
	}

	total := resp.ContentLength
	if size, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
		total = size
	}
	var reader io.Reader = resp.Body
	if opts.OnProgress != nil {
		reader = &progressReader{r: resp.Body, total: total, fn: opts.OnProgress}
	}
	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		return l.attemptError(ctx, attemptCtx, err)
	}

	res.Body = buf.Bytes()
	res.StatusCode = resp.StatusCode
	res.Header = resp.Header
	res.ContentLength = int64(buf.Len())
	res.TotalSize = total
	if res.TotalSize <= 0 {
		res.TotalSize = res.ContentLength
	}
	return nil
}

// attemptError distinguishes the per-attempt deadline from the caller's
func (l *Layer) attemptError(parent, attempt context.Context, err error) error {
	if parent.Err() == nil && errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, l.cfg.AttemptTimeout, err)
	}
	return err
}

// RefreshSignedURL asks the issuer for a fresh authorized URL. Concurrent
// refreshes of the same URL share one issuer call.
func (l *Layer) RefreshSignedURL(ctx context.Context, url string) (string, error) {
	if l.issuer == nil {
		return "", ErrNoIssuer
	}
	v, err, shared := l.group.Do(url, func() (any, error) {
		return l.issuer.RefreshURL(ctx, url)
	})
	if l.hooks.OnRefresh != nil {
		l.hooks.OnRefresh(url, err)
	}
	if err != nil {
		return "", fmt.Errorf("signed URL refresh failed: %w", err)
	}
	fresh := v.(string)
	if fresh == "" {
		return "", errors.New("signed URL issuer returned an empty URL")
	}
	Logger.Debug("Signed URL refreshed", "shared", shared)
	return fresh, nil
}

// ProbeResult holds the cheap look at a document
type ProbeResult struct {
	Head          []byte
	Tail          []byte
	TotalSize     int64
	SupportsRange bool
	ContentType   string
	URL           string
}

// Probe reads at most n bytes from the start (and end, when ranges are
// supported) of the document without downloading all of it.
func (l *Layer) Probe(ctx context.Context, url string, n int) (*ProbeResult, error) {
	res, err := l.FetchWithResilience(ctx, url, FetchOptions{Range: fmt.Sprintf("bytes=0-%d", n-1)})
	if err != nil {
		return nil, err
	}
	out := &ProbeResult{
		TotalSize:     res.TotalSize,
		SupportsRange: res.StatusCode == http.StatusPartialContent || res.Header.Get("Accept-Ranges") == "bytes",
		ContentType:   res.Header.Get("Content-Type"),
		URL:           res.URL,
	}
	out.Head = res.Body
	if len(out.Head) > n {
		out.Head = out.Head[:n]
	}
	if res.StatusCode == http.StatusOK {
		// server ignored the range and sent everything
		out.TotalSize = int64(len(res.Body))
		out.Tail = tailOf(res.Body, n)
		return out, nil
	}
	if out.TotalSize > int64(n) {
		tail, err := l.FetchWithResilience(ctx, res.URL, FetchOptions{Range: fmt.Sprintf("bytes=-%d", n)})
		if err == nil {
			out.Tail = tailOf(tail.Body, n)
		} else {
			Logger.Debug("Tail probe failed, continuing with head only", "error", err)
		}
	}
	return out, nil
}

func tailOf(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

type progressReader struct {
	r      io.Reader
	loaded int64
	total  int64
	fn     func(loaded, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.fn(p.loaded, p.total)
	}
	return n, err
}

// parseContentRangeTotal extracts the size from "bytes 0-99/1234"
func parseContentRangeTotal(h string) (int64, bool) {
	i := strings.LastIndex(h, "/")
	if i < 0 || i == len(h)-1 {
		return 0, false
	}
	total, err := strconv.ParseInt(h[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// redact drops the query string so signatures never reach the logs
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?..."
	}
	return u
}
