package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
)

var (
	pageObjectRe = regexp.MustCompile(`/Type\s*/Page(?:[^s]|$)`)
	endObj       = []byte("endobj")
)

// PartialUpdate reports what a chunk made available
type PartialUpdate struct {
	Loaded         int64
	Total          int64
	Complete       bool
	AvailablePages int
	NewPages       int
}

// PartialData accumulates document bytes as they arrive and counts the
// page objects that are already complete.
type PartialData struct {
	mu       sync.Mutex
	buf      []byte
	total    int64
	pages    int
	scanFrom int
}

// NewPartialData creates an accumulator for a document of total bytes, 0 if unknown
func NewPartialData(total int64) *PartialData {
	p := &PartialData{total: total}
	if total > 0 {
		p.buf = make([]byte, 0, total)
	}
	return p
}

// HandlePartialData appends chunk. totalSize, when positive, replaces the known total.
func (p *PartialData) HandlePartialData(chunk []byte, totalSize int64) PartialUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()

	if totalSize > 0 {
		p.total = totalSize
	}
	p.buf = append(p.buf, chunk...)

	before := p.pages
	for {
		loc := pageObjectRe.FindIndex(p.buf[p.scanFrom:])
		if loc == nil {
			break
		}
		start := p.scanFrom + loc[0]
		end := bytes.Index(p.buf[start:], endObj)
		if end < 0 {
			// the object is not complete yet, rescan it with the next chunk
			break
		}
		p.pages++
		p.scanFrom = start + end + len(endObj)
	}

	loaded := int64(len(p.buf))
	return PartialUpdate{
		Loaded:         loaded,
		Total:          p.total,
		Complete:       p.total > 0 && loaded >= p.total,
		AvailablePages: p.pages,
		NewPages:       p.pages - before,
	}
}

// Bytes returns a copy of everything received so far
func (p *PartialData) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}

// Len returns the number of bytes received
func (p *PartialData) Len() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.buf))
}

// Total returns the expected size, 0 if unknown
func (p *PartialData) Total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// StreamOptions controls incremental delivery
type StreamOptions struct {
	ChunkSize int
	// OnChunk is called after every chunk; returning an error stops the stream
	OnChunk func(update PartialUpdate, data *PartialData) error
	// Refresh is shared by every fetch of one rendering; nil gives this stream its own
	Refresh *RefreshBudget
}

// ErrStopStream can be returned from OnChunk to end a stream early without failure
var ErrStopStream = errors.New("stream stopped by consumer")

// Stream downloads url incrementally. A failure mid-body is resumed with a
// Range request when the server advertises range support.
func (l *Layer) Stream(ctx context.Context, url string, opts StreamOptions) (*PartialData, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = l.cfg.ChunkSize
	}

	budget := opts.Refresh
	if budget == nil {
		budget = &RefreshBudget{}
	}
	var data *PartialData
	current := url
	for attempt := 1; ; attempt++ {
		var offset int64
		if data != nil {
			offset = data.Len()
		}
		resp, err := l.openStream(ctx, current, offset)
		if err == nil {
			if data == nil {
				total := resp.ContentLength
				if size, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
					total = size
				}
				data = NewPartialData(total)
			} else if offset > 0 && resp.StatusCode != http.StatusPartialContent {
				resp.Body.Close()
				return data, fmt.Errorf("server does not support resuming at byte %d", offset)
			}
			err = l.pump(ctx, resp, data, chunkSize, opts.OnChunk)
			resp.Body.Close()
			if err == nil || errors.Is(err, ErrStopStream) {
				return data, nil
			}
		}
		if ctx.Err() != nil {
			return data, ctx.Err()
		}
		if IsAuthFailure(err) && l.issuer != nil {
			if !budget.Take() {
				return data, fmt.Errorf("%w: %w", ErrRefreshSpent, err)
			}
			fresh, rerr := l.RefreshSignedURL(ctx, current)
			if rerr != nil {
				return data, fmt.Errorf("%w (refresh failed: %v)", err, rerr)
			}
			current = fresh
			continue
		}
		if !Retryable(err) || attempt >= l.cfg.MaxAttempts {
			return data, err
		}
		delay := l.Backoff(attempt)
		Logger.Warn("Stream interrupted, backing off", "attempt", attempt, "delay", delay, "error", err)
		if l.hooks.OnRetry != nil {
			l.hooks.OnRetry(attempt, delay, err)
		}
		if err := l.sleep(ctx, delay); err != nil {
			return data, err
		}
	}
}

func (l *Layer) openStream(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, URL: url}
	}
	return resp, nil
}

func (l *Layer) pump(ctx context.Context, resp *http.Response, data *PartialData, chunkSize int, onChunk func(PartialUpdate, *PartialData) error) error {
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			update := data.HandlePartialData(buf[:n], 0)
			if onChunk != nil {
				if cerr := onChunk(update, data); cerr != nil {
					return cerr
				}
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if total := data.Total(); total > 0 && data.Len() < total {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
