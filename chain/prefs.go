package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/drummonds/pdfview/render"
)

// Stats counts outcomes of one method for one document type
type Stats struct {
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Rate is the success ratio, 0 when nothing was recorded
func (s Stats) Rate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(total)
}

// PreferenceStore remembers which methods work for which document types
type PreferenceStore interface {
	Record(ctx context.Context, docType render.DocumentType, method render.Method, success bool) error
	Load(ctx context.Context, docType render.DocumentType) (map[render.Method]Stats, error)
}

// MemoryStore is the in-process PreferenceStore
type MemoryStore struct {
	mu    sync.RWMutex
	stats map[render.DocumentType]map[render.Method]Stats
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stats: make(map[render.DocumentType]map[render.Method]Stats)}
}

func (m *MemoryStore) Record(ctx context.Context, docType render.DocumentType, method render.Method, success bool) error {
	m.add(docType, method, Stats{Successes: b2i(success), Failures: b2i(!success)})
	return nil
}

func (m *MemoryStore) add(docType render.DocumentType, method render.Method, delta Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byMethod, ok := m.stats[docType]
	if !ok {
		byMethod = make(map[render.Method]Stats)
		m.stats[docType] = byMethod
	}
	s := byMethod[method]
	s.Successes += delta.Successes
	s.Failures += delta.Failures
	byMethod[method] = s
}

func (m *MemoryStore) Load(ctx context.Context, docType render.DocumentType) (map[render.Method]Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[render.Method]Stats, len(m.stats[docType]))
	for k, v := range m.stats[docType] {
		out[k] = v
	}
	return out, nil
}

// Snapshot copies every counter
func (m *MemoryStore) Snapshot() map[render.DocumentType]map[render.Method]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[render.DocumentType]map[render.Method]Stats, len(m.stats))
	for dt, byMethod := range m.stats {
		cp := make(map[render.Method]Stats, len(byMethod))
		for k, v := range byMethod {
			cp[k] = v
		}
		out[dt] = cp
	}
	return out
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Backing is durable storage for preference counters
type Backing interface {
	AddCounts(ctx context.Context, docType render.DocumentType, method render.Method, delta Stats) error
	LoadAll(ctx context.Context) (map[render.DocumentType]map[render.Method]Stats, error)
}

// BufferedStore answers from memory and writes accumulated deltas to a
// Backing on Flush, so recording never waits on the database.
type BufferedStore struct {
	*MemoryStore
	backing Backing

	mu      sync.Mutex
	pending map[render.DocumentType]map[render.Method]Stats
}

// NewBufferedStore creates a store in front of backing
func NewBufferedStore(backing Backing) *BufferedStore {
	return &BufferedStore{
		MemoryStore: NewMemoryStore(),
		backing:     backing,
		pending:     make(map[render.DocumentType]map[render.Method]Stats),
	}
}

// Warm seeds the in-memory counters from the backing store
func (b *BufferedStore) Warm(ctx context.Context) error {
	all, err := b.backing.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load method preferences: %w", err)
	}
	for dt, byMethod := range all {
		for m, s := range byMethod {
			b.MemoryStore.add(dt, m, s)
		}
	}
	return nil
}

func (b *BufferedStore) Record(ctx context.Context, docType render.DocumentType, method render.Method, success bool) error {
	delta := Stats{Successes: b2i(success), Failures: b2i(!success)}
	b.MemoryStore.add(docType, method, delta)

	b.mu.Lock()
	defer b.mu.Unlock()
	byMethod, ok := b.pending[docType]
	if !ok {
		byMethod = make(map[render.Method]Stats)
		b.pending[docType] = byMethod
	}
	s := byMethod[method]
	s.Successes += delta.Successes
	s.Failures += delta.Failures
	byMethod[method] = s
	return nil
}

// Flush writes pending deltas. Deltas that fail to write are kept for the next flush.
func (b *BufferedStore) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[render.DocumentType]map[render.Method]Stats)
	b.mu.Unlock()

	var firstErr error
	for dt, byMethod := range pending {
		for m, s := range byMethod {
			if err := b.backing.AddCounts(ctx, dt, m, s); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to persist preference %s/%s: %w", dt, m, err)
				}
				b.requeue(dt, m, s)
			}
		}
	}
	return firstErr
}

func (b *BufferedStore) requeue(dt render.DocumentType, m render.Method, s Stats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byMethod, ok := b.pending[dt]
	if !ok {
		byMethod = make(map[render.Method]Stats)
		b.pending[dt] = byMethod
	}
	cur := byMethod[m]
	cur.Successes += s.Successes
	cur.Failures += s.Failures
	byMethod[m] = cur
}
