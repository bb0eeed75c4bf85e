// Package diagnostics collects per-rendering telemetry and ships completed
// entries to export sinks.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/drummonds/pdfview/render"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

var (
	ErrNotStarted       = errors.New("diagnostics not started for rendering")
	ErrAlreadyCompleted = errors.New("diagnostics already completed for rendering")
)

const DefaultMaxEntries = 500

// Timing names a sub-timing of a rendering
type Timing int

const (
	TimingNetwork Timing = iota
	TimingParse
	TimingRender
)

// Sink receives batches of completed diagnostics
type Sink interface {
	Export(ctx context.Context, entries []*render.DiagnosticsData) error
}

// Collector keeps in-flight diagnostics and a bounded ring of completed ones
type Collector struct {
	mu      sync.Mutex
	active  map[string]*render.DiagnosticsData
	ring    []*render.DiagnosticsData
	next    int
	full    bool
	index   map[string]*render.DiagnosticsData
	queues  []*sinkQueue
	env     render.EnvironmentInfo
	now     func() time.Time
}

// sinkQueue holds the entries one sink has not accepted yet
type sinkQueue struct {
	sink    Sink
	pending []*render.DiagnosticsData
}

// NewCollector creates a collector holding at most maxEntries completed entries
func NewCollector(maxEntries int, sinks ...Sink) *Collector {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	host, _ := os.Hostname()
	queues := make([]*sinkQueue, 0, len(sinks))
	for _, s := range sinks {
		queues = append(queues, &sinkQueue{sink: s})
	}
	return &Collector{
		active: make(map[string]*render.DiagnosticsData),
		ring:   make([]*render.DiagnosticsData, maxEntries),
		index:  make(map[string]*render.DiagnosticsData),
		queues: queues,
		env: render.EnvironmentInfo{
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			NumCPU:    runtime.NumCPU(),
			Hostname:  host,
		},
		now: time.Now,
	}
}

// AddSink registers another export destination
func (c *Collector) AddSink(s Sink) {
	c.mu.Lock()
	c.queues = append(c.queues, &sinkQueue{sink: s})
	c.mu.Unlock()
}

// StartDiagnostics opens an entry for id. Starting again restarts the entry.
func (c *Collector) StartDiagnostics(id string, method render.Method, stage render.Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.active[id] = &render.DiagnosticsData{
		RenderingID: id,
		Method:      method,
		Stage:       stage,
		StartTime:   now,
		Stages:      []render.StageTiming{{Stage: stage, EnteredAt: now}},
		Environment: c.env,
	}
}

func (c *Collector) with(id string, fn func(d *render.DiagnosticsData)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.active[id]
	if !ok {
		if _, done := c.index[id]; done {
			return fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
		}
		return fmt.Errorf("%w: %s", ErrNotStarted, id)
	}
	fn(d)
	return nil
}

// AddError appends err to the entry of id
func (c *Collector) AddError(id string, err *render.RenderError) error {
	if err == nil {
		return nil
	}
	return c.with(id, func(d *render.DiagnosticsData) {
		d.Errors = append(d.Errors, err)
	})
}

// UpdateStage records entry into stage
func (c *Collector) UpdateStage(id string, stage render.Stage) error {
	return c.with(id, func(d *render.DiagnosticsData) {
		if d.Stage == stage {
			return
		}
		d.Stage = stage
		d.Stages = append(d.Stages, render.StageTiming{Stage: stage, EnteredAt: c.now()})
	})
}

// SetMethod records the method currently being attempted
func (c *Collector) SetMethod(id string, method render.Method) error {
	return c.with(id, func(d *render.DiagnosticsData) {
		d.Method = method
	})
}

// RecordAttempt appends one method attempt
func (c *Collector) RecordAttempt(id string, a render.MethodAttempt) error {
	return c.with(id, func(d *render.DiagnosticsData) {
		d.Attempts = append(d.Attempts, a)
	})
}

// RecordTiming adds dur to one of the performance sub-timings
func (c *Collector) RecordTiming(id string, kind Timing, dur time.Duration) error {
	return c.with(id, func(d *render.DiagnosticsData) {
		switch kind {
		case TimingNetwork:
			d.Performance.NetworkTime += dur
		case TimingParse:
			d.Performance.ParseTime += dur
		case TimingRender:
			d.Performance.RenderTime += dur
		}
	})
}

// SampleMemory records the heap size and the surface bytes held for id
func (c *Collector) SampleMemory(id string, surfaceBytes int64) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return c.with(id, func(d *render.DiagnosticsData) {
		d.Performance.MemorySamples = append(d.Performance.MemorySamples, render.MemorySample{
			At:        c.now(),
			HeapAlloc: ms.HeapAlloc,
			Surfaces:  surfaceBytes,
		})
	})
}

// CompleteDiagnostics finalizes the entry of id. It succeeds exactly once.
func (c *Collector) CompleteDiagnostics(id string, success bool) (*render.DiagnosticsData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.active[id]
	if !ok {
		if _, done := c.index[id]; done {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotStarted, id)
	}
	delete(c.active, id)

	d.EndTime = c.now()
	d.TotalTime = d.EndTime.Sub(d.StartTime)
	d.Success = success
	if success {
		d.Stage = render.StageComplete
	} else if d.Stage != render.StageError {
		d.Stage = render.StageError
	}

	// a restarted rendering completes again under the same id
	if evicted := c.ring[c.next]; evicted != nil && c.index[evicted.RenderingID] == evicted {
		delete(c.index, evicted.RenderingID)
	}
	c.ring[c.next] = d
	c.index[id] = d
	c.next = (c.next + 1) % len(c.ring)
	if c.next == 0 {
		c.full = true
	}

	for _, q := range c.queues {
		q.push(len(c.ring), d)
	}
	return d, nil
}

// Get returns a completed entry still held in the ring
func (c *Collector) Get(id string) (*render.DiagnosticsData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.index[id]
	return d, ok
}

// Recent returns up to n completed entries, newest first
func (c *Collector) Recent(n int) []*render.DiagnosticsData {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := c.next
	if c.full {
		size = len(c.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]*render.DiagnosticsData, 0, n)
	for i := 1; i <= n; i++ {
		idx := (c.next - i + len(c.ring)) % len(c.ring)
		out = append(out, c.ring[idx])
	}
	return out
}

// Len returns the number of completed entries held
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return len(c.ring)
	}
	return c.next
}

// Pending returns how many entries are waiting across all sinks
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, q := range c.queues {
		n += len(q.pending)
	}
	return n
}

// Flush exports pending entries to every sink. A sink that fails keeps its
// entries for the next flush; the others do not see them again.
func (c *Collector) Flush(ctx context.Context) error {
	type job struct {
		q     *sinkQueue
		batch []*render.DiagnosticsData
	}
	c.mu.Lock()
	jobs := make([]job, 0, len(c.queues))
	for _, q := range c.queues {
		if len(q.pending) > 0 {
			jobs = append(jobs, job{q: q, batch: q.pending})
			q.pending = nil
		}
	}
	c.mu.Unlock()

	var errs []error
	exported := 0
	for _, j := range jobs {
		if err := j.q.sink.Export(ctx, j.batch); err != nil {
			errs = append(errs, err)
			c.mu.Lock()
			j.q.pending = append(j.batch, j.q.pending...)
			j.q.trim(len(c.ring))
			c.mu.Unlock()
			continue
		}
		exported += len(j.batch)
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		Logger.Warn("Diagnostics flush failed", "failedSinks", len(errs), "sinks", len(jobs), "error", err)
		return err
	}
	if exported > 0 {
		Logger.Debug("Diagnostics flushed", "entries", exported, "sinks", len(jobs))
	}
	return nil
}

func (q *sinkQueue) push(limit int, d *render.DiagnosticsData) {
	q.pending = append(q.pending, d)
	q.trim(limit)
}

// trim keeps the newest limit entries
func (q *sinkQueue) trim(limit int) {
	if len(q.pending) > limit {
		q.pending = q.pending[len(q.pending)-limit:]
	}
}
