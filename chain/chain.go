// Package chain walks the ordered rendering methods until one of them
// produces pages or every method has failed.
package chain

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drummonds/pdfview/canvas"
	"github.com/drummonds/pdfview/diagnostics"
	"github.com/drummonds/pdfview/engine/pdfrenderer"
	"github.com/drummonds/pdfview/network"
	"github.com/drummonds/pdfview/progress"
	"github.com/drummonds/pdfview/recovery"
	"github.com/drummonds/pdfview/render"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// Fetcher is the part of the network layer the strategies use
type Fetcher interface {
	FetchWithResilience(ctx context.Context, url string, opts network.FetchOptions) (*network.FetchResult, error)
	Stream(ctx context.Context, url string, opts network.StreamOptions) (*network.PartialData, error)
}

// Observer receives attempt and recovery outcomes, typically for metrics
type Observer interface {
	MethodAttempt(method render.Method, success bool, errType render.ErrorType, d time.Duration)
	Recovery(errType render.ErrorType, action string, ok bool)
}

type noopObserver struct{}

func (noopObserver) MethodAttempt(render.Method, bool, render.ErrorType, time.Duration) {}
func (noopObserver) Recovery(render.ErrorType, string, bool)                          {}

// Config selects the enabled methods and their time limits
type Config struct {
	// Enabled gates each method; a method missing from the map is enabled
	Enabled map[render.Method]bool
	// MethodTimeouts bounds a single attempt; the session timeout applies when shorter or unset.
	// Timeout recovery stretches them in proportion.
	MethodTimeouts map[render.Method]time.Duration
}

// Deps are the collaborators of the chain. Progress, Diagnostics, Store and Observer are optional.
type Deps struct {
	Canvas      *canvas.Manager
	Fetcher     Fetcher
	Recovery    *recovery.System
	Progress    *progress.Tracker
	Diagnostics *diagnostics.Collector
	Store       PreferenceStore
	Observer    Observer
	// Preview draws pages of a partially streamed document before the download finishes
	Preview pdfrenderer.Engine
}

// Chain is the rendering method chain
type Chain struct {
	cfg        Config
	deps       Deps
	strategies map[render.Method]Strategy
	tracer     trace.Tracer

	mu       sync.RWMutex
	isActive func(sessionID string) bool
}

// New creates a chain over strategies. Methods without a strategy are treated as disabled.
func New(cfg Config, deps Deps, strategies ...Strategy) *Chain {
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	if deps.Recovery == nil {
		var cv recovery.Canvas
		if deps.Canvas != nil {
			cv = deps.Canvas
		}
		deps.Recovery = recovery.NewSystem(cv, nil, recovery.Config{})
	}
	c := &Chain{
		cfg:        cfg,
		deps:       deps,
		strategies: make(map[render.Method]Strategy, len(strategies)),
		tracer:     otel.Tracer("github.com/drummonds/pdfview/chain"),
	}
	for _, s := range strategies {
		c.strategies[s.Method()] = s
	}
	return c
}

// SetActiveCheck installs the guard consulted before any work resumes for a session
func (c *Chain) SetActiveCheck(fn func(sessionID string) bool) {
	c.mu.Lock()
	c.isActive = fn
	c.mu.Unlock()
}

func (c *Chain) active(sessionID string) bool {
	c.mu.RLock()
	fn := c.isActive
	c.mu.RUnlock()
	return fn == nil || fn(sessionID)
}

// Store returns the preference store
func (c *Chain) Store() PreferenceStore {
	return c.deps.Store
}

// Enabled reports whether method is switched on and has a strategy
func (c *Chain) Enabled(method render.Method) bool {
	if _, ok := c.strategies[method]; !ok {
		return false
	}
	if on, ok := c.cfg.Enabled[method]; ok && !on {
		return false
	}
	return true
}

// Methods returns the enabled methods in default order
func (c *Chain) Methods() []render.Method {
	var out []render.Method
	for _, m := range render.DefaultMethodOrder {
		if c.Enabled(m) {
			out = append(out, m)
		}
	}
	return out
}

// GetNextMethod returns the enabled method following failed in default order
func (c *Chain) GetNextMethod(failed render.Method) (render.Method, bool) {
	methods := c.Methods()
	i := slices.Index(methods, failed)
	if i < 0 || i+1 >= len(methods) {
		return "", false
	}
	return methods[i+1], true
}

// RecordMethodSuccess counts a success of method for docType
func (c *Chain) RecordMethodSuccess(ctx context.Context, method render.Method, docType render.DocumentType) {
	if err := c.deps.Store.Record(ctx, docType, method, true); err != nil {
		Logger.Warn("Failed to record method success", "method", method, "error", err)
	}
}

// RecordMethodFailure counts a failure of method for docType
func (c *Chain) RecordMethodFailure(ctx context.Context, method render.Method, docType render.DocumentType) {
	if err := c.deps.Store.Record(ctx, docType, method, false); err != nil {
		Logger.Warn("Failed to record method failure", "method", method, "error", err)
	}
}

// GetPreferredMethod returns the enabled method with the best success rate
// for docType. Download fallback is never preferred since it shows no pages.
// Ties go to the earlier method in default order.
func (c *Chain) GetPreferredMethod(ctx context.Context, docType render.DocumentType) (render.Method, bool) {
	stats, err := c.deps.Store.Load(ctx, docType)
	if err != nil {
		Logger.Warn("Failed to load method preferences", "documentType", docType, "error", err)
		return "", false
	}
	var best render.Method
	bestRate := -1.0
	for _, m := range c.Methods() {
		if m == render.MethodDownloadFallback {
			continue
		}
		s := stats[m]
		if s.Successes == 0 {
			continue
		}
		if rate := s.Rate(); rate > bestRate {
			best, bestRate = m, rate
		}
	}
	return best, best != ""
}

// Order is the list of methods Run walks for s: the caller's preferred
// method, else the learned one, first; download fallback always last.
func (c *Chain) Order(ctx context.Context, s *render.Session) []render.Method {
	methods := c.Methods()
	first := s.Options.PreferredMethod
	if first == "" || !c.Enabled(first) {
		first, _ = c.GetPreferredMethod(ctx, s.Options.TypeSpecific.DocumentType)
	}
	if first == "" || first == render.MethodDownloadFallback {
		return methods
	}
	out := []render.Method{first}
	for _, m := range methods {
		if m != first {
			out = append(out, m)
		}
	}
	return out
}

// methodTimeout bounds one attempt of method for s. A configured method
// timeout grows by the same factor recovery applied to the session timeout.
func (c *Chain) methodTimeout(method render.Method, s *render.Session, growth float64) time.Duration {
	timeout := sessionTimeout(s)
	if mt, ok := c.cfg.MethodTimeouts[method]; ok && mt > 0 {
		if scaled := time.Duration(float64(mt) * max(growth, 1)); scaled < timeout {
			return scaled
		}
	}
	return timeout
}
