// Package recovery classifies render failures and applies local recovery
// before the method chain gives up on a method.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/drummonds/pdfview/canvas"
	"github.com/drummonds/pdfview/network"
	"github.com/drummonds/pdfview/render"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// Canvas is the part of the canvas manager recovery drives
type Canvas interface {
	DestroyOwner(owner string) int
	CleanupUnusedCanvases(owner string, keep int) int
	CheckMemoryPressure() bool
}

// Network is the part of the network layer recovery drives
type Network interface {
	Wait(ctx context.Context, attempt int) error
	RefreshSignedURL(ctx context.Context, url string) (string, error)
}

// Config bounds local recovery
type Config struct {
	MaxAttempts       int
	TimeoutMultiplier float64
	MaxTimeout        time.Duration
}

// DefaultConfig returns three attempts and a ×1.5 timeout growth capped at 120s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		TimeoutMultiplier: 1.5,
		MaxTimeout:        120 * time.Second,
	}
}

// retryable is the per-category table consulted by ShouldRetry
var retryable = map[render.ErrorType]bool{
	render.NetworkError:        true,
	render.CanvasError:         true,
	render.MemoryError:         true,
	render.TimeoutError:        true,
	render.AuthenticationError: true,
	render.ParsingError:        false,
	render.CorruptionError:     false,
	render.AllMethodsExhausted: false,
}

// Plan is what the next attempt of the same method should use. The caller
// builds a fresh session from it.
type Plan struct {
	URL     string
	Options render.RenderOptions
	Action  string
}

// System is the error recovery system
type System struct {
	canvas Canvas
	net    Network
	cfg    Config

	mu      sync.Mutex
	budgets map[string]*network.RefreshBudget
}

// NewSystem creates a recovery system
func NewSystem(c Canvas, n Network, cfg Config) *System {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.TimeoutMultiplier <= 1 {
		cfg.TimeoutMultiplier = def.TimeoutMultiplier
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	return &System{canvas: c, net: n, cfg: cfg, budgets: make(map[string]*network.RefreshBudget)}
}

// RefreshBudget returns the single signed URL refresh shared by every
// fetch and recovery of renderingID
func (s *System) RefreshBudget(renderingID string) *network.RefreshBudget {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[renderingID]
	if !ok {
		b = &network.RefreshBudget{}
		s.budgets[renderingID] = b
	}
	return b
}

// RefreshSpent reports whether rerr is an authorization failure that the
// one refresh of its rendering can no longer fix. Other methods fetch the
// same URL, so such a failure ends the rendering.
func (s *System) RefreshSpent(rerr *render.RenderError, renderingID string) bool {
	if rerr == nil || rerr.Type != render.AuthenticationError || rerr.Context["reason"] == "password" {
		return false
	}
	if rerr.Context["reason"] == "refreshed" {
		return true
	}
	s.mu.Lock()
	b := s.budgets[renderingID]
	s.mu.Unlock()
	return b.Spent()
}

// MaxAttempts is the global per-method attempt ceiling
func (s *System) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// DetectError classifies raw in the context of session. A RenderError is
// returned unchanged.
func (s *System) DetectError(raw error, session *render.Session) *render.RenderError {
	if raw == nil {
		return nil
	}
	var rerr *render.RenderError
	if errors.As(raw, &rerr) {
		return rerr
	}

	stage, method := render.StageError, render.Method("")
	var timeout time.Duration
	if session != nil {
		stage, method, timeout = session.Stage, session.CurrentMethod, session.Options.Timeout
	}
	newErr := func(t render.ErrorType, msg string) *render.RenderError {
		e := render.NewError(t, stage, method, msg, raw)
		e.Context = map[string]any{"elapsed": elapsed(session).String()}
		return e
	}

	var se *network.StatusError
	if errors.As(raw, &se) {
		t := render.NetworkError
		if network.IsAuthFailure(raw) {
			t = render.AuthenticationError
		}
		e := newErr(t, raw.Error())
		e.Context["status"] = se.StatusCode
		if t == render.NetworkError && !network.Retryable(raw) {
			e.Recoverable = false
		}
		if errors.Is(raw, network.ErrRefreshSpent) {
			e.Context["reason"] = "refreshed"
			e.Recoverable = false
		}
		return e
	}

	switch {
	case errors.Is(raw, context.DeadlineExceeded), errors.Is(raw, network.ErrAttemptTimeout):
		return newErr(render.TimeoutError, raw.Error())
	case timeout > 0 && elapsed(session) >= timeout:
		return newErr(render.TimeoutError, fmt.Sprintf("elapsed %s exceeds timeout %s: %v", elapsed(session).Round(time.Millisecond), timeout, raw))
	case errors.Is(raw, canvas.ErrOutOfMemory):
		return newErr(render.MemoryError, raw.Error())
	case errors.Is(raw, canvas.ErrSurfaceNotFound), errors.Is(raw, canvas.ErrInactiveOwner):
		return newErr(render.CanvasError, raw.Error())
	}
	var netErr net.Error
	if errors.As(raw, &netErr) {
		return newErr(render.NetworkError, raw.Error())
	}

	msg := strings.ToLower(raw.Error())
	switch {
	case containsAny(msg, "password", "encrypted", "decrypt"):
		e := newErr(render.AuthenticationError, raw.Error())
		e.Context["reason"] = "password"
		e.Recoverable = false
		return e
	case containsAny(msg, "out of memory", "cannot allocate", "memory limit"):
		return newErr(render.MemoryError, raw.Error())
	case containsAny(msg, "corrupt", "xref", "malformed", "not a pdf", "invalid pdf", "damaged", "unexpected eof", "no header"):
		return newErr(render.CorruptionError, raw.Error())
	case containsAny(msg, "canvas", "surface", "2d context"):
		return newErr(render.CanvasError, raw.Error())
	case containsAny(msg, "connection", "network", "dial", "no such host", "reset by peer", "broken pipe"):
		return newErr(render.NetworkError, raw.Error())
	case containsAny(msg, "timed out", "timeout", "deadline"):
		return newErr(render.TimeoutError, raw.Error())
	}
	return newErr(render.ParsingError, raw.Error())
}

// FromPanic converts a recovered panic value into a RenderError carrying the stack
func (s *System) FromPanic(v any, session *render.Session) *render.RenderError {
	var rerr *render.RenderError
	if err, ok := v.(error); ok {
		rerr = s.DetectError(err, session)
	} else {
		rerr = s.DetectError(fmt.Errorf("panic: %v", v), session)
	}
	// copy so a shared RenderError is never mutated
	out := *rerr
	out.Stack = string(debug.Stack())
	return &out
}

// ShouldRetry reports whether the same method may run again after rerr
func (s *System) ShouldRetry(rerr *render.RenderError, attemptCount int) bool {
	if rerr == nil || attemptCount >= s.cfg.MaxAttempts {
		return false
	}
	return rerr.Recoverable && retryable[rerr.Type]
}

// AttemptRecovery applies the category strategy for rerr. It returns false
// when the method should be abandoned and the chain should advance.
func (s *System) AttemptRecovery(ctx context.Context, rerr *render.RenderError, session *render.Session) (Plan, bool) {
	plan := Plan{URL: session.URL, Options: session.Options.Clone()}
	if rerr == nil || !rerr.Recoverable {
		return plan, false
	}
	log := Logger.With("renderingId", session.RenderingID, "type", rerr.Type, "method", session.CurrentMethod)

	switch rerr.Type {
	case render.NetworkError:
		if s.net == nil {
			return plan, false
		}
		if err := s.net.Wait(ctx, max(session.AttemptCount, 1)); err != nil {
			return plan, false
		}
		plan.Action = "backoff"

	case render.CanvasError:
		if s.canvas != nil {
			destroyed := s.canvas.DestroyOwner(session.ID)
			log.Info("Recreating surfaces after canvas failure", "destroyed", destroyed)
		}
		plan.Action = "recreate-surfaces"

	case render.MemoryError:
		if s.canvas != nil {
			s.canvas.DestroyOwner(session.ID)
			// drops the reuse pool without touching other renderings
			s.canvas.CleanupUnusedCanvases(session.ID, 0)
		}
		ts := &plan.Options.TypeSpecific
		ts.MaxConcurrentPages = max(1, ts.MaxConcurrentPages/2)
		ts.MemoryManagement = render.MemoryAggressive
		log.Info("Reduced concurrency after memory pressure", "maxConcurrentPages", ts.MaxConcurrentPages)
		plan.Action = "cleanup"

	case render.AuthenticationError:
		if rerr.Context["reason"] == "password" || s.net == nil {
			return plan, false
		}
		if !s.RefreshBudget(session.RenderingID).Take() {
			log.Info("Signed URL already refreshed for this rendering")
			return plan, false
		}
		fresh, err := s.net.RefreshSignedURL(ctx, session.URL)
		if err != nil {
			log.Warn("Signed URL refresh failed", "error", err)
			return plan, false
		}
		plan.URL = fresh
		plan.Action = "refresh-url"

	case render.TimeoutError:
		current := plan.Options.Timeout
		if current >= s.cfg.MaxTimeout {
			return plan, false
		}
		plan.Options.Timeout = min(time.Duration(float64(current)*s.cfg.TimeoutMultiplier), s.cfg.MaxTimeout)
		log.Info("Extending timeout", "from", current, "to", plan.Options.Timeout)
		plan.Action = "extend-timeout"

	default:
		return plan, false
	}
	return plan, true
}

// Forget drops the per-rendering refresh bookkeeping
func (s *System) Forget(renderingID string) {
	s.mu.Lock()
	delete(s.budgets, renderingID)
	s.mu.Unlock()
}

func elapsed(session *render.Session) time.Duration {
	if session == nil {
		return 0
	}
	return session.Elapsed()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
