package chain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drummonds/pdfview/canvas"
	"github.com/drummonds/pdfview/diagnostics"
	"github.com/drummonds/pdfview/engine/pdfrenderer"
	"github.com/drummonds/pdfview/progress"
	"github.com/drummonds/pdfview/render"
)

// ErrNoDocument is returned when a page is requested from a session without an open document
var ErrNoDocument = errors.New("session has no open document")

// State is a step of the Run loop
type State int

const (
	Attempting State = iota
	Recovering
	Advancing
	Terminal
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Recovering:
		return "recovering"
	case Advancing:
		return "advancing"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Request is one run of the chain
type Request struct {
	Session *render.Session
	// NewSession builds the session for a local retry or the next method.
	// The default keeps the rendering id and nothing else.
	NewSession func(prev *render.Session, url string, opts render.RenderOptions) *render.Session
	// Start is when the rendering began; the session timeout counts from it. Zero means now.
	Start time.Time
	// OnExtend is told the new timeout when recovery grows it
	OnExtend func(timeout time.Duration)
}

func (r Request) newSession(prev *render.Session, url string, opts render.RenderOptions) *render.Session {
	if r.NewSession != nil {
		return r.NewSession(prev, url, opts)
	}
	return render.NewSession(prev.RenderingID, url, opts)
}

// openDocument remembers the resolution a document was drawn at
type openDocument struct {
	pdfrenderer.Document
	dpi float64
}

// Run walks the ordered methods with local recovery until a terminal
// result. It returns the result and the session that produced it; on
// success that session still owns the document and its surfaces. The
// session timeout bounds the whole run and grows when timeout recovery
// extends it. Cancelling ctx ends the run without counting against the
// method that was running.
func (c *Chain) Run(ctx context.Context, req Request) (*render.RenderResult, *render.Session) {
	s := req.Session
	start := req.Start
	if start.IsZero() {
		start = time.Now()
	}
	initial := s.Options.Timeout
	if initial <= 0 {
		initial = render.DefaultTimeout
	}
	order := c.Order(ctx, s)
	docType := s.Options.TypeSpecific.DocumentType
	log := Logger.With("renderingId", s.RenderingID)
	log.Info("Starting method chain", "order", order, "documentType", docType)

	var (
		state   = Attempting
		idx     int
		tries   = 1
		result  *render.RenderResult
		lastErr *render.RenderError
		history []*render.RenderError
		tried   []string
	)

	for state != Terminal {
		switch state {
		case Attempting:
			if idx >= len(order) {
				var cause error
				if lastErr != nil {
					cause = lastErr
				}
				rerr := render.NewError(render.AllMethodsExhausted, render.StageError, "", "all rendering methods failed", cause)
				rerr.Context = map[string]any{"attempted": tried}
				history = append(history, rerr)
				result = render.Failed(s.RenderingID, "", rerr, history)
				state = Terminal
				continue
			}
			remaining := time.Until(start.Add(sessionTimeout(s)))
			if remaining <= 0 {
				rerr := c.expired(s, sessionTimeout(s))
				history = append(history, rerr)
				result = render.Failed(s.RenderingID, s.CurrentMethod, rerr, history)
				state = Terminal
				continue
			}
			method := order[idx]
			s.AttemptCount = tries
			tried = append(tried, string(method))
			budget := min(c.methodTimeout(method, s, growth(s, initial)), remaining)
			res := c.attempt(ctx, method, s, budget)
			if res.Success {
				c.RecordMethodSuccess(ctx, method, docType)
				res.Errors = history
				result = res
				state = Terminal
				continue
			}
			if err := ctx.Err(); err != nil {
				// stopped from outside, the method itself did not fail
				rerr := c.cancelled(s, context.Cause(ctx))
				history = append(history, rerr)
				result = render.Failed(s.RenderingID, method, rerr, history)
				state = Terminal
				continue
			}
			c.RecordMethodFailure(ctx, method, docType)
			lastErr = res.Error
			history = append(history, lastErr)
			c.diag(func(d *diagnostics.Collector) error { return d.AddError(s.RenderingID, lastErr) })
			state = Recovering

		case Recovering:
			if err := ctx.Err(); err != nil {
				rerr := c.cancelled(s, context.Cause(ctx))
				history = append(history, rerr)
				result = render.Failed(s.RenderingID, s.CurrentMethod, rerr, history)
				state = Terminal
				continue
			}
			state = Advancing
			if !c.deps.Recovery.ShouldRetry(lastErr, tries) {
				continue
			}
			plan, ok := c.deps.Recovery.AttemptRecovery(ctx, lastErr, s)
			c.deps.Observer.Recovery(lastErr.Type, plan.Action, ok)
			if !ok {
				continue
			}
			log.Info("Retrying method after recovery", "method", s.CurrentMethod, "action", plan.Action, "attempt", tries+1)
			if plan.Options.Timeout > sessionTimeout(s) && req.OnExtend != nil {
				req.OnExtend(plan.Options.Timeout)
			}
			s = req.newSession(s, plan.URL, plan.Options)
			tries++
			state = Attempting

		case Advancing:
			if !s.Options.FallbackEnabled || c.deps.Recovery.RefreshSpent(lastErr, s.RenderingID) {
				result = render.Failed(s.RenderingID, s.CurrentMethod, lastErr, history)
				state = Terminal
				continue
			}
			idx++
			tries = 1
			if idx < len(order) {
				log.Info("Falling back to next method", "failed", s.CurrentMethod, "next", order[idx])
			}
			s = req.newSession(s, s.URL, s.Options)
			state = Attempting
		}
	}

	if result.Success && c.deps.Canvas != nil {
		s.Surfaces = c.deps.Canvas.Surfaces(s.ID)
	}
	return result, s
}

// sessionTimeout is the timeout of s with the default applied
func sessionTimeout(s *render.Session) time.Duration {
	if s.Options.Timeout <= 0 {
		return render.DefaultTimeout
	}
	return s.Options.Timeout
}

// growth is how far recovery has stretched the timeout since the run began
func growth(s *render.Session, initial time.Duration) float64 {
	return max(1, float64(sessionTimeout(s))/float64(initial))
}

// expired is the terminal error of a run that used up its timeout
func (c *Chain) expired(s *render.Session, timeout time.Duration) *render.RenderError {
	rerr := render.NewError(render.TimeoutError, s.Stage, s.CurrentMethod, "rendering exceeded its timeout", context.DeadlineExceeded)
	rerr.Recoverable = false
	rerr.Context = map[string]any{"reason": "deadline", "limit": timeout.String()}
	return rerr
}

// cancelled converts a finished parent context into a terminal error
func (c *Chain) cancelled(s *render.Session, err error) *render.RenderError {
	rerr := render.NewError(render.TimeoutError, s.Stage, s.CurrentMethod, "rendering was stopped", err)
	rerr.Recoverable = false
	reason := "cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "deadline"
	}
	rerr.Context = map[string]any{"reason": reason}
	return rerr
}

// AttemptMethod runs one method for s under the per-method timeout. Panics
// are converted into errors. On failure everything the attempt opened or
// drew is released.
func (c *Chain) AttemptMethod(ctx context.Context, method render.Method, s *render.Session) *render.RenderResult {
	return c.attempt(ctx, method, s, c.methodTimeout(method, s, 1))
}

func (c *Chain) attempt(ctx context.Context, method render.Method, s *render.Session, budget time.Duration) (result *render.RenderResult) {
	start := time.Now()
	s.CurrentMethod = method
	log := Logger.With("renderingId", s.RenderingID, "sessionId", s.ID, "method", method, "attempt", s.AttemptCount)
	c.diag(func(d *diagnostics.Collector) error { return d.SetMethod(s.RenderingID, method) })

	strategy, ok := c.strategies[method]
	if !ok || !c.Enabled(method) {
		rerr := render.NewError(render.ParsingError, s.Stage, method, "rendering method is not available", nil)
		rerr.Recoverable = false
		s.AddError(rerr)
		return render.Failed(s.RenderingID, method, rerr, nil)
	}

	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	actx, span := c.tracer.Start(actx, "chain.AttemptMethod", trace.WithAttributes(
		attribute.String("pdfview.method", string(method)),
		attribute.String("pdfview.rendering_id", s.RenderingID),
		attribute.Int("pdfview.attempt", s.AttemptCount),
	))
	defer span.End()

	env := c.newEnv(s)
	var loaded *Loaded
	defer func() {
		if r := recover(); r != nil {
			result = c.fail(s, method, c.deps.Recovery.FromPanic(r, s), loaded)
		}
		d := time.Since(start)
		attempt := render.MethodAttempt{Method: method, Attempt: s.AttemptCount, Duration: d, Success: result.Success}
		if result.Error != nil {
			attempt.ErrorType = result.Error.Type
			span.RecordError(result.Error)
			span.SetStatus(codes.Error, result.Error.Message)
			log.Warn("Method failed", "type", result.Error.Type, "error", result.Error.Message, "duration", d)
		} else {
			span.SetStatus(codes.Ok, "")
			log.Info("Method succeeded", "pages", len(result.Pages), "duration", d)
		}
		if ctx.Err() != nil && !result.Success {
			log.Info("Method stopped", "duration", d)
			return
		}
		c.diag(func(dc *diagnostics.Collector) error { return dc.RecordAttempt(s.RenderingID, attempt) })
		c.deps.Observer.MethodAttempt(method, result.Success, attempt.ErrorType, d)
	}()

	var err error
	loaded, err = strategy.Load(actx, s, env)
	if err != nil {
		return c.fail(s, method, c.deps.Recovery.DetectError(err, s), loaded)
	}
	if loaded == nil || (loaded.Document == nil && loaded.DownloadURL == "") {
		return c.fail(s, method, render.NewError(render.ParsingError, s.Stage, method, "method produced nothing to show", nil), loaded)
	}

	if loaded.DownloadURL != "" {
		c.report(s, progress.Update{Stage: render.StageFinalizing, Message: "Document available for download"})
		return &render.RenderResult{
			Success:     true,
			RenderingID: s.RenderingID,
			Method:      method,
			DownloadURL: loaded.DownloadURL,
			Watermark:   s.Options.Watermark,
		}
	}

	doc := &openDocument{Document: loaded.Document, dpi: loaded.DPI}
	s.Document = doc
	pages, err := c.drawInitial(actx, s, doc, env.early)
	if err != nil {
		return c.fail(s, method, c.deps.Recovery.DetectError(err, s), loaded)
	}

	c.report(s, progress.Update{Stage: render.StageFinalizing, Message: fmt.Sprintf("Rendered %d pages", len(pages))})
	return &render.RenderResult{
		Success:     true,
		RenderingID: s.RenderingID,
		Method:      method,
		Pages:       pages,
		PageCount:   doc.PageCount(),
		Watermark:   s.Options.Watermark,
	}
}

// fail releases what the attempt holds and builds the failed result
func (c *Chain) fail(s *render.Session, method render.Method, rerr *render.RenderError, loaded *Loaded) *render.RenderResult {
	if loaded != nil && loaded.Document != nil {
		if err := loaded.Document.Close(); err != nil {
			Logger.Debug("Failed to close document", "renderingId", s.RenderingID, "error", err)
		}
	}
	s.Document = nil
	if c.deps.Canvas != nil {
		c.deps.Canvas.DestroyOwner(s.ID)
	}
	s.Surfaces = nil
	s.AddError(rerr)
	return render.Failed(s.RenderingID, method, rerr, nil)
}

// Release closes the document of s and destroys its surfaces
func (c *Chain) Release(s *render.Session) {
	if s == nil {
		return
	}
	if doc, ok := s.Document.(pdfrenderer.Document); ok && doc != nil {
		doc.Close()
	}
	s.Document = nil
	if c.deps.Canvas != nil {
		c.deps.Canvas.DestroyOwner(s.ID)
	}
	s.Surfaces = nil
}

// drawInitial draws the first MaxConcurrentPages pages concurrently
func (c *Chain) drawInitial(ctx context.Context, s *render.Session, doc *openDocument, early map[int]render.Page) ([]render.Page, error) {
	if c.deps.Canvas == nil {
		return nil, errors.New("no canvas manager configured")
	}
	count := doc.PageCount()
	if count <= 0 {
		return nil, render.NewError(render.CorruptionError, render.StageParsing, s.CurrentMethod, "document has no pages", nil)
	}
	limit := max(1, s.Options.TypeSpecific.MaxConcurrentPages)
	c.deps.Canvas.SetOwnerLimit(s.ID, limit)
	n := min(count, limit)
	c.report(s, progress.Update{Stage: render.StageRendering, Message: fmt.Sprintf("Rendering %d of %d pages", n, count)})

	start := time.Now()
	pages := make([]render.Page, n)
	var done atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		if p, ok := early[i]; ok && c.deps.Canvas.Exists(p.Surface) {
			pages[i] = p
			done.Add(1)
			continue
		}
		g.Go(func() error {
			p, err := c.drawPage(gctx, s, doc, i, doc.dpi)
			if err != nil {
				return err
			}
			pages[i] = p
			k := done.Add(1)
			c.report(s, progress.Update{Stage: render.StageRendering, StageProgress: float64(k) / float64(n)})
			return nil
		})
	}
	err := g.Wait()

	c.diag(func(d *diagnostics.Collector) error {
		return d.RecordTiming(s.RenderingID, diagnostics.TimingRender, time.Since(start))
	})
	c.diag(func(d *diagnostics.Collector) error {
		return d.SampleMemory(s.RenderingID, c.deps.Canvas.MemoryUsage())
	})
	if err != nil {
		return nil, err
	}
	s.Surfaces = c.deps.Canvas.Surfaces(s.ID)
	return pages, nil
}

// DrawPage draws page number (1-based) of a successful session on demand.
// Older surfaces of the session are evicted to respect its page window.
func (c *Chain) DrawPage(ctx context.Context, s *render.Session, number int) (render.Page, error) {
	doc, ok := s.Document.(*openDocument)
	if !ok || doc == nil {
		return render.Page{}, ErrNoDocument
	}
	if number < 1 || number > doc.PageCount() {
		return render.Page{}, fmt.Errorf("%w: page %d of %d", pdfrenderer.ErrPageOutOfRange, number, doc.PageCount())
	}
	page, err := c.drawPage(ctx, s, doc, number-1, doc.dpi)
	if err != nil {
		return render.Page{}, err
	}
	s.Surfaces = c.deps.Canvas.Surfaces(s.ID)
	return page, nil
}

// drawPage renders one page and copies it onto a new surface owned by s
func (c *Chain) drawPage(ctx context.Context, s *render.Session, doc pdfrenderer.Document, index int, dpi float64) (render.Page, error) {
	if !c.active(s.ID) {
		return render.Page{}, canvas.ErrInactiveOwner
	}
	img, err := doc.RenderPage(ctx, index, dpi)
	if err != nil {
		return render.Page{}, err
	}
	// the session may have been cancelled while the engine was busy
	if !c.active(s.ID) {
		return render.Page{}, canvas.ErrInactiveOwner
	}
	if err := c.relieveMemory(s); err != nil {
		return render.Page{}, err
	}

	b := img.Bounds()
	id, rerr := c.deps.Canvas.CreateCanvas(s.ID, b.Dx(), b.Dy())
	if rerr != nil {
		return render.Page{}, rerr
	}
	cx, rerr := c.deps.Canvas.GetContext(id)
	if rerr != nil {
		return render.Page{}, rerr
	}
	cx.DrawImage(img)
	w, h := cx.Size()
	return render.Page{Number: index + 1, Width: w, Height: h, Surface: id, RenderedAt: time.Now()}, nil
}

// relieveMemory frees surfaces according to the memory mode when the canvas
// reports pressure, and fails when the pressure remains.
func (c *Chain) relieveMemory(s *render.Session) error {
	if !c.deps.Canvas.CheckMemoryPressure() {
		return nil
	}
	switch s.Options.TypeSpecific.MemoryManagement {
	case render.MemoryAggressive:
		c.deps.Canvas.CleanupUnusedCanvases(s.ID, max(1, s.Options.TypeSpecific.MaxConcurrentPages/2))
	case render.MemoryBalanced:
		c.deps.Canvas.CleanupUnusedCanvases(s.ID, -1)
	}
	if c.deps.Canvas.CheckMemoryPressure() {
		return fmt.Errorf("%w: %d bytes held by surfaces", canvas.ErrOutOfMemory, c.deps.Canvas.MemoryUsage())
	}
	return nil
}

// report forwards u to the progress tracker. Inactive sessions report
// nothing. A stage behind the one already
// reported (a later method starting over) only refreshes the message and
// the stuck timer.
func (c *Chain) report(s *render.Session, u progress.Update) {
	if !c.active(s.ID) {
		return
	}
	if u.Stage != "" && u.Stage != s.Stage && s.Stage.CanTransitionTo(u.Stage) {
		s.Stage = u.Stage
		c.diag(func(d *diagnostics.Collector) error { return d.UpdateStage(s.RenderingID, u.Stage) })
	}
	if c.deps.Progress == nil {
		return
	}
	_, err := c.deps.Progress.UpdateProgress(s.RenderingID, u)
	if errors.Is(err, progress.ErrBackwardStage) {
		u.Stage = ""
		u.StageProgress = 0
		_, err = c.deps.Progress.UpdateProgress(s.RenderingID, u)
	}
	if err != nil && !errors.Is(err, progress.ErrNotFound) && !errors.Is(err, progress.ErrTerminal) {
		Logger.Debug("Progress update rejected", "renderingId", s.RenderingID, "error", err)
	}
}

func (c *Chain) diag(fn func(d *diagnostics.Collector) error) {
	if c.deps.Diagnostics == nil {
		return
	}
	if err := fn(c.deps.Diagnostics); err != nil && !errors.Is(err, diagnostics.ErrNotStarted) {
		Logger.Debug("Diagnostics update rejected", "error", err)
	}
}
