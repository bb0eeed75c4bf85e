package engine

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/drummonds/pdfview/canvas"
	"github.com/drummonds/pdfview/chain"
	"github.com/drummonds/pdfview/diagnostics"
	"github.com/drummonds/pdfview/progress"
	"github.com/drummonds/pdfview/recovery"
	"github.com/drummonds/pdfview/render"
)

var (
	ErrSessionNotFound = errors.New("rendering not found")
	ErrNotStuck        = errors.New("rendering is not stuck")
	ErrNotFinished     = errors.New("rendering has not finished")
	ErrNoPages         = errors.New("rendering has no drawable pages")
)

// Analyzer profiles a document before rendering
type Analyzer interface {
	AnalyzeDocument(ctx context.Context, url string) (render.DocumentCharacteristics, error)
	GetOptimizedOptions(dc render.DocumentCharacteristics, base render.RenderOptions) render.RenderOptions
}

// RendererConfig holds the orchestrator limits
type RendererConfig struct {
	// HardCeiling is added to the session timeout; past it a TIMEOUT result is forced
	HardCeiling time.Duration
	// ProbeTimeout bounds the document profile read
	ProbeTimeout time.Duration
	// Retention is how long finished renderings are kept before reaping
	Retention time.Duration
}

// RendererDeps are the components the orchestrator coordinates. Analyzer and Diagnostics are optional.
type RendererDeps struct {
	Chain       *chain.Chain
	Canvas      *canvas.Manager
	Progress    *progress.Tracker
	Diagnostics *diagnostics.Collector
	Recovery    *recovery.System
	Analyzer    Analyzer
}

// rendering is the caller-facing record behind one rendering id. It
// outlives the sessions that work on it.
type rendering struct {
	id    string
	url   string
	opts  render.RenderOptions
	tuned bool
	// limit is the timeout of the running generation, grown by timeout recovery
	limit   time.Duration
	started time.Time
	gen     int
	cancel  context.CancelFunc
	timer   *time.Timer
	done    chan struct{}
	closed  bool
	result  *render.RenderResult
	session *render.Session
	ended   time.Time
	// drawMu serializes on-demand page draws against each other and against release
	drawMu sync.Mutex
}

// Renderer is the reliable PDF renderer. Every rendering it starts ends in
// a terminal result.
type Renderer struct {
	cfg  RendererConfig
	deps RendererDeps

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu         sync.Mutex
	renderings map[string]*rendering
	// sessions maps live session ids to their rendering id
	sessions map[string]string
	// viewers maps a viewer id to the rendering shown in it
	viewers  map[string]string
	onStuck  func(id string, state render.ProgressState)
	onResult func(res *render.RenderResult)
}

// NewRenderer wires the orchestrator to its components
func NewRenderer(cfg RendererConfig, deps RendererDeps) *Renderer {
	if cfg.HardCeiling <= 0 {
		cfg.HardCeiling = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.NewSystem(nil, nil, recovery.Config{})
	}
	base, stop := context.WithCancel(context.Background())
	r := &Renderer{
		cfg:        cfg,
		deps:       deps,
		base:       base,
		stop:       stop,
		renderings: make(map[string]*rendering),
		sessions:   make(map[string]string),
		viewers:    make(map[string]string),
	}
	if deps.Canvas != nil {
		deps.Canvas.SetActiveCheck(r.isActive)
	}
	deps.Chain.SetActiveCheck(r.isActive)
	deps.Progress.SetStuckHandler(r.stuck)
	return r
}

// SetStuckHook registers fn to be told when a rendering stops making progress
func (r *Renderer) SetStuckHook(fn func(id string, state render.ProgressState)) {
	r.mu.Lock()
	r.onStuck = fn
	r.mu.Unlock()
}

// SetResultHook registers fn to receive every terminal result
func (r *Renderer) SetResultHook(fn func(res *render.RenderResult)) {
	r.mu.Lock()
	r.onResult = fn
	r.mu.Unlock()
}

func (r *Renderer) stuck(id string, state render.ProgressState) {
	r.mu.Lock()
	fn := r.onStuck
	r.mu.Unlock()
	Logger.Warn("Rendering stuck, force retry available", "renderingId", id, "stage", state.Stage, "percentage", state.Percentage)
	if fn != nil {
		fn(id, state)
	}
}

// isActive reports whether sessionID may still touch the canvas pool
func (r *Renderer) isActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// RenderPDF renders url and blocks until a terminal result. It returns
// within the effective timeout plus the hard ceiling.
func (r *Renderer) RenderPDF(ctx context.Context, url string, opts render.RenderOptions) *render.RenderResult {
	id := r.StartRendering(url, opts)
	res, err := r.Wait(ctx, id)
	if err != nil {
		r.CancelRendering(id)
		if res, ok := r.Result(id); ok {
			return res
		}
		rerr := render.NewError(render.TimeoutError, render.StageError, "", "rendering was stopped", err)
		rerr.Recoverable = false
		return render.Failed(id, "", rerr, []*render.RenderError{rerr})
	}
	return res
}

// StartRendering begins rendering url in the background and returns the rendering id
func (r *Renderer) StartRendering(url string, opts render.RenderOptions) string {
	id := ulid.Make().String()
	rd := &rendering{
		id:   id,
		url:  url,
		opts: opts.Normalize().Clone(),
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.renderings[id] = rd
	r.launchLocked(rd)
	r.mu.Unlock()
	Logger.Info("Rendering started", "renderingId", id, "url", redactURL(url))
	return id
}

// launchLocked starts a generation of work for rd. r.mu must be held.
func (r *Renderer) launchLocked(rd *rendering) {
	rd.gen++
	gen := rd.gen
	opts := rd.opts.Clone()

	r.deps.Progress.InitializeProgress(rd.id, render.StageInitializing)
	if opts.DiagnosticsEnabled && r.deps.Diagnostics != nil {
		r.deps.Diagnostics.StartDiagnostics(rd.id, opts.PreferredMethod, render.StageInitializing)
	}

	ctx, cancel := context.WithCancel(r.base)
	rd.cancel = cancel
	start := time.Now()
	rd.started = start
	rd.limit = opts.Timeout
	rd.timer = time.AfterFunc(opts.Timeout+r.cfg.HardCeiling, func() { r.expire(rd, gen) })

	r.wg.Add(1)
	go r.run(ctx, rd, gen, opts, start)
}

// run is one generation of work: profile, then the method chain
func (r *Renderer) run(ctx context.Context, rd *rendering, gen int, opts render.RenderOptions, start time.Time) {
	defer r.wg.Done()
	var s *render.Session
	defer func() {
		if v := recover(); v != nil {
			rerr := r.deps.Recovery.FromPanic(v, s)
			Logger.Error("Rendering panicked", "renderingId", rd.id, "error", rerr.Message)
			var history []*render.RenderError
			if s != nil {
				history = s.ErrorHistory()
			}
			r.finish(rd, gen, render.Failed(rd.id, rerr.Method, rerr, history), s)
		}
	}()

	r.mu.Lock()
	tune := !rd.tuned
	r.mu.Unlock()
	if tune {
		opts = r.tune(ctx, rd.url, opts)
		r.mu.Lock()
		if rd.gen == gen {
			rd.opts = opts.Clone()
			rd.tuned = true
			rd.limit = opts.Timeout
			rd.timer.Reset(time.Until(start.Add(opts.Timeout + r.cfg.HardCeiling)))
		}
		r.mu.Unlock()
	}

	s = r.newSession(nil, rd.id, rd.url, opts)
	res, final := r.deps.Chain.Run(ctx, chain.Request{
		Session:    s,
		NewSession: r.chainSession,
		Start:      start,
		OnExtend:   func(timeout time.Duration) { r.extend(rd, gen, timeout) },
	})
	s = final
	r.finish(rd, gen, res, final)
}

// extend moves the hard ceiling of generation gen out to a timeout grown by recovery
func (r *Renderer) extend(rd *rendering, gen int, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rd.gen != gen || rd.result != nil || timeout <= rd.limit {
		return
	}
	Logger.Info("Rendering timeout extended", "renderingId", rd.id, "from", rd.limit, "to", timeout)
	rd.limit = timeout
	rd.timer.Reset(time.Until(rd.started.Add(timeout + r.cfg.HardCeiling)))
}

// tune applies document type specific options. Probe failures keep the defaults.
func (r *Renderer) tune(ctx context.Context, url string, opts render.RenderOptions) render.RenderOptions {
	if r.deps.Analyzer == nil {
		return opts
	}
	pctx, cancel := context.WithTimeout(ctx, min(r.cfg.ProbeTimeout, opts.Timeout))
	defer cancel()
	dc, err := r.deps.Analyzer.AnalyzeDocument(pctx, url)
	if err != nil {
		Logger.Warn("Document profile unavailable, using default options", "url", redactURL(url), "error", err)
		return opts
	}
	Logger.Debug("Document profiled", "type", dc.Type, "size", dc.SizeBytes, "pages", dc.PageCount, "corrupted", dc.IsCorrupted)
	return r.deps.Analyzer.GetOptimizedOptions(dc, opts)
}

// newSession registers a fresh session and retires prev. A session shown
// in a viewer replaces whatever rendering that viewer showed before.
func (r *Renderer) newSession(prev *render.Session, renderingID, url string, opts render.RenderOptions) *render.Session {
	s := render.NewSession(renderingID, url, opts)
	var superseded string
	r.mu.Lock()
	if prev != nil {
		delete(r.sessions, prev.ID)
	}
	r.sessions[s.ID] = renderingID
	if v := opts.ViewerID; v != "" {
		if other, ok := r.viewers[v]; ok && other != renderingID {
			superseded = other
		}
		r.viewers[v] = renderingID
	}
	r.mu.Unlock()

	if superseded != "" {
		r.supersede(superseded)
	}
	if opts.ViewerID != "" && r.deps.Canvas != nil {
		r.deps.Canvas.SwitchDocument(opts.ViewerID, s.ID)
	}
	return s
}

// chainSession adapts newSession to the chain's factory signature
func (r *Renderer) chainSession(prev *render.Session, url string, opts render.RenderOptions) *render.Session {
	return r.newSession(prev, prev.RenderingID, url, opts)
}

// expire forces a TIMEOUT result when a generation outlives the hard ceiling
func (r *Renderer) expire(rd *rendering, gen int) {
	r.mu.Lock()
	if rd.gen != gen || rd.result != nil {
		r.mu.Unlock()
		return
	}
	rerr := render.NewError(render.TimeoutError, render.StageError, "", "rendering exceeded its time limit", context.DeadlineExceeded)
	rerr.Recoverable = true
	rerr.Context = map[string]any{"reason": "hard-ceiling", "limit": (rd.limit + r.cfg.HardCeiling).String()}
	Logger.Error("Rendering hit the hard ceiling", "renderingId", rd.id, "limit", rd.limit+r.cfg.HardCeiling)
	// the running chain result is discarded when it arrives
	rd.gen++
	rd.cancel()
	r.mu.Unlock()

	r.deactivate(rd.id)
	r.complete(rd, render.Failed(rd.id, "", rerr, []*render.RenderError{rerr}), nil)
}

// finish stores the chain result of generation gen. Late results of
// superseded generations are released and dropped.
func (r *Renderer) finish(rd *rendering, gen int, res *render.RenderResult, s *render.Session) {
	r.mu.Lock()
	stale := rd.gen != gen || rd.result != nil
	r.mu.Unlock()
	if stale {
		Logger.Debug("Discarding superseded rendering result", "renderingId", rd.id)
		r.retire(s)
		return
	}
	if !res.Success {
		r.retire(s)
		s = nil
	}
	r.complete(rd, res, s)
}

// complete publishes res for rd and finalizes progress and diagnostics
func (r *Renderer) complete(rd *rendering, res *render.RenderResult, s *render.Session) {
	if res.Success {
		r.deps.Progress.CompleteProgress(rd.id)
	} else {
		msg := "Rendering failed"
		if res.Error != nil {
			msg = res.Error.UserMessage()
		}
		r.deps.Progress.FailProgress(rd.id, msg)
	}
	if rd.opts.DiagnosticsEnabled && r.deps.Diagnostics != nil {
		if res.Error != nil && res.Error.Type == render.TimeoutError {
			_ = r.deps.Diagnostics.AddError(rd.id, res.Error)
		}
		d, err := r.deps.Diagnostics.CompleteDiagnostics(rd.id, res.Success)
		if err == nil {
			res.Diagnostics = d
		}
	}
	r.deps.Recovery.Forget(rd.id)
	if res.Watermark == nil {
		res.Watermark = rd.opts.Watermark
	}

	r.mu.Lock()
	if rd.timer != nil {
		rd.timer.Stop()
	}
	rd.result = res
	rd.session = s
	rd.ended = time.Now()
	if !rd.closed {
		close(rd.done)
		rd.closed = true
	}
	onResult := r.onResult
	r.mu.Unlock()

	if onResult != nil {
		onResult(res)
	}

	if res.Success {
		Logger.Info("Rendering complete", "renderingId", rd.id, "method", res.Method, "pages", len(res.Pages))
	} else if res.Error != nil {
		Logger.Warn("Rendering failed", "renderingId", rd.id, "type", res.Error.Type, "error", res.Error.Message)
	}
}

// deactivate stops every live session of a rendering and frees its surfaces.
// The goroutine still running it notices at its next active check.
func (r *Renderer) deactivate(renderingID string) {
	r.mu.Lock()
	var ids []string
	for sid, rid := range r.sessions {
		if rid == renderingID {
			ids = append(ids, sid)
			delete(r.sessions, sid)
		}
	}
	r.mu.Unlock()
	if r.deps.Canvas == nil {
		return
	}
	for _, sid := range ids {
		r.deps.Canvas.DestroyOwner(sid)
	}
}

// retire releases everything s holds and stops treating it as active
func (r *Renderer) retire(s *render.Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	r.deps.Chain.Release(s)
}

// release retires the finished session of rd once no page draw is using it
func (r *Renderer) release(rd *rendering, s *render.Session) {
	if s == nil {
		return
	}
	rd.drawMu.Lock()
	defer rd.drawMu.Unlock()
	r.retire(s)
}

func (r *Renderer) get(id string) (*rendering, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rd, ok := r.renderings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rd, nil
}

// Wait blocks until rendering id reaches a terminal result or ctx is done.
// A retry started while waiting is followed to its own result.
func (r *Renderer) Wait(ctx context.Context, id string) (*render.RenderResult, error) {
	rd, err := r.get(id)
	if err != nil {
		return nil, err
	}
	for {
		r.mu.Lock()
		done := rd.done
		r.mu.Unlock()
		select {
		case <-done:
			r.mu.Lock()
			res, same := rd.result, rd.done == done
			r.mu.Unlock()
			if same && res != nil {
				return res, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Result returns the terminal result of id if it has one
func (r *Renderer) Result(id string) (*render.RenderResult, bool) {
	rd, err := r.get(id)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return rd.result, rd.result != nil
}

// Restart starts a fresh generation for id from its URL and options only.
// Surfaces of the previous session are released first and any running
// generation is cancelled.
func (r *Renderer) Restart(id string) error {
	rd, err := r.get(id)
	if err != nil {
		return err
	}
	prev, running := r.halt(rd)
	r.release(rd, prev)
	if running {
		r.deactivate(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := rd.done
	rd.done = make(chan struct{})
	if !rd.closed {
		close(old)
	}
	rd.closed = false
	rd.result = nil
	rd.ended = time.Time{}
	r.launchLocked(rd)
	Logger.Info("Rendering restarted", "renderingId", id, "generation", rd.gen)
	return nil
}

// halt stops the running generation of rd and detaches its session. The
// generation is bumped under the same lock so a late result of the stopped
// generation is discarded.
func (r *Renderer) halt(rd *rendering) (prev *render.Session, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = rd.session
	rd.session = nil
	running = rd.result == nil
	rd.gen++
	if rd.cancel != nil {
		rd.cancel()
		rd.cancel = nil
	}
	if rd.timer != nil {
		rd.timer.Stop()
	}
	return prev, running
}

// RetryRendering restarts id and waits for the new result
func (r *Renderer) RetryRendering(ctx context.Context, id string) (*render.RenderResult, error) {
	if err := r.Restart(id); err != nil {
		return nil, err
	}
	return r.Wait(ctx, id)
}

// ForceRetry restarts a rendering that the stuck detector flagged
func (r *Renderer) ForceRetry(ctx context.Context, id string) error {
	if _, err := r.get(id); err != nil {
		return err
	}
	state, ok := r.deps.Progress.GetProgress(id)
	if !ok || !state.IsStuck {
		return fmt.Errorf("%w: %s", ErrNotStuck, id)
	}
	Logger.Info("Force retry of stuck rendering", "renderingId", id, "stage", state.Stage)
	return r.Restart(id)
}

// CancelRendering stops id, releases its surfaces and drops its progress.
// Cancelling twice is a no-op.
func (r *Renderer) CancelRendering(id string) error {
	if err := r.terminate(id, "cancelled", "rendering was cancelled"); err != nil {
		return err
	}
	r.deps.Progress.Remove(id)
	Logger.Info("Rendering cancelled", "renderingId", id)
	return nil
}

// supersede stops a rendering whose viewer now shows another document.
// Its result stays readable but holds no pages.
func (r *Renderer) supersede(id string) {
	if err := r.terminate(id, "superseded", "rendering was replaced by another document in the same viewer"); err != nil {
		Logger.Debug("Superseded rendering already gone", "renderingId", id, "error", err)
		return
	}
	Logger.Info("Rendering superseded in its viewer", "renderingId", id)
}

// terminate ends id with a terminal TIMEOUT result carrying reason when it is
// still running and releases whatever it holds.
func (r *Renderer) terminate(id, reason, message string) error {
	rd, err := r.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if rd.result != nil && rd.session == nil && rd.cancel == nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	prev, running := r.halt(rd)
	r.release(rd, prev)
	if running {
		r.deactivate(id)
		rerr := render.NewError(render.TimeoutError, render.StageError, "", message, context.Canceled)
		rerr.Recoverable = false
		rerr.Context = map[string]any{"reason": reason}
		r.complete(rd, render.Failed(id, "", rerr, []*render.RenderError{rerr}), nil)
	}
	return nil
}

// GetProgress returns the progress of id
func (r *Renderer) GetProgress(id string) (render.ProgressState, bool) {
	return r.deps.Progress.GetProgress(id)
}

// OnProgressUpdate subscribes fn to progress of id
func (r *Renderer) OnProgressUpdate(id string, fn func(render.ProgressState)) (func(), error) {
	return r.deps.Progress.Subscribe(id, fn)
}

// RenderPage draws page number of a successful rendering on demand. Draws
// of one rendering run one at a time.
func (r *Renderer) RenderPage(ctx context.Context, id string, number int) (render.Page, error) {
	rd, err := r.get(id)
	if err != nil {
		return render.Page{}, err
	}
	rd.drawMu.Lock()
	defer rd.drawMu.Unlock()

	r.mu.Lock()
	res, s := rd.result, rd.session
	r.mu.Unlock()
	if res == nil {
		return render.Page{}, fmt.Errorf("%w: %s", ErrNotFinished, id)
	}
	if !res.Success || s == nil || s.Document == nil {
		return render.Page{}, fmt.Errorf("%w: %s", ErrNoPages, id)
	}
	for _, p := range res.Pages {
		if p.Number == number && r.deps.Canvas.Exists(p.Surface) {
			return p, nil
		}
	}
	return r.deps.Chain.DrawPage(ctx, s, number)
}

// Surface returns the canvas manager holding page pixels
func (r *Renderer) Surface() *canvas.Manager {
	return r.deps.Canvas
}

// Diagnostics returns the collector, which may be nil
func (r *Renderer) Diagnostics() *diagnostics.Collector {
	return r.deps.Diagnostics
}

// ReleaseResult frees the document and surfaces of a finished rendering and forgets it
func (r *Renderer) ReleaseResult(id string) error {
	rd, err := r.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if rd.result == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFinished, id)
	}
	s := rd.session
	rd.session = nil
	delete(r.renderings, id)
	if v := rd.opts.ViewerID; v != "" && r.viewers[v] == id {
		delete(r.viewers, v)
	}
	r.mu.Unlock()

	r.release(rd, s)
	r.deps.Progress.Remove(id)
	return nil
}

// Reap releases renderings that finished before the retention window
func (r *Renderer) Reap(now time.Time) int {
	r.mu.Lock()
	var expired []string
	for id, rd := range r.renderings {
		if rd.result != nil && !rd.ended.IsZero() && now.Sub(rd.ended) > r.cfg.Retention {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		if err := r.ReleaseResult(id); err != nil {
			Logger.Debug("Reap skipped rendering", "renderingId", id, "error", err)
		}
	}
	if len(expired) > 0 {
		Logger.Info("Reaped finished renderings", "count", len(expired))
	}
	return len(expired)
}

// Active returns the number of renderings without a terminal result
func (r *Renderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rd := range r.renderings {
		if rd.result == nil {
			n++
		}
	}
	return n
}

// Shutdown cancels all running work and waits for it to stop
func (r *Renderer) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// redactURL drops the query so signatures never reach the logs
func redactURL(raw string) string {
	if u, err := neturl.Parse(raw); err == nil {
		u.RawQuery = ""
		return u.String()
	}
	return "<invalid url>"
}
