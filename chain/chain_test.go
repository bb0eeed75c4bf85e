package chain

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drummonds/pdfview/canvas"
	"github.com/drummonds/pdfview/diagnostics"
	"github.com/drummonds/pdfview/engine/pdfrenderer"
	"github.com/drummonds/pdfview/internal/pdftest"
	"github.com/drummonds/pdfview/network"
	"github.com/drummonds/pdfview/progress"
	"github.com/drummonds/pdfview/recovery"
	"github.com/drummonds/pdfview/render"
)

type fakeEngine struct {
	name    string
	pages   int
	openErr error
	panics  bool
	opened  atomic.Int32
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Open(ctx context.Context, data []byte, password string) (pdfrenderer.Document, error) {
	f.opened.Add(1)
	if f.panics {
		panic("engine blew up")
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, errors.New("not a pdf")
	}
	return &fakeDocument{pages: f.pages}, nil
}

func (f *fakeEngine) Close() error { return nil }

type fakeDocument struct {
	pages  int
	closed atomic.Bool
}

func (d *fakeDocument) PageCount() int { return d.pages }

func (d *fakeDocument) RenderPage(ctx context.Context, index int, dpi float64) (image.Image, error) {
	if d.closed.Load() {
		return nil, pdfrenderer.ErrClosed
	}
	img := image.NewRGBA(image.Rect(0, 0, 20, 30))
	img.Set(0, 0, color.Black)
	return img, nil
}

func (d *fakeDocument) Close() error {
	d.closed.Store(true)
	return nil
}

type countingObserver struct {
	attempts   atomic.Int32
	recoveries atomic.Int32
}

func (o *countingObserver) MethodAttempt(render.Method, bool, render.ErrorType, time.Duration) {
	o.attempts.Add(1)
}

func (o *countingObserver) Recovery(render.ErrorType, string, bool) {
	o.recoveries.Add(1)
}

type fixture struct {
	chain    *Chain
	canvas   *canvas.Manager
	tracker  *progress.Tracker
	diag     *diagnostics.Collector
	observer *countingObserver
	url      string
}

func newFixture(t *testing.T, alloc canvas.Allocator, cfg Config, strategies ...Strategy) *fixture {
	t.Helper()
	return newFixtureWith(t, fixtureOptions{alloc: alloc, cfg: cfg}, strategies...)
}

// fixtureOptions override parts of the default fixture
type fixtureOptions struct {
	alloc   canvas.Allocator
	cfg     Config
	handler http.Handler
	network network.Config
	issuer  network.URLIssuer
	preview pdfrenderer.Engine
}

func newFixtureWith(t *testing.T, fo fixtureOptions, strategies ...Strategy) *fixture {
	t.Helper()
	handler := fo.handler
	if handler == nil {
		data := pdftest.Minimal(6)
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.ServeContent(w, r, "doc.pdf", time.Time{}, bytes.NewReader(data))
		})
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	ncfg := fo.network
	if ncfg.MaxAttempts == 0 {
		ncfg.MaxAttempts = 2
		ncfg.BaseDelay = time.Millisecond
	}
	layer := network.NewLayer(ncfg, http.DefaultClient, fo.issuer)
	layer.SetSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
	cm := canvas.NewManager(canvas.Config{MaxConcurrentPages: 4}, fo.alloc)
	f := &fixture{
		canvas:   cm,
		tracker:  progress.NewTracker(progress.Config{}),
		diag:     diagnostics.NewCollector(10),
		observer: &countingObserver{},
		url:      server.URL + "/doc.pdf",
	}
	f.chain = New(fo.cfg, Deps{
		Canvas:      cm,
		Fetcher:     layer,
		Recovery:    recovery.NewSystem(cm, layer, recovery.Config{}),
		Progress:    f.tracker,
		Diagnostics: f.diag,
		Observer:    f.observer,
		Preview:     fo.preview,
	}, strategies...)
	return f
}

func (f *fixture) session(opts render.RenderOptions) *render.Session {
	s := render.NewSession("", f.url, opts.Normalize())
	f.tracker.InitializeProgress(s.RenderingID, render.StageInitializing)
	f.diag.StartDiagnostics(s.RenderingID, "", render.StageInitializing)
	return s
}

func allStrategies(engines map[render.Method]pdfrenderer.Engine) []Strategy {
	var out []Strategy
	for m, e := range engines {
		out = append(out, NewEngineStrategy(m, e, 1))
	}
	return append(out, DownloadStrategy{})
}

func TestFirstMethodSucceeds(t *testing.T) {
	pdfjs := &fakeEngine{name: "pdfium", pages: 6}
	browser := &fakeEngine{name: "chrome", pages: 6}
	f := newFixture(t, nil, Config{}, allStrategies(map[render.Method]pdfrenderer.Engine{
		render.MethodPDFJSCanvas:   pdfjs,
		render.MethodNativeBrowser: browser,
	})...)

	s := f.session(render.DefaultOptions())
	start := time.Now()
	res, final := f.chain.Run(context.Background(), Request{Session: s})
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Error)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Rendering took %s", time.Since(start))
	}
	if res.Method != render.MethodPDFJSCanvas {
		t.Errorf("Expected PDFJS_CANVAS, got %s", res.Method)
	}
	if res.PageCount != 6 {
		t.Errorf("Expected 6 pages in document, got %d", res.PageCount)
	}
	if len(res.Pages) != render.DefaultMaxConcurrentPages {
		t.Errorf("Expected %d eagerly drawn pages, got %d", render.DefaultMaxConcurrentPages, len(res.Pages))
	}
	for i, p := range res.Pages {
		if p.Number != i+1 {
			t.Errorf("Page %d has number %d", i, p.Number)
		}
		if !f.canvas.Exists(p.Surface) {
			t.Errorf("Surface of page %d does not exist", p.Number)
		}
	}
	if browser.opened.Load() != 0 {
		t.Error("Second method should not have been attempted")
	}
	if final.ID != s.ID {
		t.Error("A successful first attempt should keep its session")
	}
	state, _ := f.tracker.GetProgress(s.RenderingID)
	if state.Stage != render.StageFinalizing {
		t.Errorf("Expected FINALIZING, got %s", state.Stage)
	}
}

func TestFallbackToNativeBrowser(t *testing.T) {
	pdfjs := &fakeEngine{name: "pdfium", openErr: errors.New("unsupported feature in content stream")}
	browser := &fakeEngine{name: "chrome", pages: 2}
	f := newFixture(t, nil, Config{}, allStrategies(map[render.Method]pdfrenderer.Engine{
		render.MethodPDFJSCanvas:   pdfjs,
		render.MethodNativeBrowser: browser,
	})...)

	s := f.session(render.DefaultOptions())
	res, final := f.chain.Run(context.Background(), Request{Session: s})
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Error)
	}
	if res.Method != render.MethodNativeBrowser {
		t.Errorf("Expected NATIVE_BROWSER, got %s", res.Method)
	}
	if len(res.Errors) != 1 || res.Errors[0].Type != render.ParsingError {
		t.Errorf("Expected one parsing error in history, got %v", res.Errors)
	}
	if final.ID == s.ID {
		t.Error("Fallback should run in a fresh session")
	}
	if final.RenderingID != s.RenderingID {
		t.Error("Fallback must keep the rendering id")
	}
	if pdfjs.opened.Load() != 1 {
		t.Errorf("Parsing errors are not retried, PDFJS opened %d times", pdfjs.opened.Load())
	}

	d, err := f.diag.CompleteDiagnostics(s.RenderingID, true)
	if err != nil {
		t.Fatalf("CompleteDiagnostics failed: %v", err)
	}
	if len(d.Attempts) != 2 {
		t.Errorf("Expected two method attempts in diagnostics, got %d", len(d.Attempts))
	}
	if f.observer.attempts.Load() != 2 {
		t.Errorf("Expected observer to see 2 attempts, got %d", f.observer.attempts.Load())
	}

	stats, _ := f.chain.Store().Load(context.Background(), render.DocumentUnknown)
	if stats[render.MethodPDFJSCanvas].Failures != 1 || stats[render.MethodNativeBrowser].Successes != 1 {
		t.Errorf("Unexpected preference counters: %+v", stats)
	}
}

func TestCanvasFailureRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	alloc := canvas.AllocatorFunc(func(w, h int) (*image.RGBA, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("could not create 2d context")
		}
		return image.NewRGBA(image.Rect(0, 0, w, h)), nil
	})
	pdfjs := &fakeEngine{name: "pdfium", pages: 1}
	f := newFixture(t, alloc, Config{}, NewEngineStrategy(render.MethodPDFJSCanvas, pdfjs, 1), DownloadStrategy{})

	s := f.session(render.DefaultOptions())
	res, final := f.chain.Run(context.Background(), Request{Session: s})
	if !res.Success {
		t.Fatalf("Expected success on retry, got %v", res.Error)
	}
	if res.Method != render.MethodPDFJSCanvas {
		t.Errorf("Expected the same method to succeed, got %s", res.Method)
	}
	if len(res.Errors) != 1 || res.Errors[0].Type != render.CanvasError {
		t.Fatalf("Expected exactly one CANVAS_ERROR, got %v", res.Errors)
	}
	if final.AttemptCount != 2 {
		t.Errorf("Expected attempt count 2, got %d", final.AttemptCount)
	}
	if final.ID == s.ID {
		t.Error("Retry must use a fresh session")
	}
	if f.canvas.LiveCount(s.ID) != 0 {
		t.Error("Failed session still owns surfaces")
	}
	if f.observer.recoveries.Load() != 1 {
		t.Errorf("Expected one recovery, got %d", f.observer.recoveries.Load())
	}
}

func TestAllMethodsExhausted(t *testing.T) {
	broken := errors.New("xref table is corrupt")
	engines := map[render.Method]pdfrenderer.Engine{
		render.MethodPDFJSCanvas:      &fakeEngine{name: "pdfium", openErr: broken},
		render.MethodNativeBrowser:    &fakeEngine{name: "chrome", openErr: broken},
		render.MethodServerConversion: &fakeEngine{name: "service", openErr: broken},
		render.MethodImageBased:       &fakeEngine{name: "mupdf", openErr: broken},
	}
	var strategies []Strategy
	for m, e := range engines {
		strategies = append(strategies, NewEngineStrategy(m, e, 0.5))
	}
	f := newFixture(t, nil, Config{}, strategies...)

	s := f.session(render.DefaultOptions())
	res, _ := f.chain.Run(context.Background(), Request{Session: s})
	if res.Success {
		t.Fatal("Expected failure")
	}
	if res.Error.Type != render.AllMethodsExhausted {
		t.Fatalf("Expected ALL_METHODS_EXHAUSTED, got %s", res.Error.Type)
	}
	if res.Error.SuggestedAction() != render.ActionDownload {
		t.Errorf("Expected download to be suggested, got %s", res.Error.SuggestedAction())
	}
	if len(res.Errors) != 5 {
		t.Errorf("Expected 4 method errors plus exhaustion, got %d", len(res.Errors))
	}
	attempted, _ := res.Error.Context["attempted"].([]string)
	if len(attempted) != 4 {
		t.Errorf("Expected 4 attempted methods, got %v", attempted)
	}
	if f.canvas.Stats().Live != 0 {
		t.Error("No surface should survive a failed rendering")
	}
}

func TestDisabledMethodsAreSkipped(t *testing.T) {
	pdfjs := &fakeEngine{name: "pdfium", pages: 1}
	browser := &fakeEngine{name: "chrome", pages: 1}
	cfg := Config{Enabled: map[render.Method]bool{render.MethodPDFJSCanvas: false}}
	f := newFixture(t, nil, cfg, allStrategies(map[render.Method]pdfrenderer.Engine{
		render.MethodPDFJSCanvas:   pdfjs,
		render.MethodNativeBrowser: browser,
	})...)

	if got := f.chain.Methods(); len(got) != 2 || got[0] != render.MethodNativeBrowser {
		t.Fatalf("Unexpected enabled methods %v", got)
	}
	if next, ok := f.chain.GetNextMethod(render.MethodNativeBrowser); !ok || next != render.MethodDownloadFallback {
		t.Errorf("Expected DOWNLOAD_FALLBACK after NATIVE_BROWSER, got %s", next)
	}
	if _, ok := f.chain.GetNextMethod(render.MethodDownloadFallback); ok {
		t.Error("Nothing follows the last method")
	}

	s := f.session(render.DefaultOptions())
	res, _ := f.chain.Run(context.Background(), Request{Session: s})
	if !res.Success || res.Method != render.MethodNativeBrowser {
		t.Fatalf("Expected NATIVE_BROWSER success, got %+v", res)
	}
	if pdfjs.opened.Load() != 0 {
		t.Error("Disabled method was attempted")
	}
}

func TestDownloadFallbackWhenNothingRenders(t *testing.T) {
	pdfjs := &fakeEngine{name: "pdfium", openErr: errors.New("unsupported")}
	f := newFixture(t, nil, Config{}, NewEngineStrategy(render.MethodPDFJSCanvas, pdfjs, 1), DownloadStrategy{})

	s := f.session(render.DefaultOptions())
	res, _ := f.chain.Run(context.Background(), Request{Session: s})
	if !res.Success {
		t.Fatalf("Expected download fallback to succeed, got %v", res.Error)
	}
	if res.Method != render.MethodDownloadFallback {
		t.Errorf("Expected DOWNLOAD_FALLBACK, got %s", res.Method)
	}
	if res.DownloadURL != f.url {
		t.Errorf("Expected download URL %s, got %s", f.url, res.DownloadURL)
	}
	if len(res.Pages) != 0 {
		t.Error("Download fallback shows no pages")
	}
}

func TestFallbackDisabledStopsAfterFirstMethod(t *testing.T) {
	pdfjs := &fakeEngine{name: "pdfium", openErr: errors.New("unsupported")}
	browser := &fakeEngine{name: "chrome", pages: 1}
	f := newFixture(t, nil, Config{}, allStrategies(map[render.Method]pdfrenderer.Engine{
		render.MethodPDFJSCanvas:   pdfjs,
		render.MethodNativeBrowser: browser,
	})...)

	opts := render.DefaultOptions()
	opts.FallbackEnabled = false
	res, _ := f.chain.Run(context.Background(), Request{Session: f.session(opts)})
	if res.Success {
		t.Fatal("Expected failure without fallback")
	}
	if res.Error.Type != render.ParsingError {
		t.Errorf("Expected the method's own error, got %s", res.Error.Type)
	}
	if browser.opened.Load() != 0 {
		t.Error("Fallback happened although disabled")
	}
}

func TestPanicBecomesError(t *testing.T) {
	pdfjs := &fakeEngine{name: "pdfium", panics: true}
	browser := &fakeEngine{name: "chrome", pages: 1}
	f := newFixture(t, nil, Config{}, allStrategies(map[render.Method]pdfrenderer.Engine{
		render.MethodPDFJSCanvas:   pdfjs,
		render.MethodNativeBrowser: browser,
	})...)

	res, _ := f.chain.Run(context.Background(), Request{Session: f.session(render.DefaultOptions())})
	if !res.Success || res.Method != render.MethodNativeBrowser {
		t.Fatalf("Expected fallback after panic, got %+v", res)
	}
	if len(res.Errors) == 0 || res.Errors[0].Stack == "" {
		t.Error("Expected the panic to be recorded with a stack")
	}
}

func TestPreferredMethodLearned(t *testing.T) {
	pdfjs := &fakeEngine{name: "pdfium", pages: 1}
	browser := &fakeEngine{name: "chrome", pages: 1}
	f := newFixture(t, nil, Config{}, allStrategies(map[render.Method]pdfrenderer.Engine{
		render.MethodPDFJSCanvas:   pdfjs,
		render.MethodNativeBrowser: browser,
	})...)
	ctx := context.Background()

	if _, ok := f.chain.GetPreferredMethod(ctx, render.DocumentComplex); ok {
		t.Fatal("Cold start should have no preference")
	}
	f.chain.RecordMethodFailure(ctx, render.MethodPDFJSCanvas, render.DocumentComplex)
	f.chain.RecordMethodSuccess(ctx, render.MethodPDFJSCanvas, render.DocumentComplex)
	f.chain.RecordMethodSuccess(ctx, render.MethodNativeBrowser, render.DocumentComplex)
	f.chain.RecordMethodSuccess(ctx, render.MethodDownloadFallback, render.DocumentComplex)

	m, ok := f.chain.GetPreferredMethod(ctx, render.DocumentComplex)
	if !ok || m != render.MethodNativeBrowser {
		t.Fatalf("Expected NATIVE_BROWSER preferred, got %s", m)
	}

	opts := render.DefaultOptions()
	opts.TypeSpecific.DocumentType = render.DocumentComplex
	order := f.chain.Order(ctx, render.NewSession("", f.url, opts))
	if order[0] != render.MethodNativeBrowser || order[len(order)-1] != render.MethodDownloadFallback {
		t.Errorf("Unexpected order %v", order)
	}

	opts.PreferredMethod = render.MethodPDFJSCanvas
	order = f.chain.Order(ctx, render.NewSession("", f.url, opts))
	if order[0] != render.MethodPDFJSCanvas {
		t.Errorf("Caller preference should win, got %v", order)
	}
}

func TestDrawPageEvictsOldestSurface(t *testing.T) {
	pdfjs := &fakeEngine{name: "pdfium", pages: 6}
	f := newFixture(t, nil, Config{}, NewEngineStrategy(render.MethodPDFJSCanvas, pdfjs, 1))

	opts := render.DefaultOptions()
	opts.TypeSpecific.MaxConcurrentPages = 2
	res, s := f.chain.Run(context.Background(), Request{Session: f.session(opts)})
	if !res.Success || len(res.Pages) != 2 {
		t.Fatalf("Expected 2 eager pages, got %+v", res)
	}

	page, err := f.chain.DrawPage(context.Background(), s, 5)
	if err != nil {
		t.Fatalf("DrawPage failed: %v", err)
	}
	if page.Number != 5 {
		t.Errorf("Expected page 5, got %d", page.Number)
	}
	if f.canvas.LiveCount(s.ID) != 2 {
		t.Errorf("Expected the window to stay at 2 surfaces, got %d", f.canvas.LiveCount(s.ID))
	}
	if f.canvas.Exists(res.Pages[0].Surface) {
		t.Error("Oldest surface should have been evicted")
	}
	if _, err := f.chain.DrawPage(context.Background(), s, 7); !errors.Is(err, pdfrenderer.ErrPageOutOfRange) {
		t.Errorf("Expected ErrPageOutOfRange, got %v", err)
	}

	f.chain.Release(s)
	if f.canvas.LiveCount(s.ID) != 0 {
		t.Error("Release should destroy all surfaces")
	}
	if _, err := f.chain.DrawPage(context.Background(), s, 1); !errors.Is(err, ErrNoDocument) {
		t.Errorf("Expected ErrNoDocument, got %v", err)
	}
}

func TestInactiveSessionDrawsNothing(t *testing.T) {
	pdfjs := &fakeEngine{name: "pdfium", pages: 3}
	f := newFixture(t, nil, Config{}, NewEngineStrategy(render.MethodPDFJSCanvas, pdfjs, 1))
	f.chain.SetActiveCheck(func(string) bool { return false })

	opts := render.DefaultOptions()
	opts.FallbackEnabled = false
	res, _ := f.chain.Run(context.Background(), Request{Session: f.session(opts)})
	if res.Success {
		t.Fatal("An inactive session must not render")
	}
	if f.canvas.Stats().Live != 0 {
		t.Error("No surface may be created for an inactive session")
	}
}

func TestStreamingFetchReportsBytes(t *testing.T) {
	pdfjs := &fakeEngine{name: "pdfium", pages: 6}
	f := newFixture(t, nil, Config{}, NewEngineStrategy(render.MethodPDFJSCanvas, pdfjs, 1))

	opts := render.DefaultOptions()
	opts.TypeSpecific.EnableStreaming = true
	s := f.session(opts)
	res, _ := f.chain.Run(context.Background(), Request{Session: s})
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Error)
	}
	state, _ := f.tracker.GetProgress(s.RenderingID)
	if state.BytesLoaded != int64(len(pdftest.Minimal(6))) {
		t.Errorf("Expected all bytes reported, got %d", state.BytesLoaded)
	}
}

// waitingStrategy blocks until its attempt context ends and records how
// much time each attempt was given
type waitingStrategy struct {
	m       render.Method
	mu      sync.Mutex
	budgets []time.Duration
	started chan struct{}
}

func (w *waitingStrategy) Method() render.Method { return w.m }

func (w *waitingStrategy) Load(ctx context.Context, s *render.Session, env *Env) (*Loaded, error) {
	if deadline, ok := ctx.Deadline(); ok {
		w.mu.Lock()
		w.budgets = append(w.budgets, time.Until(deadline))
		w.mu.Unlock()
	}
	if w.started != nil {
		select {
		case w.started <- struct{}{}:
		default:
		}
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutRecoveryGrowsAttemptBudget(t *testing.T) {
	slow := &waitingStrategy{m: render.MethodPDFJSCanvas}
	cfg := Config{MethodTimeouts: map[render.Method]time.Duration{render.MethodPDFJSCanvas: 100 * time.Millisecond}}
	f := newFixture(t, nil, cfg, slow, DownloadStrategy{})

	opts := render.DefaultOptions()
	opts.Timeout = 2 * time.Second
	opts.FallbackEnabled = false
	var extended []time.Duration
	res, final := f.chain.Run(context.Background(), Request{
		Session:  f.session(opts),
		OnExtend: func(timeout time.Duration) { extended = append(extended, timeout) },
	})
	if res.Success || res.Error.Type != render.TimeoutError {
		t.Fatalf("Expected TIMEOUT_ERROR, got %+v", res.Error)
	}
	if len(slow.budgets) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(slow.budgets))
	}
	for i := 1; i < len(slow.budgets); i++ {
		if slow.budgets[i] <= slow.budgets[i-1] {
			t.Errorf("Attempt %d was not given more time: %v", i+1, slow.budgets)
		}
	}
	if slow.budgets[0] > 100*time.Millisecond || slow.budgets[2] < 200*time.Millisecond {
		t.Errorf("Expected budgets near 100ms, 150ms, 225ms, got %v", slow.budgets)
	}
	if len(extended) != 2 || extended[0] != 3*time.Second || extended[1] != 4500*time.Millisecond {
		t.Errorf("Expected the timeout to be extended to 3s then 4.5s, got %v", extended)
	}
	if final.Options.Timeout != 4500*time.Millisecond {
		t.Errorf("Final session should carry the extended timeout, got %s", final.Options.Timeout)
	}
}

func TestRunEndsWhenTimeoutIsUsedUp(t *testing.T) {
	slow := &waitingStrategy{m: render.MethodPDFJSCanvas}
	f := newFixture(t, nil, Config{}, slow, DownloadStrategy{})

	opts := render.DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	start := time.Now()
	res, _ := f.chain.Run(context.Background(), Request{Session: f.session(opts), Start: start.Add(-time.Second)})
	if res.Success || res.Error.Type != render.TimeoutError || res.Error.Context["reason"] != "deadline" {
		t.Fatalf("Expected a deadline TIMEOUT_ERROR, got %+v", res.Error)
	}
	if len(slow.budgets) != 0 {
		t.Errorf("No attempt should start past the deadline, got %d", len(slow.budgets))
	}
}

type countingIssuer struct {
	calls atomic.Int32
	fresh string
}

func (c *countingIssuer) RefreshURL(ctx context.Context, url string) (string, error) {
	c.calls.Add(1)
	return c.fresh, nil
}

func TestSignedURLRefreshedOncePerRendering(t *testing.T) {
	var requests atomic.Int32
	issuer := &countingIssuer{}
	f := newFixtureWith(t, fixtureOptions{
		handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}),
		issuer: issuer,
	}, allStrategies(map[render.Method]pdfrenderer.Engine{
		render.MethodPDFJSCanvas:      &fakeEngine{name: "pdfium", pages: 1},
		render.MethodNativeBrowser:    &fakeEngine{name: "chrome", pages: 1},
		render.MethodServerConversion: &fakeEngine{name: "service", pages: 1},
	})...)
	issuer.fresh = f.url + "?sig=fresh"

	res, _ := f.chain.Run(context.Background(), Request{Session: f.session(render.DefaultOptions())})
	if res.Success {
		t.Fatal("A document that always answers 403 cannot render")
	}
	if res.Error.Type != render.AuthenticationError {
		t.Fatalf("Expected the rendering to end on AUTHENTICATION_ERROR, got %s", res.Error.Type)
	}
	if issuer.calls.Load() != 1 {
		t.Errorf("Expected one signed URL refresh for the rendering, got %d", issuer.calls.Load())
	}
	if n := requests.Load(); n > 2 {
		t.Errorf("Expected the original and the refreshed request only, got %d", n)
	}
}

// countingEngine serves fakeDocuments and counts drawn pages
type countingEngine struct {
	name  string
	pages int
	drawn atomic.Int32
}

func (e *countingEngine) Name() string { return e.name }

func (e *countingEngine) Open(ctx context.Context, data []byte, password string) (pdfrenderer.Document, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, errors.New("not a pdf")
	}
	return &countingDocument{fakeDocument: fakeDocument{pages: e.pages}, drawn: &e.drawn}, nil
}

func (e *countingEngine) Close() error { return nil }

type countingDocument struct {
	fakeDocument
	drawn *atomic.Int32
}

func (d *countingDocument) RenderPage(ctx context.Context, index int, dpi float64) (image.Image, error) {
	d.drawn.Add(1)
	return d.fakeDocument.RenderPage(ctx, index, dpi)
}

func TestStreamingPreviewDrawsEarlyPages(t *testing.T) {
	preview := &countingEngine{name: "mupdf", pages: 6}
	primary := &countingEngine{name: "pdfium", pages: 6}
	f := newFixtureWith(t, fixtureOptions{
		network: network.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, ChunkSize: 128},
		preview: preview,
	}, NewEngineStrategy(render.MethodPDFJSCanvas, primary, 1), DownloadStrategy{})

	opts := render.DefaultOptions()
	opts.TypeSpecific.EnableStreaming = true
	opts.TypeSpecific.MaxConcurrentPages = 2
	res, s := f.chain.Run(context.Background(), Request{Session: f.session(opts)})
	if !res.Success || len(res.Pages) != 2 {
		t.Fatalf("Expected 2 pages, got %+v", res)
	}
	if preview.drawn.Load() != 2 {
		t.Errorf("Expected both window pages previewed, got %d", preview.drawn.Load())
	}
	if primary.drawn.Load() != 0 {
		t.Errorf("Previewed pages should be reused, main engine drew %d", primary.drawn.Load())
	}
	for _, p := range res.Pages {
		if !f.canvas.Exists(p.Surface) {
			t.Errorf("Previewed page %d was released", p.Number)
		}
	}
	if f.canvas.LiveCount(s.ID) != 2 {
		t.Errorf("Expected 2 live surfaces, got %d", f.canvas.LiveCount(s.ID))
	}
}

func TestMemoryRecoveryHalvesConcurrency(t *testing.T) {
	var oom atomic.Bool
	alloc := canvas.AllocatorFunc(func(w, h int) (*image.RGBA, error) {
		if oom.CompareAndSwap(true, false) {
			return nil, canvas.ErrOutOfMemory
		}
		return image.NewRGBA(image.Rect(0, 0, w, h)), nil
	})
	pdfjs := &fakeEngine{name: "pdfium", pages: 6}
	f := newFixture(t, alloc, Config{}, NewEngineStrategy(render.MethodPDFJSCanvas, pdfjs, 1), DownloadStrategy{})

	for i := 0; i < 3; i++ {
		if _, rerr := f.canvas.CreateCanvas("other", 10, 10); rerr != nil {
			t.Fatalf("CreateCanvas failed: %v", rerr)
		}
	}
	oom.Store(true)

	opts := render.DefaultOptions()
	opts.TypeSpecific.MaxConcurrentPages = 4
	res, final := f.chain.Run(context.Background(), Request{Session: f.session(opts)})
	if !res.Success || res.Method != render.MethodPDFJSCanvas {
		t.Fatalf("Expected the retry to succeed, got %+v", res.Error)
	}
	if len(res.Errors) != 1 || res.Errors[0].Type != render.MemoryError {
		t.Errorf("Expected one MEMORY_ERROR in history, got %v", res.Errors)
	}
	if final.Options.TypeSpecific.MaxConcurrentPages != 2 || len(res.Pages) != 2 {
		t.Errorf("Expected concurrency halved to 2, got %d with %d pages", final.Options.TypeSpecific.MaxConcurrentPages, len(res.Pages))
	}
	if f.canvas.LiveCount("other") != 3 {
		t.Errorf("Memory recovery must not touch other renderings, %d of 3 surfaces left", f.canvas.LiveCount("other"))
	}
}

func TestCancelIsNotAMethodFailure(t *testing.T) {
	slow := &waitingStrategy{m: render.MethodPDFJSCanvas, started: make(chan struct{}, 1)}
	f := newFixture(t, nil, Config{}, slow, DownloadStrategy{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-slow.started
		cancel()
	}()
	s := f.session(render.DefaultOptions())
	res, _ := f.chain.Run(ctx, Request{Session: s})
	if res.Success || res.Error.Type != render.TimeoutError || res.Error.Context["reason"] != "cancelled" {
		t.Fatalf("Expected a cancelled TIMEOUT_ERROR, got %+v", res.Error)
	}

	stats, _ := f.chain.Store().Load(context.Background(), render.DocumentUnknown)
	if stats[render.MethodPDFJSCanvas].Failures != 0 {
		t.Errorf("Cancel counted as a method failure: %+v", stats)
	}
	if f.observer.attempts.Load() != 0 {
		t.Errorf("Cancelled attempt reached the observer")
	}
	d, err := f.diag.CompleteDiagnostics(s.RenderingID, false)
	if err != nil {
		t.Fatalf("CompleteDiagnostics failed: %v", err)
	}
	if len(d.Attempts) != 0 || len(d.Errors) != 0 {
		t.Errorf("Cancel should leave no attempts or errors, got %d and %d", len(d.Attempts), len(d.Errors))
	}
}
