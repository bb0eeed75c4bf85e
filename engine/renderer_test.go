package engine

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
	"github.com/drummonds/pdfview/chain"
	"github.com/drummonds/pdfview/diagnostics"
	"github.com/drummonds/pdfview/doctype"
	"github.com/drummonds/pdfview/engine/pdfrenderer"
	"github.com/drummonds/pdfview/internal/pdftest"
	"github.com/drummonds/pdfview/network"
	"github.com/drummonds/pdfview/progress"
	"github.com/drummonds/pdfview/recovery"
	"github.com/drummonds/pdfview/render"
)

// gateEngine serves image documents. The first `block` opens wait on gate;
// with ignoreCtx they also ignore cancellation, like a wedged engine.
type gateEngine struct {
	pages     int
	block     int32
	ignoreCtx bool
	gate      chan struct{}
	started   chan struct{}
	calls     atomic.Int32
}

func newGateEngine(pages int, block int32) *gateEngine {
	return &gateEngine{
		pages:   pages,
		block:   block,
		gate:    make(chan struct{}),
		started: make(chan struct{}, 8),
	}
}

func (g *gateEngine) Name() string { return "gate" }

func (g *gateEngine) Open(ctx context.Context, data []byte, password string) (pdfrenderer.Document, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, errors.New("not a pdf")
	}
	if n := g.calls.Add(1); n <= g.block {
		g.started <- struct{}{}
		if g.ignoreCtx {
			<-g.gate
		} else {
			select {
			case <-g.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	pages := make([]image.Image, g.pages)
	for i := range pages {
		img := image.NewRGBA(image.Rect(0, 0, 20, 30))
		img.Set(0, 0, color.Black)
		pages[i] = img
	}
	return pdfrenderer.NewImageDocument(pages, 72), nil
}

func (g *gateEngine) Close() error { return nil }

type testEnv struct {
	renderer *Renderer
	chain    *chain.Chain
	canvas   *canvas.Manager
	tracker  *progress.Tracker
	diag     *diagnostics.Collector
	url      string
}

func newTestEnv(t *testing.T, cfg RendererConfig, pcfg progress.Config, analyzer Analyzer, strategies ...chain.Strategy) *testEnv {
	t.Helper()
	data := pdftest.Minimal(6)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "doc.pdf", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	layer := network.NewLayer(network.Config{MaxAttempts: 2, BaseDelay: time.Millisecond}, http.DefaultClient, nil)
	layer.SetSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
	cm := canvas.NewManager(canvas.Config{}, nil)
	tracker := progress.NewTracker(pcfg)
	coll := diagnostics.NewCollector(10)
	rec := recovery.NewSystem(cm, layer, recovery.Config{})
	ch := chain.New(chain.Config{}, chain.Deps{
		Canvas:      cm,
		Fetcher:     layer,
		Recovery:    rec,
		Progress:    tracker,
		Diagnostics: coll,
	}, strategies...)
	r := NewRenderer(cfg, RendererDeps{
		Chain:       ch,
		Canvas:      cm,
		Progress:    tracker,
		Diagnostics: coll,
		Recovery:    rec,
		Analyzer:    analyzer,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown did not finish: %v", err)
		}
	})
	return &testEnv{renderer: r, chain: ch, canvas: cm, tracker: tracker, diag: coll, url: server.URL + "/doc.pdf"}
}

func testOptions() render.RenderOptions {
	opts := render.DefaultOptions()
	opts.Timeout = 5 * time.Second
	return opts
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRenderPDFSucceeds(t *testing.T) {
	eng := newGateEngine(3, 0)
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1), chain.DownloadStrategy{})

	opts := testOptions()
	opts.Watermark = map[string]any{"text": "CONFIDENTIAL"}
	res := env.renderer.RenderPDF(waitCtx(t), env.url, opts)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Error)
	}
	if res.Method != render.MethodPDFJSCanvas || len(res.Pages) != 3 {
		t.Errorf("Expected 3 pages from PDFJS_CANVAS, got %d from %s", len(res.Pages), res.Method)
	}
	if res.Watermark["text"] != "CONFIDENTIAL" {
		t.Errorf("Watermark was not passed through: %v", res.Watermark)
	}
	if res.Diagnostics == nil || !res.Diagnostics.Success || len(res.Diagnostics.Attempts) != 1 {
		t.Errorf("Expected finalized diagnostics with one attempt, got %+v", res.Diagnostics)
	}
	state, ok := env.renderer.GetProgress(res.RenderingID)
	if !ok || state.Stage != render.StageComplete || state.Percentage != 100 {
		t.Errorf("Expected COMPLETE at 100%%, got %+v", state)
	}
	for _, p := range res.Pages {
		if !env.canvas.Exists(p.Surface) {
			t.Errorf("Surface of page %d was released early", p.Number)
		}
	}
}

func TestForceRetryOfStuckRendering(t *testing.T) {
	eng := newGateEngine(2, 1)
	env := newTestEnv(t, RendererConfig{}, progress.Config{StuckThreshold: 60 * time.Millisecond, CheckInterval: 10 * time.Millisecond}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1), chain.DownloadStrategy{})

	stuck := make(chan string, 1)
	env.renderer.SetStuckHook(func(id string, state render.ProgressState) {
		select {
		case stuck <- id:
		default:
		}
	})
	ctx := waitCtx(t)
	go env.tracker.Run(ctx)

	id := env.renderer.StartRendering(env.url, testOptions())
	if err := env.renderer.ForceRetry(ctx, id); !errors.Is(err, ErrNotStuck) {
		t.Fatalf("Expected ErrNotStuck for a fresh rendering, got %v", err)
	}

	select {
	case got := <-stuck:
		if got != id {
			t.Fatalf("Stuck hook reported %s, expected %s", got, id)
		}
	case <-ctx.Done():
		t.Fatal("Rendering was never flagged as stuck")
	}
	state, _ := env.renderer.GetProgress(id)
	if !state.IsStuck {
		t.Fatalf("Progress should report stuck, got %+v", state)
	}

	if err := env.renderer.ForceRetry(ctx, id); err != nil {
		t.Fatalf("ForceRetry failed: %v", err)
	}
	res, err := env.renderer.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !res.Success || res.RenderingID != id {
		t.Fatalf("Expected the retried rendering to succeed under the same id, got %+v", res.Error)
	}
	if eng.calls.Load() != 2 {
		t.Errorf("Expected 2 engine opens, got %d", eng.calls.Load())
	}
	if state, _ := env.renderer.GetProgress(id); state.IsStuck {
		t.Error("Retried rendering should not be stuck")
	}
}

func TestHardCeilingForcesTimeout(t *testing.T) {
	eng := newGateEngine(1, 1)
	eng.ignoreCtx = true
	env := newTestEnv(t, RendererConfig{HardCeiling: 150 * time.Millisecond}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1))
	t.Cleanup(func() { close(eng.gate) })

	opts := testOptions()
	opts.Timeout = 100 * time.Millisecond
	start := time.Now()
	res := env.renderer.RenderPDF(waitCtx(t), env.url, opts)
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("A wedged engine cannot succeed")
	}
	if res.Error == nil || res.Error.Type != render.TimeoutError {
		t.Fatalf("Expected TIMEOUT_ERROR, got %v", res.Error)
	}
	if res.Error.Context["reason"] != "hard-ceiling" {
		t.Errorf("Expected hard-ceiling reason, got %v", res.Error.Context)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Result took %s, past timeout plus ceiling", elapsed)
	}
	if state, _ := env.renderer.GetProgress(res.RenderingID); state.Stage != render.StageError {
		t.Errorf("Expected ERROR stage, got %s", state.Stage)
	}
}

func TestCancelRenderingIsIdempotent(t *testing.T) {
	eng := newGateEngine(2, 1)
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1))
	ctx := waitCtx(t)

	id := env.renderer.StartRendering(env.url, testOptions())
	select {
	case <-eng.started:
	case <-ctx.Done():
		t.Fatal("Engine was never opened")
	}

	if err := env.renderer.CancelRendering(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := env.renderer.CancelRendering(id); err != nil {
		t.Fatalf("Second cancel should be a no-op, got %v", err)
	}
	res, err := env.renderer.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait after cancel failed: %v", err)
	}
	if res.Success || res.Error.Type != render.TimeoutError || res.Error.Context["reason"] != "cancelled" {
		t.Errorf("Expected a cancelled TIMEOUT_ERROR, got %+v", res.Error)
	}
	if _, ok := env.renderer.GetProgress(id); ok {
		t.Error("Progress should be removed after cancel")
	}
	if live := env.canvas.Stats().Live; live != 0 {
		t.Errorf("Expected no live surfaces, got %d", live)
	}
	if err := env.renderer.CancelRendering("unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestRenderPDFStopsWithCallerContext(t *testing.T) {
	eng := newGateEngine(1, 1)
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := env.renderer.RenderPDF(ctx, env.url, testOptions())
	if res.Success || res.Error == nil || res.Error.Type != render.TimeoutError {
		t.Fatalf("Expected TIMEOUT_ERROR when the caller gives up, got %+v", res)
	}
}

func TestRetryRenderingUsesFreshSession(t *testing.T) {
	eng := newGateEngine(2, 0)
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1))
	ctx := waitCtx(t)

	first := env.renderer.RenderPDF(ctx, env.url, testOptions())
	if !first.Success {
		t.Fatalf("First rendering failed: %v", first.Error)
	}
	old := first.Pages[0].Surface

	second, err := env.renderer.RetryRendering(ctx, first.RenderingID)
	if err != nil {
		t.Fatalf("RetryRendering failed: %v", err)
	}
	if !second.Success || second.RenderingID != first.RenderingID {
		t.Fatalf("Expected a successful retry under the same id, got %+v", second.Error)
	}
	if env.canvas.Exists(old) {
		t.Error("Surfaces of the previous session should be released before the retry")
	}
	if !env.canvas.Exists(second.Pages[0].Surface) {
		t.Error("Surfaces of the retry should be live")
	}
	if eng.calls.Load() != 2 {
		t.Errorf("Expected 2 opens, got %d", eng.calls.Load())
	}
}

func TestRenderPageAndRelease(t *testing.T) {
	eng := newGateEngine(6, 0)
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1))
	ctx := waitCtx(t)

	opts := testOptions()
	opts.TypeSpecific.MaxConcurrentPages = 2
	res := env.renderer.RenderPDF(ctx, env.url, opts)
	if !res.Success || len(res.Pages) != 2 || res.PageCount != 6 {
		t.Fatalf("Expected 2 of 6 pages drawn, got %d of %d (%v)", len(res.Pages), res.PageCount, res.Error)
	}

	page, err := env.renderer.RenderPage(ctx, res.RenderingID, 5)
	if err != nil {
		t.Fatalf("RenderPage failed: %v", err)
	}
	if page.Number != 5 || !env.canvas.Exists(page.Surface) {
		t.Errorf("Expected a live page 5, got %+v", page)
	}
	if live := env.canvas.Stats().Live; live > 2 {
		t.Errorf("Window of 2 surfaces exceeded: %d live", live)
	}
	if _, err := env.renderer.RenderPage(ctx, res.RenderingID, 9); !errors.Is(err, pdfrenderer.ErrPageOutOfRange) {
		t.Errorf("Expected ErrPageOutOfRange, got %v", err)
	}

	if err := env.renderer.ReleaseResult(res.RenderingID); err != nil {
		t.Fatalf("ReleaseResult failed: %v", err)
	}
	if live := env.canvas.Stats().Live; live != 0 {
		t.Errorf("Expected all surfaces released, got %d", live)
	}
	if _, err := env.renderer.RenderPage(ctx, res.RenderingID, 1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after release, got %v", err)
	}
}

func TestReapRemovesFinishedRenderings(t *testing.T) {
	eng := newGateEngine(1, 0)
	env := newTestEnv(t, RendererConfig{Retention: time.Minute}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1))

	res := env.renderer.RenderPDF(waitCtx(t), env.url, testOptions())
	if !res.Success {
		t.Fatalf("Rendering failed: %v", res.Error)
	}
	if n := env.renderer.Reap(time.Now()); n != 0 {
		t.Errorf("Nothing should be reaped inside the retention window, reaped %d", n)
	}
	if n := env.renderer.Reap(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("Expected 1 reaped rendering, got %d", n)
	}
	if _, ok := env.renderer.Result(res.RenderingID); ok {
		t.Error("Reaped rendering should be gone")
	}
}

type corruptAnalyzer struct {
	handler *doctype.Handler
	calls   atomic.Int32
}

func (a *corruptAnalyzer) AnalyzeDocument(ctx context.Context, url string) (render.DocumentCharacteristics, error) {
	a.calls.Add(1)
	return render.DocumentCharacteristics{Type: render.DocumentSmall, IsCorrupted: true, PageCount: 6}, nil
}

func (a *corruptAnalyzer) GetOptimizedOptions(dc render.DocumentCharacteristics, base render.RenderOptions) render.RenderOptions {
	return a.handler.GetOptimizedOptions(dc, base)
}

func TestDocumentProfileTunesOptions(t *testing.T) {
	pdfjs := newGateEngine(2, 0)
	mupdf := newGateEngine(2, 0)
	analyzer := &corruptAnalyzer{handler: doctype.NewHandler(nil, doctype.Config{})}
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, analyzer,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, pdfjs, 1),
		chain.NewEngineStrategy(render.MethodImageBased, mupdf, 0.5))
	ctx := waitCtx(t)

	res := env.renderer.RenderPDF(ctx, env.url, testOptions())
	if !res.Success {
		t.Fatalf("Rendering failed: %v", res.Error)
	}
	if res.Method != render.MethodImageBased {
		t.Errorf("A corrupted document should start with IMAGE_BASED, got %s", res.Method)
	}
	if pdfjs.calls.Load() != 0 {
		t.Error("PDFJS_CANVAS should not have been tried")
	}

	if _, err := env.renderer.RetryRendering(ctx, res.RenderingID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if analyzer.calls.Load() != 1 {
		t.Errorf("A retry reuses the tuned options, expected 1 profile, got %d", analyzer.calls.Load())
	}
}

func TestWaitUnknownRendering(t *testing.T) {
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, nil, chain.DownloadStrategy{})
	if _, err := env.renderer.Wait(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if err := env.renderer.ForceRetry(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestViewerSwitchSupersedesRunningRendering(t *testing.T) {
	eng := newGateEngine(2, 1)
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1))
	ctx := waitCtx(t)

	opts := testOptions()
	opts.ViewerID = "viewer-1"
	first := env.renderer.StartRendering(env.url, opts)
	select {
	case <-eng.started:
	case <-ctx.Done():
		t.Fatal("Engine was never opened")
	}

	second := env.renderer.RenderPDF(ctx, env.url, opts)
	if !second.Success {
		t.Fatalf("Second document failed: %v", second.Error)
	}

	res, err := env.renderer.Wait(ctx, first)
	if err != nil {
		t.Fatalf("Wait for superseded rendering failed: %v", err)
	}
	if res.Success || res.Error.Context["reason"] != "superseded" {
		t.Fatalf("Expected the first rendering to be superseded, got %+v", res.Error)
	}
	for _, p := range second.Pages {
		if !env.canvas.Exists(p.Surface) {
			t.Errorf("Page %d of the new document was released", p.Number)
		}
	}
	if live := env.canvas.Stats().Live; live != len(second.Pages) {
		t.Errorf("Expected only the new document's %d surfaces, got %d", len(second.Pages), live)
	}
}

func TestCancelDoesNotCountAsMethodFailure(t *testing.T) {
	eng := newGateEngine(2, 1)
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1))
	ctx := waitCtx(t)

	id := env.renderer.StartRendering(env.url, testOptions())
	select {
	case <-eng.started:
	case <-ctx.Done():
		t.Fatal("Engine was never opened")
	}
	if err := env.renderer.CancelRendering(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	res, err := env.renderer.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Diagnostics != nil && len(res.Diagnostics.Attempts) != 0 {
		t.Errorf("Cancelled attempt should not be recorded, got %+v", res.Diagnostics.Attempts)
	}

	// the cancelled chain goroutine has returned once shutdown completes
	if err := env.renderer.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	stats, err := env.chain.Store().Load(ctx, render.DocumentUnknown)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s := stats[render.MethodPDFJSCanvas]; s.Failures != 0 {
		t.Errorf("Cancel was counted as a method failure: %+v", s)
	}
}

func TestRenderPageConcurrently(t *testing.T) {
	eng := newGateEngine(6, 0)
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1))
	ctx := waitCtx(t)

	opts := testOptions()
	opts.TypeSpecific.MaxConcurrentPages = 2
	res := env.renderer.RenderPDF(ctx, env.url, opts)
	if !res.Success {
		t.Fatalf("Rendering failed: %v", res.Error)
	}

	errs := make(chan error, 13)
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.renderer.RenderPage(ctx, res.RenderingID, n%6+1)
			errs <- err
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		errs <- env.renderer.ReleaseResult(res.RenderingID)
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, ErrSessionNotFound) && !errors.Is(err, ErrNoPages) {
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if live := env.canvas.Stats().Live; live != 0 {
		t.Errorf("Expected no surfaces after release, got %d", live)
	}
}

func TestRestartDiscardsResultOfHaltedGeneration(t *testing.T) {
	eng := newGateEngine(1, 1)
	env := newTestEnv(t, RendererConfig{}, progress.Config{}, nil,
		chain.NewEngineStrategy(render.MethodPDFJSCanvas, eng, 1))
	ctx := waitCtx(t)

	id := env.renderer.StartRendering(env.url, testOptions())
	select {
	case <-eng.started:
	case <-ctx.Done():
		t.Fatal("Engine was never opened")
	}
	rd, err := env.renderer.get(id)
	if err != nil {
		t.Fatal(err)
	}
	env.renderer.mu.Lock()
	oldGen := rd.gen
	env.renderer.mu.Unlock()

	env.renderer.halt(rd)
	// a result racing in from the halted generation must be dropped
	env.renderer.finish(rd, oldGen, &render.RenderResult{RenderingID: id, Success: true}, nil)
	env.renderer.mu.Lock()
	got := rd.result
	env.renderer.mu.Unlock()
	if got != nil {
		t.Fatalf("Result of a halted generation was published: %+v", got)
	}

	if err := env.renderer.Restart(id); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	res, err := env.renderer.Wait(ctx, id)
	if err != nil || !res.Success {
		t.Fatalf("Expected the restarted generation to succeed, got %v %+v", err, res)
	}
}
