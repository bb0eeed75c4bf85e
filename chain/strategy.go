package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drummonds/pdfview/diagnostics"
	"github.com/drummonds/pdfview/engine/pdfrenderer"
	"github.com/drummonds/pdfview/network"
	"github.com/drummonds/pdfview/progress"
	"github.com/drummonds/pdfview/render"
)

// Loaded is what a strategy produced: an open document to draw, or a
// download URL when the method shows no pages.
type Loaded struct {
	Document    pdfrenderer.Document
	DPI         float64
	DownloadURL string
}

// Strategy is one rendering method
type Strategy interface {
	Method() render.Method
	Load(ctx context.Context, s *render.Session, env *Env) (*Loaded, error)
}

// Env gives a strategy access to the document bytes and progress reporting
// for one attempt.
type Env struct {
	chain   *Chain
	session *render.Session
	// DPI is the resolution pages are drawn at, the session DPI when zero
	DPI float64
	// early holds pages drawn from a partial download, by index
	early map[int]render.Page
}

func (c *Chain) newEnv(s *render.Session) *Env {
	return &Env{chain: c, session: s, early: make(map[int]render.Page)}
}

// Stage reports entry into stage with a message
func (e *Env) Stage(stage render.Stage, message string) {
	e.chain.report(e.session, progress.Update{Stage: stage, Message: message})
}

// Fetch downloads the whole document. Streaming is used when the options
// ask for it, and pages available early are previewed when a preview engine
// is configured. Every fetch of a rendering shares one signed URL refresh.
func (e *Env) Fetch(ctx context.Context) ([]byte, error) {
	c := e.chain
	s := e.session
	if c.deps.Fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	e.Stage(render.StageFetching, "Downloading document")
	start := time.Now()
	defer func() {
		c.diag(func(d *diagnostics.Collector) error {
			return d.RecordTiming(s.RenderingID, diagnostics.TimingNetwork, time.Since(start))
		})
	}()

	refresh := c.deps.Recovery.RefreshBudget(s.RenderingID)
	if s.Options.TypeSpecific.EnableStreaming {
		data, err := c.deps.Fetcher.Stream(ctx, s.URL, network.StreamOptions{
			Refresh: refresh,
			OnChunk: func(u network.PartialUpdate, data *network.PartialData) error {
				c.report(s, progress.Update{
					Stage:       render.StageFetching,
					BytesLoaded: u.Loaded,
					TotalBytes:  u.Total,
					Message:     fmt.Sprintf("Downloaded %d bytes, %d pages available", u.Loaded, u.AvailablePages),
				})
				if u.NewPages > 0 && !u.Complete {
					e.preview(ctx, data, u.AvailablePages)
				}
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		return data.Bytes(), nil
	}

	res, err := c.deps.Fetcher.FetchWithResilience(ctx, s.URL, network.FetchOptions{
		Refresh: refresh,
		OnProgress: func(loaded, total int64) {
			c.report(s, progress.Update{Stage: render.StageFetching, BytesLoaded: loaded, TotalBytes: total})
		},
	})
	if err != nil {
		return nil, err
	}
	if res.URL != "" {
		s.URL = res.URL
	}
	return res.Body, nil
}

// Check confirms the document is reachable without downloading it and
// returns the URL that answered.
func (e *Env) Check(ctx context.Context) (string, error) {
	c := e.chain
	if c.deps.Fetcher == nil {
		return "", errors.New("no fetcher configured")
	}
	e.Stage(render.StageFetching, "Checking document availability")
	res, err := c.deps.Fetcher.FetchWithResilience(ctx, e.session.URL, network.FetchOptions{
		Range:   "bytes=0-0",
		Refresh: c.deps.Recovery.RefreshBudget(e.session.RenderingID),
	})
	if err != nil {
		return "", err
	}
	if res.URL != "" {
		e.session.URL = res.URL
	}
	return e.session.URL, nil
}

func (e *Env) dpi() float64 {
	if e.DPI > 0 {
		return e.DPI
	}
	return e.session.Options.DPI
}

// preview draws the pages a partial download already holds, up to the
// page window of the session. Failures are ignored, the complete document
// is drawn afterwards anyway.
func (e *Env) preview(ctx context.Context, data *network.PartialData, available int) {
	c := e.chain
	if c.deps.Preview == nil || c.deps.Canvas == nil {
		return
	}
	limit := max(1, e.session.Options.TypeSpecific.MaxConcurrentPages)
	want := min(available, limit)
	if len(e.early) >= want {
		return
	}
	doc, err := c.deps.Preview.Open(ctx, data.Bytes(), e.session.Options.Password)
	if err != nil {
		Logger.Debug("Partial document cannot be opened yet", "renderingId", e.session.RenderingID, "error", err)
		return
	}
	defer doc.Close()

	c.deps.Canvas.SetOwnerLimit(e.session.ID, limit)
	for i := 0; i < min(want, doc.PageCount()); i++ {
		if p, ok := e.early[i]; ok && c.deps.Canvas.Exists(p.Surface) {
			continue
		}
		page, err := c.drawPage(ctx, e.session, doc, i, e.dpi())
		if err != nil {
			Logger.Debug("Preview of partial document failed", "renderingId", e.session.RenderingID, "page", i+1, "error", err)
			return
		}
		e.early[i] = page
	}
	c.report(e.session, progress.Update{Message: fmt.Sprintf("%d pages available", len(e.early))})
}

// EngineStrategy fetches the document and opens it with an Engine. It
// serves the canvas, browser, conversion and image methods, which differ
// only in the engine and the raster resolution.
type EngineStrategy struct {
	M      render.Method
	Engine pdfrenderer.Engine
	// DPIScale multiplies the requested DPI, below 1 for low resolution rasters
	DPIScale float64
}

// NewEngineStrategy creates a strategy for method backed by engine
func NewEngineStrategy(method render.Method, engine pdfrenderer.Engine, dpiScale float64) *EngineStrategy {
	if dpiScale <= 0 {
		dpiScale = 1
	}
	return &EngineStrategy{M: method, Engine: engine, DPIScale: dpiScale}
}

func (e *EngineStrategy) Method() render.Method {
	return e.M
}

func (e *EngineStrategy) Load(ctx context.Context, s *render.Session, env *Env) (*Loaded, error) {
	env.DPI = s.Options.DPI * e.DPIScale
	data, err := env.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	env.Stage(render.StageParsing, fmt.Sprintf("Opening document with %s", e.Engine.Name()))
	start := time.Now()
	doc, err := e.Engine.Open(ctx, data, s.Options.Password)
	env.chain.diag(func(d *diagnostics.Collector) error {
		return d.RecordTiming(s.RenderingID, diagnostics.TimingParse, time.Since(start))
	})
	if err != nil {
		if errors.Is(err, pdfrenderer.ErrPasswordRequired) {
			rerr := render.NewError(render.AuthenticationError, render.StageParsing, e.M, "document requires a password", err)
			rerr.Recoverable = false
			rerr.Context = map[string]any{"reason": "password"}
			return nil, rerr
		}
		return nil, err
	}
	return &Loaded{Document: doc, DPI: env.DPI}, nil
}

// DownloadStrategy is the last resort: it only confirms the document can
// be fetched and hands the URL back for download.
type DownloadStrategy struct{}

func (DownloadStrategy) Method() render.Method {
	return render.MethodDownloadFallback
}

func (DownloadStrategy) Load(ctx context.Context, s *render.Session, env *Env) (*Loaded, error) {
	url, err := env.Check(ctx)
	if err != nil {
		return nil, err
	}
	return &Loaded{DownloadURL: url}, nil
}
