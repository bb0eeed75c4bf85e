package pdfrenderer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"
)

// BrowserConfig controls the headless browser
type BrowserConfig struct {
	ExecPath string
	// Width and Height are the viewport at 96 DPI, scaled for the requested DPI
	Width  int
	Height int
	// Settle is how long the viewer gets to paint before the screenshot
	Settle time.Duration
}

// BrowserRenderer implements Engine with the PDF viewer built into a
// headless Chrome. The document is served from a loopback listener and
// each page is captured as a screenshot.
type BrowserRenderer struct {
	cfg      BrowserConfig
	allocCtx context.Context
	cancel   context.CancelFunc
}

// FindBrowser returns the first Chrome or Chromium binary on PATH
func FindBrowser() (string, error) {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no Chrome or Chromium browser found")
}

// NewBrowserRenderer creates the allocator. The browser itself starts lazily on first Open.
func NewBrowserRenderer(cfg BrowserConfig) (*BrowserRenderer, error) {
	if cfg.ExecPath == "" {
		path, err := FindBrowser()
		if err != nil {
			return nil, err
		}
		cfg.ExecPath = path
	}
	if cfg.Width <= 0 {
		cfg.Width = 816
	}
	if cfg.Height <= 0 {
		cfg.Height = 1056
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 750 * time.Millisecond
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(cfg.ExecPath),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Headless,
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &BrowserRenderer{cfg: cfg, allocCtx: allocCtx, cancel: cancel}, nil
}

// Name implements Engine
func (r *BrowserRenderer) Name() string {
	return "chrome"
}

// Open serves data on a loopback port and opens a browser tab for it
func (r *BrowserRenderer) Open(ctx context.Context, data []byte, password string) (Document, error) {
	pages, err := countPages(data)
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return nil, fmt.Errorf("%w: %v", ErrPasswordRequired, err)
		}
		return nil, fmt.Errorf("unable to read PDF document: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for browser: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/document.pdf", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		http.ServeContent(w, req, "document.pdf", time.Time{}, bytes.NewReader(data))
	})
	server := &http.Server{Handler: mux}
	go server.Serve(listener)

	tabCtx, cancel := chromedp.NewContext(r.allocCtx)
	doc := &browserDocument{
		cfg:    r.cfg,
		tabCtx: tabCtx,
		cancel: cancel,
		server: server,
		url:    fmt.Sprintf("http://%s/document.pdf", listener.Addr().String()),
		pages:  pages,
	}

	// start the browser now so launch failures surface from Open
	if err := doc.run(ctx, chromedp.Navigate("about:blank")); err != nil {
		doc.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return doc, nil
}

// Close stops the browser
func (r *BrowserRenderer) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

type browserDocument struct {
	mu     sync.Mutex
	cfg    BrowserConfig
	tabCtx context.Context
	cancel context.CancelFunc
	server *http.Server
	url    string
	pages  int
}

func (d *browserDocument) PageCount() int {
	return d.pages
}

func (d *browserDocument) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// RenderPage points the viewer at page index+1 and captures the viewport
func (d *browserDocument) RenderPage(ctx context.Context, index int, dpi float64) (image.Image, error) {
	if err := checkPage(index, d.pages); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return nil, ErrClosed
	}

	scale := dpi / 96
	if scale <= 0 {
		scale = 1
	}
	var buf []byte
	err := d.run(ctx,
		chromedp.EmulateViewport(int64(float64(d.cfg.Width)*scale), int64(float64(d.cfg.Height)*scale)),
		chromedp.Navigate(fmt.Sprintf("%s#page=%d&toolbar=0&view=Fit", d.url, index+1)),
		chromedp.Sleep(d.cfg.Settle),
		chromedp.CaptureScreenshot(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to capture page %d: %w", index, err)
	}
	img, err := imaging.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot of page %d: %w", index, err)
	}
	return img, nil
}

func (d *browserDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	d.cancel = nil
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return d.server.Shutdown(ctx)
}

// countPages reads the page tree with the pure Go parser
func countPages(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panicked: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	return reader.NumPage(), nil
}
