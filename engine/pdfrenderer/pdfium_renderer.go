package pdfrenderer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/klippa-app/go-pdfium"
	pdfiumerrors "github.com/klippa-app/go-pdfium/errors"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"
)

// PDFiumConfig sizes the WebAssembly worker pool
type PDFiumConfig struct {
	MinIdle  int
	MaxIdle  int
	MaxTotal int
	// InstanceTimeout bounds the wait for a free worker
	InstanceTimeout time.Duration
}

// PDFiumRenderer implements Engine using go-pdfium with WebAssembly (pure Go, no CGo).
// Every open document holds one instance from the pool until it is closed.
type PDFiumRenderer struct {
	mu      sync.Mutex
	pool    pdfium.Pool
	timeout time.Duration
}

// NewPDFiumRenderer creates a new PDFium-based engine using WebAssembly
func NewPDFiumRenderer(cfg PDFiumConfig) (*PDFiumRenderer, error) {
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 2
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 1
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = cfg.MaxTotal
	}
	if cfg.InstanceTimeout <= 0 {
		cfg.InstanceTimeout = 30 * time.Second
	}
	pool, err := webassembly.Init(webassembly.Config{
		MinIdle:  cfg.MinIdle,
		MaxIdle:  cfg.MaxIdle,
		MaxTotal: cfg.MaxTotal,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PDFium WebAssembly: %w", err)
	}
	return &PDFiumRenderer{pool: pool, timeout: cfg.InstanceTimeout}, nil
}

// Name implements Engine
func (r *PDFiumRenderer) Name() string {
	return "pdfium"
}

// Open loads data into a PDFium instance taken from the pool
func (r *PDFiumRenderer) Open(ctx context.Context, data []byte, password string) (Document, error) {
	r.mu.Lock()
	pool := r.pool
	r.mu.Unlock()
	if pool == nil {
		return nil, ErrClosed
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	instance, err := pool.GetInstance(timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to get PDFium instance: %w", err)
	}

	req := &requests.OpenDocument{File: &data}
	if password != "" {
		req.Password = &password
	}
	doc, err := instance.OpenDocument(req)
	if err != nil {
		instance.Close()
		if errors.Is(err, pdfiumerrors.ErrPassword) {
			return nil, fmt.Errorf("%w: %v", ErrPasswordRequired, err)
		}
		return nil, fmt.Errorf("unable to open PDF document: %w", err)
	}

	pageCountResp, err := instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{
		Document: doc.Document,
	})
	if err != nil {
		instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: doc.Document})
		instance.Close()
		return nil, fmt.Errorf("unable to get page count: %w", err)
	}

	return &pdfiumDocument{
		instance: instance,
		doc:      doc.Document,
		pages:    pageCountResp.PageCount,
	}, nil
}

// Close cleans up resources used by the PDFium renderer
func (r *PDFiumRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
	return nil
}

type pdfiumDocument struct {
	mu       sync.Mutex
	instance pdfium.Pdfium
	doc      references.FPDF_DOCUMENT
	pages    int
}

func (d *pdfiumDocument) PageCount() int {
	return d.pages
}

// RenderPage draws one page. A PDFium instance is single threaded, so calls are serialized.
func (d *pdfiumDocument) RenderPage(ctx context.Context, index int, dpi float64) (image.Image, error) {
	if err := checkPage(index, d.pages); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.instance == nil {
		return nil, ErrClosed
	}

	pageRender, err := d.instance.RenderPageInDPI(&requests.RenderPageInDPI{
		DPI: int(dpi),
		Page: requests.Page{
			ByIndex: &requests.PageByIndex{
				Document: d.doc,
				Index:    index,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("unable to render page %d: %w", index, err)
	}
	// the result buffer is released by Cleanup, keep a copy
	img := imaging.Clone(pageRender.Result.Image)
	pageRender.Cleanup()
	return img, nil
}

func (d *pdfiumDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.instance == nil {
		return nil
	}
	d.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: d.doc})
	err := d.instance.Close()
	d.instance = nil
	return err
}
