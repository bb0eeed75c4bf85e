package pdfrenderer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"
)

// FitzRenderer implements Engine using go-fitz (requires CGo and MuPDF).
// MuPDF repairs many broken files that stricter parsers reject.
type FitzRenderer struct {
}

// NewFitzRenderer creates a new Fitz-based engine
func NewFitzRenderer() (*FitzRenderer, error) {
	return &FitzRenderer{}, nil
}

// Name implements Engine
func (r *FitzRenderer) Name() string {
	return "mupdf"
}

// Open loads data with MuPDF. MuPDF cannot take a password through go-fitz,
// so encrypted documents are reported as ErrPasswordRequired.
func (r *FitzRenderer) Open(ctx context.Context, data []byte, password string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		if errors.Is(err, fitz.ErrNeedsPassword) {
			return nil, fmt.Errorf("%w: %v", ErrPasswordRequired, err)
		}
		return nil, fmt.Errorf("unable to open PDF document: %w", err)
	}
	return &fitzDocument{doc: doc, pages: doc.NumPage()}, nil
}

// Close is a no-op, documents are closed individually
func (r *FitzRenderer) Close() error {
	return nil
}

type fitzDocument struct {
	mu    sync.Mutex
	doc   *fitz.Document
	pages int
}

func (d *fitzDocument) PageCount() int {
	return d.pages
}

func (d *fitzDocument) RenderPage(ctx context.Context, index int, dpi float64) (image.Image, error) {
	if err := checkPage(index, d.pages); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return nil, ErrClosed
	}
	img, err := d.doc.ImageDPI(index, dpi)
	if err != nil {
		return nil, fmt.Errorf("unable to render page %d: %w", index, err)
	}
	return img, nil
}

func (d *fitzDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return nil
	}
	err := d.doc.Close()
	d.doc = nil
	return err
}
