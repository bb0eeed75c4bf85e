// Package pdfrenderer wraps the page drawing primitives behind one
// interface: an Engine opens document bytes, a Document draws pages.
package pdfrenderer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

var (
	// ErrPasswordRequired is returned by Open when the document is encrypted and no valid password was given
	ErrPasswordRequired = errors.New("document is password protected")
	// ErrPageOutOfRange is returned for page indexes outside the document
	ErrPageOutOfRange = errors.New("page index out of range")
	// ErrClosed is returned when a document or engine is used after Close
	ErrClosed = errors.New("renderer closed")
)

// Engine opens PDF documents from memory
type Engine interface {
	Name() string
	Open(ctx context.Context, data []byte, password string) (Document, error)
	// Close cleans up any resources used by the engine
	Close() error
}

// Document is an opened PDF. Pages are 0-indexed.
type Document interface {
	PageCount() int
	RenderPage(ctx context.Context, index int, dpi float64) (image.Image, error)
	Close() error
}

// NewRenderer creates the default in-process engine (PDFium on WebAssembly, pure Go, no CGo)
func NewRenderer() (Engine, error) {
	return NewPDFiumRenderer(PDFiumConfig{})
}

func checkPage(index, count int) error {
	if index < 0 || index >= count {
		return fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, index, count)
	}
	return nil
}
