package pdfrenderer

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
)

// imageDocument serves pages that were already rasterized elsewhere
type imageDocument struct {
	pages     []image.Image
	sourceDPI float64
}

// NewImageDocument wraps rasterized pages produced at sourceDPI
func NewImageDocument(pages []image.Image, sourceDPI float64) Document {
	if sourceDPI <= 0 {
		sourceDPI = 150
	}
	return &imageDocument{pages: pages, sourceDPI: sourceDPI}
}

func (d *imageDocument) PageCount() int {
	return len(d.pages)
}

// RenderPage rescales the stored page when dpi differs from the source resolution
func (d *imageDocument) RenderPage(ctx context.Context, index int, dpi float64) (image.Image, error) {
	if err := checkPage(index, len(d.pages)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := d.pages[index]
	if img == nil {
		return nil, ErrClosed
	}
	if dpi <= 0 || dpi == d.sourceDPI {
		return img, nil
	}
	b := img.Bounds()
	w := int(float64(b.Dx()) * dpi / d.sourceDPI)
	if w < 1 {
		w = 1
	}
	return imaging.Resize(img, w, 0, imaging.Lanczos), nil
}

func (d *imageDocument) Close() error {
	d.pages = nil
	return nil
}
