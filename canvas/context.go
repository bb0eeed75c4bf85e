package canvas

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/drummonds/pdfview/render"
)

// Context2D is a validated drawing context for one surface
type Context2D struct {
	id  render.SurfaceID
	img *image.RGBA
}

// Surface returns the handle this context draws on
func (c *Context2D) Surface() render.SurfaceID {
	return c.id
}

// Size returns the surface dimensions
func (c *Context2D) Size() (int, int) {
	return c.img.Rect.Dx(), c.img.Rect.Dy()
}

// Fill paints the whole surface with col
func (c *Context2D) Fill(col color.Color) {
	draw.Draw(c.img, c.img.Rect, &image.Uniform{C: col}, image.Point{}, draw.Src)
}

// DrawImage paints src onto a white background, scaled to fit and centered
func (c *Context2D) DrawImage(src image.Image) {
	c.Fill(color.White)
	if src == nil {
		return
	}
	w, h := c.Size()
	b := src.Bounds()
	if b.Dx() != w || b.Dy() != h {
		src = imaging.Fit(src, w, h, imaging.Lanczos)
		b = src.Bounds()
	}
	offset := image.Pt((w-b.Dx())/2, (h-b.Dy())/2)
	draw.Draw(c.img, b.Sub(b.Min).Add(offset), src, b.Min, draw.Over)
}
