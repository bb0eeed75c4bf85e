// Package doctype profiles a document cheaply before rendering and tunes
// render options to match.
package doctype

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/drummonds/pdfview/network"
	"github.com/drummonds/pdfview/render"
	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

var (
	linearizedRe  = regexp.MustCompile(`/Linearized\s+[0-9.]+`)
	linearPagesRe = regexp.MustCompile(`/N\s+(\d+)`)
	pageObjectRe  = regexp.MustCompile(`/Type\s*/Page(?:[^s]|$)`)
	imageRe       = regexp.MustCompile(`/Subtype\s*/Image`)
	fontRe        = regexp.MustCompile(`/Type\s*/Font`)
)

// Prober is the part of the network layer the handler needs
type Prober interface {
	Probe(ctx context.Context, url string, n int) (*network.ProbeResult, error)
}

// Config holds probe limits and classification thresholds
type Config struct {
	ProbeBytes int
	// ValidateLimit is the largest document validated structurally in full
	ValidateLimit  int64
	SmallSize      int64
	LargeSize      int64
	LargePageCount int
	MaxTimeout     time.Duration
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		ProbeBytes:     64 << 10,
		ValidateLimit:  8 << 20,
		SmallSize:      1 << 20,
		LargeSize:      20 << 20,
		LargePageCount: 100,
		MaxTimeout:     120 * time.Second,
	}
}

// Handler is the document type handler
type Handler struct {
	prober Prober
	cfg    Config
}

// NewHandler creates a handler using prober for partial reads
func NewHandler(prober Prober, cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.ProbeBytes <= 0 {
		cfg.ProbeBytes = def.ProbeBytes
	}
	if cfg.ValidateLimit <= 0 {
		cfg.ValidateLimit = def.ValidateLimit
	}
	if cfg.SmallSize <= 0 {
		cfg.SmallSize = def.SmallSize
	}
	if cfg.LargeSize <= 0 {
		cfg.LargeSize = def.LargeSize
	}
	if cfg.LargePageCount <= 0 {
		cfg.LargePageCount = def.LargePageCount
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	return &Handler{prober: prober, cfg: cfg}
}

// AnalyzeDocument reads the head and tail of the document and estimates its
// characteristics without a full download. Probe failures are returned so
// the caller can fall back to default options.
func (h *Handler) AnalyzeDocument(ctx context.Context, url string) (render.DocumentCharacteristics, error) {
	dc := render.DocumentCharacteristics{Type: render.DocumentUnknown}
	probe, err := h.prober.Probe(ctx, url, h.cfg.ProbeBytes)
	if err != nil {
		return dc, fmt.Errorf("document probe failed: %w", err)
	}
	dc.SizeBytes = probe.TotalSize
	dc.SupportsRange = probe.SupportsRange
	dc.ContentType = probe.ContentType

	whole := probe.TotalSize > 0 && int64(len(probe.Head)) >= probe.TotalSize
	if whole {
		dc = h.analyzeBytes(probe.Head, dc)
	} else {
		h.inspectFragments(probe.Head, probe.Tail, &dc)
		dc.Type = h.classify(dc, 0, 0)
	}

	Logger.Debug("Document analyzed", "size", dc.SizeBytes, "type", dc.Type, "pages", dc.PageCount,
		"encrypted", dc.IsPasswordProtected, "corrupted", dc.IsCorrupted, "linearized", dc.IsLinearized)
	return dc, nil
}

// AnalyzeBytes profiles a document whose bytes are already in memory
func (h *Handler) AnalyzeBytes(data []byte) render.DocumentCharacteristics {
	return h.analyzeBytes(data, render.DocumentCharacteristics{SizeBytes: int64(len(data))})
}

func (h *Handler) analyzeBytes(data []byte, dc render.DocumentCharacteristics) render.DocumentCharacteristics {
	if dc.SizeBytes == 0 {
		dc.SizeBytes = int64(len(data))
	}
	tail := data
	if len(tail) > 1024 {
		tail = tail[len(tail)-1024:]
	}
	h.inspectFragments(data, tail, &dc)
	if dc.IsCorrupted {
		dc.Type = h.classify(dc, 0, 0)
		return dc
	}

	if !dc.IsPasswordProtected && int64(len(data)) <= h.cfg.ValidateLimit {
		conf := model.NewDefaultConfiguration()
		conf.ValidationMode = model.ValidationRelaxed
		if err := api.Validate(bytes.NewReader(data), conf); err != nil {
			Logger.Debug("Structural validation failed", "error", err)
			dc.IsCorrupted = true
		}
	}

	images, fonts := len(imageRe.FindAll(data, -1)), len(fontRe.FindAll(data, -1))
	if pages, err := countPages(data); err == nil {
		dc.PageCount = pages
	} else if errors.Is(err, pdf.ErrInvalidPassword) {
		dc.IsPasswordProtected = true
	} else if dc.PageCount == 0 {
		dc.PageCount = len(pageObjectRe.FindAll(data, -1))
	}
	dc.Type = h.classify(dc, images, fonts)
	return dc
}

// inspectFragments applies header and trailer heuristics
func (h *Handler) inspectFragments(head, tail []byte, dc *render.DocumentCharacteristics) {
	start := head
	if len(start) > 1024 {
		start = start[:1024]
	}
	if !bytes.Contains(start, []byte("%PDF-")) {
		dc.IsCorrupted = true
		return
	}
	if bytes.Contains(head, []byte("/Encrypt")) || bytes.Contains(tail, []byte("/Encrypt")) {
		dc.IsPasswordProtected = true
	}
	if loc := linearizedRe.FindIndex(head); loc != nil {
		dc.IsLinearized = true
		// the linearization dictionary carries the page count as /N
		end := min(len(head), loc[1]+256)
		if m := linearPagesRe.FindSubmatch(head[loc[0]:end]); m != nil {
			if n, err := strconv.Atoi(string(m[1])); err == nil {
				dc.PageCount = n
			}
		}
	}
	if len(tail) > 0 && !bytes.Contains(tail, []byte("%%EOF")) {
		dc.IsCorrupted = true
	}
}

// classify picks the coarse type: size first, then content mix
func (h *Handler) classify(dc render.DocumentCharacteristics, images, fonts int) render.DocumentType {
	switch {
	case dc.SizeBytes > h.cfg.LargeSize || dc.PageCount > h.cfg.LargePageCount:
		return render.DocumentLarge
	case dc.SizeBytes > 0 && dc.SizeBytes < h.cfg.SmallSize:
		return render.DocumentSmall
	case images == 0 && fonts == 0:
		return render.DocumentUnknown
	case images > 0 && fonts == 0, images > 2*fonts:
		return render.DocumentImageHeavy
	case images > 0 && fonts > 0 && images*2 >= fonts:
		return render.DocumentComplex
	default:
		return render.DocumentTextHeavy
	}
}

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

// GetOptimizedOptions merges type specific tuning into base. Explicit
// caller choices for the preferred method are kept.
func (h *Handler) GetOptimizedOptions(dc render.DocumentCharacteristics, base render.RenderOptions) render.RenderOptions {
	opts := base.Normalize().Clone()
	ts := &opts.TypeSpecific
	ts.DocumentType = dc.Type
	pages := ts.MaxConcurrentPages

	switch dc.Type {
	case render.DocumentSmall:
		ts.EnableStreaming = false
		ts.MemoryManagement = render.MemoryConservative
	case render.DocumentTextHeavy:
		ts.EnableStreaming = dc.SupportsRange && dc.SizeBytes > 2*h.cfg.SmallSize
		ts.MemoryManagement = render.MemoryBalanced
	case render.DocumentImageHeavy:
		ts.MaxConcurrentPages = min(pages, 2)
		ts.MemoryManagement = render.MemoryAggressive
		opts.Timeout = h.scaleTimeout(opts.Timeout, 1.5)
	case render.DocumentComplex:
		ts.MaxConcurrentPages = min(pages, 2)
		ts.MemoryManagement = render.MemoryBalanced
		opts.Timeout = h.scaleTimeout(opts.Timeout, 1.5)
	case render.DocumentLarge:
		ts.MaxConcurrentPages = min(pages, 2)
		ts.EnableStreaming = dc.SupportsRange || dc.IsLinearized
		ts.MemoryManagement = render.MemoryAggressive
		opts.Timeout = h.scaleTimeout(opts.Timeout, 2)
	}

	if dc.IsCorrupted && opts.PreferredMethod == "" {
		// MuPDF repairs broken cross reference tables
		opts.PreferredMethod = render.MethodImageBased
	}
	return opts
}

func (h *Handler) scaleTimeout(d time.Duration, factor float64) time.Duration {
	scaled := time.Duration(float64(d) * factor)
	if scaled > h.cfg.MaxTimeout {
		scaled = h.cfg.MaxTimeout
	}
	if scaled < d {
		return d
	}
	return scaled
}
