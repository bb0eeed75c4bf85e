package render

import "time"

const (
	DefaultTimeout            = 30 * time.Second
	DefaultDPI                = 150
	DefaultMaxConcurrentPages = 4
)

// TypeSpecificOptions carries tuning derived from the document profile
type TypeSpecificOptions struct {
	DocumentType       DocumentType `json:"documentType,omitempty"`
	EnableStreaming    bool         `json:"enableStreaming"`
	MemoryManagement   MemoryMode   `json:"memoryManagement,omitempty"`
	MaxConcurrentPages int          `json:"maxConcurrentPages,omitempty"`
}

// RenderOptions are the caller supplied settings for one render request.
// Watermark is passed through untouched.
type RenderOptions struct {
	Watermark          map[string]any      `json:"watermark,omitempty"`
	Timeout            time.Duration       `json:"timeout"`
	PreferredMethod    Method              `json:"preferredMethod,omitempty"`
	FallbackEnabled    bool                `json:"fallbackEnabled"`
	DiagnosticsEnabled bool                `json:"diagnosticsEnabled"`
	Password           string              `json:"-"`
	DPI                float64             `json:"dpi,omitempty"`
	ViewerID           string              `json:"viewerId,omitempty"`
	TypeSpecific       TypeSpecificOptions `json:"typeSpecific"`
}

// DefaultOptions returns options with fallback and diagnostics switched on
func DefaultOptions() RenderOptions {
	return RenderOptions{
		Timeout:            DefaultTimeout,
		FallbackEnabled:    true,
		DiagnosticsEnabled: true,
		DPI:                DefaultDPI,
		TypeSpecific: TypeSpecificOptions{
			DocumentType:       DocumentUnknown,
			MemoryManagement:   MemoryBalanced,
			MaxConcurrentPages: DefaultMaxConcurrentPages,
		},
	}
}

// Normalize fills zero values with defaults and returns the result
func (o RenderOptions) Normalize() RenderOptions {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.DPI <= 0 {
		o.DPI = d.DPI
	}
	if o.TypeSpecific.DocumentType == "" {
		o.TypeSpecific.DocumentType = d.TypeSpecific.DocumentType
	}
	if o.TypeSpecific.MemoryManagement == "" {
		o.TypeSpecific.MemoryManagement = d.TypeSpecific.MemoryManagement
	}
	if o.TypeSpecific.MaxConcurrentPages <= 0 {
		o.TypeSpecific.MaxConcurrentPages = d.TypeSpecific.MaxConcurrentPages
	}
	return o
}

// Clone returns a copy that shares nothing mutable with o
func (o RenderOptions) Clone() RenderOptions {
	c := o
	if o.Watermark != nil {
		c.Watermark = make(map[string]any, len(o.Watermark))
		for k, v := range o.Watermark {
			c.Watermark[k] = v
		}
	}
	return c
}
