// Package render holds the data model shared by every stage of the
// rendering pipeline: sessions, options, results, progress and errors.
package render

// Method identifies one rendering strategy in the fallback chain
type Method string

const (
	MethodPDFJSCanvas      Method = "PDFJS_CANVAS"
	MethodNativeBrowser    Method = "NATIVE_BROWSER"
	MethodServerConversion Method = "SERVER_CONVERSION"
	MethodImageBased       Method = "IMAGE_BASED"
	MethodDownloadFallback Method = "DOWNLOAD_FALLBACK"
)

// DefaultMethodOrder is the order the chain walks when nothing has been learned yet
var DefaultMethodOrder = []Method{
	MethodPDFJSCanvas,
	MethodNativeBrowser,
	MethodServerConversion,
	MethodImageBased,
	MethodDownloadFallback,
}

// ParseMethod converts a string into a known Method
func ParseMethod(s string) (Method, bool) {
	for _, m := range DefaultMethodOrder {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// Stage is a step of the per-session progress state machine
type Stage string

const (
	StageInitializing Stage = "INITIALIZING"
	StageFetching     Stage = "FETCHING"
	StageParsing      Stage = "PARSING"
	StageRendering    Stage = "RENDERING"
	StageFinalizing   Stage = "FINALIZING"
	StageComplete     Stage = "COMPLETE"
	StageError        Stage = "ERROR"
)

// stageOrder ranks the forward stages; ERROR is reachable from any of them
var stageOrder = map[Stage]int{
	StageInitializing: 0,
	StageFetching:     1,
	StageParsing:      2,
	StageRendering:    3,
	StageFinalizing:   4,
	StageComplete:     5,
}

// ForwardStages lists the non-error stages in order
var ForwardStages = []Stage{
	StageInitializing,
	StageFetching,
	StageParsing,
	StageRendering,
	StageFinalizing,
	StageComplete,
}

// Index returns the position of the stage in the forward order, -1 for ERROR or unknown
func (s Stage) Index() int {
	if i, ok := stageOrder[s]; ok {
		return i
	}
	return -1
}

// IsTerminal reports whether no further transition is allowed
func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageError
}

// CanTransitionTo reports whether moving from s to next keeps the stage monotonic
func (s Stage) CanTransitionTo(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StageError {
		return true
	}
	ni := next.Index()
	return ni >= 0 && ni >= s.Index()
}

// DocumentType is the coarse classification produced by the document probe
type DocumentType string

const (
	DocumentTextHeavy  DocumentType = "text-heavy"
	DocumentImageHeavy DocumentType = "image-heavy"
	DocumentComplex    DocumentType = "complex"
	DocumentSmall      DocumentType = "small"
	DocumentLarge      DocumentType = "large"
	DocumentUnknown    DocumentType = "unknown"
)

// MemoryMode controls how eagerly drawing surfaces are recycled
type MemoryMode string

const (
	MemoryConservative MemoryMode = "conservative"
	MemoryBalanced     MemoryMode = "balanced"
	MemoryAggressive   MemoryMode = "aggressive"
)

// SurfaceID is a handle into the canvas arena. Only the canvas manager holds the pixels.
type SurfaceID uint64

// DocumentCharacteristics is the result of the cheap pre-render probe
type DocumentCharacteristics struct {
	SizeBytes           int64        `json:"sizeBytes"`
	Type                DocumentType `json:"type"`
	PageCount           int          `json:"pageCount"`
	IsPasswordProtected bool         `json:"isPasswordProtected"`
	IsCorrupted         bool         `json:"isCorrupted"`
	IsLinearized        bool         `json:"isLinearized"`
	SupportsRange       bool         `json:"supportsRange"`
	ContentType         string       `json:"contentType,omitempty"`
}
