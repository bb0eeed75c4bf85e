package render

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Session is the complete mutable state of one render attempt lifecycle.
// It is owned by a single goroutine at a time and is never reused: any
// retry goes through NewSession so only the URL, the options and the
// caller-facing RenderingID survive.
type Session struct {
	ID            string
	RenderingID   string
	URL           string
	Options       RenderOptions
	StartTime     time.Time
	CurrentMethod Method
	Stage         Stage
	AttemptCount  int
	Surfaces      []SurfaceID
	Document      any
	errorHistory  []*RenderError
}

// NewSession builds a fresh session. An empty renderingID means the session starts a new rendering.
func NewSession(renderingID, url string, opts RenderOptions) *Session {
	id := ulid.Make().String()
	if renderingID == "" {
		renderingID = id
	}
	return &Session{
		ID:          id,
		RenderingID: renderingID,
		URL:         url,
		Options:     opts.Clone(),
		StartTime:   time.Now(),
		Stage:       StageInitializing,
	}
}

// AddError appends to the error history
func (s *Session) AddError(err *RenderError) {
	if err == nil {
		return
	}
	s.errorHistory = append(s.errorHistory, err)
}

// ErrorHistory returns a copy of the recorded errors in order
func (s *Session) ErrorHistory() []*RenderError {
	out := make([]*RenderError, len(s.errorHistory))
	copy(out, s.errorHistory)
	return out
}

// LastError returns the most recent error or nil
func (s *Session) LastError() *RenderError {
	if len(s.errorHistory) == 0 {
		return nil
	}
	return s.errorHistory[len(s.errorHistory)-1]
}

// Elapsed is the time since the session started
func (s *Session) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}
