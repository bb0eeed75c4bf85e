package render

import (
	"fmt"
	"time"
)

// ErrorType is the category assigned to every render failure
type ErrorType string

const (
	NetworkError        ErrorType = "NETWORK_ERROR"
	ParsingError        ErrorType = "PARSING_ERROR"
	CanvasError         ErrorType = "CANVAS_ERROR"
	MemoryError         ErrorType = "MEMORY_ERROR"
	TimeoutError        ErrorType = "TIMEOUT_ERROR"
	AuthenticationError ErrorType = "AUTHENTICATION_ERROR"
	CorruptionError     ErrorType = "CORRUPTION_ERROR"
	AllMethodsExhausted ErrorType = "ALL_METHODS_EXHAUSTED"
)

// Action is what the presentation layer should offer for a terminal error
type Action string

const (
	ActionRetry    Action = "retry"
	ActionDownload Action = "download"
	ActionNone     Action = "none"
)

// RenderError is a categorized failure. It is never mutated after it has been recorded.
type RenderError struct {
	Type        ErrorType      `json:"type"`
	Message     string         `json:"message"`
	Stage       Stage          `json:"stage"`
	Method      Method         `json:"method,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Stack       string         `json:"stack,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Recoverable bool           `json:"recoverable"`
	Cause       error          `json:"-"`
}

// NewError builds a RenderError stamped with the current time
func NewError(errType ErrorType, stage Stage, method Method, message string, cause error) *RenderError {
	return &RenderError{
		Type:        errType,
		Message:     message,
		Stage:       stage,
		Method:      method,
		Timestamp:   time.Now(),
		Recoverable: DefaultRecoverable(errType),
		Cause:       cause,
	}
}

func (e *RenderError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s during %s (%s): %s", e.Type, e.Stage, e.Method, e.Message)
	}
	return fmt.Sprintf("%s during %s: %s", e.Type, e.Stage, e.Message)
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

// DefaultRecoverable returns whether a category can be handled by a local retry
func DefaultRecoverable(t ErrorType) bool {
	switch t {
	case NetworkError, CanvasError, MemoryError, TimeoutError, AuthenticationError:
		return true
	default:
		return false
	}
}

// UserMessage is the text shown next to the error in the viewer
func (e *RenderError) UserMessage() string {
	switch e.Type {
	case NetworkError:
		return "The document could not be downloaded. Check your connection and try again."
	case ParsingError:
		return "The document could not be read by the viewer."
	case CanvasError:
		return "The page could not be drawn on screen."
	case MemoryError:
		return "The document is too large to display with the memory available."
	case TimeoutError:
		return "The document took too long to load."
	case AuthenticationError:
		return "Your access link has expired or is not authorized."
	case CorruptionError:
		return "The document appears to be damaged."
	case AllMethodsExhausted:
		return "The document could not be displayed. You can download it instead."
	default:
		return "The document could not be displayed."
	}
}

// SuggestedAction derives the offered action from category and recoverability
func (e *RenderError) SuggestedAction() Action {
	switch {
	case e.Type == AllMethodsExhausted || e.Type == CorruptionError || e.Type == ParsingError:
		return ActionDownload
	case e.Recoverable:
		return ActionRetry
	case e.Type == AuthenticationError:
		return ActionNone
	default:
		return ActionDownload
	}
}
