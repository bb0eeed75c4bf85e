package render

import (
	"errors"
	"testing"
	"time"
)

func TestStageTransitions(t *testing.T) {
	if !StageFetching.CanTransitionTo(StageParsing) {
		t.Error("Expected FETCHING -> PARSING to be allowed")
	}
	if StageRendering.CanTransitionTo(StageFetching) {
		t.Error("Expected RENDERING -> FETCHING to be rejected")
	}
	if !StageRendering.CanTransitionTo(StageError) {
		t.Error("Expected ERROR to be reachable from RENDERING")
	}
	if StageComplete.CanTransitionTo(StageError) {
		t.Error("Expected COMPLETE to be terminal")
	}
	if StageError.CanTransitionTo(StageComplete) {
		t.Error("Expected ERROR to be terminal")
	}
}

func TestNewSessionCarriesOnlyURLAndOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Watermark = map[string]any{"text": "CONFIDENTIAL"}

	first := NewSession("", "https://example.com/a.pdf", opts)
	first.CurrentMethod = MethodPDFJSCanvas
	first.AttemptCount = 3
	first.Surfaces = []SurfaceID{1, 2}
	first.AddError(NewError(NetworkError, StageFetching, MethodPDFJSCanvas, "boom", nil))

	retry := NewSession(first.RenderingID, first.URL, first.Options)
	if retry.ID == first.ID {
		t.Error("Expected a new session id")
	}
	if retry.CurrentMethod != "" || retry.AttemptCount != 0 || len(retry.Surfaces) != 0 || len(retry.ErrorHistory()) != 0 {
		t.Errorf("Expected a clean session, got %+v", retry)
	}
	if retry.URL != first.URL {
		t.Errorf("Expected URL %s, got %s", first.URL, retry.URL)
	}

	retry.Options.Watermark["text"] = "changed"
	if first.Options.Watermark["text"] != "CONFIDENTIAL" {
		t.Error("Expected options to be cloned, not shared")
	}
}

func TestRenderErrorUnwrapAndActions(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(NetworkError, StageFetching, MethodPDFJSCanvas, "fetch failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Expected RenderError to unwrap its cause")
	}
	if err.Timestamp.IsZero() || time.Since(err.Timestamp) > time.Minute {
		t.Error("Expected timestamp to be set")
	}
	if err.SuggestedAction() != ActionRetry {
		t.Errorf("Expected retry for network error, got %s", err.SuggestedAction())
	}

	exhausted := NewError(AllMethodsExhausted, StageError, "", "nothing left", nil)
	if exhausted.SuggestedAction() != ActionDownload {
		t.Errorf("Expected download for exhausted chain, got %s", exhausted.SuggestedAction())
	}
	if exhausted.UserMessage() == "" {
		t.Error("Expected a user message")
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	opts := RenderOptions{}.Normalize()
	if opts.Timeout != DefaultTimeout {
		t.Errorf("Expected default timeout, got %v", opts.Timeout)
	}
	if opts.TypeSpecific.MaxConcurrentPages != DefaultMaxConcurrentPages {
		t.Errorf("Expected default concurrency, got %d", opts.TypeSpecific.MaxConcurrentPages)
	}
	if opts.DPI != DefaultDPI {
		t.Errorf("Expected default DPI, got %v", opts.DPI)
	}
}
