package render

import "time"

// Page is one drawn page. The pixels stay in the canvas arena behind Surface.
type Page struct {
	Number     int       `json:"number"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Surface    SurfaceID `json:"surface"`
	RenderedAt time.Time `json:"renderedAt"`
}

// RenderResult is the terminal outcome of a rendering
type RenderResult struct {
	Success     bool             `json:"success"`
	RenderingID string           `json:"renderingId"`
	Method      Method           `json:"method,omitempty"`
	Pages       []Page           `json:"pages"`
	PageCount   int              `json:"pageCount"`
	Error       *RenderError     `json:"error,omitempty"`
	Errors      []*RenderError   `json:"errors,omitempty"`
	Diagnostics *DiagnosticsData `json:"diagnostics,omitempty"`
	DownloadURL string           `json:"downloadUrl,omitempty"`
	Watermark   map[string]any   `json:"watermark,omitempty"`
}

// Failed builds an unsuccessful result around err
func Failed(renderingID string, method Method, err *RenderError, history []*RenderError) *RenderResult {
	return &RenderResult{
		Success:     false,
		RenderingID: renderingID,
		Method:      method,
		Error:       err,
		Errors:      history,
	}
}

// ProgressState is the externally visible progress of a rendering
type ProgressState struct {
	Percentage  float64       `json:"percentage"`
	Stage       Stage         `json:"stage"`
	BytesLoaded int64         `json:"bytesLoaded"`
	TotalBytes  int64         `json:"totalBytes"`
	TimeElapsed time.Duration `json:"timeElapsed"`
	IsStuck     bool          `json:"isStuck"`
	LastUpdate  time.Time     `json:"lastUpdate"`
	Message     string        `json:"message,omitempty"`
}

// MethodAttempt records one try of one method
type MethodAttempt struct {
	Method    Method        `json:"method"`
	Attempt   int           `json:"attempt"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	ErrorType ErrorType     `json:"errorType,omitempty"`
}

// StageTiming records when a stage was entered
type StageTiming struct {
	Stage     Stage     `json:"stage"`
	EnteredAt time.Time `json:"enteredAt"`
}

// MemorySample is a point-in-time heap reading
type MemorySample struct {
	At        time.Time `json:"at"`
	HeapAlloc uint64    `json:"heapAlloc"`
	Surfaces  int64     `json:"surfaceBytes"`
}

// PerformanceMetrics splits total time into network, parse and render work
type PerformanceMetrics struct {
	NetworkTime   time.Duration  `json:"networkTime"`
	ParseTime     time.Duration  `json:"parseTime"`
	RenderTime    time.Duration  `json:"renderTime"`
	MemorySamples []MemorySample `json:"memorySamples,omitempty"`
}

// EnvironmentInfo describes the process that produced the diagnostics
type EnvironmentInfo struct {
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"numCpu"`
	Hostname  string `json:"hostname,omitempty"`
}

// DiagnosticsData is the per-rendering telemetry, finalized exactly once
type DiagnosticsData struct {
	RenderingID string             `json:"renderingId"`
	Method      Method             `json:"method,omitempty"`
	Success     bool               `json:"success"`
	Stage       Stage              `json:"stage"`
	StartTime   time.Time          `json:"startTime"`
	EndTime     time.Time          `json:"endTime"`
	TotalTime   time.Duration      `json:"totalTime"`
	Errors      []*RenderError     `json:"errors"`
	Attempts    []MethodAttempt    `json:"attempts"`
	Stages      []StageTiming      `json:"stages"`
	Performance PerformanceMetrics `json:"performance"`
	Environment EnvironmentInfo    `json:"environment"`
}
