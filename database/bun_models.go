package database

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"github.com/drummonds/pdfview/render"
)

// BunMethodStats represents the method_stats table for Bun ORM
type BunMethodStats struct {
	bun.BaseModel `bun:"table:method_stats,alias:ms"`

	DocumentType string    `bun:"document_type,pk"`
	Method       string    `bun:"method,pk"`
	Successes    int64     `bun:"successes,notnull,default:0"`
	Failures     int64     `bun:"failures,notnull,default:0"`
	UpdatedAt    time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// BunRenderDiagnostics represents the render_diagnostics table for Bun ORM.
// Payload holds the full entry as JSON; the other columns are for queries.
type BunRenderDiagnostics struct {
	bun.BaseModel `bun:"table:render_diagnostics,alias:rd"`

	ID            int64     `bun:"id,pk,autoincrement"`
	RenderingID   string    `bun:"rendering_id,notnull,unique"`
	Method        string    `bun:"method,nullzero"`
	Success       bool      `bun:"success,notnull"`
	Stage         string    `bun:"stage,notnull"`
	StartTime     time.Time `bun:"start_time,notnull"`
	EndTime       time.Time `bun:"end_time,notnull"`
	TotalMs       int64     `bun:"total_ms,notnull"`
	ErrorCount    int       `bun:"error_count,notnull"`
	LastErrorType string    `bun:"last_error_type,nullzero"`
	Payload       string    `bun:"payload,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// FromDiagnostics converts a diagnostics entry into its row
func FromDiagnostics(d *render.DiagnosticsData) (*BunRenderDiagnostics, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	row := &BunRenderDiagnostics{
		RenderingID: d.RenderingID,
		Method:      string(d.Method),
		Success:     d.Success,
		Stage:       string(d.Stage),
		StartTime:   d.StartTime,
		EndTime:     d.EndTime,
		TotalMs:     d.TotalTime.Milliseconds(),
		ErrorCount:  len(d.Errors),
		Payload:     string(payload),
		CreatedAt:   time.Now(),
	}
	if n := len(d.Errors); n > 0 && d.Errors[n-1] != nil {
		row.LastErrorType = string(d.Errors[n-1].Type)
	}
	return row, nil
}

// ToDiagnostics restores the entry stored in the row
func (r *BunRenderDiagnostics) ToDiagnostics() (*render.DiagnosticsData, error) {
	var d render.DiagnosticsData
	if err := json.Unmarshal([]byte(r.Payload), &d); err != nil {
		return nil, err
	}
	return &d, nil
}
