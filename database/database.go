// Package database persists the learned method preferences and an archive
// of finished rendering diagnostics.
package database

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/drummonds/pdfview/chain"
	"github.com/drummonds/pdfview/render"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

var ErrUnknownDatabaseType = errors.New("unknown database type")

// Repository defines database operations. It backs the chain's preference
// store and receives exported diagnostics.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	// Method preference counters
	AddCounts(ctx context.Context, docType render.DocumentType, method render.Method, delta chain.Stats) error
	LoadAll(ctx context.Context) (map[render.DocumentType]map[render.Method]chain.Stats, error)
	// Diagnostics archive
	Export(ctx context.Context, entries []*render.DiagnosticsData) error
	RecentDiagnostics(ctx context.Context, limit int) ([]*render.DiagnosticsData, error)
	GetDiagnostics(ctx context.Context, renderingID string) (*render.DiagnosticsData, error)
	DeleteOldDiagnostics(ctx context.Context, olderThan time.Duration) (int, error)
}
