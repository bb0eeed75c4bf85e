package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/drummonds/pdfview/chain"
	"github.com/drummonds/pdfview/metrics"
	"github.com/drummonds/pdfview/progress"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// ArchiveRetention is how long archived diagnostics are kept
const ArchiveRetention = 30 * 24 * time.Hour

// InitializeSchedules starts the stuck detector and all the cron jobs.
// Cancelling ctx stops the detector; the returned cron must be stopped by the caller.
func (serverHandler *ServerHandler) InitializeSchedules(ctx context.Context, tracker *progress.Tracker, prefs *chain.BufferedStore) *cron.Cron {
	go tracker.Run(ctx)

	c := cron.New()
	wrap := cron.NewChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)) //ensure we don't kick off another if old one is still running

	add := func(name, spec string, fn func()) {
		if _, err := c.AddJob(spec, wrap.Then(cron.FuncJob(fn))); err != nil {
			Logger.Error("Unable to schedule job", "job", name, "spec", spec, "error", err)
			return
		}
		Logger.Info("Adding job to scheduler", "job", name, "spec", spec)
	}

	if collector := serverHandler.Renderer.Diagnostics(); collector != nil {
		interval := serverHandler.ServerConfig.DiagnosticsFlushInterval
		if interval <= 0 {
			interval = time.Minute
		}
		add("diagnostics-flush", fmt.Sprintf("@every %s", interval), func() {
			fctx, cancel := context.WithTimeout(ctx, interval)
			defer cancel()
			if err := collector.Flush(fctx); err != nil {
				Logger.Warn("Diagnostics flush failed, entries kept for next run", "error", err)
			}
		})
	}

	if prefs != nil {
		add("preferences-flush", "@every 30s", func() {
			fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := prefs.Flush(fctx); err != nil {
				Logger.Warn("Method preference flush failed", "error", err)
			}
		})
	}

	add("session-reaper", "@every 1m", func() {
		serverHandler.Renderer.Reap(time.Now())
	})

	add("metrics-gauges", "@every 15s", func() {
		metrics.SetActive(serverHandler.Renderer.Active())
		cm := serverHandler.Renderer.Surface()
		metrics.ObserveCanvas(cm.Stats())
		if cm.CheckMemoryPressure() {
			Logger.Warn("Canvas memory above threshold", "bytes", cm.MemoryUsage())
		}
	})

	if serverHandler.DB != nil {
		add("diagnostics-archive-prune", "@daily", func() {
			pctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			n, err := serverHandler.DB.DeleteOldDiagnostics(pctx, ArchiveRetention)
			if err != nil {
				Logger.Error("Failed to prune diagnostics archive", "error", err)
				return
			}
			Logger.Info("Pruned diagnostics archive", "deleted", n)
		})
	}

	c.Start()
	return c
}
