// Package metrics exposes the rendering pipeline to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/drummonds/pdfview/canvas"
	"github.com/drummonds/pdfview/network"
	"github.com/drummonds/pdfview/render"
)

var (
	// methodAttempts counts method attempts by method and result
	methodAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdfview_method_attempts_total",
		Help: "Rendering method attempts by method and result",
	}, []string{"method", "result"})

	// methodDuration tracks how long one attempt of a method takes
	methodDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pdfview_method_duration_seconds",
		Help:    "Duration of one rendering method attempt in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"method"})

	// methodErrors counts failed attempts by error type
	methodErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdfview_method_errors_total",
		Help: "Failed rendering attempts by method and error type",
	}, []string{"method", "error_type"})

	// renderings counts terminal results
	renderings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdfview_renderings_total",
		Help: "Finished renderings by result",
	}, []string{"result"})

	// recoveries counts local recovery plans by error type, action and outcome
	recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdfview_recoveries_total",
		Help: "Recovery attempts by error type, action and outcome",
	}, []string{"error_type", "action", "result"})

	stuckRenderings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdfview_stuck_renderings_total",
		Help: "Renderings flagged by the stuck detector",
	})

	fetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdfview_fetch_retries_total",
		Help: "Document fetch retries",
	})

	urlRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdfview_url_refreshes_total",
		Help: "Signed URL refreshes by result",
	}, []string{"result"})

	activeRenderings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pdfview_active_renderings",
		Help: "Renderings without a terminal result",
	})

	canvasBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pdfview_canvas_bytes",
		Help: "Bytes held by live drawing surfaces",
	})

	canvasSurfaces = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pdfview_canvas_surfaces",
		Help: "Drawing surfaces by state",
	}, []string{"state"})
)

// Observer records chain events. It satisfies chain.Observer.
type Observer struct{}

// MethodAttempt records one finished attempt
func (Observer) MethodAttempt(method render.Method, success bool, errType render.ErrorType, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
		methodErrors.WithLabelValues(string(method), string(errType)).Inc()
	}
	methodAttempts.WithLabelValues(string(method), result).Inc()
	methodDuration.WithLabelValues(string(method)).Observe(d.Seconds())
}

// Recovery records the outcome of a recovery plan
func (Observer) Recovery(errType render.ErrorType, action string, ok bool) {
	result := "applied"
	if !ok {
		result = "declined"
	}
	recoveries.WithLabelValues(string(errType), action, result).Inc()
}

// RenderingFinished counts a terminal result
func RenderingFinished(res *render.RenderResult) {
	switch {
	case res == nil:
		return
	case res.Success && res.DownloadURL != "":
		renderings.WithLabelValues("download").Inc()
	case res.Success:
		renderings.WithLabelValues("success").Inc()
	default:
		renderings.WithLabelValues("failure").Inc()
	}
}

// RenderingStuck counts a rendering flagged by the stuck detector
func RenderingStuck(string, render.ProgressState) {
	stuckRenderings.Inc()
}

// NetworkHooks returns hooks counting retries and URL refreshes
func NetworkHooks() network.Hooks {
	return network.Hooks{
		OnRetry: func(int, time.Duration, error) {
			fetchRetries.Inc()
		},
		OnRefresh: func(_ string, err error) {
			result := "success"
			if err != nil {
				result = "failure"
			}
			urlRefreshes.WithLabelValues(result).Inc()
		},
	}
}

// SetActive sets the number of renderings in flight
func SetActive(n int) {
	activeRenderings.Set(float64(n))
}

// ObserveCanvas copies the canvas arena statistics into gauges
func ObserveCanvas(stats canvas.Stats) {
	canvasBytes.Set(float64(stats.Bytes))
	canvasSurfaces.WithLabelValues("live").Set(float64(stats.Live))
	canvasSurfaces.WithLabelValues("pooled").Set(float64(stats.Pooled))
}
