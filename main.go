package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drummonds/pdfview/canvas"
	"github.com/drummonds/pdfview/chain"
	"github.com/drummonds/pdfview/config"
	"github.com/drummonds/pdfview/database"
	"github.com/drummonds/pdfview/diagnostics"
	"github.com/drummonds/pdfview/doctype"
	"github.com/drummonds/pdfview/engine"
	"github.com/drummonds/pdfview/engine/pdfrenderer"
	"github.com/drummonds/pdfview/metrics"
	"github.com/drummonds/pdfview/network"
	"github.com/drummonds/pdfview/progress"
	"github.com/drummonds/pdfview/recovery"
	"github.com/drummonds/pdfview/render"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// injectGlobals injects all of our globals into their packages
func injectGlobals(logger *slog.Logger) {
	Logger = logger
	config.Logger = Logger
	database.Logger = Logger
	engine.Logger = Logger
	pdfrenderer.Logger = Logger
	chain.Logger = Logger
	canvas.Logger = Logger
	network.Logger = Logger
	progress.Logger = Logger
	diagnostics.Logger = Logger
	recovery.Logger = Logger
	doctype.Logger = Logger
}

// app is the wired service
type app struct {
	handler *engine.ServerHandler
	tracker *progress.Tracker
	prefs   *chain.BufferedStore
	engines []pdfrenderer.Engine
}

func (a *app) close() {
	for _, eng := range a.engines {
		if err := eng.Close(); err != nil {
			Logger.Warn("Failed to close engine", "engine", eng.Name(), "error", err)
		}
	}
}

// buildStrategies creates one strategy per rendering method that can run here.
// A method whose engine fails to start is left out of the chain.
func buildStrategies(cfg config.ServerConfig) ([]chain.Strategy, []pdfrenderer.Engine) {
	var strategies []chain.Strategy
	var engines []pdfrenderer.Engine
	add := func(method render.Method, eng pdfrenderer.Engine, dpiScale float64) {
		strategies = append(strategies, chain.NewEngineStrategy(method, eng, dpiScale))
		engines = append(engines, eng)
		Logger.Info("Rendering method ready", "method", method, "engine", eng.Name())
	}

	if cfg.Methods.Enabled(render.MethodPDFJSCanvas) {
		if eng, err := pdfrenderer.NewPDFiumRenderer(pdfrenderer.PDFiumConfig{MaxTotal: max(2, cfg.MaxConcurrentPages)}); err != nil {
			Logger.Error("PDFium engine unavailable", "error", err)
		} else {
			add(render.MethodPDFJSCanvas, eng, 1)
		}
	}
	if cfg.Methods.Enabled(render.MethodNativeBrowser) {
		if eng, err := pdfrenderer.NewBrowserRenderer(pdfrenderer.BrowserConfig{ExecPath: cfg.ChromePath}); err != nil {
			Logger.Warn("Browser engine unavailable", "error", err)
		} else {
			add(render.MethodNativeBrowser, eng, 1)
		}
	}
	if cfg.Methods.Enabled(render.MethodServerConversion) && cfg.ConversionServiceURL != "" {
		add(render.MethodServerConversion, pdfrenderer.NewConversionClient(cfg.ConversionServiceURL, render.DefaultDPI), 1)
	}
	if cfg.Methods.Enabled(render.MethodImageBased) {
		if eng, err := pdfrenderer.NewFitzRenderer(); err != nil {
			Logger.Error("MuPDF engine unavailable", "error", err)
		} else {
			// images are drawn at half resolution to stay light
			add(render.MethodImageBased, eng, 0.5)
		}
	}
	if cfg.Methods.Enabled(render.MethodDownloadFallback) {
		strategies = append(strategies, chain.DownloadStrategy{})
	}
	return strategies, engines
}

// previewEngine picks the engine that draws pages of a document still
// downloading. MuPDF repairs truncated files, pdfium is the fallback.
func previewEngine(engines []pdfrenderer.Engine) pdfrenderer.Engine {
	var found pdfrenderer.Engine
	for _, eng := range engines {
		switch eng.Name() {
		case "mupdf":
			return eng
		case "pdfium":
			found = eng
		}
	}
	return found
}

// newApp wires every component. db may be nil, in which case preferences
// live in memory only and there is no diagnostics archive. preview may be
// nil to skip drawing partial downloads.
func newApp(serverConfig config.ServerConfig, db database.Repository, strategies []chain.Strategy, preview pdfrenderer.Engine) *app {
	a := &app{}

	var issuer network.URLIssuer
	if serverConfig.URLIssuerEndpoint != "" {
		issuer = &network.HTTPIssuer{Endpoint: serverConfig.URLIssuerEndpoint}
	}
	layer := network.NewLayer(network.Config{
		MaxAttempts:    serverConfig.FetchMaxAttempts,
		AttemptTimeout: serverConfig.FetchAttemptTimeout,
		BaseDelay:      serverConfig.FetchBaseDelay,
		MaxDelay:       serverConfig.FetchMaxDelay,
	}, nil, issuer)
	layer.SetHooks(metrics.NetworkHooks())

	cm := canvas.NewManager(canvas.Config{
		MaxDimension:       serverConfig.CanvasMaxDimension,
		PoolSize:           serverConfig.CanvasPoolSize,
		MemoryThreshold:    int64(serverConfig.CanvasMemoryThresholdMB) << 20,
		MaxConcurrentPages: serverConfig.MaxConcurrentPages,
	}, nil)

	a.tracker = progress.NewTracker(progress.Config{
		StuckThreshold: serverConfig.StuckThreshold,
		Calculation:    progress.Calculation(serverConfig.ProgressMethod),
	})

	collector := diagnostics.NewCollector(serverConfig.DiagnosticsMaxEntries)
	if serverConfig.DiagnosticsEndpoint != "" {
		collector.AddSink(diagnostics.NewHTTPSink(serverConfig.DiagnosticsEndpoint, nil, serverConfig.DiagnosticsRatePerSecond, 0))
	}

	var store chain.PreferenceStore = chain.NewMemoryStore()
	if db != nil {
		collector.AddSink(db)
		a.prefs = chain.NewBufferedStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.prefs.Warm(ctx); err != nil {
			Logger.Warn("Unable to load method preferences, starting fresh", "error", err)
		}
		cancel()
		store = a.prefs
	}

	rec := recovery.NewSystem(cm, layer, recovery.Config{MaxAttempts: serverConfig.RecoveryMaxAttempts})
	ch := chain.New(chain.Config{
		Enabled:        serverConfig.Methods,
		MethodTimeouts: serverConfig.MethodTimeouts,
	}, chain.Deps{
		Canvas:      cm,
		Fetcher:     layer,
		Recovery:    rec,
		Progress:    a.tracker,
		Diagnostics: collector,
		Store:       store,
		Observer:    metrics.Observer{},
		Preview:     preview,
	}, strategies...)

	renderer := engine.NewRenderer(engine.RendererConfig{
		HardCeiling: serverConfig.HardCeiling,
		Retention:   serverConfig.SessionRetention,
	}, engine.RendererDeps{
		Chain:       ch,
		Canvas:      cm,
		Progress:    a.tracker,
		Diagnostics: collector,
		Recovery:    rec,
		Analyzer:    doctype.NewHandler(layer, doctype.Config{}),
	})
	renderer.SetStuckHook(metrics.RenderingStuck)
	renderer.SetResultHook(metrics.RenderingFinished)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		if code == http.StatusNotFound {
			c.JSON(http.StatusNotFound, map[string]string{
				"error":   "Not Found",
				"message": "The requested API endpoint does not exist",
				"path":    c.Request().URL.Path,
			})
			return
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.DefaultCORSConfig))

	a.handler = &engine.ServerHandler{
		DB:           db,
		Echo:         e,
		ServerConfig: serverConfig,
		Renderer:     renderer,
		Chain:        ch,
	}
	a.handler.RegisterRoutes()
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return a
}

func main() {
	serverConfig, logger := config.SetupServer()
	injectGlobals(logger) //inject the logger into all of the packages

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The database only holds preferences and the diagnostics archive, so rendering carries on without it
	Logger.Info("Setting up database", "type", serverConfig.DatabaseType)
	var db database.Repository
	if bunDB, err := database.NewRepository(serverConfig); err != nil {
		Logger.Error("Database unavailable, continuing without persistence", "error", err)
	} else {
		db = bunDB
		defer bunDB.Close()
	}

	strategies, engines := buildStrategies(serverConfig)
	a := newApp(serverConfig, db, strategies, previewEngine(engines))
	a.engines = engines
	defer a.close()

	scheduler := a.handler.InitializeSchedules(ctx, a.tracker, a.prefs) //initialize all the cron jobs
	a.handler.StartupChecks(ctx)                                         //Run all the sanity checks

	if serverConfig.ListenAddrIP == "" {
		Logger.Info("No Ip Addr set, binding on ALL addresses")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- startServer(a.handler.Echo, &serverConfig)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			Logger.Error("Failed to start server", "error", err)
		}
	case <-ctx.Done():
		Logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	<-scheduler.Stop().Done()
	if err := a.handler.Echo.Shutdown(shutdownCtx); err != nil {
		Logger.Warn("HTTP server did not shut down cleanly", "error", err)
	}
	if err := a.handler.Renderer.Shutdown(shutdownCtx); err != nil {
		Logger.Warn("Renderings still running at shutdown", "error", err)
	}
	if collector := a.handler.Renderer.Diagnostics(); collector != nil {
		if err := collector.Flush(shutdownCtx); err != nil {
			Logger.Warn("Final diagnostics flush failed", "error", err)
		}
	}
	if a.prefs != nil {
		if err := a.prefs.Flush(shutdownCtx); err != nil {
			Logger.Warn("Final preference flush failed", "error", err)
		}
	}
}

// startServer tries the configured port and the next few if it is taken
func startServer(e *echo.Echo, serverConfig *config.ServerConfig) error {
	maxRetries := 5
	startPort := serverConfig.ListenAddrPort

	for attempt := 0; attempt < maxRetries; attempt++ {
		addr := fmt.Sprintf("%s:%s", serverConfig.ListenAddrIP, serverConfig.ListenAddrPort)
		Logger.Info("Attempting to start server", "address", addr, "attempt", attempt+1)
		if attempt > 0 {
			Logger.Warn("Server starting on alternative port due to conflicts",
				"requested_port", startPort,
				"actual_port", serverConfig.ListenAddrPort)
		}

		err := e.Start(addr)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if !isAddressInUse(err) {
			return err
		}
		Logger.Warn("Port already in use, trying next port",
			"port", serverConfig.ListenAddrPort,
			"attempt", attempt+1,
			"max_attempts", maxRetries)

		portNum := 0
		fmt.Sscanf(serverConfig.ListenAddrPort, "%d", &portNum)
		portNum++
		serverConfig.ListenAddrPort = fmt.Sprintf("%d", portNum)
	}
	return fmt.Errorf("no free port between %s and %s", startPort, serverConfig.ListenAddrPort)
}

// isAddressInUse checks if the error is due to address already in use
func isAddressInUse(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use")
}
