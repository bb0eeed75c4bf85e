package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/drummonds/pdfview/canvas"
	"github.com/drummonds/pdfview/chain"
	"github.com/drummonds/pdfview/config"
	"github.com/drummonds/pdfview/database"
	"github.com/drummonds/pdfview/engine/pdfrenderer"
	"github.com/drummonds/pdfview/internal/build"
	"github.com/drummonds/pdfview/render"
)

// ServerHandler will inject the variables needed into routes
type ServerHandler struct {
	DB           database.Repository
	Echo         *echo.Echo
	ServerConfig config.ServerConfig
	Renderer     *Renderer
	Chain        *chain.Chain
}

// renderRequest is the body of POST /api/render
type renderRequest struct {
	URL                string         `json:"url"`
	TimeoutMs          int64          `json:"timeoutMs,omitempty"`
	PreferredMethod    string         `json:"preferredMethod,omitempty"`
	FallbackEnabled    *bool          `json:"fallbackEnabled,omitempty"`
	DiagnosticsEnabled *bool          `json:"diagnosticsEnabled,omitempty"`
	Password           string         `json:"password,omitempty"`
	DPI                float64        `json:"dpi,omitempty"`
	ViewerID           string         `json:"viewerId,omitempty"`
	Watermark          map[string]any `json:"watermark,omitempty"`
}

// options converts the request into render options on top of the defaults
func (req renderRequest) options(defaultTimeout time.Duration) (render.RenderOptions, error) {
	opts := render.DefaultOptions()
	if defaultTimeout > 0 {
		opts.Timeout = defaultTimeout
	}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if req.PreferredMethod != "" {
		m, ok := render.ParseMethod(req.PreferredMethod)
		if !ok {
			return opts, fmt.Errorf("unknown rendering method %q", req.PreferredMethod)
		}
		opts.PreferredMethod = m
	}
	if req.FallbackEnabled != nil {
		opts.FallbackEnabled = *req.FallbackEnabled
	}
	if req.DiagnosticsEnabled != nil {
		opts.DiagnosticsEnabled = *req.DiagnosticsEnabled
	}
	if req.DPI > 0 {
		opts.DPI = req.DPI
	}
	opts.Password = req.Password
	opts.ViewerID = req.ViewerID
	opts.Watermark = req.Watermark
	return opts, nil
}

// renderResponse adds links and the user facing error text to a result
type renderResponse struct {
	*render.RenderResult
	PageURLs        []string      `json:"pageUrls,omitempty"`
	UserMessage     string        `json:"userMessage,omitempty"`
	SuggestedAction render.Action `json:"suggestedAction,omitempty"`
}

func newRenderResponse(res *render.RenderResult) renderResponse {
	out := renderResponse{RenderResult: res}
	for _, p := range res.Pages {
		out.PageURLs = append(out.PageURLs, fmt.Sprintf("/api/render/%s/pages/%d", res.RenderingID, p.Number))
	}
	if res.Error != nil {
		out.UserMessage = res.Error.UserMessage()
		out.SuggestedAction = res.Error.SuggestedAction()
	}
	return out
}

func jsonError(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]interface{}{
		"error": msg,
	})
}

// lookupError maps orchestrator errors onto HTTP status codes
func lookupError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, pdfrenderer.ErrPageOutOfRange):
		return jsonError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotStuck), errors.Is(err, ErrNotFinished), errors.Is(err, ErrNoPages):
		return jsonError(c, http.StatusConflict, err.Error())
	default:
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
}

// StartRender starts rendering a document
// @Summary Start a rendering
// @Description Starts rendering the PDF at url. With wait=true the call blocks until the terminal result.
// @Tags Render
// @Accept json
// @Produce json
// @Param wait query bool false "Block until the rendering finishes"
// @Success 202 {object} map[string]interface{} "Rendering id"
// @Success 200 {object} renderResponse "Terminal result when waiting"
// @Failure 400 {object} map[string]interface{} "Invalid request"
// @Router /render [post]
func (serverHandler *ServerHandler) StartRender(c echo.Context) error {
	var req renderRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return jsonError(c, http.StatusBadRequest, "url must be an absolute http or https URL")
	}
	opts, err := req.options(serverHandler.ServerConfig.RenderTimeout)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); wait {
		res := serverHandler.Renderer.RenderPDF(c.Request().Context(), req.URL, opts)
		return c.JSON(http.StatusOK, newRenderResponse(res))
	}

	id := serverHandler.Renderer.StartRendering(req.URL, opts)
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"renderingId": id,
		"status":      "/api/render/" + id,
		"progress":    "/api/render/" + id + "/progress",
		"stream":      "/api/render/" + id + "/ws",
	})
}

// GetRender returns the terminal result, or the progress while running
// @Summary Get a rendering
// @Tags Render
// @Produce json
// @Param id path string true "Rendering id"
// @Success 200 {object} renderResponse "Terminal result"
// @Success 202 {object} render.ProgressState "Still running"
// @Failure 404 {object} map[string]interface{} "Unknown rendering"
// @Router /render/{id} [get]
func (serverHandler *ServerHandler) GetRender(c echo.Context) error {
	id := c.Param("id")
	if res, ok := serverHandler.Renderer.Result(id); ok {
		return c.JSON(http.StatusOK, newRenderResponse(res))
	}
	state, ok := serverHandler.Renderer.GetProgress(id)
	if !ok {
		return jsonError(c, http.StatusNotFound, "rendering not found")
	}
	return c.JSON(http.StatusAccepted, state)
}

// GetRenderProgress returns the progress of a rendering
func (serverHandler *ServerHandler) GetRenderProgress(c echo.Context) error {
	state, ok := serverHandler.Renderer.GetProgress(c.Param("id"))
	if !ok {
		return jsonError(c, http.StatusNotFound, "rendering not found")
	}
	return c.JSON(http.StatusOK, state)
}

// GetPage streams one drawn page as PNG, drawing it on demand
// @Summary Get a page image
// @Tags Render
// @Produce png
// @Param id path string true "Rendering id"
// @Param n path int true "Page number, starting at 1"
// @Success 200 {file} binary "PNG image"
// @Failure 404 {object} map[string]interface{} "Unknown rendering or page"
// @Failure 409 {object} map[string]interface{} "Rendering not finished or has no pages"
// @Router /render/{id}/pages/{n} [get]
func (serverHandler *ServerHandler) GetPage(c echo.Context) error {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 1 {
		return jsonError(c, http.StatusBadRequest, "page number must be a positive integer")
	}
	page, err := serverHandler.Renderer.RenderPage(c.Request().Context(), c.Param("id"), n)
	if err != nil {
		var rerr *render.RenderError
		if errors.As(err, &rerr) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
				"error":       rerr.UserMessage(),
				"renderError": rerr,
			})
		}
		return lookupError(c, err)
	}
	return servePNG(c, serverHandler.Renderer.Surface(), page.Surface)
}

// servePNG encodes a surface fully before any header goes out, so a surface
// released in the meantime still gets a proper error status
func servePNG(c echo.Context, m *canvas.Manager, id render.SurfaceID) error {
	var buf bytes.Buffer
	if err := m.EncodePNG(id, &buf); err != nil {
		if errors.Is(err, canvas.ErrSurfaceNotFound) {
			return jsonError(c, http.StatusNotFound, "page is no longer available")
		}
		Logger.Error("Failed to encode page", "surface", id, "error", err)
		return jsonError(c, http.StatusInternalServerError, "failed to encode page")
	}
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}

// CancelRender cancels a rendering and frees everything it holds
// @Summary Cancel a rendering
// @Tags Render
// @Param id path string true "Rendering id"
// @Success 204
// @Failure 404 {object} map[string]interface{} "Unknown rendering"
// @Router /render/{id} [delete]
func (serverHandler *ServerHandler) CancelRender(c echo.Context) error {
	id := c.Param("id")
	if err := serverHandler.Renderer.CancelRendering(id); err != nil {
		return lookupError(c, err)
	}
	if err := serverHandler.Renderer.ReleaseResult(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		Logger.Warn("Failed to release cancelled rendering", "renderingId", id, "error", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RetryRender starts a fresh attempt of a rendering
func (serverHandler *ServerHandler) RetryRender(c echo.Context) error {
	id := c.Param("id")
	if err := serverHandler.Renderer.Restart(id); err != nil {
		return lookupError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"renderingId": id})
}

// ForceRetryRender restarts a rendering the stuck detector flagged
// @Summary Force retry of a stuck rendering
// @Tags Render
// @Param id path string true "Rendering id"
// @Success 202 {object} map[string]interface{} "Rendering id"
// @Failure 409 {object} map[string]interface{} "Rendering is not stuck"
// @Router /render/{id}/force-retry [post]
func (serverHandler *ServerHandler) ForceRetryRender(c echo.Context) error {
	id := c.Param("id")
	if err := serverHandler.Renderer.ForceRetry(c.Request().Context(), id); err != nil {
		return lookupError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"renderingId": id})
}

// GetDiagnostics lists recent diagnostics. source=archive reads the database.
func (serverHandler *ServerHandler) GetDiagnostics(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if c.QueryParam("source") == "archive" {
		if serverHandler.DB == nil {
			return jsonError(c, http.StatusServiceUnavailable, "no diagnostics archive configured")
		}
		entries, err := serverHandler.DB.RecentDiagnostics(c.Request().Context(), limit)
		if err != nil {
			Logger.Error("Failed to read diagnostics archive", "error", err)
			return jsonError(c, http.StatusInternalServerError, "failed to read diagnostics archive")
		}
		return c.JSON(http.StatusOK, entries)
	}
	collector := serverHandler.Renderer.Diagnostics()
	if collector == nil {
		return c.JSON(http.StatusOK, []*render.DiagnosticsData{})
	}
	return c.JSON(http.StatusOK, collector.Recent(limit))
}

// GetRenderDiagnostics returns the diagnostics of one rendering
func (serverHandler *ServerHandler) GetRenderDiagnostics(c echo.Context) error {
	id := c.Param("id")
	if collector := serverHandler.Renderer.Diagnostics(); collector != nil {
		if d, ok := collector.Get(id); ok {
			return c.JSON(http.StatusOK, d)
		}
	}
	if serverHandler.DB != nil {
		if d, err := serverHandler.DB.GetDiagnostics(c.Request().Context(), id); err == nil {
			return c.JSON(http.StatusOK, d)
		}
	}
	return jsonError(c, http.StatusNotFound, "no diagnostics for rendering")
}

// GetMethods lists the enabled methods and what has been learned about them
func (serverHandler *ServerHandler) GetMethods(c echo.Context) error {
	out := map[string]interface{}{
		"enabled": serverHandler.Chain.Methods(),
	}
	if mem, ok := serverHandler.Chain.Store().(interface {
		Snapshot() map[render.DocumentType]map[render.Method]chain.Stats
	}); ok {
		out["stats"] = mem.Snapshot()
	}
	preferred := map[render.DocumentType]render.Method{}
	for _, dt := range []render.DocumentType{render.DocumentTextHeavy, render.DocumentImageHeavy, render.DocumentComplex, render.DocumentSmall, render.DocumentLarge, render.DocumentUnknown} {
		if m, ok := serverHandler.Chain.GetPreferredMethod(c.Request().Context(), dt); ok {
			preferred[dt] = m
		}
	}
	out["preferred"] = preferred
	return c.JSON(http.StatusOK, out)
}

// Health reports whether the service can render
// @Summary Health check
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]interface{} "Healthy"
// @Failure 503 {object} map[string]interface{} "Database unreachable"
// @Router /health [get]
func (serverHandler *ServerHandler) Health(c echo.Context) error {
	status := http.StatusOK
	out := map[string]interface{}{
		"status":           "ok",
		"activeRenderings": serverHandler.Renderer.Active(),
		"canvas":           serverHandler.Renderer.Surface().Stats(),
		"methods":          serverHandler.Chain.Methods(),
	}
	if serverHandler.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := serverHandler.DB.Ping(ctx); err != nil {
			out["status"] = "degraded"
			out["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			out["database"] = "ok"
		}
	}
	return c.JSON(status, out)
}

// GetAboutInfo returns information about the application configuration
// @Summary Get application information
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]interface{} "Application information"
// @Router /about [get]
func (serverHandler *ServerHandler) GetAboutInfo(c echo.Context) error {
	cfg := serverHandler.ServerConfig
	aboutInfo := map[string]interface{}{
		"version":            build.Version,
		"databaseType":       cfg.DatabaseType,
		"renderTimeout":      cfg.RenderTimeout.String(),
		"hardCeiling":        cfg.HardCeiling.String(),
		"stuckThreshold":     cfg.StuckThreshold.String(),
		"maxConcurrentPages": cfg.MaxConcurrentPages,
		"conversionService":  cfg.ConversionServiceURL != "",
		"chromePath":         cfg.ChromePath,
		"methods":            serverHandler.Chain.Methods(),
	}
	return c.JSON(http.StatusOK, aboutInfo)
}

// RegisterRoutes adds every API route to the echo instance
func (serverHandler *ServerHandler) RegisterRoutes() {
	e := serverHandler.Echo
	e.POST("/api/render", serverHandler.StartRender)
	e.GET("/api/render/:id", serverHandler.GetRender)
	e.DELETE("/api/render/:id", serverHandler.CancelRender)
	e.GET("/api/render/:id/progress", serverHandler.GetRenderProgress)
	e.GET("/api/render/:id/ws", serverHandler.ProgressStream)
	e.GET("/api/render/:id/pages/:n", serverHandler.GetPage)
	e.POST("/api/render/:id/retry", serverHandler.RetryRender)
	e.POST("/api/render/:id/force-retry", serverHandler.ForceRetryRender)
	e.GET("/api/render/:id/diagnostics", serverHandler.GetRenderDiagnostics)

	e.GET("/api/diagnostics", serverHandler.GetDiagnostics)
	e.GET("/api/methods", serverHandler.GetMethods)
	e.GET("/api/health", serverHandler.Health)
	e.GET("/api/about", serverHandler.GetAboutInfo)
}
