package engine

import (
	"context"
	"time"

	"github.com/drummonds/pdfview/config"
	"github.com/drummonds/pdfview/engine/pdfrenderer"
	"github.com/drummonds/pdfview/render"
)

// StartupChecks logs whether each rendering method can actually run. None
// of the checks are fatal; a method that cannot run fails fast and the
// chain moves on.
func (serverHandler *ServerHandler) StartupChecks(ctx context.Context) {
	chromeChecks(serverHandler.ServerConfig)
	conversionServiceChecks(ctx, serverHandler.ServerConfig)
	if serverHandler.DB != nil {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := serverHandler.DB.Ping(pctx); err != nil {
			Logger.Warn("Database not reachable, method preferences will not persist", "error", err)
		} else {
			Logger.Info("Database reachable", "type", serverHandler.ServerConfig.DatabaseType)
		}
	}
	Logger.Info("Rendering methods enabled", "methods", serverHandler.Chain.Methods())
}

func chromeChecks(serverConfig config.ServerConfig) {
	if !serverConfig.Methods.Enabled(render.MethodNativeBrowser) {
		Logger.Info("NATIVE_BROWSER disabled")
		return
	}
	if serverConfig.ChromePath != "" {
		Logger.Info("Chrome executable configured", "path", serverConfig.ChromePath)
		return
	}
	path, err := pdfrenderer.FindBrowser()
	if err != nil {
		Logger.Warn("No Chrome executable found, NATIVE_BROWSER attempts will fail", "error", err)
		return
	}
	Logger.Info("Chrome executable found on PATH", "path", path)
}

func conversionServiceChecks(ctx context.Context, serverConfig config.ServerConfig) {
	if serverConfig.ConversionServiceURL == "" {
		Logger.Info("Conversion service not configured, SERVER_CONVERSION unavailable")
		return
	}
	client := pdfrenderer.NewConversionClient(serverConfig.ConversionServiceURL, 0)
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Health(hctx); err != nil {
		Logger.Warn("Conversion service not healthy", "url", serverConfig.ConversionServiceURL, "error", err)
		return
	}
	Logger.Info("Conversion service healthy", "url", serverConfig.ConversionServiceURL)
}
