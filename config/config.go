package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/drummonds/pdfview/render"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// MethodFlags switches rendering methods on and off
type MethodFlags map[render.Method]bool

// Enabled reports whether m is switched on; unknown methods are on
func (f MethodFlags) Enabled(m render.Method) bool {
	on, ok := f[m]
	return !ok || on
}

// ServerConfig contains all of the server settings
type ServerConfig struct {
	ListenAddrIP     string
	ListenAddrPort   string
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     string
	DatabaseUser     string
	DatabasePassword string
	DatabaseDbname   string
	DatabaseSslmode  string
	DatabasePath     string
	RenderConfig
}

// RenderConfig holds the rendering pipeline settings
type RenderConfig struct {
	RenderTimeout            time.Duration
	HardCeiling              time.Duration
	StuckThreshold           time.Duration
	ProgressMethod           string
	CanvasMaxDimension       int
	CanvasPoolSize           int
	CanvasMemoryThresholdMB  int
	MaxConcurrentPages       int
	FetchMaxAttempts         int
	FetchBaseDelay           time.Duration
	FetchMaxDelay            time.Duration
	FetchAttemptTimeout      time.Duration
	RecoveryMaxAttempts      int
	DiagnosticsMaxEntries    int
	DiagnosticsEndpoint      string
	DiagnosticsFlushInterval time.Duration
	DiagnosticsRatePerSecond float64
	ConversionServiceURL     string
	ChromePath               string
	URLIssuerEndpoint        string
	SessionRetention         time.Duration
	RenderConfigFile         string
	Methods                  MethodFlags
	MethodTimeouts           map[render.Method]time.Duration
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// getEnvDuration accepts Go durations ("15s") or plain milliseconds ("15000")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// SetupServer loads configuration and returns ServerConfig and Logger
func SetupServer() (ServerConfig, *slog.Logger) {
	// Load .env file (silently ignore if doesn't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("config.env")

	logger := setupLogging()
	Logger = logger

	serverConfigLive := ServerConfig{}

	// Server configuration
	serverConfigLive.ListenAddrPort = getEnv("SERVER_PORT", "8000")
	serverConfigLive.ListenAddrIP = getEnv("SERVER_ADDR", "")

	// Database configuration, only used for method preferences and the diagnostics archive
	serverConfigLive.DatabaseType = getEnv("DATABASE_TYPE", "sqlite")
	serverConfigLive.DatabaseHost = getEnv("DATABASE_HOST", "localhost")
	serverConfigLive.DatabasePort = getEnv("DATABASE_PORT", "5432")
	serverConfigLive.DatabaseUser = getEnv("DATABASE_USER", "pdfview")
	serverConfigLive.DatabasePassword = getEnv("DATABASE_PASSWORD", "")
	serverConfigLive.DatabaseDbname = getEnv("DATABASE_NAME", "pdfview")
	serverConfigLive.DatabaseSslmode = getEnv("DATABASE_SSLMODE", "disable")
	serverConfigLive.DatabasePath = getEnv("DATABASE_PATH", "pdfview.db")
	logger.Info("Database configuration loaded", "type", serverConfigLive.DatabaseType)

	serverConfigLive.RenderConfig = LoadRenderConfig()
	if err := applyRenderFile(serverConfigLive.RenderConfigFile, &serverConfigLive.RenderConfig); err != nil {
		logger.Warn("Unable to read render config file, using environment only", "file", serverConfigLive.RenderConfigFile, "error", err)
	}
	applyMethodEnv(&serverConfigLive.RenderConfig)

	if serverConfigLive.ChromePath != "" {
		if err := checkExecutable(serverConfigLive.ChromePath, logger); err != nil {
			logger.Warn("Chrome executable not found, NATIVE_BROWSER will be disabled", "path", serverConfigLive.ChromePath)
			serverConfigLive.ChromePath = ""
			serverConfigLive.Methods[render.MethodNativeBrowser] = false
		}
	}
	if serverConfigLive.ConversionServiceURL == "" {
		logger.Info("Conversion service not configured, SERVER_CONVERSION disabled")
		serverConfigLive.Methods[render.MethodServerConversion] = false
	}

	fmt.Println("\n========================================")
	fmt.Println("   pdfview - Reliable PDF rendering")
	fmt.Println("========================================")
	fmt.Printf("Server will start on: %s:%s\n", serverConfigLive.ListenAddrIP, serverConfigLive.ListenAddrPort)
	if serverConfigLive.ListenAddrIP == "" {
		fmt.Println("(Listening on all network interfaces)")
	}
	fmt.Printf("Detailed logs: %s\n", getEnv("LOG_FILE", "pdfview.log"))

	logger.Info("Render configuration loaded",
		"timeout", serverConfigLive.RenderTimeout,
		"stuckThreshold", serverConfigLive.StuckThreshold,
		"maxConcurrentPages", serverConfigLive.MaxConcurrentPages,
		"methods", serverConfigLive.Methods)

	return serverConfigLive, logger
}

// LoadRenderConfig reads the rendering settings from the environment
func LoadRenderConfig() RenderConfig {
	rc := RenderConfig{
		RenderTimeout:            getEnvDuration("RENDER_TIMEOUT", 30*time.Second),
		HardCeiling:              getEnvDuration("RENDER_HARD_CEILING", 10*time.Second),
		StuckThreshold:           getEnvDuration("STUCK_THRESHOLD", 10*time.Second),
		ProgressMethod:           getEnv("PROGRESS_METHOD", "stage-weighted"),
		CanvasMaxDimension:       getEnvInt("CANVAS_MAX_DIMENSION", 16384),
		CanvasPoolSize:           getEnvInt("CANVAS_POOL_SIZE", 8),
		CanvasMemoryThresholdMB:  getEnvInt("CANVAS_MEMORY_THRESHOLD_MB", 512),
		MaxConcurrentPages:       getEnvInt("MAX_CONCURRENT_PAGES", render.DefaultMaxConcurrentPages),
		FetchMaxAttempts:         getEnvInt("FETCH_MAX_ATTEMPTS", 3),
		FetchBaseDelay:           getEnvDuration("FETCH_BASE_DELAY", 500*time.Millisecond),
		FetchMaxDelay:            getEnvDuration("FETCH_MAX_DELAY", 10*time.Second),
		FetchAttemptTimeout:      getEnvDuration("FETCH_ATTEMPT_TIMEOUT", 30*time.Second),
		RecoveryMaxAttempts:      getEnvInt("RECOVERY_MAX_ATTEMPTS", 3),
		DiagnosticsMaxEntries:    getEnvInt("DIAGNOSTICS_MAX_ENTRIES", 500),
		DiagnosticsEndpoint:      getEnv("DIAGNOSTICS_ENDPOINT", ""),
		DiagnosticsFlushInterval: getEnvDuration("DIAGNOSTICS_FLUSH_INTERVAL", time.Minute),
		DiagnosticsRatePerSecond: getEnvFloat("DIAGNOSTICS_RATE_PER_SECOND", 2),
		ConversionServiceURL:     getEnv("CONVERSION_SERVICE_URL", ""),
		ChromePath:               getEnv("CHROME_PATH", ""),
		URLIssuerEndpoint:        getEnv("URL_ISSUER_ENDPOINT", ""),
		SessionRetention:         getEnvDuration("SESSION_RETENTION", 10*time.Minute),
		RenderConfigFile:         getEnv("RENDER_CONFIG_FILE", "render.yaml"),
		Methods:                  MethodFlags{},
		MethodTimeouts:           map[render.Method]time.Duration{},
	}
	for _, m := range render.DefaultMethodOrder {
		rc.Methods[m] = true
	}
	return rc
}

// methodSetting is one entry under "methods" in the YAML file
type methodSetting struct {
	Enabled *bool         `koanf:"enabled"`
	Timeout time.Duration `koanf:"timeout"`
}

type renderFile struct {
	Methods map[string]methodSetting `koanf:"methods"`
}

// applyRenderFile overlays method flags and per-method timeouts from a YAML
// file. A missing file is not an error.
func applyRenderFile(path string, rc *RenderConfig) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("error loading config file: %w", err)
	}
	var rf renderFile
	if err := k.Unmarshal("", &rf); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	for name, setting := range rf.Methods {
		m, ok := render.ParseMethod(strings.ToUpper(name))
		if !ok {
			Logger.Warn("Unknown rendering method in config file", "method", name)
			continue
		}
		if setting.Enabled != nil {
			rc.Methods[m] = *setting.Enabled
		}
		if setting.Timeout > 0 {
			rc.MethodTimeouts[m] = setting.Timeout
		}
	}
	return nil
}

// applyMethodEnv lets METHOD_<NAME>_ENABLED override the file
func applyMethodEnv(rc *RenderConfig) {
	for _, m := range render.DefaultMethodOrder {
		key := fmt.Sprintf("METHOD_%s_ENABLED", m)
		rc.Methods[m] = getEnvBool(key, rc.Methods.Enabled(m))
	}
}

// setupLogging configures the application logger
func setupLogging() *slog.Logger {
	logLevel := getEnv("LOG_LEVEL", "info")
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOptions := &slog.HandlerOptions{Level: level}

	logOutput := getEnv("LOG_OUTPUT", "stdout")
	var logWriter io.Writer

	if logOutput == "stdout" {
		logWriter = os.Stdout
	} else {
		logPath, err := filepath.Abs(filepath.ToSlash(getEnv("LOG_FILE", "pdfview.log")))
		if err != nil {
			fmt.Printf("Error creating log file path: %v\n", err)
			logWriter = os.Stdout
		} else {
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				fmt.Printf("Failed to open log file: %v\n", err)
				logWriter = os.Stdout
			} else {
				logWriter = logFile
				fmt.Println("Logging to file: ", logPath)
			}
		}
	}

	handler := slog.NewTextHandler(logWriter, handlerOptions)
	return slog.New(handler)
}

// checkExecutable verifies that an executable exists at the given path
func checkExecutable(path string, logger *slog.Logger) error {
	info, err := os.Stat(path)
	if err != nil {
		logger.Error("Cannot find executable at location specified", "path", path)
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	logger.Debug("Executable found", "path", path)
	return nil
}
