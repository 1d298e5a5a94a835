package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-analyzer/internal/receipt"
	"github.com/zombor/receipt-analyzer/internal/scanning"
	"github.com/zombor/receipt-analyzer/internal/telemetry"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine
	_ = godotenv.Load()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

// run wires and serves until SIGINT/SIGTERM. Deferred cleanups, including
// the trace flush, run on every return path.
func run(args []string, stdout io.Writer) error {
	fs := ff.NewFlagSet("receipt-analyzer")
	var (
		port        = fs.IntLong("port", defaultPort(), "HTTP server port (defaults to $PORT, then 5000)")
		storagePath = fs.StringLong("storage", "./uploads", "Upload directory path")
		scannerType = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiModel = fs.StringLong("gemini-model", scanning.DefaultGeminiModel, "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
		callTimeout = fs.DurationLong("call-timeout", scanning.DefaultCallTimeout, "Timeout for each remote model call (0 disables)")
		uploadTTL   = fs.DurationLong("upload-ttl", 24*time.Hour, "Remove uploads older than this (0 keeps them forever)")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		trace       = fs.BoolLong("trace", "Write OpenTelemetry spans to stdout")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat   = fs.StringLong("log-format", "text", "Log format: text or json")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("RECEIPT_ANALYZER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("parsing flags: %w", err)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return nil
	}

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *trace {
		shutdown, err := telemetry.InitTracer("receipt-analyzer", version, stdout)
		if err != nil {
			return fmt.Errorf("initializing tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Error("Failed to flush traces", "error", err)
			}
		}()
	}

	metrics := telemetry.NewMetrics(telemetry.NewRegistry())

	// Initialize scanner backend based on type. Credentials arrive per request.
	var backend scanning.Backend
	switch *scannerType {
	case "gemini":
		slog.Info("Initializing Gemini backend...", "model", *geminiModel)
		backend = scanning.NewGemini(*geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama backend...", "url", *ollamaURL, "model", *ollamaModel)
		backend = scanning.NewOllama(*ollamaURL, *ollamaModel)
	default:
		return fmt.Errorf("invalid scanner type %q: want gemini or ollama", *scannerType)
	}

	pipeline := scanning.NewPipeline(backend,
		scanning.WithCallTimeout(*callTimeout),
		scanning.WithRecorder(metrics),
	)

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	service := receipt.NewService(pipeline, store)
	if *uploadTTL > 0 {
		interval := sweepInterval(*uploadTTL)
		slog.Info("Upload sweeper enabled", "ttl", *uploadTTL, "interval", interval)
		service.StartSweeper(ctx, interval, *uploadTTL, metrics)
	}

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(service, basicAuth, receipt.WithMetricsHandler(metrics.Handler()))

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := server.Start(ctx, addr, 10*time.Second); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	slog.Info("Shut down cleanly")
	return nil
}

// defaultPort honours the PORT variable set by most hosting platforms
func defaultPort() int {
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil && p > 0 {
		return p
	}
	return 5000
}

func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q: want text or json", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// sweepInterval checks a few times per TTL, at most every minute
func sweepInterval(ttl time.Duration) time.Duration {
	return max(ttl/4, time.Minute)
}
