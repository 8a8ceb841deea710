package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/aadhaar-reader/internal/extraction"
	"github.com/zombor/aadhaar-reader/internal/upload"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// parseLogLevel maps a flag value to a slog level
func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func main() {
	// Check version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A .env file is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	fs := ff.NewFlagSet("aadhaar-reader")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		backendURL     = fs.StringLong("backend-url", "", "Base URL of the extraction service (required)")
		dbPath         = fs.StringLong("db", "aadhaar-reader.db", "Session database file path")
		storagePath    = fs.StringLong("storage", "./uploads", "Directory for uploaded images")
		maxUploadMB    = fs.IntLong("max-upload-mb", 50, "Maximum size of a single image upload in MB")
		extractTimeout = fs.DurationLong("extract-timeout", 0, "Timeout for extraction requests (0 waits indefinitely)")
		sessionTTL     = fs.DurationLong("session-ttl", 24*time.Hour, "Idle time after which a session and its images are purged")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("AADHAAR_READER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *backendURL == "" {
		slog.Error("Extraction service URL is required. Set --backend-url flag or AADHAAR_READER_BACKEND_URL environment variable")
		os.Exit(1)
	}
	if *sessionTTL <= 0 {
		slog.Error("Session TTL must be positive", "session_ttl", *sessionTTL)
		os.Exit(1)
	}
	if *extractTimeout > 0 {
		slog.Info("Extraction requests will time out", "timeout", *extractTimeout)
	}

	slog.Info("Initializing extraction client...", "url", *backendURL)
	extractor, err := extraction.NewClient(*backendURL, *extractTimeout)
	if err != nil {
		slog.Error("Failed to initialize extraction client", "error", err)
		os.Exit(1)
	}

	slog.Info("Initializing database...", "path", *dbPath)
	db, err := upload.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := upload.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	controller := upload.NewController(db, store, extractor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n, err := controller.RecoverInterrupted(ctx); err != nil {
		slog.Error("Failed to recover interrupted sessions", "error", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Warn("Recovered sessions interrupted mid-extraction", "count", n)
	}

	server := upload.NewServer(controller, upload.Options{
		BasicAuth: upload.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		},
		MaxUploadBytes: int64(*maxUploadMB) << 20,
	})
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	addr := fmt.Sprintf(":%d", *port)
	janitorInterval := min(*sessionTTL, time.Hour)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, addr)
	})
	g.Go(func() error {
		return controller.RunJanitor(gctx, *sessionTTL, janitorInterval)
	})

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutting down...")
}
