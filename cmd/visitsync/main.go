package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/okapon-health/visitsync/pkg/api"
	"github.com/okapon-health/visitsync/pkg/config"
	"github.com/okapon-health/visitsync/pkg/dedup"
	"github.com/okapon-health/visitsync/pkg/observability"
	"github.com/okapon-health/visitsync/pkg/store"
	"github.com/okapon-health/visitsync/pkg/worker"

	_ "github.com/lib/pq" // Postgres Driver
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer and startWorker are variables to allow mocking in tests
var (
	startServer = runServer
	startWorker = runWorker
)

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer()
	}

	switch args[1] {
	case "server", "serve":
		return startServer()
	case "worker":
		return startWorker()
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "visitsync - scheduling event gateway and visit materializer")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  visitsync <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the HTTP gateway (default)")
	fmt.Fprintln(w, "  worker   Run the receipt materializer loop")
	fmt.Fprintln(w, "  health   Check server health (HTTP)")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) *observability.Provider {
	if !cfg.TelemetryEnabled {
		return nil
	}
	ocfg := observability.DefaultConfig()
	ocfg.OTLPEndpoint = cfg.OTLPEndpoint
	metrics, err := observability.New(ctx, ocfg)
	if err != nil {
		logger.Error("telemetry init failed, continuing without metrics", "error", err)
		return nil
	}
	return metrics
}

//nolint:gocognit
func runServer() int {
	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	metrics := newMetrics(ctx, cfg, logger)
	if metrics != nil {
		defer func() { _ = metrics.Shutdown(context.Background()) }()
	}

	// The gateway keeps accepting events without a database: submissions
	// are acknowledged from the in-memory dedup cache and the caller is
	// told which mode answered via the mode field.
	var (
		sink   api.ReceiptSink
		visits *api.VisitService
	)
	if cfg.DatabaseURL == "" {
		log.Println("[visitsync] DATABASE_URL not set, running in memory mode")
		visits = api.NewVisitService(nil, nil, logger, metrics)
	} else {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("[visitsync] %v", err)
			return 1
		}
		defer db.Close()
		log.Println("[visitsync] postgres: connected")

		receipts := store.NewReceiptStore(db)
		if err := receipts.Init(ctx); err != nil {
			log.Printf("[visitsync] init receipt store: %v", err)
			return 1
		}
		occurrences := store.NewOccurrenceStore(db)
		if err := occurrences.Init(ctx); err != nil {
			log.Printf("[visitsync] init occurrence store: %v", err)
			return 1
		}
		sink = receipts
		visits = api.NewVisitService(occurrences, occurrences, logger, metrics)
	}

	// Fallback dedup backend for when the receipt store is down or
	// absent. Redis gives multi-instance gateways a shared replay
	// window; the bounded cache covers the single-instance case.
	var deduper api.Deduper
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("[visitsync] parse REDIS_URL: %v", err)
			return 1
		}
		deduper = dedup.NewRedisSet(redis.NewClient(opt), "visitsync:dedup:", 24*time.Hour)
		log.Println("[visitsync] dedup: redis")
	} else {
		deduper = dedup.NewCache(cfg.DedupLimit)
	}

	ingest := api.NewIngestHandler(sink, deduper, logger, metrics)
	limiter := api.NewGlobalRateLimiter(cfg.RateRPS, cfg.RateBurst)
	router := api.NewRouter(ingest, visits, cfg.DefaultTenantID, limiter)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	go func() {
		log.Printf("[visitsync] health server: :%s", cfg.HealthPort)
		//nolint:gosec // Intentionally listening on all interfaces
		if err := http.ListenAndServe(":"+cfg.HealthPort, healthMux); err != nil {
			log.Printf("[visitsync] health server error: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[visitsync] ready: http://localhost:%s", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		log.Printf("[visitsync] server error: %v", err)
		return 1
	case <-sigChan:
	}

	log.Println("[visitsync] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[visitsync] shutdown: %v", err)
		return 1
	}
	return 0
}

func runWorker() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		log.Println("[visitsync] worker requires DATABASE_URL")
		return 1
	}
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("[visitsync] %v", err)
		return 1
	}
	defer db.Close()

	receipts := store.NewReceiptStore(db)
	if err := receipts.Init(ctx); err != nil {
		log.Printf("[visitsync] init receipt store: %v", err)
		return 1
	}
	occurrences := store.NewOccurrenceStore(db)
	if err := occurrences.Init(ctx); err != nil {
		log.Printf("[visitsync] init occurrence store: %v", err)
		return 1
	}

	eligible, err := cfg.EligibleFacilities()
	if err != nil {
		log.Printf("[visitsync] load facility profile: %v", err)
		return 1
	}

	metrics := newMetrics(ctx, cfg, logger)
	if metrics != nil {
		defer func() { _ = metrics.Shutdown(context.Background()) }()
	}

	host, _ := os.Hostname()
	m := worker.New(receipts, occurrences, eligible, logger, worker.Options{
		WorkerID:       fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		BatchSize:      cfg.WorkerBatchSize,
		Lease:          cfg.ClaimLease,
		PollInterval:   cfg.WorkerPollInterval,
		ErrInterval:    cfg.WorkerErrInterval,
		TenantID:       cfg.DefaultTenantID,
		PractitionerID: cfg.DefaultPractitionerID,
		Metrics:        metrics,
	})

	log.Printf("[visitsync] worker: claiming batches of %d", cfg.WorkerBatchSize)
	m.Run(ctx)
	log.Println("[visitsync] worker stopped")
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		port = "8081"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
