package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/psantana5/reftrack/internal/sweep"
	"github.com/psantana5/reftrack/pkg/api"
	"github.com/psantana5/reftrack/pkg/auth"
	"github.com/psantana5/reftrack/pkg/logging"
	"github.com/psantana5/reftrack/pkg/metrics"
	"github.com/psantana5/reftrack/pkg/middleware"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/psantana5/reftrack/pkg/ratelimit"
	"github.com/psantana5/reftrack/pkg/shutdown"
	"github.com/psantana5/reftrack/pkg/store"
	"github.com/psantana5/reftrack/pkg/tlsutil"
	"github.com/psantana5/reftrack/pkg/tracing"
)

const version = "0.3.0"

func main() {
	port := flag.String("port", "9300", "Collector API port")
	dbType := flag.String("db-type", "sqlite", "Storage backend: sqlite, postgres, or memory")
	dbPath := flag.String("db", "trackd.db", "SQLite database path")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (or DATABASE_DSN env var)")
	apiKeyFlag := flag.String("api-key", "", "API key for authentication (leave empty to disable, or use REFTRACK_API_KEY env var)")
	useTLS := flag.Bool("tls", false, "Serve the API over TLS")
	certFile := flag.String("cert", "certs/trackd.crt", "TLS certificate file")
	keyFile := flag.String("key", "certs/trackd.key", "TLS key file")
	generateCert := flag.Bool("generate-cert", false, "Generate a self-signed certificate and exit")
	certHosts := flag.String("cert-hosts", "", "Comma-separated extra IPs or hostnames for certificate SANs")
	enableMetrics := flag.Bool("metrics", true, "Enable Prometheus metrics endpoint")
	metricsPort := flag.String("metrics-port", "9400", "Prometheus metrics port")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 60*time.Second, "Silence after which a recording capture is marked lost")
	drainGrace := flag.Duration("drain-grace", 2*time.Minute, "Extra silence allowed while a capture drains")
	retainFinished := flag.Duration("retain-finished", 24*time.Hour, "How long finished captures are kept before pruning")
	sweepInterval := flag.Duration("sweep-interval", 30*time.Second, "Liveness sweep cadence")
	rateLimit := flag.Float64("rate-limit", 0, "Requests per second per client, 0 disables rate limiting")
	rateBurst := flag.Int("rate-burst", 20, "Rate limiter burst size")
	traceEndpoint := flag.String("trace-endpoint", "", "OTLP HTTP endpoint for traces, empty disables tracing")
	environment := flag.String("environment", "dev", "Deployment environment tag for traces")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, or error")
	logJSON := flag.Bool("log-json", false, "Emit logs as JSON")
	flag.Parse()

	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logJSON)

	// Generate self-signed certificate if requested
	if *generateCert {
		if dir := filepath.Dir(*certFile); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				logger.Fatal(fmt.Sprintf("Failed to create cert directory: %v", err))
			}
		}

		var sans []string
		for _, host := range strings.Split(*certHosts, ",") {
			if host = strings.TrimSpace(host); host != "" {
				sans = append(sans, host)
			}
		}

		if err := tlsutil.GenerateSelfSignedCert(*certFile, *keyFile, "trackd", sans...); err != nil {
			logger.Fatal(fmt.Sprintf("Failed to generate certificate: %v", err))
		}
		logger.Info("Certificate generated: " + *certFile)
		logger.Info("Key generated: " + *keyFile)
		return
	}

	// API key from flag or environment
	apiKey := *apiKeyFlag
	apiKeySource := "command-line flag"
	if apiKey == "" {
		apiKey = os.Getenv("REFTRACK_API_KEY")
		apiKeySource = "environment variable"
	}

	logger.Info(fmt.Sprintf("Starting trackd %s", version))

	dsnValue := *dsn
	if dsnValue == "" {
		dsnValue = os.Getenv("DATABASE_DSN")
	}

	dataStore, err := store.NewStore(store.Config{
		Type: *dbType,
		Path: *dbPath,
		DSN:  dsnValue,
	})
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to open store: %v", err))
	}
	logger.Info(fmt.Sprintf("Storage backend: %s", *dbType))
	if *dbType == "memory" {
		logger.Warn("In-memory store selected, captures will not survive restarts")
	}

	mgr := shutdown.New(30 * time.Second)
	mgr.Register(shutdown.CloseResource(dataStore, "store"))

	provider, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "trackd",
		ServiceVersion: version,
		Environment:    *environment,
		OTLPEndpoint:   *traceEndpoint,
		Enabled:        *traceEndpoint != "",
	})
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to initialize tracing: %v", err))
	}
	mgr.Register(provider.Shutdown)

	exporter := metrics.NewCollectorExporter(dataStore)
	handler := api.NewCollectorHandler(dataStore)
	handler.SetMetricsRecorder(exporter)

	router := mux.NewRouter()

	if *traceEndpoint != "" {
		router.Use(tracing.HTTPMiddleware(provider))
	}

	if *rateLimit > 0 {
		limiter := ratelimit.NewLimiter(*rateLimit, *rateBurst)
		router.Use(limiter.Middleware(ratelimit.IPKeyFunc))
		go limiterJanitor(mgr.Done(), limiter, logger)
		logger.Info(fmt.Sprintf("Rate limiting enabled: %.1f req/s, burst %d", *rateLimit, *rateBurst))
	}

	keys := auth.NewAPIKeyManager()
	if apiKey != "" {
		keys.RegisterAPIKey(apiKey, "primary")
		logger.Info("API authentication enabled (source: " + apiKeySource + ")")
	} else {
		logger.Warn("API authentication disabled, pass --api-key or set REFTRACK_API_KEY")
	}
	router.Use(middleware.AuthMiddleware(keys))

	handler.RegisterRoutes(router)

	// Liveness sweeper
	policy := models.CapturePolicy{
		HeartbeatInterval: models.DefaultCapturePolicy().HeartbeatInterval,
		LostAfter:         *heartbeatTimeout,
		DrainGrace:        *drainGrace,
		RetainFinished:    *retainFinished,
	}
	sweeper := sweep.New(dataStore, sweep.Config{
		Policy:         policy,
		Interval:       *sweepInterval,
		VacuumInterval: 24 * time.Hour,
	}, logger, exporter)
	sweeper.Start()
	mgr.Register(func(ctx context.Context) error {
		sweeper.Stop()
		return nil
	})

	// Metrics on its own port so scrapes bypass auth and rate limits
	if *enableMetrics {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", exporter).Methods("GET")
		metricsRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"healthy"}`))
		}).Methods("GET")

		metricsSrv := &http.Server{
			Addr:         ":" + *metricsPort,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics server listening on :" + *metricsPort)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(fmt.Sprintf("Metrics server error: %v", err))
			}
		}()
		mgr.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))
	}

	srv := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if *useTLS {
		// Generate a certificate on first start if none exists
		if _, err := os.Stat(*certFile); os.IsNotExist(err) {
			logger.Info("Certificate file not found, generating self-signed certificate")
			if dir := filepath.Dir(*certFile); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					logger.Fatal(fmt.Sprintf("Failed to create cert directory: %v", err))
				}
			}
			if err := tlsutil.GenerateSelfSignedCert(*certFile, *keyFile, "trackd"); err != nil {
				logger.Fatal(fmt.Sprintf("Failed to generate certificate: %v", err))
			}
		}

		tlsConfig, err := tlsutil.ServerConfig(*certFile, *keyFile)
		if err != nil {
			logger.Fatal(fmt.Sprintf("Failed to load TLS config: %v", err))
		}
		srv.TLSConfig = tlsConfig
		logger.Info("TLS enabled")
	}

	mgr.Register(shutdown.StopHTTPServer(srv, "api"))

	go func() {
		logger.Info("Collector API listening on :" + *port)
		logger.Info("  POST   /captures")
		logger.Info("  GET    /captures")
		logger.Info("  GET    /captures/{id}")
		logger.Info("  POST   /captures/{id}/heartbeat")
		logger.Info("  POST   /captures/{id}/drain")
		logger.Info("  POST   /captures/{id}/abort")
		logger.Info("  POST   /captures/{id}/report")
		logger.Info("  GET    /captures/{id}/report")
		logger.Info("  GET    /reports")
		logger.Info("  GET    /health")

		var err error
		if *useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	mgr.Wait()
	mgr.Shutdown()
}

// limiterJanitor drops idle per-client buckets until shutdown
func limiterJanitor(done <-chan struct{}, limiter *ratelimit.Limiter, logger *logging.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if removed := limiter.CleanupOldLimiters(time.Hour); removed > 0 {
				logger.Debug(fmt.Sprintf("Dropped %d idle rate limiter buckets", removed))
			}
		}
	}
}
