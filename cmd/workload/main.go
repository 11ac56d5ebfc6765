package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/psantana5/reftrack/pkg/logging"
	"github.com/psantana5/reftrack/pkg/publish"
	"github.com/psantana5/reftrack/pkg/refs"
	"github.com/psantana5/reftrack/pkg/retry"
	"github.com/psantana5/reftrack/pkg/tlsutil"
	"github.com/psantana5/reftrack/pkg/track"
)

var logger *logging.Logger

// item carries a strong reference to its pair partner. Leaky pairs
// point at each other; clean pairs only point one way.
type item struct {
	seq  int
	peer refs.Strong[item]
}

func main() {
	collectorURL := flag.String("collector", "http://localhost:9300", "Collector URL, empty runs offline")
	apiKeyFlag := flag.String("api-key", "", "API key for authentication (or use REFTRACK_API_KEY env var)")
	name := flag.String("name", "workload", "Capture name reported to the collector")
	labels := flag.String("labels", "", "Comma-separated key=value labels for the capture")
	rate := flag.Duration("rate", 200*time.Millisecond, "Delay between allocations")
	leakEvery := flag.Int("leak-every", 10, "Leak a reference cycle every Nth pair, 0 never leaks")
	duration := flag.Duration("duration", 0, "Stop after this long, 0 runs until SIGTERM")
	heartbeatInterval := flag.Duration("heartbeat-interval", 15*time.Second, "Heartbeat interval")
	depth := flag.Int("depth", 0, "Backtrace depth recorded per event, 0 uses the default")
	reportPath := flag.String("report", "", "Also write the final report to this file")
	caFile := flag.String("ca", "", "CA certificate file to verify the collector")
	insecureSkipVerify := flag.Bool("insecure-skip-verify", false, "Skip TLS certificate verification")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger = logging.NewLogger(logging.ParseLevel(*logLevel), false)

	// Get API key from flag or environment variable
	apiKey := *apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("REFTRACK_API_KEY")
	}

	logger.Info("Starting synthetic reftrack workload")
	if *leakEvery > 0 {
		logger.Info(fmt.Sprintf("Leaking one cycle every %d pairs", *leakEvery))
	}

	tracker := track.New(track.Config{Depth: *depth, Logger: logger})
	refs.SetObserver(tracker)
	defer refs.SetObserver(nil)

	var client *publish.Client
	if *collectorURL != "" {
		cfg := publish.Config{
			CollectorURL:      *collectorURL,
			APIKey:            apiKey,
			Name:              *name,
			Labels:            parseLabels(*labels),
			HeartbeatInterval: *heartbeatInterval,
			Logger:            logger,
		}
		if *insecureSkipVerify || *caFile != "" {
			tlsConfig, err := tlsutil.ClientConfig(*caFile, *insecureSkipVerify)
			if err != nil {
				logger.Fatal(fmt.Sprintf("Failed to load TLS config: %v", err))
			}
			cfg.TLS = tlsConfig
		}
		client = publish.NewClient(cfg)

		err := retry.Do(context.Background(), retry.DefaultConfig(), func(context.Context) error {
			_, err := client.Register()
			return err
		})
		if err != nil {
			logger.Fatal(fmt.Sprintf("Failed to register with collector: %v", err))
		}
		logger.Info(fmt.Sprintf("Registered capture %s with %s", client.CaptureID(), *collectorURL))

		client.StartHeartbeats(tracker)
	} else {
		logger.Info("No collector configured, running offline")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	pairs := 0
loop:
	for {
		select {
		case sig := <-sigChan:
			logger.Info(fmt.Sprintf("Received signal %v, shutting down", sig))
			break loop
		case <-deadline:
			logger.Info("Duration elapsed, shutting down")
			break loop
		case <-ticker.C:
			pairs++
			leak := *leakEvery > 0 && pairs%*leakEvery == 0
			allocatePair(pairs, leak)
			if leak {
				logger.Debug(fmt.Sprintf("Pair %d leaked as a cycle", pairs))
			}
		}
	}

	if client != nil {
		client.StopHeartbeats()
	}

	report := tracker.Close()
	stats := tracker.Stats()
	logger.Info(fmt.Sprintf("Workload done: %d pairs allocated, %d cells created, %d still live",
		pairs, stats.Created, stats.Live))

	if *reportPath != "" {
		if path, err := tracker.WriteReport(*reportPath); err != nil {
			logger.Warn(fmt.Sprintf("Failed to write report: %v", err))
		} else {
			logger.Info("Report written to " + path)
		}
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.Finish(ctx, report); err != nil {
			logger.Error(fmt.Sprintf("Failed to push report: %v", err))
			os.Exit(1)
		}
		logger.Info(fmt.Sprintf("Report pushed: %d leaked of %d created", report.Leaked(), report.InstancesCreated))
	}
}

// allocatePair builds two cells referencing each other. Clean pairs
// hold one strong edge and are fully released; leaky pairs hold both
// edges, so dropping the roots leaves the cycle alive.
func allocatePair(seq int, leak bool) {
	a := refs.NewWithConfig(&item{seq: seq}, refs.CellConfig[item]{
		Label:     fmt.Sprintf("pair-%d-a", seq),
		Finalizer: func(it *item) { it.peer.Release() },
	})
	b := refs.NewWithConfig(&item{seq: seq}, refs.CellConfig[item]{
		Label:     fmt.Sprintf("pair-%d-b", seq),
		Finalizer: func(it *item) { it.peer.Release() },
	})

	a.Get().peer = b.Clone()
	if leak {
		b.Get().peer = a.Clone()
	}

	a.Release()
	b.Release()
}

func parseLabels(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 && kv[0] != "" {
			labels[kv[0]] = kv[1]
		}
	}
	return labels
}
