// Package metrics exposes repcore's Prometheus counters and the HTTP
// server that serves them, grounded on the teacher's own
// promauto/promhttp-based metrics server.
package metrics

import (
	"cmp"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesApplied counts change-stream messages the Change Processor
	// has dispatched, by tag (spec §4.7).
	MessagesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repcore_messages_applied_total",
			Help: "Total number of change-stream messages applied by the Change Processor, by tag",
		},
		[]string{"tag"},
	)

	// CommitsApplied counts transactions the Incremental Syncer has
	// committed to the replica.
	CommitsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repcore_commits_applied_total",
			Help: "Total number of upstream transactions committed to the replica",
		},
		[]string{"subscriber"},
	)

	// ReconnectAttempts counts Incremental Syncer subscribe attempts, the
	// first one and every reconnect after a dropped change stream (spec §4.9).
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repcore_reconnect_attempts_total",
			Help: "Total number of change-source (re)subscribe attempts",
		},
		[]string{"subscriber"},
	)

	// ProcessorFailures counts Change Processor transitions into
	// StateFailed, by the root cause's error class (spec §4.6).
	ProcessorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repcore_processor_failures_total",
			Help: "Total number of fatal Change Processor failures, by error class",
		},
		[]string{"class"},
	)

	// CommitLatency measures wall-clock time between an upstream begin and
	// the matching replica commit. No package in this module records
	// observations into it.
	CommitLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repcore_commit_latency_seconds",
			Help:    "Time between an upstream transaction's begin and its replica commit",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// PromServerOpts configures the metrics HTTP server.
type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given
// options. The server shuts down gracefully when ctx is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("starting metrics server on %s", effectiveOpts.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("error shutting down metrics server: %v", err)
		}

		select {
		case <-serverClosed:
		case <-shutdownCtx.Done():
			log.Println("metrics server shutdown timed out")
		}
	}()
}
