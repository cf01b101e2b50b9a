package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	DiffsApplied     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fillwatch_diffs_applied_total", Help: "Diff events applied to the book"})
	DiffsIgnored     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fillwatch_diffs_ignored_total", Help: "Stale or duplicate diff events"})
	UpdatesRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "fillwatch_updates_rejected_total", Help: "Malformed level updates"})
	CrossedBooks     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fillwatch_crossed_book_total", Help: "Diffs that left the book crossed"})
	Snapshots        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fillwatch_snapshots_total", Help: "Book rebuilds from a snapshot by reason"}, []string{"reason"})
	StreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{Name: "fillwatch_stream_reconnects_total", Help: "Diff stream reconnects"})
	Queries          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fillwatch_queries_total", Help: "Query server requests by outcome"}, []string{"outcome"})
	BookLevels       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "fillwatch_book_levels", Help: "Resting price levels by side"}, []string{"side"})
	LastSequenceID   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fillwatch_last_sequence_id", Help: "Sequence id of the last applied diff"})
	EstimateLatency  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "fillwatch_estimate_seconds", Help: "Fill estimate latency", Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10)})
)

// Init registers every collector on a fresh registry.
func Init() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		DiffsApplied, DiffsIgnored, UpdatesRejected, CrossedBooks,
		Snapshots, StreamReconnects, Queries,
		BookLevels, LastSequenceID, EstimateLatency,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Serve exposes reg on /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("unable to shut down metrics server")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics server running")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
