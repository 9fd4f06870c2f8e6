// Package metrics exposes Prometheus counters for the download and
// delivery pipeline, served on an optional HTTP endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	registry          *prometheus.Registry
	downloadsTotal    *prometheus.CounterVec
	downloadBytes     prometheus.Counter
	segmentsDelivered prometheus.Counter
	segmentFailures   prometheus.Counter
	sessionsEvicted   prometheus.Counter
	sweptFiles        prometheus.Counter
	activeSessions    prometheus.Gauge
}

// New creates and registers the pipeline metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	downloadsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kanade_downloads_total",
		Help: "Audio downloads by result (ok, unsafe_url, error, bad_format)",
	}, []string{"result"})
	downloadBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kanade_download_bytes_total",
		Help: "Total bytes downloaded across all fetches",
	})
	segmentsDelivered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kanade_segments_delivered_total",
		Help: "Audio segments successfully sent to chat",
	})
	segmentFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kanade_segment_failures_total",
		Help: "Audio segments that failed to send",
	})
	sessionsEvicted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kanade_sessions_evicted_total",
		Help: "Idle sessions removed by the cleanup loop",
	})
	sweptFiles := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kanade_swept_files_total",
		Help: "Orphaned temp files removed by the cleanup loop",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kanade_active_sessions",
		Help: "Sessions currently tracked in the registry",
	})

	registry.MustRegister(
		downloadsTotal,
		downloadBytes,
		segmentsDelivered,
		segmentFailures,
		sessionsEvicted,
		sweptFiles,
		activeSessions,
	)

	return &Metrics{
		registry:          registry,
		downloadsTotal:    downloadsTotal,
		downloadBytes:     downloadBytes,
		segmentsDelivered: segmentsDelivered,
		segmentFailures:   segmentFailures,
		sessionsEvicted:   sessionsEvicted,
		sweptFiles:        sweptFiles,
		activeSessions:    activeSessions,
	}
}

// ObserveDownload records one finished fetch attempt.
func (m *Metrics) ObserveDownload(result string, bytes int64) {
	m.downloadsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.downloadBytes.Add(float64(bytes))
	}
}

func (m *Metrics) IncSegmentsDelivered(n int) {
	m.segmentsDelivered.Add(float64(n))
}

func (m *Metrics) IncSegmentFailures(n int) {
	m.segmentFailures.Add(float64(n))
}

// ObserveSweep records one pass of the cleanup loop.
func (m *Metrics) ObserveSweep(evicted, removedFiles int) {
	m.sessionsEvicted.Add(float64(evicted))
	m.sweptFiles.Add(float64(removedFiles))
}

// SetActiveSessions sets the session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns the scrape handler. updateGauges, if non-nil, runs
// before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Serve runs the metrics endpoint on addr until ctx is canceled.
// updateGauges is passed through to Handler.
func (m *Metrics) Serve(ctx context.Context, addr string, updateGauges func(), logger zerolog.Logger) error {
	r := chi.NewRouter()
	r.Get("/metrics", m.Handler(updateGauges).ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
