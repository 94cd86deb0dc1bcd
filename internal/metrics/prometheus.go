package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the Prometheus metrics of the transcription pipeline
type Collectors struct {
	BlocksCaptured    prometheus.Counter
	CaptureFailures   prometheus.Counter
	QueueDepth        prometheus.Gauge
	ChunksTranscribed prometheus.Counter
	InferenceFailures prometheus.Counter
	InferenceDuration prometheus.Histogram
	PersistFailures   prometheus.Counter
	SessionsOpened    prometheus.Counter
	SessionsClosed    prometheus.Counter
}

// NewCollectors creates and registers all metrics with reg. A nil reg
// creates unregistered collectors, which is what tests use.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		BlocksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_blocks_captured_total",
			Help: "Total number of audio blocks captured",
		}),
		CaptureFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_capture_failures_total",
			Help: "Total number of fatal capture device errors",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_queue_depth",
			Help: "Current number of captured blocks waiting for transcription",
		}),
		ChunksTranscribed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_chunks_transcribed_total",
			Help: "Total number of transcript chunks appended to the session log",
		}),
		InferenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_inference_failures_total",
			Help: "Total number of blocks skipped because inference failed",
		}),
		InferenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_inference_duration_seconds",
			Help:    "Time spent transcribing one block",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_persist_failures_total",
			Help: "Total number of session log flushes that failed after all retries",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_sessions_opened_total",
			Help: "Total number of recording sessions opened",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_sessions_closed_total",
			Help: "Total number of recording sessions closed",
		}),
	}
}

// Server exposes a registry on /metrics
type Server struct {
	srv *http.Server
}

func NewServer(address string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves in the background; listen errors are sent to errCh.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
