// Package metrics holds the Prometheus instruments of the device runtime and
// the optional /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sua-org/multicam/internal/logging"
)

var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multicam_commands_total",
			Help: "Commands handled, by command and resulting status",
		},
		[]string{"command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "multicam_command_duration_seconds",
			Help:    "Time from accept to response written",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	RecordingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "multicam_recording_active",
			Help: "1 while a capture is running",
		},
	)

	RecordingStartLateness = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "multicam_recording_start_lateness_seconds",
			Help:    "Actual minus requested start for scheduled recordings",
			Buckets: []float64{-0.05, -0.01, 0, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		},
	)

	ClockOffsetSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "multicam_clock_offset_seconds",
			Help: "Offset between reference time and the local clock",
		},
	)

	ClockSynchronized = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "multicam_clock_synchronized",
			Help: "1 when the last clock sync succeeded",
		},
	)

	ClockBestRTTSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "multicam_clock_best_rtt_seconds",
			Help: "Lowest round trip time of the last successful sync",
		},
	)

	TransferBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "multicam_transfer_bytes_total",
			Help: "File bytes streamed by GET_VIDEO",
		},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multicam_uploads_total",
			Help: "Finished uploads by result",
		},
		[]string{"result"},
	)

	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "multicam_upload_bytes_total",
			Help: "Bytes read from disk by upload workers",
		},
	)

	UploadQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "multicam_upload_queue_length",
			Help: "Items in the active and failed upload queues",
		},
		[]string{"queue"},
	)
)

var log = logging.For("metrics")

// Server exposes /metrics on addr. It implements suture.Service.
type Server struct {
	addr string
}

func NewServer(addr string) *Server { return &Server{addr: addr} }

func (s *Server) String() string { return "metrics" }

func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", s.addr).Msg("metrics endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
