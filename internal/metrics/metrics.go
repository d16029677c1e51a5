// ============================================================================
// objaverse-render Metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Best-effort sinks for the monitor's counters
//
// The monitor hands a flat map of named counters to a Sink once per poll:
//
//   num_finished       jobs with a verified artifact set
//   num_failed         jobs that reached a terminal failure
//   total              expected jobs (0 when unknown)
//   percentage         num_finished / total * 100
//   num_messages_left  approximate queue depth (dynamic mode)
//   uploaded_files     files the reconciler has uploaded this run
//
// A sink failing must never fail the run, so Report only returns an error
// for the caller to log.
//
// HTTP endpoint:
//   /metrics on the configured port, Prometheus text format.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counter names reported by the monitor.
const (
	NumFinished     = "num_finished"
	NumFailed       = "num_failed"
	Total           = "total"
	Percentage      = "percentage"
	MessagesLeft    = "num_messages_left"
	UploadedFiles   = "uploaded_files"
	namespace       = "objaverse_render"
	jobDurationName = "job_duration_seconds"
)

// Sink receives counter snapshots.
type Sink interface {
	Report(ctx context.Context, counters map[string]float64) error
}

// PrometheusSink exposes each counter as a gauge labelled by name, plus a
// histogram of per-job render durations fed by in-process workers.
type PrometheusSink struct {
	gauges      *prometheus.GaugeVec
	jobDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers its collectors with reg. A nil reg means the
// default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress",
			Help:      "Run progress counters reported by the monitor",
		}, []string{"counter"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      jobDurationName,
			Help:      "Wall time per job, by outcome",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
	}
	if err := reg.Register(s.gauges); err != nil {
		return nil, fmt.Errorf("register progress gauges: %w", err)
	}
	if err := reg.Register(s.jobDuration); err != nil {
		return nil, fmt.Errorf("register job histogram: %w", err)
	}
	return s, nil
}

func (s *PrometheusSink) Report(_ context.Context, counters map[string]float64) error {
	for name, v := range counters {
		s.gauges.WithLabelValues(name).Set(v)
	}
	return nil
}

// ObserveJob records one job's duration under its outcome label.
func (s *PrometheusSink) ObserveJob(outcome string, d time.Duration) {
	s.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// LogSink writes each snapshot as one structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Report(ctx context.Context, counters map[string]float64) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		attrs = append(attrs, k, counters[k])
	}
	logger.InfoContext(ctx, "progress", attrs...)
	return nil
}

// MultiSink fans a snapshot out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Report(ctx context.Context, counters map[string]float64) error {
	var errs []error
	for _, s := range m {
		if err := s.Report(ctx, counters); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps the last snapshot. Tests and the status command read it.
type Recorder struct {
	mu    sync.Mutex
	last  map[string]float64
	count int
}

func (r *Recorder) Report(_ context.Context, counters map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = make(map[string]float64, len(counters))
	for k, v := range counters {
		r.last[k] = v
	}
	r.count++
	return nil
}

// Last returns a copy of the most recent snapshot and how many were seen.
func (r *Recorder) Last() (map[string]float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.last))
	for k, v := range r.last {
		out[k] = v
	}
	return out, r.count
}

// Server serves /metrics for a registry.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// StartServer listens on port (0 picks a free port) and serves gatherer's
// metrics in the background.
func StartServer(port int, gatherer prometheus.Gatherer) (*Server, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s := &Server{srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln: ln}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Default().Error("metrics server stopped", "err", err)
		}
	}()
	return s, nil
}

// Port is the bound TCP port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }
