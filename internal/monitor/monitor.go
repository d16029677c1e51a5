// ============================================================================
// objaverse-render Monitor
// ============================================================================
//
// Package: internal/monitor
// File: monitor.go
// Purpose: Aggregate progress, report it, and decide when a run is over
//
// Every interval the monitor:
//   1. Sums finished and failed counts across all worker ledgers
//   2. In dynamic mode, reads the queue's approximate visible count
//   3. Reports the counters to the metrics sink (best effort)
//   4. Checks the done rules
//
// Done rules:
//   static   finished + failed >= total, or every worker has exited
//   dynamic  finished + failed >= total when total is known, or the queue
//            count has stayed at zero for drain_grace (at least one
//            visibility timeout, so an in-flight job whose worker died has
//            time to reappear), or every worker has exited
//   both     timeout elapsed since the monitor started (if set)
//
// Counts already in the ledgers when the run began (BaseFinished,
// BaseFailed) are not part of the run's progress.
//
// ============================================================================

package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/allenai/objaverse-rendering/internal/jobsource"
	"github.com/allenai/objaverse-rendering/internal/ledger"
	"github.com/allenai/objaverse-rendering/internal/metrics"
	"github.com/allenai/objaverse-rendering/pkg/types"
)

// Reason says why a run is considered done.
type Reason string

const (
	NotDone         Reason = ""
	ReasonAllDone   Reason = "all_jobs_accounted"
	ReasonDrained   Reason = "queue_drained"
	ReasonExited    Reason = "workers_exited"
	ReasonTimeout   Reason = "timeout"
	ReasonCancelled Reason = "cancelled"
)

// Status is one poll's view of the run.
type Status struct {
	Finished     int
	Failed       int
	Total        int // 0 when unknown
	Percentage   float64
	MessagesLeft int64 // -1 when not read
	Uploaded     int
	PerWorker    []types.ProgressEntry
	Reason       Reason
	At           time.Time
}

func (s Status) Done() bool { return s.Reason != NotDone }

// Counters renders s as the sink's counter map.
func (s Status) Counters() map[string]float64 {
	c := map[string]float64{
		metrics.NumFinished:   float64(s.Finished),
		metrics.NumFailed:     float64(s.Failed),
		metrics.Total:         float64(s.Total),
		metrics.Percentage:    s.Percentage,
		metrics.UploadedFiles: float64(s.Uploaded),
	}
	if s.MessagesLeft >= 0 {
		c[metrics.MessagesLeft] = float64(s.MessagesLeft)
	}
	return c
}

// Config is what the monitor needs to know about a run.
type Config struct {
	Mode       types.Mode
	LedgerDir  string
	Workers    int
	Total      int
	Interval   time.Duration
	Timeout    time.Duration
	DrainGrace time.Duration
	// BaseFinished and BaseFailed are the ledger counts left by earlier
	// runs. They are subtracted so a status only covers this run.
	BaseFinished int
	BaseFailed   int
}

// Monitor polls ledgers and the queue.
type Monitor struct {
	cfg    Config
	queue  jobsource.Queue
	sink   metrics.Sink
	logger *slog.Logger

	// Uploaded, when set, supplies the reconciler's upload count.
	Uploaded func() int
	// WorkersDone, when set, is closed once every worker has exited.
	WorkersDone <-chan struct{}

	now        func() time.Time
	started    time.Time
	zeroSince  time.Time
	lastStatus Status
}

// New builds a monitor. queue may be nil in static mode; sink may be nil.
func New(cfg Config, queue jobsource.Queue, sink metrics.Sink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	m := &Monitor{cfg: cfg, queue: queue, sink: sink, logger: logger.With("component", "monitor"), now: time.Now}
	m.started = m.now()
	return m
}

// Poll takes one snapshot, reports it, and evaluates the done rules.
func (m *Monitor) Poll(ctx context.Context) Status {
	now := m.now()
	st := Status{Total: m.cfg.Total, MessagesLeft: -1, At: now}

	sum, err := ledger.Aggregate(m.cfg.LedgerDir, m.cfg.Workers)
	if err != nil {
		m.logger.Warn("ledger read failed; reusing last counts", "err", err)
		st.Finished, st.Failed, st.PerWorker = m.lastStatus.Finished, m.lastStatus.Failed, m.lastStatus.PerWorker
	} else {
		st.Finished = max(sum.Finished-m.cfg.BaseFinished, 0)
		st.Failed = max(sum.Failed-m.cfg.BaseFailed, 0)
		st.PerWorker = sum.PerWorker
	}
	if m.cfg.Total > 0 {
		st.Percentage = 100 * float64(st.Finished) / float64(m.cfg.Total)
	}
	if m.Uploaded != nil {
		st.Uploaded = m.Uploaded()
	}

	if m.cfg.Mode == types.ModeDynamic && m.queue != nil {
		n, err := m.queue.ApproximateCount(ctx)
		if err != nil {
			m.logger.Warn("queue count failed", "err", err)
			m.zeroSince = time.Time{}
		} else {
			st.MessagesLeft = n
			if n == 0 {
				if m.zeroSince.IsZero() {
					m.zeroSince = now
				}
			} else {
				m.zeroSince = time.Time{}
			}
		}
	}

	st.Reason = m.evaluate(st, now)

	if m.sink != nil {
		if err := m.sink.Report(ctx, st.Counters()); err != nil {
			m.logger.Warn("metrics report failed", "err", err)
		}
	}
	m.lastStatus = st
	return st
}

func (m *Monitor) evaluate(st Status, now time.Time) Reason {
	accounted := st.Finished + st.Failed
	switch m.cfg.Mode {
	case types.ModeStatic:
		if accounted >= m.cfg.Total {
			return ReasonAllDone
		}
	default:
		if m.cfg.Total > 0 && accounted >= m.cfg.Total {
			return ReasonAllDone
		}
		if !m.zeroSince.IsZero() && now.Sub(m.zeroSince) >= m.cfg.DrainGrace {
			return ReasonDrained
		}
	}
	if m.WorkersDone != nil {
		select {
		case <-m.WorkersDone:
			return ReasonExited
		default:
		}
	}
	if m.cfg.Timeout > 0 && now.Sub(m.started) >= m.cfg.Timeout {
		return ReasonTimeout
	}
	return NotDone
}

// Last returns the most recent poll.
func (m *Monitor) Last() Status { return m.lastStatus }

// Run polls every interval until a done rule fires or ctx ends.
func (m *Monitor) Run(ctx context.Context) (Status, error) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		st := m.Poll(ctx)
		m.logger.Info("progress",
			"finished", st.Finished,
			"failed", st.Failed,
			"total", st.Total,
			"percentage", round2(st.Percentage),
			"messages_left", st.MessagesLeft,
			"uploaded", st.Uploaded)
		if st.Done() {
			m.logger.Info("run done", "reason", st.Reason)
			return st, nil
		}

		select {
		case <-ctx.Done():
			st.Reason = ReasonCancelled
			m.lastStatus = st
			return st, ctx.Err()
		case <-ticker.C:
		case <-m.WorkersDone:
			// Re-poll now so the final counts include the last jobs.
		}
	}
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
