// Package calllog reports call statuses to the backend. It creates one
// backend record per call on the first ringing status, updates it on every
// later status, and closes it once a terminal status is acknowledged.
//
// Every report is also added to the history cache straight away, whether
// or not the backend accepts it. Backend failures are logged and dropped.
package calllog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sweeney/dialmate/internal/backend"
	"github.com/sweeney/dialmate/internal/history"
	"github.com/sweeney/dialmate/internal/logger"
	"github.com/sweeney/dialmate/internal/metrics"
)

// Backend is the subset of the backend API used for call records.
type Backend interface {
	CreateCall(ctx context.Context, req backend.CreateCallRequest) (backend.CreateCallResponse, error)
	UpdateCallStatus(ctx context.Context, req backend.UpdateCallStatusRequest) (backend.UpdateCallStatusResponse, error)
}

// Cache receives optimistic history entries.
type Cache interface {
	Prepend(e history.Entry)
}

// Record is the per-call logging state. It is owned by one caller at a
// time; the Logger reads and writes it only inside ReportStatus.
type Record struct {
	// Number is the normalized number. Empty numbers never reach the backend.
	Number string
	// BackendCallID is set by a successful create and cleared once a
	// terminal status is acknowledged.
	BackendCallID backend.CallID
	// TerminalLogged is set once a terminal status is acknowledged.
	TerminalLogged bool
}

// Result is returned by ReportStatus.
type Result struct {
	Outcome Outcome
	Entry   history.Entry
	Err     error
}

// Logger reports statuses. It is safe for concurrent use as long as each
// Record is used by one goroutine at a time.
type Logger struct {
	backend Backend
	cache   Cache
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Logger)

func WithLogger(l *slog.Logger) Option { return func(lg *Logger) { lg.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(lg *Logger) { lg.metrics = m } }

// WithClock sets the time stamped on history entries.
func WithClock(now func() time.Time) Option { return func(lg *Logger) { lg.now = now } }

func New(b Backend, c Cache, opts ...Option) *Logger {
	l := &Logger{backend: b, cache: c, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	l.log = logger.OrDefault(l.log)
	return l
}

// ReportStatus records status for rec with the call's duration so far.
func (l *Logger) ReportStatus(ctx context.Context, rec *Record, status Status, duration int) Result {
	res := l.report(ctx, rec, status, duration)
	l.metrics.StatusReport(string(status), string(res.Outcome))
	return res
}

func (l *Logger) report(ctx context.Context, rec *Record, status Status, duration int) Result {
	log := l.log.With("status", string(status), "duration_s", duration)

	if status.Terminal() && rec.TerminalLogged {
		log.Debug("terminal status already logged")
		return Result{Outcome: OutcomeDuplicate}
	}

	entry := history.Entry{
		Number:          rec.Number,
		Status:          string(status),
		StartedAt:       l.now(),
		DurationSeconds: duration,
	}
	if l.cache != nil {
		l.cache.Prepend(entry)
	}
	res := Result{Outcome: OutcomeLocalOnly, Entry: entry}

	if strings.TrimSpace(rec.Number) == "" {
		log.Warn("not logging call to backend: number is empty")
		return res
	}

	switch {
	case rec.BackendCallID == "" && status == StatusRinging:
		resp, err := l.backend.CreateCall(ctx, backend.CreateCallRequest{
			PhoneNumber: rec.Number,
			Status:      string(status),
			Duration:    duration,
		})
		if err != nil {
			return l.failed(log, res, "create call record", err)
		}
		rec.BackendCallID = resp.CallID
		log.Info("call record created", "call_id", string(resp.CallID))
		res.Outcome = OutcomeCreated

	case rec.BackendCallID != "" && status != StatusRinging:
		id := rec.BackendCallID
		if _, err := l.backend.UpdateCallStatus(ctx, backend.UpdateCallStatusRequest{
			CallID:   id,
			Status:   string(status),
			Duration: duration,
		}); err != nil {
			return l.failed(log.With("call_id", string(id)), res, "update call status", err)
		}
		res.Outcome = OutcomeUpdated
		if status.Terminal() {
			rec.BackendCallID = ""
			rec.TerminalLogged = true
			res.Outcome = OutcomeFinalized
		}
		log.Info("call status updated", "call_id", string(id), "outcome", string(res.Outcome))

	default:
		log.Debug("no backend record for status, cache only", "has_record", rec.BackendCallID != "")
	}
	return res
}

func (l *Logger) failed(log *slog.Logger, res Result, op string, err error) Result {
	if errors.Is(err, backend.ErrNoToken) {
		log.Warn("not logging call to backend: no authentication token")
		res.Err = err
		return res
	}
	log.Warn("failed to "+op, "error", err)
	res.Outcome = OutcomeFailed
	res.Err = err
	return res
}
