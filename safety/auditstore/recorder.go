package auditstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var auditErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kidgate_audit_errors",
	Help: "Number of audit events which could not be persisted",
}, []string{"type"})

var notifyErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kidgate_notify_errors",
	Help: "Number of operator notifications which failed to send",
})

// Notifier escalates audit events to operators, outside of the audit trail itself.
type Notifier interface {
	SendEvent(ctx context.Context, ev Event) error
}

var severityRank = map[Severity]int{
	SeverityInfo:   0,
	SeverityMedium: 1,
	SeverityHigh:   2,
}

// Recorder appends events on behalf of the components making decisions. Failures are logged and counted but never returned to the caller.
type Recorder struct {
	Store    AuditStore
	Notifier Notifier
	// events at or above this severity are also sent to Notifier
	NotifyAt Severity
	Logger   *slog.Logger

	pending sync.WaitGroup
}

// Record persists the event. It is safe to call on a nil Recorder, and with an already-cancelled context: the decision being recorded has already been made.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	r.record(ctx, ev, false)
}

// RecordNotify persists the event and sends it to the Notifier regardless of severity.
func (r *Recorder) RecordNotify(ctx context.Context, ev Event) {
	r.record(ctx, ev, true)
}

func (r *Recorder) record(ctx context.Context, ev Event, forceNotify bool) {
	if r == nil {
		return
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Store != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := r.Store.Append(actx, ev)
		cancel()
		if err != nil {
			auditErrorCount.WithLabelValues(ev.Type).Inc()
			logger.Error("failed to append audit event", "err", err, "type", ev.Type, "eventID", ev.ID)
		}
	}

	notifyAt := r.NotifyAt
	if notifyAt == "" {
		notifyAt = SeverityHigh
	}
	if r.Notifier == nil || (!forceNotify && severityRank[ev.Severity] < severityRank[notifyAt]) {
		return
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := r.Notifier.SendEvent(nctx, ev); err != nil {
			notifyErrorCount.Inc()
			logger.Error("failed to send operator notification", "err", err, "type", ev.Type, "eventID", ev.ID)
		}
	}()
}

// Flush waits for in-flight notifications.
func (r *Recorder) Flush() {
	if r == nil {
		return
	}
	r.pending.Wait()
}
