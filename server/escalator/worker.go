package escalator

import (
	"context"
	"time"

	"github.com/coursedesk/triage/db"
	"github.com/coursedesk/triage/logger"
	"github.com/coursedesk/triage/pkg/metrics"
)

// MinimumInterval is the floor for the scan interval to prevent configuration
// errors from hammering the database.
const MinimumInterval = 30 * time.Second

// Database defines the database operations needed by the escalation worker.
type Database interface {
	GetAlertSettings(ctx context.Context) (*db.AlertSettings, error)
	EscalationCandidates(ctx context.Context, threshold time.Duration, limit int) ([]db.EscalationCandidate, error)
	StampThreadNotified(ctx context.Context, threadID int64, threshold time.Duration, at time.Time) (bool, error)
}

// Notifier delivers escalation notifications to operators.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// Notification is one overdue-thread alert handed to the notifier.
type Notification struct {
	ThreadID           int64      `json:"thread_id"`
	CounterpartAddress string     `json:"counterpart_address"`
	Subject            string     `json:"subject"`
	CourseID           *int64     `json:"course_id,omitempty"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	Overdue            time.Duration `json:"-"`
	OverdueHuman       string     `json:"overdue"`
	NotifyAddress      string     `json:"notify_address"`
}

// Worker periodically scans for threads that have waited longer than the
// configured threshold without an answer and dispatches one notification per
// thread per breach window. The stamp committing a dispatch re-checks the
// breach condition in the database, so a concurrently answered or muted
// thread never gets stamped.
type Worker struct {
	rdb       Database
	notifier  Notifier
	interval  time.Duration
	batchSize int
	stopCh    chan struct{}
	doneCh    chan struct{}
	now       func() time.Time
}

func New(rdb Database, notifier Notifier, interval time.Duration, batchSize int) *Worker {
	if interval < MinimumInterval {
		logger.Warnf("[ESCALATOR] interval %v below minimum, using %v", interval, MinimumInterval)
		interval = MinimumInterval
	}
	return &Worker{
		rdb:       rdb,
		notifier:  notifier,
		interval:  interval,
		batchSize: batchSize,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the scan loop. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	logger.Infof("[ESCALATOR] starting escalation worker with interval %v", w.interval)
	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("[ESCALATOR] stopping escalation worker (context cancelled)")
				return
			case <-w.stopCh:
				logger.Info("[ESCALATOR] stopping escalation worker")
				return
			case <-ticker.C:
				w.runOnce(ctx)
			}
		}
	}()
}

// Stop signals the worker to stop and waits for the loop to exit.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// runOnce performs a single escalation scan.
func (w *Worker) runOnce(ctx context.Context) {
	settings, err := w.rdb.GetAlertSettings(ctx)
	if err != nil {
		logger.Errorf("[ESCALATOR] failed to load alert settings: %v", err)
		return
	}
	if !settings.Enabled {
		logger.Debug("[ESCALATOR] escalation disabled, skipping scan")
		return
	}
	threshold := settings.Threshold()

	metrics.EscalationScans.Inc()
	candidates, err := w.rdb.EscalationCandidates(ctx, threshold, w.batchSize)
	if err != nil {
		logger.Errorf("[ESCALATOR] failed to list candidates: %v", err)
		return
	}
	metrics.EscalationCandidates.Set(float64(len(candidates)))
	if len(candidates) == 0 {
		return
	}
	logger.Infof("[ESCALATOR] %d thread(s) over the %v threshold", len(candidates), threshold)

	notifyAddress := settings.NotifyAddress()
	for _, c := range candidates {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.dispatch(ctx, &c, threshold, notifyAddress)
	}
}

// dispatch sends one notification and, only on success, commits the stamp.
// A failed dispatch leaves the thread unstamped so the next scan retries it.
func (w *Worker) dispatch(ctx context.Context, c *db.EscalationCandidate, threshold time.Duration, notifyAddress string) {
	now := w.now()
	overdue := now.Sub(c.LastActivityAt)
	n := &Notification{
		ThreadID:           c.ThreadID,
		CounterpartAddress: c.CounterpartAddress,
		Subject:            c.Subject,
		CourseID:           c.CourseID,
		LastActivityAt:     c.LastActivityAt,
		Overdue:            overdue,
		OverdueHuman:       overdue.Round(time.Minute).String(),
		NotifyAddress:      notifyAddress,
	}

	if err := w.notifier.Notify(ctx, n); err != nil {
		metrics.EscalationDispatches.WithLabelValues("failed").Inc()
		logger.Errorf("[ESCALATOR] failed to notify for thread %d: %v", c.ThreadID, err)
		return
	}

	stamped, err := w.rdb.StampThreadNotified(ctx, c.ThreadID, threshold, now)
	if err != nil {
		logger.Errorf("[ESCALATOR] failed to stamp thread %d after dispatch: %v", c.ThreadID, err)
		return
	}
	if !stamped {
		// The thread was answered, muted, or stamped by another scan
		// between the snapshot and now.
		metrics.EscalationDispatches.WithLabelValues("skipped").Inc()
		logger.Debugf("[ESCALATOR] thread %d no longer breaching, stamp withheld", c.ThreadID)
		return
	}
	metrics.EscalationDispatches.WithLabelValues("sent").Inc()
	logger.Infof("[ESCALATOR] notified %s about thread %d (quiet for %v)", notifyAddress, c.ThreadID, overdue.Round(time.Minute))
}
