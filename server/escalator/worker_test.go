package escalator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursedesk/triage/db"
)

// fakeEscalationDB mirrors the candidate and stamp predicates of the SQL
// layer, with an injectable clock.
type fakeEscalationDB struct {
	mu       sync.Mutex
	settings db.AlertSettings
	threads  map[int64]*escalationState
	now      func() time.Time
}

type escalationState struct {
	counterpartAddress string
	subject            string
	open               bool
	responseRequired   bool
	muted              bool
	lastActivityAt     time.Time
	lastNotifiedAt     *time.Time
}

func newFakeEscalationDB(now func() time.Time) *fakeEscalationDB {
	return &fakeEscalationDB{
		settings: db.AlertSettings{
			Enabled:        true,
			ThresholdHours: 2,
			AccountAddress: "operator@coursedesk.example",
		},
		threads: make(map[int64]*escalationState),
		now:     now,
	}
}

func (f *fakeEscalationDB) GetAlertSettings(_ context.Context) (*db.AlertSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.settings
	return &s, nil
}

func (f *fakeEscalationDB) EscalationCandidates(_ context.Context, threshold time.Duration, limit int) ([]db.EscalationCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.now().Add(-threshold)
	var out []db.EscalationCandidate
	for id, t := range f.threads {
		if !t.open || !t.responseRequired || t.muted {
			continue
		}
		if t.lastActivityAt.After(cutoff) {
			continue
		}
		if t.lastNotifiedAt != nil && t.lastNotifiedAt.After(cutoff) {
			continue
		}
		out = append(out, db.EscalationCandidate{
			ThreadID:           id,
			CounterpartAddress: t.counterpartAddress,
			Subject:            t.subject,
			LastActivityAt:     t.lastActivityAt,
			LastNotifiedAt:     t.lastNotifiedAt,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEscalationDB) StampThreadNotified(_ context.Context, threadID int64, threshold time.Duration, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok {
		return false, nil
	}
	cutoff := at.Add(-threshold)
	if !t.open || !t.responseRequired || t.muted {
		return false, nil
	}
	if t.lastNotifiedAt != nil && t.lastNotifiedAt.After(cutoff) {
		return false, nil
	}
	stamped := at
	t.lastNotifiedAt = &stamped
	return true, nil
}

// recordingNotifier captures notifications and can be told to fail.
type recordingNotifier struct {
	mu       sync.Mutex
	sent     []*Notification
	failNext int
}

func (n *recordingNotifier) Notify(_ context.Context, notification *Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNext > 0 {
		n.failNext--
		return errors.New("dispatch failed")
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newTestWorker(rdb Database, notifier Notifier, now func() time.Time) *Worker {
	w := New(rdb, notifier, time.Minute, 100)
	w.now = now
	return w
}

func TestOneNotificationPerBreachWindow(t *testing.T) {
	t0 := time.Date(2026, 7, 13, 8, 0, 0, 0, time.UTC)
	clock := t0
	now := func() time.Time { return clock }

	rdb := newFakeEscalationDB(now)
	rdb.threads[1] = &escalationState{
		counterpartAddress: "bio@campus.edu",
		subject:            "Lab schedule",
		open:               true,
		responseRequired:   true,
		lastActivityAt:     t0,
	}
	notifier := &recordingNotifier{}
	w := newTestWorker(rdb, notifier, now)

	// Hourly scans over ten hours with a two-hour threshold: the thread
	// breaches at +2h and again every two hours after each notification.
	for i := 1; i <= 10; i++ {
		clock = t0.Add(time.Duration(i) * time.Hour)
		w.runOnce(context.Background())
	}

	assert.Equal(t, 5, notifier.count())
}

func TestNoNotificationBeforeThreshold(t *testing.T) {
	t0 := time.Date(2026, 7, 13, 8, 0, 0, 0, time.UTC)
	clock := t0.Add(90 * time.Minute)
	now := func() time.Time { return clock }

	rdb := newFakeEscalationDB(now)
	rdb.threads[1] = &escalationState{
		open: true, responseRequired: true, lastActivityAt: t0,
	}
	notifier := &recordingNotifier{}
	w := newTestWorker(rdb, notifier, now)

	w.runOnce(context.Background())
	assert.Zero(t, notifier.count())
}

func TestMutedAndAnsweredThreadsAreSkipped(t *testing.T) {
	t0 := time.Date(2026, 7, 13, 8, 0, 0, 0, time.UTC)
	clock := t0.Add(5 * time.Hour)
	now := func() time.Time { return clock }

	rdb := newFakeEscalationDB(now)
	rdb.threads[1] = &escalationState{open: true, responseRequired: true, muted: true, lastActivityAt: t0}
	rdb.threads[2] = &escalationState{open: true, responseRequired: false, lastActivityAt: t0}
	rdb.threads[3] = &escalationState{open: false, responseRequired: true, lastActivityAt: t0}
	notifier := &recordingNotifier{}
	w := newTestWorker(rdb, notifier, now)

	w.runOnce(context.Background())
	assert.Zero(t, notifier.count())
}

func TestDisabledSettingsSuppressScans(t *testing.T) {
	t0 := time.Date(2026, 7, 13, 8, 0, 0, 0, time.UTC)
	clock := t0.Add(5 * time.Hour)
	now := func() time.Time { return clock }

	rdb := newFakeEscalationDB(now)
	rdb.settings.Enabled = false
	rdb.threads[1] = &escalationState{open: true, responseRequired: true, lastActivityAt: t0}
	notifier := &recordingNotifier{}
	w := newTestWorker(rdb, notifier, now)

	w.runOnce(context.Background())
	assert.Zero(t, notifier.count())
}

func TestFailedDispatchIsRetriedNextScan(t *testing.T) {
	t0 := time.Date(2026, 7, 13, 8, 0, 0, 0, time.UTC)
	clock := t0.Add(3 * time.Hour)
	now := func() time.Time { return clock }

	rdb := newFakeEscalationDB(now)
	rdb.threads[1] = &escalationState{
		counterpartAddress: "bio@campus.edu",
		open:               true,
		responseRequired:   true,
		lastActivityAt:     t0,
	}
	notifier := &recordingNotifier{failNext: 1}
	w := newTestWorker(rdb, notifier, now)

	w.runOnce(context.Background())
	assert.Zero(t, notifier.count(), "dispatch failed, nothing recorded")
	require.Nil(t, rdb.threads[1].lastNotifiedAt, "failed dispatch must not stamp")

	// next scan retries and succeeds
	clock = clock.Add(time.Minute)
	w.runOnce(context.Background())
	assert.Equal(t, 1, notifier.count())
	assert.NotNil(t, rdb.threads[1].lastNotifiedAt)
}

func TestNotificationCarriesOverrideAddress(t *testing.T) {
	t0 := time.Date(2026, 7, 13, 8, 0, 0, 0, time.UTC)
	clock := t0.Add(3 * time.Hour)
	now := func() time.Time { return clock }

	rdb := newFakeEscalationDB(now)
	override := "alerts@coursedesk.example"
	rdb.settings.OverrideAddress = &override
	rdb.threads[1] = &escalationState{open: true, responseRequired: true, lastActivityAt: t0}
	notifier := &recordingNotifier{}
	w := newTestWorker(rdb, notifier, now)

	w.runOnce(context.Background())
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, override, notifier.sent[0].NotifyAddress)
	assert.Equal(t, 3*time.Hour, notifier.sent[0].Overdue)
}

func TestIntervalClamp(t *testing.T) {
	w := New(newFakeEscalationDB(time.Now), &recordingNotifier{}, time.Second, 10)
	assert.Equal(t, MinimumInterval, w.interval)
}
