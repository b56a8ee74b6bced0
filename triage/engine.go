package triage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coursedesk/triage/db"
	"github.com/coursedesk/triage/helpers"
	"github.com/coursedesk/triage/logger"
	"github.com/coursedesk/triage/pkg/guard"
	"github.com/coursedesk/triage/pkg/metrics"
)

// Resolution describes what happened to an inbound email during ingest.
type Resolution string

const (
	ResolutionAppended        Resolution = "appended"
	ResolutionCreated         Resolution = "created"
	ResolutionUnmatched       Resolution = "unmatched"
	ResolutionRecordedDeleted Resolution = "recorded_deleted"
)

// InboundEmail is a parsed email handed to the engine for triage.
type InboundEmail struct {
	SenderAddress    string
	SenderName       string
	RecipientAddress string
	Subject          string
	BodyText         string
	BodyHTML         string
	ReceivedAt       time.Time
	Raw              []byte
}

// IngestResult reports where an inbound email ended up.
type IngestResult struct {
	Resolution  Resolution `json:"resolution"`
	ThreadID    int64      `json:"thread_id,omitempty"`
	UnmatchedID int64      `json:"unmatched_id,omitempty"`
	CourseID    *int64     `json:"course_id,omitempty"`
}

// ThreadDetail is a thread together with its full message history.
type ThreadDetail struct {
	Thread   *db.Thread    `json:"thread"`
	Messages []*db.Message `json:"messages"`
}

// Archiver stores and retrieves raw email blobs. Optional; satisfied by
// storage.S3Storage.
type Archiver interface {
	PutWithRetry(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Engine implements triage over a Store. All thread mutations are serialized
// per thread through a guard; concurrent mutations of the same thread fail
// fast with ErrBusy rather than queueing.
type Engine struct {
	store          Store
	threadGuard    *guard.Guard
	unmatchedGuard *guard.Guard
	feed           *Feed
	archive        Archiver
	now            func() time.Time
}

// NewEngine creates an engine. archive may be nil when raw-blob archiving is
// not configured.
func NewEngine(store Store, feed *Feed, archive Archiver) *Engine {
	return &Engine{
		store:          store,
		threadGuard:    guard.New("threads"),
		unmatchedGuard: guard.New("unmatched"),
		feed:           feed,
		archive:        archive,
		now:            time.Now,
	}
}

// Feed returns the engine's change feed.
func (e *Engine) Feed() *Feed {
	return e.feed
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (e *Engine) publish(kind string, id int64) {
	if e.feed != nil {
		e.feed.Publish(Event{Kind: kind, ID: id})
	}
}

// IngestInbound runs the matching pipeline for one inbound email: append to
// the best matching thread, open a new thread when the sender maps to exactly
// one course, or park the email in the unmatched queue.
func (e *Engine) IngestInbound(ctx context.Context, in *InboundEmail) (*IngestResult, error) {
	start := e.now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	sender := helpers.NormalizeAddress(in.SenderAddress)
	if sender == "" {
		return nil, fmt.Errorf("inbound email has no sender address")
	}
	// Sender-supplied text can carry NULL bytes and broken encodings that
	// Postgres text columns reject.
	in.SenderName = helpers.SanitizeUTF8(in.SenderName)
	in.Subject = helpers.SanitizeUTF8(in.Subject)
	in.BodyText = helpers.SanitizeUTF8(in.BodyText)
	in.BodyHTML = helpers.SanitizeUTF8(in.BodyHTML)

	normalized := helpers.NormalizeSubject(in.Subject)
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = start
	}

	contentHash := e.archiveRaw(ctx, sender, in.Raw)

	thread, err := e.store.MatchThread(ctx, sender, normalized)
	switch {
	case err == nil:
		return e.appendInbound(ctx, thread.ID, in, sender, receivedAt, contentHash)
	case errors.Is(err, db.ErrThreadNotFound):
		return e.ingestNewSender(ctx, in, sender, normalized, receivedAt, contentHash)
	default:
		return nil, fmt.Errorf("failed to match thread: %w", err)
	}
}

// appendInbound records an inbound message on an existing thread. The match
// only picks the thread id; the row is re-fetched under the guard, because a
// snapshot taken before the guard could carry mutations committed in between
// back out of existence.
func (e *Engine) appendInbound(ctx context.Context, threadID int64, in *InboundEmail, sender string, receivedAt time.Time, contentHash *string) (*IngestResult, error) {
	key := guard.IDKey(threadID)
	if !e.threadGuard.TryBegin(key) {
		return nil, fmt.Errorf("%w: thread %d", ErrBusy, threadID)
	}
	defer e.threadGuard.End(key)

	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	wasDeleted := thread.Status == db.StatusDeleted
	applyInbound(thread, receivedAt)

	msg := &db.Message{
		ThreadID:      thread.ID,
		Direction:     db.DirectionIn,
		SenderAddress: sender,
		SenderName:    optStr(in.SenderName),
		Subject:       optStr(in.Subject),
		BodyText:      in.BodyText,
		BodyHTML:      optStr(in.BodyHTML),
		InternalDate:  receivedAt,
		ContentHash:   contentHash,
	}
	if err := e.store.AppendMessageWithState(ctx, msg, thread); err != nil {
		return nil, fmt.Errorf("failed to append message to thread %d: %w", thread.ID, err)
	}

	resolution := ResolutionAppended
	if wasDeleted {
		resolution = ResolutionRecordedDeleted
	}
	metrics.InboundTotal.WithLabelValues(string(resolution)).Inc()
	logger.Infof("[TRIAGE] inbound from %s appended to thread %d (status=%s)", sender, thread.ID, thread.Status)
	e.publish(EventThreadChanged, thread.ID)
	return &IngestResult{Resolution: resolution, ThreadID: thread.ID, CourseID: thread.CourseID}, nil
}

func (e *Engine) ingestNewSender(ctx context.Context, in *InboundEmail, sender, normalized string, receivedAt time.Time, contentHash *string) (*IngestResult, error) {
	courseID, err := e.store.FindCourseByContactAddress(ctx, sender)
	switch {
	case err == nil:
		return e.createThread(ctx, in, sender, normalized, &courseID, receivedAt, contentHash)
	case errors.Is(err, db.ErrCourseNotFound), errors.Is(err, db.ErrAmbiguousCourse):
		return e.parkUnmatched(ctx, in, sender, receivedAt, err)
	default:
		return nil, fmt.Errorf("failed to look up course for %s: %w", sender, err)
	}
}

func (e *Engine) createThread(ctx context.Context, in *InboundEmail, sender, normalized string, courseID *int64, receivedAt time.Time, contentHash *string) (*IngestResult, error) {
	thread := &db.Thread{
		CounterpartAddress: sender,
		Subject:            in.Subject,
		NormalizedSubject:  normalized,
		CourseID:           courseID,
		Status:             db.StatusOpen,
		Read:               false,
		Muted:              false,
		ResponseRequired:   true,
		LastActivityAt:     receivedAt,
	}
	msg := &db.Message{
		Direction:     db.DirectionIn,
		SenderAddress: sender,
		SenderName:    optStr(in.SenderName),
		Subject:       optStr(in.Subject),
		BodyText:      in.BodyText,
		BodyHTML:      optStr(in.BodyHTML),
		InternalDate:  receivedAt,
		ContentHash:   contentHash,
	}
	threadID, err := e.store.InsertThreadWithMessage(ctx, thread, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread for %s: %w", sender, err)
	}

	metrics.InboundTotal.WithLabelValues(string(ResolutionCreated)).Inc()
	logger.Infof("[TRIAGE] inbound from %s created thread %d", sender, threadID)
	e.publish(EventThreadChanged, threadID)
	return &IngestResult{Resolution: ResolutionCreated, ThreadID: threadID, CourseID: courseID}, nil
}

func (e *Engine) parkUnmatched(ctx context.Context, in *InboundEmail, sender string, receivedAt time.Time, cause error) (*IngestResult, error) {
	email := &db.UnmatchedEmail{
		SenderAddress:    sender,
		SenderName:       optStr(in.SenderName),
		RecipientAddress: optStr(helpers.NormalizeAddress(in.RecipientAddress)),
		Subject:          in.Subject,
		BodyText:         in.BodyText,
		BodyHTML:         optStr(in.BodyHTML),
		ReceivedAt:       receivedAt,
	}
	emailID, err := e.store.InsertUnmatched(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to park unmatched email from %s: %w", sender, err)
	}

	metrics.InboundTotal.WithLabelValues(string(ResolutionUnmatched)).Inc()
	logger.Infof("[TRIAGE] inbound from %s parked as unmatched %d (%v)", sender, emailID, cause)
	e.publish(EventUnmatchedChanged, emailID)
	return &IngestResult{Resolution: ResolutionUnmatched, UnmatchedID: emailID}, nil
}

// archiveRaw uploads the raw email blob in the background and returns its
// content hash. Archiving is best effort: failures are logged, never
// surfaced to the sender.
func (e *Engine) archiveRaw(ctx context.Context, sender string, raw []byte) *string {
	if e.archive == nil || len(raw) == 0 {
		return nil
	}
	hash := helpers.ContentHash(raw)
	localPart, domain := helpers.SplitEmailAddress(sender)
	if domain == "" {
		domain = "unknown"
	}
	key := helpers.NewArchiveKey(domain, localPart, hash)
	go func() {
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := e.archive.PutWithRetry(archiveCtx, key, raw); err != nil {
			logger.Errorf("[TRIAGE] failed to archive raw message %s: %v", key, err)
		}
	}()
	return &hash
}

// ListThreads returns threads matching the filter, newest activity first.
func (e *Engine) ListThreads(ctx context.Context, filter db.ThreadFilter) ([]*db.Thread, error) {
	return e.store.ListThreads(ctx, filter)
}

// GetThread returns a thread with its messages and marks it read. Opening a
// thread is how an operator sees it, so the unread flag clears here.
func (e *Engine) GetThread(ctx context.Context, threadID int64) (*ThreadDetail, error) {
	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	messages, err := e.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !thread.Read {
		changed, err := e.store.MarkThreadRead(ctx, threadID)
		if err != nil {
			logger.Warnf("[TRIAGE] failed to mark thread %d read: %v", threadID, err)
		} else if changed {
			thread.Read = true
			e.publish(EventThreadChanged, threadID)
		}
	}
	return &ThreadDetail{Thread: thread, Messages: messages}, nil
}

// GetRawMessage streams the archived original of an inbound message. Only
// messages delivered as raw RFC 5322 with archiving enabled have one.
func (e *Engine) GetRawMessage(ctx context.Context, threadID, messageID int64) (io.ReadCloser, error) {
	if e.archive == nil {
		return nil, ErrRawUnavailable
	}
	messages, err := e.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var msg *db.Message
	for _, m := range messages {
		if m.ID == messageID {
			msg = m
			break
		}
	}
	if msg == nil {
		return nil, db.ErrMessageNotFound
	}
	if msg.ContentHash == nil {
		return nil, ErrRawUnavailable
	}
	localPart, domain := helpers.SplitEmailAddress(msg.SenderAddress)
	if domain == "" {
		domain = "unknown"
	}
	key := helpers.NewArchiveKey(domain, localPart, *msg.ContentHash)
	body, err := e.archive.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived message %s: %w", key, err)
	}
	return body, nil
}

// withThread runs fn against a fresh copy of the thread under the per-thread
// guard and persists the mutated state.
func (e *Engine) withThread(ctx context.Context, threadID int64, action string, fn func(t *db.Thread) error) (*db.Thread, error) {
	key := guard.IDKey(threadID)
	if !e.threadGuard.TryBegin(key) {
		return nil, fmt.Errorf("%w: thread %d", ErrBusy, threadID)
	}
	defer e.threadGuard.End(key)

	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := fn(thread); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			metrics.InvalidTransitionsTotal.WithLabelValues(action).Inc()
		}
		return nil, err
	}
	if err := e.store.UpdateThreadState(ctx, thread); err != nil {
		return nil, fmt.Errorf("failed to update thread %d: %w", threadID, err)
	}
	metrics.TransitionsTotal.WithLabelValues(action).Inc()
	e.publish(EventThreadChanged, threadID)
	return thread, nil
}

// Reply records an outbound operator message on an open thread and moves it
// to replied.
func (e *Engine) Reply(ctx context.Context, threadID int64, operatorID, bodyText, bodyHTML string) (*db.Thread, error) {
	key := guard.IDKey(threadID)
	if !e.threadGuard.TryBegin(key) {
		return nil, fmt.Errorf("%w: thread %d", ErrBusy, threadID)
	}
	defer e.threadGuard.End(key)

	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	at := e.now()
	if err := applyReply(thread, operatorID, at); err != nil {
		metrics.InvalidTransitionsTotal.WithLabelValues("reply").Inc()
		return nil, err
	}
	msg := &db.Message{
		ThreadID:     threadID,
		Direction:    db.DirectionOut,
		Subject:      optStr(thread.Subject),
		BodyText:     bodyText,
		BodyHTML:     optStr(bodyHTML),
		InternalDate: at,
		OperatorID:   &operatorID,
	}
	if err := e.store.AppendMessageWithState(ctx, msg, thread); err != nil {
		return nil, fmt.Errorf("failed to record reply on thread %d: %w", threadID, err)
	}
	metrics.TransitionsTotal.WithLabelValues("reply").Inc()
	logger.Infof("[TRIAGE] thread %d replied by %s", threadID, operatorID)
	e.publish(EventThreadChanged, threadID)
	return thread, nil
}

// SetStatus applies an operator-requested status change. Only close, reopen
// and archive are reachable this way; replied and deleted have dedicated
// operations.
func (e *Engine) SetStatus(ctx context.Context, threadID int64, target db.ThreadStatus) (*db.Thread, error) {
	switch target {
	case db.StatusClosed:
		return e.withThread(ctx, threadID, "close", func(t *db.Thread) error {
			return applyClose(t)
		})
	case db.StatusArchived:
		return e.withThread(ctx, threadID, "archive", func(t *db.Thread) error {
			return applyArchive(t)
		})
	case db.StatusOpen:
		return e.withThread(ctx, threadID, "reopen", func(t *db.Thread) error {
			dir, err := e.lastDirection(ctx, threadID)
			if err != nil {
				return err
			}
			return applyReopen(t, dir)
		})
	default:
		return nil, fmt.Errorf("%w: cannot set status %s directly", ErrInvalidTransition, target)
	}
}

// SoftDelete hides a thread, remembering its status for a later restore.
func (e *Engine) SoftDelete(ctx context.Context, threadID int64) (*db.Thread, error) {
	return e.withThread(ctx, threadID, "delete", func(t *db.Thread) error {
		return applySoftDelete(t)
	})
}

// Restore brings a soft-deleted thread back to its pre-deletion status.
func (e *Engine) Restore(ctx context.Context, threadID int64) (*db.Thread, error) {
	return e.withThread(ctx, threadID, "restore", func(t *db.Thread) error {
		dir, err := e.lastDirection(ctx, threadID)
		if err != nil {
			return err
		}
		return applyRestore(t, dir)
	})
}

func (e *Engine) lastDirection(ctx context.Context, threadID int64) (db.MessageDirection, error) {
	dir, err := e.store.LastMessageDirection(ctx, threadID)
	if errors.Is(err, db.ErrMessageNotFound) {
		return db.DirectionOut, nil
	}
	return dir, err
}

// Purge permanently removes a thread and its messages.
func (e *Engine) Purge(ctx context.Context, threadID int64) error {
	key := guard.IDKey(threadID)
	if !e.threadGuard.TryBegin(key) {
		return fmt.Errorf("%w: thread %d", ErrBusy, threadID)
	}
	defer e.threadGuard.End(key)

	if err := e.store.PurgeThread(ctx, threadID); err != nil {
		return err
	}
	metrics.TransitionsTotal.WithLabelValues("purge").Inc()
	logger.Infof("[TRIAGE] thread %d purged", threadID)
	e.publish(EventThreadPurged, threadID)
	return nil
}

// SetMuted flips the escalation mute flag. Muting is orthogonal to status
// and allowed in any status.
func (e *Engine) SetMuted(ctx context.Context, threadID int64, muted bool) (*db.Thread, error) {
	return e.withThread(ctx, threadID, "mute", func(t *db.Thread) error {
		t.Muted = muted
		return nil
	})
}

// LinkCourse attaches the thread to a course, or detaches it when courseID
// is nil.
func (e *Engine) LinkCourse(ctx context.Context, threadID int64, courseID *int64) (*db.Thread, error) {
	if courseID != nil {
		if _, err := e.store.GetCourse(ctx, *courseID); err != nil {
			return nil, err
		}
	}
	return e.withThread(ctx, threadID, "link_course", func(t *db.Thread) error {
		t.CourseID = courseID
		return nil
	})
}

// UnansweredCount returns the number of open, unread threads awaiting a
// response.
func (e *Engine) UnansweredCount(ctx context.Context) (int64, error) {
	return e.store.UnansweredCount(ctx)
}

// ListUnmatched returns the unresolved unmatched queue, oldest first.
func (e *Engine) ListUnmatched(ctx context.Context) ([]*db.UnmatchedEmail, error) {
	return e.store.ListUnmatched(ctx)
}

// AssignUnmatched resolves an unmatched email to a course: the email lands
// in a matching thread (created if needed) and the queue entry is stamped
// resolved, both in one store transaction, then the course gets a contact-log
// entry.
func (e *Engine) AssignUnmatched(ctx context.Context, emailID, courseID int64, operatorID string) (*IngestResult, error) {
	key := guard.IDKey(emailID)
	if !e.unmatchedGuard.TryBegin(key) {
		return nil, fmt.Errorf("%w: unmatched email %d", ErrBusy, emailID)
	}
	defer e.unmatchedGuard.End(key)

	email, err := e.store.GetUnmatched(ctx, emailID)
	if err != nil {
		return nil, err
	}
	course, err := e.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}

	normalized := helpers.NormalizeSubject(email.Subject)
	at := e.now()

	var result *IngestResult
	matched, err := e.store.MatchThread(ctx, email.SenderAddress, normalized)
	switch {
	case err == nil:
		result, err = e.assignToThread(ctx, matched.ID, email, emailID, courseID, operatorID, at)
	case errors.Is(err, db.ErrThreadNotFound):
		result, err = e.assignToNewThread(ctx, email, normalized, emailID, courseID, operatorID, at)
	default:
		return nil, fmt.Errorf("failed to match thread for assignment: %w", err)
	}
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("email from %s assigned by %s: %s", email.SenderAddress, operatorID, email.Subject)
	if err := e.store.RecordContact(ctx, courseID, summary); err != nil {
		logger.Warnf("[TRIAGE] failed to record contact for course %d (%s): %v", courseID, course.Name, err)
	}

	logger.Infof("[TRIAGE] unmatched %d assigned to course %d by %s (thread %d)", emailID, courseID, operatorID, result.ThreadID)
	e.publish(EventUnmatchedChanged, emailID)
	return result, nil
}

func unmatchedMessage(email *db.UnmatchedEmail) *db.Message {
	return &db.Message{
		Direction:     db.DirectionIn,
		SenderAddress: email.SenderAddress,
		SenderName:    email.SenderName,
		Subject:       optStr(email.Subject),
		BodyText:      email.BodyText,
		BodyHTML:      email.BodyHTML,
		InternalDate:  email.ReceivedAt,
	}
}

func (e *Engine) assignToThread(ctx context.Context, threadID int64, email *db.UnmatchedEmail, emailID, courseID int64, operatorID string, at time.Time) (*IngestResult, error) {
	key := guard.IDKey(threadID)
	if !e.threadGuard.TryBegin(key) {
		return nil, fmt.Errorf("%w: thread %d", ErrBusy, threadID)
	}
	defer e.threadGuard.End(key)

	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.CourseID == nil {
		thread.CourseID = &courseID
	}
	wasDeleted := thread.Status == db.StatusDeleted
	applyInbound(thread, email.ReceivedAt)

	msg := unmatchedMessage(email)
	msg.ThreadID = threadID
	if _, err := e.store.AssignUnmatched(ctx, emailID, courseID, operatorID, at, thread, msg); err != nil {
		return nil, fmt.Errorf("failed to assign unmatched email %d: %w", emailID, err)
	}

	resolution := ResolutionAppended
	if wasDeleted {
		resolution = ResolutionRecordedDeleted
	}
	metrics.InboundTotal.WithLabelValues(string(resolution)).Inc()
	e.publish(EventThreadChanged, threadID)
	return &IngestResult{Resolution: resolution, ThreadID: threadID, CourseID: thread.CourseID}, nil
}

func (e *Engine) assignToNewThread(ctx context.Context, email *db.UnmatchedEmail, normalized string, emailID, courseID int64, operatorID string, at time.Time) (*IngestResult, error) {
	thread := &db.Thread{
		CounterpartAddress: email.SenderAddress,
		Subject:            email.Subject,
		NormalizedSubject:  normalized,
		CourseID:           &courseID,
		Status:             db.StatusOpen,
		Read:               false,
		Muted:              false,
		ResponseRequired:   true,
		LastActivityAt:     email.ReceivedAt,
	}
	threadID, err := e.store.AssignUnmatched(ctx, emailID, courseID, operatorID, at, thread, unmatchedMessage(email))
	if err != nil {
		return nil, fmt.Errorf("failed to assign unmatched email %d: %w", emailID, err)
	}

	metrics.InboundTotal.WithLabelValues(string(ResolutionCreated)).Inc()
	e.publish(EventThreadChanged, threadID)
	return &IngestResult{Resolution: ResolutionCreated, ThreadID: threadID, CourseID: &courseID}, nil
}

// DiscardUnmatched drops an unmatched email without creating a thread.
func (e *Engine) DiscardUnmatched(ctx context.Context, emailID int64) error {
	key := guard.IDKey(emailID)
	if !e.unmatchedGuard.TryBegin(key) {
		return fmt.Errorf("%w: unmatched email %d", ErrBusy, emailID)
	}
	defer e.unmatchedGuard.End(key)

	if err := e.store.DeleteUnmatched(ctx, emailID); err != nil {
		return err
	}
	logger.Infof("[TRIAGE] unmatched %d discarded", emailID)
	e.publish(EventUnmatchedChanged, emailID)
	return nil
}

// GetAlertSettings returns the escalation configuration.
func (e *Engine) GetAlertSettings(ctx context.Context) (*db.AlertSettings, error) {
	return e.store.GetAlertSettings(ctx)
}

// UpdateAlertSettings persists new escalation configuration.
func (e *Engine) UpdateAlertSettings(ctx context.Context, settings *db.AlertSettings) (*db.AlertSettings, error) {
	if err := e.store.UpdateAlertSettings(ctx, settings); err != nil {
		return nil, err
	}
	updated, err := e.store.GetAlertSettings(ctx)
	if err != nil {
		return nil, err
	}
	logger.Infof("[TRIAGE] alert settings updated (enabled=%t threshold=%dh)", updated.Enabled, updated.ThresholdHours)
	e.publish(EventSettingsChanged, 0)
	return updated, nil
}
