package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Thread represents the database structure of a conversation thread
type Thread struct {
	ID                 int64
	CounterpartAddress string
	Subject            string
	NormalizedSubject  string
	CourseID           *int64
	Status             ThreadStatus
	PrevStatus         *ThreadStatus
	Read               bool
	Muted              bool
	ResponseRequired   bool
	LastActivityAt     time.Time
	LastNotifiedAt     *time.Time
	RespondedBy        *string
	RespondedAt        *time.Time
	CreatedAt          time.Time
}

// ThreadFilter selects threads for listing. Status and Unanswered are
// mutually exclusive; with neither set, all non-deleted threads are returned.
type ThreadFilter struct {
	Status     *ThreadStatus
	Unanswered bool
	Limit      int
	Offset     int
}

const threadColumns = `
		id, counterpart_address, subject, normalized_subject, course_id,
		status, prev_status, is_read, muted, response_required,
		last_activity_at, last_notified_at, responded_by, responded_at, created_at`

func scanThread(row pgx.Row) (*Thread, error) {
	var t Thread
	var status, prevStatus *string
	err := row.Scan(
		&t.ID, &t.CounterpartAddress, &t.Subject, &t.NormalizedSubject, &t.CourseID,
		&status, &prevStatus, &t.Read, &t.Muted, &t.ResponseRequired,
		&t.LastActivityAt, &t.LastNotifiedAt, &t.RespondedBy, &t.RespondedAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if status != nil {
		t.Status = ThreadStatus(*status)
	}
	if prevStatus != nil {
		ps := ThreadStatus(*prevStatus)
		t.PrevStatus = &ps
	}
	return &t, nil
}

// GetThread fetches a thread by id regardless of its status.
func (db *Database) GetThread(ctx context.Context, threadID int64) (*Thread, error) {
	row := db.GetReadPool().QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE id = $1
	`, threadID)

	t, err := scanThread(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to fetch thread %d: %w", threadID, err)
	}
	return t, nil
}

// ListThreads returns threads matching the filter, newest activity first.
func (db *Database) ListThreads(ctx context.Context, filter ThreadFilter) ([]*Thread, error) {
	var conds []string
	var args []interface{}

	switch {
	case filter.Unanswered:
		conds = append(conds, "status = 'open'", "response_required = TRUE", "is_read = FALSE")
	case filter.Status != nil:
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	default:
		conds = append(conds, "status != 'deleted'")
	}

	query := `SELECT ` + threadColumns + ` FROM threads WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY last_activity_at DESC, id DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.GetReadPool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return threads, nil
}

// MatchThread finds the most recently active thread with the given
// counterpart address and normalized subject. Non-deleted threads always win
// over deleted ones; a deleted thread is only matched when no live thread
// exists, so its messages are still recorded without resurrecting it.
func (db *Database) MatchThread(ctx context.Context, counterpartAddress, normalizedSubject string) (*Thread, error) {
	row := db.GetReadPool().QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE LOWER(counterpart_address) = LOWER($1)
		  AND normalized_subject = $2
		ORDER BY (status = 'deleted') ASC, last_activity_at DESC, id DESC
		LIMIT 1
	`, counterpartAddress, normalizedSubject)

	t, err := scanThread(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to match thread: %w", err)
	}
	return t, nil
}

func insertThreadTx(ctx context.Context, tx pgx.Tx, t *Thread) (int64, error) {
	var threadID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO threads (counterpart_address, subject, normalized_subject, course_id,
			status, is_read, muted, response_required, last_activity_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id
	`, t.CounterpartAddress, t.Subject, t.NormalizedSubject, t.CourseID,
		string(t.Status), t.Read, t.Muted, t.ResponseRequired, t.LastActivityAt).Scan(&threadID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert thread: %w", err)
	}
	t.ID = threadID
	return threadID, nil
}

// updateThreadStateTx writes the full thread state including the read flag.
// Only message appends use it: the inbound and reply transitions set the flag
// deterministically, so writing it there is part of the transition itself.
func updateThreadStateTx(ctx context.Context, tx pgx.Tx, t *Thread) error {
	var prevStatus *string
	if t.PrevStatus != nil {
		s := string(*t.PrevStatus)
		prevStatus = &s
	}

	tag, err := tx.Exec(ctx, `
		UPDATE threads
		SET course_id = $2, status = $3, prev_status = $4, is_read = $5, muted = $6,
		    response_required = $7, last_activity_at = $8, responded_by = $9, responded_at = $10
		WHERE id = $1
	`, t.ID, t.CourseID, string(t.Status), prevStatus, t.Read, t.Muted,
		t.ResponseRequired, t.LastActivityAt, t.RespondedBy, t.RespondedAt)
	if err != nil {
		return fmt.Errorf("failed to update thread %d: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// InsertThreadWithMessage creates a new thread and its first message in one
// transaction and returns the new thread id.
func (db *Database) InsertThreadWithMessage(ctx context.Context, t *Thread, m *Message) (int64, error) {
	tx, err := db.GetWritePool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	threadID, err := insertThreadTx(ctx, tx, t)
	if err != nil {
		return 0, err
	}

	m.ThreadID = threadID
	if err := insertMessage(ctx, tx, m); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit thread insert: %w", err)
	}
	return threadID, nil
}

// UpdateThreadState writes the thread's mutable columns back. Callers
// serialize per-thread through the mutation guard. The read flag is excluded
// on purpose: it changes only through MarkThreadRead or a message append, so
// a guarded mutation can never undo a concurrent mark-read.
func (db *Database) UpdateThreadState(ctx context.Context, t *Thread) error {
	var prevStatus *string
	if t.PrevStatus != nil {
		s := string(*t.PrevStatus)
		prevStatus = &s
	}

	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE threads
		SET course_id = $2, status = $3, prev_status = $4, muted = $5,
		    response_required = $6, last_activity_at = $7, responded_by = $8, responded_at = $9
		WHERE id = $1
	`, t.ID, t.CourseID, string(t.Status), prevStatus, t.Muted,
		t.ResponseRequired, t.LastActivityAt, t.RespondedBy, t.RespondedAt)
	if err != nil {
		return fmt.Errorf("failed to update thread %d: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// AppendMessageWithState inserts a message and writes the thread's updated
// state in one transaction.
func (db *Database) AppendMessageWithState(ctx context.Context, m *Message, t *Thread) error {
	tx, err := db.GetWritePool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertMessage(ctx, tx, m); err != nil {
		return err
	}
	if err := updateThreadStateTx(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit message append: %w", err)
	}
	return nil
}

// MarkThreadRead sets the read flag if it is currently unset. Returns whether
// the flag changed.
func (db *Database) MarkThreadRead(ctx context.Context, threadID int64) (bool, error) {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE threads SET is_read = TRUE WHERE id = $1 AND is_read = FALSE
	`, threadID)
	if err != nil {
		return false, fmt.Errorf("failed to mark thread %d read: %w", threadID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeThread permanently removes a thread; messages go with it via cascade.
func (db *Database) PurgeThread(ctx context.Context, threadID int64) error {
	tag, err := db.GetWritePool().Exec(ctx, `DELETE FROM threads WHERE id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("failed to purge thread %d: %w", threadID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// UnansweredCount returns the number of threads that currently need attention:
// open, response required, and not yet read.
func (db *Database) UnansweredCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT COUNT(*) FROM threads
		WHERE status = 'open' AND response_required = TRUE AND is_read = FALSE
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unanswered threads: %w", err)
	}
	return count, nil
}
