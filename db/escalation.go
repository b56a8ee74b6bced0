package db

import (
	"context"
	"fmt"
	"time"
)

// EscalationCandidate is the snapshot of a thread eligible for an escalation
// notification. The scheduler dispatches from this snapshot without holding
// any lock on the thread.
type EscalationCandidate struct {
	ThreadID           int64
	CounterpartAddress string
	Subject            string
	CourseID           *int64
	LastActivityAt     time.Time
	LastNotifiedAt     *time.Time
}

// EscalationCandidates returns open, unanswered, unmuted threads whose last
// activity is older than the threshold and whose last notification (if any)
// falls outside the current breach window.
func (db *Database) EscalationCandidates(ctx context.Context, threshold time.Duration, limit int) ([]EscalationCandidate, error) {
	cutoff := time.Now().Add(-threshold)

	rows, err := db.GetReadPool().Query(ctx, `
		SELECT id, counterpart_address, subject, course_id, last_activity_at, last_notified_at
		FROM threads
		WHERE status = 'open'
		  AND response_required = TRUE
		  AND muted = FALSE
		  AND last_activity_at <= $1
		  AND (last_notified_at IS NULL OR last_notified_at <= $1)
		ORDER BY last_activity_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalation candidates: %w", err)
	}
	defer rows.Close()

	var candidates []EscalationCandidate
	for rows.Next() {
		var c EscalationCandidate
		if err := rows.Scan(&c.ThreadID, &c.CounterpartAddress, &c.Subject,
			&c.CourseID, &c.LastActivityAt, &c.LastNotifiedAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

// StampThreadNotified commits last_notified_at after a successful dispatch.
// The WHERE clause re-checks the breach condition, so a thread that was
// answered, muted, or already stamped in the meantime is left untouched.
// Returns whether the stamp was written.
func (db *Database) StampThreadNotified(ctx context.Context, threadID int64, threshold time.Duration, at time.Time) (bool, error) {
	cutoff := at.Add(-threshold)

	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE threads
		SET last_notified_at = $2
		WHERE id = $1
		  AND status = 'open'
		  AND response_required = TRUE
		  AND muted = FALSE
		  AND (last_notified_at IS NULL OR last_notified_at <= $3)
	`, threadID, at, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to stamp notification for thread %d: %w", threadID, err)
	}
	return tag.RowsAffected() > 0, nil
}
