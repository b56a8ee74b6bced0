package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UnmatchedEmail is an inbound email the resolver could not attach to a
// thread or course. It waits in the queue until an operator assigns or
// discards it; both resolutions are terminal.
type UnmatchedEmail struct {
	ID               int64
	SenderAddress    string
	SenderName       *string
	RecipientAddress *string
	Subject          string
	BodyText         string
	BodyHTML         *string
	ReceivedAt       time.Time
	AssignedCourseID *int64
	AssignedBy       *string
	AssignedAt       *time.Time
}

// InsertUnmatched queues an inbound email for manual assignment.
func (db *Database) InsertUnmatched(ctx context.Context, e *UnmatchedEmail) (int64, error) {
	var id int64
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO unmatched_emails (sender_address, sender_name, recipient_address,
			subject, body_text, body_html, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, e.SenderAddress, e.SenderName, e.RecipientAddress,
		e.Subject, e.BodyText, e.BodyHTML, e.ReceivedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert unmatched email: %w", err)
	}
	e.ID = id
	return id, nil
}

// ListUnmatched returns all unassigned queue entries, oldest first.
func (db *Database) ListUnmatched(ctx context.Context) ([]*UnmatchedEmail, error) {
	rows, err := db.GetReadPool().Query(ctx, `
		SELECT id, sender_address, sender_name, recipient_address,
			subject, body_text, body_html, received_at,
			assigned_course_id, assigned_by, assigned_at
		FROM unmatched_emails
		WHERE assigned_at IS NULL
		ORDER BY received_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched emails: %w", err)
	}
	defer rows.Close()

	var emails []*UnmatchedEmail
	for rows.Next() {
		var e UnmatchedEmail
		if err := rows.Scan(&e.ID, &e.SenderAddress, &e.SenderName, &e.RecipientAddress,
			&e.Subject, &e.BodyText, &e.BodyHTML, &e.ReceivedAt,
			&e.AssignedCourseID, &e.AssignedBy, &e.AssignedAt); err != nil {
			return nil, err
		}
		emails = append(emails, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return emails, nil
}

// GetUnmatched fetches an unresolved queue entry. Already-assigned entries
// report ErrUnmatchedNotFound because resolution is terminal.
func (db *Database) GetUnmatched(ctx context.Context, emailID int64) (*UnmatchedEmail, error) {
	var e UnmatchedEmail
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT id, sender_address, sender_name, recipient_address,
			subject, body_text, body_html, received_at,
			assigned_course_id, assigned_by, assigned_at
		FROM unmatched_emails
		WHERE id = $1 AND assigned_at IS NULL
	`, emailID).Scan(&e.ID, &e.SenderAddress, &e.SenderName, &e.RecipientAddress,
		&e.Subject, &e.BodyText, &e.BodyHTML, &e.ReceivedAt,
		&e.AssignedCourseID, &e.AssignedBy, &e.AssignedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnmatchedNotFound
		}
		return nil, fmt.Errorf("failed to fetch unmatched email %d: %w", emailID, err)
	}
	return &e, nil
}

// AssignUnmatched resolves a queue entry in one transaction: the email's
// message lands on thread t (created together with the message when t.ID is
// zero) and the resolution fields are stamped. A failure between the two can
// therefore never leave the message recorded with the entry still queued.
// Fails with ErrUnmatchedNotFound if the entry is absent or already resolved.
func (db *Database) AssignUnmatched(ctx context.Context, emailID, courseID int64, operatorID string, at time.Time, t *Thread, m *Message) (int64, error) {
	tx, err := db.GetWritePool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if t.ID == 0 {
		if _, err := insertThreadTx(ctx, tx, t); err != nil {
			return 0, err
		}
		m.ThreadID = t.ID
		if err := insertMessage(ctx, tx, m); err != nil {
			return 0, err
		}
	} else {
		m.ThreadID = t.ID
		if err := insertMessage(ctx, tx, m); err != nil {
			return 0, err
		}
		if err := updateThreadStateTx(ctx, tx, t); err != nil {
			return 0, err
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE unmatched_emails
		SET assigned_course_id = $2, assigned_by = $3, assigned_at = $4
		WHERE id = $1 AND assigned_at IS NULL
	`, emailID, courseID, operatorID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to stamp unmatched email %d assigned: %w", emailID, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrUnmatchedNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit assignment of unmatched email %d: %w", emailID, err)
	}
	return t.ID, nil
}

// DeleteUnmatched discards an unresolved queue entry permanently.
func (db *Database) DeleteUnmatched(ctx context.Context, emailID int64) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		DELETE FROM unmatched_emails WHERE id = $1 AND assigned_at IS NULL
	`, emailID)
	if err != nil {
		return fmt.Errorf("failed to discard unmatched email %d: %w", emailID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnmatchedNotFound
	}
	return nil
}
