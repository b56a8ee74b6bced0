package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Message represents a single message inside a thread. Messages are
// append-only and never updated once recorded.
type Message struct {
	ID            int64
	ThreadID      int64
	Direction     MessageDirection
	SenderAddress string
	SenderName    *string
	Subject       *string
	BodyText      string
	BodyHTML      *string
	OperatorID    *string
	ContentHash   *string
	InternalDate  time.Time
	CreatedAt     time.Time
}

func insertMessage(ctx context.Context, tx pgx.Tx, m *Message) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO messages (thread_id, direction, sender_address, sender_name,
			subject, body_text, body_html, operator_id, content_hash, internal_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`, m.ThreadID, string(m.Direction), m.SenderAddress, m.SenderName,
		m.Subject, m.BodyText, m.BodyHTML, m.OperatorID, m.ContentHash, m.InternalDate).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListMessages returns all messages of a thread ordered by timestamp ascending.
func (db *Database) ListMessages(ctx context.Context, threadID int64) ([]*Message, error) {
	rows, err := db.GetReadPool().Query(ctx, `
		SELECT id, thread_id, direction, sender_address, sender_name,
			subject, body_text, body_html, operator_id, content_hash, internal_date, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY internal_date ASC, id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for thread %d: %w", threadID, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var direction string
		if err := rows.Scan(&m.ID, &m.ThreadID, &direction, &m.SenderAddress, &m.SenderName,
			&m.Subject, &m.BodyText, &m.BodyHTML, &m.OperatorID, &m.ContentHash,
			&m.InternalDate, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Direction = MessageDirection(direction)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// LastMessageDirection returns the direction of the newest message in a
// thread. Used to recompute response_required on reopen and restore.
func (db *Database) LastMessageDirection(ctx context.Context, threadID int64) (MessageDirection, error) {
	var direction string
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT direction FROM messages
		WHERE thread_id = $1
		ORDER BY internal_date DESC, id DESC
		LIMIT 1
	`, threadID).Scan(&direction)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrMessageNotFound
		}
		return "", fmt.Errorf("failed to fetch last message direction for thread %d: %w", threadID, err)
	}
	return MessageDirection(direction), nil
}
