package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Course is the directory entry the resolver matches sender addresses
// against. Course management itself lives outside this engine; only the
// lookup and contact-log surfaces are used here.
type Course struct {
	ID             int64
	Name           string
	ContactAddress string
	CreatedAt      time.Time
}

// FindCourseByContactAddress resolves a sender address to a course id.
// Zero matches report ErrCourseNotFound; more than one report
// ErrAmbiguousCourse, which the resolver never guesses through.
func (db *Database) FindCourseByContactAddress(ctx context.Context, address string) (int64, error) {
	rows, err := db.GetReadPool().Query(ctx, `
		SELECT id FROM courses WHERE LOWER(contact_address) = LOWER($1) LIMIT 2
	`, address)
	if err != nil {
		return 0, fmt.Errorf("failed to look up course by contact address: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	switch len(ids) {
	case 0:
		return 0, ErrCourseNotFound
	case 1:
		return ids[0], nil
	default:
		return 0, ErrAmbiguousCourse
	}
}

// GetCourse fetches a course by id.
func (db *Database) GetCourse(ctx context.Context, courseID int64) (*Course, error) {
	var c Course
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT id, name, contact_address, created_at FROM courses WHERE id = $1
	`, courseID).Scan(&c.ID, &c.Name, &c.ContactAddress, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCourseNotFound
		}
		return nil, fmt.Errorf("failed to fetch course %d: %w", courseID, err)
	}
	return &c, nil
}

// InsertCourse adds a directory entry. Used by seeding and tests; the
// surrounding application owns course CRUD.
func (db *Database) InsertCourse(ctx context.Context, name, contactAddress string) (int64, error) {
	var id int64
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO courses (name, contact_address) VALUES ($1, $2) RETURNING id
	`, name, contactAddress).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert course: %w", err)
	}
	return id, nil
}

// RecordContact appends a contact-log entry for a course. Fire-and-forget
// from the engine's perspective; callers log failures and move on.
func (db *Database) RecordContact(ctx context.Context, courseID int64, summary string) error {
	_, err := db.GetWritePool().Exec(ctx, `
		INSERT INTO contact_log (course_id, summary) VALUES ($1, $2)
	`, courseID, summary)
	if err != nil {
		return fmt.Errorf("failed to record contact for course %d: %w", courseID, err)
	}
	return nil
}
