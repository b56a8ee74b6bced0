package triage

import (
	"context"
	"time"

	"github.com/coursedesk/triage/db"
)

// Store defines the persistence operations the engine needs. *db.Database
// implements this interface; tests substitute an in-memory fake.
type Store interface {
	GetThread(ctx context.Context, threadID int64) (*db.Thread, error)
	ListThreads(ctx context.Context, filter db.ThreadFilter) ([]*db.Thread, error)
	MatchThread(ctx context.Context, counterpartAddress, normalizedSubject string) (*db.Thread, error)
	InsertThreadWithMessage(ctx context.Context, thread *db.Thread, msg *db.Message) (int64, error)
	UpdateThreadState(ctx context.Context, thread *db.Thread) error
	AppendMessageWithState(ctx context.Context, msg *db.Message, thread *db.Thread) error
	ListMessages(ctx context.Context, threadID int64) ([]*db.Message, error)
	LastMessageDirection(ctx context.Context, threadID int64) (db.MessageDirection, error)
	MarkThreadRead(ctx context.Context, threadID int64) (bool, error)
	PurgeThread(ctx context.Context, threadID int64) error
	UnansweredCount(ctx context.Context) (int64, error)

	InsertUnmatched(ctx context.Context, email *db.UnmatchedEmail) (int64, error)
	ListUnmatched(ctx context.Context) ([]*db.UnmatchedEmail, error)
	GetUnmatched(ctx context.Context, emailID int64) (*db.UnmatchedEmail, error)
	AssignUnmatched(ctx context.Context, emailID, courseID int64, operatorID string, at time.Time, thread *db.Thread, msg *db.Message) (int64, error)
	DeleteUnmatched(ctx context.Context, emailID int64) error

	FindCourseByContactAddress(ctx context.Context, address string) (int64, error)
	GetCourse(ctx context.Context, courseID int64) (*db.Course, error)
	RecordContact(ctx context.Context, courseID int64, summary string) error

	GetAlertSettings(ctx context.Context) (*db.AlertSettings, error)
	UpdateAlertSettings(ctx context.Context, settings *db.AlertSettings) error
}
