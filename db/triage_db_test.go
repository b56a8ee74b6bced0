package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueAddress(prefix string) string {
	return fmt.Sprintf("%s-%d@test.example", prefix, time.Now().UnixNano())
}

func makeTestThread(t *testing.T, database *Database, counterpart, subject string) *Thread {
	t.Helper()
	ctx := context.Background()
	thread := &Thread{
		CounterpartAddress: counterpart,
		Subject:            subject,
		NormalizedSubject:  subject,
		Status:             StatusOpen,
		ResponseRequired:   true,
		LastActivityAt:     time.Now(),
	}
	msg := &Message{
		Direction:     DirectionIn,
		SenderAddress: counterpart,
		BodyText:      "first message",
		InternalDate:  time.Now(),
	}
	_, err := database.InsertThreadWithMessage(ctx, thread, msg)
	require.NoError(t, err)
	t.Cleanup(func() {
		database.PurgeThread(context.Background(), thread.ID)
	})
	return thread
}

func TestThreadInsertAndGet(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	counterpart := uniqueAddress("counterpart")
	thread := makeTestThread(t, database, counterpart, "SUBJECT ONE")

	got, err := database.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, counterpart, got.CounterpartAddress)
	assert.Equal(t, StatusOpen, got.Status)
	assert.True(t, got.ResponseRequired)
	assert.False(t, got.Read)

	_, err = database.GetThread(ctx, thread.ID+1_000_000)
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestMatchThreadIsCaseInsensitive(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	counterpart := uniqueAddress("match")
	thread := makeTestThread(t, database, counterpart, "BILLING QUESTION")

	found, err := database.MatchThread(ctx, counterpart, "BILLING QUESTION")
	require.NoError(t, err)
	assert.Equal(t, thread.ID, found.ID)

	_, err = database.MatchThread(ctx, counterpart, "OTHER SUBJECT")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestMatchThreadPrefersNonDeleted(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	counterpart := uniqueAddress("prefer")
	deleted := makeTestThread(t, database, counterpart, "SAME SUBJECT")
	prev := StatusOpen
	deleted.Status = StatusDeleted
	deleted.PrevStatus = &prev
	deleted.ResponseRequired = false
	require.NoError(t, database.UpdateThreadState(ctx, deleted))

	live := makeTestThread(t, database, counterpart, "SAME SUBJECT")

	found, err := database.MatchThread(ctx, counterpart, "SAME SUBJECT")
	require.NoError(t, err)
	assert.Equal(t, live.ID, found.ID)

	// With only the deleted thread left, it is still matched so its
	// messages can be recorded.
	require.NoError(t, database.PurgeThread(ctx, live.ID))
	found, err = database.MatchThread(ctx, counterpart, "SAME SUBJECT")
	require.NoError(t, err)
	assert.Equal(t, deleted.ID, found.ID)
}

func TestAppendMessageWithState(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	thread := makeTestThread(t, database, uniqueAddress("append"), "S")
	operator := "alice"
	thread.Status = StatusReplied
	thread.ResponseRequired = false
	thread.Read = true
	msg := &Message{
		ThreadID:     thread.ID,
		Direction:    DirectionOut,
		BodyText:     "the answer",
		OperatorID:   &operator,
		InternalDate: time.Now(),
	}
	require.NoError(t, database.AppendMessageWithState(ctx, msg, thread))

	messages, err := database.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, DirectionIn, messages[0].Direction)
	assert.Equal(t, DirectionOut, messages[1].Direction)

	dir, err := database.LastMessageDirection(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, DirectionOut, dir)

	got, err := database.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReplied, got.Status)
	assert.False(t, got.ResponseRequired)
}

func TestMarkThreadRead(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	thread := makeTestThread(t, database, uniqueAddress("read"), "S")

	changed, err := database.MarkThreadRead(ctx, thread.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = database.MarkThreadRead(ctx, thread.ID)
	require.NoError(t, err)
	assert.False(t, changed, "marking an already-read thread changes nothing")
}

func TestUpdateThreadStateLeavesReadFlagAlone(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	thread := makeTestThread(t, database, uniqueAddress("readkeep"), "S")
	changed, err := database.MarkThreadRead(ctx, thread.ID)
	require.NoError(t, err)
	require.True(t, changed)

	// write back a snapshot taken before the mark-read
	thread.Muted = true
	require.NoError(t, database.UpdateThreadState(ctx, thread))

	got, err := database.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.True(t, got.Read, "a state write must not undo a mark-read")
	assert.True(t, got.Muted)
}

func TestPurgeThreadRemovesMessages(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	thread := makeTestThread(t, database, uniqueAddress("purge"), "S")
	require.NoError(t, database.PurgeThread(ctx, thread.ID))

	_, err := database.GetThread(ctx, thread.ID)
	assert.ErrorIs(t, err, ErrThreadNotFound)

	messages, err := database.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)

	assert.ErrorIs(t, database.PurgeThread(ctx, thread.ID), ErrThreadNotFound)
}

func TestUnmatchedLifecycle(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	email := &UnmatchedEmail{
		SenderAddress: uniqueAddress("unmatched"),
		Subject:       "hello",
		BodyText:      "body",
		ReceivedAt:    time.Now(),
	}
	id, err := database.InsertUnmatched(ctx, email)
	require.NoError(t, err)
	t.Cleanup(func() {
		database.GetWritePool().Exec(context.Background(), "DELETE FROM unmatched_emails WHERE id = $1", id)
	})

	got, err := database.GetUnmatched(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, email.SenderAddress, got.SenderAddress)

	courseID, err := database.InsertCourse(ctx, "Course for unmatched", uniqueAddress("course"))
	require.NoError(t, err)
	t.Cleanup(func() {
		database.GetWritePool().Exec(context.Background(), "DELETE FROM contact_log WHERE course_id = $1", courseID)
		database.GetWritePool().Exec(context.Background(), "DELETE FROM courses WHERE id = $1", courseID)
	})

	thread := &Thread{
		CounterpartAddress: email.SenderAddress,
		Subject:            email.Subject,
		NormalizedSubject:  "HELLO",
		CourseID:           &courseID,
		Status:             StatusOpen,
		ResponseRequired:   true,
		LastActivityAt:     email.ReceivedAt,
	}
	msg := &Message{
		Direction:     DirectionIn,
		SenderAddress: email.SenderAddress,
		BodyText:      email.BodyText,
		InternalDate:  email.ReceivedAt,
	}
	threadID, err := database.AssignUnmatched(ctx, id, courseID, "alice", time.Now(), thread, msg)
	require.NoError(t, err)
	require.NotZero(t, threadID)
	t.Cleanup(func() {
		database.GetWritePool().Exec(context.Background(), "DELETE FROM threads WHERE id = $1", threadID)
	})

	// the thread, its message and the resolution stamp all committed together
	created, err := database.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, created.Status)
	messages, err := database.ListMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	// resolution is terminal
	_, err = database.GetUnmatched(ctx, id)
	assert.ErrorIs(t, err, ErrUnmatchedNotFound)
	assert.ErrorIs(t, database.DeleteUnmatched(ctx, id), ErrUnmatchedNotFound)

	// a second assignment fails on the stamp and rolls the message back
	again, err := database.GetThread(ctx, threadID)
	require.NoError(t, err)
	_, err = database.AssignUnmatched(ctx, id, courseID, "bob", time.Now(), again, &Message{
		Direction:     DirectionIn,
		SenderAddress: email.SenderAddress,
		BodyText:      "duplicate",
		InternalDate:  time.Now(),
	})
	assert.ErrorIs(t, err, ErrUnmatchedNotFound)
	messages, err = database.ListMessages(ctx, threadID)
	require.NoError(t, err)
	assert.Len(t, messages, 1, "rolled-back assignment must not leave a message behind")
}

func TestCourseLookup(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	address := uniqueAddress("lookup")
	firstID, err := database.InsertCourse(ctx, "First", address)
	require.NoError(t, err)
	t.Cleanup(func() {
		database.GetWritePool().Exec(context.Background(), "DELETE FROM courses WHERE id = $1", firstID)
	})

	found, err := database.FindCourseByContactAddress(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, firstID, found)

	secondID, err := database.InsertCourse(ctx, "Second", address)
	require.NoError(t, err)
	t.Cleanup(func() {
		database.GetWritePool().Exec(context.Background(), "DELETE FROM courses WHERE id = $1", secondID)
	})

	_, err = database.FindCourseByContactAddress(ctx, address)
	assert.ErrorIs(t, err, ErrAmbiguousCourse)

	_, err = database.FindCourseByContactAddress(ctx, uniqueAddress("nobody"))
	assert.ErrorIs(t, err, ErrCourseNotFound)
}

func TestAlertSettingsRoundTrip(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	original, err := database.GetAlertSettings(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		database.UpdateAlertSettings(context.Background(), original)
	})

	override := uniqueAddress("alerts")
	updated := &AlertSettings{
		Enabled:         true,
		ThresholdHours:  12,
		OverrideAddress: &override,
		AccountAddress:  "operator@test.example",
	}
	require.NoError(t, database.UpdateAlertSettings(ctx, updated))

	got, err := database.GetAlertSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, got.ThresholdHours)
	assert.Equal(t, override, got.NotifyAddress())
	assert.Equal(t, 12*time.Hour, got.Threshold())

	assert.ErrorIs(t, database.UpdateAlertSettings(ctx, &AlertSettings{ThresholdHours: 0}), ErrSettingsOutOfRange)
	assert.ErrorIs(t, database.UpdateAlertSettings(ctx, &AlertSettings{ThresholdHours: 73}), ErrSettingsOutOfRange)
}

func TestEscalationCandidatesAndStamp(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	thread := makeTestThread(t, database, uniqueAddress("escalate"), "S")
	thread.LastActivityAt = time.Now().Add(-3 * time.Hour)
	require.NoError(t, database.UpdateThreadState(ctx, thread))

	threshold := time.Hour
	candidates, err := database.EscalationCandidates(ctx, threshold, 1000)
	require.NoError(t, err)
	var found bool
	for _, c := range candidates {
		if c.ThreadID == thread.ID {
			found = true
			assert.Nil(t, c.LastNotifiedAt)
		}
	}
	require.True(t, found, "overdue thread must be a candidate")

	stamped, err := database.StampThreadNotified(ctx, thread.ID, threshold, time.Now())
	require.NoError(t, err)
	assert.True(t, stamped)

	// Within the same breach window the stamp is not repeated.
	stamped, err = database.StampThreadNotified(ctx, thread.ID, threshold, time.Now())
	require.NoError(t, err)
	assert.False(t, stamped)

	candidates, err = database.EscalationCandidates(ctx, threshold, 1000)
	require.NoError(t, err)
	for _, c := range candidates {
		assert.NotEqual(t, thread.ID, c.ThreadID, "stamped thread must leave the candidate set")
	}

	// A muted thread never escalates, regardless of age.
	thread.Muted = true
	require.NoError(t, database.UpdateThreadState(ctx, thread))
	stamped, err = database.StampThreadNotified(ctx, thread.ID, threshold, time.Now())
	require.NoError(t, err)
	assert.False(t, stamped)
}
