package triage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coursedesk/triage/db"
)

// fakeStore is an in-memory Store mirroring the semantics of the SQL layer,
// so engine behavior can be tested without a database.
type fakeStore struct {
	mu sync.Mutex

	nextThreadID    int64
	nextMessageID   int64
	nextUnmatchedID int64
	nextCourseID    int64

	threads   map[int64]*db.Thread
	messages  map[int64][]*db.Message
	unmatched map[int64]*db.UnmatchedEmail
	courses   map[int64]*db.Course
	contacts  map[int64][]string
	settings  db.AlertSettings

	// onUpdate, when set, runs at the start of UpdateThreadState before the
	// store lock is taken. Used to hold a mutation open across goroutines.
	onUpdate func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:   make(map[int64]*db.Thread),
		messages:  make(map[int64][]*db.Message),
		unmatched: make(map[int64]*db.UnmatchedEmail),
		courses:   make(map[int64]*db.Course),
		contacts:  make(map[int64][]string),
		settings: db.AlertSettings{
			Enabled:        true,
			ThresholdHours: 24,
			AccountAddress: "operator@coursedesk.example",
			UpdatedAt:      time.Now(),
		},
	}
}

func copyThread(t *db.Thread) *db.Thread {
	c := *t
	return &c
}

func (s *fakeStore) addCourse(name, contactAddress string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCourseID++
	id := s.nextCourseID
	s.courses[id] = &db.Course{ID: id, Name: name, ContactAddress: contactAddress, CreatedAt: time.Now()}
	return id
}

func (s *fakeStore) GetThread(_ context.Context, threadID int64) (*db.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, db.ErrThreadNotFound
	}
	return copyThread(t), nil
}

func (s *fakeStore) ListThreads(_ context.Context, filter db.ThreadFilter) ([]*db.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Thread
	for _, t := range s.threads {
		switch {
		case filter.Unanswered:
			if t.Status != db.StatusOpen || !t.ResponseRequired || t.Read {
				continue
			}
		case filter.Status != nil:
			if t.Status != *filter.Status {
				continue
			}
		default:
			if t.Status == db.StatusDeleted {
				continue
			}
		}
		out = append(out, copyThread(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *fakeStore) MatchThread(_ context.Context, counterpartAddress, normalizedSubject string) (*db.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *db.Thread
	for _, t := range s.threads {
		if !strings.EqualFold(t.CounterpartAddress, counterpartAddress) || t.NormalizedSubject != normalizedSubject {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		bestDeleted := best.Status == db.StatusDeleted
		tDeleted := t.Status == db.StatusDeleted
		if bestDeleted != tDeleted {
			if bestDeleted {
				best = t
			}
			continue
		}
		if t.LastActivityAt.After(best.LastActivityAt) {
			best = t
		}
	}
	if best == nil {
		return nil, db.ErrThreadNotFound
	}
	return copyThread(best), nil
}

func (s *fakeStore) InsertThreadWithMessage(_ context.Context, thread *db.Thread, msg *db.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextThreadID++
	thread.ID = s.nextThreadID
	thread.CreatedAt = time.Now()
	s.threads[thread.ID] = copyThread(thread)

	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.ThreadID = thread.ID
	msg.CreatedAt = time.Now()
	m := *msg
	s.messages[thread.ID] = append(s.messages[thread.ID], &m)
	return thread.ID, nil
}

func (s *fakeStore) UpdateThreadState(_ context.Context, thread *db.Thread) error {
	if s.onUpdate != nil {
		s.onUpdate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.threads[thread.ID]
	if !ok {
		return db.ErrThreadNotFound
	}
	// The SQL update excludes is_read; only MarkThreadRead and message
	// appends touch it.
	c := copyThread(thread)
	c.Read = cur.Read
	s.threads[thread.ID] = c
	return nil
}

func (s *fakeStore) AppendMessageWithState(_ context.Context, msg *db.Message, thread *db.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[thread.ID]; !ok {
		return db.ErrThreadNotFound
	}
	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.ThreadID = thread.ID
	msg.CreatedAt = time.Now()
	m := *msg
	s.messages[thread.ID] = append(s.messages[thread.ID], &m)
	s.threads[thread.ID] = copyThread(thread)
	return nil
}

func (s *fakeStore) ListMessages(_ context.Context, threadID int64) ([]*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[threadID]
	out := make([]*db.Message, 0, len(msgs))
	for _, m := range msgs {
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InternalDate.Equal(out[j].InternalDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].InternalDate.Before(out[j].InternalDate)
	})
	return out, nil
}

func (s *fakeStore) LastMessageDirection(_ context.Context, threadID int64) (db.MessageDirection, error) {
	msgs, _ := s.ListMessages(context.Background(), threadID)
	if len(msgs) == 0 {
		return "", db.ErrMessageNotFound
	}
	return msgs[len(msgs)-1].Direction, nil
}

func (s *fakeStore) MarkThreadRead(_ context.Context, threadID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return false, db.ErrThreadNotFound
	}
	if t.Read {
		return false, nil
	}
	t.Read = true
	return true, nil
}

func (s *fakeStore) PurgeThread(_ context.Context, threadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return db.ErrThreadNotFound
	}
	delete(s.threads, threadID)
	delete(s.messages, threadID)
	return nil
}

func (s *fakeStore) UnansweredCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, t := range s.threads {
		if t.Status == db.StatusOpen && t.ResponseRequired && !t.Read {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) InsertUnmatched(_ context.Context, email *db.UnmatchedEmail) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUnmatchedID++
	email.ID = s.nextUnmatchedID
	c := *email
	s.unmatched[email.ID] = &c
	return email.ID, nil
}

func (s *fakeStore) ListUnmatched(_ context.Context) ([]*db.UnmatchedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.UnmatchedEmail
	for _, e := range s.unmatched {
		if e.AssignedAt != nil {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetUnmatched(_ context.Context, emailID int64) (*db.UnmatchedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.unmatched[emailID]
	if !ok || e.AssignedAt != nil {
		return nil, db.ErrUnmatchedNotFound
	}
	c := *e
	return &c, nil
}

func (s *fakeStore) AssignUnmatched(_ context.Context, emailID, courseID int64, operatorID string, at time.Time, thread *db.Thread, msg *db.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.unmatched[emailID]
	if !ok || e.AssignedAt != nil {
		return 0, db.ErrUnmatchedNotFound
	}
	if thread.ID == 0 {
		s.nextThreadID++
		thread.ID = s.nextThreadID
		thread.CreatedAt = time.Now()
	} else if _, ok := s.threads[thread.ID]; !ok {
		return 0, db.ErrThreadNotFound
	}
	s.threads[thread.ID] = copyThread(thread)

	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.ThreadID = thread.ID
	msg.CreatedAt = time.Now()
	m := *msg
	s.messages[thread.ID] = append(s.messages[thread.ID], &m)

	e.AssignedCourseID = &courseID
	e.AssignedBy = &operatorID
	e.AssignedAt = &at
	return thread.ID, nil
}

func (s *fakeStore) DeleteUnmatched(_ context.Context, emailID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.unmatched[emailID]
	if !ok || e.AssignedAt != nil {
		return db.ErrUnmatchedNotFound
	}
	delete(s.unmatched, emailID)
	return nil
}

func (s *fakeStore) FindCourseByContactAddress(_ context.Context, address string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, c := range s.courses {
		if strings.EqualFold(c.ContactAddress, address) {
			ids = append(ids, c.ID)
		}
	}
	switch len(ids) {
	case 0:
		return 0, db.ErrCourseNotFound
	case 1:
		return ids[0], nil
	default:
		return 0, db.ErrAmbiguousCourse
	}
}

func (s *fakeStore) GetCourse(_ context.Context, courseID int64) (*db.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[courseID]
	if !ok {
		return nil, db.ErrCourseNotFound
	}
	cc := *c
	return &cc, nil
}

func (s *fakeStore) RecordContact(_ context.Context, courseID int64, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[courseID] = append(s.contacts[courseID], summary)
	return nil
}

func (s *fakeStore) GetAlertSettings(_ context.Context) (*db.AlertSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.settings
	return &c, nil
}

func (s *fakeStore) UpdateAlertSettings(_ context.Context, settings *db.AlertSettings) error {
	if settings.ThresholdHours < db.MinThresholdHours || settings.ThresholdHours > db.MaxThresholdHours {
		return db.ErrSettingsOutOfRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = *settings
	s.settings.UpdatedAt = time.Now()
	return nil
}
