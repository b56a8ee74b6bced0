package triage

import (
	"fmt"
	"time"

	"github.com/coursedesk/triage/db"
)

// applyInbound mutates the thread for a newly received counterpart message.
// A deleted thread keeps its status and flags: the message is recorded, but
// only an explicit restore brings the thread back.
func applyInbound(t *db.Thread, at time.Time) {
	t.LastActivityAt = at
	if t.Status == db.StatusDeleted {
		return
	}
	t.Status = db.StatusOpen
	t.PrevStatus = nil
	t.Read = false
	t.ResponseRequired = true
	t.RespondedBy = nil
	t.RespondedAt = nil
}

// applyReply mutates the thread for an operator reply. Only an open thread
// can be replied to.
func applyReply(t *db.Thread, operatorID string, at time.Time) error {
	if t.Status != db.StatusOpen {
		return fmt.Errorf("%w: reply from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = db.StatusReplied
	t.PrevStatus = nil
	t.Read = true
	t.ResponseRequired = false
	t.RespondedBy = &operatorID
	t.RespondedAt = &at
	t.LastActivityAt = at
	return nil
}

// applyClose closes an open or replied thread.
func applyClose(t *db.Thread) error {
	if t.Status != db.StatusOpen && t.Status != db.StatusReplied {
		return fmt.Errorf("%w: close from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = db.StatusClosed
	t.PrevStatus = nil
	t.ResponseRequired = false
	return nil
}

// applyArchive archives any non-deleted thread.
func applyArchive(t *db.Thread) error {
	if t.Status == db.StatusDeleted {
		return fmt.Errorf("%w: archive from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = db.StatusArchived
	t.PrevStatus = nil
	t.ResponseRequired = false
	return nil
}

// applyReopen reopens a closed or archived thread. The caller supplies the
// direction of the thread's last message so response-required can be
// recomputed: a thread whose last word came from the counterpart still owes
// them an answer.
func applyReopen(t *db.Thread, lastDirection db.MessageDirection) error {
	if t.Status != db.StatusClosed && t.Status != db.StatusArchived {
		return fmt.Errorf("%w: reopen from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = db.StatusOpen
	t.PrevStatus = nil
	t.ResponseRequired = lastDirection == db.DirectionIn
	return nil
}

// applySoftDelete marks a non-deleted thread as deleted, remembering the
// status it held so a restore can put it back.
func applySoftDelete(t *db.Thread) error {
	if t.Status == db.StatusDeleted {
		return fmt.Errorf("%w: delete from %s", ErrInvalidTransition, t.Status)
	}
	prev := t.Status
	t.PrevStatus = &prev
	t.Status = db.StatusDeleted
	t.ResponseRequired = false
	return nil
}

// applyRestore brings a deleted thread back to its pre-deletion status, or
// to open when that status was never recorded.
func applyRestore(t *db.Thread, lastDirection db.MessageDirection) error {
	if t.Status != db.StatusDeleted {
		return fmt.Errorf("%w: restore from %s", ErrInvalidTransition, t.Status)
	}
	restored := db.StatusOpen
	if t.PrevStatus != nil {
		restored = *t.PrevStatus
	}
	t.Status = restored
	t.PrevStatus = nil
	if restored == db.StatusOpen {
		t.ResponseRequired = lastDirection == db.DirectionIn
	} else {
		t.ResponseRequired = false
	}
	return nil
}
