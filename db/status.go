package db

import "fmt"

// ThreadStatus is the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	StatusOpen     ThreadStatus = "open"
	StatusReplied  ThreadStatus = "replied"
	StatusClosed   ThreadStatus = "closed"
	StatusArchived ThreadStatus = "archived"
	StatusDeleted  ThreadStatus = "deleted"
)

// ParseThreadStatus validates a status string coming from a caller.
func ParseThreadStatus(s string) (ThreadStatus, error) {
	switch ThreadStatus(s) {
	case StatusOpen, StatusReplied, StatusClosed, StatusArchived, StatusDeleted:
		return ThreadStatus(s), nil
	}
	return "", fmt.Errorf("unknown thread status %q", s)
}

func (s ThreadStatus) String() string {
	return string(s)
}

// MessageDirection indicates whether a message came from the counterpart or
// was sent by an operator.
type MessageDirection string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)
