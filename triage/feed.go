package triage

import "sync"

// Event kinds published on the change feed.
const (
	EventThreadChanged    = "thread_changed"
	EventThreadPurged     = "thread_purged"
	EventUnmatchedChanged = "unmatched_changed"
	EventSettingsChanged  = "settings_changed"
)

// Event describes a state change interesting to connected clients.
type Event struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id,omitempty"`
}

const feedBuffer = 64

// Feed is a fan-out broadcaster for change events. Publishing never blocks:
// a subscriber that cannot keep up loses events, not the publisher.
type Feed struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener. The returned cancel function must be
// called when the listener goes away.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, feedBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with room in its buffer.
func (f *Feed) Publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
