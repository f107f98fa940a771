package channel

import (
	"sort"
	"sync"

	"github.com/and161185/eph/internal/model"
)

// Timeline is the presentation list of a room: unique by message id, sorted by timestamp.
type Timeline struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	msgs []model.Message
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{ids: map[string]struct{}{}}
}

// Add inserts m in order. It reports false when a message with the same id is already present.
func (t *Timeline) Add(m model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[m.ID]; ok {
		return false
	}
	t.ids[m.ID] = struct{}{}

	i := sort.Search(len(t.msgs), func(i int) bool { return less(m, t.msgs[i]) })
	t.msgs = append(t.msgs, model.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	return true
}

// Messages returns a copy of the ordered list.
func (t *Timeline) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Message(nil), t.msgs...)
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// Reset empties the timeline.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = map[string]struct{}{}
	t.msgs = nil
}

func less(a, b model.Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}
