package presence

import (
	"sort"
	"time"

	"github.com/and161185/eph/internal/model"
)

// Roster is the liveness state of one room as seen by one peer.
// It is not safe for concurrent use; the tracker goroutine owns it.
type Roster struct {
	self      string
	threshold time.Duration
	users     map[string]model.UserPresence
}

// NewRoster creates an empty roster for the local user self.
func NewRoster(self string, threshold time.Duration) *Roster {
	return &Roster{self: self, threshold: threshold, users: map[string]model.UserPresence{}}
}

// Observe records a heartbeat. Older heartbeats than the known one are ignored
// so out-of-order delivery never moves a user back in time.
// It reports whether the roster changed.
func (r *Roster) Observe(username string, lastSeen int64, now time.Time) bool {
	cur, known := r.users[username]
	if known && lastSeen <= cur.LastSeen {
		return false
	}
	r.users[username] = model.UserPresence{
		Username: username,
		LastSeen: lastSeen,
		IsOnline: r.online(lastSeen, now),
	}
	return true
}

// Recheck recomputes IsOnline for every user and reports whether any value flipped.
func (r *Roster) Recheck(now time.Time) bool {
	flipped := false
	for name, u := range r.users {
		on := r.online(u.LastSeen, now)
		if on != u.IsOnline {
			u.IsOnline = on
			r.users[name] = u
			flipped = true
		}
	}
	return flipped
}

// Snapshot returns the users in presentation order.
func (r *Roster) Snapshot() []model.UserPresence {
	out := make([]model.UserPresence, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	Sort(out, r.self)
	return out
}

// Reset forgets every user.
func (r *Roster) Reset() {
	clear(r.users)
}

func (r *Roster) online(lastSeen int64, now time.Time) bool {
	return now.UnixMilli()-lastSeen < r.threshold.Milliseconds()
}

// Sort orders users: self first, then online before offline, then by username.
func Sort(users []model.UserPresence, self string) {
	sort.SliceStable(users, func(i, j int) bool {
		a, b := users[i], users[j]
		if a.Username == self || b.Username == self {
			return a.Username == self && b.Username != self
		}
		if a.IsOnline != b.IsOnline {
			return a.IsOnline
		}
		return a.Username < b.Username
	})
}
