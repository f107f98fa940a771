// Package presence publishes heartbeats into a room and estimates who is online.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/eph/internal/model"
	"github.com/and161185/eph/internal/store"
)

// Defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultOfflineThreshold  = 15 * time.Second

	clearTimeout = 5 * time.Second
)

// CancelFunc leaves the room. It is idempotent. With ClearOnLeave it waits
// for the tombstone write.
type CancelFunc func()

// JoinOptions tune a single Join.
type JoinOptions struct {
	// ClearOnLeave writes a tombstone for the caller's own entry on cancel.
	// Leaving it false avoids a user flickering offline on short navigations.
	ClearOnLeave bool
}

// heartbeat is the value written under room_presence_<room>/<user>.
type heartbeat struct {
	LastSeen *float64 `json:"lastSeen"`
}

// Tracker runs presence for rooms on one graph.
type Tracker struct {
	graph     store.Graph
	heartbeat time.Duration
	threshold time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewTracker constructs a Tracker. Non-positive durations fall back to defaults.
func NewTracker(graph store.Graph, heartbeatInterval, offlineThreshold time.Duration, log *zap.Logger) *Tracker {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if offlineThreshold <= 0 {
		offlineThreshold = DefaultOfflineThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		graph:     graph,
		heartbeat: heartbeatInterval,
		threshold: offlineThreshold,
		log:       log,
		now:       time.Now,
	}
}

// Join starts heartbeating as username in roomID and streams the roster to onChange.
// The first heartbeat is written before Join returns.
func (t *Tracker) Join(
	ctx context.Context, roomID, username string, onChange func([]model.UserPresence), opts JoinOptions,
) (CancelFunc, error) {
	if roomID == "" || username == "" {
		return func() {}, errors.New("validation: empty roomID/username")
	}
	room := t.graph.Get(store.PresencePath(roomID))
	self := room.Get(username)

	if err := t.beat(ctx, self); err != nil {
		return func() {}, err
	}
	sub, err := room.Map(ctx)
	if err != nil {
		return func() {}, err
	}

	s := &session{
		t:        t,
		roomID:   roomID,
		username: username,
		self:     self,
		sub:      sub,
		onChange: onChange,
		opts:     opts,
		roster:   NewRoster(username, t.threshold),
		stop:     make(chan struct{}),
	}
	go s.run(ctx)
	return s.cancel, nil
}

func (t *Tracker) beat(ctx context.Context, self store.Node) error {
	return self.Put(ctx, map[string]int64{"lastSeen": t.now().UnixMilli()})
}

// session is one joined room. Only run touches roster.
type session struct {
	t        *Tracker
	roomID   string
	username string
	self     store.Node
	sub      *store.Subscription[store.Event]
	onChange func([]model.UserPresence)
	opts     JoinOptions
	roster   *Roster

	stop     chan struct{}
	stopOnce sync.Once

	// writeMu orders heartbeats against the leave tombstone; left is set under it.
	writeMu sync.Mutex
	left    bool
}

// cancel stops the session. The tombstone, if any, is written before cancel
// returns so a caller may close the store right after.
func (s *session) cancel() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.sub.Cancel()

		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		s.left = true
		if !s.opts.ClearOnLeave {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
		defer cancel()
		if err := s.self.Put(ctx, nil); err != nil {
			s.t.log.Warn("presence clear failed",
				zap.String("room", s.roomID), zap.String("user", s.username), zap.Error(err))
		}
	})
}

// heartbeat writes lastSeen unless the session already left.
func (s *session) heartbeat(ctx context.Context) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.left {
		return false, nil
	}
	return true, s.t.beat(ctx, s.self)
}

func (s *session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *session) run(ctx context.Context) {
	log := s.t.log.With(zap.String("room", s.roomID), zap.String("user", s.username))
	beat := time.NewTicker(s.t.heartbeat)
	recheck := time.NewTicker(s.t.heartbeat / 2)
	defer func() {
		beat.Stop()
		recheck.Stop()
		s.roster.Reset()
	}()

	if s.roster.Observe(s.username, s.t.now().UnixMilli(), s.t.now()) {
		s.emit()
	}

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			s.cancel()
			return
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if s.observe(ev) {
				s.emit()
			}
		case <-beat.C:
			wrote, err := s.heartbeat(ctx)
			if err != nil {
				log.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			if wrote {
				s.roster.Observe(s.username, s.t.now().UnixMilli(), s.t.now())
			}
		case <-recheck.C:
			if s.roster.Recheck(s.t.now()) {
				s.emit()
			}
		}
	}
}

// observe applies a remote heartbeat. Own echoes, tombstones and malformed values are ignored.
func (s *session) observe(ev store.Event) bool {
	if ev.Key == s.username || ev.Tombstone() {
		return false
	}
	var hb heartbeat
	if err := json.Unmarshal(ev.Value, &hb); err != nil || hb.LastSeen == nil {
		return false
	}
	if math.IsNaN(*hb.LastSeen) || math.IsInf(*hb.LastSeen, 0) {
		return false
	}
	return s.roster.Observe(ev.Key, int64(*hb.LastSeen), s.t.now())
}

func (s *session) emit() {
	if s.onChange != nil && !s.stopped() {
		s.onChange(s.roster.Snapshot())
	}
}
