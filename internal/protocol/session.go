// Package protocol composes rooms, messages, presence and the directory into a Session.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/eph/internal/capability"
	"github.com/and161185/eph/internal/channel"
	"github.com/and161185/eph/internal/crypto/roomcrypto"
	"github.com/and161185/eph/internal/directory"
	"github.com/and161185/eph/internal/errs"
	"github.com/and161185/eph/internal/model"
	"github.com/and161185/eph/internal/presence"
	"github.com/and161185/eph/internal/stats"
	"github.com/and161185/eph/internal/store"
)

// CancelFunc detaches a subscription opened through a Session.
type CancelFunc func()

// Config tunes a Session.
type Config struct {
	// Origin prefixes capability URLs, e.g. https://eph.example.
	Origin string

	HeartbeatInterval time.Duration
	OfflineThreshold  time.Duration

	// ClearPresenceOnLeave is the default presence cleanup policy.
	ClearPresenceOnLeave bool

	// OnConnectionChange is called on every relay hi/bye.
	OnConnectionChange func(connected bool)
}

// Session is one client of the protocol. Use New; there is no shared instance.
type Session struct {
	graph  store.Graph
	cipher roomcrypto.Cipher
	cfg    Config
	log    *zap.Logger

	channel  *channel.Channel
	tracker  *presence.Tracker
	dir      *directory.Directory
	counters *stats.Counters

	connected atomic.Bool

	mu          sync.Mutex
	initialized bool
	nextID      uint64
	subs        map[uint64]func()
}

// New constructs an uninitialized Session.
func New(graph store.Graph, cipher roomcrypto.Cipher, cfg Config, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		graph:    graph,
		cipher:   cipher,
		cfg:      cfg,
		log:      log,
		channel:  channel.New(cipher, log.Named("channel")),
		tracker:  presence.NewTracker(graph, cfg.HeartbeatInterval, cfg.OfflineThreshold, log.Named("presence")),
		dir:      directory.New(graph, log.Named("directory")),
		counters: stats.New(graph, log.Named("stats")),
		subs:     map[uint64]func(){},
	}
}

// Initialize attaches to the store's connectivity events. Calling it again is a no-op.
func (s *Session) Initialize(ctx context.Context) error {
	if s.graph == nil || s.cipher == nil {
		return errs.ErrStoreUninitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	sub, err := s.graph.Connectivity(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("connectivity: %w", err)
	}
	go func() {
		for {
			up, ok := sub.Next()
			if !ok {
				return
			}
			s.connected.Store(up)
			s.log.Info("relay connectivity", zap.Bool("connected", up))
			if s.cfg.OnConnectionChange != nil && sub.Active() {
				s.cfg.OnConnectionChange(up)
			}
		}
	}()
	s.addLocked(sub.Cancel)
	s.initialized = true
	return nil
}

// IsConnected reports the last connectivity state seen from the relay.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// Destroy detaches every subscription and returns the session to the uninitialized state.
func (s *Session) Destroy() {
	s.mu.Lock()
	subs := s.subs
	s.subs = map[uint64]func(){}
	s.initialized = false
	s.mu.Unlock()

	for _, c := range subs {
		c()
	}
	s.connected.Store(false)
	s.log.Debug("session destroyed", zap.Int("subscriptions", len(subs)))
}

// CreateRoom generates a fresh room with new keys.
func (s *Session) CreateRoom(ctx context.Context) (*model.ChatRoom, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	keys, err := s.cipher.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate keys: %w", err)
	}
	room, err := s.SetupRoom(capability.NewRoomID(), keys)
	if err != nil {
		return nil, err
	}
	s.bump(ctx, stats.TotalChatsCreated)
	s.log.Info("room created", zap.String("room", room.ID))
	return room, nil
}

// SetupRoom binds an existing room id and keys to the store.
func (s *Session) SetupRoom(roomID string, keys model.RoomKeys) (*model.ChatRoom, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if roomID == "" {
		return nil, errors.New("validation: empty roomID")
	}
	return &model.ChatRoom{ID: roomID, Keys: keys, Log: s.graph.Get(store.ChatPath(roomID))}, nil
}

// OpenFromURL joins the room carried by fragment. When the fragment holds no
// usable room a new one is created and created is true.
func (s *Session) OpenFromURL(ctx context.Context, fragment string) (room *model.ChatRoom, created bool, err error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	id, keys, err := capability.DecodeRoomURL(fragment)
	switch {
	case errors.Is(err, errs.ErrNoRoom), errors.Is(err, errs.ErrInvalidURL):
		s.log.Debug("no usable room in url, creating", zap.Error(err))
		room, err = s.CreateRoom(ctx)
		return room, err == nil, err
	case err != nil:
		return nil, false, err
	}
	room, err = s.SetupRoom(id, keys)
	return room, false, err
}

// RoomURL returns the shareable capability URL of room.
func (s *Session) RoomURL(room *model.ChatRoom) (string, error) {
	if room == nil {
		return "", errors.New("validation: nil room")
	}
	return capability.EncodeRoomURL(s.cfg.Origin, room.ID, room.Keys)
}

// ParseRoomURL decodes a capability fragment without touching the store.
func (s *Session) ParseRoomURL(fragment string) (string, model.RoomKeys, error) {
	return capability.DecodeRoomURL(fragment)
}

// SendMessage trims text and sends it to room.
func (s *Session) SendMessage(ctx context.Context, room *model.ChatRoom, text, username string) (model.Message, error) {
	if err := s.ready(); err != nil {
		return model.Message{}, err
	}
	msg, err := s.channel.Send(ctx, room, strings.TrimSpace(text), username)
	if err != nil {
		return model.Message{}, err
	}
	s.bump(ctx, stats.TotalMessagesSent)
	return msg, nil
}

// ListenMessages streams decrypted messages of room.
func (s *Session) ListenMessages(
	ctx context.Context, room *model.ChatRoom, onMessage func(model.Message), onError func(error),
) (CancelFunc, error) {
	if err := s.ready(); err != nil {
		return func() {}, err
	}
	c, err := s.channel.Listen(ctx, room, onMessage, onError)
	if err != nil {
		return func() {}, err
	}
	return s.add(c), nil
}

// ListenTimeline streams the ordered, id-deduplicated message list of room.
func (s *Session) ListenTimeline(
	ctx context.Context, room *model.ChatRoom, onChange func([]model.Message), onError func(error),
) (CancelFunc, error) {
	tl := channel.NewTimeline()
	cancel, err := s.ListenMessages(ctx, room, func(m model.Message) {
		if tl.Add(m) && onChange != nil {
			onChange(tl.Messages())
		}
	}, onError)
	if err != nil {
		return cancel, err
	}
	return func() {
		cancel()
		tl.Reset()
	}, nil
}

// JoinPresence heartbeats as username in roomID. A nil opts uses the
// session's ClearPresenceOnLeave policy.
func (s *Session) JoinPresence(
	ctx context.Context, roomID, username string, onChange func([]model.UserPresence), opts *presence.JoinOptions,
) (CancelFunc, error) {
	if err := s.ready(); err != nil {
		return func() {}, err
	}
	o := presence.JoinOptions{ClearOnLeave: s.cfg.ClearPresenceOnLeave}
	if opts != nil {
		o = *opts
	}
	c, err := s.tracker.Join(ctx, roomID, username, onChange, o)
	if err != nil {
		return func() {}, err
	}
	return s.add(c), nil
}

// PublishRoom lists a room in the public directory.
func (s *Session) PublishRoom(ctx context.Context, data model.PublishRoomData) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	return s.dir.Publish(ctx, data)
}

// UnpublishRoom removes a directory entry.
func (s *Session) UnpublishRoom(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.dir.Unpublish(ctx, id)
}

// ListenPublishedRooms streams the directory, newest first.
func (s *Session) ListenPublishedRooms(ctx context.Context, onChange func([]model.PublishedRoom)) (CancelFunc, error) {
	if err := s.ready(); err != nil {
		return func() {}, err
	}
	c, err := s.dir.Listen(ctx, onChange)
	if err != nil {
		return func() {}, err
	}
	return s.add(c), nil
}

// ListenStats streams the approximate global counters.
func (s *Session) ListenStats(ctx context.Context, onChange func(model.Stats)) (CancelFunc, error) {
	if err := s.ready(); err != nil {
		return func() {}, err
	}
	c, err := s.counters.Listen(ctx, onChange)
	if err != nil {
		return func() {}, err
	}
	return s.add(c), nil
}

// Stats reads the counters once.
func (s *Session) Stats(ctx context.Context) (model.Stats, error) {
	if err := s.ready(); err != nil {
		return model.Stats{}, err
	}
	return s.counters.Get(ctx)
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errs.ErrStoreUninitialized
	}
	return nil
}

// bump increments a counter. Failures are logged and never surface.
func (s *Session) bump(ctx context.Context, name string) {
	if err := s.counters.Increment(ctx, name); err != nil {
		s.log.Warn("counter increment failed", zap.String("counter", name), zap.Error(err))
	}
}

func (s *Session) add(cancel func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.addLocked(cancel)
	return func() {
		s.mu.Lock()
		c, ok := s.subs[id]
		delete(s.subs, id)
		s.mu.Unlock()
		if ok {
			c()
		}
	}
}

func (s *Session) addLocked(cancel func()) uint64 {
	s.nextID++
	s.subs[s.nextID] = cancel
	return s.nextID
}
