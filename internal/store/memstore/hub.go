// Package memstore is an in-process implementation of the replicated graph.
//
// A Hub plays the relay: it holds the merged graph and fans out every write
// to all peers subscribed through their own Graph handles. It is used by
// tests and demos to simulate several peers sharing one room.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/and161185/eph/internal/store"
)

type entry struct {
	value json.RawMessage // nil = tombstone
	state int64           // merge state, higher wins
}

// Hub is the shared graph.
type Hub struct {
	mu     sync.Mutex
	souls  map[string]map[string]entry
	state  int64
	maps   map[string]map[uint64]*watcher[store.Event]
	conns  map[uint64]*watcher[bool]
	nextID uint64
	online bool
	log    *zap.Logger
}

// NewHub creates an online hub with an empty graph.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		souls:  map[string]map[string]entry{},
		maps:   map[string]map[uint64]*watcher[store.Event]{},
		conns:  map[uint64]*watcher[bool]{},
		online: true,
		log:    log,
	}
}

// Peer returns a new graph handle bound to the hub.
func (h *Hub) Peer() *Graph {
	return &Graph{hub: h, cancels: map[uint64]func(){}}
}

// SetOnline flips relay reachability and notifies every connectivity subscriber.
func (h *Hub) SetOnline(online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.online == online {
		return
	}
	h.online = online
	for _, w := range h.conns {
		w.push(online)
	}
	h.log.Debug("memstore connectivity", zap.Bool("online", online))
}

// Replay redelivers every current child of path to its subscribers,
// simulating the at-least-once delivery of a real relay.
func (h *Hub) Replay(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	evs := h.snapshot(path)
	for _, w := range h.maps[path] {
		w.push(evs...)
	}
}

// Inject delivers an arbitrary event to the subscribers of path without
// merging it into the graph. It models stale or foreign deliveries.
func (h *Hub) Inject(path string, ev store.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.maps[path] {
		w.push(ev)
	}
}

// Len returns the number of children stored under path, tombstones included.
func (h *Hub) Len(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.souls[path])
}

func (h *Hub) put(path string, value json.RawMessage) {
	soul, key := store.Split(path)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.state++
	children, ok := h.souls[soul]
	if !ok {
		children = map[string]entry{}
		h.souls[soul] = children
	}
	// The hub serializes writers, so the latest put always carries the highest state.
	children[key] = entry{value: value, state: h.state}

	ev := store.Event{Key: key, Value: cloneRaw(value)}
	for _, w := range h.maps[soul] {
		w.push(ev)
	}
}

func (h *Hub) get(path string) json.RawMessage {
	soul, key := store.Split(path)

	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.souls[soul][key]
	if !ok {
		return nil
	}
	return cloneRaw(e.value)
}

// snapshot returns current children ordered by write order. Caller holds mu.
func (h *Hub) snapshot(soul string) []store.Event {
	children := h.souls[soul]
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return children[keys[i]].state < children[keys[j]].state
	})
	evs := make([]store.Event, 0, len(keys))
	for _, k := range keys {
		evs = append(evs, store.Event{Key: k, Value: cloneRaw(children[k].value)})
	}
	return evs
}

func (h *Hub) subscribeMap(soul string) (*store.Subscription[store.Event], func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	w := newWatcher[store.Event]()
	stop := func() {
		h.mu.Lock()
		delete(h.maps[soul], id)
		h.mu.Unlock()
	}
	w.sub = store.NewSubscription[store.Event](16, stop)

	if h.maps[soul] == nil {
		h.maps[soul] = map[uint64]*watcher[store.Event]{}
	}
	h.maps[soul][id] = w
	w.push(h.snapshot(soul)...)
	go w.pump()
	return w.sub, w.sub.Cancel
}

func (h *Hub) subscribeConn() (*store.Subscription[bool], func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	w := newWatcher[bool]()
	w.sub = store.NewSubscription[bool](4, func() {
		h.mu.Lock()
		delete(h.conns, id)
		h.mu.Unlock()
	})
	h.conns[id] = w
	w.push(h.online)
	go w.pump()
	return w.sub, w.sub.Cancel
}

func newRandomKey() string {
	return strings.ToLower(ulid.Make().String())
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return append(json.RawMessage(nil), v...)
}

// watcher decouples hub writers from slow consumers with an unbounded queue.
type watcher[T any] struct {
	sub   *store.Subscription[T]
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
}

func newWatcher[T any]() *watcher[T] {
	return &watcher[T]{wake: make(chan struct{}, 1)}
}

func (w *watcher[T]) push(vs ...T) {
	if len(vs) == 0 {
		return
	}
	w.mu.Lock()
	w.queue = append(w.queue, vs...)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher[T]) pump() {
	ctx := context.Background()
	for {
		select {
		case <-w.sub.Done():
			return
		case <-w.wake:
		}
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		for _, v := range batch {
			if !w.sub.Deliver(ctx, v) {
				return
			}
		}
	}
}
