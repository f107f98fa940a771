package memstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/and161185/eph/internal/store"
)

// Graph is one peer's handle on a Hub.
type Graph struct {
	hub *Hub

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	cancels map[uint64]func()
}

var _ store.Graph = (*Graph)(nil)

// Get returns the node at path.
func (g *Graph) Get(path string) store.Node {
	return &node{g: g, path: path}
}

// Connectivity streams hi/bye transitions, starting with the current state.
func (g *Graph) Connectivity(ctx context.Context) (*store.Subscription[bool], error) {
	var sub *store.Subscription[bool]
	err := g.track(func() func() {
		var cancel func()
		sub, cancel = g.hub.subscribeConn()
		return cancel
	})
	if err != nil {
		return nil, err
	}
	sub.CancelOn(ctx)
	return sub, nil
}

// Close ends every subscription opened through this handle.
func (g *Graph) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	cancels := g.cancels
	g.cancels = nil
	g.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

func (g *Graph) track(open func() func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return store.ErrClosed
	}
	g.nextID++
	g.cancels[g.nextID] = open()
	return nil
}

func (g *Graph) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

type node struct {
	g    *Graph
	path string
}

func (n *node) Path() string { return n.path }

func (n *node) Get(key string) store.Node {
	return &node{g: n.g, path: store.Join(n.path, key)}
}

func (n *node) Put(ctx context.Context, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.g.isClosed() {
		return store.ErrClosed
	}
	raw, err := store.Encode(value)
	if err != nil {
		return err
	}
	n.g.hub.put(n.path, raw)
	return nil
}

func (n *node) Set(ctx context.Context, value any) (string, error) {
	key := newRandomKey()
	if err := n.Get(key).Put(ctx, value); err != nil {
		return "", err
	}
	return key, nil
}

func (n *node) Once(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.g.isClosed() {
		return nil, store.ErrClosed
	}
	return n.g.hub.get(n.path), nil
}

func (n *node) Map(ctx context.Context) (*store.Subscription[store.Event], error) {
	var sub *store.Subscription[store.Event]
	err := n.g.track(func() func() {
		var cancel func()
		sub, cancel = n.g.hub.subscribeMap(n.path)
		return cancel
	})
	if err != nil {
		return nil, err
	}
	sub.CancelOn(ctx)
	return sub, nil
}
