// Package store defines the contract of the replicated key/value graph the protocol runs on.
//
// A graph is addressed by slash separated paths. Every node holds a set of
// children keyed by string; a child value is an arbitrary JSON document and a
// JSON null (or nil) marks a tombstone. Writes are last-write-wins per child.
// Subscriptions are at-least-once: consumers must tolerate replays.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
)

// Graph is a handle on the replicated store held by one peer.
type Graph interface {
	// Get returns the node at path. It never fails; nodes exist implicitly.
	Get(path string) Node
	// Connectivity delivers true when the peer reaches the relay ("hi") and
	// false when it loses it ("bye").
	Connectivity(ctx context.Context) (*Subscription[bool], error)
	// Close releases the handle; outstanding subscriptions end.
	Close()
}

// Node is a position in the graph.
type Node interface {
	// Path returns the full path of the node.
	Path() string
	// Get returns a child node.
	Get(key string) Node
	// Put writes value as this node's value in its parent. nil writes a tombstone.
	Put(ctx context.Context, value any) error
	// Set appends value as a new child under a store-generated key.
	Set(ctx context.Context, value any) (string, error)
	// Once reads the current value; nil when absent or tombstoned.
	Once(ctx context.Context) (json.RawMessage, error)
	// Map subscribes to every child: existing ones first, then every mutation.
	Map(ctx context.Context) (*Subscription[Event], error)
}

// Event is a single child observation.
type Event struct {
	Key   string
	Value json.RawMessage
}

var jsonNull = []byte("null")

// Tombstone reports whether the event carries a deletion marker.
func (e Event) Tombstone() bool {
	return len(e.Value) == 0 || bytes.Equal(bytes.TrimSpace(e.Value), jsonNull)
}

// Encode marshals a value for storage. nil becomes a tombstone.
func Encode(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		if bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
			return nil, nil
		}
		return raw, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Join builds a child path.
func Join(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "/" + key
}

// Split returns the parent path and the last key of path.
func Split(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Protocol paths.
const (
	PublicRoomsPath = "public_rooms"
	StatsPath       = "protocol_stats"
)

// ChatPath returns the message log path of a room.
func ChatPath(roomID string) string { return "chat_" + roomID }

// PresencePath returns the presence sub-tree of a room.
func PresencePath(roomID string) string { return "room_presence_" + roomID }
