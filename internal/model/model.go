// Package model defines domain entities shared by protocol components.
package model

import "github.com/and161185/eph/internal/store"

// RoomKeys is the capability bundle of a room. Anyone holding it can read and write the room.
type RoomKeys struct {
	Pub   string `json:"pub"`   // signing public key
	Priv  string `json:"priv"`  // signing private key
	EPub  string `json:"epub"`  // encryption public key
	EPriv string `json:"epriv"` // encryption private key
}

// ChatRoom is a joined room together with its message log node (chat_<id>).
type ChatRoom struct {
	ID   string
	Keys RoomKeys
	Log  store.Node
}

// Message is the plaintext of a single chat entry.
type Message struct {
	ID        string `json:"id"` // sender-generated, independent of the store key
	Text      string `json:"text"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"` // unix millis at the sender
}

// Valid reports whether the message carries the required fields.
func (m Message) Valid() bool {
	return m.Text != "" && m.Username != ""
}

// UserPresence is the locally derived liveness of a room participant.
type UserPresence struct {
	Username string
	LastSeen int64 // unix millis of the last heartbeat
	IsOnline bool  // derived, never transmitted
}

// PublishedRoom is a public directory entry.
type PublishedRoom struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	RoomURL           string `json:"roomUrl"`
	CreatedAt         int64  `json:"createdAt"`
	CreatedBy         string `json:"createdBy"`
	ParticipantsCount int    `json:"participantsCount,omitempty"`
}

// PublishRoomData is the caller input for a directory publish.
type PublishRoomData struct {
	Name        string
	Description string
	RoomURL     string
	CreatedBy   string
}

// Stats holds the approximate global counters.
type Stats struct {
	TotalChatsCreated int64
	TotalMessagesSent int64
}
