// Package capability encodes rooms as capability URLs.
//
// A capability fragment has the form <roomId>@<urlEncodedJson(RoomKeys)>.
// Whoever holds the fragment holds the room.
package capability

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/oklog/ulid/v2"

	"github.com/and161185/eph/internal/errs"
	"github.com/and161185/eph/internal/model"
)

const roomPrefix = "room_"

// NewRoomID returns a time-prefixed random room id. Uniqueness is not checked against the store.
func NewRoomID() string {
	return roomPrefix + strings.ToLower(ulid.Make().String())
}

// NewMessageID returns a sender-side message id (UUIDv7, time ordered).
func NewMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// EncodeRoomURL builds origin#roomID@keys.
func EncodeRoomURL(origin, roomID string, keys model.RoomKeys) (string, error) {
	b, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}
	return origin + "#" + roomID + "@" + escape(string(b)), nil
}

// DecodeRoomURL parses a fragment (or a full URL carrying one).
// It returns errs.ErrNoRoom when there is no '@' and errs.ErrInvalidURL when
// the key blob is unusable; callers fall back to creating a new room.
func DecodeRoomURL(fragment string) (string, model.RoomKeys, error) {
	if i := strings.IndexByte(fragment, '#'); i >= 0 {
		fragment = fragment[i+1:]
	}
	if !strings.Contains(fragment, "@") {
		return "", model.RoomKeys{}, errs.ErrNoRoom
	}

	// The key blob may itself contain '@', so only the first one separates.
	parts := strings.Split(fragment, "@")
	roomID := parts[0]
	encoded := strings.Join(parts[1:], "@")
	if roomID == "" || encoded == "" {
		return "", model.RoomKeys{}, fmt.Errorf("%w: empty room id or keys", errs.ErrInvalidURL)
	}

	raw, err := url.PathUnescape(encoded)
	if err != nil {
		return "", model.RoomKeys{}, fmt.Errorf("%w: %v", errs.ErrInvalidURL, err)
	}
	var keys model.RoomKeys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return "", model.RoomKeys{}, fmt.Errorf("%w: %v", errs.ErrInvalidURL, err)
	}
	if keys == (model.RoomKeys{}) {
		return "", model.RoomKeys{}, fmt.Errorf("%w: empty key bundle", errs.ErrInvalidURL)
	}
	return roomID, keys, nil
}

// escape mirrors encodeURIComponent: spaces become %20, not '+'.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
