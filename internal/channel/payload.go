package channel

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/and161185/eph/internal/model"
)

// PayloadKind tags a decrypted payload.
type PayloadKind int

const (
	// PayloadMalformed is JSON that is neither a message object nor a string.
	PayloadMalformed PayloadKind = iota
	// PayloadStructured is a JSON message object.
	PayloadStructured
	// PayloadLegacyText is bare text written by old clients.
	PayloadLegacyText
)

// AnonymousUser is the author assigned to legacy text payloads.
const AnonymousUser = "Anonymous"

// Payload is a decrypted log entry: Structured(Message) | LegacyText(string).
type Payload struct {
	Kind    PayloadKind
	Message model.Message
	Text    string
}

// DecodePayload classifies plaintext: a JSON object is a structured message,
// a JSON string or non-JSON text is legacy text, any other JSON is malformed.
func DecodePayload(plaintext []byte) Payload {
	trimmed := bytes.TrimSpace(plaintext)
	if !json.Valid(trimmed) {
		return Payload{Kind: PayloadLegacyText, Text: string(plaintext)}
	}
	switch trimmed[0] {
	case '{':
		var m model.Message
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return Payload{Kind: PayloadMalformed}
		}
		return Payload{Kind: PayloadStructured, Message: m}
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Payload{Kind: PayloadMalformed}
		}
		return Payload{Kind: PayloadLegacyText, Text: s}
	default:
		return Payload{Kind: PayloadMalformed}
	}
}

// Resolve turns the payload into a message. Legacy text gets the store key as id
// and the local receive time as timestamp.
func (p Payload) Resolve(storeKey string, now time.Time) model.Message {
	switch p.Kind {
	case PayloadStructured:
		return p.Message
	case PayloadLegacyText:
		return model.Message{
			ID:        storeKey,
			Text:      p.Text,
			Username:  AnonymousUser,
			Timestamp: now.UnixMilli(),
		}
	default:
		return model.Message{}
	}
}
