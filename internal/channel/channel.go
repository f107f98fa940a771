// Package channel implements the per-room encrypted append-only message log.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/eph/internal/capability"
	"github.com/and161185/eph/internal/crypto/roomcrypto"
	"github.com/and161185/eph/internal/errs"
	"github.com/and161185/eph/internal/model"
	"github.com/and161185/eph/internal/store"
)

// CancelFunc ends a subscription. It is idempotent and never blocks.
type CancelFunc func()

// Channel sends and receives room messages.
type Channel struct {
	cipher roomcrypto.Cipher
	log    *zap.Logger
	now    func() time.Time
}

// New constructs a Channel. A nil logger disables logging.
func New(cipher roomcrypto.Cipher, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{cipher: cipher, log: log, now: time.Now}
}

// Send encrypts and appends one message to the room log.
// Validation rules:
// - room has a log node
// - text and username non-empty
func (c *Channel) Send(ctx context.Context, room *model.ChatRoom, text, username string) (model.Message, error) {
	if room == nil || room.Log == nil {
		return model.Message{}, errors.New("validation: invalid room configuration")
	}
	msg := model.Message{Text: text, Username: username, Timestamp: c.now().UnixMilli()}
	if !msg.Valid() {
		return model.Message{}, fmt.Errorf("validation: empty text/username: %w", errs.ErrMalformedPayload)
	}
	id, err := capability.NewMessageID()
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: id: %v", errs.ErrSend, err)
	}
	msg.ID = id

	plain, err := json.Marshal(msg)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: encode: %v", errs.ErrSend, err)
	}
	ct, err := c.cipher.Encrypt(plain, room.Keys)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: encrypt: %v", errs.ErrSend, err)
	}
	key, err := room.Log.Set(ctx, ct)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: write: %v", errs.ErrSend, err)
	}
	c.log.Debug("message sent", zap.String("room", room.ID), zap.String("key", key), zap.String("id", msg.ID))
	return msg, nil
}

// Listen delivers every valid message of the room at most once per store key.
// onError receives decryption failures; those entries are dropped but may be
// retried if the store redelivers them.
func (c *Channel) Listen(
	ctx context.Context, room *model.ChatRoom, onMessage func(model.Message), onError func(error),
) (CancelFunc, error) {
	if room == nil || room.Log == nil {
		return func() {}, errors.New("validation: invalid room configuration")
	}
	sub, err := room.Log.Map(ctx)
	if err != nil {
		return func() {}, err
	}

	l := c.newListener(room)
	go func() {
		// The goroutine is the only owner of l.seen.
		defer l.reset()
		for {
			ev, ok := sub.Next()
			if !ok {
				return
			}
			msg, ok, err := l.handle(ev)
			if !sub.Active() {
				return
			}
			switch {
			case err != nil:
				if onError != nil {
					onError(err)
				}
			case ok:
				onMessage(msg)
			}
		}
	}()
	return sub.Cancel, nil
}

type listener struct {
	c    *Channel
	room *model.ChatRoom
	seen map[string]struct{}
}

func (c *Channel) newListener(room *model.ChatRoom) *listener {
	return &listener{c: c, room: room, seen: map[string]struct{}{}}
}

// handle processes one store event. It returns the message to deliver, if any.
func (l *listener) handle(ev store.Event) (model.Message, bool, error) {
	if _, dup := l.seen[ev.Key]; dup {
		return model.Message{}, false, nil
	}
	if ev.Tombstone() {
		return model.Message{}, false, nil
	}
	var ct string
	if err := json.Unmarshal(ev.Value, &ct); err != nil || ct == "" {
		l.c.log.Debug("skip non-ciphertext entry", zap.String("room", l.room.ID), zap.String("key", ev.Key))
		return model.Message{}, false, nil
	}

	plain, err := l.c.cipher.Decrypt(ct, l.room.Keys)
	if err != nil {
		l.c.log.Debug("drop undecryptable entry", zap.String("room", l.room.ID), zap.String("key", ev.Key), zap.Error(err))
		if !errors.Is(err, errs.ErrDecryption) {
			err = fmt.Errorf("%w: %v", errs.ErrDecryption, err)
		}
		return model.Message{}, false, fmt.Errorf("entry %s: %w", ev.Key, err)
	}
	l.seen[ev.Key] = struct{}{}

	msg := DecodePayload(plain).Resolve(ev.Key, l.c.now())
	if !msg.Valid() {
		l.c.log.Debug("drop malformed payload", zap.String("room", l.room.ID), zap.String("key", ev.Key))
		return model.Message{}, false, nil
	}
	return msg, true, nil
}

func (l *listener) reset() {
	clear(l.seen)
}
