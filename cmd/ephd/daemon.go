package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/eph/internal/config"
	"github.com/and161185/eph/internal/model"
	"github.com/and161185/eph/internal/protocol"
)

// daemon keeps a presence heartbeat and a timeline log in every configured room.
type daemon struct {
	sess *protocol.Session
	cfg  *config.Config
	log  *zap.Logger

	published []string
	cancels   []protocol.CancelFunc
}

func newDaemon(sess *protocol.Session, cfg *config.Config, log *zap.Logger) *daemon {
	return &daemon{sess: sess, cfg: cfg, log: log}
}

// start joins every room. A room with a bad URL is skipped, not fatal.
func (d *daemon) start(ctx context.Context) error {
	if err := d.sess.Initialize(ctx); err != nil {
		return err
	}
	joined := 0
	for i, rc := range d.cfg.Daemon.Rooms {
		if err := d.join(ctx, rc); err != nil {
			d.log.Error("room skipped", zap.Int("index", i), zap.Error(err))
			continue
		}
		joined++
	}
	if len(d.cfg.Daemon.Rooms) > 0 && joined == 0 {
		return errors.New("no configured room could be joined")
	}
	return nil
}

func (d *daemon) join(ctx context.Context, rc config.Room) error {
	id, keys, err := d.sess.ParseRoomURL(rc.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	room, err := d.sess.SetupRoom(id, keys)
	if err != nil {
		return err
	}
	log := d.log.With(zap.String("room", room.ID))

	stopMsgs, err := d.sess.ListenMessages(ctx, room, func(m model.Message) {
		log.Info("message",
			zap.String("id", m.ID),
			zap.String("user", m.Username),
			zap.Time("at", time.UnixMilli(m.Timestamp)),
			zap.String("text", m.Text),
		)
	}, func(err error) {
		log.Debug("undecryptable entry", zap.Error(err))
	})
	if err != nil {
		return err
	}
	d.cancels = append(d.cancels, stopMsgs)

	stopPresence, err := d.sess.JoinPresence(ctx, room.ID, d.cfg.Daemon.Username, func(users []model.UserPresence) {
		online := 0
		for _, u := range users {
			if u.IsOnline {
				online++
			}
		}
		log.Debug("presence", zap.Int("users", len(users)), zap.Int("online", online))
	}, nil)
	if err != nil {
		return err
	}
	d.cancels = append(d.cancels, stopPresence)

	if rc.Publish {
		url, err := d.sess.RoomURL(room)
		if err != nil {
			return err
		}
		pid, err := d.sess.PublishRoom(ctx, model.PublishRoomData{
			Name:        rc.Name,
			Description: rc.Description,
			RoomURL:     url,
			CreatedBy:   d.cfg.Daemon.Username,
		})
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		d.published = append(d.published, pid)
	}
	log.Info("room joined", zap.Bool("published", rc.Publish))
	return nil
}

// stop unpublishes what start published and detaches everything.
func (d *daemon) stop(ctx context.Context) {
	for _, id := range d.published {
		if err := d.sess.UnpublishRoom(ctx, id); err != nil {
			d.log.Warn("unpublish failed", zap.String("room", id), zap.Error(err))
		}
	}
	d.published = nil
	for _, c := range d.cancels {
		c()
	}
	d.cancels = nil
	d.sess.Destroy()
}
