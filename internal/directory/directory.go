// Package directory maintains the public room listing.
//
// Entries live under public_rooms/<id>. Unpublishing writes a tombstone;
// under last-write-wins the null is the newest value so every peer ends up
// dropping the entry regardless of arrival order.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/eph/internal/capability"
	"github.com/and161185/eph/internal/model"
	"github.com/and161185/eph/internal/store"
)

// CancelFunc ends a listing subscription. It is idempotent and never blocks.
type CancelFunc func()

// Directory publishes and lists rooms on one graph.
type Directory struct {
	graph store.Graph
	log   *zap.Logger
	now   func() time.Time
}

// New constructs a Directory. A nil logger disables logging.
func New(graph store.Graph, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{graph: graph, log: log, now: time.Now}
}

// Publish writes a new entry and returns its id.
// Validation rules:
// - name non-empty after trimming
// - roomUrl non-empty
func (d *Directory) Publish(ctx context.Context, data model.PublishRoomData) (string, error) {
	name := strings.TrimSpace(data.Name)
	if name == "" || strings.TrimSpace(data.RoomURL) == "" {
		return "", errors.New("validation: empty name/roomUrl")
	}
	room := model.PublishedRoom{
		ID:          capability.NewRoomID(),
		Name:        name,
		Description: strings.TrimSpace(data.Description),
		RoomURL:     data.RoomURL,
		CreatedAt:   d.now().UnixMilli(),
		CreatedBy:   data.CreatedBy,
	}
	if err := d.root().Get(room.ID).Put(ctx, room); err != nil {
		return "", err
	}
	d.log.Info("room published", zap.String("room", room.ID), zap.String("name", room.Name))
	return room.ID, nil
}

// Unpublish tombstones the entry with the given id.
func (d *Directory) Unpublish(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("validation: empty id")
	}
	if err := d.root().Get(id).Put(ctx, nil); err != nil {
		return err
	}
	d.log.Info("room unpublished", zap.String("room", id))
	return nil
}

// Listen delivers the full listing, newest first, after every directory event.
func (d *Directory) Listen(ctx context.Context, onChange func([]model.PublishedRoom)) (CancelFunc, error) {
	sub, err := d.root().Map(ctx)
	if err != nil {
		return func() {}, err
	}
	l := newListing(d.log)
	go func() {
		defer l.reset()
		for {
			ev, ok := sub.Next()
			if !ok {
				return
			}
			l.apply(ev)
			if onChange != nil && sub.Active() {
				onChange(l.rooms())
			}
		}
	}()
	return sub.Cancel, nil
}

func (d *Directory) root() store.Node {
	return d.graph.Get(store.PublicRoomsPath)
}

// listing is the local cache of one Listen. Owned by its goroutine.
type listing struct {
	log   *zap.Logger
	seen  map[string]struct{}
	cache map[string]model.PublishedRoom
}

func newListing(log *zap.Logger) *listing {
	return &listing{log: log, seen: map[string]struct{}{}, cache: map[string]model.PublishedRoom{}}
}

// record mirrors PublishedRoom with a float timestamp so foreign writers
// emitting fractional millis still decode.
type record struct {
	Name              string  `json:"name"`
	Description       string  `json:"description"`
	RoomURL           string  `json:"roomUrl"`
	CreatedAt         float64 `json:"createdAt"`
	CreatedBy         string  `json:"createdBy"`
	ParticipantsCount int     `json:"participantsCount"`
}

func (l *listing) apply(ev store.Event) {
	var (
		rec        record
		wellFormed bool
	)
	if !ev.Tombstone() {
		if err := json.Unmarshal(ev.Value, &rec); err == nil {
			wellFormed = rec.Name != "" && rec.RoomURL != ""
		}
	}

	key := ev.Key + "_" + strconv.FormatInt(int64(rec.CreatedAt), 10)
	if _, dup := l.seen[key]; !dup && wellFormed {
		l.seen[key] = struct{}{}
	}

	if !wellFormed {
		if _, ok := l.cache[ev.Key]; ok {
			l.log.Debug("directory entry removed", zap.String("room", ev.Key))
		}
		delete(l.cache, ev.Key)
		return
	}
	l.cache[ev.Key] = model.PublishedRoom{
		ID:                ev.Key,
		Name:              rec.Name,
		Description:       rec.Description,
		RoomURL:           rec.RoomURL,
		CreatedAt:         int64(rec.CreatedAt),
		CreatedBy:         rec.CreatedBy,
		ParticipantsCount: rec.ParticipantsCount,
	}
}

// rooms returns the cache sorted by createdAt descending, ties by id.
func (l *listing) rooms() []model.PublishedRoom {
	out := make([]model.PublishedRoom, 0, len(l.cache))
	for _, r := range l.cache {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (l *listing) reset() {
	clear(l.seen)
	clear(l.cache)
}
