// Package stats keeps the approximate global protocol counters.
//
// Increments are read-then-write. Two peers incrementing concurrently can
// both read n and both write n+1, so totals are a lower bound.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/and161185/eph/internal/model"
	"github.com/and161185/eph/internal/store"
)

// Counter names under protocol_stats.
const (
	TotalChatsCreated = "totalChatsCreated"
	TotalMessagesSent = "totalMessagesSent"
)

// CancelFunc ends a stats subscription.
type CancelFunc func()

// Counters reads and bumps counters on one graph.
type Counters struct {
	graph store.Graph
	log   *zap.Logger
}

// New constructs Counters. A nil logger disables logging.
func New(graph store.Graph, log *zap.Logger) *Counters {
	if log == nil {
		log = zap.NewNop()
	}
	return &Counters{graph: graph, log: log}
}

// Increment writes current+1 for the named counter.
func (c *Counters) Increment(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("validation: empty counter name")
	}
	n := c.graph.Get(store.StatsPath).Get(name)
	raw, err := n.Once(ctx)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	cur := decode(raw)
	if err := n.Put(ctx, cur+1); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	c.log.Debug("counter incremented", zap.String("counter", name), zap.Int64("value", cur+1))
	return nil
}

// Get returns the current snapshot of both counters.
func (c *Counters) Get(ctx context.Context) (model.Stats, error) {
	var s model.Stats
	root := c.graph.Get(store.StatsPath)
	for name, dst := range map[string]*int64{
		TotalChatsCreated: &s.TotalChatsCreated,
		TotalMessagesSent: &s.TotalMessagesSent,
	} {
		raw, err := root.Get(name).Once(ctx)
		if err != nil {
			return model.Stats{}, err
		}
		*dst = decode(raw)
	}
	return s, nil
}

// Listen delivers the counters after every change.
func (c *Counters) Listen(ctx context.Context, onChange func(model.Stats)) (CancelFunc, error) {
	sub, err := c.graph.Get(store.StatsPath).Map(ctx)
	if err != nil {
		return func() {}, err
	}
	go func() {
		var s model.Stats
		for {
			ev, ok := sub.Next()
			if !ok {
				return
			}
			v := decode(ev.Value)
			switch ev.Key {
			case TotalChatsCreated:
				s.TotalChatsCreated = v
			case TotalMessagesSent:
				s.TotalMessagesSent = v
			default:
				continue
			}
			if onChange != nil && sub.Active() {
				onChange(s)
			}
		}
	}()
	return sub.Cancel, nil
}

// decode reads a counter value; absent, tombstoned or garbage counts as zero.
func decode(raw json.RawMessage) int64 {
	if raw == nil {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || math.IsNaN(f) || f < 0 {
		return 0
	}
	return int64(f)
}
