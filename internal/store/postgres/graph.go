package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/and161185/eph/internal/store"
)

// Defaults for Options.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPingInterval = 5 * time.Second
)

const (
	qUpsert = `
INSERT INTO graph (soul, key, value, ver, updated_at)
VALUES ($1,$2,$3,nextval('graph_ver'),now())
ON CONFLICT (soul, key)
DO UPDATE SET value=EXCLUDED.value, ver=EXCLUDED.ver, updated_at=now()`

	qLockSoul = `SELECT pg_advisory_xact_lock(hashtext($1))`

	qOnce = `SELECT value FROM graph WHERE soul=$1 AND key=$2`

	qSince = `
SELECT key, value, ver
FROM graph
WHERE soul=$1 AND ver>$2
ORDER BY ver ASC`
)

// Options tune polling.
type Options struct {
	PollInterval time.Duration
	PingInterval time.Duration
}

// Graph implements store.Graph on a DB.
type Graph struct {
	db   *DB
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	cancels map[uint64]func()
}

var _ store.Graph = (*Graph)(nil)

// NewGraph binds a graph to db. Zero intervals take the defaults.
func NewGraph(db *DB, opts Options, log *zap.Logger) *Graph {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{db: db, opts: opts, log: log, cancels: map[uint64]func(){}}
}

// Get returns the node at path.
func (g *Graph) Get(path string) store.Node {
	return &node{g: g, path: path}
}

// Connectivity pings the database and streams reachability transitions,
// starting with the first observed state.
func (g *Graph) Connectivity(ctx context.Context) (*store.Subscription[bool], error) {
	var sub *store.Subscription[bool]
	err := g.track(func() func() {
		lctx, stop := context.WithCancel(ctx)
		sub = store.NewSubscription[bool](4, stop)
		go g.watchConn(lctx, sub)
		return sub.Cancel
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close ends every subscription opened through this graph. The pool stays open.
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

func (g *Graph) watchConn(ctx context.Context, sub *store.Subscription[bool]) {
	defer sub.Cancel()
	t := time.NewTicker(g.opts.PingInterval)
	defer t.Stop()

	var (
		last  bool
		first = true
	)
	for {
		up := g.ping(ctx)
		if ctx.Err() != nil {
			return
		}
		if first || up != last {
			first, last = false, up
			if !sub.Deliver(ctx, up) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (g *Graph) ping(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, g.opts.PingInterval)
	defer cancel()
	if err := g.db.Pool.Ping(pctx); err != nil {
		g.log.Debug("relay ping failed", zap.Error(err))
		return false
	}
	return true
}

func (g *Graph) poll(ctx context.Context, sub *store.Subscription[store.Event], soul string) {
	defer sub.Cancel()
	t := time.NewTicker(g.opts.PollInterval)
	defer t.Stop()

	p := &poller{db: g.db, soul: soul}
	for {
		evs, err := p.step(ctx)
		if err != nil && ctx.Err() == nil {
			g.log.Warn("graph poll failed", zap.String("soul", soul), zap.Error(err))
		}
		for _, ev := range evs {
			if !sub.Deliver(ctx, ev) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// poller tracks the delta-sync cursor of one subscription.
type poller struct {
	db   *DB
	soul string
	last int64
}

// step returns every child written since the previous step. The first step
// returns the whole soul, tombstones included.
func (p *poller) step(ctx context.Context) ([]store.Event, error) {
	rows, err := p.db.Pool.Query(ctx, qSince, p.soul, p.last)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var (
			key   string
			value []byte
			ver   int64
		)
		if err := rows.Scan(&key, &value, &ver); err != nil {
			return out, err
		}
		ev := store.Event{Key: key}
		if len(value) > 0 {
			ev.Value = json.RawMessage(value)
		}
		out = append(out, ev)
		p.last = ver
	}
	return out, rows.Err()
}

type node struct {
	g    *Graph
	path string
}

func (n *node) Path() string { return n.path }

func (n *node) Get(key string) store.Node {
	return &node{g: n.g, path: store.Join(n.path, key)}
}

func (n *node) Put(ctx context.Context, value any) (err error) {
	if n.g.isClosed() {
		return store.ErrClosed
	}
	soul, key, err := n.leaf()
	if err != nil {
		return err
	}
	raw, err := store.Encode(value)
	if err != nil {
		return err
	}
	var arg any
	if raw != nil {
		arg = string(raw)
	}
	tx, err := n.g.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	// nextval runs under the lock, so a later ver never commits first.
	if _, err = tx.Exec(ctx, qLockSoul, soul); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, qUpsert, soul, key, arg)
	return err
}

func (n *node) Set(ctx context.Context, value any) (string, error) {
	key := strings.ToLower(ulid.Make().String())
	if err := n.Get(key).Put(ctx, value); err != nil {
		return "", err
	}
	return key, nil
}

func (n *node) Once(ctx context.Context) (json.RawMessage, error) {
	if n.g.isClosed() {
		return nil, store.ErrClosed
	}
	soul, key, err := n.leaf()
	if err != nil {
		return nil, err
	}
	var value []byte
	err = n.g.db.Pool.QueryRow(ctx, qOnce, soul, key).Scan(&value)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if len(value) == 0 || string(value) == "null" {
		return nil, nil
	}
	return json.RawMessage(value), nil
}

func (n *node) Map(ctx context.Context) (*store.Subscription[store.Event], error) {
	var sub *store.Subscription[store.Event]
	err := n.g.track(func() func() {
		lctx, stop := context.WithCancel(ctx)
		sub = store.NewSubscription[store.Event](64, stop)
		go n.g.poll(lctx, sub, n.path)
		return sub.Cancel
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (n *node) leaf() (string, string, error) {
	soul, key := store.Split(n.path)
	if soul == "" || key == "" {
		return "", "", errors.New("validation: path must be soul/key")
	}
	return soul, key, nil
}
