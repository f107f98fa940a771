package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/eph/internal/model"
	"github.com/and161185/eph/internal/store"
	"github.com/and161185/eph/internal/store/memstore"
)

// recorder keeps the latest roster snapshot.
type recorder struct {
	mu    sync.Mutex
	last  []model.UserPresence
	calls int
}

func (r *recorder) onChange(users []model.UserPresence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = users
	r.calls++
}

func (r *recorder) find(name string) (model.UserPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.last {
		if u.Username == name {
			return u, true
		}
	}
	return model.UserPresence{}, false
}

func (r *recorder) first() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.last) == 0 {
		return ""
	}
	return r.last[0].Username
}

func TestJoin_SeesPeerThenDecays(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub := memstore.NewHub(zaptest.NewLogger(t))
	a, b := hub.Peer(), hub.Peer()
	defer a.Close()
	defer b.Close()

	hb, off := 20*time.Millisecond, 80*time.Millisecond
	alice := NewTracker(a, hb, off, zaptest.NewLogger(t))
	bob := NewTracker(b, hb, off, zaptest.NewLogger(t))

	var rec recorder
	cancelA, err := alice.Join(ctx, "r1", "alice", rec.onChange, JoinOptions{})
	require.NoError(t, err)
	defer cancelA()

	cancelB, err := bob.Join(ctx, "r1", "bob", nil, JoinOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		u, ok := rec.find("bob")
		return ok && u.IsOnline
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "alice", rec.first())

	cancelB()
	cancelB()

	require.Eventually(t, func() bool {
		u, ok := rec.find("bob")
		return ok && !u.IsOnline
	}, 2*time.Second, 10*time.Millisecond)

	self, ok := rec.find("alice")
	require.True(t, ok)
	require.True(t, self.IsOnline)
}

func TestJoin_ClearOnLeaveWritesTombstone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := memstore.NewHub(nil).Peer()
	defer g.Close()

	tr := NewTracker(g, time.Hour, 3*time.Hour, nil)
	leaf := g.Get(store.PresencePath("r1")).Get("bob")

	cancel, err := tr.Join(ctx, "r1", "bob", nil, JoinOptions{ClearOnLeave: true})
	require.NoError(t, err)

	v, err := leaf.Once(ctx)
	require.NoError(t, err)
	var hb map[string]int64
	require.NoError(t, json.Unmarshal(v, &hb))
	require.Positive(t, hb["lastSeen"])

	cancel()
	v, err = leaf.Once(ctx)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestJoin_ClearOnLeaveSurvivesImmediateClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub := memstore.NewHub(zaptest.NewLogger(t))
	g, other := hub.Peer(), hub.Peer()
	defer other.Close()

	tr := NewTracker(g, 10*time.Millisecond, time.Second, zaptest.NewLogger(t))
	cancel, err := tr.Join(ctx, "r1", "bob", nil, JoinOptions{ClearOnLeave: true})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	cancel()
	g.Close()
	time.Sleep(30 * time.Millisecond)

	v, err := other.Get(store.PresencePath("r1")).Get("bob").Once(ctx)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestJoin_KeepsEntryWithoutClearOnLeave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub := memstore.NewHub(nil)
	g := hub.Peer()
	defer g.Close()

	tr := NewTracker(g, time.Hour, 3*time.Hour, nil)
	cancel, err := tr.Join(ctx, "r1", "bob", nil, JoinOptions{})
	require.NoError(t, err)
	cancel()

	// give the goroutine time to unwind
	time.Sleep(20 * time.Millisecond)
	v, err := g.Get(store.PresencePath("r1")).Get("bob").Once(ctx)
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestJoin_IgnoresMalformedAndTombstones(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub := memstore.NewHub(nil)
	g := hub.Peer()
	defer g.Close()

	room := g.Get(store.PresencePath("r1"))
	require.NoError(t, room.Get("junk").Put(ctx, map[string]string{"lastSeen": "soon"}))
	require.NoError(t, room.Get("empty").Put(ctx, map[string]int{}))
	require.NoError(t, room.Get("gone").Put(ctx, nil))

	var rec recorder
	tr := NewTracker(g, time.Hour, 3*time.Hour, nil)
	cancel, err := tr.Join(ctx, "r1", "alice", rec.onChange, JoinOptions{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, room.Get("carol").Put(ctx, map[string]int64{"lastSeen": time.Now().UnixMilli()}))
	require.Eventually(t, func() bool {
		_, ok := rec.find("carol")
		return ok
	}, time.Second, 5*time.Millisecond)

	for _, name := range []string{"junk", "empty", "gone"} {
		_, ok := rec.find(name)
		require.False(t, ok, name)
	}
}

func TestJoin_Validation(t *testing.T) {
	t.Parallel()
	g := memstore.NewHub(nil).Peer()
	defer g.Close()
	tr := NewTracker(g, 0, 0, nil)

	_, err := tr.Join(context.Background(), "", "bob", nil, JoinOptions{})
	require.Error(t, err)
	_, err = tr.Join(context.Background(), "r", "", nil, JoinOptions{})
	require.Error(t, err)

	g.Close()
	_, err = tr.Join(context.Background(), "r", "bob", nil, JoinOptions{})
	require.ErrorIs(t, err, store.ErrClosed)
}
