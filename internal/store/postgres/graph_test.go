package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/eph/internal/store"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func idle() Options { return Options{PollInterval: time.Hour, PingInterval: time.Hour} }

const lockSQL = `SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`

// expectLock expects a transaction to open and take the soul's write lock.
func expectLock(mock pgxmock.PgxPoolIface, soul string) {
	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).
		WithArgs(soul).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func TestPut_Upsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	g := NewGraph(db, idle(), zaptest.NewLogger(t))

	expectLock(mock, "public_rooms")
	mock.ExpectExec(`INSERT INTO graph \(soul, key, value, ver, updated_at\)`).
		WithArgs("public_rooms", "r1", `{"name":"x"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	require.NoError(t, g.Get(store.PublicRoomsPath).Get("r1").Put(context.Background(), map[string]string{"name": "x"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPut_TombstoneWritesNull(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	g := NewGraph(db, idle(), nil)

	expectLock(mock, "public_rooms")
	mock.ExpectExec(`ON CONFLICT \(soul, key\)`).
		WithArgs("public_rooms", "r1", nil).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	require.NoError(t, g.Get("public_rooms/r1").Put(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

// Two writers to one soul must not interleave sequence allocation with
// commit, or a poller that already saw the later ver would skip the earlier
// row forever. The lock is taken in the same transaction, before nextval.
func TestPut_SerializesWritersPerSoul(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	g := NewGraph(db, idle(), nil)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		expectLock(mock, "chat_r")
		mock.ExpectExec(`VALUES \(\$1,\$2,\$3,nextval\('graph_ver'\),now\(\)\)`).
			WithArgs("chat_r", key, `"ct"`).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()
	}
	require.NoError(t, g.Get("chat_r/a").Put(ctx, "ct"))
	require.NoError(t, g.Get("chat_r/b").Put(ctx, "ct"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPut_Errors(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	g := NewGraph(db, idle(), nil)
	ctx := context.Background()

	require.Error(t, g.Get("rootonly").Put(ctx, 1))

	boom := errors.New("boom")
	mock.ExpectBegin().WillReturnError(boom)
	require.ErrorIs(t, g.Get("chat_r/k").Put(ctx, "ct"), boom)

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs("chat_r").WillReturnError(boom)
	mock.ExpectRollback()
	require.ErrorIs(t, g.Get("chat_r/k").Put(ctx, "ct"), boom)

	expectLock(mock, "chat_r")
	mock.ExpectExec(`INSERT INTO graph`).
		WithArgs("chat_r", "k", `"ct"`).
		WillReturnError(boom)
	mock.ExpectRollback()
	require.ErrorIs(t, g.Get("chat_r/k").Put(ctx, "ct"), boom)

	expectLock(mock, "chat_r")
	mock.ExpectExec(`INSERT INTO graph`).
		WithArgs("chat_r", "k", `"ct"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit-fail"))
	require.EqualError(t, g.Get("chat_r/k").Put(ctx, "ct"), "commit-fail")

	g.Close()
	require.ErrorIs(t, g.Get("chat_r/k").Put(ctx, "ct"), store.ErrClosed)
	_, err := g.Get("chat_r/k").Once(ctx)
	require.ErrorIs(t, err, store.ErrClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSet_GeneratesKey(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	g := NewGraph(db, idle(), nil)

	expectLock(mock, "chat_r")
	mock.ExpectExec(`INSERT INTO graph`).
		WithArgs("chat_r", pgxmock.AnyArg(), `"ct"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	key, err := g.Get(store.ChatPath("r")).Set(context.Background(), "ct")
	require.NoError(t, err)
	require.Len(t, key, 26)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOnce(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	g := NewGraph(db, idle(), nil)
	n := g.Get(store.StatsPath).Get("totalChatsCreated")

	mock.ExpectQuery(`SELECT value FROM graph WHERE soul=\$1 AND key=\$2`).
		WithArgs("protocol_stats", "totalChatsCreated").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("3")))
	v, err := n.Once(context.Background())
	require.NoError(t, err)
	require.Equal(t, "3", string(v))

	mock.ExpectQuery(`SELECT value FROM graph`).
		WithArgs("protocol_stats", "totalChatsCreated").
		WillReturnError(pgx.ErrNoRows)
	v, err = n.Once(context.Background())
	require.NoError(t, err)
	require.Nil(t, v)

	mock.ExpectQuery(`SELECT value FROM graph`).
		WithArgs("protocol_stats", "totalChatsCreated").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("null")))
	v, err = n.Once(context.Background())
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPoller_DeltaSync(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	p := &poller{db: db, soul: "chat_r"}

	mock.ExpectQuery(`SELECT key, value, ver\s+FROM graph\s+WHERE soul=\$1 AND ver>\$2\s+ORDER BY ver ASC`).
		WithArgs("chat_r", int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"key", "value", "ver"}).
			AddRow("a", []byte(`"x"`), int64(3)).
			AddRow("b", []byte(nil), int64(5)))
	evs, err := p.step(context.Background())
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, "a", evs[0].Key)
	require.Equal(t, `"x"`, string(evs[0].Value))
	require.True(t, evs[1].Tombstone())
	require.Equal(t, int64(5), p.last)

	mock.ExpectQuery(`SELECT key, value, ver`).
		WithArgs("chat_r", int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"key", "value", "ver"}))
	evs, err = p.step(context.Background())
	require.NoError(t, err)
	require.Empty(t, evs)
	require.Equal(t, int64(5), p.last)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMap_DeliversInitialLoad(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	g := NewGraph(db, idle(), zaptest.NewLogger(t))
	defer g.Close()

	mock.ExpectQuery(`SELECT key, value, ver`).
		WithArgs("public_rooms", int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"key", "value", "ver"}).
			AddRow("r1", []byte(`{"name":"n"}`), int64(1)))

	sub, err := g.Get(store.PublicRoomsPath).Map(context.Background())
	require.NoError(t, err)
	select {
	case ev := <-sub.Events():
		require.Equal(t, "r1", ev.Key)
		require.JSONEq(t, `{"name":"n"}`, string(ev.Value))
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	sub.Cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("not cancelled")
	}
}

func TestConnectivity(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	g := NewGraph(&DB{Pool: mock}, idle(), nil)
	defer g.Close()

	mock.ExpectPing().WillReturnError(errors.New("refused"))
	sub, err := g.Connectivity(context.Background())
	require.NoError(t, err)
	select {
	case up := <-sub.Events():
		require.False(t, up)
	case <-time.After(2 * time.Second):
		t.Fatal("no connectivity event")
	}
	sub.Cancel()

	mock.ExpectPing()
	sub, err = g.Connectivity(context.Background())
	require.NoError(t, err)
	select {
	case up := <-sub.Events():
		require.True(t, up)
	case <-time.After(2 * time.Second):
		t.Fatal("no connectivity event")
	}
	sub.Cancel()
}
