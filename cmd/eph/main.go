// Command eph is an operator CLI for eph rooms on a Postgres relay.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/and161185/eph/internal/config"
	"github.com/and161185/eph/internal/crypto/roomcrypto"
	"github.com/and161185/eph/internal/migrate"
	"github.com/and161185/eph/internal/model"
	"github.com/and161185/eph/internal/protocol"
	"github.com/and161185/eph/internal/store"
	"github.com/and161185/eph/internal/store/postgres"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var errUsage = errors.New("usage")

// env carries what every command needs. Tests swap open for an in-memory graph.
type env struct {
	cfg  *config.Config
	out  io.Writer
	log  *zap.Logger
	open func(ctx context.Context) (store.Graph, func(), error)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `eph %s

Usage:
  eph [--config FILE] [--dsn DSN] [--origin URL] <command> [flags]

Commands:
  version                              print version
  migrate                              apply relay schema migrations
  new                                  create a room and print its URL
  send   --url URL --user NAME TEXT... send a message
  tail   --url URL [--for DUR]         print messages as they arrive
  rooms  [--wait DUR]                  list published rooms
  publish --url URL --name NAME [--desc TEXT] [--by NAME]
  unpublish ID                         remove a published room
  stats                                print global counters
`, version)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, nil)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		usage(os.Stderr)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run parses global flags and dispatches. A nil opener connects to the configured DSN.
func run(ctx context.Context, args []string, out io.Writer, open func(context.Context) (store.Graph, func(), error)) error {
	fs := pflag.NewFlagSet("eph", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)
	cfgPath := fs.String("config", "", "YAML config file (default $"+config.EnvPath+")")
	dsn := fs.String("dsn", "", "relay PostgreSQL DSN")
	origin := fs.String("origin", "", "origin used in room URLs")
	verbose := fs.BoolP("verbose", "v", false, "log to stderr")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return errUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if fs.Changed("dsn") {
		cfg.DSN = *dsn
	}
	if fs.Changed("origin") {
		cfg.Origin = *origin
	}

	log := zap.NewNop()
	if *verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	e := &env{cfg: cfg, out: out, log: log, open: open}
	if e.open == nil {
		e.open = e.openPostgres
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "version":
		fmt.Fprintf(out, "eph %s (%s)\n", version, buildDate)
		return nil
	case "migrate":
		return e.migrate(ctx)
	case "new":
		return e.withSession(ctx, e.newRoom)
	case "send":
		return e.withSession(ctx, func(ctx context.Context, s *protocol.Session) error { return e.send(ctx, s, rest) })
	case "tail":
		return e.withSession(ctx, func(ctx context.Context, s *protocol.Session) error { return e.tail(ctx, s, rest) })
	case "rooms":
		return e.withSession(ctx, func(ctx context.Context, s *protocol.Session) error { return e.rooms(ctx, s, rest) })
	case "publish":
		return e.withSession(ctx, func(ctx context.Context, s *protocol.Session) error { return e.publish(ctx, s, rest) })
	case "unpublish":
		return e.withSession(ctx, func(ctx context.Context, s *protocol.Session) error { return e.unpublish(ctx, s, rest) })
	case "stats":
		return e.withSession(ctx, func(ctx context.Context, s *protocol.Session) error {
			st, err := s.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(e.out, st)
		})
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (e *env) openPostgres(ctx context.Context) (store.Graph, func(), error) {
	db, err := postgres.New(ctx, e.cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	g := postgres.NewGraph(db, postgres.Options{
		PollInterval: e.cfg.Store.PollInterval,
		PingInterval: e.cfg.Store.PingInterval,
	}, e.log.Named("store"))
	return g, func() {
		g.Close()
		db.Close()
	}, nil
}

func (e *env) withSession(ctx context.Context, fn func(context.Context, *protocol.Session) error) error {
	g, closeFn, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	cipher, err := roomcrypto.NewPair(e.cfg.Crypto.Scheme)
	if err != nil {
		return err
	}
	s := protocol.New(g, cipher, protocol.Config{
		Origin:            e.cfg.Origin,
		HeartbeatInterval: e.cfg.Presence.HeartbeatInterval,
		OfflineThreshold:  e.cfg.Presence.OfflineThreshold,
	}, e.log)
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	defer s.Destroy()
	return fn(ctx, s)
}

func (e *env) migrate(ctx context.Context) error {
	if err := migrate.Up(ctx, e.cfg.DSN); err != nil {
		return err
	}
	v, err := migrate.Version(ctx, e.cfg.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "schema version %d\n", v)
	return nil
}

func (e *env) newRoom(ctx context.Context, s *protocol.Session) error {
	room, err := s.CreateRoom(ctx)
	if err != nil {
		return err
	}
	url, err := s.RoomURL(room)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, url)
	return nil
}

// openRoom parses a capability URL strictly; the CLI never falls back to a fresh room.
func openRoom(s *protocol.Session, url string) (*model.ChatRoom, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: --url is required", errUsage)
	}
	id, keys, err := s.ParseRoomURL(url)
	if err != nil {
		return nil, err
	}
	return s.SetupRoom(id, keys)
}

func (e *env) send(ctx context.Context, s *protocol.Session, args []string) error {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	url := fs.String("url", "", "room URL")
	user := fs.String("user", "", "display name")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	room, err := openRoom(s, *url)
	if err != nil {
		return err
	}
	msg, err := s.SendMessage(ctx, room, strings.Join(fs.Args(), " "), *user)
	if err != nil {
		return err
	}
	return printJSON(e.out, msg)
}

func (e *env) tail(ctx context.Context, s *protocol.Session, args []string) error {
	fs := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	url := fs.String("url", "", "room URL")
	dur := fs.Duration("for", 0, "stop after this long (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	room, err := openRoom(s, *url)
	if err != nil {
		return err
	}
	if *dur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *dur)
		defer cancel()
	}

	// stopped fences e.out from late callbacks once tail returns.
	var (
		mu      sync.Mutex
		stopped bool
	)
	cancel, err := s.ListenMessages(ctx, room, func(m model.Message) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		fmt.Fprintf(e.out, "%s %s: %s\n", time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339), m.Username, m.Text)
	}, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		e.log.Debug("undecryptable entry", zap.Error(err))
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	cancel()
	mu.Lock()
	stopped = true
	mu.Unlock()
	return nil
}

func (e *env) rooms(ctx context.Context, s *protocol.Session, args []string) error {
	fs := pflag.NewFlagSet("rooms", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	wait := fs.Duration("wait", 2*time.Second, "how long to collect directory events")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	var (
		mu   sync.Mutex
		last = []model.PublishedRoom{}
	)
	cancel, err := s.ListenPublishedRooms(ctx, func(r []model.PublishedRoom) {
		mu.Lock()
		last = r
		mu.Unlock()
	})
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-time.After(*wait):
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	return printJSON(e.out, last)
}

func (e *env) publish(ctx context.Context, s *protocol.Session, args []string) error {
	fs := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	url := fs.String("url", "", "room URL")
	name := fs.String("name", "", "room name")
	desc := fs.String("desc", "", "room description")
	by := fs.String("by", "", "creator display name")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if _, _, err := s.ParseRoomURL(*url); err != nil {
		return fmt.Errorf("room url: %w", err)
	}
	id, err := s.PublishRoom(ctx, model.PublishRoomData{Name: *name, Description: *desc, RoomURL: *url, CreatedBy: *by})
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, id)
	return nil
}

func (e *env) unpublish(ctx context.Context, s *protocol.Session, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: unpublish takes exactly one id", errUsage)
	}
	return s.UnpublishRoom(ctx, args[0])
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
