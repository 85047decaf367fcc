package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/meshcal/internal/calendar"
	"github.com/roach88/meshcal/internal/config"
	"github.com/roach88/meshcal/internal/engine"
	"github.com/roach88/meshcal/internal/replica"
	"github.com/roach88/meshcal/internal/store"
	"github.com/roach88/meshcal/internal/transport"
	"github.com/roach88/meshcal/internal/transport/memnet"
	"github.com/roach88/meshcal/internal/transport/wsrelay"
)

// defaultNode builds the node named by cfg.Transport.Kind.
func defaultNode(cfg *config.Config, logger *slog.Logger) (transport.Node, error) {
	switch cfg.Transport.Kind {
	case config.TransportRelay:
		endpoint, err := relayEndpoint(cfg.Transport.RelayURL)
		if err != nil {
			return nil, err
		}
		return wsrelay.NewNode(endpoint, wsrelay.WithLogger(logger)), nil
	case config.TransportMemory:
		// Only peers inside this process are reachable.
		return memnet.NewNetwork(memnet.WithHistory(cfg.Transport.History)).NewNode("local"), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// relayEndpoint appends the topic path to a bare relay URL.
func relayEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("relay url %q: scheme must be ws or wss", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = wsrelay.Path
	}
	return u.String(), nil
}

// openStore opens the configured database, creating its directory.
func openStore(opts *RootOptions) (*store.Store, error) {
	path := opts.cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create data directory", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err).WithCode(ErrCodeStore)
	}
	return st, nil
}

// session is a running engine plus the replica applier persisting what it
// admits.
type session struct {
	opts    *RootOptions
	logger  *slog.Logger
	store   *store.Store
	engine  *engine.Engine
	applier *replica.Applier

	cancel context.CancelFunc
	done   chan error

	mu   sync.Mutex
	errs []error
}

// startSession builds the node and engine and starts the applier. The node
// itself connects lazily on the first share. Unless receive is set, inbound
// traffic is discarded: bulk syncs in the topic history are exempt from the
// watermark and would be re-applied over the local change being broadcast.
func startSession(ctx context.Context, opts *RootOptions, st *store.Store, receive bool) (*session, error) {
	factory := opts.NewNode
	if factory == nil {
		factory = defaultNode
	}
	node, err := factory(opts.cfg, opts.logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create transport", err).WithCode(ErrCodeNetwork)
	}

	s := &session{opts: opts, logger: opts.logger, store: st, done: make(chan error, 1)}
	s.applier = replica.New(st, replica.Options{
		Logger: opts.logger,
		OnUnshare: func(calendarID, name string) {
			s.engine.Leave(calendarID)
		},
	})
	s.engine = engine.New(node, engine.Options{
		Logger:          opts.logger,
		Now:             opts.Now,
		LedgerCapacity:  opts.cfg.Ledger.Capacity,
		LedgerTrimRatio: opts.cfg.Ledger.TrimRatio,
		UnshareGrace:    opts.cfg.Sync.UnshareGrace,
		Watermarks:      st,
		Router:          s.applier,
		DiscardInbound:  !receive,
		OnError:         s.recordError,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go func() { s.done <- s.applier.Run(runCtx) }()
	return s, nil
}

func (s *session) recordError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// firstError returns the first transport error reported so far.
func (s *session) firstError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	return s.errs[0]
}

// open starts the channel for cal and waits for it.
func (s *session) open(ctx context.Context, cal calendar.Calendar) error {
	req := engine.ShareRequest{Calendar: calendar.Calendar{ID: cal.ID, Name: cal.Name, ShareKey: cal.ShareKey}}
	if err := s.engine.Share(ctx, req); err != nil {
		return WrapExitError(ExitFailure, "failed to reach the network", err).WithCode(ErrCodeNetwork)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	if err := s.engine.WaitChannel(waitCtx, cal.ID); err != nil {
		if terr := s.firstError(); terr != nil {
			err = terr
		}
		return WrapExitError(ExitFailure, fmt.Sprintf("calendar %s did not come online", cal.ID), err).WithCode(ErrCodeNetwork)
	}
	return nil
}

// share opens cal's channel and publishes its description and events.
func (s *session) share(ctx context.Context, cal calendar.Calendar, force bool) (bool, error) {
	if err := s.open(ctx, cal); err != nil {
		return false, err
	}
	events, err := s.store.EventsByCalendar(ctx, cal.ID)
	if err != nil {
		return false, WrapExitError(ExitCommandError, "failed to load events", err)
	}
	return s.engine.InitializeSharing(ctx, cal, events, force), nil
}

// openShared opens a channel for every shared calendar among ids. Calendars
// that are not shared are skipped.
func (s *session) openShared(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		cal, err := s.store.GetCalendar(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load calendar", err)
		}
		if !cal.Shared {
			continue
		}
		if err := s.open(ctx, cal); err != nil {
			return err
		}
	}
	return nil
}

// settle waits the configured grace period so outgoing messages can leave
// and inbound history can arrive.
func (s *session) settle(ctx context.Context) {
	_ = transport.Sleep(ctx, s.opts.cfg.Sync.UnshareGrace)
}

// close stops the engine and waits for the applier to write its backlog.
func (s *session) close() error {
	err := s.engine.Close()
	s.applier.Close()
	<-s.done
	s.cancel()
	return err
}
