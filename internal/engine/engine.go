package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/meshcal/internal/channel"
	"github.com/roach88/meshcal/internal/ledger"
	"github.com/roach88/meshcal/internal/queue"
	"github.com/roach88/meshcal/internal/status"
	"github.com/roach88/meshcal/internal/transport"
)

// DefaultUnshareGrace is how long StopSharing waits after broadcasting the
// unshare notice before closing the channel.
const DefaultUnshareGrace = time.Second

// WatermarkStore persists ledger watermarks across restarts.
type WatermarkStore interface {
	LoadWatermarks(ctx context.Context) (map[string]int64, error)
	SaveWatermark(ctx context.Context, calendarID string, ts int64) error
	ClearWatermark(ctx context.Context, calendarID string) error
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	// SenderID identifies this process on the wire. Default: NewSenderID().
	SenderID string

	Logger *slog.Logger

	// Now is the wall clock behind envelope timestamps. Default: time.Now.
	Now func() time.Time

	LedgerCapacity  int
	LedgerTrimRatio float64

	// UnshareGrace is the delay between the unshare broadcast and channel
	// teardown in StopSharing.
	UnshareGrace time.Duration

	// Watermarks, if set, is loaded on Start and updated as watermarks move.
	Watermarks WatermarkStore

	// Router receives admitted inbound actions.
	Router Router

	// DiscardInbound drops every inbound payload before it reaches the
	// ledger, so watermarks only move for actions someone applied.
	DiscardInbound bool

	// OnError receives transport failures.
	OnError func(error)

	// OnStatus receives the aggregate connection state whenever it changes.
	OnStatus func(status.State)
}

// Engine is the sync engine. All methods are safe for concurrent use.
type Engine struct {
	opts     Options
	logger   *slog.Logger
	senderID string
	clock    *Clock

	adapter  *transport.Adapter
	registry *channel.Registry
	ledger   *ledger.Ledger
	agg      *status.Aggregator
	pending  *queue.FIFO[ShareRequest]

	nodeHealth atomic.Int32 // transport.Health
	wake       chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watch   chan struct{} // closed and replaced on every channel change
}

// New creates an engine over node. The node is not started until the first
// Share, Join, or explicit Start.
func New(node transport.Node, opts Options) *Engine {
	if opts.SenderID == "" {
		opts.SenderID = NewSenderID()
	}
	if opts.UnshareGrace <= 0 {
		opts.UnshareGrace = DefaultUnshareGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("sender", opts.SenderID)

	e := &Engine{
		opts:     opts,
		logger:   logger,
		senderID: opts.SenderID,
		clock:    NewClock(opts.Now),
		adapter:  transport.NewAdapter(node, logger),
		agg:      status.NewAggregator(),
		pending:  queue.New[ShareRequest](),
		wake:     make(chan struct{}, 1),
		watch:    make(chan struct{}),
	}

	ledgerOpts := []ledger.Option{
		ledger.WithCapacity(opts.LedgerCapacity),
		ledger.WithTrimRatio(opts.LedgerTrimRatio),
	}
	if opts.Watermarks != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithAdvanceHook(e.saveWatermark))
	}
	e.ledger = ledger.New(opts.SenderID, ledgerOpts...)

	e.registry = channel.NewRegistry(e.adapter, channel.Options{
		Logger:   logger,
		Inbound:  e.handleInbound,
		OnChange: e.channelsChanged,
	})
	if opts.OnStatus != nil {
		e.agg.OnChange(opts.OnStatus)
	}
	return e
}

// SenderID returns the engine's wire identity.
func (e *Engine) SenderID() string { return e.senderID }

// Ledger exposes the de-duplication ledger for inspection.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Start connects the transport node and starts the drain loop. It is called
// implicitly by Share and Join; calling it again is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}

	if e.opts.Watermarks != nil {
		wms, err := e.opts.Watermarks.LoadWatermarks(ctx)
		if err != nil {
			return fmt.Errorf("load watermarks: %w", err)
		}
		e.ledger.Restore(wms)
	}

	health, err := e.adapter.Connect(ctx)
	if err != nil {
		serr := transportErr("start", "", err)
		e.reportError(serr)
		return serr
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.started = true

	e.wg.Add(2)
	go e.nodeLoop(runCtx, health)
	go e.drainLoop(runCtx)

	e.logger.Info("engine started")
	return nil
}

// nodeLoop tracks node-level health and wakes the drain loop whenever the
// node becomes usable.
func (e *Engine) nodeLoop(ctx context.Context, health <-chan transport.Health) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-health:
			if !ok {
				e.nodeHealth.Store(int32(transport.HealthNone))
				return
			}
			prev := transport.Health(e.nodeHealth.Swap(int32(h)))
			if prev != h {
				e.logger.Info("node health", "from", prev, "to", h)
			}
			if h != transport.HealthNone {
				e.poke()
			}
		}
	}
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// connected reports whether the node is started and not disconnected.
func (e *Engine) connected() bool {
	return transport.Health(e.nodeHealth.Load()) != transport.HealthNone
}

// Connected reports whether the node currently has any connectivity.
func (e *Engine) Connected() bool {
	return e.connected()
}

// Status returns the aggregate connection state across all channels.
func (e *Engine) Status() status.State {
	return e.agg.Current()
}

// ChannelInfo describes one active channel.
type ChannelInfo struct {
	CalendarID string
	Topic      string
	State      status.State
	Private    bool
}

// Channels lists active channels sorted by calendar id.
func (e *Engine) Channels() []ChannelInfo {
	ids := e.registry.IDs()
	out := make([]ChannelInfo, 0, len(ids))
	for _, id := range ids {
		c, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		out = append(out, ChannelInfo{CalendarID: id, Topic: c.Topic, State: c.State(), Private: c.Private()})
	}
	return out
}

// HasChannel reports whether calendarID currently has a channel.
func (e *Engine) HasChannel(calendarID string) bool {
	_, ok := e.registry.Get(calendarID)
	return ok
}

// WaitChannel blocks until calendarID has a channel or ctx ends.
func (e *Engine) WaitChannel(ctx context.Context, calendarID string) error {
	for {
		e.mu.Lock()
		watch := e.watch
		e.mu.Unlock()

		if e.HasChannel(calendarID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watch:
		}
	}
}

// channelsChanged recomputes the aggregate and wakes WaitChannel callers.
func (e *Engine) channelsChanged() {
	states := e.registry.States()
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]status.State, 0, len(ids))
	for _, id := range ids {
		list = append(list, states[id])
	}
	if next, changed := e.agg.Recompute(list); changed {
		e.logger.Info("connection status", "status", next, "channels", len(list))
	}

	e.mu.Lock()
	close(e.watch)
	e.watch = make(chan struct{})
	e.mu.Unlock()
}

func (e *Engine) reportError(err error) {
	e.logger.Error("sync error", "error", err)
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
}

func (e *Engine) saveWatermark(calendarID string, ts int64) {
	if err := e.opts.Watermarks.SaveWatermark(context.Background(), calendarID, ts); err != nil {
		e.logger.Warn("persist watermark", "calendar", calendarID, "error", err)
	}
}

// Close tears down every channel and stops the node. Queued share requests
// are discarded. In-flight publishes are not waited for.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	e.pending.Close()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.registry.Close()
	err := e.adapter.Disconnect()
	e.logger.Info("engine stopped")
	return err
}
