package engine

import (
	"context"
	"fmt"

	"github.com/roach88/meshcal/internal/calendar"
	"github.com/roach88/meshcal/internal/sharelink"
)

// ShareRequest asks the engine to open a calendar's channel and run its
// initial sync.
type ShareRequest struct {
	Calendar      calendar.Calendar // ID, Description and ShareKey are used
	Events        []calendar.Event  // local events; only those of Calendar are sent
	ForceFullSync bool
}

// Share starts the node if needed and queues req. The channel opens once
// the node reports connectivity; use WaitChannel to block until then.
func (e *Engine) Share(ctx context.Context, req ShareRequest) error {
	if req.Calendar.ID == "" {
		return fmt.Errorf("share: empty calendar id")
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	if !e.pending.Enqueue(req) {
		return ErrClosed
	}
	e.logger.Debug("share queued", "calendar", req.Calendar.ID, "pending", e.pending.Len())
	e.poke()
	return nil
}

// Join subscribes to the calendar named by a share link. No local events
// are broadcast; history arrives from the calendar's other peers.
func (e *Engine) Join(ctx context.Context, link string) (sharelink.Link, error) {
	l, err := sharelink.Parse(link)
	if err != nil {
		return sharelink.Link{}, err
	}
	req := ShareRequest{Calendar: calendar.Calendar{
		ID:       l.CalendarID,
		Name:     l.Name,
		Private:  l.Private(),
		ShareKey: l.Key,
		Shared:   true,
	}}
	if err := e.Share(ctx, req); err != nil {
		return sharelink.Link{}, err
	}
	return l, nil
}

// Pending returns the number of queued share requests.
func (e *Engine) Pending() int {
	return e.pending.Len()
}

// drainLoop activates queued share requests in FIFO order while the node is
// connected. It is the only consumer of the pending queue.
func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		if e.connected() {
			drained := 0
			for req, ok := e.pending.TryDequeue(); ok; req, ok = e.pending.TryDequeue() {
				e.activate(ctx, req)
				drained++
			}
			if drained > 0 {
				e.logger.Info("pending shares drained", "count", drained)
			}
		}
		if e.pending.Closed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-e.pending.Wait():
		case <-e.wake:
		}
	}
}

// activate opens the channel for req and runs the initial sync. Failures
// are reported through OnError; the request is not retried.
func (e *Engine) activate(ctx context.Context, req ShareRequest) {
	cal := req.Calendar
	added, err := e.registry.Add(ctx, cal.ID, cal.ShareKey)
	if err != nil {
		e.reportError(transportErr("add channel", cal.ID, err))
		return
	}
	if !added {
		e.logger.Debug("channel already open", "calendar", cal.ID)
	}
	e.InitializeSharing(ctx, cal, req.Events, req.ForceFullSync)
}
