package engine

import "github.com/roach88/meshcal/internal/wire"

// Router receives every admitted inbound action exactly once, after
// decoding and de-duplication. Route is called from the channel's read loop;
// slow work (persistence) should be handed off, as replica.Applier does.
// Calls for different calendars may run concurrently.
type Router interface {
	Route(env wire.Envelope)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(env wire.Envelope)

// Route implements Router.
func (f RouterFunc) Route(env wire.Envelope) { f(env) }
