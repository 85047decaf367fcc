// Package engine implements the meshcal synchronization engine.
//
// The engine keeps one transport channel per shared calendar and exchanges
// action envelopes on it. It is the only component that talks to the
// network; callers drive it through share/join and mutation operations and
// receive remote actions through a Router.
//
// Outbound path:
//
//	operation -> envelope (sender id, monotonic ms timestamp)
//	          -> wire.Encode -> channel.Registry.Publish -> transport
//
// Inbound path, per channel read loop:
//
//	payload -> wire.Decode -> bind to the channel's calendar
//	        -> ledger.Check (self, duplicate, stale) -> Router.Route
//
// Node lifecycle:
// The transport node starts lazily on the first Share or Join. Share
// requests queue in FIFO order until the node reports any health above
// none; a single drain goroutine then opens each channel and runs the
// initial sync. Requests made while the node is healthy go through the same
// queue, so ordering is preserved across reconnects.
//
// Error policy:
// Nothing in the engine is fatal. Operations report success as a bool;
// transport failures additionally go to Options.OnError. Undecodable or
// unopenable inbound payloads are dropped and logged.
package engine
