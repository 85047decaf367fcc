// Package transport is the boundary between the sync engine and the
// pub/sub network that carries calendar topics.
//
// A Node is one process's connection to the network. Topics are joined
// through the node and yield raw payloads; they make no delivery or
// ordering promises beyond "eventually, possibly more than once, possibly
// out of order". Health is reported as a tri-state stream per node and per
// topic.
//
// Two networks ship with meshcal: memnet (in-process, used by tests) and
// wsrelay (a websocket relay hub). The Adapter wraps either one with the
// operations the engine needs, including sealing of private channels.
package transport

import (
	"context"
	"errors"
)

// Health is a node's or topic's connectivity as reported by the network.
type Health int

const (
	HealthNone Health = iota
	HealthMinimal
	HealthSufficient
)

func (h Health) String() string {
	switch h {
	case HealthNone:
		return "none"
	case HealthMinimal:
		return "minimal"
	case HealthSufficient:
		return "sufficient"
	default:
		return "unknown"
	}
}

// HealthForPeers maps the number of online members of a topic (self
// included) to a Health: two or more is sufficient, self alone is minimal.
func HealthForPeers(n int) Health {
	switch {
	case n >= 2:
		return HealthSufficient
	case n == 1:
		return HealthMinimal
	default:
		return HealthNone
	}
}

// Sentinel errors shared by all networks.
var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
)

// Node is a process's handle on the network.
type Node interface {
	// Start connects the node. The returned channel carries the latest node
	// health and is closed by Stop. Calling Start twice is an error.
	Start(ctx context.Context) (<-chan Health, error)

	// Join creates this node's membership of a topic.
	Join(ctx context.Context, topic string) (Topic, error)

	// Stop leaves every topic and disconnects.
	Stop() error
}

// Topic is one joined pub/sub topic.
type Topic interface {
	Name() string

	// Publish hands payload to the network. A nil error means the network
	// accepted it, not that any peer received it.
	Publish(ctx context.Context, payload []byte) error

	// Subscribe starts a stream of inbound payloads that ends when ctx is
	// done, the topic is left, or the node stops. Subscribing again after
	// the stream ends restarts it.
	Subscribe(ctx context.Context) (<-chan []byte, error)

	// Health carries the latest topic health; closed on Leave.
	Health() <-chan Health

	// Leave drops the membership. In-flight publishes are not cancelled.
	Leave() error
}
