// Package memnet is an in-process pub/sub network implementing
// transport.Node. Every publish is delivered to all online members of the
// topic, the publisher included. A bounded per-topic history is replayed to
// each new subscription, standing in for a relay's store.
package memnet

import (
	"context"
	"sync"

	"github.com/roach88/meshcal/internal/queue"
	"github.com/roach88/meshcal/internal/transport"
)

// DefaultHistory is the number of payloads retained per topic.
const DefaultHistory = 256

// Network is a set of nodes sharing topics.
type Network struct {
	mu      sync.Mutex
	history int
	nodes   map[*Node]struct{}
	topics  map[string]*topicState
}

type topicState struct {
	history [][]byte
	members map[*member]struct{}
}

// Option configures a Network.
type Option func(*Network)

// WithHistory sets the per-topic history length. Zero disables replay.
func WithHistory(n int) Option {
	return func(net *Network) {
		if n >= 0 {
			net.history = n
		}
	}
}

// NewNetwork creates an empty network.
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		history: DefaultHistory,
		nodes:   make(map[*Node]struct{}),
		topics:  make(map[string]*topicState),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NewNode attaches a new, not yet started node.
func (n *Network) NewNode(name string) *Node {
	node := &Node{net: n, name: name, members: make(map[string]*member)}
	n.mu.Lock()
	n.nodes[node] = struct{}{}
	n.mu.Unlock()
	return node
}

// History returns a copy of a topic's retained payloads.
func (n *Network) History(topic string) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	ts, ok := n.topics[topic]
	if !ok {
		return nil
	}
	out := make([][]byte, len(ts.history))
	copy(out, ts.history)
	return out
}

// refreshLocked recomputes node and topic health for every node.
// Caller holds n.mu.
func (n *Network) refreshLocked() {
	online := 0
	for node := range n.nodes {
		if node.isOnline() {
			online++
		}
	}
	for node := range n.nodes {
		if node.health == nil {
			continue
		}
		switch {
		case !node.isOnline():
			node.health.Set(transport.HealthNone)
		case online >= 2:
			node.health.Set(transport.HealthSufficient)
		default:
			node.health.Set(transport.HealthMinimal)
		}
	}
	for _, ts := range n.topics {
		peers := 0
		for m := range ts.members {
			if m.node.isOnline() {
				peers++
			}
		}
		for m := range ts.members {
			if !m.node.isOnline() {
				m.health.Set(transport.HealthNone)
				continue
			}
			m.health.Set(transport.HealthForPeers(peers))
		}
	}
}

// Node is one participant. Its fields are guarded by the network mutex.
type Node struct {
	net     *Network
	name    string
	started bool
	stopped bool
	offline bool
	health  *transport.HealthCell
	members map[string]*member
}

var _ transport.Node = (*Node)(nil)

// Name returns the node's label.
func (node *Node) Name() string { return node.name }

func (node *Node) isOnline() bool {
	return node.started && !node.stopped && !node.offline
}

// Start implements transport.Node.
func (node *Node) Start(ctx context.Context) (<-chan transport.Health, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := node.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if node.stopped {
		return nil, transport.ErrClosed
	}
	if node.started {
		return nil, transport.ErrClosed
	}
	node.started = true
	node.health = transport.NewHealthCell(transport.HealthNone)
	n.refreshLocked()
	return node.health.C(), nil
}

// SetOnline simulates a partition of this node. Offline nodes neither send
// nor receive, and report HealthNone for the node and every topic.
func (node *Node) SetOnline(online bool) {
	n := node.net
	n.mu.Lock()
	defer n.mu.Unlock()
	node.offline = !online
	n.refreshLocked()
}

// Join implements transport.Node. Joining a topic twice returns the
// existing membership.
func (node *Node) Join(ctx context.Context, topic string) (transport.Topic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := node.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if !node.started || node.stopped {
		return nil, transport.ErrNotConnected
	}
	if m, ok := node.members[topic]; ok {
		return m, nil
	}
	ts, ok := n.topics[topic]
	if !ok {
		ts = &topicState{members: make(map[*member]struct{})}
		n.topics[topic] = ts
	}
	m := &member{
		node:   node,
		topic:  topic,
		health: transport.NewHealthCell(transport.HealthNone),
		subs:   make(map[*subscription]struct{}),
	}
	ts.members[m] = struct{}{}
	node.members[topic] = m
	n.refreshLocked()
	return m, nil
}

// Stop implements transport.Node.
func (node *Node) Stop() error {
	n := node.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if node.stopped {
		return nil
	}
	node.stopped = true
	for _, m := range node.members {
		m.leaveLocked()
	}
	n.refreshLocked()
	if node.health != nil {
		node.health.Close()
	}
	return nil
}

// member is a node's membership of one topic.
type member struct {
	node   *Node
	topic  string
	health *transport.HealthCell
	left   bool
	subs   map[*subscription]struct{}
}

type subscription struct {
	q *queue.FIFO[[]byte]
}

func (m *member) Name() string { return m.topic }

func (m *member) Health() <-chan transport.Health { return m.health.C() }

// Publish delivers payload to every online member and records it in history.
func (m *member) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := m.node.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if m.left {
		return transport.ErrClosed
	}
	if !m.node.isOnline() {
		return transport.ErrNotConnected
	}
	ts := n.topics[m.topic]
	data := append([]byte(nil), payload...)
	if n.history > 0 {
		ts.history = append(ts.history, data)
		if over := len(ts.history) - n.history; over > 0 {
			ts.history = append([][]byte(nil), ts.history[over:]...)
		}
	}
	for peer := range ts.members {
		if !peer.node.isOnline() {
			continue
		}
		for sub := range peer.subs {
			sub.q.Enqueue(data)
		}
	}
	return nil
}

// Subscribe implements transport.Topic. Retained history is queued ahead of
// live traffic.
func (m *member) Subscribe(ctx context.Context) (<-chan []byte, error) {
	n := m.node.net
	n.mu.Lock()
	if m.left {
		n.mu.Unlock()
		return nil, transport.ErrClosed
	}
	sub := &subscription{q: queue.New[[]byte]()}
	if m.node.isOnline() {
		for _, payload := range n.topics[m.topic].history {
			sub.q.Enqueue(payload)
		}
	}
	m.subs[sub] = struct{}{}
	n.mu.Unlock()

	return transport.Stream(ctx, sub.q, func() {
		n.mu.Lock()
		delete(m.subs, sub)
		n.mu.Unlock()
	}), nil
}

// Leave implements transport.Topic.
func (m *member) Leave() error {
	n := m.node.net
	n.mu.Lock()
	defer n.mu.Unlock()
	m.leaveLocked()
	n.refreshLocked()
	return nil
}

func (m *member) leaveLocked() {
	if m.left {
		return
	}
	m.left = true
	if ts, ok := m.node.net.topics[m.topic]; ok {
		delete(ts.members, m)
	}
	delete(m.node.members, m.topic)
	for sub := range m.subs {
		sub.q.Close()
	}
	m.health.Close()
}
