package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/roach88/meshcal/internal/queue"
	"github.com/roach88/meshcal/internal/transport"
)

// backlogLimit bounds payloads held for a topic with no active subscriber.
const backlogLimit = 1024

// Node is a relay client implementing transport.Node. It reconnects with
// backoff after the connection drops and re-subscribes its topics.
type Node struct {
	url       string
	dialRetry transport.RetryConfig
	redial    transport.RetryConfig
	logger    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	health  *transport.HealthCell
	topics  map[string]*clientTopic
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ transport.Node = (*Node)(nil)

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithLogger sets the node's logger.
func WithLogger(l *slog.Logger) NodeOption {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithRetry sets the backoff for the initial dial and for reconnects.
func WithRetry(dial, redial transport.RetryConfig) NodeOption {
	return func(n *Node) {
		n.dialRetry = dial
		n.redial = redial
	}
}

// NewNode creates a client for the hub at url (ws:// or wss://, including
// Path).
func NewNode(url string, opts ...NodeOption) *Node {
	redial := transport.DefaultRetryConfig()
	redial.MaxAttempts = 0
	n := &Node{
		url:       url,
		dialRetry: transport.DefaultRetryConfig(),
		redial:    redial,
		logger:    slog.Default(),
		topics:    make(map[string]*clientTopic),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Node) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, n.url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(MaxFrameSize)
	return conn, nil
}

// Start implements transport.Node.
func (n *Node) Start(ctx context.Context) (<-chan transport.Health, error) {
	n.mu.Lock()
	if n.started || n.stopped {
		n.mu.Unlock()
		return nil, transport.ErrClosed
	}
	n.started = true
	n.mu.Unlock()

	conn, err := transport.WithRetry(ctx, n.dialRetry, "dial relay", n.dial)
	if err != nil {
		n.mu.Lock()
		n.started = false
		n.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.mu.Lock()
	n.conn = conn
	n.cancel = cancel
	n.done = make(chan struct{})
	n.health = transport.NewHealthCell(transport.HealthSufficient)
	health := n.health.C()
	n.mu.Unlock()

	n.logger.Info("connected to relay", "url", n.url)
	go n.run(runCtx, conn)
	return health, nil
}

// run reads frames until the connection drops, then redials until ctx ends.
func (n *Node) run(ctx context.Context, conn *websocket.Conn) {
	defer close(n.done)
	b := transport.NewBackoff(n.redial)

	for {
		err := n.readLoop(ctx, conn)
		n.setDisconnected()
		if ctx.Err() != nil {
			return
		}
		n.logger.Warn("relay connection lost", "url", n.url, "error", err)

		for {
			if transport.Sleep(ctx, b.Next()) != nil {
				return
			}
			next, err := n.dial(ctx)
			if err != nil {
				n.logger.Debug("relay redial failed", "url", n.url, "error", err)
				continue
			}
			conn = next
			break
		}
		b.Reset()
		n.setConnected(ctx, conn)
		n.logger.Info("reconnected to relay", "url", n.url)
	}
}

func (n *Node) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			n.logger.Warn("malformed relay frame", "error", err)
			continue
		}
		switch f.Op {
		case opMsg:
			if t := n.topic(f.Topic); t != nil {
				t.deliver(f.Data)
			}
		case opPeers:
			if t := n.topic(f.Topic); t != nil {
				t.health.Set(transport.HealthForPeers(f.Count))
			}
		case opErr:
			n.logger.Warn("relay error", "topic", f.Topic, "error", f.Error)
		}
	}
}

func (n *Node) topic(name string) *clientTopic {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.topics[name]
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conn = nil
	n.health.Set(transport.HealthNone)
	for _, t := range n.topics {
		t.health.Set(transport.HealthNone)
	}
}

func (n *Node) setConnected(ctx context.Context, conn *websocket.Conn) {
	n.mu.Lock()
	n.conn = conn
	names := make([]string, 0, len(n.topics))
	for name := range n.topics {
		names = append(names, name)
	}
	n.health.Set(transport.HealthSufficient)
	n.mu.Unlock()

	for _, name := range names {
		if err := n.send(ctx, frame{Op: opSub, Topic: name}); err != nil {
			n.logger.Warn("resubscribe failed", "topic", name, "error", err)
		}
	}
}

func (n *Node) send(ctx context.Context, f frame) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	return nil
}

// Join implements transport.Node.
func (n *Node) Join(ctx context.Context, name string) (transport.Topic, error) {
	n.mu.Lock()
	if !n.started || n.stopped {
		n.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	if t, ok := n.topics[name]; ok {
		n.mu.Unlock()
		return t, nil
	}
	t := &clientTopic{
		node:   n,
		name:   name,
		health: transport.NewHealthCell(transport.HealthNone),
		subs:   make(map[*queue.FIFO[[]byte]]struct{}),
	}
	n.topics[name] = t
	n.mu.Unlock()

	// A failed sub is retried by the reconnect path.
	if err := n.send(ctx, frame{Op: opSub, Topic: name}); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return nil, err
	}
	return t, nil
}

// Stop implements transport.Node.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	conn, cancel, done := n.conn, n.cancel, n.done
	topics := make([]*clientTopic, 0, len(n.topics))
	for _, t := range n.topics {
		topics = append(topics, t)
	}
	n.topics = make(map[string]*clientTopic)
	n.mu.Unlock()

	for _, t := range topics {
		t.close()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	if done != nil {
		<-done
	}
	if n.health != nil {
		n.health.Close()
	}
	return nil
}

// clientTopic is a joined topic. Payloads arriving while nobody subscribes
// are held in a bounded backlog for the next subscriber.
type clientTopic struct {
	node   *Node
	name   string
	health *transport.HealthCell

	mu      sync.Mutex
	left    bool
	subs    map[*queue.FIFO[[]byte]]struct{}
	backlog [][]byte
}

func (t *clientTopic) Name() string { return t.name }

func (t *clientTopic) Health() <-chan transport.Health { return t.health.C() }

func (t *clientTopic) deliver(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.left {
		return
	}
	if len(t.subs) == 0 {
		t.backlog = append(t.backlog, data)
		if over := len(t.backlog) - backlogLimit; over > 0 {
			t.backlog = append([][]byte(nil), t.backlog[over:]...)
		}
		return
	}
	for q := range t.subs {
		q.Enqueue(data)
	}
}

func (t *clientTopic) Publish(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	left := t.left
	t.mu.Unlock()
	if left {
		return transport.ErrClosed
	}
	return t.node.send(ctx, frame{Op: opPub, Topic: t.name, Data: payload})
}

func (t *clientTopic) Subscribe(ctx context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.left {
		return nil, transport.ErrClosed
	}
	q := queue.New[[]byte]()
	for _, p := range t.backlog {
		q.Enqueue(p)
	}
	t.backlog = nil
	t.subs[q] = struct{}{}

	return transport.Stream(ctx, q, func() {
		t.mu.Lock()
		delete(t.subs, q)
		t.mu.Unlock()
	}), nil
}

func (t *clientTopic) Leave() error {
	n := t.node
	n.mu.Lock()
	if n.topics[t.name] == t {
		delete(n.topics, t.name)
	}
	n.mu.Unlock()

	if !t.close() {
		return nil
	}
	err := n.send(context.Background(), frame{Op: opUnsub, Topic: t.name})
	if errors.Is(err, transport.ErrNotConnected) {
		return nil
	}
	return err
}

// close ends every stream; false if already closed.
func (t *clientTopic) close() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.left {
		return false
	}
	t.left = true
	for q := range t.subs {
		q.Close()
	}
	t.backlog = nil
	t.health.Close()
	return true
}
