package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// MessageRef identifies a published payload in logs.
type MessageRef string

// Adapter is the engine's view of the network: it starts the node lazily,
// opens one Handle per calendar channel, and seals payloads on private
// channels.
type Adapter struct {
	node   Node
	logger *slog.Logger

	mu      sync.Mutex
	health  <-chan Health
	stopped bool
}

// NewAdapter wraps node. A nil logger uses slog.Default().
func NewAdapter(node Node, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{node: node, logger: logger}
}

// Connect starts the node on first call and returns its health stream.
// Later calls return the same stream.
func (a *Adapter) Connect(ctx context.Context) (<-chan Health, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil, ErrClosed
	}
	if a.health != nil {
		return a.health, nil
	}
	h, err := a.node.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	a.health = h
	a.logger.Info("transport node started")
	return h, nil
}

// Connected reports whether Connect has succeeded and Disconnect has not run.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health != nil && !a.stopped
}

// Handle is an open channel on one topic.
type Handle struct {
	topic  Topic
	key    []byte
	logger *slog.Logger
}

// Topic returns the topic name.
func (h *Handle) Topic() string { return h.topic.Name() }

// Private reports whether payloads on this handle are sealed.
func (h *Handle) Private() bool { return h.key != nil }

// Health carries the topic's latest health.
func (h *Handle) Health() <-chan Health { return h.topic.Health() }

// Subscribe starts an inbound stream of opened payloads. Payloads that fail
// to open are dropped and logged.
func (h *Handle) Subscribe(ctx context.Context) (<-chan []byte, error) {
	raw, err := h.topic.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	if h.key == nil {
		return raw, nil
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for payload := range raw {
			pt, err := Open(h.key, payload, []byte(h.topic.Name()))
			if err != nil {
				h.logger.Warn("dropping unsealable payload", "topic", h.topic.Name(), "size", len(payload))
				continue
			}
			select {
			case out <- pt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// OpenChannel joins topic. A non-nil key (see DeriveKey) seals every payload.
func (a *Adapter) OpenChannel(ctx context.Context, topic string, key []byte) (*Handle, error) {
	if !a.Connected() {
		return nil, ErrNotConnected
	}
	if key != nil && len(key) != KeySize {
		return nil, fmt.Errorf("channel key must be %d bytes, got %d", KeySize, len(key))
	}
	t, err := a.node.Join(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}
	return &Handle{topic: t, key: key, logger: a.logger}, nil
}

// Publish sends payload on h, sealing it first when h is private.
func (a *Adapter) Publish(ctx context.Context, h *Handle, payload []byte) (MessageRef, error) {
	if h == nil {
		return "", errors.New("nil channel handle")
	}
	if !a.Connected() {
		return "", ErrNotConnected
	}
	data := payload
	if h.key != nil {
		sealed, err := Seal(h.key, payload, []byte(h.topic.Name()))
		if err != nil {
			return "", fmt.Errorf("seal: %w", err)
		}
		data = sealed
	}
	if err := h.topic.Publish(ctx, data); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return MessageRef(hex.EncodeToString(sum[:8])), nil
}

// CloseChannel leaves the handle's topic.
func (a *Adapter) CloseChannel(h *Handle) error {
	if h == nil {
		return nil
	}
	return h.topic.Leave()
}

// Disconnect stops the node. The adapter cannot be reconnected.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil
	}
	a.stopped = true
	if a.health == nil {
		return nil
	}
	a.logger.Info("transport node stopping")
	return a.node.Stop()
}
