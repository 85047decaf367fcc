package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/roach88/meshcal/internal/queue"
)

// HubConfig tunes a Hub.
type HubConfig struct {
	PublishRate  float64 // publishes per second per connection; 0 means unlimited
	PublishBurst int
	History      int // payloads retained per topic
	Logger       *slog.Logger
}

// DefaultHubConfig returns the relay defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{PublishRate: 20, PublishBurst: 40, History: 256}
}

// Hub is the relay server.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*hubTopic
	conns  map[*hubConn]struct{}
}

type hubTopic struct {
	history [][]byte
	subs    map[*hubConn]struct{}
}

type hubConn struct {
	ws      *websocket.Conn
	out     *queue.FIFO[frame]
	limiter *rate.Limiter
	topics  map[string]struct{} // guarded by Hub.mu
}

// NewHub creates a hub with no topics.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]*hubTopic),
		conns:  make(map[*hubConn]struct{}),
	}
}

// Handler returns the hub's HTTP routes: the websocket endpoint at Path and
// a plain-text health check at /healthz.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Peers returns the subscriber count of topic.
func (h *Hub) Peers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[topic]; ok {
		return len(t.subs)
	}
	return 0
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(MaxFrameSize)

	limit := rate.Inf
	if h.cfg.PublishRate > 0 {
		limit = rate.Limit(h.cfg.PublishRate)
	}
	burst := h.cfg.PublishBurst
	if burst < 1 {
		burst = 1
	}
	c := &hubConn{
		ws:      ws,
		out:     queue.New[frame](),
		limiter: rate.NewLimiter(limit, burst),
		topics:  make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("relay client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, cancel, c)

	err = h.readLoop(ctx, c)
	h.drop(c)
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		h.logger.Debug("relay client read ended", "remote", r.RemoteAddr, "error", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, c *hubConn) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.out.Enqueue(frame{Op: opErr, Error: "malformed frame"})
			continue
		}
		switch f.Op {
		case opSub:
			h.subscribe(c, f.Topic)
		case opUnsub:
			h.unsubscribe(c, f.Topic)
		case opPub:
			if !c.limiter.Allow() {
				c.out.Enqueue(frame{Op: opErr, Topic: f.Topic, Error: "rate limited"})
				continue
			}
			h.publish(f.Topic, f.Data)
		default:
			c.out.Enqueue(frame{Op: opErr, Error: "unknown op " + f.Op})
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, cancel context.CancelFunc, c *hubConn) {
	defer cancel()
	for {
		for f, ok := c.out.TryDequeue(); ok; f, ok = c.out.TryDequeue() {
			data, err := json.Marshal(f)
			if err != nil {
				h.logger.Error("marshal frame", "error", err)
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-c.out.Wait():
			if c.out.Closed() && c.out.Len() == 0 {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *hubConn, topic string) {
	if topic == "" {
		c.out.Enqueue(frame{Op: opErr, Error: "empty topic"})
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[topic]
	if !ok {
		t = &hubTopic{subs: make(map[*hubConn]struct{})}
		h.topics[topic] = t
	}
	if _, already := t.subs[c]; already {
		return
	}
	t.subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
	for _, payload := range t.history {
		c.out.Enqueue(frame{Op: opMsg, Topic: topic, Data: payload})
	}
	h.announceLocked(topic, t)
}

func (h *Hub) unsubscribe(c *hubConn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, topic)
}

func (h *Hub) unsubscribeLocked(c *hubConn, topic string) {
	t, ok := h.topics[topic]
	if !ok {
		return
	}
	if _, member := t.subs[c]; !member {
		return
	}
	delete(t.subs, c)
	delete(c.topics, topic)
	if len(t.subs) == 0 && len(t.history) == 0 {
		delete(h.topics, topic)
		return
	}
	h.announceLocked(topic, t)
}

// announceLocked sends the topic's subscriber count to every subscriber.
func (h *Hub) announceLocked(topic string, t *hubTopic) {
	for sub := range t.subs {
		sub.out.Enqueue(frame{Op: opPeers, Topic: topic, Count: len(t.subs)})
	}
}

func (h *Hub) publish(topic string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[topic]
	if !ok {
		t = &hubTopic{subs: make(map[*hubConn]struct{})}
		h.topics[topic] = t
	}
	if h.cfg.History > 0 {
		t.history = append(t.history, data)
		if over := len(t.history) - h.cfg.History; over > 0 {
			t.history = append([][]byte(nil), t.history[over:]...)
		}
	}
	for sub := range t.subs {
		sub.out.Enqueue(frame{Op: opMsg, Topic: topic, Data: data})
	}
}

func (h *Hub) drop(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range c.topics {
		h.unsubscribeLocked(c, topic)
	}
	delete(h.conns, c)
	c.out.Close()
}

// CloseConnections disconnects every client. Clients reconnect on their own
// if the hub keeps serving.
func (h *Hub) CloseConnections() {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "relay closing connections")
	}
}

// Connections returns the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
