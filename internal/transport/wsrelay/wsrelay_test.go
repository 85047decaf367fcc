package wsrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshcal/internal/transport"
)

func fastRetry() transport.RetryConfig {
	return transport.RetryConfig{MaxAttempts: 3, InitialWait: 5 * time.Millisecond, MaxWait: 20 * time.Millisecond, Multiplier: 2}
}

func startHub(t *testing.T, cfg HubConfig) (*Hub, *httptest.Server, string) {
	t.Helper()
	hub := NewHub(cfg)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return hub, srv, "ws" + strings.TrimPrefix(srv.URL, "http") + Path
}

func startNode(t *testing.T, url string) (*Node, <-chan transport.Health) {
	t.Helper()
	redial := fastRetry()
	redial.MaxAttempts = 0
	n := NewNode(url, WithRetry(fastRetry(), redial))
	h, err := n.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop() })
	return n, h
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "stream closed")
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func waitHealth(t *testing.T, ch <-chan transport.Health, want transport.Health) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case h, ok := <-ch:
			require.True(t, ok, "health closed")
			if h == want {
				return
			}
		case <-deadline:
			t.Fatalf("health never reached %s", want)
		}
	}
}

func TestRelay_PublishReachesAllSubscribers(t *testing.T) {
	hub, _, url := startHub(t, DefaultHubConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := startNode(t, url)
	b, _ := startNode(t, url)

	ta, err := a.Join(ctx, "topic")
	require.NoError(t, err)
	tb, err := b.Join(ctx, "topic")
	require.NoError(t, err)

	sa, err := ta.Subscribe(ctx)
	require.NoError(t, err)
	sb, err := tb.Subscribe(ctx)
	require.NoError(t, err)

	waitHealth(t, ta.Health(), transport.HealthSufficient)
	assert.Equal(t, 2, hub.Peers("topic"))

	require.NoError(t, ta.Publish(ctx, []byte("hello")))
	assert.Equal(t, []byte("hello"), recv(t, sb))
	assert.Equal(t, []byte("hello"), recv(t, sa), "publisher receives its own message")
}

func TestRelay_OversizedPublishRejected(t *testing.T) {
	_, _, url := startHub(t, DefaultHubConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := startNode(t, url)
	ta, err := a.Join(ctx, "topic")
	require.NoError(t, err)
	sa, err := ta.Subscribe(ctx)
	require.NoError(t, err)
	waitHealth(t, ta.Health(), transport.HealthMinimal)

	big := make([]byte, MaxFrameSize*3/4)
	assert.ErrorIs(t, ta.Publish(ctx, big), ErrFrameTooLarge)

	// The connection stays up for later publishes.
	require.NoError(t, ta.Publish(ctx, []byte("small")))
	assert.Equal(t, []byte("small"), recv(t, sa))
}

func TestRelay_HistoryReplayedOnJoin(t *testing.T) {
	_, _, url := startHub(t, HubConfig{History: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := startNode(t, url)
	ta, err := a.Join(ctx, "topic")
	require.NoError(t, err)
	waitHealth(t, ta.Health(), transport.HealthMinimal)
	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, ta.Publish(ctx, []byte(p)))
	}
	sa, err := ta.Subscribe(ctx)
	require.NoError(t, err)
	recv(t, sa)
	recv(t, sa)
	recv(t, sa)

	b, _ := startNode(t, url)
	tb, err := b.Join(ctx, "topic")
	require.NoError(t, err)
	sb, err := tb.Subscribe(ctx)
	require.NoError(t, err)

	assert.Equal(t, []byte("2"), recv(t, sb))
	assert.Equal(t, []byte("3"), recv(t, sb))
}

func TestRelay_RateLimit(t *testing.T) {
	_, _, url := startHub(t, HubConfig{PublishRate: 0.001, PublishBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := startNode(t, url)
	ta, err := a.Join(ctx, "topic")
	require.NoError(t, err)
	sa, err := ta.Subscribe(ctx)
	require.NoError(t, err)
	waitHealth(t, ta.Health(), transport.HealthMinimal)

	require.NoError(t, ta.Publish(ctx, []byte("first")))
	require.NoError(t, ta.Publish(ctx, []byte("second")))

	assert.Equal(t, []byte("first"), recv(t, sa))
	select {
	case p := <-sa:
		t.Fatalf("rate limited publish delivered: %q", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelay_ReconnectResubscribes(t *testing.T) {
	hub, _, url := startHub(t, HubConfig{History: 16})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := startNode(t, url)
	ta, err := a.Join(ctx, "topic")
	require.NoError(t, err)
	sa, err := ta.Subscribe(ctx)
	require.NoError(t, err)
	waitHealth(t, ta.Health(), transport.HealthMinimal)

	hub.CloseConnections()

	// Publishes fail until the node has redialled.
	require.Eventually(t, func() bool {
		return ta.Publish(ctx, []byte("after")) == nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []byte("after"), recv(t, sa), "local stream survives reconnect")
	require.Eventually(t, func() bool { return hub.Peers("topic") == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestRelay_LeaveUnsubscribes(t *testing.T) {
	hub, _, url := startHub(t, HubConfig{})
	ctx := context.Background()

	a, _ := startNode(t, url)
	ta, err := a.Join(ctx, "topic")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Peers("topic") == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, ta.Leave())

	require.Eventually(t, func() bool { return hub.Peers("topic") == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, ta.Publish(ctx, []byte("x")), transport.ErrClosed)
}

func TestNode_StartFailsWithoutHub(t *testing.T) {
	n := NewNode("ws://127.0.0.1:1"+Path, WithRetry(fastRetry(), fastRetry()))

	_, err := n.Start(context.Background())
	assert.Error(t, err)
}

func TestHub_Healthz(t *testing.T) {
	_, srv, _ := startHub(t, HubConfig{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
