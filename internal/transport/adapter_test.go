package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshcal/internal/transport"
	"github.com/roach88/meshcal/internal/transport/memnet"
)

func TestAdapter_ConnectIsIdempotent(t *testing.T) {
	net := memnet.NewNetwork()
	a := transport.NewAdapter(net.NewNode("a"), nil)
	defer a.Disconnect()

	h1, err := a.Connect(context.Background())
	require.NoError(t, err)
	h2, err := a.Connect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, a.Connected())
}

func TestAdapter_OpenBeforeConnect(t *testing.T) {
	a := transport.NewAdapter(memnet.NewNetwork().NewNode("a"), nil)

	_, err := a.OpenChannel(context.Background(), "topic", nil)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestAdapter_PrivateChannelRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := memnet.NewNetwork()

	a := transport.NewAdapter(net.NewNode("a"), nil)
	b := transport.NewAdapter(net.NewNode("b"), nil)
	defer a.Disconnect()
	defer b.Disconnect()
	_, err := a.Connect(ctx)
	require.NoError(t, err)
	_, err = b.Connect(ctx)
	require.NoError(t, err)

	key, err := transport.DeriveKey("secret", "cal-1")
	require.NoError(t, err)

	ha, err := a.OpenChannel(ctx, "topic", key)
	require.NoError(t, err)
	hb, err := b.OpenChannel(ctx, "topic", key)
	require.NoError(t, err)
	assert.True(t, ha.Private())

	in, err := hb.Subscribe(ctx)
	require.NoError(t, err)

	ref, err := a.Publish(ctx, ha, []byte("meeting"))
	require.NoError(t, err)
	assert.Len(t, string(ref), 16)

	select {
	case p := <-in:
		assert.Equal(t, []byte("meeting"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("no payload")
	}

	for _, raw := range net.History("topic") {
		assert.NotContains(t, string(raw), "meeting", "history holds sealed bytes")
	}
}

func TestAdapter_DropsUnsealablePayloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := memnet.NewNetwork()

	plain := transport.NewAdapter(net.NewNode("plain"), nil)
	sealed := transport.NewAdapter(net.NewNode("sealed"), nil)
	defer plain.Disconnect()
	defer sealed.Disconnect()
	_, _ = plain.Connect(ctx)
	_, _ = sealed.Connect(ctx)

	key, _ := transport.DeriveKey("secret", "cal-1")
	hp, err := plain.OpenChannel(ctx, "topic", nil)
	require.NoError(t, err)
	hs, err := sealed.OpenChannel(ctx, "topic", key)
	require.NoError(t, err)

	in, err := hs.Subscribe(ctx)
	require.NoError(t, err)

	_, err = plain.Publish(ctx, hp, []byte("garbage"))
	require.NoError(t, err)
	_, err = sealed.Publish(ctx, hs, []byte("real"))
	require.NoError(t, err)

	select {
	case p := <-in:
		assert.Equal(t, []byte("real"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("no payload")
	}
}

func TestAdapter_RejectsBadKeyAndPublishAfterDisconnect(t *testing.T) {
	ctx := context.Background()
	a := transport.NewAdapter(memnet.NewNetwork().NewNode("a"), nil)
	_, err := a.Connect(ctx)
	require.NoError(t, err)

	_, err = a.OpenChannel(ctx, "topic", []byte("short"))
	assert.Error(t, err)

	h, err := a.OpenChannel(ctx, "topic", nil)
	require.NoError(t, err)
	require.NoError(t, a.Disconnect())

	_, err = a.Publish(ctx, h, []byte("x"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	_, err = a.Connect(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
}
