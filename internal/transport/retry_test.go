package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: 4 * time.Millisecond, Multiplier: 2}
}

func TestWithRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	got, err := WithRetry(context.Background(), fastRetry(3), "dial", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("refused")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUp(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), fastRetry(2), "dial", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("refused")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial: refused")
	assert.Equal(t, 2, calls)
}

func TestWithRetry_DoesNotRetryClosed(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), fastRetry(5), "dial", func(context.Context) (int, error) {
		calls++
		return 0, ErrClosed
	})

	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, calls)
}

func TestBackoff_CapsAndResets(t *testing.T) {
	b := NewBackoff(RetryConfig{InitialWait: time.Second, MaxWait: 3 * time.Second, Multiplier: 2})

	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 3*time.Second, b.Next())
	assert.Equal(t, 3*time.Second, b.Next())

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestHealthCell_LatestValue(t *testing.T) {
	c := NewHealthCell(HealthNone)
	c.Set(HealthMinimal)
	c.Set(HealthSufficient)

	assert.Equal(t, HealthSufficient, <-c.C())
	assert.Equal(t, HealthSufficient, c.Get())

	c.Set(HealthSufficient)
	select {
	case h := <-c.C():
		t.Fatalf("unexpected repeat %s", h)
	default:
	}

	c.Close()
	c.Set(HealthNone)
	_, ok := <-c.C()
	assert.False(t, ok)
}

func TestHealthForPeers(t *testing.T) {
	assert.Equal(t, HealthNone, HealthForPeers(0))
	assert.Equal(t, HealthMinimal, HealthForPeers(1))
	assert.Equal(t, HealthSufficient, HealthForPeers(3))
}
