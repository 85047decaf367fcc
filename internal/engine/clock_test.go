package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_StrictlyIncreasingWithinMillisecond(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	c := NewClock(func() time.Time { return fixed })

	assert.Equal(t, int64(1_700_000_000_000), c.Next())
	assert.Equal(t, int64(1_700_000_000_001), c.Next())
	assert.Equal(t, int64(1_700_000_000_002), c.Next())
	assert.Equal(t, int64(1_700_000_000_002), c.Current())
}

func TestClock_FollowsWallClock(t *testing.T) {
	now := time.UnixMilli(1000)
	c := NewClock(func() time.Time { return now })

	assert.Equal(t, int64(1000), c.Next())
	now = time.UnixMilli(5000)
	assert.Equal(t, int64(5000), c.Next())
	now = time.UnixMilli(10) // wall clock stepped back
	assert.Equal(t, int64(5001), c.Next())
}

func TestClock_ConcurrentUnique(t *testing.T) {
	c := NewClock(func() time.Time { return time.UnixMilli(42) })

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ts := c.Next()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 800)
}
