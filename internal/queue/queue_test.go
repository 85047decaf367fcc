package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_EnqueueDequeue(t *testing.T) {
	q := New[string]()

	require.True(t, q.Enqueue("a"), "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, "a", got)
}

func TestFIFO_Order(t *testing.T) {
	q := New[int]()
	for i := 1; i <= 3; i++ {
		q.Enqueue(i)
	}

	for want := 1; want <= 3; want++ {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestFIFO_TryDequeue_Empty(t *testing.T) {
	q := New[int]()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestFIFO_WaitSignalsAfterEnqueue(t *testing.T) {
	q := New[int]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(7)
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("wait did not signal")
	}
	got, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 7, got)
}

func TestFIFO_CloseWakesWaitersAndRejectsEnqueue(t *testing.T) {
	q := New[int]()
	q.Enqueue(1)

	done := make(chan struct{})
	go func() {
		<-q.Wait() // consumes the pending signal
		<-q.Wait() // only returns once closed
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiter")
	}
	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(2), "enqueue after close should fail")

	// Items queued before Close remain available.
	got, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 1, got)

	// Double close is a no-op.
	q.Close()
}

func TestFIFO_ConcurrentProducers(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, q.Len())
}
