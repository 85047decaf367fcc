package transport

import (
	"context"

	"github.com/roach88/meshcal/internal/queue"
)

// Stream drains q into the returned channel until ctx is done or q is closed
// and empty. onDone runs once the stream ends, before the channel closes.
// Networks use it to turn per-subscriber queues into Subscribe results.
func Stream(ctx context.Context, q *queue.FIFO[[]byte], onDone func()) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer func() {
			if onDone != nil {
				onDone()
			}
			q.Close()
			close(out)
		}()

		for {
			for payload, ok := q.TryDequeue(); ok; payload, ok = q.TryDequeue() {
				select {
				case out <- payload:
				case <-ctx.Done():
					return
				}
			}
			if q.Closed() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-q.Wait():
			}
		}
	}()
	return out
}
