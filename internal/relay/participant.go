package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kcall/kcall/internal/metrics"
)

// outbox is one participant's outbound queue, drained by a single pump
// goroutine. Enqueue never blocks: the registry mutex is held during
// broadcast fan-out and a slow consumer must not stall the whole room.
//
// Because each sender's read loop broadcasts sequentially and fan-out
// enqueues under the registry lock, frames from any one sender reach each
// recipient's queue in send order (per-sender FIFO).
type outbox struct {
	conn    *websocket.Conn
	metrics *metrics.Metrics

	frames chan []byte
	done   chan struct{}

	closeOnce sync.Once
}

func newOutbox(conn *websocket.Conn, m *metrics.Metrics) *outbox {
	o := &outbox{
		conn:    conn,
		metrics: m,
		frames:  make(chan []byte, outboxDepth),
		done:    make(chan struct{}),
	}
	go o.pump()
	return o
}

// Enqueue queues one frame for delivery. It reports false when the queue is
// full or the outbox is closed; the frame is dropped for this recipient only.
func (o *outbox) Enqueue(data []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}

	select {
	case o.frames <- data:
		return true
	case <-o.done:
		return false
	default:
		o.metrics.Inc(metrics.DropReasonSlowConsumer)
		return false
	}
}

func (o *outbox) pump() {
	for {
		select {
		case data := <-o.frames:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// The read loop observes the broken connection and tears the
				// session down; nothing more to deliver here.
				o.Close()
				return
			}
		case <-o.done:
			return
		}
	}
}

func (o *outbox) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
}
