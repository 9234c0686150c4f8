package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/propline/coord/internal/event"
)

const (
	// writeWait bounds a single frame write to a peer.
	writeWait = 10 * time.Second

	// pingPeriod is how often the write pump pings the peer. Must be
	// shorter than the server's read deadline on the other side.
	pingPeriod = 25 * time.Second

	// sendBufferSize is the per-connection outbound queue. When full,
	// Send fails instead of blocking a fan-out loop.
	sendBufferSize = 64
)

// ErrSendQueueFull is returned when a peer is too slow to drain its
// outbound queue.
var ErrSendQueueFull = errors.New("transport: send queue full")

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("transport: closed")

// WSTransport adapts a gorilla WebSocket connection to the Transport
// interface. A single write pump goroutine owns the socket for writes;
// Send only enqueues.
type WSTransport struct {
	conn *websocket.Conn

	sendCh chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewWSTransport wraps ws and starts its write pump.
func NewWSTransport(ws *websocket.Conn) *WSTransport {
	t := &WSTransport{
		conn:   ws,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	go t.writePump()
	return t
}

// Send enqueues an event for delivery. It never blocks: a full queue
// or closed transport returns an error so the router can count the
// failure and move on.
func (t *WSTransport) Send(ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.sendCh <- data:
		return nil
	case <-t.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Close shuts down the write pump and the underlying socket.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-t.sendCh:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.Close() //nolint:errcheck
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.Close() //nolint:errcheck
				return
			}
		case <-t.done:
			return
		}
	}
}
