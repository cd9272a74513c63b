package bridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	sendChSize   = 1024
	recvChSize   = 256
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
)

// wsTransport carries bridge messages over a websocket with a single write
// goroutine. Dialed transports reconnect with exponential backoff; accepted
// ones close when the peer goes away.
type wsTransport struct {
	mu     sync.Mutex
	conn   *ws.Conn
	sendCh chan []byte
	recvCh chan []byte
	done   chan struct{} // closed on shutdown
	closed bool

	reconnected chan struct{} // signalled after each successful redial

	url    string // empty for accepted connections
	header http.Header
	dialer *ws.Dialer

	initialBackoff time.Duration

	logger *slog.Logger
}

func newWSTransport(logger *slog.Logger) *wsTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsTransport{
		sendCh:         make(chan []byte, sendChSize),
		recvCh:         make(chan []byte, recvChSize),
		done:           make(chan struct{}),
		reconnected:    make(chan struct{}, 1),
		dialer:         ws.DefaultDialer,
		initialBackoff: time.Second,
		logger:         logger,
	}
}

// Dial connects to a bridge endpoint and starts the read/write loops.
func Dial(rawURL string, header http.Header, logger *slog.Logger) (Transport, error) {
	t := newWSTransport(logger)
	t.url = rawURL
	t.header = header

	conn, err := t.dialOnce()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.writeLoop()
	go t.readLoop()
	return t, nil
}

// Accept upgrades an HTTP request into a bridge transport.
func Accept(w http.ResponseWriter, r *http.Request, upgrader *ws.Upgrader, logger *slog.Logger) (Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	t := newWSTransport(logger)
	t.conn = conn

	go t.writeLoop()
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) dialOnce() (*ws.Conn, error) {
	conn, _, err := t.dialer.Dial(t.url, t.header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// writeLoop drains sendCh and writes messages to the websocket. It runs for
// the lifetime of the transport; messages sent while the link is down are
// dropped.
func (t *wsTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case data := <-t.sendCh:
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()

			if conn == nil {
				t.logger.Debug("Bridge link down, dropping message")
				continue
			}

			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				t.logger.Warn("Bridge SetWriteDeadline error", "error", err)
				t.lost()
				continue
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				t.logger.Warn("Bridge write error", "error", err)
				t.lost()
				continue
			}
		}
	}
}

// readLoop forwards every text frame to recvCh.
func (t *wsTransport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.logger.Warn("Bridge read error", "error", err)
			t.lost()
			return
		}

		select {
		case t.recvCh <- message:
		case <-t.done:
			return
		default:
			t.logger.Debug("Bridge receive buffer full, dropping message")
		}
	}
}

// lost handles a broken connection: dialed transports reconnect, accepted
// ones shut down.
func (t *wsTransport) lost() {
	if t.url == "" {
		_ = t.Close()
		return
	}
	go t.reconnect()
}

// reconnect attempts to re-establish the websocket connection with
// exponential backoff and restarts the read loop.
func (t *wsTransport) reconnect() {
	t.mu.Lock()
	if t.closed || t.conn == nil {
		// another loop already started reconnecting
		t.mu.Unlock()
		return
	}
	_ = t.conn.Close()
	t.conn = nil
	backoff := t.initialBackoff
	t.mu.Unlock()

	for attempt := 1; attempt <= maxReconnect; attempt++ {
		select {
		case <-t.done:
			return
		case <-time.After(backoff):
		}

		t.logger.Info("Reconnecting bridge", "attempt", attempt, "backoff", backoff)

		conn, err := t.dialOnce()
		if err != nil {
			t.logger.Warn("Bridge reconnect dial failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.mu.Unlock()

		t.logger.Info("Bridge reconnected", "attempt", attempt)
		go t.readLoop()
		select {
		case t.reconnected <- struct{}{}:
		default:
		}
		return
	}

	t.logger.Error("Bridge reconnect failed after max attempts", "maxAttempts", maxReconnect)
	_ = t.Close()
}

// Send pushes data to the write loop. Non-blocking; drops if the queue is full.
func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case t.sendCh <- data:
	default:
		t.logger.Warn("Bridge send channel full, dropping message")
	}
	return nil
}

func (t *wsTransport) Receive() <-chan []byte {
	return t.recvCh
}

// Reconnected fires after a dialed transport re-established its link. The
// far end is a new connection and knows nothing of earlier messages.
func (t *wsTransport) Reconnected() <-chan struct{} {
	return t.reconnected
}

func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

// Close sends a close frame and shuts down all goroutines.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}
