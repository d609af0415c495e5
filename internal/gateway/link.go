package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// If the write does not complete within this window the connection is
	// closed — this prevents a stalled agent from blocking senders.
	writeWait = 10 * time.Second

	// maxMessageSize bounds inbound frames. Task submissions carry prompts
	// and streamed results, so the limit is generous.
	maxMessageSize = 1 << 20 // 1 MiB
)

// wsLink adapts a gorilla connection to the registry's Link interface.
// Sends are serialised with a mutex — gorilla/websocket connections are not
// safe for concurrent writes, and the registry, offline queue and heartbeat
// loop all send on the same link.
type wsLink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newLink(conn *websocket.Conn) *wsLink {
	return &wsLink{conn: conn}
}

// Send writes one envelope as a text frame.
func (l *wsLink) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(*env)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	metrics.MessagesTotal.WithLabelValues(string(env.Type), "out").Inc()
	return nil
}

// Close sends a close frame with the given code and reason, then tears the
// connection down. The read loop on the other side of the connection exits
// with a close error.
func (l *wsLink) Close(code int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return l.conn.Close()
}
