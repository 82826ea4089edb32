package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/HsnSaboor/playwriter/lib/cdp"
)

// client is one attached CDP consumer: its WebSocket, its bounded outbound
// mailbox and the discovery state the router keeps per client. A client is
// never shared between connections.
type client struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	mailbox chan []byte
	closed  chan struct{}

	// ctx is canceled when the link closes; rewrites executed on behalf
	// of this client derive their deadlines from it.
	ctx context.Context

	closeOnce sync.Once

	// Guarded by the relay mutex.
	discover  bool
	announced map[string]struct{} // sessionIds already replayed to this client
}

func newClient(id string, conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		id:        id,
		conn:      conn,
		logger:    logger,
		mailbox:   make(chan []byte, clientMailboxSize),
		closed:    make(chan struct{}),
		ctx:       context.Background(),
		announced: make(map[string]struct{}),
	}
}

// requestContext bounds one rewrite or extension RPC performed on behalf
// of this client. It resolves when the reply arrives, the client link
// closes, or the rewrite deadline passes.
func (c *client) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, rewriteTimeout)
}

// enqueue places a frame on the mailbox. A full mailbox means the client
// cannot keep up; the link is closed with the policy code and the caller's
// relay reaps its pending requests.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.mailbox <- frame:
		return true
	default:
		c.logger.Warn("client mailbox overflow, closing", slog.String("clientId", c.id))
		c.close(websocket.StatusInternalError, "outbound queue overflow")
		return false
	}
}

// enqueueMessage encodes and enqueues a CDP frame.
func (c *client) enqueueMessage(m *cdp.Message) bool {
	return c.enqueue(m.Encode())
}

// writeLoop drains the mailbox onto the socket; single consumer.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.mailbox:
			if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				c.logger.Debug("client write error", slog.String("clientId", c.id), slog.String("err", err.Error()))
				c.close(websocket.StatusNormalClosure, "")
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close(code, reason)
	})
}
