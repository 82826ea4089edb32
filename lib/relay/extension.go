package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/HsnSaboor/playwriter/lib/cdp"
)

// envelope is the wire frame on the extension socket. type "cdp" carries a
// verbatim CDP frame for a session; type "meta" carries relay<->extension
// housekeeping: target lifecycle reports, createTarget, setWindowMode,
// ping/pong.
type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

const (
	envelopeCDP  = "cdp"
	envelopeMeta = "meta"
)

// metaMessage is the payload of a meta envelope. Requests from the relay
// carry an id; notifications from the extension carry only a method.
type metaMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// errExtensionGone resolves waiters when the link dies under them.
var errExtensionGone = fmt.Errorf("extension disconnected")

// extensionLink is the single WebSocket to the extension. It owns the
// outbound write queue and the meta request/response waiters; it never
// parses CDP payloads, those go to the router.
type extensionLink struct {
	conn   *websocket.Conn
	logger *slog.Logger

	outbound chan []byte
	closed   chan struct{}

	closeOnce  sync.Once
	nextMetaID atomic.Int64

	mu      sync.Mutex
	waiters map[int64]chan metaMessage
}

func newExtensionLink(conn *websocket.Conn, logger *slog.Logger) *extensionLink {
	return &extensionLink{
		conn:     conn,
		logger:   logger,
		outbound: make(chan []byte, extensionQueueSize),
		closed:   make(chan struct{}),
		waiters:  make(map[int64]chan metaMessage),
	}
}

// send enqueues a frame on the single-writer outbound queue. It returns an
// error when the link is closed or the queue is saturated.
func (e *extensionLink) send(frame []byte) error {
	select {
	case <-e.closed:
		return errExtensionGone
	default:
	}
	select {
	case e.outbound <- frame:
		return nil
	case <-e.closed:
		return errExtensionGone
	}
}

// sendCDP wraps a CDP frame in a cdp envelope and enqueues it.
func (e *extensionLink) sendCDP(m *cdp.Message) error {
	env := envelope{Type: envelopeCDP, SessionID: m.SessionID, Payload: m.Encode()}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return e.send(data)
}

// sendMeta enqueues a meta notification (no reply expected).
func (e *extensionLink) sendMeta(method string, params any) error {
	msg := metaMessage{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal meta params: %w", err)
		}
		msg.Params = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	data, err := json.Marshal(envelope{Type: envelopeMeta, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return e.send(data)
}

// request performs an extension-level RPC: allocates an internal id,
// registers a waiter, sends the meta frame and resolves on the matching
// reply. Rejected with errExtensionGone when the link closes first.
func (e *extensionLink) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := e.nextMetaID.Add(1)

	msg := metaMessage{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal meta params: %w", err)
		}
		msg.Params = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	data, err := json.Marshal(envelope{Type: envelopeMeta, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	ch := make(chan metaMessage, 1)
	e.mu.Lock()
	e.waiters[id] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, id)
		e.mu.Unlock()
	}()

	if err := e.send(data); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, fmt.Errorf("%s: %s", method, reply.Error)
		}
		return reply.Result, nil
	case <-e.closed:
		return nil, errExtensionGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveMeta completes the waiter for a meta reply, if one is registered.
func (e *extensionLink) resolveMeta(msg metaMessage) {
	e.mu.Lock()
	ch, ok := e.waiters[msg.ID]
	e.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// writeLoop serializes all writes to the extension socket.
func (e *extensionLink) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-e.outbound:
			if err := e.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				e.logger.Error("extension write error", slog.String("err", err.Error()))
				e.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-e.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// close shuts the link down once. Waiters are released via the closed
// channel rather than being resolved individually.
func (e *extensionLink) close(code websocket.StatusCode, reason string) {
	e.closeOnce.Do(func() {
		close(e.closed)
		_ = e.conn.Close(code, reason)
	})
}
