// Package relay bridges CDP clients to a browser extension that holds
// per-tab debugger attachments. Many clients, one extension: the relay
// synthesizes browser-level responses, rewrites browser-scope commands
// into page-scope equivalents, and multiplexes page sessions across the
// single extension socket with per-(session, client) ordering preserved.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/HsnSaboor/playwriter/lib/cdp"
)

const (
	// ClientRoot is the first path segment of client WebSocket URLs:
	// /cdp/{clientId}.
	ClientRoot = "cdp"

	// ProtocolVersion is the CDP protocol version the relay reports.
	ProtocolVersion = "1.3"

	clientMailboxSize  = 256
	extensionQueueSize = 256
	wsReadLimit        = 100 * 1024 * 1024 // effectively no maximum frame size

	// rewriteTimeout bounds the page-scope sub-requests of a rewrite so an
	// unresponsive extension cannot pin a client reader forever.
	rewriteTimeout = 30 * time.Second
)

// Options configures a Relay.
type Options struct {
	Version        string
	Host           string
	Port           int
	AuthToken      string
	SeparateWindow bool
	Logger         *slog.Logger
}

// pendingRequest is an in-flight command awaiting a reply from the
// extension. For client forwards the reply is rewritten back to the
// client's id namespace; for internal rewrites a waiter channel takes it.
type pendingRequest struct {
	clientID        string
	clientRequestID int64
	sessionID       string
	method          string
	createdAt       time.Time
	waiter          chan *cdp.Message
	link            *extensionLink // the link the command was sent on
}

// Relay is the relay core: session registry, pending table, the single
// extension link and the set of client links.
type Relay struct {
	opts   Options
	logger *slog.Logger

	registry  *registry
	nextExtID atomic.Int64

	mu      sync.Mutex
	ext     *extensionLink
	clients map[string]*client
	pending map[int64]*pendingRequest
}

// New creates a relay. The logger must not be nil.
func New(opts Options) *Relay {
	return &Relay{
		opts:     opts,
		logger:   opts.Logger,
		registry: newRegistry(),
		clients:  make(map[string]*client),
		pending:  make(map[int64]*pendingRequest),
	}
}

// Version returns the relay version string served on /version.
func (r *Relay) Version() string { return r.opts.Version }

// ExtensionStatus is the derived snapshot served on /extension-status.
type ExtensionStatus struct {
	Connected bool         `json:"connected"`
	PageCount int          `json:"pageCount"`
	Pages     []TargetInfo `json:"pages"`
}

// Status reports whether exactly one extension socket is open and projects
// the target set.
func (r *Relay) Status() ExtensionStatus {
	r.mu.Lock()
	connected := r.ext != nil
	r.mu.Unlock()

	pages := r.registry.ListTargets()
	return ExtensionStatus{Connected: connected, PageCount: len(pages), Pages: pages}
}

// Shutdown closes the extension link and every client link.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	ext := r.ext
	r.ext = nil
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*client)
	r.mu.Unlock()

	if ext != nil {
		ext.close(websocket.StatusGoingAway, "relay shutting down")
	}
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "relay shutting down")
	}
}

// --- extension side ---

// handleExtensionWS accepts the extension socket. At most one extension is
// connected; a newer one replaces the older, which is closed with a policy
// code and has its targets detached from every subscribed client.
func (r *Relay) handleExtensionWS(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		r.logger.Error("extension websocket accept failed", slog.String("err", err.Error()))
		return
	}
	conn.SetReadLimit(wsReadLimit)

	link := newExtensionLink(conn, r.logger)

	r.mu.Lock()
	prev := r.ext
	r.ext = link
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("extension replaced, closing previous link")
		prev.close(websocket.StatusPolicyViolation, "replaced by a newer extension connection")
		r.teardownExtension(prev)
	}
	r.logger.Info("extension connected", slog.String("remote", req.RemoteAddr))

	ctx := req.Context()
	go link.writeLoop(ctx)

	if r.opts.SeparateWindow {
		// Acknowledged by the extension with a setWindowMode meta reply.
		go func() {
			if _, err := link.request(ctx, "setWindowMode", map[string]string{"mode": "separate"}); err != nil {
				r.logger.Warn("setWindowMode not acknowledged", slog.String("err", err.Error()))
			}
		}()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.logger.Info("extension read ended", slog.String("err", err.Error()))
			break
		}
		r.handleExtensionFrame(link, data)
	}

	link.close(websocket.StatusNormalClosure, "")

	r.mu.Lock()
	current := r.ext == link
	if current {
		r.ext = nil
	}
	r.mu.Unlock()
	if current {
		r.teardownExtension(link)
	}
}

// teardownExtension cancels every pending forward sent on the dead link
// with an extension-disconnected error and detaches every session from
// every subscribed client. Pendings already registered against a
// replacement link are left alone; the registry is reseeded by the next
// extension.
func (r *Relay) teardownExtension(link *extensionLink) {
	r.mu.Lock()
	reaped := make([]*pendingRequest, 0, len(r.pending))
	for id, p := range r.pending {
		if p.link != link {
			continue
		}
		reaped = append(reaped, p)
		delete(r.pending, id)
	}
	holders := make(map[string]*client, len(r.clients))
	for id, c := range r.clients {
		holders[id] = c
	}
	r.mu.Unlock()

	for _, p := range reaped {
		if p.waiter != nil {
			p.waiter <- cdp.NewError(p.clientRequestID, cdp.CodeExtensionDisconnected, "extension disconnected")
			continue
		}
		if c, ok := holders[p.clientID]; ok {
			c.enqueueMessage(cdp.NewError(p.clientRequestID, cdp.CodeExtensionDisconnected, "extension disconnected"))
		}
	}

	for _, d := range r.registry.DetachAll() {
		r.emitDetached(d)
	}
}

// emitDetached sends the synthetic Target.detachedFromTarget for one dead
// session to every client that was subscribed to it.
func (r *Relay) emitDetached(d detachment) {
	evt := cdp.NewEvent("Target.detachedFromTarget", map[string]string{
		"sessionId": d.SessionID,
		"targetId":  d.TargetID,
	}, "")
	frame := evt.Encode()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, clientID := range d.Subscribers {
		if c, ok := r.clients[clientID]; ok {
			delete(c.announced, d.SessionID)
			c.enqueue(frame)
		}
	}
}

// handleExtensionFrame routes one envelope from the extension: meta frames
// mutate the registry or resolve extension RPC waiters; cdp frames either
// complete a pending forward or fan out as events.
func (r *Relay) handleExtensionFrame(link *extensionLink, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("undecodable extension frame", slog.String("err", err.Error()))
		return
	}

	switch env.Type {
	case envelopeMeta:
		var meta metaMessage
		if err := json.Unmarshal(env.Payload, &meta); err != nil {
			r.logger.Warn("undecodable meta payload", slog.String("err", err.Error()))
			return
		}
		if meta.ID > 0 && meta.Method == "" {
			link.resolveMeta(meta)
			return
		}
		r.handleMeta(link, meta)
	case envelopeCDP:
		msg, err := cdp.Decode(env.Payload)
		if err != nil {
			r.logger.Warn("undecodable cdp payload", slog.String("err", err.Error()))
			return
		}
		if msg.SessionID == "" {
			msg.SessionID = env.SessionID
		}
		switch {
		case msg.IsResponse():
			r.resolvePending(msg)
		case msg.IsEvent():
			r.fanoutEvent(msg)
		}
	default:
		r.logger.Warn("unknown envelope type", slog.String("type", env.Type))
	}
}

// handleMeta applies a target lifecycle notification from the extension.
func (r *Relay) handleMeta(link *extensionLink, meta metaMessage) {
	switch meta.Method {
	case "Target.attached":
		var params struct {
			SessionID  string     `json:"sessionId"`
			TargetInfo TargetInfo `json:"targetInfo"`
		}
		if err := json.Unmarshal(meta.Params, &params); err != nil || params.SessionID == "" || params.TargetInfo.TargetID == "" {
			r.logger.Warn("malformed Target.attached report")
			return
		}
		r.handleAttached(params.SessionID, params.TargetInfo)

	case "Target.detached":
		var params struct {
			TargetID  string `json:"targetId"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(meta.Params, &params); err != nil {
			return
		}
		targetID := params.TargetID
		if targetID == "" && params.SessionID != "" {
			if info, ok := r.registry.TargetForSession(params.SessionID); ok {
				targetID = info.TargetID
			}
		}
		if d, ok := r.registry.Detach(targetID); ok {
			r.logger.Info("target detached", slog.String("targetId", d.TargetID), slog.String("sessionId", d.SessionID))
			r.emitDetached(d)
		}

	case "Target.targetInfoChanged":
		var params struct {
			TargetInfo TargetInfo `json:"targetInfo"`
		}
		if err := json.Unmarshal(meta.Params, &params); err != nil {
			return
		}
		r.registry.UpdateInfo(params.TargetInfo)
		r.fanoutEvent(cdp.NewEvent("Target.targetInfoChanged", map[string]any{
			"targetInfo": params.TargetInfo,
		}, ""))

	case "ping":
		_ = link.sendMeta("pong", nil)

	default:
		r.logger.Debug("unhandled meta method", slog.String("method", meta.Method))
	}
}

// handleAttached records an attachment and announces the new session to
// every discovering client exactly once.
func (r *Relay) handleAttached(sessionID string, info TargetInfo) {
	sid, isNew := r.registry.Attach(info, sessionID)
	if isNew {
		r.logger.Info("target attached",
			slog.String("targetId", info.TargetID),
			slog.String("sessionId", sid),
			slog.String("url", info.URL))
	}

	r.mu.Lock()
	discovering := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		if !c.discover {
			continue
		}
		if _, done := c.announced[sid]; done {
			continue
		}
		c.announced[sid] = struct{}{}
		discovering = append(discovering, c)
	}
	r.mu.Unlock()

	for _, c := range discovering {
		r.registry.Subscribe(c.id, sid)
		c.enqueueMessage(attachedEvent(sid, info))
	}
}

func attachedEvent(sessionID string, info TargetInfo) *cdp.Message {
	return cdp.NewEvent("Target.attachedToTarget", map[string]any{
		"sessionId":          sessionID,
		"targetInfo":         info,
		"waitingForDebugger": false,
	}, "")
}

// resolvePending completes one forwarded command: the reply id is
// rewritten back to the originating client's value, or handed to the
// waiter for internal rewrites. Replies whose holder is gone are dropped.
func (r *Relay) resolvePending(msg *cdp.Message) {
	r.mu.Lock()
	p, ok := r.pending[msg.ID]
	if ok {
		delete(r.pending, msg.ID)
	}
	var holder *client
	if ok && p.waiter == nil {
		holder = r.clients[p.clientID]
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if p.waiter != nil {
		p.waiter <- msg
		return
	}
	if holder == nil {
		return
	}
	msg.ID = p.clientRequestID
	holder.enqueueMessage(msg)
}

// fanoutEvent delivers one extension event: session events to the
// session's subscribers, sessionless events to every client.
func (r *Relay) fanoutEvent(msg *cdp.Message) {
	frame := msg.Encode()

	if msg.SessionID != "" {
		r.registry.NextEventSeq(msg.SessionID)
		subs := r.registry.Subscribers(msg.SessionID)
		r.mu.Lock()
		receivers := make([]*client, 0, len(subs))
		for _, id := range subs {
			if c, ok := r.clients[id]; ok {
				receivers = append(receivers, c)
			}
		}
		r.mu.Unlock()
		for _, c := range receivers {
			c.enqueue(frame)
		}
		return
	}

	r.mu.Lock()
	receivers := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		receivers = append(receivers, c)
	}
	r.mu.Unlock()
	for _, c := range receivers {
		c.enqueue(frame)
	}
}

// extension returns the current link, or nil when no extension is open.
func (r *Relay) extension() *extensionLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ext
}

// --- client side ---

// handleClientWS accepts one CDP client on /cdp/{clientId}. A duplicate
// clientId closes the older link (last writer wins).
func (r *Relay) handleClientWS(w http.ResponseWriter, req *http.Request, clientID string) {
	if !validClientID(clientID) {
		http.Error(w, "invalid clientId", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		r.logger.Error("client websocket accept failed", slog.String("err", err.Error()))
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	c := newClient(clientID, conn, r.logger)
	c.ctx = ctx
	go func() {
		<-c.closed
		cancel()
	}()

	r.mu.Lock()
	prev := r.clients[clientID]
	r.clients[clientID] = c
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("duplicate clientId, closing older link", slog.String("clientId", clientID))
		prev.close(websocket.StatusInternalError, "superseded by a newer connection")
		r.reapClient(prev)
	}
	r.logger.Info("client connected", slog.String("clientId", clientID))

	go c.writeLoop(ctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		r.handleClientFrame(c, data)
	}

	c.close(websocket.StatusNormalClosure, "")
	r.removeClient(c)
	r.logger.Info("client disconnected", slog.String("clientId", clientID))
}

// removeClient unregisters a client if it is still the registered holder
// of its id, then reaps its state.
func (r *Relay) removeClient(c *client) {
	r.mu.Lock()
	if r.clients[c.id] == c {
		delete(r.clients, c.id)
	}
	r.mu.Unlock()
	r.reapClient(c)
}

// reapClient drops the client's subscriptions and cancels its pending
// requests. In-flight extension operations complete; their replies are
// dropped by resolvePending.
func (r *Relay) reapClient(c *client) {
	r.mu.Lock()
	for id, p := range r.pending {
		if p.clientID == c.id && p.waiter == nil {
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
	r.registry.RemoveClient(c.id)
}

// handleClientFrame validates one inbound frame and routes it. Malformed
// frames answer -32600 and the link stays open.
func (r *Relay) handleClientFrame(c *client, data []byte) {
	msg, err := cdp.Decode(data)
	if err != nil {
		c.enqueueMessage(cdp.NewError(0, cdp.CodeInvalidRequest, "invalid request: "+err.Error()))
		return
	}
	if err := cdp.ValidateCommand(msg); err != nil {
		if cdpErr, ok := err.(*cdp.Error); ok {
			c.enqueueMessage(&cdp.Message{ID: msg.ID, Error: cdpErr})
		} else {
			c.enqueueMessage(cdp.NewError(msg.ID, cdp.CodeInvalidRequest, err.Error()))
		}
		return
	}
	r.route(c, msg)
}

func validClientID(id string) bool {
	runes := 0
	for _, r := range id {
		if !strconv.IsPrint(r) {
			return false
		}
		runes++
	}
	return runes >= 1 && runes <= 64
}

// --- forwarding primitives shared with the router ---

// forward ships a client command to the extension under a relay-assigned
// id and records the correspondence in the pending table.
func (r *Relay) forward(c *client, msg *cdp.Message) {
	ext := r.extension()
	if ext == nil {
		c.enqueueMessage(cdp.NewError(msg.ID, cdp.CodeExtensionDisconnected, "extension disconnected"))
		return
	}

	extID := r.nextExtID.Add(1)
	p := &pendingRequest{
		clientID:        c.id,
		clientRequestID: msg.ID,
		sessionID:       msg.SessionID,
		method:          msg.Method,
		createdAt:       time.Now(),
		link:            ext,
	}
	r.mu.Lock()
	r.pending[extID] = p
	r.mu.Unlock()

	msg.ID = extID
	if err := ext.sendCDP(msg); err != nil {
		r.mu.Lock()
		delete(r.pending, extID)
		r.mu.Unlock()
		c.enqueueMessage(cdp.NewError(p.clientRequestID, cdp.CodeExtensionDisconnected, "extension disconnected"))
	}
}

// sessionRequest performs one page-scope command on behalf of a rewrite
// and blocks until the reply, a link loss, or context cancellation.
func (r *Relay) sessionRequest(ctx context.Context, sessionID, method string, params any) (*cdp.Message, error) {
	ext := r.extension()
	if ext == nil {
		return nil, errExtensionGone
	}

	extID := r.nextExtID.Add(1)
	waiter := make(chan *cdp.Message, 1)
	r.mu.Lock()
	r.pending[extID] = &pendingRequest{
		clientRequestID: extID,
		sessionID:       sessionID,
		method:          method,
		createdAt:       time.Now(),
		waiter:          waiter,
		link:            ext,
	}
	r.mu.Unlock()

	cmd := cdp.NewCommand(extID, method, params, sessionID)
	if err := ext.sendCDP(cmd); err != nil {
		r.mu.Lock()
		delete(r.pending, extID)
		r.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-waiter:
		if reply.Error != nil {
			return nil, reply.Error
		}
		return reply, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, extID)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}
