package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/HsnSaboor/playwriter/lib/cdp"
)

// handlerFunc is one intercept entry in the dispatch table. The handler
// owns the reply (and any post-reply events) for the command.
type handlerFunc func(r *Relay, c *client, msg *cdp.Message)

// intercepts maps browser-scope methods the relay answers itself,
// synthesized or rewritten, keyed by CDP method. Everything else is
// forwarded when its session exists and rejected otherwise.
var intercepts = map[string]handlerFunc{
	"Target.getTargets":           (*Relay).synthGetTargets,
	"Target.setDiscoverTargets":   (*Relay).synthSetDiscoverTargets,
	"Target.setAutoAttach":        (*Relay).synthSetAutoAttach,
	"Target.attachToTarget":       (*Relay).synthAttachToTarget,
	"Target.getTargetInfo":        (*Relay).synthGetTargetInfo,
	"Target.createTarget":         (*Relay).synthCreateTarget,
	"Browser.getVersion":          (*Relay).synthBrowserGetVersion,
	"Browser.setDownloadBehavior": (*Relay).synthEmptyResult,
	"Storage.getCookies":          (*Relay).rewriteGetCookies,
	"Storage.setCookies":          (*Relay).rewriteSetCookies,
	"Storage.clearCookies":        (*Relay).rewriteClearCookies,
}

// route picks one of the four dispositions for an inbound client command:
// intercept (synthesize or rewrite), forward, or reject.
func (r *Relay) route(c *client, msg *cdp.Message) {
	if msg.SessionID == "" {
		if h, ok := intercepts[msg.Method]; ok {
			h(r, c, msg)
			return
		}
		c.enqueueMessage(cdp.NewError(msg.ID, cdp.CodeMethodNotFound, fmt.Sprintf("'%s' wasn't found", msg.Method)))
		return
	}

	if !r.registry.HasSession(msg.SessionID) {
		c.enqueueMessage(cdp.NewError(msg.ID, cdp.CodeInvalidParams, "session not found: "+msg.SessionID))
		return
	}
	r.forward(c, msg)
}

// --- synthesized browser-scope commands ---

func (r *Relay) synthGetTargets(c *client, msg *cdp.Message) {
	c.enqueueMessage(cdp.NewResult(msg.ID, map[string]any{
		"targetInfos": r.registry.ListTargets(),
	}, ""))
}

func (r *Relay) synthSetDiscoverTargets(c *client, msg *cdp.Message) {
	var params struct {
		Discover bool `json:"discover"`
	}
	if msg.Params != nil {
		_ = json.Unmarshal(msg.Params, &params)
	}

	r.mu.Lock()
	c.discover = params.Discover
	r.mu.Unlock()

	c.enqueueMessage(cdp.NewResult(msg.ID, map[string]any{}, ""))
	if params.Discover {
		r.replayTargets(c)
	}
}

// synthSetAutoAttach is idempotent: the attach events already sent to the
// client form a prefix of what a fresh call would replay.
func (r *Relay) synthSetAutoAttach(c *client, msg *cdp.Message) {
	r.mu.Lock()
	c.discover = true
	r.mu.Unlock()

	c.enqueueMessage(cdp.NewResult(msg.ID, map[string]any{}, ""))
	r.replayTargets(c)
}

// replayTargets emits Target.attachedToTarget for every existing target
// the client has not been told about yet, in attachment order, and
// subscribes the client to those sessions.
func (r *Relay) replayTargets(c *client) {
	for _, info := range r.registry.ListTargets() {
		sid, ok := r.registry.SessionFor(info.TargetID)
		if !ok {
			continue
		}

		r.mu.Lock()
		_, done := c.announced[sid]
		if !done {
			c.announced[sid] = struct{}{}
		}
		r.mu.Unlock()
		if done {
			continue
		}

		r.registry.Subscribe(c.id, sid)
		c.enqueueMessage(attachedEvent(sid, info))
	}
}

func (r *Relay) synthAttachToTarget(c *client, msg *cdp.Message) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if msg.Params != nil {
		_ = json.Unmarshal(msg.Params, &params)
	}
	if params.TargetID == "" {
		c.enqueueMessage(cdp.NewError(msg.ID, cdp.CodeInvalidParams, "targetId is required"))
		return
	}

	sid, ok := r.registry.SessionFor(params.TargetID)
	if !ok {
		c.enqueueMessage(cdp.NewError(msg.ID, cdp.CodeInvalidParams, "no target with id "+params.TargetID))
		return
	}

	r.registry.Subscribe(c.id, sid)
	r.mu.Lock()
	c.announced[sid] = struct{}{}
	r.mu.Unlock()

	c.enqueueMessage(cdp.NewResult(msg.ID, map[string]string{"sessionId": sid}, ""))
}

func (r *Relay) synthGetTargetInfo(c *client, msg *cdp.Message) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if msg.Params != nil {
		_ = json.Unmarshal(msg.Params, &params)
	}

	targets := r.registry.ListTargets()
	for _, info := range targets {
		if params.TargetID == "" || info.TargetID == params.TargetID {
			c.enqueueMessage(cdp.NewResult(msg.ID, map[string]any{"targetInfo": info}, ""))
			return
		}
	}
	c.enqueueMessage(cdp.NewError(msg.ID, cdp.CodeInvalidParams, "no target with id "+params.TargetID))
}

func (r *Relay) synthBrowserGetVersion(c *client, msg *cdp.Message) {
	c.enqueueMessage(cdp.NewResult(msg.ID, map[string]string{
		"protocolVersion": ProtocolVersion,
		"product":         "Chrome/Playwriter-Relay " + r.opts.Version,
		"revision":        "0",
		"userAgent":       "Playwriter-Relay/" + r.opts.Version,
		"jsVersion":       "V8",
	}, ""))
}

func (r *Relay) synthEmptyResult(c *client, msg *cdp.Message) {
	c.enqueueMessage(cdp.NewResult(msg.ID, map[string]any{}, ""))
}

// synthCreateTarget forwards target creation to the extension as an
// extension-level RPC; opening a tab is a browser operation only the
// extension can perform.
func (r *Relay) synthCreateTarget(c *client, msg *cdp.Message) {
	ext := r.extension()
	if ext == nil {
		c.enqueueMessage(cdp.NewError(msg.ID, cdp.CodeExtensionDisconnected, "extension disconnected"))
		return
	}

	ctx, cancel := c.requestContext()
	defer cancel()
	result, err := ext.request(ctx, "createTarget", msg.Params)
	if err != nil {
		c.enqueueMessage(rewriteError(msg.ID, err))
		return
	}
	c.enqueueMessage(&cdp.Message{ID: msg.ID, Result: result})
}

// --- cookie rewrites ---
//
// Cookie commands arrive at browser scope but the extension only has the
// per-tab debugger surface, so they are rewritten to Network.* against the
// earliest-attached live session.

func (r *Relay) rewriteGetCookies(c *client, msg *cdp.Message) {
	sid, ok := r.registry.EarliestLiveSession()
	if !ok {
		c.enqueueMessage(noPageError(msg.ID))
		return
	}

	ctx, cancel := c.requestContext()
	defer cancel()
	reply, err := r.sessionRequest(ctx, sid, "Network.getCookies", map[string]any{})
	if err != nil {
		c.enqueueMessage(rewriteError(msg.ID, err))
		return
	}
	c.enqueueMessage(&cdp.Message{ID: msg.ID, Result: reply.Result})
}

func (r *Relay) rewriteSetCookies(c *client, msg *cdp.Message) {
	sid, ok := r.registry.EarliestLiveSession()
	if !ok {
		c.enqueueMessage(noPageError(msg.ID))
		return
	}

	// browserContextId has no meaning on the page-scope surface.
	params := map[string]json.RawMessage{}
	if msg.Params != nil {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.enqueueMessage(cdp.NewError(msg.ID, cdp.CodeInvalidParams, "malformed cookies parameter"))
			return
		}
	}
	delete(params, "browserContextId")

	ctx, cancel := c.requestContext()
	defer cancel()
	reply, err := r.sessionRequest(ctx, sid, "Network.setCookies", params)
	if err != nil {
		c.enqueueMessage(rewriteError(msg.ID, err))
		return
	}
	c.enqueueMessage(&cdp.Message{ID: msg.ID, Result: reply.Result})
}

// deleteCookieParams is the subset of a cookie that identifies it to
// Network.deleteCookies.
type deleteCookieParams struct {
	Name         string          `json:"name"`
	Domain       string          `json:"domain,omitempty"`
	Path         string          `json:"path,omitempty"`
	PartitionKey json.RawMessage `json:"partitionKey,omitempty"`
}

// rewriteClearCookies fetches the cookie set once, then issues one delete
// per cookie in iteration order. Failures do not stop the sweep; the first
// error is surfaced only when no deletion succeeded.
func (r *Relay) rewriteClearCookies(c *client, msg *cdp.Message) {
	sid, ok := r.registry.EarliestLiveSession()
	if !ok {
		c.enqueueMessage(noPageError(msg.ID))
		return
	}

	ctx, cancel := c.requestContext()
	defer cancel()
	reply, err := r.sessionRequest(ctx, sid, "Network.getCookies", map[string]any{})
	if err != nil {
		c.enqueueMessage(rewriteError(msg.ID, err))
		return
	}

	var listed struct {
		Cookies []deleteCookieParams `json:"cookies"`
	}
	if err := json.Unmarshal(reply.Result, &listed); err != nil {
		c.enqueueMessage(cdp.NewError(msg.ID, cdp.CodeNoPageSession, "unexpected cookie list shape"))
		return
	}

	var firstErr error
	deleted := 0
	for _, cookie := range listed.Cookies {
		if _, err := r.sessionRequest(ctx, sid, "Network.deleteCookies", cookie); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Warn("deleteCookies failed",
				slog.String("name", cookie.Name),
				slog.String("err", err.Error()))
			continue
		}
		deleted++
	}

	if len(listed.Cookies) > 0 && deleted == 0 && firstErr != nil {
		c.enqueueMessage(rewriteError(msg.ID, firstErr))
		return
	}
	c.enqueueMessage(cdp.NewResult(msg.ID, map[string]any{}, ""))
}

func noPageError(id int64) *cdp.Message {
	return cdp.NewError(id, cdp.CodeNoPageSession, "no page session available: connect the extension to a tab first")
}

// rewriteError maps a rewrite sub-step failure onto the wire: underlying
// CDP errors pass through, link loss maps to extension-disconnected.
func rewriteError(id int64, err error) *cdp.Message {
	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) {
		return &cdp.Message{ID: id, Error: cdpErr}
	}
	if errors.Is(err, errExtensionGone) {
		return cdp.NewError(id, cdp.CodeExtensionDisconnected, "extension disconnected")
	}
	return cdp.NewError(id, cdp.CodeNoPageSession, err.Error())
}
