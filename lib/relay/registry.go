package relay

import (
	"sort"
	"sync"
)

// TargetInfo describes a page under the extension's control, shaped like
// CDP's Target.TargetInfo.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

type targetEntry struct {
	info      TargetInfo
	sessionID string
	attachSeq uint64
	eventSeq  uint64
}

// detachment is the unit of fan-out when a target goes away: the session
// that died and the clients that were watching it.
type detachment struct {
	TargetID    string
	SessionID   string
	Subscribers []string
}

// registry owns the target and session tables and the client subscription
// sets. All mutations are serialized; observers see attach/detach in the
// order the extension reported them.
type registry struct {
	mu        sync.Mutex
	attachSeq uint64
	targets   map[string]*targetEntry        // targetId -> entry
	sessions  map[string]*targetEntry        // sessionId -> entry
	subs      map[string]map[string]struct{} // sessionId -> clientIds
}

func newRegistry() *registry {
	return &registry{
		targets:  make(map[string]*targetEntry),
		sessions: make(map[string]*targetEntry),
		subs:     make(map[string]map[string]struct{}),
	}
}

// Attach records an extension-reported attachment. Idempotent: a second
// attach for a known targetId refreshes the info and returns the existing
// sessionId.
func (g *registry) Attach(info TargetInfo, sessionID string) (string, bool) {
	if info.Type == "" {
		info.Type = "page"
	}
	info.Attached = true

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.targets[info.TargetID]; ok {
		e.info = info
		return e.sessionID, false
	}

	g.attachSeq++
	e := &targetEntry{info: info, sessionID: sessionID, attachSeq: g.attachSeq}
	g.targets[info.TargetID] = e
	g.sessions[sessionID] = e
	return sessionID, true
}

// Detach removes a target and returns the session it held and the clients
// subscribed to it, so the caller can emit Target.detachedFromTarget.
func (g *registry) Detach(targetID string) (detachment, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.targets[targetID]
	if !ok {
		return detachment{}, false
	}
	d := detachment{
		TargetID:    targetID,
		SessionID:   e.sessionID,
		Subscribers: subscriberList(g.subs[e.sessionID]),
	}
	delete(g.targets, targetID)
	delete(g.sessions, e.sessionID)
	delete(g.subs, e.sessionID)
	return d, true
}

// DetachAll clears the registry, returning one detachment per target in
// attach order. Used when the extension link closes or is replaced.
func (g *registry) DetachAll() []detachment {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries := make([]*targetEntry, 0, len(g.targets))
	for _, e := range g.targets {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].attachSeq < entries[j].attachSeq })

	out := make([]detachment, 0, len(entries))
	for _, e := range entries {
		out = append(out, detachment{
			TargetID:    e.info.TargetID,
			SessionID:   e.sessionID,
			Subscribers: subscriberList(g.subs[e.sessionID]),
		})
	}
	g.targets = make(map[string]*targetEntry)
	g.sessions = make(map[string]*targetEntry)
	g.subs = make(map[string]map[string]struct{})
	return out
}

// Subscribe binds a client to a session. Returns false if the session does
// not exist; a client subscription never references a missing target.
func (g *registry) Subscribe(clientID, sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.sessions[sessionID]; !ok {
		return false
	}
	set, ok := g.subs[sessionID]
	if !ok {
		set = make(map[string]struct{})
		g.subs[sessionID] = set
	}
	set[clientID] = struct{}{}
	return true
}

func (g *registry) Unsubscribe(clientID, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs[sessionID], clientID)
}

// Subscribers returns the clients bound to a session.
func (g *registry) Subscribers(sessionID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return subscriberList(g.subs[sessionID])
}

// RemoveClient drops every subscription held by a departing client.
func (g *registry) RemoveClient(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, set := range g.subs {
		delete(set, clientID)
	}
}

// ListTargets returns target descriptors ordered by attachment time
// ascending, ties broken by targetId.
func (g *registry) ListTargets() []TargetInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries := make([]*targetEntry, 0, len(g.targets))
	for _, e := range g.targets {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].attachSeq != entries[j].attachSeq {
			return entries[i].attachSeq < entries[j].attachSeq
		}
		return entries[i].info.TargetID < entries[j].info.TargetID
	})

	out := make([]TargetInfo, len(entries))
	for i, e := range entries {
		out[i] = e.info
	}
	return out
}

// SessionFor returns the session bound to a target.
func (g *registry) SessionFor(targetID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.targets[targetID]
	if !ok {
		return "", false
	}
	return e.sessionID, true
}

// TargetForSession returns the target a session is bound to.
func (g *registry) TargetForSession(sessionID string) (TargetInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.sessions[sessionID]
	if !ok {
		return TargetInfo{}, false
	}
	return e.info, true
}

// HasSession reports whether a session is live.
func (g *registry) HasSession(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[sessionID]
	return ok
}

// EarliestLiveSession picks the deterministic session for browser-scope
// rewrites: the earliest-attached target with an open session.
func (g *registry) EarliestLiveSession() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var best *targetEntry
	for _, e := range g.targets {
		if best == nil || e.attachSeq < best.attachSeq {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.sessionID, true
}

// UpdateInfo refreshes target metadata from a targetInfoChanged report.
func (g *registry) UpdateInfo(info TargetInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.targets[info.TargetID]; ok {
		info.Attached = true
		if info.Type == "" {
			info.Type = e.info.Type
		}
		if info.BrowserContextID == "" {
			info.BrowserContextID = e.info.BrowserContextID
		}
		e.info = info
	}
}

// NextEventSeq advances the per-session outbound event counter. The
// sequence is monotonically increasing for a live session.
func (g *registry) NextEventSeq(sessionID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.sessions[sessionID]
	if !ok {
		return 0
	}
	e.eventSeq++
	return e.eventSeq
}

func subscriberList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
