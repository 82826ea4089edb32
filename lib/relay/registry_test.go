package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func page(id, url string) TargetInfo {
	return TargetInfo{TargetID: id, Type: "page", Title: "t-" + id, URL: url}
}

func TestRegistryAttachIsIdempotent(t *testing.T) {
	g := newRegistry()

	sid, isNew := g.Attach(page("t1", "https://a.example"), "s1")
	require.True(t, isNew)
	require.Equal(t, "s1", sid)

	// Re-attach of a known target keeps the original session.
	sid, isNew = g.Attach(page("t1", "https://a.example/updated"), "s99")
	require.False(t, isNew)
	require.Equal(t, "s1", sid)

	targets := g.ListTargets()
	require.Len(t, targets, 1)
	require.Equal(t, "https://a.example/updated", targets[0].URL)
	require.True(t, targets[0].Attached)
}

func TestRegistryListTargetsAttachOrder(t *testing.T) {
	g := newRegistry()
	g.Attach(page("t2", "https://b.example"), "s2")
	g.Attach(page("t1", "https://a.example"), "s1")
	g.Attach(page("t3", "https://c.example"), "s3")

	targets := g.ListTargets()
	require.Len(t, targets, 3)
	require.Equal(t, "t2", targets[0].TargetID)
	require.Equal(t, "t1", targets[1].TargetID)
	require.Equal(t, "t3", targets[2].TargetID)
}

func TestRegistryDetachReturnsSubscribers(t *testing.T) {
	g := newRegistry()
	g.Attach(page("t1", "https://a.example"), "s1")
	require.True(t, g.Subscribe("clientB", "s1"))
	require.True(t, g.Subscribe("clientA", "s1"))

	d, ok := g.Detach("t1")
	require.True(t, ok)
	require.Equal(t, "s1", d.SessionID)
	require.Equal(t, []string{"clientA", "clientB"}, d.Subscribers)

	require.False(t, g.HasSession("s1"))
	_, ok = g.Detach("t1")
	require.False(t, ok)
}

func TestRegistrySubscribeUnknownSession(t *testing.T) {
	g := newRegistry()
	require.False(t, g.Subscribe("clientA", "nope"))
}

func TestRegistryDetachAllClearsEverything(t *testing.T) {
	g := newRegistry()
	g.Attach(page("t1", "https://a.example"), "s1")
	g.Attach(page("t2", "https://b.example"), "s2")
	g.Subscribe("clientA", "s1")
	g.Subscribe("clientA", "s2")

	ds := g.DetachAll()
	require.Len(t, ds, 2)
	require.Equal(t, "t1", ds[0].TargetID)
	require.Equal(t, "t2", ds[1].TargetID)
	require.Equal(t, []string{"clientA"}, ds[0].Subscribers)

	require.Empty(t, g.ListTargets())
	require.False(t, g.HasSession("s1"))

	// A fresh extension reseeds cleanly.
	_, isNew := g.Attach(page("t1", "https://a.example"), "s9")
	require.True(t, isNew)
	require.Empty(t, g.Subscribers("s9"))
}

func TestRegistryEarliestLiveSession(t *testing.T) {
	g := newRegistry()
	_, ok := g.EarliestLiveSession()
	require.False(t, ok)

	g.Attach(page("t1", "https://a.example"), "s1")
	g.Attach(page("t2", "https://b.example"), "s2")

	sid, ok := g.EarliestLiveSession()
	require.True(t, ok)
	require.Equal(t, "s1", sid)

	// Once the earliest target detaches, the next oldest takes over.
	g.Detach("t1")
	sid, ok = g.EarliestLiveSession()
	require.True(t, ok)
	require.Equal(t, "s2", sid)
}

func TestRegistryRemoveClient(t *testing.T) {
	g := newRegistry()
	g.Attach(page("t1", "https://a.example"), "s1")
	g.Attach(page("t2", "https://b.example"), "s2")
	g.Subscribe("clientA", "s1")
	g.Subscribe("clientA", "s2")
	g.Subscribe("clientB", "s1")

	g.RemoveClient("clientA")
	require.Equal(t, []string{"clientB"}, g.Subscribers("s1"))
	require.Empty(t, g.Subscribers("s2"))
}

func TestRegistryUpdateInfoKeepsIdentity(t *testing.T) {
	g := newRegistry()
	info := page("t1", "https://a.example")
	info.BrowserContextID = "bc1"
	g.Attach(info, "s1")

	g.UpdateInfo(TargetInfo{TargetID: "t1", URL: "https://a.example/next", Title: "next"})

	targets := g.ListTargets()
	require.Len(t, targets, 1)
	require.Equal(t, "https://a.example/next", targets[0].URL)
	require.Equal(t, "page", targets[0].Type)
	require.Equal(t, "bc1", targets[0].BrowserContextID)
	require.True(t, targets[0].Attached)

	// Unknown target is a no-op.
	g.UpdateInfo(TargetInfo{TargetID: "missing", URL: "x"})
	require.Len(t, g.ListTargets(), 1)
}

func TestRegistryEventSeqMonotonic(t *testing.T) {
	g := newRegistry()
	g.Attach(page("t1", "https://a.example"), "s1")

	require.Equal(t, uint64(1), g.NextEventSeq("s1"))
	require.Equal(t, uint64(2), g.NextEventSeq("s1"))
	require.Equal(t, uint64(0), g.NextEventSeq("gone"))
}
