package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.0.1", "1.0.0", 1},
		{"1.10.0", "1.9.0", 1},
		{"2.0", "1.9.9", 1},
		{"1.0", "1.0.0", 0},
		{"0.9", "1.0", -1},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, CompareVersions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func serveVersion(t *testing.T, version string) (port int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"` + version + `"}`))
	}))
	t.Cleanup(srv.Close)
	return portOf(t, srv.URL)
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestProbeVersion(t *testing.T) {
	port := serveVersion(t, "1.2.3")

	v, err := ProbeVersion(context.Background(), port, time.Second)
	require.NoError(t, err)
	require.Equal(t, "1.2.3", v)

	_, err = ProbeVersion(context.Background(), freePort(t), 200*time.Millisecond)
	require.Error(t, err)
}

func TestEnsureRunningMatchingVersion(t *testing.T) {
	port := serveVersion(t, "1.2.0")

	res, err := EnsureRunning(context.Background(), Options{
		Port:    port,
		Version: "1.2.0",
		Command: []string{"/bin/false"},
	})
	require.NoError(t, err)
	require.False(t, res.Started)
}

func TestEnsureRunningLeavesNewerAlone(t *testing.T) {
	port := serveVersion(t, "3.0.0")

	res, err := EnsureRunning(context.Background(), Options{
		Port:    port,
		Version: "1.2.0",
		Command: []string{"/bin/false"},
	})
	require.NoError(t, err)
	require.False(t, res.Started)
}

func TestEnsureRunningRequiresCommand(t *testing.T) {
	_, err := EnsureRunning(context.Background(), Options{
		Port:         freePort(t),
		Version:      "1.2.0",
		ProbeTimeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no relay command")
}

func TestEnsureRunningStartTimeout(t *testing.T) {
	res, err := EnsureRunning(context.Background(), Options{
		Port:         freePort(t),
		Version:      "1.2.0",
		Command:      []string{"/bin/sleep", "2"},
		ProbeTimeout: 100 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
		StartTimeout: 500 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrStartTimeout)
	require.False(t, res.Started)
}
