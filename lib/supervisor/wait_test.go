package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serveExtensionStatus(t *testing.T, handler http.HandlerFunc) (port int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/extension-status", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return portOf(t, srv.URL)
}

func TestWaitForExtensionReady(t *testing.T) {
	port := serveExtensionStatus(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"connected":true,"pageCount":2,"pages":[]}`)
	})

	err := WaitForExtension(context.Background(), port, WaitOptions{
		PollInterval: 50 * time.Millisecond,
		Timeout:      time.Second,
	})
	require.NoError(t, err)
}

func TestWaitForExtensionBecomesReady(t *testing.T) {
	var calls atomic.Int64
	port := serveExtensionStatus(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			fmt.Fprint(w, `{"connected":true,"pageCount":0,"pages":[]}`)
			return
		}
		fmt.Fprint(w, `{"connected":true,"pageCount":1,"pages":[]}`)
	})

	err := WaitForExtension(context.Background(), port, WaitOptions{
		PollInterval: 50 * time.Millisecond,
		Timeout:      2 * time.Second,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestWaitForExtensionTimeout(t *testing.T) {
	port := serveExtensionStatus(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"connected":false,"pageCount":0,"pages":[]}`)
	})

	err := WaitForExtension(context.Background(), port, WaitOptions{
		PollInterval: 50 * time.Millisecond,
		Timeout:      300 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrExtensionNotConnected)
	require.Contains(t, err.Error(), fmt.Sprintf("port %d", port))
}

func TestWaitForExtensionNoRelay(t *testing.T) {
	err := WaitForExtension(context.Background(), freePort(t), WaitOptions{
		PollInterval: 50 * time.Millisecond,
		Timeout:      300 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrExtensionNotConnected)
}
