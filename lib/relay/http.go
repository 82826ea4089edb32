package relay

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/HsnSaboor/playwriter/lib/logger"
)

// AuthHeader carries the opaque auth token on non-loopback connections.
// The token query parameter is accepted as an alternative on upgrade.
const AuthHeader = "x-playwriter-token"

// Handler returns the relay's HTTP surface: discovery endpoints plus the
// two WebSocket upgrade paths.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(r.authMiddleware)

	router.Get("/version", r.handleVersion)
	router.Get("/json/version", r.handleJSONVersion)
	router.Get("/json/list", r.handleJSONList)
	router.Get("/extension-status", r.handleExtensionStatus)

	router.HandleFunc("/extension", r.handleExtensionWS)
	router.HandleFunc("/"+ClientRoot, func(w http.ResponseWriter, req *http.Request) {
		r.handleClientWS(w, req, uuid.NewString())
	})
	router.HandleFunc("/"+ClientRoot+"/{clientId}", func(w http.ResponseWriter, req *http.Request) {
		r.handleClientWS(w, req, chi.URLParam(req, "clientId"))
	})

	return router
}

// authMiddleware admits loopback peers outright; everyone else must
// present the configured token, compared in constant time.
func (r *Relay) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		if isLoopbackIP(host) {
			next.ServeHTTP(w, req)
			return
		}

		token := req.Header.Get(AuthHeader)
		if token == "" {
			token = req.URL.Query().Get("token")
		}
		if r.opts.AuthToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(r.opts.AuthToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func isLoopbackIP(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

// handleVersion serves the lifecycle supervisor's identity probe.
func (r *Relay) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, req, map[string]string{"version": r.opts.Version})
}

func (r *Relay) handleJSONVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, req, map[string]string{
		"Browser":              "Playwriter-Relay/" + r.opts.Version,
		"Protocol-Version":     ProtocolVersion,
		"webSocketDebuggerUrl": r.debuggerURL(),
	})
}

// targetDescriptor is one entry of /json/list, shaped like Chrome's
// /json/list output.
type targetDescriptor struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func (r *Relay) handleJSONList(w http.ResponseWriter, req *http.Request) {
	descriptors := lo.Map(r.registry.ListTargets(), func(info TargetInfo, _ int) targetDescriptor {
		return targetDescriptor{
			ID:                   info.TargetID,
			Type:                 info.Type,
			Title:                info.Title,
			URL:                  info.URL,
			WebSocketDebuggerURL: r.debuggerURL(),
		}
	})
	writeJSON(w, req, descriptors)
}

func (r *Relay) handleExtensionStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, req, r.Status())
}

// debuggerURL is the default client path; connecting without a clientId
// gets one assigned.
func (r *Relay) debuggerURL() string {
	return fmt.Sprintf("ws://%s:%d/%s", r.opts.Host, r.opts.Port, ClientRoot)
}

// writeJSON marshals before touching the ResponseWriter so an encode
// failure can still answer 500 with a JSON error body.
func writeJSON(w http.ResponseWriter, req *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	data, err := json.Marshal(v)
	if err != nil {
		logger.FromContext(req.Context()).Error("encode response failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error"}`))
		return
	}
	_, _ = w.Write(data)
}
