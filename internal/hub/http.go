package hub

import (
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/robman/flohub/internal/pathutil"
)

// tlsSetupPage is the landing page served so browsers can accept a
// self-signed certificate before opening the WebSocket.
const tlsSetupPage = `<!DOCTYPE html>
<html>
<head><title>flohub TLS setup</title></head>
<body>
<h1>Certificate accepted</h1>
<p>This hub uses a self-signed certificate. Now that your browser trusts it,
return to the app and reconnect.</p>
</body>
</html>`

// Handler builds the hub's HTTP surface.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", h.handleWS)
	mux.Handle("/stream", h.streamServer)
	mux.Handle("/metrics", h.metrics.Handler())

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/api/", h.proxy)
	mux.HandleFunc("/agents/", h.handleAgentFile)

	mux.HandleFunc("/tls-setup", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(tlsSetupPage))
	})

	return h.corsMiddleware(mux)
}

// corsMiddleware answers preflights and stamps CORS headers on the API
// and agent-file surfaces.
func (h *Hub) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api") || strings.HasPrefix(r.URL.Path, "/agents/") {
			h.setCORSHeaders(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Hub) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	allowed := h.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		for _, candidate := range allowed {
			if candidate == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				break
			}
		}
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers",
		"Content-Type, x-hub-token, x-api-provider, anthropic-version, Authorization")
	if r.Header.Get("Access-Control-Request-Private-Network") == "true" {
		w.Header().Set("Access-Control-Allow-Private-Network", "true")
	}
}

// handleAgentFile serves one workspace file through a signed URL:
// GET /agents/{agentId}/files/{path}?sig=…&exp=…
func (h *Hub) handleAgentFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/agents/")
	agentID, filePath, ok := strings.Cut(rest, "/files/")
	if !ok || agentID == "" || filePath == "" {
		http.NotFound(w, r)
		return
	}

	// The signature covers the path; verify before touching the
	// filesystem.
	query := r.URL.Query()
	if !verifyFileSig(h.cfg.Auth.Token, r.URL.Path, query.Get("sig"), query.Get("exp"), time.Now()) {
		http.Error(w, "invalid or expired signature", http.StatusForbidden)
		return
	}

	if err := pathutil.ValidateAgentID(agentID); err != nil {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}
	resolved, err := pathutil.ValidateFilePath(filePath, h.store.FilesRoot(agentID))
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeFile(w, r, resolved)
}
