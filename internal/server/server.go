// Package server is the HTTP front door of the gateway: it routes the
// fixed set of endpoints to the gateway operations and writes every
// answer as a JSON envelope.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/b3-gateway/internal/gateway"
	"github.com/alexjbarnes/b3-gateway/internal/token"
	"github.com/alexjbarnes/b3-gateway/internal/upstream"
)

// Gateway runs the operations behind the endpoints. *gateway.Service
// implements it.
type Gateway interface {
	Test(ctx context.Context) (*upstream.Response, error)
	TokenInfo(ctx context.Context) (*token.Claims, error)
	Guia(ctx context.Context, q gateway.GuiaQuery) (*upstream.Response, error)
	Autosservico(ctx context.Context, e gateway.Enrollment) (*upstream.Response, error)
	Missing() []string
}

// MuxConfig holds dependencies for building the HTTP handler.
type MuxConfig struct {
	Gateway Gateway
	Logger  *slog.Logger
	// OperationTimeout bounds each request's context. Zero leaves requests
	// unbounded.
	OperationTimeout time.Duration
}

// NewMux builds the handler serving the health, readiness and B3
// endpoints, wrapped in request ID, access logging and panic recovery.
func NewMux(cfg MuxConfig) http.Handler {
	h := &handlers{gw: cfg.Gateway, logger: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /ready", h.ready)
	mux.HandleFunc("GET /api/b3/test", h.test)
	mux.HandleFunc("GET /api/b3/token-info", h.tokenInfo)
	mux.HandleFunc("GET /api/b3/guia", h.guia)
	mux.HandleFunc("POST /api/b3/autosservico", h.autosservico)

	// Method-less patterns are less specific than the ones above, so they
	// only catch the wrong methods.
	for path, allow := range map[string]string{
		"/health":              "GET, HEAD",
		"/ready":               "GET, HEAD",
		"/api/b3/test":         "GET, HEAD",
		"/api/b3/token-info":   "GET, HEAD",
		"/api/b3/guia":         "GET, HEAD",
		"/api/b3/autosservico": http.MethodPost,
	} {
		mux.HandleFunc(path, methodNotAllowed(allow))
	}

	mux.HandleFunc("/", notFound)

	var handler http.Handler = mux
	if cfg.OperationTimeout > 0 {
		handler = Deadline(cfg.OperationTimeout)(handler)
	}

	return RequestID(AccessLog(cfg.Logger)(Recover(cfg.Logger)(handler)))
}

// OperationBudget is the longest one operation may take when every step
// runs to upstreamTimeout: a token exchange and an upstream call, then a
// second exchange and call after a 401.
func OperationBudget(upstreamTimeout time.Duration) time.Duration {
	return 4 * upstreamTimeout
}

// New returns an http.Server for handler with the front door timeouts.
// WriteTimeout leaves room for the full OperationBudget so the envelope
// of a slow retried call is still delivered.
func New(addr string, handler http.Handler, upstreamTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      OperationBudget(upstreamTimeout) + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(allow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		writeJSON(w, http.StatusMethodNotAllowed, failure{
			Success: false,
			Detail:  "method " + r.Method + " not allowed",
		})
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, failure{Success: false, Detail: "no route for " + r.URL.Path})
}

// failure is the body of front door errors that never reach an operation.
type failure struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}
