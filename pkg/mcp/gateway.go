package mcp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/helm/instructions/pkg/dispatch"
)

// maxBody bounds a single gateway request.
const maxBody = 4 << 20

// Gateway serves the dispatcher over plain HTTP for callers that do not
// speak MCP.
type Gateway struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewGateway creates the HTTP gateway.
func NewGateway(d Dispatcher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default().With("component", "gateway")
	}
	return &Gateway{dispatcher: d, logger: logger}
}

// DispatchRequest is the wire format for POST /v1/dispatch.
type DispatchRequest struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// RegisterRoutes registers the gateway routes on mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/capabilities", g.handleCapabilities)
	mux.HandleFunc("POST /v1/dispatch", g.handleDispatch)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Handler returns a mux with all routes registered.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.RegisterRoutes(mux)
	return mux
}

func (g *Gateway) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	g.write(w, r, g.dispatcher.Dispatch(r.Context(), string(dispatch.ActionCapabilities), nil))
}

func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	g.write(w, r, g.dispatcher.Dispatch(r.Context(), req.Action, req.Args))
}

// write answers 200 for every envelope except internal failures, which map
// to 500.
func (g *Gateway) write(w http.ResponseWriter, r *http.Request, res dispatch.Result) {
	status := http.StatusOK
	if !res.OK() && res.Failure.Class == dispatch.ClassInternal {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		g.logger.WarnContext(r.Context(), "gateway: write response", "error", err)
	}
}
