package gateway

import (
	"encoding/json"
	"net/http"
)

// statusResponse is the body of GET /ws/status.
type statusResponse struct {
	ActiveConnections    int `json:"active_connections"`
	MessageHistoryLength int `json:"message_history_length"`
}

// ServeStatus reports the live connection count and retained history
// depth, the two numbers spec §6's /ws/status endpoint exposes.
func (g *Gateway) ServeStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		ActiveConnections:    g.registry.ActiveCount(),
		MessageHistoryLength: g.registry.HistoryLength(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ServeHealthz is a liveness probe: the process is up and able to answer
// HTTP, independent of registry or downstream KV-store state.
func (g *Gateway) ServeHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Mount registers the gateway's HTTP surface on mux: the WebSocket
// upgrade endpoint plus the status/health/metrics endpoints of spec §6.
func (g *Gateway) Mount(mux *http.ServeMux, metricsHandler http.Handler) {
	mux.HandleFunc("/ws", g.ServeWS)
	mux.HandleFunc("/api/v1/ws", g.ServeWS)
	mux.HandleFunc("/ws/status", g.ServeStatus)
	mux.HandleFunc("/healthz", g.ServeHealthz)
	mux.Handle("/metrics", metricsHandler)
}
