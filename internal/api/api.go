// Package api exposes C8's read-only query surface over HTTP, kept to a
// minimal surface: no CORS, no auth, no rate limiting. Those are an
// external deployment's job.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sequoiayc/meshbuoy/internal/config"
	"github.com/sequoiayc/meshbuoy/internal/query"
	"github.com/sequoiayc/meshbuoy/internal/store"
)

// Server wires the query surface to HTTP handlers and an http.Server.
type Server struct {
	st       *store.Store
	cfg      *config.Config
	logger   *log.Logger
	http     *http.Server
	liveness func() string
}

// New builds a Server listening on addr. Nothing is started until Run is
// called.
func New(st *store.Store, cfg *config.Config, addr string, logger *log.Logger) *Server {
	s := &Server{st: st, cfg: cfg, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/api/nodes", s.handleNodes).Methods(http.MethodGet)
	r.HandleFunc("/api/special/packets", s.handleAllSpecialPackets).Methods(http.MethodGet)
	r.HandleFunc("/api/special/{id}/history", s.handleSpecialHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/special/{id}/packets", s.handleSpecialPackets).Methods(http.MethodGet)
	r.HandleFunc("/api/gateways", s.handleGateways).Methods(http.MethodGet)
	r.HandleFunc("/api/gateways/connections", s.handleAllGatewayConnections).Methods(http.MethodGet)
	r.HandleFunc("/api/gateways/{id}/connections", s.handleGatewayConnections).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run starts the HTTP server, blocking until it stops. It returns
// http.ErrServerClosed on a clean Shutdown, which the caller should treat as
// a non-error termination.
func (s *Server) Run() error {
	s.logger.Info("http api listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleNodes implements GET /api/nodes: list_nodes().
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	now := float64(time.Now().Unix())
	writeJSON(w, query.ListNodes(s.st, s.cfg, now))
}

// handleSpecialHistory implements GET /api/special/{id}/history?hours=N:
// get_special_history(node_id, hours).
func (s *Server) handleSpecialHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseNodeID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hours := float64(s.cfg.TrailHistoryHours)
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "invalid hours", http.StatusBadRequest)
			return
		}
		hours = parsed
	}

	now := float64(time.Now().Unix())
	writeJSON(w, query.GetSpecialHistory(s.st, id, now, hours, s.cfg.DataLimitTime.Seconds()))
}

// handleSpecialPackets implements GET /api/special/{id}/packets?limit=N.
func (s *Server) handleSpecialPackets(w http.ResponseWriter, r *http.Request) {
	id, err := parseNodeID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, query.SpecialNodePackets(s.st, &id, parseLimit(r)))
}

// handleAllSpecialPackets implements GET /api/special/packets?limit=N: the
// node_id-less form of get_special_node_packets.
func (s *Server) handleAllSpecialPackets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, query.SpecialNodePackets(s.st, nil, parseLimit(r)))
}

// handleGateways implements GET /api/gateways: get_all_gateways().
func (s *Server) handleGateways(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, query.AllGateways(s.st))
}

// handleAllGatewayConnections implements GET /api/gateways/connections: the
// special_node_id-less form of get_gateway_connections.
func (s *Server) handleAllGatewayConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, query.GatewayConnections(s.st, nil))
}

// SetLivenessProbe wires the MQTT client's connection/data-freshness
// classification into GET /api/status.
func (s *Server) SetLivenessProbe(probe func() string) {
	s.liveness = probe
}

// handleStatus implements GET /api/status: the liveness classification plus
// a couple of cheap deployment facts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"special_nodes": len(s.cfg.SpecialNodes),
	}
	if s.liveness != nil {
		status["mqtt"] = s.liveness()
	}
	writeJSON(w, status)
}

// handleGatewayConnections implements GET /api/gateways/{id}/connections:
// get_gateway_connections(special_node_id).
func (s *Server) handleGatewayConnections(w http.ResponseWriter, r *http.Request) {
	id, err := parseNodeID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, query.GatewayConnections(s.st, &id))
}

func parseNodeID(raw string) (store.NodeID, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return store.NodeID(v), nil
}

func parseLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
