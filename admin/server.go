// SPDX-License-Identifier: Apache-2.0

// Package admin exposes a node's link/target state over a small read-only
// HTTP surface, grounded on dtn7-go's agent.RestAgent.
package admin

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/inetic/club/transport"
)

// StatusProvider is whatever can report the running node's current state.
// node.Core satisfies it directly; cmd/clubd passes its Core to NewServer.
type StatusProvider interface {
	Status() NodeStatus
}

// NodeStatus is the JSON shape served at /status.
type NodeStatus struct {
	Self  transport.UUID `json:"self"`
	Links []LinkStatus   `json:"links"`
}

// LinkStatus reports one link's id, direct neighbour, and the full set of
// targets currently reachable through it.
type LinkStatus struct {
	ID      string           `json:"id"`
	Remote  transport.UUID   `json:"remote"`
	Targets []transport.UUID `json:"targets"`
	Queued  int              `json:"queued"`
}

// Server is the admin HTTP surface: GET /status and GET /healthz.
type Server struct {
	router *mux.Router
	status StatusProvider
}

// NewServer builds a Server reporting status's state.
func NewServer(status StatusProvider) *Server {
	s := &Server{router: mux.NewRouter(), status: status}

	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	return s
}

// ServeHTTP lets Server be bound directly to a net/http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status.Status()); err != nil {
		log.WithError(err).Warn("admin: failed to write /status response")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ListenAndServe starts serving Server on addr. Blocks until the server
// stops or fails.
func (s *Server) ListenAndServe(addr string) error {
	log.WithField("addr", addr).Info("admin: listening")
	return http.ListenAndServe(addr, s)
}
