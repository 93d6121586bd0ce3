// Package httpapi implements the HTTP adapter of SPEC_FULL.md §3: it
// translates the REST surface of spec.md §6.1 into calls against
// *presence.Engine and serialises responses in the {"status","reason",
// "result"} envelope. It holds no presence state of its own.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tipmeet/tippresence/internal/presence"
)

// Server is the HTTP adapter over a presence engine.
type Server struct {
	engine *presence.Engine
	logger *slog.Logger
	users  map[string]string
	mux    *http.ServeMux
}

// New builds a Server. users is the fixed Basic Auth user->password map; an
// empty map disables authentication (spec.md §6.1).
func New(engine *presence.Engine, logger *slog.Logger, users map[string]string) *Server {
	s := &Server{engine: engine, logger: logger, users: users}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /presence/{$}", s.requireAuth(s.handleDump))
	s.mux.HandleFunc("POST /presence/{$}", s.requireAuth(s.handleBulkPut))
	s.mux.HandleFunc("GET /presence/{resource}", s.handleGet)
	s.mux.HandleFunc("PUT /presence/{resource}", s.requireAuth(s.handlePut))
	s.mux.HandleFunc("PUT /presence/{resource}/{tag}", s.requireAuth(s.handlePut))
	s.mux.HandleFunc("DELETE /presence/{resource}/{tag}", s.requireAuth(s.handleRemove))
	s.mux.HandleFunc("GET /stats", s.handleStats)
}

// envelope is the response shape mandated verbatim by spec.md §6.1.
type envelope struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Result any    `json:"result,omitempty"`
}

func writeOK(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, envelope{Status: "ok", Result: result})
}

func writeFailure(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusOK, envelope{Status: "failure", Reason: reason})
}

func writeJSON(w http.ResponseWriter, code int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// putBody is the request shape for PUT /presence/<resource>[/<tag>], per
// spec.md §6.1: "expires" is required, "priority" defaults to 0.
type putBody struct {
	Presence presence.PresenceDoc `json:"presence"`
	Expires  int                  `json:"expires"`
	Priority int                  `json:"priority"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	view, err := s.engine.Aggregated(r.Context(), resource)
	if err != nil {
		s.logger.Error("GET /presence/{resource} failed", slog.String("resource", resource), slog.String("error", err.Error()))
		writeFailure(w, "internal error")
		return
	}
	status, _ := view.StatusValue()
	w.Header().Set("X-Presence-Status", status)
	writeOK(w, map[string]any{"presence": view})
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	dump, err := s.engine.Dump(r.Context())
	if err != nil {
		s.logger.Error("GET /presence/ failed", slog.String("error", err.Error()))
		writeFailure(w, "internal error")
		return
	}

	result := make(map[string]any, len(dump))
	for resource, statuses := range dump {
		result[resource] = presence.Aggregate(statuses)
	}
	writeOK(w, result)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	tag := r.PathValue("tag")

	var body putBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFailure(w, "malformed body: "+err.Error())
		return
	}

	used, err := s.engine.Put(r.Context(), resource, body.Presence, body.Expires, body.Priority, tag)
	if err != nil {
		writeFailure(w, errorReason(err))
		return
	}
	writeOK(w, map[string]any{"tag": used})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	tag := r.PathValue("tag")

	if ok := s.engine.Remove(r.Context(), resource, tag); !ok {
		writeFailure(w, "Not Found")
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleBulkPut(w http.ResponseWriter, r *http.Request) {
	var bulk map[string]struct {
		putBody
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&bulk); err != nil {
		writeFailure(w, "malformed body: "+err.Error())
		return
	}

	result := make(map[string]string, len(bulk))
	for resource, body := range bulk {
		used, err := s.engine.Put(r.Context(), resource, body.Presence, body.Expires, body.Priority, body.Tag)
		if err != nil {
			// All-or-first-error, per spec.md §6.1's bulk Put semantics.
			writeFailure(w, resource+": "+errorReason(err))
			return
		}
		result[resource] = used
	}
	writeOK(w, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.engine.Stats())
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, presence.ErrExpireLimitExceeded):
		return "expire limit exceeded"
	case errors.Is(err, presence.ErrUnknownStatus):
		return "unknown status"
	default:
		return err.Error()
	}
}
