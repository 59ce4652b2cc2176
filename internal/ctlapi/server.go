// Package ctlapi exposes the relay's operations over a local HTTP control
// surface plus a websocket feed of badge updates.
package ctlapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mailbeacon/mailbeacon/internal/relay"
)

const (
	defaultMaxBodyBytes = 1 << 20
	writeTimeout        = 5 * time.Second
)

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	relay   *relay.Relay
	hub     *FeedHub
	schemas *requestSchemas
	cfg     ServerConfig
}

func NewServer(rly *relay.Relay, hub *FeedHub) (*Server, error) {
	return NewServerWithConfig(rly, hub, ServerConfig{})
}

func NewServerWithConfig(rly *relay.Relay, hub *FeedHub, cfg ServerConfig) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if hub == nil {
		hub = NewFeedHub()
	}
	return &Server{relay: rly, hub: hub, schemas: schemas, cfg: cfg}, nil
}

// Hub returns the feed hub so the correlator can publish into it.
func (s *Server) Hub() *FeedHub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	switch {
	case r.URL.Path == "/v1/relay/tracking" && r.Method == http.MethodPost:
		s.handleCreateTracking(w, r)
	case r.URL.Path == "/v1/relay/statuses" && r.Method == http.MethodPost:
		s.handleStatuses(w, r)
	case r.URL.Path == "/v1/relay/recent" && r.Method == http.MethodGet:
		s.handleRecent(w, r)
	case r.URL.Path == "/v1/relay/server-url" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"serverUrl": s.relay.GetServerURL()})
	case r.URL.Path == "/v1/relay/server-url" && r.Method == http.MethodPut:
		s.handleSetServerURL(w, r)
	case r.URL.Path == "/v1/relay/ignored-ips" && r.Method == http.MethodPost:
		s.handleAddIgnoredIP(w, r)
	case r.URL.Path == "/v1/relay/watch" && r.Method == http.MethodGet:
		s.hub.serveWatch(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

// readValidatedBody drains the request body and checks it against schema,
// answering the request itself on failure.
func (s *Server) readValidatedBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema) ([]byte, bool) {
	correlationID := getCorrelationID(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body", correlationID)
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", correlationID)
		return nil, false
	}
	if err := validateBody(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) handleCreateTracking(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readValidatedBody(w, r, s.schemas.createTracking)
	if !ok {
		return
	}
	var req relay.CreateTrackingRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return
	}
	result := s.relay.CreateTracking(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readValidatedBody(w, r, s.schemas.statuses)
	if !ok {
		return
	}
	var req struct {
		Pairs []relay.StatusPair `json:"pairs"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return
	}
	statuses := s.relay.GetStatuses(r.Context(), req.Pairs)
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", getCorrelationID(r))
			return
		}
		limit = n
	}
	result := s.relay.GetRecent(r.Context(), limit)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetServerURL(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readValidatedBody(w, r, s.schemas.serverURL)
	if !ok {
		return
	}
	var req struct {
		ServerURL string `json:"serverUrl"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return
	}
	if err := s.relay.SetServerURL(req.ServerURL); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "serverUrl": s.relay.GetServerURL()})
}

func (s *Server) handleAddIgnoredIP(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readValidatedBody(w, r, s.schemas.ignoredIP)
	if !ok {
		return
	}
	var req struct {
		IP    string `json:"ip"`
		Label string `json:"label"`
	}
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return
	}
	result := s.relay.AddIgnoredIP(r.Context(), req.IP, req.Label)
	writeJSON(w, http.StatusOK, result)
}
