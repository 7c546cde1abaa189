package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"toolrelay/internal/domain"
)

// maxRequestBody caps REST request bodies.
const maxRequestBody = 1 << 20

// ServerView is one entry of GET /api/servers.
type ServerView struct {
	Name      string                  `json:"name"`
	Connected bool                    `json:"connected"`
	State     string                  `json:"state"`
	Tools     []domain.ToolDescriptor `json:"tools"`
}

// ServerList is the body of GET /api/servers.
type ServerList struct {
	Servers []ServerView `json:"servers"`
}

// AddServerRequest is the body of POST /api/servers.
type AddServerRequest struct {
	Name   string              `json:"name"`
	Config domain.LaunchConfig `json:"config"`
}

// StatusResponse acknowledges a server management call.
type StatusResponse struct {
	Status string `json:"status"`
	Server string `json:"server,omitempty"`
}

// ErrorResponse is returned by every failing REST call.
type ErrorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "toolrelay"})
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	tools := s.deps.Registry.AllTools()
	sessions := s.deps.Registry.Sessions()

	resp := ServerList{Servers: make([]ServerView, 0, len(sessions))}
	for _, info := range sessions {
		list := tools[info.Name]
		if list == nil {
			list = []domain.ToolDescriptor{}
		}
		resp.Servers = append(resp.Servers, ServerView{
			Name:      info.Name,
			Connected: info.State == domain.SessionConnected,
			State:     info.State.String(),
			Tools:     list,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req AddServerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.NewDomainError("AddServer", domain.ErrInvalidInput, "malformed JSON body"))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, domain.NewDomainError("AddServer", domain.ErrInvalidInput, "server name required"))
		return
	}

	if err := s.deps.Registry.Connect(r.Context(), req.Name, req.Config); err != nil {
		s.logger.Warn("add server failed", "server", req.Name, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "connected", Server: req.Name})
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.deps.Registry.Disconnect(r.Context(), name)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "disconnected", Server: name})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}
