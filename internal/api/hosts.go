package api

import (
	"encoding/json"
	"net/http"

	"github.com/nubi-sh/nubi/internal/nubierr"
	"github.com/nubi-sh/nubi/internal/store"
)

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.ListHosts())
}

func (s *Server) getHost(w http.ResponseWriter, r *http.Request) {
	h, err := s.store.GetHost(param(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) createHost(w http.ResponseWriter, r *http.Request) {
	var h store.ProxyHost
	if !s.decode(w, r, &h) {
		return
	}
	created, err := s.orc.CreateHost(r.Context(), &h)
	s.respond(w, http.StatusCreated, created, err)
}

func (s *Server) updateHost(w http.ResponseWriter, r *http.Request) {
	var h store.ProxyHost
	if !s.decode(w, r, &h) {
		return
	}
	updated, err := s.orc.UpdateHost(r.Context(), param(r, "id"), &h)
	s.respond(w, http.StatusOK, updated, err)
}

func (s *Server) deleteHost(w http.ResponseWriter, r *http.Request) {
	err := s.orc.DeleteHost(r.Context(), param(r, "id"))
	s.respond(w, http.StatusOK, map[string]bool{"deleted": true}, err)
}

func (s *Server) toggleHost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	h, err := s.orc.ToggleHost(r.Context(), param(r, "id"), body.Enabled)
	s.respond(w, http.StatusOK, h, err)
}

func (s *Server) hostMaintenance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	h, err := s.orc.SetHostMaintenance(r.Context(), param(r, "id"), body.Enabled)
	s.respond(w, http.StatusOK, h, err)
}

func (s *Server) exportHosts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Disposition", `attachment; filename="nubi-hosts.json"`)
	s.writeJSON(w, http.StatusOK, s.store.ListHosts())
}

func (s *Server) importHosts(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !s.decode(w, r, &raw) {
		return
	}
	var req struct {
		Hosts     []*store.ProxyHost `json:"hosts"`
		Overwrite bool               `json:"overwrite"`
	}
	// Accept both the enveloped form and a bare exported array.
	if err := json.Unmarshal(raw, &req); err != nil {
		if err := json.Unmarshal(raw, &req.Hosts); err != nil {
			s.writeError(w, nubierr.Validationf("invalid import payload: %v", err))
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.orc.ImportHosts(r.Context(), req.Hosts, req.Overwrite))
}
