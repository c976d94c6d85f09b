package api

import (
	"net/http"
	"strconv"

	"github.com/nubi-sh/nubi/internal/accesslog"
	"github.com/nubi-sh/nubi/internal/store"
)

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.ListTags())
}

func (s *Server) createTag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	tag, err := s.store.CreateTag(body.Name, body.Color)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tag)
}

func (s *Server) updateTag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	tag, err := s.store.UpdateTag(param(r, "id"), body.Name, body.Color)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tag)
}

func (s *Server) deleteTag(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTag(param(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) assignTag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Add     bool     `json:"add"`
		HostIDs []string `json:"hostIds"`
		CertIDs []string `json:"certificateIds"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	result, err := s.store.BulkTag(param(r, "id"), body.Add, body.HostIDs, body.CertIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) getDefaultRoute(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.DefaultRoute())
}

func (s *Server) setDefaultRoute(w http.ResponseWriter, r *http.Request) {
	var route store.DefaultRoute
	if !s.decode(w, r, &route) {
		return
	}
	route.Enabled = true
	updated, err := s.orc.SetDefaultRoute(r.Context(), &route)
	s.respond(w, http.StatusOK, updated, err)
}

func (s *Server) disableDefaultRoute(w http.ResponseWriter, r *http.Request) {
	err := s.orc.DisableDefaultRoute(r.Context())
	s.respond(w, http.StatusOK, map[string]bool{"enabled": false}, err)
}

func (s *Server) getMaintenance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.MaintenanceState())
}

func (s *Server) setMaintenance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool   `json:"enabled"`
		Message string `json:"message"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	err := s.orc.SetMaintenance(r.Context(), body.Enabled, body.Message)
	s.respond(w, http.StatusOK, store.Maintenance{Enabled: body.Enabled, Message: body.Message}, err)
}

func (s *Server) nginxStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orc.Status(r.Context()))
}

func (s *Server) nginxReload(w http.ResponseWriter, r *http.Request) {
	err := s.orc.Reload(r.Context())
	s.respond(w, http.StatusOK, map[string]bool{"reloaded": true}, err)
}

func (s *Server) nginxTest(w http.ResponseWriter, r *http.Request) {
	out, err := s.orc.ValidateConfig(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"valid":  err == nil,
		"output": out,
	})
}

func (s *Server) logStats(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		s.writeJSON(w, http.StatusOK, accesslog.Stats{StatusCodes: map[string]int64{}})
		return
	}
	s.writeJSON(w, http.StatusOK, s.logs.Snapshot())
}

func (s *Server) logRecent(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		s.writeJSON(w, http.StatusOK, []*accesslog.Record{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records := s.logs.Recent(limit)
	if records == nil {
		records = []*accesslog.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}
