// Package api is the daemon's HTTP surface: the management REST API, the
// websocket telemetry endpoint, the Prometheus registry and the static UI.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/nubi-sh/nubi/internal/accesslog"
	"github.com/nubi-sh/nubi/internal/nubierr"
	"github.com/nubi-sh/nubi/internal/orchestrator"
	"github.com/nubi-sh/nubi/internal/store"
	"github.com/nubi-sh/nubi/internal/telemetry"
)

// Server routes API requests to the orchestrator and store.
type Server struct {
	router *httprouter.Router

	store  *store.Store
	orc    *orchestrator.Orchestrator
	fanout *telemetry.Fanout
	logs   *accesslog.Aggregator
	log    *zap.Logger
}

// Options configures the server.
type Options struct {
	Store     *store.Store
	Orc       *orchestrator.Orchestrator
	Fanout    *telemetry.Fanout
	Metrics   *telemetry.Metrics
	Logs      *accesslog.Aggregator
	StaticDir string
	Logger    *zap.Logger
}

// New builds the router and registers every endpoint.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		router: httprouter.New(),
		store:  opts.Store,
		orc:    opts.Orc,
		fanout: opts.Fanout,
		logs:   opts.Logs,
		log:    opts.Logger,
	}

	r := s.router

	r.HandlerFunc(http.MethodGet, "/api/hosts", s.listHosts)
	r.HandlerFunc(http.MethodPost, "/api/hosts", s.createHost)
	r.HandlerFunc(http.MethodGet, "/api/hosts/:id", s.getHost)
	r.HandlerFunc(http.MethodPut, "/api/hosts/:id", s.updateHost)
	r.HandlerFunc(http.MethodDelete, "/api/hosts/:id", s.deleteHost)
	r.HandlerFunc(http.MethodPost, "/api/hosts/:id/toggle", s.toggleHost)
	r.HandlerFunc(http.MethodPost, "/api/hosts/:id/maintenance", s.hostMaintenance)
	r.HandlerFunc(http.MethodGet, "/api/export/hosts", s.exportHosts)
	r.HandlerFunc(http.MethodPost, "/api/import/hosts", s.importHosts)

	r.HandlerFunc(http.MethodGet, "/api/certificates", s.listCertificates)
	r.HandlerFunc(http.MethodPost, "/api/certificates", s.uploadCertificate)
	r.HandlerFunc(http.MethodGet, "/api/certificates/:id", s.getCertificate)
	r.HandlerFunc(http.MethodPut, "/api/certificates/:id", s.updateCertificate)
	r.HandlerFunc(http.MethodDelete, "/api/certificates/:id", s.deleteCertificate)
	r.HandlerFunc(http.MethodPost, "/api/certificates/:id/renew", s.renewCertificate)
	r.HandlerFunc(http.MethodPost, "/api/certificates/:id/apply", s.applyCertificate)

	r.HandlerFunc(http.MethodPost, "/api/acme/issue", s.issueCertificate)
	r.HandlerFunc(http.MethodPost, "/api/acme/selfsigned", s.issueSelfSigned)
	r.HandlerFunc(http.MethodGet, "/api/acme/renewals", s.renewalScan)
	r.HandlerFunc(http.MethodGet, "/api/acme/providers", s.listProviders)

	r.HandlerFunc(http.MethodGet, "/api/tags", s.listTags)
	r.HandlerFunc(http.MethodPost, "/api/tags", s.createTag)
	r.HandlerFunc(http.MethodPut, "/api/tags/:id", s.updateTag)
	r.HandlerFunc(http.MethodDelete, "/api/tags/:id", s.deleteTag)
	r.HandlerFunc(http.MethodPost, "/api/tags/:id/assign", s.assignTag)

	r.HandlerFunc(http.MethodGet, "/api/default-route", s.getDefaultRoute)
	r.HandlerFunc(http.MethodPut, "/api/default-route", s.setDefaultRoute)
	r.HandlerFunc(http.MethodDelete, "/api/default-route", s.disableDefaultRoute)

	r.HandlerFunc(http.MethodGet, "/api/maintenance", s.getMaintenance)
	r.HandlerFunc(http.MethodPost, "/api/maintenance", s.setMaintenance)

	r.HandlerFunc(http.MethodGet, "/api/nginx/status", s.nginxStatus)
	r.HandlerFunc(http.MethodPost, "/api/nginx/reload", s.nginxReload)
	r.HandlerFunc(http.MethodPost, "/api/nginx/test", s.nginxTest)

	r.HandlerFunc(http.MethodGet, "/api/logs/stats", s.logStats)
	r.HandlerFunc(http.MethodGet, "/api/logs/recent", s.logRecent)

	if opts.Metrics != nil {
		r.Handler(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	r.HandlerFunc(http.MethodGet, "/ws", s.serveWS)

	if opts.StaticDir != "" {
		r.NotFound = http.FileServer(http.Dir(opts.StaticDir))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// param extracts a path parameter set by httprouter.
func param(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError maps the error taxonomy to HTTP statuses. A reload failure is
// not an error response: the state is committed, so the caller gets 200 with
// a warning attached to the payload.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	e, ok := nubierr.As(err)
	if !ok {
		s.log.Error("unclassified error", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	body := map[string]any{"error": e.Message}
	if e.Detail != "" {
		body["detail"] = e.Detail
	}
	s.writeJSON(w, e.HTTPStatus(), body)
}

// respond finishes a mutation. err may be nil, a committed reload-failed
// warning, or a real failure.
func (s *Server) respond(w http.ResponseWriter, status int, v any, err error) {
	if err == nil {
		s.writeJSON(w, status, v)
		return
	}
	if nubierr.KindOf(err) == nubierr.KindReloadFailed {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"data":    v,
			"warning": err.Error(),
		})
		return
	}
	s.writeError(w, err)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, nubierr.Validationf("invalid request body: %v", err))
		return false
	}
	return true
}
