package api

import (
	"net/http"
	"time"

	"github.com/nubi-sh/nubi/internal/acmeagent"
	"github.com/nubi-sh/nubi/internal/store"
)

func (s *Server) listCertificates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.ListCertificates())
}

func (s *Server) getCertificate(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCertificate(param(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) uploadCertificate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string    `json:"name"`
		Domains     []string  `json:"domains"`
		Certificate string    `json:"certificate"`
		PrivateKey  string    `json:"privateKey"`
		Chain       string    `json:"chain,omitempty"`
		ExpiresAt   time.Time `json:"expiresAt"`
		Tags        []string  `json:"tags,omitempty"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	cert := &store.Certificate{
		Name:      body.Name,
		Domains:   body.Domains,
		Type:      store.CertUploaded,
		ExpiresAt: body.ExpiresAt,
		Tags:      body.Tags,
	}
	created, err := s.store.CreateCertificate(cert, []byte(body.Certificate), []byte(body.PrivateKey), []byte(body.Chain))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) updateCertificate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string   `json:"name"`
		Domains   []string `json:"domains"`
		Tags      []string `json:"tags"`
		AutoRenew bool     `json:"autoRenew"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	updated, err := s.store.UpdateCertificate(param(r, "id"), body.Name, body.Domains, body.Tags, body.AutoRenew)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteCertificate(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.DeleteCertificate(r.Context(), param(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) applyCertificate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HostIDs []string `json:"hostIds"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	err := s.orc.ApplyCertificate(r.Context(), param(r, "id"), body.HostIDs)
	s.respond(w, http.StatusOK, map[string]int{"applied": len(body.HostIDs)}, err)
}

func (s *Server) issueCertificate(w http.ResponseWriter, r *http.Request) {
	var req acmeagent.IssueRequest
	if !s.decode(w, r, &req) {
		return
	}
	cert, err := s.orc.IssueCertificate(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cert)
}

func (s *Server) issueSelfSigned(w http.ResponseWriter, r *http.Request) {
	var req acmeagent.SelfSignedRequest
	if !s.decode(w, r, &req) {
		return
	}
	cert, err := s.orc.IssueSelfSigned(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cert)
}

func (s *Server) renewCertificate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider    string            `json:"dnsProvider"`
		Credentials map[string]string `json:"credentials"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	renewed, err := s.orc.RenewCertificate(r.Context(), param(r, "id"), body.Provider, body.Credentials)
	s.respond(w, http.StatusOK, renewed, err)
}

func (s *Server) renewalScan(w http.ResponseWriter, r *http.Request) {
	due := s.orc.RenewalScan()
	if due == nil {
		due = []acmeagent.RenewalCandidate{}
	}
	s.writeJSON(w, http.StatusOK, due)
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, acmeagent.Providers())
}
