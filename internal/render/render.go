// Package render turns state-store records into nginx configuration
// fragments. Rendering is pure: the same record always produces the same
// bytes, and a store-validated record never fails to render.
package render

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"text/template"
)

// DefaultRouteName is the fragment file name for the default_server block.
// The 00- prefix keeps it sorted ahead of host fragments.
const DefaultRouteName = "00-nubi-default"

// HostView is a ProxyHost joined with its resolved certificate paths. The
// TLS block references the bound certificate's actual materials; a host with
// SSL requested but no resolvable certificate renders HTTP-only rather than
// pointing nginx at files that do not exist.
type HostView struct {
	ID          string
	Domain      string
	Target      string
	Backends    []BackendView
	LBMethod    string
	SSL         bool
	ForceSSL    bool
	Enabled     bool
	Maintenance bool
	WebSocket   bool
	CustomNginx string

	CertPath  string
	KeyPath   string
	ChainPath string
}

// BackendView is one upstream server line.
type BackendView struct {
	Address string
	Weight  int
	Backup  bool
}

// HasLoadBalancing reports whether an upstream block is emitted.
func (v HostView) HasLoadBalancing() bool { return len(v.Backends) >= 2 }

// HasTLS reports whether the 443 listener and ssl directives are emitted.
func (v HostView) HasTLS() bool { return v.SSL && v.CertPath != "" && v.KeyPath != "" }

// UpstreamName returns the nginx upstream name derived from the domain.
func (v HostView) UpstreamName() string { return UpstreamName(v.Domain) }

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// UpstreamName derives the upstream block name for a domain.
func UpstreamName(domain string) string {
	return "nubi_" + unsafeChars.ReplaceAllString(domain, "_")
}

// Filename derives the fragment file name for a domain. It is a pure
// function of the domain and injective over accepted domains.
func Filename(domain string) string {
	safe := strings.ReplaceAll(domain, "*", "_wildcard_")
	safe = strings.ReplaceAll(safe, ".", "_")
	return "nubi-host-" + safe + ".conf"
}

const hostTemplate = `# Nubi managed proxy host: {{ .Domain }}
# Do not edit manually - changes will be overwritten
# Host ID: {{ .ID }}

{{- if .HasLoadBalancing }}

upstream {{ .UpstreamName }} {
{{- if eq .LBMethod "least_conn" }}
    least_conn;
{{- else if eq .LBMethod "ip_hash" }}
    ip_hash;
{{- end }}
{{- range .Backends }}
    server {{ .Address }}{{ if gt .Weight 1 }} weight={{ .Weight }}{{ end }}{{ if .Backup }} backup{{ end }};
{{- end }}
}
{{- end }}

server {
    listen 80;
{{- if .HasTLS }}
    listen 443 ssl http2;
{{- end }}
    server_name {{ .Domain }};

{{- if and .HasTLS .ForceSSL }}

    if ($scheme = http) {
        return 301 https://$host$request_uri;
    }
{{- end }}

{{- if .HasTLS }}

    ssl_certificate {{ .CertPath }};
    ssl_certificate_key {{ .KeyPath }};
{{- if .ChainPath }}
    ssl_trusted_certificate {{ .ChainPath }};
{{- end }}
{{- end }}

{{- if .Maintenance }}

    # Maintenance mode - return 503 with custom page
    root {{ htmlDir }};
    error_page 503 /nubi_maintenance.html;
    location / {
        return 503;
    }
    location = /nubi_maintenance.html {
        internal;
    }
{{- else }}

    location / {
{{- if .HasLoadBalancing }}
        proxy_pass http://{{ .UpstreamName }};
{{- else }}
        proxy_pass {{ .Target }};
{{- end }}
        proxy_http_version 1.1;

        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;

{{- if .WebSocket }}
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_read_timeout 86400;
{{- end }}
    }
{{- end }}

{{- if .CustomNginx }}

    # Custom configuration
{{ .CustomNginx }}
{{- end }}
}
`

// DefaultRouteView drives the default_server template.
type DefaultRouteView struct {
	Mode        string
	Target      string
	RedirectURL string
	ErrorCode   int
	ErrorPages  []int
}

const defaultRouteTemplate = `# Nubi managed default server block
# Do not edit manually - changes will be overwritten

server {
    listen 80 default_server;
    listen [::]:80 default_server;
    server_name _;

    # Nubi metrics endpoint - internal access only
    location = /.nubi/status {
        stub_status on;
        allow 127.0.0.1;
        deny all;
    }

{{- if eq .Mode "nginx_default" }}
    root /var/www/html;
    index index.html index.htm index.nginx-debian.html;
{{- else }}
    root {{ htmlDir }};
{{- end }}

{{- range .ErrorPages }}
    error_page {{ . }} /nubi_error_{{ . }}.html;
    location = /nubi_error_{{ . }}.html {
        internal;
    }
{{- end }}

{{- if eq .Mode "redirect" }}
    location / {
        return 302 {{ .RedirectURL }};
    }
{{- else if eq .Mode "proxy" }}
    location / {
        proxy_pass {{ .Target }};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
    }
{{- else if eq .Mode "error_code" }}
    location / {
        return {{ .ErrorCode }};
    }
{{- else if eq .Mode "custom_page" }}
    location / {
        try_files /nubi_default.html =404;
    }
{{- else }}
    location / {
        try_files $uri $uri/ =404;
    }
{{- end }}
}
`

// Renderer renders fragments for one nginx deployment. htmlDir is where the
// reconciler writes custom page bodies.
type Renderer struct {
	htmlDir  string
	hostTmpl *template.Template
	dfltTmpl *template.Template
}

// New builds a Renderer rooted at htmlDir.
func New(htmlDir string) *Renderer {
	funcs := template.FuncMap{
		"htmlDir": func() string { return htmlDir },
	}
	return &Renderer{
		htmlDir:  htmlDir,
		hostTmpl: template.Must(template.New("proxy_host").Funcs(funcs).Parse(hostTemplate)),
		dfltTmpl: template.Must(template.New("default_route").Funcs(funcs).Parse(defaultRouteTemplate)),
	}
}

// Host renders the fragment for a proxy host.
func (r *Renderer) Host(v HostView) []byte {
	var buf bytes.Buffer
	if err := r.hostTmpl.Execute(&buf, v); err != nil {
		// Inputs are store-validated; a template failure is a programming
		// error, not an operator error.
		panic(fmt.Sprintf("render: host template failed for %s: %v", v.Domain, err))
	}
	return buf.Bytes()
}

// DefaultRoute renders the default_server fragment.
func (r *Renderer) DefaultRoute(v DefaultRouteView) []byte {
	var buf bytes.Buffer
	if err := r.dfltTmpl.Execute(&buf, v); err != nil {
		panic(fmt.Sprintf("render: default route template failed: %v", err))
	}
	return buf.Bytes()
}

// MaintenancePage builds the maintenance HTML body. The message is escaped;
// an empty message gets a generic line.
func MaintenancePage(message string) []byte {
	body := "The server is currently undergoing maintenance."
	if message != "" {
		body = html.EscapeString(message)
	}
	page := `<!DOCTYPE html>
<html>
<head>
  <title>Maintenance</title>
  <meta charset="utf-8">
  <style>
    body { font-family: system-ui, sans-serif; background: #0f172a; color: #e2e8f0; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; }
    .container { text-align: center; padding: 2rem; }
    h1 { font-size: 3rem; margin: 0; color: #f59e0b; }
    p { font-size: 1.25rem; color: #94a3b8; margin-top: 1rem; }
  </style>
</head>
<body>
  <div class="container">
    <h1>Under Maintenance</h1>
    <p>` + body + `</p>
    <p style="font-size: 0.875rem; margin-top: 2rem;">We'll be back shortly.</p>
  </div>
</body>
</html>
`
	return []byte(page)
}
