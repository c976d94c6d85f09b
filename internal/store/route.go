package store

// DefaultRouteMode selects the behavior of the default_server block.
type DefaultRouteMode string

const (
	ModeNginxDefault DefaultRouteMode = "nginx_default"
	ModeCustomPage   DefaultRouteMode = "custom_page"
	ModeErrorCode    DefaultRouteMode = "error_code"
	ModeProxy        DefaultRouteMode = "proxy"
	ModeRedirect     DefaultRouteMode = "redirect"
)

// ErrorPage is a custom body for one HTTP status code.
type ErrorPage struct {
	Code       int    `json:"code"`
	CustomHTML string `json:"customHtml"`
}

// DefaultRoute is the singleton default_server configuration.
type DefaultRoute struct {
	Enabled     bool             `json:"enabled"`
	Mode        DefaultRouteMode `json:"mode"`
	Target      string           `json:"target,omitempty"`
	RedirectURL string           `json:"redirectUrl,omitempty"`
	ErrorCode   int              `json:"errorCode,omitempty"`
	CustomHTML  string           `json:"customHtml,omitempty"`
	ErrorPages  []ErrorPage      `json:"errorPages,omitempty"`
}

// Clone returns a deep copy of the route.
func (r *DefaultRoute) Clone() *DefaultRoute {
	c := *r
	if r.ErrorPages != nil {
		c.ErrorPages = append([]ErrorPage(nil), r.ErrorPages...)
	}
	return &c
}

// Maintenance is the singleton global maintenance state. While enabled, the
// default route is shadowed by a maintenance page and the prior route sits in
// the backup slot.
type Maintenance struct {
	Enabled bool   `json:"enabled"`
	Message string `json:"message,omitempty"`
}
