package acmeagent

import (
	"os"
	"sort"

	"github.com/nubi-sh/nubi/internal/nubierr"
)

// Provider describes a supported DNS-01 challenge provider and the
// credential environment variables lego expects for it.
type Provider struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"displayName"`
	RequiredEnv  []string `json:"requiredEnv"`
	OptionalEnv  []string `json:"optionalEnv,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

var providers = map[string]Provider{
	"cloudflare": {
		Name:         "cloudflare",
		DisplayName:  "Cloudflare",
		RequiredEnv:  []string{"CLOUDFLARE_DNS_API_TOKEN"},
		OptionalEnv:  []string{"CLOUDFLARE_ZONE_API_TOKEN"},
		Instructions: "Create an API token with Zone:DNS:Edit permission for the target zone.",
	},
	"route53": {
		Name:         "route53",
		DisplayName:  "Amazon Route 53",
		RequiredEnv:  []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_REGION"},
		OptionalEnv:  []string{"AWS_HOSTED_ZONE_ID"},
		Instructions: "Use an IAM user with route53:ChangeResourceRecordSets on the hosted zone.",
	},
	"digitalocean": {
		Name:        "digitalocean",
		DisplayName: "DigitalOcean",
		RequiredEnv: []string{"DO_AUTH_TOKEN"},
	},
	"gcloud": {
		Name:        "gcloud",
		DisplayName: "Google Cloud DNS",
		RequiredEnv: []string{"GCE_PROJECT", "GCE_SERVICE_ACCOUNT_FILE"},
	},
}

// Providers lists the supported DNS providers in a stable order.
func Providers() []Provider {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupProvider returns the provider descriptor for name.
func LookupProvider(name string) (Provider, error) {
	p, ok := providers[name]
	if !ok {
		return Provider{}, nubierr.Validationf("unsupported DNS provider: %s", name)
	}
	return p, nil
}

// validateCredentials checks that every required credential is present.
func validateCredentials(p Provider, credentials map[string]string) error {
	for _, key := range p.RequiredEnv {
		if credentials[key] == "" {
			return nubierr.Validationf("missing credential %s for provider %s", key, p.Name)
		}
	}
	return nil
}

// withEnv sets the credential environment variables for the duration of fn
// and restores the prior values afterwards, so one issuance's credentials
// never leak into the next.
func withEnv(credentials map[string]string, fn func() error) error {
	prior := make(map[string]*string, len(credentials))
	for key, value := range credentials {
		if old, ok := os.LookupEnv(key); ok {
			prior[key] = &old
		} else {
			prior[key] = nil
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	defer func() {
		for key, old := range prior {
			if old == nil {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, *old)
			}
		}
	}()
	return fn()
}
