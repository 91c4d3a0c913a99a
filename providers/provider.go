package providers

import (
	"slices"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultName is the name of the provider that issues this deployment's own
// tokens and backs the default OAuth2 flows.
const DefaultName = "default"

// Application is one client registration under a provider.
type Application struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
	Issuers      []string `yaml:"issuers"`
	AuthURI      string   `yaml:"auth_uri"`
	TokenURI     string   `yaml:"token_uri"`
}

// AllowsRedirect reports whether uri is registered for this application.
func (a Application) AllowsRedirect(uri string) bool {
	return slices.Contains(a.RedirectURIs, uri)
}

// TrustsIssuer reports whether iss is among the accepted issuers.
func (a Application) TrustsIssuer(iss string) bool {
	return slices.Contains(a.Issuers, iss)
}

// KnowsScope reports whether scope belongs to the application's vocabulary.
func (a Application) KnowsScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

// Provider is one identity source with its client registrations and keys.
// A Provider belongs to a Snapshot and is never mutated after load.
type Provider struct {
	Name string
	// Issuer enables OIDC discovery of endpoints when the config does not
	// pin auth_uri/token_uri.
	Issuer string
	// DefaultApp names the registration used when a request does not select
	// one. Defaults to "web".
	DefaultApp string

	apps map[string]Application
	keys *jose.JSONWebKeySet
	kf   jwt.Keyfunc
}

// App returns the named client registration, falling back to the default
// application when name is empty.
func (p *Provider) App(name string) (Application, bool) {
	if name == "" {
		name = p.DefaultApp
	}
	app, ok := p.apps[name]
	return app, ok
}

// AppByClientID returns the application registered under the given client id.
func (p *Provider) AppByClientID(clientID string) (string, Application, bool) {
	for name, app := range p.apps {
		if app.ClientID == clientID {
			return name, app, true
		}
	}
	return "", Application{}, false
}

// LocalKey returns the public key loaded from the provider's key file for
// the given key id.
func (p *Provider) LocalKey(kid string) (any, bool) {
	if p.keys == nil {
		return nil, false
	}
	for _, k := range p.keys.Key(kid) {
		return k.Key, true
	}
	return nil, false
}

// Keyfunc returns the remote JWKS key resolver, or nil when the provider has
// no jwks_uri configured.
func (p *Provider) Keyfunc() jwt.Keyfunc { return p.kf }

// Snapshot is one immutable, internally consistent view of all providers.
type Snapshot struct {
	providers map[string]*Provider
}

// Get returns the named provider.
func (s *Snapshot) Get(name string) (*Provider, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// Default returns the default provider, or nil if none is configured.
func (s *Snapshot) Default() *Provider {
	return s.providers[DefaultName]
}

// ByClientID locates the provider and application that issued tokens for the
// given audience (client id).
func (s *Snapshot) ByClientID(clientID string) (*Provider, string, bool) {
	for _, p := range s.providers {
		if name, _, ok := p.AppByClientID(clientID); ok {
			return p, name, true
		}
	}
	return nil, "", false
}
