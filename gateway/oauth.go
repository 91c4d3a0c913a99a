package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/pggate/pggate/auth"
	"github.com/pggate/pggate/correlator"
	"github.com/pggate/pggate/providers"
)

const (
	oauthErrorLocation   = "/oauth/error"
	oauthIdentifierPage  = "/oauth/identifier"
	oauthCallbackPage    = "/oauth/callback"
	oauthSuccessRedirect = "/dashboard/"
	oauthWebApplication  = "web"
	grantTypeAuthzCode   = "authorization_code"
)

func (g *Gateway) handleOAuth2(w http.ResponseWriter, r *http.Request) {
	segs := strings.Split(strings.ToLower(strings.Trim(r.PathValue("action"), "/")), "/")
	switch segs[0] {
	case "authorize", "auth":
		g.handleAuthorize(w, r)
	case "code":
		provider := providers.DefaultName
		if len(segs) > 1 {
			provider = segs[1]
		}
		g.handleCode(w, r, provider)
	case "token":
		if r.Method != http.MethodPost {
			oauth2Error(w, http.StatusNotFound, "invalid_request", "Not found.")
			return
		}
		g.handleToken(w, r)
	case "callback":
		target := oauthCallbackPage
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusFound)
	default:
		oauth2Error(w, http.StatusNotFound, "invalid_request", "Not found.")
	}
}

// redirectError bounces the browser to the error page with the failure
// encoded in query parameters.
func redirectError(w http.ResponseWriter, r *http.Request, location string, code int, name, message string) {
	target := location +
		"?code=" + strconv.Itoa(code) +
		"&error=" + name +
		"&error_description=" + url.QueryEscape(message)
	http.Redirect(w, r, target, http.StatusFound)
}

func oauth2Error(w http.ResponseWriter, status int, name, message string) {
	writeJSON(w, status, map[string]string{
		"error":             name,
		"error_description": message,
	})
}

// oauthErrorName translates a response status into the OAuth2 error token
// used in redirects and token responses.
func oauthErrorName(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized_client"
	case http.StatusForbidden:
		return "access_denied"
	case http.StatusInternalServerError:
		return "server_error"
	default:
		return "invalid_request"
	}
}

// handleAuthorize validates the authorization request against the default
// provider's registrations and forwards the browser to the identifier page
// with the vetted parameters.
func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	responseType := q.Get("response_type")
	clientID := q.Get("client_id")
	accessType := q.Get("access_type")
	redirectURI := q.Get("redirect_uri")
	scope := q.Get("scope")
	state := q.Get("state")

	if redirectURI == "" {
		redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "invalid_request",
			"Parameter value redirect_uri cannot be empty.")
		return
	}

	provider := g.registry.Snapshot().Default()
	if provider == nil {
		redirectError(w, r, oauthErrorLocation, http.StatusInternalServerError, "server_error",
			"No default provider configured.")
		return
	}

	_, app, ok := provider.AppByClientID(clientID)
	if !ok {
		redirectError(w, r, oauthErrorLocation, http.StatusUnauthorized, "invalid_client",
			"The OAuth client was not found.")
		return
	}

	if !app.AllowsRedirect(redirectURI) {
		redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "invalid_request",
			"Invalid parameter value for redirect_uri: Non-public domains not allowed: "+redirectURI)
		return
	}

	if responseType == "" {
		redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "invalid_request",
			"Parameter value response_type cannot be empty.")
		return
	}

	for _, rt := range strings.Fields(responseType) {
		if rt != "code" && rt != "token" {
			redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "unsupported_response_type",
				"Some requested response type were invalid: "+rt)
			return
		}
	}

	// Implicit flow cannot ask for offline access.
	if accessType != "" {
		valid := responseType != "token" && (accessType == "online" || accessType == "offline")
		if !valid {
			redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "invalid_request",
				"Invalid access_type: "+accessType)
			return
		}
	}

	for _, sc := range strings.Fields(scope) {
		if !app.KnowsScope(sc) {
			redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "invalid_scope",
				"Some requested scopes were invalid: "+sc)
			return
		}
	}

	loc := oauthIdentifierPage + "?client_id=" + url.QueryEscape(clientID) +
		"&response_type=" + url.QueryEscape(responseType)
	if redirectURI != "" {
		loc += "&redirect_uri=" + url.QueryEscape(redirectURI)
	}
	if accessType != "" {
		loc += "&access_type=" + accessType
	}
	if scope != "" {
		loc += "&scope=" + url.QueryEscape(scope)
	}
	if state != "" {
		loc += "&state=" + url.QueryEscape(state)
	}
	http.Redirect(w, r, loc, http.StatusFound)
}

// requestOrigin rebuilds the scheme://host origin of the incoming request.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// tokenEndpoint resolves the provider's token URI, using OIDC discovery on
// the issuer when the registration does not pin one.
func (g *Gateway) tokenEndpoint(r *http.Request, provider *providers.Provider, app providers.Application) (string, error) {
	uri := app.TokenURI
	if uri == "" && provider.Issuer != "" {
		p, err := oidc.NewProvider(r.Context(), provider.Issuer)
		if err != nil {
			return "", err
		}
		uri = p.Endpoint().TokenURL
	}
	if uri == "" {
		return "", errors.New("no token endpoint configured")
	}
	if strings.HasPrefix(uri, "/") {
		uri = requestOrigin(r) + uri
	}
	return uri, nil
}

// handleCode exchanges the provider's authorization code for tokens and
// signs the browser in with the result.
func (g *Gateway) handleCode(w http.ResponseWriter, r *http.Request, providerName string) {
	q := r.URL.Query()

	// The provider can bounce its own error straight through us.
	if e := q.Get("error"); e != "" {
		code := http.StatusBadRequest
		if c, err := strconv.Atoi(q.Get("code")); err == nil {
			code = c
		}
		redirectError(w, r, oauthErrorLocation, code, e, q.Get("error_description"))
		return
	}

	provider, ok := g.registry.Snapshot().Get(providerName)
	if !ok {
		redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "invalid_request",
			"Unknown provider: "+providerName)
		return
	}
	app, ok := provider.App(oauthWebApplication)
	if !ok {
		redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "invalid_request",
			"Provider has no web application registered.")
		return
	}

	endpoint, err := g.tokenEndpoint(r, provider, app)
	if err != nil {
		redirectError(w, r, oauthErrorLocation, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	form := url.Values{
		"client_id":     {app.ClientID},
		"client_secret": {app.ClientSecret},
		"grant_type":    {grantTypeAuthzCode},
		"code":          {q.Get("code")},
		"redirect_uri":  {requestOrigin(r) + r.URL.Path},
	}

	resp, err := g.oauthHTTP.PostForm(endpoint, form)
	if err != nil {
		g.log.ErrorContext(r.Context(), "oauth.exchange.fail", slog.String("err", err.Error()))
		redirectError(w, r, oauthErrorLocation, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		redirectError(w, r, oauthErrorLocation, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	if resp.StatusCode != http.StatusOK {
		var fail struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &fail)
		redirectError(w, r, oauthErrorLocation, resp.StatusCode, fail.Error, fail.Description)
		return
	}

	if provider.Name == providers.DefaultName {
		// Our own token endpoint already established the session.
		loc := g.setAuthorizationData(w, body, oauthSuccessRedirect, q.Get("state"))
		http.Redirect(w, r, loc, http.StatusFound)
		return
	}

	g.signInToken(w, r, body, q.Get("state"))
}

// signInToken verifies a third-party id token and signs its subject in
// through daemon.signin.
func (g *Gateway) signInToken(w http.ResponseWriter, r *http.Request, tokenBody []byte, state string) {
	var tok struct {
		TokenType string `json:"token_type"`
		IDToken   string `json:"id_token"`
	}
	if err := json.Unmarshal(tokenBody, &tok); err != nil {
		redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !strings.EqualFold(tok.TokenType, "Bearer") || tok.IDToken == "" {
		redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "invalid_request",
			"Token response did not carry a bearer id token.")
		return
	}

	canonical, err := g.verifier.Verify(tok.IDToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			redirectError(w, r, oauthErrorLocation, http.StatusForbidden, "invalid_token", err.Error())
		case errors.Is(err, auth.ErrUnknownProvider), errors.Is(err, auth.ErrUntrustedIssuer):
			redirectError(w, r, oauthErrorLocation, http.StatusUnauthorized, "unauthorized_client", err.Error())
		default:
			redirectError(w, r, oauthErrorLocation, http.StatusUnauthorized, "invalid_token", err.Error())
		}
		return
	}

	wt := newWaiter()
	pc := &correlator.Pending{
		Kind:          correlator.KindHTTP,
		Path:          "/sign/in/token",
		Redirect:      oauthSuccessRedirect,
		ErrorRedirect: oauthErrorLocation,
	}
	text := sqlSignIn(canonical, r.UserAgent(), remoteHost(r))
	if !g.corr.Submit(r.Context(), text, pc, wt) {
		redirectError(w, r, oauthErrorLocation, http.StatusBadRequest, "temporarily_unavailable",
			"Temporarily unavailable.")
		return
	}

	select {
	case out := <-wt.ch:
		if out.Status == http.StatusOK {
			loc := g.setAuthorizationData(w, out.Body, pc.Redirect, state)
			http.Redirect(w, r, loc, http.StatusFound)
			return
		}
		redirectError(w, r, pc.ErrorRedirect, out.Status, oauthErrorName(out.Status), out.Message)
	case <-r.Context().Done():
	}
}

// handleToken fronts daemon.token: the request's client credentials come
// from the Authorization header, the body, or the default registration, in
// that order.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	payload, err := requestPayload(r)
	if err != nil {
		oauth2Error(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var params struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &params)
	}

	clientID, clientSecret := params.ClientID, params.ClientSecret

	if h := r.Header.Get("Authorization"); h != "" {
		a, err := auth.ParseRequest(r)
		if err != nil || a.Scheme != auth.SchemeBasic {
			oauth2Error(w, http.StatusForbidden, "access_denied", "Access denied.")
			return
		}
		clientID, clientSecret = a.Identity, a.Secret
	}

	snap := g.registry.Snapshot()
	if clientID == "" {
		provider := snap.Default()
		if provider == nil {
			oauth2Error(w, http.StatusForbidden, "access_denied", "Access denied.")
			return
		}
		if app, ok := provider.App(oauthWebApplication); ok {
			clientID, clientSecret = app.ClientID, app.ClientSecret
		}
	}
	if clientID == "" {
		oauth2Error(w, http.StatusForbidden, "access_denied", "Access denied.")
		return
	}
	if clientSecret == "" {
		if _, _, app, ok := appByClientID(snap, clientID); ok {
			clientSecret = app.ClientSecret
		}
	}

	wt := newWaiter()
	pc := &correlator.Pending{Kind: correlator.KindHTTP, Path: "/oauth2/token"}
	text := sqlToken(clientID, clientSecret, payload, r.UserAgent(), remoteHost(r))
	if !g.corr.Submit(r.Context(), text, pc, wt) {
		oauth2Error(w, http.StatusBadRequest, "temporarily_unavailable", "Temporarily unavailable.")
		return
	}

	select {
	case out := <-wt.ch:
		if out.Status == http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(out.Body)
			return
		}
		oauth2Error(w, out.Status, oauthErrorName(out.Status), out.Message)
	case <-r.Context().Done():
	}
}

func appByClientID(snap *providers.Snapshot, clientID string) (*providers.Provider, string, providers.Application, bool) {
	p, name, ok := snap.ByClientID(clientID)
	if !ok {
		return nil, "", providers.Application{}, false
	}
	app, _ := p.App(name)
	return p, name, app, true
}
