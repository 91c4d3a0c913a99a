// Package gateway is the HTTP and WebSocket front door. It resolves caller
// credentials, rewrites each request into a daemon.* stored procedure call,
// and correlates the asynchronous result back to the waiting transport.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pggate/pggate/auth"
	"github.com/pggate/pggate/correlator"
	"github.com/pggate/pggate/internal/jwtverify"
	"github.com/pggate/pggate/internal/logctx"
	"github.com/pggate/pggate/jobs"
	"github.com/pggate/pggate/providers"
	"github.com/pggate/pggate/sessions"
)

const (
	defaultReceiveWindow = 5000 * time.Millisecond

	// sidCookieMaxAge keeps a signed-in browser session for 60 days.
	sidCookieMaxAge = 60 * 86400
)

var jobIDPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Gateway routes the public surface. It is an http.Handler.
type Gateway struct {
	log       *slog.Logger
	registry  *providers.Registry
	verifier  *jwtverify.Verifier
	corr      *correlator.Correlator
	sessions  *sessions.Manager
	jobs      jobs.Store
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	recvWin   time.Duration
	oauthHTTP *http.Client
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithReceiveWindow sets the default signed-request replay window.
func WithReceiveWindow(d time.Duration) Option {
	return func(g *Gateway) { g.recvWin = d }
}

// WithOAuthClient sets the HTTP client used for token-endpoint exchanges.
func WithOAuthClient(c *http.Client) Option {
	return func(g *Gateway) { g.oauthHTTP = c }
}

// New wires the gateway against its collaborators.
func New(registry *providers.Registry, corr *correlator.Correlator, store jobs.Store, opts ...Option) (*Gateway, error) {
	if registry == nil || corr == nil || store == nil {
		return nil, errors.New("gateway: registry, correlator and job store are required")
	}
	g := &Gateway{
		log:      slog.New(slog.DiscardHandler),
		registry: registry,
		corr:     corr,
		jobs:     store,
		recvWin:  defaultReceiveWindow,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		oauthHTTP: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.verifier = jwtverify.New(registry.Snapshot, jwtverify.WithLogger(g.log))
	g.sessions = sessions.NewManager(sessions.WithLogger(g.log))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", g.handlePing)
	mux.HandleFunc("GET /time", g.handleTime)
	mux.HandleFunc("GET /api/{version}/{path...}", g.handleAPI)
	mux.HandleFunc("POST /api/{version}/{path...}", g.handleAPI)
	mux.HandleFunc("GET /session/{identity}", g.handleSession)
	mux.HandleFunc("GET /oauth2/{action...}", g.handleOAuth2)
	mux.HandleFunc("POST /oauth2/{action...}", g.handleOAuth2)
	g.mux = mux
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	g.mux.ServeHTTP(w, r.WithContext(ctx))
}

// Sessions exposes the live session registry.
func (g *Gateway) Sessions() *sessions.Manager {
	return g.sessions
}

func (g *Gateway) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) handleTime(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"serverTime": time.Now().UnixMilli()})
}

// checkAuthorization resolves the request's credential. Bearer tokens are
// verified and replaced with their canonical HS256 form before they ever
// reach SQL.
func (g *Gateway) checkAuthorization(r *http.Request) (auth.Authorization, int, error) {
	a, err := auth.ParseRequest(r)
	if err != nil {
		return auth.Authorization{}, http.StatusBadRequest, err
	}
	if a.Scheme == auth.SchemeBearer {
		canonical, err := g.verifier.Verify(a.Token)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				return auth.Authorization{}, http.StatusForbidden, err
			}
			return auth.Authorization{}, http.StatusUnauthorized, err
		}
		a.Resolved = canonical
	}
	return a, 0, nil
}

// requestPayload renders the request's inputs as the JSON payload handed to
// the stored procedure: the body verbatim for JSON requests, otherwise the
// form or query parameters folded into an object.
func requestPayload(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet {
		return paramsToJSON(r.URL.Query())
	}

	mt, err := contenttype.GetMediaType(r)
	if err == nil && mt.Type == "application" && mt.Subtype == "json" {
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = []byte(strings.TrimSpace(string(body)))
		if len(body) == 0 {
			return nil, nil
		}
		if !json.Valid(body) {
			return nil, errors.New("request body is not valid JSON")
		}
		return body, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return paramsToJSON(r.PostForm)
}

func paramsToJSON(values url.Values) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	obj := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			obj[k] = vs[0]
		}
	}
	return json.Marshal(obj)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) handleAPI(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	if version != "v1" && version != "v2" {
		writeError(w, http.StatusNotFound, "Not Found.")
		return
	}

	rest := strings.ToLower(strings.Trim(r.PathValue("path"), "/"))
	if rest == "" {
		writeError(w, http.StatusNotFound, "Not Found.")
		return
	}
	path := "/" + rest

	switch path {
	case "/ping":
		w.WriteHeader(http.StatusOK)
		return
	case "/time":
		writeJSON(w, http.StatusOK, map[string]int64{"serverTime": time.Now().UnixMilli()})
		return
	case "/identifier":
		g.handleIdentifier(w, r)
		return
	}

	if version == "v2" {
		g.handleDeferred(w, r, path)
		return
	}
	g.handleFetch(w, r, path)
}

// buildFetchSQL picks the daemon entry point for the request's credential.
func (g *Gateway) buildFetchSQL(r *http.Request, path string, payload []byte) (string, int, error) {
	agent := r.UserAgent()
	host := remoteHost(r)

	if sig := r.Header.Get("Signature"); sig != "" {
		session := auth.SessionValue(r)
		nonce := r.Header.Get("Nonce")

		window := g.recvWin
		if rw := r.URL.Query().Get("receive_window"); rw != "" {
			if ms, err := strconv.Atoi(rw); err == nil && ms > 0 {
				window = time.Duration(ms) * time.Millisecond
			}
		}
		return sqlSignedFetch(path, payload, session, nonce, sig, agent, host, window), 0, nil
	}

	a, status, err := g.checkAuthorization(r)
	if err != nil {
		return "", status, err
	}

	switch a.Scheme {
	case auth.SchemeBearer:
		return sqlBearerFetch(a.Resolved, path, payload, agent, host), 0, nil
	case auth.SchemeBasic:
		kind := "authorized"
		if a.Source == auth.SourceSession {
			kind = "session"
		}
		return sqlBasicFetch(kind, a.Identity, a.Secret, path, payload, agent, host), 0, nil
	default:
		return sqlUnauthorizedFetch(path, payload, agent, host), 0, nil
	}
}

// handleFetch runs the synchronous v1 flow: submit, then hold the
// connection open until the result is correlated back.
func (g *Gateway) handleFetch(w http.ResponseWriter, r *http.Request, path string) {
	payload, err := requestPayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	text, status, err := g.buildFetchSQL(r, path, payload)
	if err != nil {
		g.writeAuthError(w, r, status, err)
		return
	}

	g.waitAndRender(w, r, path, text)
}

// handleIdentifier resolves an opaque identifier to its kind.
func (g *Gateway) handleIdentifier(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")
	if value == "" {
		writeError(w, http.StatusBadRequest, "Parameter value cannot be empty.")
		return
	}
	g.waitAndRender(w, r, "/identifier", sqlIdentifier(value))
}

// waitAndRender submits text and blocks the handler until the outcome is
// delivered or the client goes away.
func (g *Gateway) waitAndRender(w http.ResponseWriter, r *http.Request, path, text string) {
	wt := newWaiter()
	pc := &correlator.Pending{Kind: correlator.KindHTTP, Path: path}
	if !g.corr.Submit(r.Context(), text, pc, wt) {
		writeError(w, http.StatusServiceUnavailable, "Temporarily unavailable.")
		return
	}

	select {
	case out := <-wt.ch:
		g.renderOutcome(w, r, path, out)
	case <-r.Context().Done():
		// Client vanished; the completion will be delivered into the
		// buffered channel and discarded with it.
	}
}

// renderOutcome writes the correlated result, applying the credential side
// effects the sign-in family of paths carries.
func (g *Gateway) renderOutcome(w http.ResponseWriter, r *http.Request, path string, out correlator.Outcome) {
	if out.Status == http.StatusOK {
		switch path {
		case "/sign/in", "/sign/in/token":
			g.setAuthorizationData(w, out.Body, "", "")
		case "/sign/out":
			clearSIDCookie(w)
		}
	} else if out.Status == http.StatusUnauthorized {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic") {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pggate", error="invalid_token"`)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.Status)
	_, _ = w.Write(out.Body)
}

func (g *Gateway) writeAuthError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status == http.StatusUnauthorized && !strings.HasPrefix(r.Header.Get("Authorization"), "Basic") {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pggate", error="invalid_token"`)
	}
	writeError(w, status, err.Error())
}

// setAuthorizationData installs the SID cookie from a successful sign-in
// payload and, when redirect is set, forwards the token material in the
// location fragment.
func (g *Gateway) setAuthorizationData(w http.ResponseWriter, payload []byte, redirect, state string) string {
	var data struct {
		Session     string          `json:"session"`
		AccessToken string          `json:"access_token"`
		TokenType   string          `json:"token_type"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
		State       string          `json:"state"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return redirect
	}
	if data.Session != "" {
		http.SetCookie(w, &http.Cookie{
			Name:   auth.CookieSID,
			Value:  data.Session,
			Path:   "/",
			MaxAge: sidCookieMaxAge,
		})
	}
	if redirect == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(redirect)
	sb.WriteString("#access_token=" + data.AccessToken)
	sb.WriteString("&token_type=" + data.TokenType)
	sb.WriteString("&expires_in=" + strings.Trim(string(data.ExpiresIn), `"`))
	sb.WriteString("&session=" + data.Session)
	if state == "" {
		state = data.State
	}
	if state != "" {
		sb.WriteString("&state=" + url.QueryEscape(state))
	}
	return sb.String()
}

func clearSIDCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   auth.CookieSID,
		Value:  "null",
		Path:   "/",
		MaxAge: -1,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

