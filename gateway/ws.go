package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pggate/pggate/auth"
	"github.com/pggate/pggate/correlator"
	"github.com/pggate/pggate/internal/logctx"
	"github.com/pggate/pggate/sessions"
	"github.com/pggate/pggate/wsproto"
)

// handleSession upgrades GET /session/{identity} and pumps frames until the
// peer goes away. The identity names a persistent session: a reconnect with
// the same identity takes over the server-side state of the previous
// connection.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if len(identity) != auth.IdentityLength {
		writeError(w, http.StatusNotFound, "Not Found.")
		return
	}

	// Credential presented on the upgrade request, if any. Frames on an
	// anonymous connection fall back to signed fetches.
	authz, status, err := g.checkAuthorization(r)
	if err != nil {
		g.writeAuthError(w, r, status, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WarnContext(r.Context(), "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	sess := g.sessions.Bind(identity, conn, remoteHost(r), r.UserAgent())
	sess.SetAuthorization(authz)

	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{
		SessionID: identity,
		Scheme:    authz.Scheme.String(),
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.sessions.Disconnect(conn)
			return
		}
		g.handleFrame(ctx, sess, data)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, sess *sessions.Session, data []byte) {
	msg, err := wsproto.Decode(data)
	if err != nil {
		_ = sess.Send(wsproto.ErrorResponse(&wsproto.Message{Type: wsproto.TypeCallError},
			http.StatusBadRequest, err.Error()))
		return
	}

	authz := sess.Authorization()

	switch msg.Type {
	case wsproto.TypeOpen:
		if len(msg.Payload) > 0 && msg.Payload[0] == '{' {
			var creds struct {
				Session string `json:"session"`
				Secret  string `json:"secret"`
			}
			if err := json.Unmarshal(msg.Payload, &creds); err != nil ||
				creds.Session == "" || creds.Secret == "" {
				_ = sess.Send(wsproto.ErrorResponse(msg, http.StatusBadRequest,
					"Session or secret cannot be empty."))
				return
			}
			sess.SetPair(creds.Session, creds.Secret)

			// The secret authenticates the transport; it never travels to
			// the stored procedure.
			payload, _ := json.Marshal(map[string]string{"session": creds.Session})
			msg.Action = "/authorize"
			msg.Payload = payload
		} else if authz.Scheme == auth.SchemeBasic {
			payload, _ := json.Marshal(map[string]string{
				"username": authz.Identity,
				"password": authz.Secret,
			})
			msg.Action = "/sign/in"
			msg.Payload = payload
		} else {
			_ = sess.Send(wsproto.ErrorResponse(msg, http.StatusUnauthorized, "Unauthorized."))
			return
		}
		msg.Type = wsproto.TypeCall

	case wsproto.TypeClose:
		msg.Action = "/sign/out"
		msg.Type = wsproto.TypeCall

	case wsproto.TypeCallError:
		// Client reply to a server-initiated message.
		if h, ok := sess.TakeHandler(msg.UniqueID); ok {
			h(msg.Payload)
		}
		return
	}

	g.callFetch(ctx, sess, msg)
}

// callFetch turns a call frame into the matching daemon fetch. A connection
// that presented a credential at upgrade uses it; an anonymous one signs the
// request with the session secret installed at open.
func (g *Gateway) callFetch(ctx context.Context, sess *sessions.Session, msg *wsproto.Message) {
	authz := sess.Authorization()
	agent := sess.Agent()
	host := sess.IP()

	var text string
	switch authz.Scheme {
	case auth.SchemeBearer:
		text = sqlBearerFetch(authz.Resolved, msg.Action, msg.Payload, agent, host)
	case auth.SchemeBasic:
		kind := "authorized"
		if authz.Source == auth.SourceSession {
			kind = "session"
		}
		text = sqlBasicFetch(kind, authz.Identity, authz.Secret, msg.Action, msg.Payload, agent, host)
	default:
		code, secret := sess.Pair()
		nonce := strconv.FormatInt(time.Now().UnixMilli()*1000, 10)
		text = sqlSignedFetch(msg.Action, msg.Payload, code, nonce,
			signFetch(secret, msg.Action, nonce, msg.Payload), agent, host, g.recvWin)
	}

	pc := &correlator.Pending{
		Kind:     correlator.KindWebSocket,
		Path:     msg.Action,
		UniqueID: msg.UniqueID,
	}
	if !g.corr.Submit(ctx, text, pc, &wsResponder{sess: sess, req: msg}) {
		_ = sess.Send(wsproto.ErrorResponse(msg, http.StatusServiceUnavailable, "Temporarily unavailable."))
	}
}

// signFetch computes the request signature: HMAC-SHA256 over the action,
// the nonce and the payload, "null" standing in for an empty payload.
func signFetch(secret, action, nonce string, payload []byte) string {
	if secret == "" {
		return ""
	}
	body := "null"
	if len(payload) > 0 {
		body = string(payload)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(action + nonce + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// wsResponder sends the outcome back as a frame and applies the session
// credential side effects of the sign-in family.
type wsResponder struct {
	sess *sessions.Session
	req  *wsproto.Message
}

func (wr *wsResponder) Deliver(_ context.Context, pc *correlator.Pending, out correlator.Outcome) {
	resp := wsproto.Response(wr.req, out.Body)
	if out.Status != http.StatusOK {
		resp.Type = wsproto.TypeCallError
	} else {
		switch pc.Path {
		case "/sign/in":
			var creds struct {
				Session string `json:"session"`
				Secret  string `json:"secret"`
			}
			if err := json.Unmarshal(out.Body, &creds); err == nil {
				wr.sess.SetPair(creds.Session, creds.Secret)
			}
		case "/sign/out":
			wr.sess.SetPair("", "")
		}
	}
	_ = wr.sess.Send(resp)
}
