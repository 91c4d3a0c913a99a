package gateway

import (
	"fmt"
	"time"

	"github.com/lib/pq"
)

// The daemon schema owns every entry point the gateway calls. Each function
// takes the caller's credential material plus the request context and
// returns a single JSON value.

func jsonbArg(payload []byte) string {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return pq.QuoteLiteral(string(payload))
}

func sqlUnauthorizedFetch(path string, payload []byte, agent, host string) string {
	return fmt.Sprintf("SELECT * FROM daemon.unauthorized_fetch(%s, %s::jsonb, %s, %s);",
		pq.QuoteLiteral(path), jsonbArg(payload), pq.QuoteLiteral(agent), pq.QuoteLiteral(host))
}

func sqlBearerFetch(token, path string, payload []byte, agent, host string) string {
	return fmt.Sprintf("SELECT * FROM daemon.fetch(%s, %s, %s::jsonb, %s, %s);",
		pq.QuoteLiteral(token), pq.QuoteLiteral(path), jsonbArg(payload),
		pq.QuoteLiteral(agent), pq.QuoteLiteral(host))
}

// sqlBasicFetch dispatches to daemon.session_fetch for a session/secret pair
// and daemon.authorized_fetch for header basic credentials.
func sqlBasicFetch(kind, username, password, path string, payload []byte, agent, host string) string {
	return fmt.Sprintf("SELECT * FROM daemon.%s_fetch(%s, %s, %s, %s::jsonb, %s, %s);",
		kind, pq.QuoteLiteral(username), pq.QuoteLiteral(password), pq.QuoteLiteral(path),
		jsonbArg(payload), pq.QuoteLiteral(agent), pq.QuoteLiteral(host))
}

func sqlSignedFetch(path string, payload []byte, session, nonce, signature, agent, host string, window time.Duration) string {
	return fmt.Sprintf("SELECT * FROM daemon.signed_fetch(%s, %s::json, %s, %s, %s, %s, %s, INTERVAL '%d milliseconds');",
		pq.QuoteLiteral(path), jsonbArg(payload), pq.QuoteLiteral(session),
		pq.QuoteLiteral(nonce), pq.QuoteLiteral(signature),
		pq.QuoteLiteral(agent), pq.QuoteLiteral(host), window.Milliseconds())
}

func sqlSignIn(token, agent, host string) string {
	return fmt.Sprintf("SELECT * FROM daemon.signin(%s, %s, %s);",
		pq.QuoteLiteral(token), pq.QuoteLiteral(agent), pq.QuoteLiteral(host))
}

func sqlToken(clientID, clientSecret string, payload []byte, agent, host string) string {
	return fmt.Sprintf("SELECT * FROM daemon.token(%s, %s, %s::jsonb, %s, %s);",
		pq.QuoteLiteral(clientID), pq.QuoteLiteral(clientSecret), jsonbArg(payload),
		pq.QuoteLiteral(agent), pq.QuoteLiteral(host))
}

func sqlIdentifier(value string) string {
	return fmt.Sprintf("SELECT * FROM daemon.identifier(%s);", pq.QuoteLiteral(value))
}
