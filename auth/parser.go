package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const (
	headerAuthorization = "Authorization"
	headerSession       = "Session"
	headerSecret        = "Secret"
	headerNonce         = "Nonce"
	headerSignature     = "Signature"

	// CookieSID is the session identity cookie.
	CookieSID = "SID"

	// IdentityLength is the fixed length of a session identity string.
	IdentityLength = 40
)

// ParseRequest extracts a normalized Authorization from the request headers
// and cookies. Pure parsing: no network or database access.
//
// If an Authorization header is present its scheme token decides the result.
// Otherwise the Session/Secret header pair is classified as a basic pair; a
// one-sided pair fails with ErrMalformedCredential. With neither present the
// returned Authorization has SchemeNone and a nil error.
func ParseRequest(r *http.Request) (Authorization, error) {
	if header := r.Header.Get(headerAuthorization); header != "" {
		return parseHeader(header)
	}

	session := r.Header.Get(headerSession)
	secret := r.Header.Get(headerSecret)

	if session == "" && secret == "" {
		return Authorization{}, nil
	}
	if session == "" || secret == "" {
		return Authorization{}, fmt.Errorf("%w: session pair is one-sided", ErrMalformedCredential)
	}

	return Authorization{
		Scheme:   SchemeBasic,
		Source:   SourceSession,
		Identity: session,
		Secret:   secret,
	}, nil
}

// ParseSigned builds the signed-request credential from the Session header or
// SID cookie plus the Nonce and Signature headers. The signature itself is
// checked by the data layer inside the receive window; here it is only
// carried.
func ParseSigned(r *http.Request) (Authorization, error) {
	signature := r.Header.Get(headerSignature)
	if signature == "" {
		return Authorization{}, fmt.Errorf("%w: missing signature", ErrMalformedCredential)
	}
	return Authorization{
		Scheme:    SchemeSigned,
		Identity:  SessionValue(r),
		Nonce:     r.Header.Get(headerNonce),
		Signature: signature,
	}, nil
}

func parseHeader(header string) (Authorization, error) {
	scheme, payload, found := strings.Cut(header, " ")
	payload = strings.TrimSpace(payload)
	if !found || payload == "" {
		return Authorization{}, fmt.Errorf("%w: authorization header has no payload", ErrMalformedCredential)
	}

	switch {
	case strings.EqualFold(scheme, "Basic"):
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Authorization{}, fmt.Errorf("%w: basic payload is not base64: %v", ErrMalformedCredential, err)
		}
		username, password, ok := strings.Cut(string(raw), ":")
		if !ok || username == "" {
			return Authorization{}, fmt.Errorf("%w: basic payload is not a pair", ErrMalformedCredential)
		}
		return Authorization{
			Scheme:   SchemeBasic,
			Source:   SourceHeader,
			Identity: username,
			Secret:   password,
		}, nil

	case strings.EqualFold(scheme, "Bearer"):
		return Authorization{Scheme: SchemeBearer, Token: payload}, nil
	}

	return Authorization{}, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedCredential, scheme)
}

// SessionValue returns the session identity from the Session header, falling
// back to the SID cookie.
func SessionValue(r *http.Request) string {
	if v := r.Header.Get(headerSession); v != "" {
		return v
	}
	if c, err := r.Cookie(CookieSID); err == nil {
		return c.Value
	}
	return ""
}

// CheckSession reports whether the request carries a well-formed session
// identity and returns it.
func CheckSession(r *http.Request) (string, bool) {
	v := SessionValue(r)
	if len(v) != IdentityLength {
		return "", false
	}
	return v, true
}
