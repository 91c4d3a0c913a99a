package auth

import "errors"

// ErrMalformedCredential indicates a credential was supplied but could not be
// parsed: a recognized scheme with no payload, an unsupported scheme, or a
// session pair with only one half present.
var ErrMalformedCredential = errors.New("malformed credential")

// Token verification errors. Produced by the verifier, surfaced here so that
// callers can classify failures without importing internal packages.
var (
	// ErrUnknownProvider indicates no configured provider issues tokens for
	// the token's audience.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUntrustedIssuer indicates the issuer claim is not accepted for the
	// resolved provider and application.
	ErrUntrustedIssuer = errors.New("untrusted issuer")
	// ErrUnknownSigningKey indicates the token names a key id the provider
	// does not carry.
	ErrUnknownSigningKey = errors.New("unknown signing key")
	// ErrUnsupportedAlgorithm indicates the token header names an algorithm
	// outside the supported HS/RS/ES/PS families.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrTokenExpired indicates the token failed expiry or not-before checks.
	ErrTokenExpired = errors.New("token expired")
	// ErrSignatureInvalid indicates the signature did not verify.
	ErrSignatureInvalid = errors.New("signature invalid")
)

// Scheme classifies how the caller authenticated.
type Scheme int

const (
	// SchemeNone means no credential was supplied.
	SchemeNone Scheme = iota
	// SchemeBasic is a username/password or session/secret pair.
	SchemeBasic
	// SchemeBearer is a bearer token pending (or past) verification.
	SchemeBearer
	// SchemeSigned is an HMAC-signed request carrying a detached signature.
	SchemeSigned
)

func (s Scheme) String() string {
	switch s {
	case SchemeBasic:
		return "basic"
	case SchemeBearer:
		return "bearer"
	case SchemeSigned:
		return "signed"
	}
	return "none"
}

// Source records how a basic pair was supplied. The backing data layer
// distinguishes login pairs from session pairs.
type Source int

const (
	// SourceHeader means the pair came from an Authorization: Basic header.
	SourceHeader Source = iota
	// SourceSession means the pair came from the Session/Secret headers.
	SourceSession
)

// Authorization is the normalized credential for one request. It is created
// by ParseRequest and never persisted. Resolved is the only field mutated
// after parsing: the verifier overwrites it once the token checks out.
type Authorization struct {
	Scheme Scheme
	Source Source

	// Identity is the username or session identity of a pair credential.
	Identity string
	// Secret is the password or session secret of a pair credential.
	Secret string

	// Token is the raw bearer token as presented.
	Token string
	// Resolved is the canonical token installed after verification.
	Resolved string

	// Nonce and Signature carry the detached-signature material of a
	// signed request.
	Nonce     string
	Signature string
}

// IsZero reports whether no credential was resolved.
func (a Authorization) IsZero() bool { return a.Scheme == SchemeNone }
