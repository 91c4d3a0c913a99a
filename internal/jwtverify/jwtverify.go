// Package jwtverify validates bearer tokens against the provider registry
// and reduces every accepted token to a single canonical signing scheme.
package jwtverify

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pggate/pggate/auth"
	"github.com/pggate/pggate/providers"
)

// keySource selects the verification key for one algorithm family.
type keySource func(v *Verifier, p *providers.Provider, app providers.Application, tok *jwt.Token) (any, error)

// families maps an algorithm family prefix to its key-selection strategy.
// Shared-secret families use the application secret; asymmetric families use
// the provider's published keys.
var families = map[string]keySource{
	"HS": secretKey,
	"RS": publicKey,
	"ES": publicKey,
	"PS": publicKey,
}

func secretKey(_ *Verifier, _ *providers.Provider, app providers.Application, _ *jwt.Token) (any, error) {
	if app.ClientSecret == "" {
		return nil, fmt.Errorf("%w: application has no shared secret", auth.ErrUnknownSigningKey)
	}
	return []byte(app.ClientSecret), nil
}

func publicKey(_ *Verifier, p *providers.Provider, _ providers.Application, tok *jwt.Token) (any, error) {
	kid, _ := tok.Header["kid"].(string)
	if key, ok := p.LocalKey(kid); ok {
		return key, nil
	}
	if kf := p.Keyfunc(); kf != nil {
		key, err := kf(tok)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", auth.ErrUnknownSigningKey, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", auth.ErrUnknownSigningKey, kid)
}

// Verifier checks bearer tokens against whatever provider snapshot is
// current at call time. Key rotation is the registry's concern; the verifier
// never fetches keys on demand.
type Verifier struct {
	log      *slog.Logger
	snapshot func() *providers.Snapshot
	leeway   time.Duration
}

// Option configures the Verifier.
type Option func(*Verifier)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(v *Verifier) { v.log = log }
}

// WithLeeway sets clock-skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// New constructs a Verifier reading provider snapshots from the given
// source, typically (*providers.Registry).Snapshot.
func New(snapshot func() *providers.Snapshot, opts ...Option) *Verifier {
	v := &Verifier{
		log:      slog.New(slog.DiscardHandler),
		snapshot: snapshot,
		leeway:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates the token's signature, issuer, audience and time claims
// and returns the canonical token downstream components consume.
//
// Tokens already signed with the primary shared-secret algorithm are
// returned as presented; every other accepted algorithm is re-issued as an
// HS256 token carrying the original payload, so the data layer only ever
// sees one signing scheme.
func (v *Verifier) Verify(token string) (string, error) {
	claims := jwt.MapClaims{}
	unverified, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return "", fmt.Errorf("%w: %v", auth.ErrSignatureInvalid, err)
	}

	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return "", fmt.Errorf("%w: token has no audience", auth.ErrUnknownProvider)
	}

	snap := v.snapshot()
	provider, appName, ok := snap.ByClientID(aud[0])
	if !ok {
		return "", fmt.Errorf("%w: no provider for audience %q", auth.ErrUnknownProvider, aud[0])
	}
	app, _ := provider.App(appName)

	iss, err := claims.GetIssuer()
	if err != nil || !app.TrustsIssuer(iss) {
		return "", fmt.Errorf("%w: issuer %q not accepted for %s:%s", auth.ErrUntrustedIssuer, iss, provider.Name, appName)
	}

	alg, _ := unverified.Header["alg"].(string)
	source, ok := families[familyOf(alg)]
	if !ok || jwt.GetSigningMethod(alg) == nil {
		return "", fmt.Errorf("%w: %q", auth.ErrUnsupportedAlgorithm, alg)
	}

	key, err := source(v, provider, app, unverified)
	if err != nil {
		return "", err
	}

	verified := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithLeeway(v.leeway),
	)
	if _, err := parser.ParseWithClaims(token, verified, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		err = classify(err)
		v.log.Debug("auth.check.fail",
			slog.String("provider", provider.Name),
			slog.String("alg", alg),
			slog.String("err", err.Error()))
		return "", err
	}

	// Primary fast path: the canonical scheme verified as-is.
	if alg == "HS256" {
		return token, nil
	}

	secret := app.ClientSecret
	if secret == "" {
		// Third-party algorithms re-sign under the default provider's
		// application secret.
		if def := snap.Default(); def != nil {
			if defApp, ok := def.App(""); ok {
				secret = defApp.ClientSecret
			}
		}
	}
	if secret == "" {
		return "", fmt.Errorf("%w: no shared secret to re-issue under", auth.ErrUnknownSigningKey)
	}

	reissued, err := jwt.NewWithClaims(jwt.SigningMethodHS256, verified).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("re-issue canonical token: %w", err)
	}
	return reissued, nil
}

func familyOf(alg string) string {
	if len(alg) < 2 {
		return alg
	}
	return strings.ToUpper(alg[:2])
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", auth.ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", auth.ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", auth.ErrSignatureInvalid, err)
	}
}
