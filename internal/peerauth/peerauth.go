// Package peerauth verifies bearer tokens presented by peers that open
// sessions over HTTP upgrades.
package peerauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any token that fails verification.
var ErrUnauthorized = errors.New("peerauth: unauthorized")

// Config controls token verification. When JWKSURL is empty the key set
// is found through OpenID discovery on Issuer.
type Config struct {
	Issuer      string
	JWKSURL     string
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
}

// Peer is an authenticated session peer.
type Peer struct {
	Subject string
	Claims  jwt.MapClaims
}

// Verifier checks signed JWTs against a remote key set.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// New resolves the key set and returns a Verifier. The key set is
// refreshed in the background until ctx is done.
func New(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("peerauth: issuer is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("peerauth: oidc discovery: %w", err)
		}
		var meta struct {
			JWKSURL string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("peerauth: invalid discovery metadata: %w", err)
		}
		if meta.JWKSURL == "" {
			return nil, errors.New("peerauth: discovery metadata has no jwks_uri")
		}
		jwksURL = meta.JWKSURL
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("peerauth: jwks init: %w", err)
	}
	return &Verifier{cfg: cfg, keyfunc: kf.Keyfunc}, nil
}

// Verify parses tok and checks its signature, issuer, expiry and audience.
func (v *Verifier) Verify(tok string) (*Peer, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrUnauthorized)
	}

	if len(v.cfg.Audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.cfg.Audiences, a) }) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &Peer{Subject: sub, Claims: claims}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// peer in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sessiond"`)
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		peer, err := v.Verify(tok)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sessiond", error="invalid_token"`)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPeer(r.Context(), peer)))
	})
}

func bearer(h string) (string, bool) {
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

type peerKey struct{}

// WithPeer returns a copy of ctx carrying p.
func WithPeer(ctx context.Context, p *Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

// FromContext returns the peer stored by Middleware.
func FromContext(ctx context.Context) (*Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(*Peer)
	return p, ok
}
