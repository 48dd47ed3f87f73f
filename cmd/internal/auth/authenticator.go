package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"parley/cmd/internal/httpx"
)

// Principal is the authenticated caller.
type Principal struct {
	// UserID is set for first-party callers.
	UserID string
	// BusinessKey is set for partner callers.
	BusinessKey string
}

// Partner reports whether the caller authenticated with a business key.
func (p Principal) Partner() bool { return p.BusinessKey != "" }

// Authenticator checks request credentials.
type Authenticator struct {
	log       *slog.Logger
	jwt       *JWTIssuer
	partners  PartnerStore
	digestKey []byte
}

// NewAuthenticator constructs an Authenticator. partners may be nil, which rejects every business key.
func NewAuthenticator(log *slog.Logger, issuer *JWTIssuer, partners PartnerStore, digestKey []byte) (*Authenticator, error) {
	if issuer == nil {
		return nil, ErrSecretMissing
	}
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{log: log, jwt: issuer, partners: partners, digestKey: digestKey}, nil
}

// Issuer returns the JWT issuer used for login tokens.
func (a *Authenticator) Issuer() *JWTIssuer { return a.jwt }

// Authenticate reads the Authorization header (raw token or "Bearer <token>") and, when present,
// the Business-Key header.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return Principal{}, ErrTokenMissing
	}
	if bk := strings.TrimSpace(r.Header.Get("Business-Key")); bk != "" {
		return a.partner(r.Context(), bk, token)
	}
	c, err := a.jwt.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: c.UserID}, nil
}

func (a *Authenticator) partner(ctx context.Context, businessKey, token string) (Principal, error) {
	if a.partners == nil {
		return Principal{}, ErrPartnerInvalid
	}
	want, err := a.partners.LookupPartner(ctx, businessKey)
	if errors.Is(err, ErrPartnerUnknown) {
		return Principal{}, ErrPartnerInvalid
	}
	if err != nil {
		return Principal{}, err
	}
	got, err := DigestToken(token, a.digestKey)
	if err != nil {
		return Principal{}, err
	}
	if !secureStringEqual(got, want) {
		return Principal{}, ErrPartnerInvalid
	}
	return Principal{BusinessKey: businessKey}, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the Principal in the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			if status, msg, ok := Reason(err); ok {
				httpx.WriteStatus(w, http.StatusUnauthorized, status, msg)
				return
			}
			a.log.Error("auth.fail", "path", r.URL.Path, "err", err)
			httpx.WriteError(w, "Internal Server Error")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// ResolveIdentity authenticates a websocket upgrade. Browsers cannot set headers on upgrades,
// so the token may also come from the "token" query parameter. Partners name the user with
// the "userId" query parameter; first-party callers must match their token if they send one.
func (a *Authenticator) ResolveIdentity(r *http.Request) (string, error) {
	if r.Header.Get("Authorization") == "" {
		if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
			r = r.Clone(r.Context())
			r.Header.Set("Authorization", tok)
		}
	}
	p, err := a.Authenticate(r)
	if err != nil {
		return "", err
	}

	claimed := strings.TrimSpace(r.URL.Query().Get("userId"))
	if p.Partner() {
		return claimed, nil
	}
	if claimed != "" && claimed != p.UserID {
		return "", fmt.Errorf("%w: userId does not match token", ErrTokenInvalid)
	}
	return p.UserID, nil
}

func bearerToken(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the Principal stored by Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
