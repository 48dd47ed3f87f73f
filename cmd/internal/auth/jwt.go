package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of login tokens.
const DefaultTokenTTL = 24 * time.Hour

const minSecretBytes = 16

// Claims is the payload of first-party tokens.
type Claims struct {
	UserID       string `json:"userId"`
	MobileNumber string `json:"mobile_number,omitempty"`
	jwt.RegisteredClaims
}

// JWTIssuer signs and verifies first-party HS256 tokens.
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTIssuer validates the secret and returns an issuer. A non-positive ttl uses DefaultTokenTTL.
func NewJWTIssuer(secret string, ttl time.Duration) (*JWTIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretMissing
	}
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("auth: jwt secret must be at least %d bytes", minSecretBytes)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for userID. mobile is optional.
func (j *JWTIssuer) Issue(userID, mobile string) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("auth: user id is required")
	}
	now := j.now().UTC()
	exp := now.Add(j.ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:       userID,
		MobileNumber: mobile,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := tok.SignedString(j.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return s, exp, nil
}

// Verify parses raw and returns its claims. Expired tokens map to ErrTokenExpired,
// every other failure to ErrTokenInvalid.
func (j *JWTIssuer) Verify(raw string) (Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return Claims{}, fmt.Errorf("%w: missing userId claim", ErrTokenInvalid)
	}
	return c, nil
}
