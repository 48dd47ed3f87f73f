// Package auth authenticates REST and websocket requests.
//
// Two credential kinds are accepted on the Authorization header:
//   - first-party: an HS256 JWT carrying the user id in the "userId" claim
//   - partner: a fixed token paired with a Business-Key header, checked against a stored keyed digest
//
// The rest of the server only sees the resulting Principal.
package auth

import "errors"

// Public, stable errors for callers.
var (
	ErrTokenMissing   = errors.New("auth: token not provided")
	ErrPartnerInvalid = errors.New("auth: invalid partner credentials")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenInvalid   = errors.New("auth: invalid token")

	ErrPartnerUnknown = errors.New("auth: partner key not found")

	ErrSecretMissing   = errors.New("auth: jwt secret missing")
	ErrDigestKeyLength = errors.New("auth: digest key must be 16..64 bytes")
)

// Response status strings sent with 401 replies.
const (
	StatusTokenNotProvided = "token_not_provided"
	StatusInvalidToken     = "invalidate_token"
	StatusSessionExpired   = "session_expired"
	StatusNotValidated     = "not_validated"
)

// Reason maps an authentication error to its response status and message.
// ok is false for errors that are not credential rejections.
func Reason(err error) (status, msg string, ok bool) {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return StatusTokenNotProvided, "Access Denied: No Token Provided", true
	case errors.Is(err, ErrPartnerInvalid):
		return StatusInvalidToken, "Invalid Business Key or Public Token", true
	case errors.Is(err, ErrTokenExpired):
		return StatusSessionExpired, "JWT Token Expired", true
	case errors.Is(err, ErrTokenInvalid):
		return StatusNotValidated, "Invalid JWT Token", true
	default:
		return "", "", false
	}
}
