package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const minJWTSecretBytes = 32

// ValidateSecurityConfig enforces the auth policy at startup. Misconfiguration fails fast
// instead of silently serving unauthenticated traffic.
func ValidateSecurityConfig(cfg Config) error {
	secret := strings.TrimSpace(cfg.JWTSecret)

	if cfg.WSRequireAuth && secret == "" {
		return errors.New("security policy: PARLEY_WS_REQUIRE_AUTH=true but PARLEY_JWT_SECRET is missing")
	}
	if secret != "" && len(secret) < minJWTSecretBytes {
		return fmt.Errorf("security policy: PARLEY_JWT_SECRET is too short (min %d bytes)", minJWTSecretBytes)
	}

	if strings.TrimSpace(cfg.PartnerKeys) != "" || (secret != "" && cfg.DatabaseURL != "") {
		key := strings.TrimSpace(cfg.DigestKey)
		// Partner tokens are digested with a keyed BLAKE2b, whose key is 16..64 bytes.
		if key == "" && strings.TrimSpace(cfg.PartnerKeys) != "" {
			return errors.New("security policy: PARLEY_PARTNER_KEYS is set but PARLEY_TOKEN_DIGEST_KEY is missing")
		}
		if key != "" && (len(key) < 16 || len(key) > 64) {
			return errors.New("security policy: PARLEY_TOKEN_DIGEST_KEY must be 16..64 bytes")
		}
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("config: invalid PARLEY_TIMEZONE %q: %w", cfg.Timezone, err)
	}
	return nil
}
