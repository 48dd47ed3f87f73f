package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// DigestKeyEnv names the env var holding the partner token digest key.
// #nosec G101 -- not a credential; it's an environment variable name.
const DigestKeyEnv = "PARLEY_TOKEN_DIGEST_KEY"

// PartnerStore maps a business key to the digest of its partner token.
type PartnerStore interface {
	LookupPartner(ctx context.Context, businessKey string) (digest string, err error)
}

// DigestToken returns the hex BLAKE2b-256 digest of token keyed with key.
// Partner tokens are stored only in this form.
func DigestToken(token string, key []byte) (string, error) {
	if len(key) < 16 || len(key) > blake2b.Size {
		return "", ErrDigestKeyLength
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return "", err
	}
	_, _ = h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func secureStringEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MemoryPartnerStore is a dev-only partner registry.
type MemoryPartnerStore struct {
	mu      sync.RWMutex
	digests map[string]string
}

// NewMemoryPartnerStore constructs an empty store.
func NewMemoryPartnerStore() *MemoryPartnerStore {
	return &MemoryPartnerStore{digests: make(map[string]string)}
}

// Put registers businessKey with an already computed digest.
func (s *MemoryPartnerStore) Put(businessKey, digest string) {
	s.mu.Lock()
	s.digests[businessKey] = digest
	s.mu.Unlock()
}

// LookupPartner returns the digest for businessKey or ErrPartnerUnknown.
func (s *MemoryPartnerStore) LookupPartner(ctx context.Context, businessKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.digests[businessKey]
	if !ok {
		return "", ErrPartnerUnknown
	}
	return d, nil
}

// ParsePartnerKeys loads "businessKey:token,..." pairs into a memory store, digesting each token.
func ParsePartnerKeys(raw string, key []byte) (*MemoryPartnerStore, error) {
	s := NewMemoryPartnerStore()
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bk, tok, ok := strings.Cut(part, ":")
		bk, tok = strings.TrimSpace(bk), strings.TrimSpace(tok)
		if !ok || bk == "" || tok == "" {
			return nil, fmt.Errorf("auth: malformed partner entry %q", bk)
		}
		d, err := DigestToken(tok, key)
		if err != nil {
			return nil, err
		}
		s.Put(bk, d)
	}
	return s, nil
}
