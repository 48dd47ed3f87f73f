package accounts

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is a dev-only user store.
type InMemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]User
	byMobile map[string]string
	byEmail  map[string]string
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:     make(map[string]User),
		byMobile: make(map[string]string),
		byEmail:  make(map[string]string),
	}
}

// CreateUser inserts a user; mobile number and email are unique.
func (s *InMemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "accounts.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	u, err := newUser(op, in)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byMobile[u.MobileNumber]; ok {
		return User{}, ConflictError{Op: op, Field: "mobile_number"}
	}
	if u.Email != nil {
		if _, ok := s.byEmail[*u.Email]; ok {
			return User{}, ConflictError{Op: op, Field: "email"}
		}
		s.byEmail[*u.Email] = u.ID
	}
	s.byID[u.ID] = u
	s.byMobile[u.MobileNumber] = u.ID
	return u, nil
}

// FindByMobile returns the user registered with mobile.
func (s *InMemoryStore) FindByMobile(ctx context.Context, mobile string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byMobile[NormalizeMobile(mobile)]
	if !ok {
		return User{}, OpError{Op: "accounts.FindByMobile", Kind: ErrNotFound}
	}
	return s.byID[id], nil
}

// ListExcept returns every user but excludeID, oldest first.
func (s *InMemoryStore) ListExcept(ctx context.Context, excludeID string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]User, 0, len(s.byID))
	for id, u := range s.byID {
		if id != excludeID {
			out = append(out, u)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
