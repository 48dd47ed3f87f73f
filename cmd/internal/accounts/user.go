// Package accounts owns chat users: registration, login by mobile number, and the contact list.
package accounts

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// User is a chat participant.
type User struct {
	ID           string
	MobileNumber string
	Name         string
	Email        *string
	CreatedAt    time.Time
}

// CreateUserInput describes a new user. MobileNumber and Name are required.
type CreateUserInput struct {
	MobileNumber string
	Name         string
	Email        *string
	Now          time.Time
}

// Store is the user persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	FindByMobile(ctx context.Context, mobile string) (User, error)
	// ListExcept returns every user but excludeID, oldest first.
	ListExcept(ctx context.Context, excludeID string) ([]User, error)
}

// NormalizeMobile strips spaces and dashes.
func NormalizeMobile(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// newUser validates in and builds the User to persist.
func newUser(op string, in CreateUserInput) (User, error) {
	mobile := NormalizeMobile(in.MobileNumber)
	name := strings.TrimSpace(in.Name)
	if mobile == "" {
		return User{}, invalid(op, "mobile_number is required")
	}
	if name == "" {
		return User{}, invalid(op, "name is required")
	}

	var email *string
	if in.Email != nil {
		if e := NormalizeEmail(*in.Email); e != "" {
			if !strings.Contains(e, "@") {
				return User{}, invalid(op, "invalid email")
			}
			email = &e
		}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return User{}, fmt.Errorf("%s: new id: %w", op, err)
	}
	return User{
		ID:           id.String(),
		MobileNumber: mobile,
		Name:         name,
		Email:        email,
		CreatedAt:    now,
	}, nil
}

// ParseSeed parses "mobile:name[:email],..." into CreateUserInput values.
func ParseSeed(raw string) ([]CreateUserInput, error) {
	var out []CreateUserInput
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) < 2 || len(fields) > 3 {
			return nil, invalid("accounts.ParseSeed", fmt.Sprintf("malformed entry %q", part))
		}
		in := CreateUserInput{MobileNumber: fields[0], Name: fields[1]}
		if len(fields) == 3 && strings.TrimSpace(fields[2]) != "" {
			e := fields[2]
			in.Email = &e
		}
		out = append(out, in)
	}
	return out, nil
}

// Seed creates every user in ins, skipping those that already exist. It returns how many were created.
func Seed(ctx context.Context, st Store, ins []CreateUserInput) (int, error) {
	n := 0
	for _, in := range ins {
		if _, err := st.CreateUser(ctx, in); err != nil {
			if IsConflict(err) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
