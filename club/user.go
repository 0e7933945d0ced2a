package club

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Users handles provisioning and credentials. An account is created on first
// sign-in (register); profiles are mutated only by their owner. Moderation
// fields on the user row belong to the Moderation service.
type Users struct {
	store Store
	clock func() time.Time
}

func NewUsers(store Store) *Users {
	return &Users{store: store, clock: time.Now}
}

// Register provisions a new account. Email and username collisions surface
// as Conflict from the store's unique constraints.
func (s *Users) Register(ctx context.Context, email, username, password string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	username = strings.TrimSpace(username)
	if email == "" || !strings.Contains(email, "@") {
		return nil, validationf("a valid email is required")
	}
	if username == "" {
		return nil, validationf("a username is required")
	}
	if len(password) < 8 {
		return nil, validationf("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 14)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:       uuid.New().String(),
		Email:    email,
		Username: username,
		Hash:     hash,
		Created:  s.clock().UTC(),
	}
	u.Updated = u.Created
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate checks credentials and returns the account. A bad password
// and an unknown email both come back Unauthorized; callers cannot tell the
// two apart.
func (s *Users) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(u.Hash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return u, nil
}

// Get returns a sanitized user for profile display.
func (s *Users) Get(ctx context.Context, id string) (*User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Sanitize()
	return u, nil
}

// UpdateProfile lets a user change their own username, avatar, and bio.
func (s *Users) UpdateProfile(ctx context.Context, actorID, userID, username, avatarURL, bio string) error {
	if actorID != userID {
		return forbiddenf("only the owner may edit a profile")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return validationf("a username is required")
	}
	return s.store.UpdateProfile(ctx, userID, username, strings.TrimSpace(avatarURL), strings.TrimSpace(bio))
}
