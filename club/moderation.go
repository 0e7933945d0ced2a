// club/moderation.go
package club

import (
	"context"
	"time"
)

// Moderation is the admin-only state machine over a user's access: Active,
// Kicked-until-T, or Banned. Transitions write the fields; the state itself
// is always computed at read time (User.ModerationState), so kick expiry
// needs no background job.
type Moderation struct {
	store Store
	cache *StatusCache
	clock func() time.Time
}

func NewModeration(store Store, cache *StatusCache) *Moderation {
	return &Moderation{store: store, cache: cache, clock: time.Now}
}

// requireAdmin resolves the acting user and rejects non-admins before any
// state changes.
func (m *Moderation) requireAdmin(ctx context.Context, adminID string) error {
	actor, err := m.store.GetUser(ctx, adminID)
	if err != nil {
		return err
	}
	if !actor.Admin {
		return forbiddenf("moderation requires the admin role")
	}
	return nil
}

// Ban marks the user banned with reason and acting admin. Valid from Active
// or Kicked; ban outranks any live kick.
func (m *Moderation) Ban(ctx context.Context, userID, reason, adminID string) error {
	if err := m.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	if err := m.store.SetBan(ctx, userID, reason, adminID, m.clock().UTC()); err != nil {
		return err
	}
	m.cache.Invalidate(ctx, userID)
	return nil
}

// Unban clears all ban fields.
func (m *Moderation) Unban(ctx context.Context, userID, adminID string) error {
	if err := m.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	if err := m.store.ClearBan(ctx, userID); err != nil {
		return err
	}
	m.cache.Invalidate(ctx, userID)
	return nil
}

// Kick locks the user out until now + duration. Re-kicking while a kick is
// live overwrites the window: last write wins.
func (m *Moderation) Kick(ctx context.Context, userID string, duration time.Duration, reason, adminID string) error {
	if err := m.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	if duration <= 0 {
		return validationf("kick duration must be positive")
	}
	until := m.clock().UTC().Add(duration)
	if err := m.store.SetKick(ctx, userID, until, reason, adminID); err != nil {
		return err
	}
	m.cache.Invalidate(ctx, userID)
	return nil
}

// Recount re-derives a denormalized counter from its relation. This is the
// repair procedure for counter drift; normal operation never needs it.
func (m *Moderation) Recount(ctx context.Context, adminID, userID, postID, groupID string) error {
	if err := m.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	switch {
	case userID != "":
		return m.store.RecountUserCounters(ctx, userID)
	case postID != "":
		return m.store.RecountPostLikes(ctx, postID)
	case groupID != "":
		return m.store.RecountGroupMembers(ctx, groupID)
	}
	return validationf("a user, post, or group id is required")
}

// Status reports the user's computed moderation state right now.
func (m *Moderation) Status(ctx context.Context, userID string) (ModState, error) {
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return ModActive, err
	}
	return u.ModerationState(m.clock()), nil
}
