// club/gate.go
package club

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/redis/go-redis/v9"
)

const sessionUserKey = "userID"

type ctxKey int

const userIDKey ctxKey = 0

// RequestUserID returns the authenticated user id the gate attached to the
// request context.
func RequestUserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// modSnapshot is the slice of the user row the gate needs on every request.
type modSnapshot struct {
	Banned      bool       `json:"banned"`
	BanReason   string     `json:"ban_reason"`
	KickedUntil *time.Time `json:"kicked_until"`
	KickReason  string     `json:"kick_reason"`
}

func (s modSnapshot) state(now time.Time) ModState {
	u := User{Banned: s.Banned, KickedUntil: s.KickedUntil}
	return u.ModerationState(now)
}

// StatusCache fronts the per-request moderation lookup with a short-TTL
// Redis entry, invalidated by every moderation transition. A nil cache (no
// Redis configured) falls through to the store.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatusCache(addr, password string) *StatusCache {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &StatusCache{client: client, ttl: 30 * time.Second}
}

func statusKey(userID string) string { return "modstatus:" + userID }

func (c *StatusCache) get(ctx context.Context, userID string) (modSnapshot, bool) {
	if c == nil {
		return modSnapshot{}, false
	}
	raw, err := c.client.Get(ctx, statusKey(userID)).Result()
	if err != nil {
		return modSnapshot{}, false
	}
	var snap modSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return modSnapshot{}, false
	}
	return snap, true
}

func (c *StatusCache) put(ctx context.Context, userID string, snap modSnapshot) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, statusKey(userID), raw, c.ttl).Err(); err != nil {
		log.Printf("cache moderation status for %s: %v", userID, err)
	}
}

// Invalidate drops the cached snapshot so a ban or kick is visible on the
// user's very next request, not after TTL.
func (c *StatusCache) Invalidate(ctx context.Context, userID string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, statusKey(userID)).Err(); err != nil {
		log.Printf("invalidate moderation status for %s: %v", userID, err)
	}
}

// Gate is the request-boundary check. Evaluation is a strict priority
// chain: no session > banned > kicked > allow; a banned-and-also-kicked user
// always lands on the banned surface.
type Gate struct {
	Sessions *scs.SessionManager
	tokens   *Tokens
	store    Store
	cache    *StatusCache
	clock    func() time.Time
}

func NewGate(sessions *scs.SessionManager, tokens *Tokens, store Store, cache *StatusCache) *Gate {
	return &Gate{Sessions: sessions, tokens: tokens, store: store, cache: cache, clock: time.Now}
}

// identify resolves the requester: session cookie first, then bearer token.
// The second return reports whether auth came from a bearer token, which
// swaps redirects for status codes.
func (g *Gate) identify(r *http.Request) (string, bool) {
	if id := g.Sessions.GetString(r.Context(), sessionUserKey); id != "" {
		return id, false
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && g.tokens != nil {
		if id, err := g.tokens.Verify(strings.TrimSpace(token)); err == nil {
			return id, true
		}
	}
	return "", false
}

func (g *Gate) snapshot(ctx context.Context, userID string) (modSnapshot, error) {
	if snap, ok := g.cache.get(ctx, userID); ok {
		return snap, nil
	}
	u, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return modSnapshot{}, err
	}
	snap := modSnapshot{
		Banned:      u.Banned,
		BanReason:   u.BanReason,
		KickedUntil: u.KickedUntil,
		KickReason:  u.KickReason,
	}
	g.cache.put(ctx, userID, snap)
	return snap, nil
}

// Protect wraps every protected route. Anonymous requests go back to the
// landing page; banned and kicked users are routed to their fixed surfaces,
// where sign-out is the only action left.
func (g *Gate) Protect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, bearer := g.identify(r)
		if userID == "" {
			if bearer || wantsJSON(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		snap, err := g.snapshot(r.Context(), userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Session for a user that no longer exists.
				http.Redirect(w, r, "/", http.StatusSeeOther)
				return
			}
			log.Printf("gate: moderation lookup for %s: %v", userID, err)
			http.Error(w, "temporarily unavailable, retry shortly", http.StatusServiceUnavailable)
			return
		}
		switch snap.state(g.clock()) {
		case ModBanned:
			if bearer || wantsJSON(r) {
				http.Error(w, "banned: "+snap.BanReason, http.StatusForbidden)
				return
			}
			http.Redirect(w, r, "/banned", http.StatusSeeOther)
			return
		case ModKicked:
			if bearer || wantsJSON(r) {
				http.Error(w, "kicked: "+snap.KickReason, http.StatusForbidden)
				return
			}
			http.Redirect(w, r, "/kicked", http.StatusSeeOther)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

// Landing guards the anonymous landing page: logged-in users never see it.
func (g *Gate) Landing(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if userID, _ := g.identify(r); userID != "" {
			http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

// Moderated serves the banned/kicked surfaces: it requires a session and
// attaches the user id but deliberately skips the state redirects, since
// these pages are where those redirects land.
func (g *Gate) Moderated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := g.identify(r)
		if userID == "" {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.Contains(r.Header.Get("Content-Type"), "application/json")
}
