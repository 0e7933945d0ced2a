// club/models.go
package club

import (
	"time"
)

// ModState is the computed moderation state of a user at an instant.
type ModState int

const (
	ModActive ModState = iota
	ModKicked
	ModBanned
)

func (s ModState) String() string {
	switch s {
	case ModBanned:
		return "banned"
	case ModKicked:
		return "kicked"
	default:
		return "active"
	}
}

// User carries profile attributes, the admin role flag, moderation fields,
// and the denormalized follow counters.
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Username       string     `json:"username"`
	AvatarURL      string     `json:"avatar_url"`
	Bio            string     `json:"bio"`
	Hash           []byte     `json:"-"`
	Admin          bool       `json:"admin"`
	Verified       bool       `json:"verified"`
	FollowersCount int        `json:"followers_count"`
	FollowingCount int        `json:"following_count"`
	Banned         bool       `json:"banned"`
	BanReason      string     `json:"ban_reason,omitempty"`
	BannedAt       *time.Time `json:"banned_at,omitempty"`
	BannedBy       string     `json:"banned_by,omitempty"`
	KickedUntil    *time.Time `json:"kicked_until,omitempty"`
	KickReason     string     `json:"kick_reason,omitempty"`
	KickedBy       string     `json:"kicked_by,omitempty"`
	Created        time.Time  `json:"created"`
	Updated        time.Time  `json:"updated"`
}

// ModerationState computes the state lazily: ban outranks kick, and a
// kicked_until in the past is Active without any explicit clear.
func (u *User) ModerationState(now time.Time) ModState {
	if u.Banned {
		return ModBanned
	}
	if u.KickedUntil != nil && u.KickedUntil.After(now) {
		return ModKicked
	}
	return ModActive
}

// KickRemaining reports how long a kick has left at now; zero when not kicked.
func (u *User) KickRemaining(now time.Time) time.Duration {
	if u.KickedUntil == nil || !u.KickedUntil.After(now) {
		return 0
	}
	return u.KickedUntil.Sub(now)
}

// Sanitize strips credential material before the user is rendered anywhere.
func (u *User) Sanitize() {
	u.Hash = nil
}

// FollowEdge is one directed follower -> following pair, unique per pair.
type FollowEdge struct {
	FollowerID  string    `json:"follower_id"`
	FollowingID string    `json:"following_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Container is the group, subclub, or global scope a post belongs to.
// At most one of the two ids is set; neither means a global post.
type Container struct {
	GroupID   string `json:"group_id,omitempty"`
	SubclubID string `json:"subclub_id,omitempty"`
}

// Global reports whether the container is the global scope.
func (c Container) Global() bool { return c.GroupID == "" && c.SubclubID == "" }

// Valid rejects a container naming both a group and a subclub.
func (c Container) Valid() bool { return c.GroupID == "" || c.SubclubID == "" }

// Post is one node of the comment tree. A nil ParentID means a top-level
// post; otherwise it is a comment and inherits its parent's container.
type Post struct {
	ID         string     `json:"id"`
	AuthorID   string     `json:"author_id"`
	ParentID   *string    `json:"parent_id,omitempty"`
	Container  Container  `json:"container"`
	Title      string     `json:"title,omitempty"`
	Content    string     `json:"content"`
	LikesCount int        `json:"likes_count"`
	IsEdited   bool       `json:"is_edited"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Like is one (post, user) pair; the pair's uniqueness constraint is the
// idempotence guard for double likes.
type Like struct {
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification types. Only engagement events fan out.
const (
	NotificationLike    = "like"
	NotificationComment = "comment"
)

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ActorID   string    `json:"actor_id"`
	Type      string    `json:"type"`
	PostID    string    `json:"post_id"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is a reading group; subclubs reuse the same shape under a parent
// group. MembersCount is denormalized under the same ledger contract as the
// follow counters.
type Group struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	OwnerID      string    `json:"owner_id"`
	ParentID     *string   `json:"parent_id,omitempty"`
	MembersCount int       `json:"members_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Membership is one (group, user) pair, unique per pair.
type Membership struct {
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
