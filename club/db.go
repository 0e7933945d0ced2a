// club/db.go
package club

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Counters are never read-modify-written by application code: every relation
// mutation adjusts its counter with a single `SET c = c + 1` style statement
// inside the same transaction, and uniqueness constraints on the relation
// tables serialize same-entity races. The sessions table belongs to
// scs/pgxstore.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    username TEXT NOT NULL UNIQUE,
    avatar_url TEXT NOT NULL DEFAULT '',
    bio TEXT NOT NULL DEFAULT '',
    hash BYTEA,
    admin BOOLEAN NOT NULL DEFAULT FALSE,
    verified BOOLEAN NOT NULL DEFAULT FALSE,
    followers_count INTEGER NOT NULL DEFAULT 0 CHECK (followers_count >= 0),
    following_count INTEGER NOT NULL DEFAULT 0 CHECK (following_count >= 0),
    banned BOOLEAN NOT NULL DEFAULT FALSE,
    ban_reason TEXT NOT NULL DEFAULT '',
    banned_at TIMESTAMPTZ,
    banned_by TEXT NOT NULL DEFAULT '',
    kicked_until TIMESTAMPTZ,
    kick_reason TEXT NOT NULL DEFAULT '',
    kicked_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS follows (
    follower_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    following_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (follower_id, following_id),
    CHECK (follower_id <> following_id)
);
CREATE INDEX IF NOT EXISTS idx_follows_following ON follows(following_id);
CREATE TABLE IF NOT EXISTS groups (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    owner_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    parent_id UUID REFERENCES groups(id) ON DELETE CASCADE,
    members_count INTEGER NOT NULL DEFAULT 0 CHECK (members_count >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS memberships (
    group_id UUID NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (group_id, user_id)
);
CREATE TABLE IF NOT EXISTS posts (
    id UUID PRIMARY KEY,
    author_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    parent_id UUID REFERENCES posts(id) ON DELETE CASCADE,
    group_id UUID REFERENCES groups(id) ON DELETE CASCADE,
    subclub_id UUID REFERENCES groups(id) ON DELETE CASCADE,
    title TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    likes_count INTEGER NOT NULL DEFAULT 0 CHECK (likes_count >= 0),
    is_edited BOOLEAN NOT NULL DEFAULT FALSE,
    edited_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (group_id IS NULL OR subclub_id IS NULL)
);
CREATE INDEX IF NOT EXISTS idx_posts_parent ON posts(parent_id, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_posts_group ON posts(group_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_posts_subclub ON posts(subclub_id, created_at DESC);
CREATE TABLE IF NOT EXISTS likes (
    post_id UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (post_id, user_id)
);
CREATE TABLE IF NOT EXISTS notifications (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    actor_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    type TEXT NOT NULL CHECK (type IN ('like', 'comment')),
    post_id UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    read BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(user_id, read, created_at DESC);
CREATE TABLE IF NOT EXISTS sessions (
    token TEXT PRIMARY KEY,
    data BYTEA NOT NULL,
    expiry TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expiry_idx ON sessions(expiry);
`

const maxAttempts = 3

// Store is the persistence boundary the services operate over. Methods that
// touch a relation with a denormalized counter adjust both in one atomic
// unit; no caller ever sees the relation and its counter disagree.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateProfile(ctx context.Context, id, username, avatarURL, bio string) error

	CreateFollow(ctx context.Context, followerID, followingID string, at time.Time) error
	DeleteFollow(ctx context.Context, followerID, followingID string) (bool, error)

	CreatePost(ctx context.Context, p *Post, n *Notification) error
	GetPost(ctx context.Context, id string) (*Post, error)
	UpdatePost(ctx context.Context, id, content, title string, editedAt time.Time) error
	DeletePost(ctx context.Context, id string) error
	ListPosts(ctx context.Context, c Container, page, pageSize int) ([]Post, error)
	CountPosts(ctx context.Context, c Container) (int, error)
	ListComments(ctx context.Context, parentID string) ([]Post, error)
	CountComments(ctx context.Context, postID string) (int, error)

	CreateLike(ctx context.Context, postID, userID string, at time.Time, n *Notification) (bool, error)
	DeleteLike(ctx context.Context, postID, userID string) (bool, error)

	ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID string, ids []string) error

	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	CreateMembership(ctx context.Context, groupID, userID string, at time.Time) error
	DeleteMembership(ctx context.Context, groupID, userID string) (bool, error)

	SetBan(ctx context.Context, userID, reason, adminID string, at time.Time) error
	ClearBan(ctx context.Context, userID string) error
	SetKick(ctx context.Context, userID string, until time.Time, reason, adminID string) error

	RecountUserCounters(ctx context.Context, userID string) error
	RecountPostLikes(ctx context.Context, postID string) error
	RecountGroupMembers(ctx context.Context, groupID string) error
}

type Database struct {
	Pool *pgxpool.Pool
}

func NewDatabase(ctx context.Context, connectionString string) (*Database, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Database{Pool: pool}, nil
}

func (d *Database) CreateTables(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, schema)
	return err
}

func (d *Database) Close() {
	d.Pool.Close()
}

// classify maps pgx errors to the taxonomy. Server-reported constraint
// violations become Conflict/NotFound; everything that never reached the
// server (or died in transit) becomes StoreUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if Reason(err) != nil {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w", ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", ErrValidation, pgErr.ConstraintName)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// withRetry runs fn up to maxAttempts times, retrying only unavailability.
// fn must be a complete unit of work (one statement or one transaction) so a
// retry never replays half of anything.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		err = classify(fn())
		if err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return err
		}
	}
	return err
}

// inTx runs fn inside one transaction, rolled back on any error.
func (d *Database) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return withRetry(ctx, func() error {
		tx, err := d.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// --- User Functions ---

const userColumns = `id, email, username, avatar_url, bio, hash, admin, verified,
    followers_count, following_count,
    banned, ban_reason, banned_at, banned_by,
    kicked_until, kick_reason, kicked_by, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.AvatarURL, &u.Bio, &u.Hash,
		&u.Admin, &u.Verified, &u.FollowersCount, &u.FollowingCount,
		&u.Banned, &u.BanReason, &u.BannedAt, &u.BannedBy,
		&u.KickedUntil, &u.KickReason, &u.KickedBy, &u.Created, &u.Updated)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *Database) CreateUser(ctx context.Context, u *User) error {
	query := `INSERT INTO users (id, email, username, avatar_url, bio, hash, admin, verified, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	return withRetry(ctx, func() error {
		_, err := d.Pool.Exec(ctx, query, u.ID, u.Email, u.Username, u.AvatarURL, u.Bio,
			u.Hash, u.Admin, u.Verified, u.Created)
		return err
	})
}

func (d *Database) getUserWhere(ctx context.Context, clause string, arg any) (*User, error) {
	var u *User
	err := withRetry(ctx, func() error {
		var scanErr error
		u, scanErr = scanUser(d.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+clause, arg))
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	return d.getUserWhere(ctx, "id = $1", id)
}

func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return d.getUserWhere(ctx, "email = $1", email)
}

func (d *Database) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return d.getUserWhere(ctx, "username = $1", username)
}

func (d *Database) UpdateProfile(ctx context.Context, id, username, avatarURL, bio string) error {
	query := `UPDATE users SET username = $2, avatar_url = $3, bio = $4, updated_at = NOW() WHERE id = $1`
	return d.execExpectingRow(ctx, query, id, username, avatarURL, bio)
}

// execExpectingRow runs an UPDATE/DELETE that must touch exactly one row.
func (d *Database) execExpectingRow(ctx context.Context, query string, args ...any) error {
	return withRetry(ctx, func() error {
		tag, err := d.Pool.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w", ErrNotFound)
		}
		return nil
	})
}

// --- Follow Functions ---

// CreateFollow inserts the edge and bumps both sides' counters in one
// transaction. A duplicate pair surfaces as Conflict via the primary key.
func (d *Database) CreateFollow(ctx context.Context, followerID, followingID string, at time.Time) error {
	return d.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO follows (follower_id, following_id, created_at) VALUES ($1, $2, $3)`,
			followerID, followingID, at); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET followers_count = followers_count + 1 WHERE id = $1`, followingID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE users SET following_count = following_count + 1 WHERE id = $1`, followerID)
		return err
	})
}

// DeleteFollow removes the edge if present and decrements both counters,
// floored at zero. Reports whether an edge was removed.
func (d *Database) DeleteFollow(ctx context.Context, followerID, followingID string) (bool, error) {
	var removed bool
	err := d.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM follows WHERE follower_id = $1 AND following_id = $2`, followerID, followingID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		if !removed {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET followers_count = GREATEST(followers_count - 1, 0) WHERE id = $1`, followingID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE users SET following_count = GREATEST(following_count - 1, 0) WHERE id = $1`, followerID)
		return err
	})
	return removed, err
}

// --- Post Functions ---

const postColumns = `id, author_id, parent_id, group_id, subclub_id, title, content,
    likes_count, is_edited, edited_at, created_at`

func scanPost(row pgx.Row) (*Post, error) {
	var p Post
	var groupID, subclubID *string
	err := row.Scan(&p.ID, &p.AuthorID, &p.ParentID, &groupID, &subclubID,
		&p.Title, &p.Content, &p.LikesCount, &p.IsEdited, &p.EditedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if groupID != nil {
		p.Container.GroupID = *groupID
	}
	if subclubID != nil {
		p.Container.SubclubID = *subclubID
	}
	return &p, nil
}

// CreatePost persists the post and, when n is non-nil, the fan-out
// notification in the same transaction.
func (d *Database) CreatePost(ctx context.Context, p *Post, n *Notification) error {
	return d.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO posts (id, author_id, parent_id, group_id, subclub_id, title, content, created_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.ID, p.AuthorID, p.ParentID, nullable(p.Container.GroupID), nullable(p.Container.SubclubID),
			p.Title, p.Content, p.CreatedAt); err != nil {
			return err
		}
		if n == nil {
			return nil
		}
		return insertNotification(ctx, tx, n)
	})
}

func (d *Database) GetPost(ctx context.Context, id string) (*Post, error) {
	var p *Post
	err := withRetry(ctx, func() error {
		var scanErr error
		p, scanErr = scanPost(d.Pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Database) UpdatePost(ctx context.Context, id, content, title string, editedAt time.Time) error {
	query := `UPDATE posts SET content = $2, title = $3, is_edited = TRUE, edited_at = $4 WHERE id = $1`
	return d.execExpectingRow(ctx, query, id, content, title, editedAt)
}

// DeletePost removes the post; the parent_id cascade takes the whole comment
// subtree with it, along with the subtree's likes and notifications. One
// set-based delete, no application-level recursion.
func (d *Database) DeletePost(ctx context.Context, id string) error {
	return d.execExpectingRow(ctx, `DELETE FROM posts WHERE id = $1`, id)
}

func containerClause(c Container, args *[]any) string {
	switch {
	case c.GroupID != "":
		*args = append(*args, c.GroupID)
		return fmt.Sprintf("group_id = $%d", len(*args))
	case c.SubclubID != "":
		*args = append(*args, c.SubclubID)
		return fmt.Sprintf("subclub_id = $%d", len(*args))
	default:
		return "group_id IS NULL AND subclub_id IS NULL"
	}
}

func (d *Database) queryPosts(ctx context.Context, query string, args ...any) ([]Post, error) {
	var posts []Post
	err := withRetry(ctx, func() error {
		rows, err := d.Pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		posts = posts[:0]
		for rows.Next() {
			p, err := scanPost(rows)
			if err != nil {
				return err
			}
			posts = append(posts, *p)
		}
		return rows.Err()
	})
	return posts, err
}

// ListPosts returns top-level posts in the container, most recent first.
func (d *Database) ListPosts(ctx context.Context, c Container, page, pageSize int) ([]Post, error) {
	args := []any{}
	where := containerClause(c, &args)
	args = append(args, pageSize, (page-1)*pageSize)
	query := fmt.Sprintf(`SELECT %s FROM posts WHERE parent_id IS NULL AND %s
        ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, postColumns, where, len(args)-1, len(args))
	return d.queryPosts(ctx, query, args...)
}

func (d *Database) CountPosts(ctx context.Context, c Container) (int, error) {
	args := []any{}
	where := containerClause(c, &args)
	var count int
	err := withRetry(ctx, func() error {
		return d.Pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM posts WHERE parent_id IS NULL AND `+where, args...).Scan(&count)
	})
	return count, err
}

// ListComments returns the direct children of a post in creation order,
// oldest first, independent of the top-level ordering policy.
func (d *Database) ListComments(ctx context.Context, parentID string) ([]Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE parent_id = $1 ORDER BY created_at ASC`
	return d.queryPosts(ctx, query, parentID)
}

// CountComments is derived by query; comment totals are not a maintained
// counter.
func (d *Database) CountComments(ctx context.Context, postID string) (int, error) {
	var count int
	err := withRetry(ctx, func() error {
		return d.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE parent_id = $1`, postID).Scan(&count)
	})
	return count, err
}

// --- Like Functions ---

// CreateLike is idempotent: ON CONFLICT DO NOTHING is the guard, and the
// counter and notification are written only when a row was actually
// inserted. Reports whether this call created the like.
func (d *Database) CreateLike(ctx context.Context, postID, userID string, at time.Time, n *Notification) (bool, error) {
	var created bool
	err := d.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO likes (post_id, user_id, created_at) VALUES ($1, $2, $3)
             ON CONFLICT (post_id, user_id) DO NOTHING`, postID, userID, at)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() > 0
		if !created {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE posts SET likes_count = likes_count + 1 WHERE id = $1`, postID); err != nil {
			return err
		}
		if n == nil {
			return nil
		}
		return insertNotification(ctx, tx, n)
	})
	return created, err
}

// DeleteLike is a no-op on a like that does not exist.
func (d *Database) DeleteLike(ctx context.Context, postID, userID string) (bool, error) {
	var removed bool
	err := d.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM likes WHERE post_id = $1 AND user_id = $2`, postID, userID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		if !removed {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE posts SET likes_count = GREATEST(likes_count - 1, 0) WHERE id = $1`, postID)
		return err
	})
	return removed, err
}

// --- Notification Functions ---

func insertNotification(ctx context.Context, tx pgx.Tx, n *Notification) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO notifications (id, user_id, actor_id, type, post_id, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.UserID, n.ActorID, n.Type, n.PostID, n.CreatedAt)
	return err
}

func (d *Database) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	var notes []Notification
	err := withRetry(ctx, func() error {
		rows, err := d.Pool.Query(ctx,
			`SELECT id, user_id, actor_id, type, post_id, read, created_at FROM notifications
             WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		notes = notes[:0]
		for rows.Next() {
			var n Notification
			if err := rows.Scan(&n.ID, &n.UserID, &n.ActorID, &n.Type, &n.PostID, &n.Read, &n.CreatedAt); err != nil {
				return err
			}
			notes = append(notes, n)
		}
		return rows.Err()
	})
	return notes, err
}

func (d *Database) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := withRetry(ctx, func() error {
		return d.Pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = FALSE`, userID).Scan(&count)
	})
	return count, err
}

// MarkRead flips read only for the given ids, so rows inserted after the
// viewer's fetch are never acknowledged unseen.
func (d *Database) MarkRead(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		_, err := d.Pool.Exec(ctx,
			`UPDATE notifications SET read = TRUE WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
		return err
	})
}

// --- Group Functions ---

// CreateGroup inserts the group and the owner's founding membership in one
// transaction: a group never exists without its owner as first member, and
// members_count starts at 1 to match.
func (d *Database) CreateGroup(ctx context.Context, g *Group) error {
	return d.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO groups (id, name, description, owner_id, parent_id, members_count, created_at)
             VALUES ($1, $2, $3, $4, $5, 1, $6)`,
			g.ID, g.Name, g.Description, g.OwnerID, g.ParentID, g.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO memberships (group_id, user_id, created_at) VALUES ($1, $2, $3)`,
			g.ID, g.OwnerID, g.CreatedAt)
		return err
	})
}

func (d *Database) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	err := withRetry(ctx, func() error {
		return d.Pool.QueryRow(ctx,
			`SELECT id, name, description, owner_id, parent_id, members_count, created_at
             FROM groups WHERE id = $1`, id).
			Scan(&g.ID, &g.Name, &g.Description, &g.OwnerID, &g.ParentID, &g.MembersCount, &g.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateMembership mirrors CreateFollow: edge plus counter in one
// transaction, Conflict on a duplicate pair.
func (d *Database) CreateMembership(ctx context.Context, groupID, userID string, at time.Time) error {
	return d.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO memberships (group_id, user_id, created_at) VALUES ($1, $2, $3)`,
			groupID, userID, at); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE groups SET members_count = members_count + 1 WHERE id = $1`, groupID)
		return err
	})
}

func (d *Database) DeleteMembership(ctx context.Context, groupID, userID string) (bool, error) {
	var removed bool
	err := d.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM memberships WHERE group_id = $1 AND user_id = $2`, groupID, userID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		if !removed {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE groups SET members_count = GREATEST(members_count - 1, 0) WHERE id = $1`, groupID)
		return err
	})
	return removed, err
}

// --- Moderation Functions ---

func (d *Database) SetBan(ctx context.Context, userID, reason, adminID string, at time.Time) error {
	query := `UPDATE users SET banned = TRUE, ban_reason = $2, banned_at = $3, banned_by = $4, updated_at = NOW()
              WHERE id = $1`
	return d.execExpectingRow(ctx, query, userID, reason, at, adminID)
}

func (d *Database) ClearBan(ctx context.Context, userID string) error {
	query := `UPDATE users SET banned = FALSE, ban_reason = '', banned_at = NULL, banned_by = '', updated_at = NOW()
              WHERE id = $1`
	return d.execExpectingRow(ctx, query, userID)
}

// SetKick overwrites any existing kick window; re-kicking is last-write-wins.
func (d *Database) SetKick(ctx context.Context, userID string, until time.Time, reason, adminID string) error {
	query := `UPDATE users SET kicked_until = $2, kick_reason = $3, kicked_by = $4, updated_at = NOW()
              WHERE id = $1`
	return d.execExpectingRow(ctx, query, userID, until, reason, adminID)
}

// --- Repair Functions ---

// The counters are materialized views of their relations; these recompute
// them from scratch for drift repair.

func (d *Database) RecountUserCounters(ctx context.Context, userID string) error {
	query := `UPDATE users SET
        followers_count = (SELECT COUNT(*) FROM follows WHERE following_id = users.id),
        following_count = (SELECT COUNT(*) FROM follows WHERE follower_id = users.id)
        WHERE id = $1`
	return d.execExpectingRow(ctx, query, userID)
}

func (d *Database) RecountPostLikes(ctx context.Context, postID string) error {
	query := `UPDATE posts SET
        likes_count = (SELECT COUNT(*) FROM likes WHERE post_id = posts.id)
        WHERE id = $1`
	return d.execExpectingRow(ctx, query, postID)
}

func (d *Database) RecountGroupMembers(ctx context.Context, groupID string) error {
	query := `UPDATE groups SET
        members_count = (SELECT COUNT(*) FROM memberships WHERE group_id = groups.id)
        WHERE id = $1`
	return d.execExpectingRow(ctx, query, groupID)
}
