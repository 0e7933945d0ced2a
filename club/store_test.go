// club/store_test.go
package club

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same atomicity and uniqueness
// semantics as the Postgres implementation: counter adjustments happen under
// the same lock as the relation change, duplicate follows conflict, and
// duplicate likes are silent no-ops.
type memStore struct {
	mu            sync.Mutex
	users         map[string]*User
	follows       map[string]bool // follower|following
	posts         map[string]*Post
	likes         map[string]bool // post|user
	notifications []*Notification
	groups        map[string]*Group
	memberships   map[string]bool // group|user
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[string]*User),
		follows:     make(map[string]bool),
		posts:       make(map[string]*Post),
		likes:       make(map[string]bool),
		groups:      make(map[string]*Group),
		memberships: make(map[string]bool),
	}
}

func pair(a, b string) string { return a + "|" + b }

func (m *memStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email || existing.Username == u.Username {
			return fmt.Errorf("%w: users_email_key", ErrConflict)
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memStore) getUserLocked(id string) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, nil
}

func (m *memStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.getUserLocked(id)
	if err != nil {
		return nil, err
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: email", ErrNotFound)
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: username", ErrNotFound)
}

func (m *memStore) UpdateProfile(_ context.Context, id, username, avatarURL, bio string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.getUserLocked(id)
	if err != nil {
		return err
	}
	u.Username = username
	u.AvatarURL = avatarURL
	u.Bio = bio
	return nil
}

func (m *memStore) CreateFollow(_ context.Context, followerID, followingID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	follower, err := m.getUserLocked(followerID)
	if err != nil {
		return err
	}
	following, err := m.getUserLocked(followingID)
	if err != nil {
		return err
	}
	key := pair(followerID, followingID)
	if m.follows[key] {
		return fmt.Errorf("%w: follows_pkey", ErrConflict)
	}
	m.follows[key] = true
	following.FollowersCount++
	follower.FollowingCount++
	return nil
}

func (m *memStore) DeleteFollow(_ context.Context, followerID, followingID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pair(followerID, followingID)
	if !m.follows[key] {
		return false, nil
	}
	delete(m.follows, key)
	if u, ok := m.users[followingID]; ok && u.FollowersCount > 0 {
		u.FollowersCount--
	}
	if u, ok := m.users[followerID]; ok && u.FollowingCount > 0 {
		u.FollowingCount--
	}
	return true, nil
}

func (m *memStore) CreatePost(_ context.Context, p *Post, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ParentID != nil {
		if _, ok := m.posts[*p.ParentID]; !ok {
			return fmt.Errorf("%w: parent post", ErrNotFound)
		}
	}
	cp := *p
	m.posts[p.ID] = &cp
	if n != nil {
		ncp := *n
		m.notifications = append(m.notifications, &ncp)
	}
	return nil
}

func (m *memStore) GetPost(_ context.Context, id string) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, fmt.Errorf("%w: post %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) UpdatePost(_ context.Context, id, content, title string, editedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return fmt.Errorf("%w: post %s", ErrNotFound, id)
	}
	p.Content = content
	p.Title = title
	p.IsEdited = true
	at := editedAt
	p.EditedAt = &at
	return nil
}

func (m *memStore) DeletePost(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return fmt.Errorf("%w: post %s", ErrNotFound, id)
	}
	m.deletePostLocked(id)
	return nil
}

// deletePostLocked cascades like the FK does: subtree, likes, notifications.
func (m *memStore) deletePostLocked(id string) {
	for childID, child := range m.posts {
		if child.ParentID != nil && *child.ParentID == id {
			m.deletePostLocked(childID)
		}
	}
	delete(m.posts, id)
	for key := range m.likes {
		if len(key) > len(id) && key[:len(id)] == id && key[len(id)] == '|' {
			delete(m.likes, key)
		}
	}
	kept := m.notifications[:0]
	for _, n := range m.notifications {
		if n.PostID != id {
			kept = append(kept, n)
		}
	}
	m.notifications = kept
}

func (m *memStore) ListPosts(_ context.Context, c Container, page, pageSize int) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Post
	for _, p := range m.posts {
		if p.ParentID == nil && p.Container == c {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	start := (page - 1) * pageSize
	if start >= len(out) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (m *memStore) CountPosts(_ context.Context, c Container) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.posts {
		if p.ParentID == nil && p.Container == c {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListComments(_ context.Context, parentID string) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Post
	for _, p := range m.posts {
		if p.ParentID != nil && *p.ParentID == parentID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) CountComments(_ context.Context, postID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.posts {
		if p.ParentID != nil && *p.ParentID == postID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CreateLike(_ context.Context, postID, userID string, at time.Time, n *Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return false, fmt.Errorf("%w: post %s", ErrNotFound, postID)
	}
	key := pair(postID, userID)
	if m.likes[key] {
		return false, nil
	}
	m.likes[key] = true
	p.LikesCount++
	if n != nil {
		ncp := *n
		m.notifications = append(m.notifications, &ncp)
	}
	return true, nil
}

func (m *memStore) DeleteLike(_ context.Context, postID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pair(postID, userID)
	if !m.likes[key] {
		return false, nil
	}
	delete(m.likes, key)
	if p, ok := m.posts[postID]; ok && p.LikesCount > 0 {
		p.LikesCount--
	}
	return true, nil
}

func (m *memStore) ListNotifications(_ context.Context, userID string, limit int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UnreadCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *memStore) MarkRead(_ context.Context, userID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for _, n := range m.notifications {
		if n.UserID == userID && wanted[n.ID] {
			n.Read = true
		}
	}
	return nil
}

func (m *memStore) CreateGroup(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	cp.MembersCount = 1
	m.groups[g.ID] = &cp
	m.memberships[pair(g.ID, g.OwnerID)] = true
	return nil
}

func (m *memStore) GetGroup(_ context.Context, id string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	cp := *g
	return &cp, nil
}

func (m *memStore) CreateMembership(_ context.Context, groupID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	key := pair(groupID, userID)
	if m.memberships[key] {
		return fmt.Errorf("%w: memberships_pkey", ErrConflict)
	}
	m.memberships[key] = true
	g.MembersCount++
	return nil
}

func (m *memStore) DeleteMembership(_ context.Context, groupID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pair(groupID, userID)
	if !m.memberships[key] {
		return false, nil
	}
	delete(m.memberships, key)
	if g, ok := m.groups[groupID]; ok && g.MembersCount > 0 {
		g.MembersCount--
	}
	return true, nil
}

func (m *memStore) SetBan(_ context.Context, userID, reason, adminID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.getUserLocked(userID)
	if err != nil {
		return err
	}
	u.Banned = true
	u.BanReason = reason
	banAt := at
	u.BannedAt = &banAt
	u.BannedBy = adminID
	return nil
}

func (m *memStore) ClearBan(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.getUserLocked(userID)
	if err != nil {
		return err
	}
	u.Banned = false
	u.BanReason = ""
	u.BannedAt = nil
	u.BannedBy = ""
	return nil
}

func (m *memStore) SetKick(_ context.Context, userID string, until time.Time, reason, adminID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.getUserLocked(userID)
	if err != nil {
		return err
	}
	kickUntil := until
	u.KickedUntil = &kickUntil
	u.KickReason = reason
	u.KickedBy = adminID
	return nil
}

func (m *memStore) RecountUserCounters(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.getUserLocked(userID)
	if err != nil {
		return err
	}
	u.FollowersCount, u.FollowingCount = m.countEdgesLocked(userID)
	return nil
}

func (m *memStore) countEdgesLocked(userID string) (followers, following int) {
	suffix := "|" + userID
	prefix := userID + "|"
	for key := range m.follows {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			followers++
		}
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			following++
		}
	}
	return followers, following
}

func (m *memStore) RecountPostLikes(_ context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return fmt.Errorf("%w: post %s", ErrNotFound, postID)
	}
	prefix := postID + "|"
	count := 0
	for key := range m.likes {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			count++
		}
	}
	p.LikesCount = count
	return nil
}

func (m *memStore) RecountGroupMembers(_ context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	prefix := groupID + "|"
	count := 0
	for key := range m.memberships {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			count++
		}
	}
	g.MembersCount = count
	return nil
}

// memStream records published unread counts.
type memStream struct {
	mu        sync.Mutex
	published map[string][]int
}

func newMemStream() *memStream {
	return &memStream{published: make(map[string][]int)}
}

func (s *memStream) PublishUnread(_ context.Context, userID string, unread int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[userID] = append(s.published[userID], unread)
	return nil
}

func (s *memStream) SubscribeUnread(_ context.Context, userID string) (<-chan UnreadEvent, func(), error) {
	ch := make(chan UnreadEvent)
	return ch, func() { close(ch) }, nil
}

func (s *memStream) counts(userID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.published[userID]...)
}

// addUser seeds a user row directly.
func (m *memStore) addUser(id string, admin bool) *User {
	u := &User{ID: id, Email: id + "@example.com", Username: id, Admin: admin, Created: time.Now().UTC()}
	m.mu.Lock()
	m.users[id] = u
	m.mu.Unlock()
	return u
}
