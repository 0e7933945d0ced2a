// club/engagement.go
package club

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Engagement owns every write to the follow graph and the post/comment
// tree. Each write passes through the store as one atomic unit together with
// its counter adjustment, and comment/like events hand a notification row to
// the same transaction.
type Engagement struct {
	store  Store
	notify *Notifier
	clock  func() time.Time
	newID  func() string
}

func NewEngagement(store Store, notify *Notifier) *Engagement {
	return &Engagement{
		store:  store,
		notify: notify,
		clock:  time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Follow creates the directed edge. Duplicate follows are a Conflict, not a
// silent success: follow/unfollow is a toggle and the client acts on prior
// state.
func (e *Engagement) Follow(ctx context.Context, followerID, followingID string) error {
	if followerID == followingID {
		return validationf("cannot follow yourself")
	}
	return e.store.CreateFollow(ctx, followerID, followingID, e.clock().UTC())
}

// Unfollow removes the edge; absent edges are a no-op.
func (e *Engagement) Unfollow(ctx context.Context, followerID, followingID string) error {
	_, err := e.store.DeleteFollow(ctx, followerID, followingID)
	return err
}

// CreatePost persists a top-level post or, when parentID is set, a comment.
// Comments inherit their parent's container and carry no title; a comment on
// someone else's post fans out one notification in the same transaction.
func (e *Engagement) CreatePost(ctx context.Context, authorID string, c Container, content, title string, parentID *string) (*Post, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, validationf("content is required")
	}
	if !c.Valid() {
		return nil, validationf("a post belongs to a group or a subclub, not both")
	}

	now := e.clock().UTC()
	p := &Post{
		ID:        e.newID(),
		AuthorID:  authorID,
		Container: c,
		Title:     strings.TrimSpace(title),
		Content:   content,
		CreatedAt: now,
	}

	var note *Notification
	if parentID != nil {
		parent, err := e.store.GetPost(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		if !c.Global() && c != parent.Container {
			return nil, validationf("comment container must match its parent")
		}
		p.ParentID = parentID
		p.Container = parent.Container
		p.Title = ""
		note = e.notify.Record(parent.AuthorID, authorID, NotificationComment, parent.ID, now)
	}

	if err := e.store.CreatePost(ctx, p, note); err != nil {
		return nil, err
	}
	if note != nil {
		e.notify.PushUnread(ctx, note.UserID)
	}
	return p, nil
}

// EditPost updates content/title; only the author may edit.
func (e *Engagement) EditPost(ctx context.Context, postID, editorID, content, title string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return validationf("content is required")
	}
	p, err := e.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if p.AuthorID != editorID {
		return forbiddenf("only the author may edit a post")
	}
	if p.ParentID != nil {
		title = ""
	} else if strings.TrimSpace(title) == "" {
		title = p.Title
	}
	return e.store.UpdatePost(ctx, postID, content, strings.TrimSpace(title), e.clock().UTC())
}

// DeletePost removes a post and its entire comment subtree. The author may
// delete their own post; an admin may delete any post.
func (e *Engagement) DeletePost(ctx context.Context, postID, actorID string) error {
	p, err := e.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if p.AuthorID != actorID {
		actor, err := e.store.GetUser(ctx, actorID)
		if err != nil {
			return err
		}
		if !actor.Admin {
			return forbiddenf("only the author or an admin may delete a post")
		}
	}
	return e.store.DeletePost(ctx, postID)
}

// Like is idempotent: a duplicate like leaves one row, one counter bump, and
// one notification. Liking your own post never notifies.
func (e *Engagement) Like(ctx context.Context, postID, userID string) error {
	p, err := e.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	now := e.clock().UTC()
	note := e.notify.Record(p.AuthorID, userID, NotificationLike, p.ID, now)
	created, err := e.store.CreateLike(ctx, postID, userID, now, note)
	if err != nil {
		return err
	}
	if created && note != nil {
		e.notify.PushUnread(ctx, note.UserID)
	}
	return nil
}

// Unlike removes the like if present; a missing like is a no-op.
func (e *Engagement) Unlike(ctx context.Context, postID, userID string) error {
	_, err := e.store.DeleteLike(ctx, postID, userID)
	return err
}

// Post returns one post by id.
func (e *Engagement) Post(ctx context.Context, postID string) (*Post, error) {
	return e.store.GetPost(ctx, postID)
}

// Posts lists top-level posts in a container, most recent first.
func (e *Engagement) Posts(ctx context.Context, c Container, page, pageSize int) ([]Post, int, error) {
	if !c.Valid() {
		return nil, 0, validationf("a container is a group or a subclub, not both")
	}
	if page < 1 {
		page = 1
	}
	posts, err := e.store.ListPosts(ctx, c, page, pageSize)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.store.CountPosts(ctx, c)
	if err != nil {
		return nil, 0, err
	}
	return posts, total, nil
}

// Comments lists a post's direct replies in conversational (oldest-first)
// order.
func (e *Engagement) Comments(ctx context.Context, postID string) ([]Post, error) {
	if _, err := e.store.GetPost(ctx, postID); err != nil {
		return nil, err
	}
	return e.store.ListComments(ctx, postID)
}

// CommentCount is derived by query, not a maintained counter.
func (e *Engagement) CommentCount(ctx context.Context, postID string) (int, error) {
	return e.store.CountComments(ctx, postID)
}

// CreateGroup makes a new group, or a subclub when parentID is set. The
// owner's founding membership lands in the same store write.
func (e *Engagement) CreateGroup(ctx context.Context, ownerID, name, description string, parentID *string) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationf("group name is required")
	}
	g := &Group{
		ID:          e.newID(),
		Name:        name,
		Description: strings.TrimSpace(description),
		OwnerID:     ownerID,
		ParentID:    parentID,
		CreatedAt:   e.clock().UTC(),
	}
	if err := e.store.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	g.MembersCount = 1
	return g, nil
}

// Group returns one group with its membership counter.
func (e *Engagement) Group(ctx context.Context, groupID string) (*Group, error) {
	return e.store.GetGroup(ctx, groupID)
}

// JoinGroup adds a membership; joining twice is a Conflict, mirroring Follow.
func (e *Engagement) JoinGroup(ctx context.Context, groupID, userID string) error {
	return e.store.CreateMembership(ctx, groupID, userID, e.clock().UTC())
}

// LeaveGroup removes the membership; absent memberships are a no-op.
func (e *Engagement) LeaveGroup(ctx context.Context, groupID, userID string) error {
	_, err := e.store.DeleteMembership(ctx, groupID, userID)
	return err
}
