// club/handlers.go
package club

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strconv"
	"time"
)

const PageSize = 50

// The app shell is deliberately small; the API does the real work and the
// surfaces below exist mostly as gate redirect targets.
const pagesHTML = `
{{define "landing"}}<!DOCTYPE html>
<html><body>
<h1>Chapterhouse</h1>
<p>A reading club for people who finish the book.</p>
<form method="POST" action="/login">
<input name="email" placeholder="email"><input name="password" type="password" placeholder="password">
<button>Sign in</button>
</form>
</body></html>{{end}}

{{define "dashboard"}}<!DOCTYPE html>
<html><body>
<h1>Dashboard</h1>
<p>Signed in as {{.Username}}. Unread notifications: <span id="unread">{{.Unread}}</span></p>
<form method="POST" action="/logout"><button>Sign out</button></form>
</body></html>{{end}}

{{define "banned"}}<!DOCTYPE html>
<html><body>
<h1>Account banned</h1>
<p>Reason: {{.Reason}}</p>
<form method="POST" action="/logout"><button>Sign out</button></form>
</body></html>{{end}}

{{define "kicked"}}<!DOCTYPE html>
<html><body>
<h1>Temporarily removed</h1>
<p>Reason: {{.Reason}}. Access returns in {{.Remaining}}.</p>
<form method="POST" action="/logout"><button>Sign out</button></form>
</body></html>{{end}}
`

type Handlers struct {
	users      *Users
	engagement *Engagement
	notify     *Notifier
	moderation *Moderation
	gate       *Gate
	stream     Stream
	tokens     *Tokens
	templates  *template.Template
	clock      func() time.Time
}

func NewHandlers(users *Users, engagement *Engagement, notify *Notifier, moderation *Moderation, gate *Gate, stream Stream, tokens *Tokens) *Handlers {
	return &Handlers{
		users:      users,
		engagement: engagement,
		notify:     notify,
		moderation: moderation,
		gate:       gate,
		stream:     stream,
		tokens:     tokens,
		templates:  template.Must(template.New("pages").Parse(pagesHTML)),
		clock:      time.Now,
	}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	g := h.gate

	mux.HandleFunc("GET /{$}", g.Landing(h.landing))
	mux.HandleFunc("POST /register", h.register)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("POST /logout", h.logout)
	mux.HandleFunc("GET /dashboard", g.Protect(h.dashboard))
	mux.HandleFunc("GET /banned", g.Moderated(h.bannedPage))
	mux.HandleFunc("GET /kicked", g.Moderated(h.kickedPage))

	mux.HandleFunc("GET /users/{id}", g.Protect(h.profile))
	mux.HandleFunc("PATCH /users/{id}", g.Protect(h.updateProfile))
	mux.HandleFunc("POST /users/{id}/follow", g.Protect(h.follow))
	mux.HandleFunc("DELETE /users/{id}/follow", g.Protect(h.unfollow))

	mux.HandleFunc("GET /posts", g.Protect(h.listPosts))
	mux.HandleFunc("POST /posts", g.Protect(h.createPost))
	mux.HandleFunc("GET /posts/{id}", g.Protect(h.showPost))
	mux.HandleFunc("PATCH /posts/{id}", g.Protect(h.editPost))
	mux.HandleFunc("DELETE /posts/{id}", g.Protect(h.deletePost))
	mux.HandleFunc("GET /posts/{id}/comments", g.Protect(h.listComments))
	mux.HandleFunc("POST /posts/{id}/like", g.Protect(h.like))
	mux.HandleFunc("DELETE /posts/{id}/like", g.Protect(h.unlike))

	mux.HandleFunc("GET /notifications", g.Protect(h.listNotifications))
	mux.HandleFunc("GET /notifications/unread", g.Protect(h.unreadCount))
	mux.HandleFunc("GET /notifications/stream", g.Protect(h.streamUnread))

	mux.HandleFunc("POST /groups", g.Protect(h.createGroup))
	mux.HandleFunc("GET /groups/{id}", g.Protect(h.showGroup))
	mux.HandleFunc("POST /groups/{id}/join", g.Protect(h.joinGroup))
	mux.HandleFunc("DELETE /groups/{id}/join", g.Protect(h.leaveGroup))

	mux.HandleFunc("POST /admin/users/{id}/ban", g.Protect(h.ban))
	mux.HandleFunc("POST /admin/users/{id}/unban", g.Protect(h.unban))
	mux.HandleFunc("POST /admin/users/{id}/kick", g.Protect(h.kick))
	mux.HandleFunc("POST /admin/recount", g.Protect(h.recount))
}

// --- Response Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

// writeError maps the taxonomy to HTTP. Conflict is reported as the current
// state rather than a failure page; StoreUnavailable carries a retry hint.
func writeError(w http.ResponseWriter, err error) {
	switch Reason(err) {
	case ErrUnauthorized:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case ErrForbidden:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case ErrConflict:
		writeJSON(w, http.StatusConflict, map[string]string{"state": "already in that state"})
	case ErrNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case ErrValidation:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case ErrStoreUnavailable:
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable, please retry"})
	default:
		log.Printf("internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return validationf("malformed request body")
	}
	return nil
}

func requestUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := RequestUserID(r.Context())
	if !ok {
		writeError(w, ErrUnauthorized)
	}
	return id, ok
}

// --- Pages ---

func (h *Handlers) render(w http.ResponseWriter, name string, data any) {
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		log.Printf("render %s: %v", name, err)
	}
}

func (h *Handlers) landing(w http.ResponseWriter, r *http.Request) {
	h.render(w, "landing", nil)
}

func (h *Handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	u, err := h.users.Get(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	unread, err := h.notify.UnreadCount(r.Context(), userID)
	if err != nil {
		log.Printf("unread count for dashboard: %v", err)
	}
	h.render(w, "dashboard", struct {
		Username string
		Unread   int
	}{u.Username, unread})
}

func (h *Handlers) bannedPage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	u, err := h.users.Get(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if u.ModerationState(h.clock()) != ModBanned {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	h.render(w, "banned", struct{ Reason string }{u.BanReason})
}

func (h *Handlers) kickedPage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	u, err := h.users.Get(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	now := h.clock()
	if u.ModerationState(now) != ModKicked {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	h.render(w, "kicked", struct {
		Reason    string
		Remaining string
	}{u.KickReason, u.KickRemaining(now).Round(time.Minute).String()})
}

// --- Auth ---

func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	u, err := h.users.Register(r.Context(), in.Email, in.Username, in.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.gate.Sessions.RenewToken(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.gate.Sessions.Put(r.Context(), sessionUserKey, u.ID)
	u.Sanitize()
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if wantsJSON(r) {
		if err := decodeBody(r, &in); err != nil {
			writeError(w, err)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, validationf("malformed form"))
			return
		}
		in.Email = r.FormValue("email")
		in.Password = r.FormValue("password")
	}
	u, err := h.users.Authenticate(r.Context(), in.Email, in.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.gate.Sessions.RenewToken(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.gate.Sessions.Put(r.Context(), sessionUserKey, u.ID)
	if !wantsJSON(r) {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	token, err := h.tokens.Issue(u.ID)
	if err != nil {
		log.Printf("issue api token: %v", err)
	}
	u.Sanitize()
	writeJSON(w, http.StatusOK, map[string]any{"user": u, "token": token})
}

// logout is deliberately reachable from every moderation state; it is the
// one action the banned and kicked surfaces offer.
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.gate.Sessions.Destroy(r.Context()); err != nil {
		log.Printf("destroy session: %v", err)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// --- Profiles & Follow ---

func (h *Handlers) profile(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handlers) updateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	var in struct {
		Username  string `json:"username"`
		AvatarURL string `json:"avatar_url"`
		Bio       string `json:"bio"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.users.UpdateProfile(r.Context(), userID, r.PathValue("id"), in.Username, in.AvatarURL, in.Bio); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) follow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	if err := h.engagement.Follow(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"state": "following"})
}

func (h *Handlers) unfollow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	if err := h.engagement.Unfollow(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "not following"})
}

// --- Posts ---

func containerFromQuery(r *http.Request) Container {
	return Container{
		GroupID:   r.URL.Query().Get("group"),
		SubclubID: r.URL.Query().Get("subclub"),
	}
}

func (h *Handlers) listPosts(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	posts, total, err := h.engagement.Posts(r.Context(), containerFromQuery(r), page, PageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"posts":       posts,
		"total":       total,
		"page":        page,
		"total_pages": (total + PageSize - 1) / PageSize,
	})
}

func (h *Handlers) createPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	var in struct {
		GroupID   string  `json:"group_id"`
		SubclubID string  `json:"subclub_id"`
		Title     string  `json:"title"`
		Content   string  `json:"content"`
		ParentID  *string `json:"parent_id"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.engagement.CreatePost(r.Context(), userID,
		Container{GroupID: in.GroupID, SubclubID: in.SubclubID}, in.Content, in.Title, in.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) showPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.engagement.Post(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	comments, err := h.engagement.CommentCount(r.Context(), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"post": p, "comments_count": comments})
}

func (h *Handlers) editPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	var in struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.engagement.EditPost(r.Context(), r.PathValue("id"), userID, in.Content, in.Title); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) deletePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	if err := h.engagement.DeletePost(r.Context(), r.PathValue("id"), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listComments(w http.ResponseWriter, r *http.Request) {
	comments, err := h.engagement.Comments(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (h *Handlers) like(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	if err := h.engagement.Like(r.Context(), r.PathValue("id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "liked"})
}

func (h *Handlers) unlike(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	if err := h.engagement.Unlike(r.Context(), r.PathValue("id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "not liked"})
}

// --- Notifications ---

func (h *Handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	notes, err := h.notify.List(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

func (h *Handlers) unreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	count, err := h.notify.UnreadCount(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

// streamUnread pushes live badge updates over SSE, backed by the stream
// subscription. The subscription is released when the client goes away.
func (h *Handlers) streamUnread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush || h.stream == nil {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	events, cancel, err := h.stream.SubscribeUnread(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	send := func(unread int) {
		fmt.Fprintf(w, "event: unread\ndata: %d\n\n", unread)
		flusher.Flush()
	}
	if count, err := h.notify.UnreadCount(r.Context(), userID); err == nil {
		send(count)
	}
	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			send(ev.Unread)
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// --- Groups ---

func (h *Handlers) createGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	var in struct {
		Name        string  `json:"name"`
		Description string  `json:"description"`
		ParentID    *string `json:"parent_id"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	g, err := h.engagement.CreateGroup(r.Context(), userID, in.Name, in.Description, in.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handlers) showGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.engagement.Group(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (h *Handlers) joinGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	if err := h.engagement.JoinGroup(r.Context(), r.PathValue("id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"state": "member"})
}

func (h *Handlers) leaveGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	if err := h.engagement.LeaveGroup(r.Context(), r.PathValue("id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "not a member"})
}

// --- Moderation ---

func (h *Handlers) ban(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requestUser(w, r)
	if !ok {
		return
	}
	var in struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.moderation.Ban(r.Context(), r.PathValue("id"), in.Reason, adminID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) unban(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requestUser(w, r)
	if !ok {
		return
	}
	if err := h.moderation.Unban(r.Context(), r.PathValue("id"), adminID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) kick(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requestUser(w, r)
	if !ok {
		return
	}
	var in struct {
		Hours  int    `json:"hours"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.moderation.Kick(r.Context(), r.PathValue("id"),
		time.Duration(in.Hours)*time.Hour, in.Reason, adminID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) recount(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requestUser(w, r)
	if !ok {
		return
	}
	var in struct {
		UserID  string `json:"user_id"`
		PostID  string `json:"post_id"`
		GroupID string `json:"group_id"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.moderation.Recount(r.Context(), adminID, in.UserID, in.PostID, in.GroupID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
