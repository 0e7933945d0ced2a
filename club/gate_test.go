// club/gate_test.go
package club

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateFixture struct {
	gate   *Gate
	store  *memStore
	clock  *fakeClock
	server *httptest.Server
	client *http.Client
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	store := newMemStore()
	clk := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	sessions := scs.New()
	gate := NewGate(sessions, NewTokens("test-secret", time.Hour), store, nil)
	gate.clock = clk.Now

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", gate.Landing(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "landing")
	}))
	mux.HandleFunc("GET /dashboard", gate.Protect(func(w http.ResponseWriter, r *http.Request) {
		id, _ := RequestUserID(r.Context())
		fmt.Fprintf(w, "dashboard for %s", id)
	}))
	mux.HandleFunc("GET /banned", gate.Moderated(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "banned surface")
	}))
	mux.HandleFunc("GET /kicked", gate.Moderated(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "kicked surface")
	}))
	mux.HandleFunc("POST /testlogin", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		sessions.Put(r.Context(), sessionUserKey, r.FormValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	server := httptest.NewServer(sessions.LoadAndSave(mux))
	t.Cleanup(server.Close)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &gateFixture{gate: gate, store: store, clock: clk, server: server, client: client}
}

// signIn creates a session for the user and returns its cookie.
func (f *gateFixture) signIn(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	resp, err := f.client.PostForm(f.server.URL+"/testlogin", url.Values{"id": {userID}})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	for _, c := range resp.Cookies() {
		if c.Name == "session" {
			return c
		}
	}
	t.Fatal("no session cookie issued")
	return nil
}

func (f *gateFixture) get(t *testing.T, path string, cookie *http.Cookie, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestGateAnonymousRedirectsToLanding(t *testing.T) {
	f := newGateFixture(t)
	resp := f.get(t, "/dashboard", nil, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestGateAnonymousJSONGets401(t *testing.T) {
	f := newGateFixture(t)
	resp := f.get(t, "/dashboard", nil, http.Header{"Accept": {"application/json"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateActiveUserPasses(t *testing.T) {
	f := newGateFixture(t)
	f.store.addUser("ada", false)
	cookie := f.signIn(t, "ada")

	resp := f.get(t, "/dashboard", cookie, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dashboard for ada", body(t, resp))
}

func TestGateLoggedInSkipsLanding(t *testing.T) {
	f := newGateFixture(t)
	f.store.addUser("ada", false)
	cookie := f.signIn(t, "ada")

	resp := f.get(t, "/", cookie, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))
}

func TestGateBannedUserRouted(t *testing.T) {
	f := newGateFixture(t)
	f.store.addUser("ada", false)
	cookie := f.signIn(t, "ada")
	ctx := context.Background()
	require.NoError(t, f.store.SetBan(ctx, "ada", "spam", "admin", f.clock.Now()))

	resp := f.get(t, "/dashboard", cookie, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/banned", resp.Header.Get("Location"))

	// The banned surface itself stays reachable.
	surface := f.get(t, "/banned", cookie, nil)
	assert.Equal(t, http.StatusOK, surface.StatusCode)
	assert.Equal(t, "banned surface", body(t, surface))

	// Unban restores normal access on the next request.
	require.NoError(t, f.store.ClearBan(ctx, "ada"))
	resp = f.get(t, "/dashboard", cookie, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateKickedUserRoutedUntilExpiry(t *testing.T) {
	f := newGateFixture(t)
	f.store.addUser("ada", false)
	cookie := f.signIn(t, "ada")
	until := f.clock.Now().Add(2 * time.Hour)
	require.NoError(t, f.store.SetKick(context.Background(), "ada", until, "cool off", "admin"))

	resp := f.get(t, "/dashboard", cookie, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/kicked", resp.Header.Get("Location"))

	// The window passes with no admin action; the same request class
	// resolves to normal access.
	f.clock.advance(2*time.Hour + time.Minute)
	resp = f.get(t, "/dashboard", cookie, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateBanOutranksKick(t *testing.T) {
	f := newGateFixture(t)
	f.store.addUser("ada", false)
	cookie := f.signIn(t, "ada")
	ctx := context.Background()
	require.NoError(t, f.store.SetKick(ctx, "ada", f.clock.Now().Add(2*time.Hour), "cool off", "admin"))
	require.NoError(t, f.store.SetBan(ctx, "ada", "spam", "admin", f.clock.Now()))

	resp := f.get(t, "/dashboard", cookie, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/banned", resp.Header.Get("Location"), "banned-and-kicked lands on the banned surface")
}

func TestGateBearerToken(t *testing.T) {
	f := newGateFixture(t)
	f.store.addUser("ada", false)
	token, err := f.gate.tokens.Issue("ada")
	require.NoError(t, err)
	auth := http.Header{"Authorization": {"Bearer " + token}}

	resp := f.get(t, "/dashboard", nil, auth)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dashboard for ada", body(t, resp))

	// API clients get status codes with the reason, not redirects.
	require.NoError(t, f.store.SetBan(context.Background(), "ada", "spam", "admin", f.clock.Now()))
	resp = f.get(t, "/dashboard", nil, auth)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.True(t, strings.Contains(body(t, resp), "spam"))
}

func TestGateModeratedJSONGetsForbidden(t *testing.T) {
	f := newGateFixture(t)
	f.store.addUser("ada", false)
	f.store.addUser("eve", false)
	adaCookie := f.signIn(t, "ada")
	eveCookie := f.signIn(t, "eve")
	ctx := context.Background()
	require.NoError(t, f.store.SetBan(ctx, "ada", "spam", "admin", f.clock.Now()))
	require.NoError(t, f.store.SetKick(ctx, "eve", f.clock.Now().Add(time.Hour), "cool off", "admin"))
	accept := http.Header{"Accept": {"application/json"}}

	// Session-authenticated JSON clients get the status code and reason,
	// the same contract bearer-token clients get, never an HTML redirect.
	resp := f.get(t, "/dashboard", adaCookie, accept)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.True(t, strings.Contains(body(t, resp), "spam"))

	resp = f.get(t, "/dashboard", eveCookie, accept)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.True(t, strings.Contains(body(t, resp), "cool off"))
}

func TestGateStaleSessionRedirects(t *testing.T) {
	f := newGateFixture(t)
	f.store.addUser("ghost", false)
	cookie := f.signIn(t, "ghost")
	f.store.mu.Lock()
	delete(f.store.users, "ghost")
	f.store.mu.Unlock()

	resp := f.get(t, "/dashboard", cookie, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}
