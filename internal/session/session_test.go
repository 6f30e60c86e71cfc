package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/winichat/internal/config"
	"github.com/codefionn/winichat/internal/httpapi"
	"github.com/codefionn/winichat/internal/localstore"
	"github.com/codefionn/winichat/internal/logger"
	"github.com/codefionn/winichat/internal/socket"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer issues "access-N" tokens and accepts only the latest one.
type fakeServer struct {
	*httptest.Server

	mu          sync.Mutex
	issued      int
	valid       string
	refreshOK   bool
	userMissing bool
	patched     map[string]any
	wsTokens    chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{refreshOK: true, wsTokens: make(chan string, 4)}

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if fs.userMissing {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": httpapi.CodeUserNotFound})
			return false
		}
		if r.Header.Get("Authorization") != "Bearer "+fs.valid {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": httpapi.CodeTokenNotValid})
			return false
		}
		return true
	}

	router := httprouter.New()
	router.POST("/api/token/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var creds Credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "pw" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "No active account found"})
			return
		}
		writeJSON(w, http.StatusOK, fs.issue(true))
	})
	router.POST("/api/token/refresh/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		ok := fs.refreshOK && body["refresh"] == "refresh-1"
		fs.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": httpapi.CodeTokenNotValid})
			return
		}
		writeJSON(w, http.StatusOK, fs.issue(false))
	})
	router.GET("/api/session/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !authorized(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": 7, "username": "wini", "bio": "hi"})
	})
	router.PATCH("/api/session/update/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !authorized(w, r) {
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.patched = body
		fs.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"id": 7, "bio": body["bio"], "updated": true})
	})
	upgrader := websocket.Upgrader{}
	router.GET("/ws/session/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		fs.wsTokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})

	fs.Server = httptest.NewServer(router)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) issue(withRefresh bool) map[string]string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.issued++
	fs.valid = "access-" + string(rune('0'+fs.issued))
	out := map[string]string{"access": fs.valid}
	if withRefresh {
		out["refresh"] = "refresh-1"
	}
	return out
}

func (fs *fakeServer) expire() {
	fs.mu.Lock()
	fs.valid = "rotated"
	fs.mu.Unlock()
}

func (fs *fakeServer) config() *config.Config {
	cfg := config.DefaultConfig()
	cfg.APIURL = fs.URL + "/api/"
	cfg.WSURL = "ws" + strings.TrimPrefix(fs.URL, "http") + "/ws/session/"
	return cfg
}

func newSession(t *testing.T, fs *fakeServer, store localstore.Store) *Session {
	t.Helper()
	s := New(fs.config(), store, WithLogger(logger.Discard()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoginStoresTokensAndUser(t *testing.T) {
	fs := newFakeServer(t)
	store := localstore.NewMemory()
	s := newSession(t, fs, store)

	require.NoError(t, s.Login(context.Background(), Credentials{Username: "wini", Password: "pw"}))

	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, int64(7), s.User().ID())
	assert.Equal(t, "wini", s.User().String("username"))
	assert.Equal(t, "access-1", s.AccessToken())

	v, _, _ := store.Get(StoreKeyAccess)
	assert.Equal(t, "access-1", v)
	v, _, _ = store.Get(StoreKeyRefresh)
	assert.Equal(t, "refresh-1", v)
}

func TestLoginRejected(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, fs, nil)

	err := s.Login(context.Background(), Credentials{Username: "wini", Password: "nope"})
	require.Error(t, err)
	var apiErr *httpapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.False(t, s.IsAuthenticated())
}

func TestLoadSessionFromStore(t *testing.T) {
	fs := newFakeServer(t)
	fs.issue(true)

	store := localstore.NewMemory()
	require.NoError(t, store.Set(StoreKeyAccess, "access-1"))
	require.NoError(t, store.Set(StoreKeyRefresh, "refresh-1"))

	s := newSession(t, fs, store)
	require.NoError(t, s.LoadSession(context.Background()))
	assert.True(t, s.IsLoaded())
	assert.True(t, s.IsAuthenticated())
}

func TestLoadSessionWithoutTokens(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, fs, nil)

	assert.ErrorIs(t, s.LoadSession(context.Background()), ErrNotAuthenticated)
	assert.True(t, s.IsLoaded())
	assert.False(t, s.IsAuthenticated())
}

func TestExpiredTokenIsRefreshedOnce(t *testing.T) {
	fs := newFakeServer(t)
	store := localstore.NewMemory()
	s := newSession(t, fs, store)
	ctx := context.Background()

	require.NoError(t, s.Login(ctx, Credentials{Username: "wini", Password: "pw"}))
	fs.expire()

	require.NoError(t, s.FetchUser(ctx))
	assert.Equal(t, "access-2", s.AccessToken())
	v, _, _ := store.Get(StoreKeyAccess)
	assert.Equal(t, "access-2", v)
	v, _, _ = store.Get(StoreKeyRefresh)
	assert.Equal(t, "refresh-1", v, "refresh token kept when the server sends none")
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, fs, nil)
	ctx := context.Background()

	require.NoError(t, s.Login(ctx, Credentials{Username: "wini", Password: "pw"}))
	fs.expire()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.FetchUser(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, 2, fs.issued, "login plus a single refresh")
	assert.Equal(t, "access-2", s.AccessToken())
}

func TestFailedRefreshLogsOut(t *testing.T) {
	fs := newFakeServer(t)
	store := localstore.NewMemory()
	s := newSession(t, fs, store)
	ctx := context.Background()

	require.NoError(t, s.Login(ctx, Credentials{Username: "wini", Password: "pw"}))
	fs.expire()
	fs.mu.Lock()
	fs.refreshOK = false
	fs.mu.Unlock()

	err := s.FetchUser(ctx)
	assert.ErrorIs(t, err, httpapi.ErrUnauthorized)
	assert.False(t, s.IsAuthenticated())
	assert.Equal(t, "", s.AccessToken())
	_, ok, _ := store.Get(StoreKeyRefresh)
	assert.False(t, ok)
}

func TestUserNotFoundLogsOut(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, fs, nil)
	ctx := context.Background()

	require.NoError(t, s.Login(ctx, Credentials{Username: "wini", Password: "pw"}))
	fs.mu.Lock()
	fs.userMissing = true
	fs.mu.Unlock()

	assert.ErrorIs(t, s.FetchUser(ctx), httpapi.ErrUnauthorized)
	assert.False(t, s.IsAuthenticated())
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, fs, nil)
	assert.ErrorIs(t, s.RefreshToken(context.Background(), ""), ErrNoRefreshToken)
}

func TestPatchFieldsSendsNamedFields(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, fs, nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.PatchFields(ctx, "bio"), ErrNotAuthenticated)

	require.NoError(t, s.Login(ctx, Credentials{Username: "wini", Password: "pw"}))
	user := s.User()
	user.Set("bio", "new bio")

	require.NoError(t, s.PatchFields(ctx, "bio"))
	fs.mu.Lock()
	assert.Equal(t, map[string]any{"bio": "new bio"}, fs.patched)
	fs.mu.Unlock()
	assert.True(t, user.Bool("updated"))
	assert.Same(t, user, s.User())
}

func TestConnectServerAndLogout(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, fs, nil)
	ctx := context.Background()

	_, err := s.ConnectServer(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, s.Login(ctx, Credentials{Username: "wini", Password: "pw"}))
	sock, err := s.ConnectServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, socket.StateOpen, sock.State())

	select {
	case tok := <-fs.wsTokens:
		assert.Equal(t, "access-1", tok)
	case <-time.After(2 * time.Second):
		t.Fatal("socket never dialed")
	}

	again, err := s.ConnectServer(ctx)
	require.NoError(t, err)
	assert.Same(t, sock, again)

	s.Logout()
	assert.Equal(t, socket.StateClosed, sock.State())
	assert.Nil(t, s.Socket())
	assert.False(t, s.IsAuthenticated())
}

func TestApplyStoreChanges(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, fs, nil)
	require.NoError(t, s.Login(context.Background(), Credentials{Username: "wini", Password: "pw"}))

	s.applyChange(localstore.Change{Key: StoreKeyAccess, Value: "from-other"})
	assert.Equal(t, "from-other", s.AccessToken())

	s.applyChange(localstore.Change{Key: StoreKeyRefresh, Value: "refresh-9"})
	assert.Equal(t, "from-other", s.AccessToken())

	s.applyChange(localstore.Change{Key: StoreKeyAccess, Deleted: true})
	assert.False(t, s.IsAuthenticated())
	assert.Equal(t, "", s.AccessToken())
}
