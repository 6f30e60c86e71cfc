package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu         sync.Mutex
	access     string
	renewed    string
	refreshErr error
	refreshes  int
	logouts    int
}

func (f *fakeTokens) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access
}

func (f *fakeTokens) RefreshToken(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.access = f.renewed
	return nil
}

func (f *fakeTokens) Logout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newServer(t *testing.T, router *httprouter.Router) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetResolvesAgainstBaseAndSendsBearer(t *testing.T) {
	router := httprouter.New()
	router.GET("/api/session/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"id": 7, "username": "ada"})
	})
	srv := newServer(t, router)

	c := New(srv.URL+"/api/", time.Second, &fakeTokens{access: "abc"})
	var user struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	require.NoError(t, c.Get(context.Background(), "session/", &user))
	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, "ada", user.Username)
}

func TestTokenNotValidRefreshesAndRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	router := httprouter.New()
	router.GET("/api/chats/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": CodeTokenNotValid, "detail": "expired"})
			return
		}
		writeJSON(w, http.StatusOK, []int{1, 2})
	})
	srv := newServer(t, router)

	tokens := &fakeTokens{access: "stale", renewed: "fresh"}
	c := New(srv.URL+"/api/", time.Second, tokens)

	var ids []int
	require.NoError(t, c.Get(context.Background(), "chats/", &ids))
	assert.Equal(t, []int{1, 2}, ids)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, 0, tokens.logouts)
}

func TestRetryHappensOnlyOnce(t *testing.T) {
	var calls atomic.Int32
	router := httprouter.New()
	router.GET("/api/chats/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": CodeTokenNotValid})
	})
	srv := newServer(t, router)

	tokens := &fakeTokens{access: "stale", renewed: "still-stale"}
	c := New(srv.URL+"/api/", time.Second, tokens)

	err := c.Get(context.Background(), "chats/", nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeTokenNotValid))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, tokens.refreshes)
}

func TestFailedRefreshLogsOut(t *testing.T) {
	router := httprouter.New()
	router.GET("/api/chats/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": CodeTokenNotValid})
	})
	srv := newServer(t, router)

	tokens := &fakeTokens{access: "stale", refreshErr: errors.New("refresh expired")}
	c := New(srv.URL+"/api/", time.Second, tokens)

	err := c.Get(context.Background(), "chats/", nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, tokens.logouts)
}

func TestUserNotFoundLogsOut(t *testing.T) {
	router := httprouter.New()
	router.GET("/api/session/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": CodeUserNotFound, "detail": "User not found"})
	})
	srv := newServer(t, router)

	tokens := &fakeTokens{access: "abc"}
	c := New(srv.URL+"/api/", time.Second, tokens)

	err := c.Get(context.Background(), "session/", nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "User not found", apiErr.Detail)
	assert.Equal(t, 1, tokens.logouts)
	assert.Equal(t, 0, tokens.refreshes)
}

func TestOtherErrorsPropagate(t *testing.T) {
	router := httprouter.New()
	router.POST("/api/chats/1/messages/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"content": []string{"This field may not be blank."},
			"files":   []string{"Too many files.", "File too large."},
		})
	})
	srv := newServer(t, router)

	tokens := &fakeTokens{access: "abc"}
	c := New(srv.URL+"/api/", time.Second, tokens)

	err := c.Post(context.Background(), "chats/1/messages/", map[string]string{"content": ""}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, []string{"This field may not be blank.", "Too many files.", "File too large."}, apiErr.Messages())
	assert.Equal(t, 0, tokens.refreshes)
	assert.Equal(t, 0, tokens.logouts)
}

func TestPostFormSendsMultipart(t *testing.T) {
	router := httprouter.New()
	router.POST("/api/chats/3/messages/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "hi", r.FormValue("content"))
		files := r.MultipartForm.File["files"]
		if !assert.Len(t, files, 1) {
			return
		}
		assert.Equal(t, "a.txt", files[0].Filename)
		f, err := files[0].Open()
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		_ = f.Close()
		assert.Equal(t, "hello", string(data))
		writeJSON(w, http.StatusCreated, map[string]any{"id": 99})
	})
	srv := newServer(t, router)

	c := New(srv.URL+"/api/", time.Second, nil)
	var out struct {
		ID int64 `json:"id"`
	}
	err := c.PostForm(context.Background(), "chats/3/messages/", &Form{
		Fields: map[string]string{"content": "hi"},
		Files:  []FormFile{{Name: "a.txt", Content: []byte("hello")}},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(99), out.ID)
}

func TestQueryIsMergedOntoPath(t *testing.T) {
	router := httprouter.New()
	router.GET("/api/chats/3/messages/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		assert.Equal(t, "x", r.URL.Query().Get("search"))
		assert.Equal(t, "30", r.URL.Query().Get("offset"))
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	srv := newServer(t, router)

	c := New(srv.URL+"/api/", time.Second, nil)
	_, err := c.Do(context.Background(), Request{
		Path:  "chats/3/messages/?search=x",
		Query: map[string][]string{"offset": {"30"}},
	})
	require.NoError(t, err)
}

func TestGetURLRequiresAbsoluteLink(t *testing.T) {
	router := httprouter.New()
	router.GET("/api/page/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	srv := newServer(t, router)

	c := New("http://unused.invalid/api/", time.Second, nil)
	var out map[string]any
	require.NoError(t, c.GetURL(context.Background(), srv.URL+"/api/page/", &out))
	assert.Equal(t, true, out["ok"])
	assert.Error(t, c.GetURL(context.Background(), "page/", &out))
}

func TestTimeoutBoundsEachAttempt(t *testing.T) {
	router := httprouter.New()
	router.GET("/api/slow/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	srv := newServer(t, router)

	c := New(srv.URL+"/api/", 50*time.Millisecond, nil)
	err := c.Get(context.Background(), "slow/", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAborterCancelsPrevious(t *testing.T) {
	var a Aborter
	first, cancel1 := a.Next(context.Background(), time.Minute)
	defer cancel1()
	second, cancel2 := a.Next(context.Background(), time.Minute)
	defer cancel2()

	assert.ErrorIs(t, first.Err(), context.Canceled)
	assert.NoError(t, second.Err())

	a.Abort()
	assert.ErrorIs(t, second.Err(), context.Canceled)
}

func TestAborterDefaultTimeout(t *testing.T) {
	var a Aborter
	ctx, cancel := a.Next(context.Background(), 0)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultAbortTimeout), deadline, time.Second)
}

func TestStripPrefix(t *testing.T) {
	tests := []struct {
		link string
		want string
	}{
		{"http://127.0.0.1:6969/api/chats/1/messages/?limit=15&offset=30", "chats/1/messages/?limit=15&offset=30"},
		{"/api/groups/2/members/", "groups/2/members/"},
		{"chats/1/messages/", "chats/1/messages/"},
	}
	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			assert.Equal(t, tt.want, StripPrefix(tt.link, "/api/"))
		})
	}
}
