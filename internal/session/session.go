// Package session is the authenticated context of the chat client: tokens, the
// session user, the request capability and the session socket.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/winichat/internal/actor"
	"github.com/codefionn/winichat/internal/chats"
	"github.com/codefionn/winichat/internal/config"
	"github.com/codefionn/winichat/internal/flashes"
	"github.com/codefionn/winichat/internal/httpapi"
	"github.com/codefionn/winichat/internal/localstore"
	"github.com/codefionn/winichat/internal/logger"
	"github.com/codefionn/winichat/internal/reactive"
	"github.com/codefionn/winichat/internal/securemem"
	"github.com/codefionn/winichat/internal/socket"
	"golang.org/x/sync/singleflight"
)

// API endpoints relative to the configured base URL.
const (
	PathSession      = "session/"
	PathSessionPatch = "session/update/"
	PathToken        = "token/"
	PathTokenRefresh = "token/refresh/"
)

var (
	// ErrNotAuthenticated is returned by operations that need a session user.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNoRefreshToken is returned by RefreshToken without a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token")
)

// Credentials are posted to the token endpoint.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient replaces the HTTP transport of the request capability.
func WithHTTPClient(c httpapi.HTTPClient) Option {
	return func(s *Session) {
		if c != nil {
			s.api.HTTP = c
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
			s.api.Log = l.WithPrefix("http")
		}
	}
}

// WithSocketOptions passes options to every socket created by ConnectServer.
func WithSocketOptions(opts ...socket.Option) Option {
	return func(s *Session) {
		s.sockOpts = append(s.sockOpts, opts...)
	}
}

// Session holds the state of one login. It implements httpapi.TokenSource for its
// own request capability.
type Session struct {
	cfg      *config.Config
	store    localstore.Store
	vault    *securemem.Vault
	api      *httpapi.Client
	flashes  *flashes.Queue
	chats    *chats.Registry
	actors   *actor.System
	log      *logger.Logger
	sockOpts []socket.Option

	refresh singleflight.Group // one token refresh at a time

	mu     sync.RWMutex
	user   *reactive.Entity
	loaded bool
	sock   *socket.Socket
}

// New creates a logged-out session. store keeps the tokens between runs; nil keeps
// them in memory.
func New(cfg *config.Config, store localstore.Store, opts ...Option) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if store == nil {
		store = localstore.NewMemory()
	}
	log := logger.Global().WithPrefix("session")
	s := &Session{
		cfg:     cfg,
		store:   store,
		vault:   securemem.NewVault(),
		chats:   chats.NewRegistry(),
		actors:  actor.NewSystem(),
		log:     log,
		flashes: flashes.New(time.Duration(cfg.FlashTimeoutMS)*time.Millisecond, log.WithPrefix("flash")),
	}
	s.api = httpapi.New(cfg.APIURL, time.Duration(cfg.RequestTimeout)*time.Second, s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the client configuration.
func (s *Session) Config() *config.Config { return s.cfg }

// API returns the authenticated request capability.
func (s *Session) API() *httpapi.Client { return s.api }

// Flashes returns the notice queue.
func (s *Session) Flashes() *flashes.Queue { return s.flashes }

// Chats returns the conversation registry.
func (s *Session) Chats() *chats.Registry { return s.chats }

// Actors returns the actor system hosting per-conversation submit queues.
func (s *Session) Actors() *actor.System { return s.actors }

// User returns the session user or nil.
func (s *Session) User() *reactive.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// IsAuthenticated reports whether a session user is loaded.
func (s *Session) IsAuthenticated() bool {
	return s.User() != nil
}

// IsLoaded reports whether loading the session user was attempted.
func (s *Session) IsLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Socket returns the session socket or nil.
func (s *Session) Socket() *socket.Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sock
}

// AccessToken returns the current access token.
func (s *Session) AccessToken() string {
	return s.vault.Access()
}

// LoadSession restores the tokens from local storage and fetches the session user.
func (s *Session) LoadSession(ctx context.Context) error {
	if err := s.loadTokens(); err != nil {
		s.log.Warn("load tokens: %v", err)
	}
	if !s.vault.LoggedIn() {
		s.mu.Lock()
		s.loaded = true
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	return s.FetchUser(ctx)
}

// Login exchanges credentials for a token pair and fetches the session user.
func (s *Session) Login(ctx context.Context, creds Credentials) error {
	var pair tokenPair
	if err := s.api.Anonymous().Post(ctx, PathToken, creds, &pair); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if pair.Access == "" {
		return fmt.Errorf("login: empty access token")
	}
	s.setTokens(pair)
	return s.FetchUser(ctx)
}

// RefreshToken renews the access token with the refresh token. Concurrent callers
// share one refresh, and a caller whose rejected token was already replaced
// returns without refreshing again.
func (s *Session) RefreshToken(ctx context.Context, rejected string) error {
	_, err, _ := s.refresh.Do("refresh", func() (any, error) {
		if cur := s.vault.Access(); cur != "" && cur != rejected {
			return nil, nil
		}
		return nil, s.refreshToken(ctx)
	})
	return err
}

func (s *Session) refreshToken(ctx context.Context) error {
	refresh := s.vault.Refresh()
	if refresh == "" {
		return ErrNoRefreshToken
	}

	var pair tokenPair
	if err := s.api.Anonymous().Post(ctx, PathTokenRefresh, tokenPair{Refresh: refresh}, &pair); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if pair.Access == "" {
		return fmt.Errorf("refresh token: empty access token")
	}
	if pair.Refresh == "" {
		pair.Refresh = refresh
	}
	s.setTokens(pair)
	s.log.Debug("access token refreshed")
	return nil
}

// Logout drops the session: the user, the tokens, local storage, the socket and
// every conversation queue.
func (s *Session) Logout() {
	s.mu.Lock()
	s.user = nil
	s.loaded = true
	sock := s.sock
	s.sock = nil
	s.mu.Unlock()

	s.vault.Clear()
	if err := s.store.Clear(); err != nil {
		s.log.Warn("clear local storage: %v", err)
	}
	if sock != nil {
		if err := sock.Close(); err != nil {
			s.log.Debug("close socket: %v", err)
		}
	}
	// Logout may run inside a conversation queue, which StopAll waits for.
	go s.stopActors()
	s.chats.Clear()
	s.log.Info("logged out")
}

func (s *Session) stopActors() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.actors.StopAll(ctx); err != nil {
		s.log.Warn("stop actors: %v", err)
	}
}

// FetchUser loads the session user. On failure the user is cleared.
func (s *Session) FetchUser(ctx context.Context) error {
	var fields map[string]any
	err := s.api.Get(ctx, PathSession, &fields)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	if err != nil {
		s.user = nil
		return fmt.Errorf("fetch session user: %w", err)
	}

	id := idOf(fields)
	if s.user != nil && s.user.ID() == id {
		s.user.Merge(fields)
	} else {
		s.user = reactive.NewEntity(id, fields)
	}
	return nil
}

// PatchFields sends the named fields of the session user to the server and merges
// the response.
func (s *Session) PatchFields(ctx context.Context, fields ...string) error {
	user := s.User()
	if user == nil {
		return ErrNotAuthenticated
	}
	snap := user.Snapshot()
	data := make(map[string]any, len(fields))
	for _, f := range fields {
		data[f] = snap[f]
	}

	var updated map[string]any
	if err := s.api.Patch(ctx, PathSessionPatch, data, &updated); err != nil {
		return err
	}
	if len(updated) > 0 {
		user.Merge(updated)
	}
	return nil
}

// ConnectServer opens the session socket with the current access token. The
// returned socket is also available through Socket.
func (s *Session) ConnectServer(ctx context.Context) (*socket.Socket, error) {
	user := s.User()
	if user == nil {
		return nil, ErrNotAuthenticated
	}

	s.mu.Lock()
	if s.sock != nil && s.sock.State() != socket.StateClosed {
		sock := s.sock
		s.mu.Unlock()
		return sock, nil
	}
	sock := socket.New(socket.DefaultConfig(s.cfg.WSURL), s.vault.Access(), user.ID(), s.sockOpts...)
	s.sock = sock
	s.mu.Unlock()

	sock.Users().SetSelf(user)
	sock.OnClose(func(err error) {
		if err != nil {
			s.log.Warn("socket closed: %v", err)
		}
	})
	if err := sock.Connect(ctx); err != nil {
		return nil, err
	}
	return sock, nil
}

// Close releases the session without logging out.
func (s *Session) Close() error {
	s.mu.Lock()
	sock := s.sock
	s.sock = nil
	s.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.actors.StopAll(ctx)
	s.flashes.Close()
	s.vault.Clear()
	return errors.Join(err, s.store.Close())
}

func idOf(fields map[string]any) int64 {
	switch v := fields["id"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
