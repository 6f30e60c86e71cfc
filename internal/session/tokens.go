package session

import (
	"context"

	"github.com/codefionn/winichat/internal/localstore"
)

// Keys of the tokens in local storage.
const (
	StoreKeyAccess  = "access"
	StoreKeyRefresh = "refresh"
)

func (s *Session) loadTokens() error {
	access, _, err := s.store.Get(StoreKeyAccess)
	if err != nil {
		return err
	}
	refresh, _, err := s.store.Get(StoreKeyRefresh)
	if err != nil {
		return err
	}
	s.vault.Set(access, refresh)
	return nil
}

// setTokens updates the vault and mirrors non-empty tokens to local storage.
func (s *Session) setTokens(pair tokenPair) {
	s.vault.Set(pair.Access, pair.Refresh)
	if pair.Access != "" {
		if err := s.store.Set(StoreKeyAccess, pair.Access); err != nil {
			s.log.Warn("store access token: %v", err)
		}
	}
	if pair.Refresh != "" {
		if err := s.store.Set(StoreKeyRefresh, pair.Refresh); err != nil {
			s.log.Warn("store refresh token: %v", err)
		}
	}
}

// applyChange follows token writes made by another client sharing the store. A
// removed access token means that client logged out.
func (s *Session) applyChange(c localstore.Change) {
	switch c.Key {
	case StoreKeyAccess:
		if c.Deleted {
			s.log.Info("access token removed by another client")
			s.Logout()
			return
		}
		s.vault.SetAccess(c.Value)
	case StoreKeyRefresh:
		if !c.Deleted {
			s.vault.Set(s.vault.Access(), c.Value)
		}
	}
}

type watchable interface {
	Watch(ctx context.Context, fn func(localstore.Change)) error
}

// FollowStore keeps the tokens in sync with other clients writing the same store
// until ctx is done. Stores that cannot be watched are ignored.
func (s *Session) FollowStore(ctx context.Context) error {
	w, ok := s.store.(watchable)
	if !ok {
		return nil
	}
	return w.Watch(ctx, s.applyChange)
}
