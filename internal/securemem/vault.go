package securemem

import "sync"

// Vault holds the access and refresh token of one session.
type Vault struct {
	mu      sync.RWMutex
	access  *Secret
	refresh *Secret
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{access: &Secret{}, refresh: &Secret{}}
}

// Set replaces both tokens, wiping the old ones.
func (v *Vault) Set(access, refresh string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.access.Destroy()
	v.refresh.Destroy()
	v.access = New(access)
	v.refresh = New(refresh)
}

// SetAccess replaces only the access token.
func (v *Vault) SetAccess(access string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.access.Destroy()
	v.access = New(access)
}

// Access returns the access token or "".
func (v *Vault) Access() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.access.Reveal()
}

// Refresh returns the refresh token or "".
func (v *Vault) Refresh() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.refresh.Reveal()
}

// LoggedIn reports whether an access token is held.
func (v *Vault) LoggedIn() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return !v.access.Empty()
}

// Clear wipes both tokens.
func (v *Vault) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.access.Destroy()
	v.refresh.Destroy()
}
