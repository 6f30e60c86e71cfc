// Package securemem keeps credentials such as session tokens in memguard-protected
// memory so they stay out of swap and core dumps.
package securemem

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// Secret is a value stored in a locked, guarded buffer. The zero value and nil are
// empty secrets.
type Secret struct {
	buf *memguard.LockedBuffer
}

// New stores plaintext in guarded memory.
func New(plaintext string) *Secret {
	if plaintext == "" {
		return &Secret{}
	}
	return &Secret{buf: memguard.NewBufferFromBytes([]byte(plaintext))}
}

// FromBytes stores data in guarded memory. data is wiped.
func FromBytes(data []byte) *Secret {
	if len(data) == 0 {
		return &Secret{}
	}
	return &Secret{buf: memguard.NewBufferFromBytes(data)}
}

func (s *Secret) alive() bool {
	return s != nil && s.buf != nil && s.buf.IsAlive()
}

// Reveal returns the plaintext. The copy lives in regular memory.
func (s *Secret) Reveal() string {
	if !s.alive() {
		return ""
	}
	return string(s.buf.Bytes())
}

// Empty reports whether the secret holds nothing.
func (s *Secret) Empty() bool {
	return !s.alive() || s.buf.Size() == 0
}

// Equal compares against plaintext in constant time.
func (s *Secret) Equal(other string) bool {
	if !s.alive() {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// WithBytes calls fn with a scratch copy of the plaintext that is wiped afterwards.
func (s *Secret) WithBytes(fn func([]byte)) {
	if !s.alive() {
		fn(nil)
		return
	}
	b := make([]byte, s.buf.Size())
	copy(b, s.buf.Bytes())
	defer memguard.WipeBytes(b)
	fn(b)
}

// Destroy wipes the secret. It is empty afterwards.
func (s *Secret) Destroy() {
	if s == nil || s.buf == nil {
		return
	}
	s.buf.Destroy()
	s.buf = nil
}

// String hides the value from fmt and loggers.
func (s *Secret) String() string {
	if s.Empty() {
		return "Secret(empty)"
	}
	return "Secret(redacted)"
}

// Init installs memguard's interrupt handler, which wipes guarded memory on SIGINT.
func Init() {
	memguard.CatchInterrupt()
}

// Purge destroys all guarded memory. Call it before exit.
func Purge() {
	memguard.Purge()
}

// Wipe zeroes data.
func Wipe(data []byte) {
	memguard.WipeBytes(data)
}
