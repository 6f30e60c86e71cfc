package securemem

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecretReveal(t *testing.T) {
	s := New("token-abc")
	defer s.Destroy()

	assert.Equal(t, "token-abc", s.Reveal())
	assert.False(t, s.Empty())
	assert.True(t, s.Equal("token-abc"))
	assert.False(t, s.Equal("token-abd"))
}

func TestFromBytesWipesInput(t *testing.T) {
	in := []byte("refresh")
	s := FromBytes(in)
	defer s.Destroy()

	assert.Equal(t, "refresh", s.Reveal())
	assert.Equal(t, make([]byte, len(in)), in)
}

func TestEmptyAndDestroyed(t *testing.T) {
	var nilSecret *Secret
	assert.True(t, nilSecret.Empty())
	assert.Equal(t, "", nilSecret.Reveal())
	assert.True(t, nilSecret.Equal(""))
	nilSecret.Destroy()

	assert.True(t, New("").Empty())

	s := New("x")
	s.Destroy()
	s.Destroy()
	assert.True(t, s.Empty())
	assert.Equal(t, "", s.Reveal())
}

func TestWithBytesWipesScratch(t *testing.T) {
	s := New("abc")
	defer s.Destroy()

	var scratch []byte
	s.WithBytes(func(b []byte) {
		assert.Equal(t, "abc", string(b))
		scratch = b
	})
	assert.Equal(t, []byte{0, 0, 0}, scratch)
}

func TestStringRedacts(t *testing.T) {
	s := New("very-secret")
	defer s.Destroy()
	assert.NotContains(t, fmt.Sprint(s), "very-secret")
	assert.Equal(t, "Secret(empty)", New("").String())
}

func TestVault(t *testing.T) {
	v := NewVault()
	assert.False(t, v.LoggedIn())
	assert.Equal(t, "", v.Access())

	v.Set("a1", "r1")
	assert.True(t, v.LoggedIn())
	assert.Equal(t, "a1", v.Access())
	assert.Equal(t, "r1", v.Refresh())

	v.SetAccess("a2")
	assert.Equal(t, "a2", v.Access())
	assert.Equal(t, "r1", v.Refresh())

	v.Clear()
	assert.False(t, v.LoggedIn())
	assert.Equal(t, "", v.Refresh())
}
