// Package secrets seals the local session store with a passphrase-derived key.
package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/codefionn/winichat/internal/securemem"
	"golang.org/x/crypto/scrypt"
)

// payloadVersion is bumped when the envelope format changes.
const payloadVersion = 1

// envelopeKind marks a sealed store file.
const envelopeKind = "winichat/sealed"

var (
	// ErrInvalidPassword is returned when the passphrase cannot open the payload.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidPayload indicates the payload structure is malformed.
	ErrInvalidPayload = errors.New("invalid encrypted payload")
	// ErrNoPassphrase is returned by a Box without a passphrase.
	ErrNoPassphrase = errors.New("no passphrase configured")
)

// Payload is the sealed form persisted to disk.
type Payload struct {
	Kind       string `json:"kind"`
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Box seals and opens data with AES-256-GCM under a scrypt-derived key.
type Box struct {
	passphrase *securemem.Secret
}

// NewBox creates a box. The passphrase is moved into guarded memory.
func NewBox(passphrase string) *Box {
	return &Box{passphrase: securemem.New(passphrase)}
}

// Enabled reports whether the box has a passphrase.
func (b *Box) Enabled() bool {
	return b != nil && !b.passphrase.Empty()
}

// Destroy wipes the passphrase.
func (b *Box) Destroy() {
	if b != nil {
		b.passphrase.Destroy()
	}
}

// Seal encrypts data into a JSON envelope.
func (b *Box) Seal(data []byte) ([]byte, error) {
	if !b.Enabled() {
		return nil, ErrNoPassphrase
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := b.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return json.Marshal(&Payload{
		Kind:       envelopeKind,
		Version:    payloadVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, data, nil)),
	})
}

// Open decrypts an envelope produced by Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if !b.Enabled() {
		return nil, ErrNoPassphrase
	}

	var payload Payload
	if err := json.Unmarshal(sealed, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Kind != envelopeKind {
		return nil, ErrInvalidPayload
	}
	if payload.Version != payloadVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, payload.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(payload.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: decode salt: %v", ErrInvalidPayload, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decode nonce: %v", ErrInvalidPayload, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrInvalidPayload, err)
	}

	gcm, err := b.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size", ErrInvalidPayload)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	return plaintext, nil
}

// IsSealed reports whether data looks like an envelope produced by Seal.
func IsSealed(data []byte) bool {
	if !bytes.Contains(data, []byte(envelopeKind)) {
		return false
	}
	var payload Payload
	return json.Unmarshal(data, &payload) == nil && payload.Kind == envelopeKind
}

func (b *Box) aead(salt []byte) (cipher.AEAD, error) {
	var (
		key []byte
		err error
	)
	b.passphrase.WithBytes(func(pass []byte) {
		key, err = scrypt.Key(pass, salt, 1<<15, 8, 1, 32)
	})
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer securemem.Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
