// Package crypto encrypts broker credentials before they hit disk.
// Values are sealed with AES-256-GCM and carry a key-version prefix so
// keys can be rotated without re-sealing everything at once.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	nonceSize = 12
)

var (
	ErrInvalidKey        = errors.New("encryption key must be 32 bytes")
	ErrInvalidCiphertext = errors.New("malformed ciphertext")
	ErrDecryptFailed     = errors.New("decryption failed")
)

// Encryptor seals and opens strings with a single AES-256-GCM key.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor builds an Encryptor for the given 32-byte key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Seal encrypts plaintext and returns "ENC[vN]:" + base64(nonce || ciphertext).
func (e *Encryptor) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:", e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(ciphertext string) (string, error) {
	idx := strings.Index(ciphertext, "]:")
	if !strings.HasPrefix(ciphertext, "ENC[v") || idx < 0 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plain, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}

// IsSealed reports whether v looks like output of Seal.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, "ENC[v")
}

// Version extracts the key version from a sealed value, 0 if malformed.
func Version(ciphertext string) int {
	var v int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &v); err != nil {
		return 0
	}
	return v
}

// Keyring holds every loaded key version. Seal always uses the newest
// key; Open picks the key named in the value's prefix.
type Keyring struct {
	mu      sync.RWMutex
	current int
	keys    map[int]*Encryptor
}

// KeyringFromEnv loads keys from MASTER_ENCRYPTION_KEY (v1) and
// MASTER_ENCRYPTION_KEY_V2..V10 (rotations). Each value is a
// base64-encoded 32-byte key. Returns (nil, nil) when no key is set,
// which callers treat as encryption disabled.
func KeyringFromEnv() (*Keyring, error) {
	return keyringFromLookup(os.Getenv)
}

func keyringFromLookup(getenv func(string) string) (*Keyring, error) {
	const envName = "MASTER_ENCRYPTION_KEY"

	kr := &Keyring{keys: make(map[int]*Encryptor)}
	if err := kr.load(1, getenv(envName)); err != nil {
		return nil, err
	}
	for v := 2; v <= 10; v++ {
		if err := kr.load(v, getenv(fmt.Sprintf("%s_V%d", envName, v))); err != nil {
			return nil, err
		}
	}
	if kr.current == 0 {
		return nil, nil
	}
	return kr, nil
}

func (k *Keyring) load(version int, encoded string) error {
	if encoded == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode key v%d: %w", version, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("key v%d: %w", version, err)
	}
	k.keys[version] = enc
	if version > k.current {
		k.current = version
	}
	return nil
}

// Seal encrypts with the newest key version.
func (k *Keyring) Seal(plaintext string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[k.current].Seal(plaintext)
}

// Open decrypts a sealed value with whichever key version produced it.
func (k *Keyring) Open(ciphertext string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	v := Version(ciphertext)
	if v == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := k.keys[v]
	if !ok {
		return "", fmt.Errorf("key version %d not loaded", v)
	}
	return enc.Open(ciphertext)
}

// Reseal upgrades a value to the newest key version.
func (k *Keyring) Reseal(ciphertext string) (string, error) {
	plain, err := k.Open(ciphertext)
	if err != nil {
		return "", err
	}
	return k.Seal(plain)
}

// GenerateKey returns a fresh random key, base64-encoded for the env file.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
