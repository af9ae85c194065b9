// Package encryption provides AES-256-GCM encryption of stored values.
//
// Keys are either supplied directly or derived from a password with
// PBKDF2-HMAC-SHA256. Every ciphertext carries the version of the key that
// sealed it, so keys can be rotated while older records stay readable.
//
// Ciphertext layout:
//
//	[4-byte key version, big endian][12-byte nonce][ciphertext + 16-byte tag]
//
// Example:
//
//	enc, err := encryption.NewEncryptorWithPassword("s3cret", encryption.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	sealed, _ := enc.Encrypt([]byte("payload"))
//	plain, _ := enc.Decrypt(sealed)
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Errors
var (
	ErrInvalidKey       = errors.New("encryption: key must be 32 bytes")
	ErrInvalidData      = errors.New("encryption: ciphertext too short")
	ErrKeyNotFound      = errors.New("encryption: unknown key version")
	ErrDecryptionFailed = errors.New("encryption: authentication failed")
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32

	versionHeaderSize = 4

	defaultIterations = 600000
	defaultSalt       = "graphkv-default-salt-change-me"
)

// KeyDerivation configures PBKDF2.
type KeyDerivation struct {
	Salt       []byte
	Iterations int
}

// Config configures an Encryptor.
type Config struct {
	KeyDerivation KeyDerivation
}

// DefaultConfig returns OWASP-recommended PBKDF2 settings.
func DefaultConfig() Config {
	return Config{
		KeyDerivation: KeyDerivation{
			Salt:       []byte(defaultSalt),
			Iterations: defaultIterations,
		},
	}
}

// Key is a versioned AES-256 key.
type Key struct {
	ID       uint32
	Material []byte
}

// Encryptor seals and opens byte payloads. Safe for concurrent use.
type Encryptor struct {
	mu      sync.RWMutex
	keys    map[uint32]*Key
	current uint32
}

// NewEncryptor returns an Encryptor whose current key is key.
func NewEncryptor(key *Key) (*Encryptor, error) {
	e := &Encryptor{keys: make(map[uint32]*Key)}
	if err := e.AddKey(key); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEncryptorWithPassword derives key version 1 from password.
func NewEncryptorWithPassword(password string, cfg Config) (*Encryptor, error) {
	return NewEncryptorWithPasswords(password, nil, cfg)
}

// NewEncryptorWithPasswords derives a key for the current password and for
// every retired one. Retired passwords are listed oldest first and get
// versions 1..n; the current password gets n+1 and seals new payloads, so a
// store keeps reading records written before each rotation.
func NewEncryptorWithPasswords(current string, retired []string, cfg Config) (*Encryptor, error) {
	if current == "" {
		return nil, fmt.Errorf("encryption: empty password")
	}
	e := &Encryptor{keys: make(map[uint32]*Key)}
	for i, password := range append(append([]string(nil), retired...), current) {
		if password == "" {
			return nil, fmt.Errorf("encryption: empty retired password at position %d", i)
		}
		key := &Key{ID: uint32(i + 1), Material: DeriveKey(password, cfg.KeyDerivation)}
		if err := e.AddKey(key); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// DeriveKey derives a 32-byte key from password using PBKDF2-HMAC-SHA256.
// Empty salt and non-positive iteration counts fall back to the defaults.
func DeriveKey(password string, kd KeyDerivation) []byte {
	salt := kd.Salt
	if len(salt) == 0 {
		salt = []byte(defaultSalt)
	}
	iterations := kd.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
}

// AddKey registers key. A key with a higher version than the current one
// becomes the sealing key; older keys remain available for decryption.
func (e *Encryptor) AddKey(key *Key) error {
	if key == nil || len(key.Material) != KeySize {
		return ErrInvalidKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys[key.ID] = key
	if key.ID >= e.current {
		e.current = key.ID
	}
	return nil
}

// CurrentVersion returns the version used to seal new payloads.
func (e *Encryptor) CurrentVersion() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Encrypt seals plaintext with the current key.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	e.mu.RLock()
	key := e.keys[e.current]
	e.mu.RUnlock()
	if key == nil {
		return nil, ErrKeyNotFound
	}

	gcm, err := newGCM(key.Material)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, versionHeaderSize, versionHeaderSize+len(nonce)+len(plaintext)+gcm.Overhead())
	binary.BigEndian.PutUint32(out, key.ID)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, out[:versionHeaderSize]), nil
}

// Decrypt opens a payload produced by Encrypt with any registered key.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < versionHeaderSize {
		return nil, ErrInvalidData
	}
	version := binary.BigEndian.Uint32(data[:versionHeaderSize])

	e.mu.RLock()
	key := e.keys[version]
	e.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("%w: %d", ErrKeyNotFound, version)
	}

	gcm, err := newGCM(key.Material)
	if err != nil {
		return nil, err
	}
	body := data[versionHeaderSize:]
	if len(body) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrInvalidData
	}
	nonce, ciphertext := body[:gcm.NonceSize()], body[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, data[:versionHeaderSize])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(material []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
