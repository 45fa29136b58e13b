// Package keystore manages the versioned symmetric keys used to encrypt
// capsule payloads. Ciphertext is tagged with the id of the key that
// produced it so that old ciphertext stays readable after rotation.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketKeys = []byte("encryption_keys")

var (
	// ErrKeyNotFound is returned when ciphertext references an unknown key.
	ErrKeyNotFound = errors.New("encryption key not found")

	// ErrDecryptionFailed is returned when ciphertext is corrupt or the key is wrong.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrNoCurrentKey is returned when no key is marked current.
	ErrNoCurrentKey = errors.New("no current encryption key")
)

const keySize = 32 // AES-256

// Key is a single symmetric key. Keys are immutable once created except for
// the active/current flags, which only ever go from true to false, and the
// usage counter.
type Key struct {
	ID         string    `json:"id"`
	Secret     []byte    `json:"secret,omitempty"`
	Active     bool      `json:"active"`
	Current    bool      `json:"current"`
	CreatedAt  time.Time `json:"created_at"`
	UsageCount int64     `json:"usage_count"`
}

// KeyStore holds the in-memory keyring backed by a bbolt key table.
// Encrypt and Decrypt are safe for concurrent use; Rotate only appends
// and never blocks readers for the duration of key generation.
type KeyStore struct {
	db     *bolt.DB
	logger *slog.Logger

	mu      sync.RWMutex
	keys    map[string]*Key
	current string
}

// New loads the keyring from the database. If the key table is empty and
// masterKey (base64, 32 bytes decoded) is configured, it is imported as the
// "default" key. With no configured key a random one is generated, which is
// only suitable for development since it changes on every fresh database.
func New(db *bolt.DB, masterKey string, logger *slog.Logger) (*KeyStore, error) {
	ks := &KeyStore{
		db:     db,
		logger: logger,
		keys:   make(map[string]*Key),
	}

	err := db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketKeys)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(k, v []byte) error {
			var key Key
			if err := json.Unmarshal(v, &key); err != nil {
				return fmt.Errorf("corrupt key record %s: %w", k, err)
			}
			ks.keys[key.ID] = &key
			if key.Current {
				ks.current = key.ID
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load keyring: %w", err)
	}

	if len(ks.keys) == 0 {
		if err := ks.bootstrap(masterKey); err != nil {
			return nil, err
		}
	}

	if ks.current == "" {
		return nil, ErrNoCurrentKey
	}

	logger.Info("keyring loaded", "keys", len(ks.keys), "current", ks.current)
	return ks, nil
}

// bootstrap creates the initial key, either from the configured master key
// or freshly generated.
func (ks *KeyStore) bootstrap(masterKey string) error {
	var secret []byte
	if masterKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(masterKey)
		if err != nil {
			return fmt.Errorf("invalid master key: %w", err)
		}
		if len(decoded) != keySize {
			return fmt.Errorf("master key must be %d bytes, got %d", keySize, len(decoded))
		}
		secret = decoded
		ks.logger.Info("encryption key imported from configuration")
	} else {
		secret = make([]byte, keySize)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		ks.logger.Warn("no master key configured, generated a development key",
			"hint", "set encryption.master_key to keep ciphertext readable across databases")
	}

	key := &Key{
		ID:        "default",
		Secret:    secret,
		Active:    true,
		Current:   true,
		CreatedAt: time.Now(),
	}

	if err := ks.saveKey(key); err != nil {
		return err
	}

	ks.keys[key.ID] = key
	ks.current = key.ID
	return nil
}

// Encrypt encrypts plaintext with the current key and returns tagged
// ciphertext in the form "<keyID>:<base64(nonce||ciphertext)>".
func (ks *KeyStore) Encrypt(plaintext []byte) (string, error) {
	ks.mu.RLock()
	key, ok := ks.keys[ks.current]
	ks.mu.RUnlock()
	if !ok {
		return "", ErrNoCurrentKey
	}

	sealed, err := seal(key.Secret, plaintext)
	if err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}

	atomic.AddInt64(&key.UsageCount, 1)

	return key.ID + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts tagged ciphertext. Untagged input (no key id prefix) is
// treated as legacy ciphertext and decrypted with the current key.
// A tag referencing an unknown key yields ErrKeyNotFound; corrupt input
// or a wrong key yields ErrDecryptionFailed.
func (ks *KeyStore) Decrypt(tagged string) ([]byte, error) {
	keyID, payload, hasTag := strings.Cut(tagged, ":")
	if !hasTag {
		// Legacy untagged ciphertext, encrypted under the then-current key.
		payload = tagged
		ks.mu.RLock()
		keyID = ks.current
		ks.mu.RUnlock()
	}

	ks.mu.RLock()
	key, ok := ks.keys[keyID]
	ks.mu.RUnlock()
	if !ok {
		if !hasTag {
			return nil, ErrNoCurrentKey
		}
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryptionFailed)
	}

	plaintext, err := open(key.Secret, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	atomic.AddInt64(&key.UsageCount, 1)
	return plaintext, nil
}

// Rotate retires the current key and appends a fresh one. The retired key
// loses encryption eligibility (active=false) but stays in the keyring so
// ciphertext tagged with it remains decryptable. Keys are never deleted.
func (ks *KeyStore) Rotate() (string, error) {
	secret := make([]byte, keySize)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	newKey := &Key{
		ID:        uuid.New().String(),
		Secret:    secret,
		Active:    true,
		Current:   true,
		CreatedAt: time.Now(),
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	old := ks.keys[ks.current]
	if old != nil {
		old.Current = false
		old.Active = false
		if err := ks.saveKey(old); err != nil {
			return "", err
		}
	}

	if err := ks.saveKey(newKey); err != nil {
		return "", err
	}

	ks.keys[newKey.ID] = newKey
	ks.current = newKey.ID

	oldID := ""
	if old != nil {
		oldID = old.ID
	}
	ks.logger.Info("encryption key rotated", "new_key", newKey.ID, "retired_key", oldID)

	return newKey.ID, nil
}

// CurrentKeyID returns the id of the key used for new encryptions.
func (ks *KeyStore) CurrentKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.current
}

// Keys returns a snapshot of the keyring without secret material,
// ordered newest first.
func (ks *KeyStore) Keys() []Key {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	keys := make([]Key, 0, len(ks.keys))
	for _, k := range ks.keys {
		keys = append(keys, Key{
			ID:         k.ID,
			Active:     k.Active,
			Current:    k.Current,
			CreatedAt:  k.CreatedAt,
			UsageCount: atomic.LoadInt64(&k.UsageCount),
		})
	}

	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j].CreatedAt.After(keys[i].CreatedAt) {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}

	return keys
}

// Close persists usage counters accumulated since startup.
func (ks *KeyStore) Close() error {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	for _, key := range ks.keys {
		if err := ks.saveKey(key); err != nil {
			return err
		}
	}
	return nil
}

func (ks *KeyStore) saveKey(key *Key) error {
	return ks.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketKeys)
		data, err := json.Marshal(key)
		if err != nil {
			return fmt.Errorf("failed to marshal key: %w", err)
		}
		return bucket.Put([]byte(key.ID), data)
	})
}

// seal encrypts plaintext with AES-256-GCM and prepends the nonce.
func seal(secret, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aesgcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a nonce-prefixed AES-256-GCM payload.
func open(secret, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aesgcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := sealed[:aesgcm.NonceSize()], sealed[aesgcm.NonceSize():]
	return aesgcm.Open(nil, nonce, ciphertext, nil)
}
