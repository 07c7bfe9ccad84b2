// Package auth authenticates API keys against a YAML keyring of bcrypt
// hashes and carries the resulting Principal through request contexts.
//
// Keys have the form cs_<keyId>_<secret>. The keyring file maps each key
// id to a hash and the principal it authenticates:
//
//	keys:
//	  - id: 3f9a1c0d2b7e
//	    hash: $2a$10$...
//	    userId: "42"
//	    tenantId: "7"
//	    role: teacher
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// KeyPrefix starts every API key.
const KeyPrefix = "cs_"

// KeyEntry is one key of the keyring file.
type KeyEntry struct {
	ID       string `yaml:"id"`
	Hash     string `yaml:"hash"`
	UserID   string `yaml:"userId"`
	TenantID string `yaml:"tenantId"`
	Role     string `yaml:"role"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

type keyringFile struct {
	Keys []KeyEntry `yaml:"keys"`
}

// Keyring holds the parsed keyring and a cache of verified tokens. The
// cache is keyed by the SHA-256 of the token so plaintext keys are never
// kept in memory, and it is dropped whenever the file is reloaded.
type Keyring struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	keys     map[string]KeyEntry
	verified map[[sha256.Size]byte]models.Principal
}

// LoadKeyring reads the keyring at path.
func LoadKeyring(path string, logger *slog.Logger) (*Keyring, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving keyring path: %w", err)
	}

	k := &Keyring{path: abs, logger: logger}
	if err := k.Reload(); err != nil {
		return nil, err
	}

	return k, nil
}

func parseKeyring(data []byte) (map[string]KeyEntry, error) {
	var f keyringFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing keyring: %w", err)
	}

	keys := make(map[string]KeyEntry, len(f.Keys))

	for i, e := range f.Keys {
		switch {
		case e.ID == "" || strings.Contains(e.ID, "_"):
			return nil, fmt.Errorf("keyring entry %d: id must be non-empty and contain no underscore", i)
		case e.Hash == "":
			return nil, fmt.Errorf("keyring entry %s: hash is required", e.ID)
		case e.UserID == "" || e.TenantID == "":
			return nil, fmt.Errorf("keyring entry %s: userId and tenantId are required", e.ID)
		}

		if _, dup := keys[e.ID]; dup {
			return nil, fmt.Errorf("keyring entry %s: duplicate id", e.ID)
		}

		keys[e.ID] = e
	}

	return keys, nil
}

// Reload re-reads the keyring file. On error the previous keys stay in
// effect.
func (k *Keyring) Reload() error {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("reading keyring: %w", err)
	}

	keys, err := parseKeyring(data)
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.keys = keys
	k.verified = make(map[[sha256.Size]byte]models.Principal)
	k.mu.Unlock()

	k.logger.Info("keyring loaded",
		slog.String("path", k.path),
		slog.Int("keys", len(keys)),
	)

	return nil
}

// Len returns the number of keys loaded.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return len(k.keys)
}

// splitKey returns the key id and secret of a cs_<id>_<secret> token.
func splitKey(token string) (id, secret string, ok bool) {
	rest, found := strings.CutPrefix(token, KeyPrefix)
	if !found {
		return "", "", false
	}

	id, secret, found = strings.Cut(rest, "_")
	if !found || id == "" || secret == "" {
		return "", "", false
	}

	return id, secret, true
}

// Authenticate returns the principal for token, or ErrUnauthorized.
func (k *Keyring) Authenticate(token string) (models.Principal, error) {
	id, secret, ok := splitKey(token)
	if !ok {
		return models.Principal{}, fmt.Errorf("malformed api key: %w", apperrors.ErrUnauthorized)
	}

	sum := sha256.Sum256([]byte(token))

	k.mu.RLock()
	p, cached := k.verified[sum]
	entry, known := k.keys[id]
	k.mu.RUnlock()

	if cached {
		return p, nil
	}

	if !known || entry.Disabled {
		return models.Principal{}, fmt.Errorf("api key %s: %w", id, apperrors.ErrUnauthorized)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(secret)); err != nil {
		return models.Principal{}, fmt.Errorf("api key %s: %w", id, apperrors.ErrUnauthorized)
	}

	p = models.Principal{UserID: entry.UserID, TenantID: entry.TenantID, Role: entry.Role}

	k.mu.Lock()
	// Skip caching if a reload changed the entry meanwhile.
	if cur, ok := k.keys[id]; ok && cur == entry {
		k.verified[sum] = p
	}
	k.mu.Unlock()

	return p, nil
}

// Watch reloads the keyring whenever its file changes, until ctx is
// cancelled. The parent directory is watched so editors that replace the
// file by rename are picked up.
func (k *Keyring) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(k.path)); err != nil {
		return fmt.Errorf("watching keyring directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != k.path {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if err := k.Reload(); err != nil {
				k.logger.Warn("keyring reload failed, keeping previous keys", slog.String("error", err.Error()))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			k.logger.Warn("keyring watcher error", slog.String("error", err.Error()))
		}
	}
}

// RandomHex generates a cryptographically random hex string of the given
// byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// GeneratedKey is a fresh API key and the keyring entry fields for it.
type GeneratedKey struct {
	Token string
	ID    string
	Hash  string
}

// GenerateKey creates a new API key and its bcrypt hash.
func GenerateKey() (GeneratedKey, error) {
	id := RandomHex(6)
	secret := RandomHex(24)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return GeneratedKey{}, fmt.Errorf("hashing api key: %w", err)
	}

	return GeneratedKey{
		Token: KeyPrefix + id + "_" + secret,
		ID:    id,
		Hash:  string(hash),
	}, nil
}
