// Package state persists every record of the service in a single bbolt
// database. Each record kind lives in its own bucket keyed by natural id
// with JSON values. Index buckets hold composite keys joined by keySep.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// keySep joins the parts of composite keys. Ids never contain it.
	keySep = "\x00"
)

var (
	syncRecordsBucket   = []byte("sync_records")
	syncInflightBucket  = []byte("sync_inflight")
	syncConflictsBucket = []byte("sync_conflicts")
	messagesBucket      = []byte("messages")
	threadIndexBucket   = []byte("thread_messages")
	threadsBucket       = []byte("threads")
	notificationsBucket = []byte("notifications")
	devicesBucket       = []byte("devices")
	offlineBucket       = []byte("offline_data")
	entitiesBucket      = []byte("entities")

	allBuckets = [][]byte{
		syncRecordsBucket,
		syncInflightBucket,
		syncConflictsBucket,
		messagesBucket,
		threadIndexBucket,
		threadsBucket,
		notificationsBucket,
		devicesBucket,
		offlineBucket,
		entitiesBucket,
	}
)

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// DefaultPath returns ~/.campus-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".campus-sync", "state.db"), nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction. Domain errors returned by
// fn pass through untouched; anything else is reported as the store
// being unavailable.
func (s *State) update(op string, fn func(tx *bolt.Tx) error) error {
	return storeErr(op, s.db.Update(fn))
}

// view runs fn in a read-only transaction.
func (s *State) view(op string, fn func(tx *bolt.Tx) error) error {
	return storeErr(op, s.db.View(fn))
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}

	for _, domain := range []error{
		apperrors.ErrValidation,
		apperrors.ErrNotFound,
		apperrors.ErrConflict,
		apperrors.ErrInvalidState,
		apperrors.ErrForbidden,
	} {
		if errors.Is(err, domain) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrStoreUnavailable, err)
}

func compositeKey(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep))
}

// prefixKey returns the composite prefix for parts, terminated by keySep so
// "u1" does not match "u10".
func prefixKey(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep) + keySep)
}

// getJSON decodes the value at key into v. It reports false when the key
// is absent.
func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}

	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	return b.Put(key, data)
}

// forEachJSON decodes every value of the bucket as T and passes it to fn.
func forEachJSON[T any](b *bolt.Bucket, fn func(v *T) error) error {
	return b.ForEach(func(k, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decoding %s: %w", k, err)
		}

		return fn(&v)
	})
}

// forEachPrefix calls fn for each key of b starting with prefix.
func forEachPrefix(b *bolt.Bucket, prefix []byte, fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}

	return nil
}
