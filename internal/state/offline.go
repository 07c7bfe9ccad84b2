package state

import (
	"encoding/json"
	"time"

	"github.com/alexjbarnes/campus-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

func offlineKey(userID, deviceID, cacheKey string) []byte {
	return compositeKey(userID, deviceID, cacheKey)
}

// PutOffline stores a cache entry, replacing any entry with the same
// (UserID, DeviceID, CacheKey). CreatedAt of a replaced entry is kept.
func (s *State) PutOffline(d *models.OfflineData) error {
	return s.update("saving offline data", func(tx *bolt.Tx) error {
		b := tx.Bucket(offlineBucket)
		key := offlineKey(d.UserID, d.DeviceID, d.CacheKey)

		var prev models.OfflineData

		found, err := getJSON(b, key, &prev)
		if err != nil {
			return err
		}

		if found && !prev.CreatedAt.IsZero() {
			d.CreatedAt = prev.CreatedAt
		}

		return putJSON(b, key, d)
	})
}

// GetOffline returns a cache entry, or nil if not found. Expiry is not
// checked here.
func (s *State) GetOffline(userID, deviceID, cacheKey string) (*models.OfflineData, error) {
	var out *models.OfflineData

	err := s.view("reading offline data", func(tx *bolt.Tx) error {
		var d models.OfflineData

		found, err := getJSON(tx.Bucket(offlineBucket), offlineKey(userID, deviceID, cacheKey), &d)
		if found {
			out = &d
		}

		return err
	})

	return out, err
}

// DeleteOffline removes a cache entry. It reports whether one existed.
func (s *State) DeleteOffline(userID, deviceID, cacheKey string) (bool, error) {
	var existed bool

	err := s.update("deleting offline data", func(tx *bolt.Tx) error {
		b := tx.Bucket(offlineBucket)
		key := offlineKey(userID, deviceID, cacheKey)
		existed = b.Get(key) != nil

		return b.Delete(key)
	})

	return existed, err
}

// OfflineEntries returns every cache entry for one user's device.
func (s *State) OfflineEntries(userID, deviceID string) ([]models.OfflineData, error) {
	var out []models.OfflineData

	err := s.view("listing offline data", func(tx *bolt.Tx) error {
		return forEachPrefix(tx.Bucket(offlineBucket), prefixKey(userID, deviceID), func(_, v []byte) error {
			var d models.OfflineData
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}

			out = append(out, d)

			return nil
		})
	})

	return out, err
}

// PurgeOffline deletes every entry expired at now and returns how many
// were removed.
func (s *State) PurgeOffline(now time.Time) (int, error) {
	var expired [][]byte

	err := s.update("purging offline data", func(tx *bolt.Tx) error {
		b := tx.Bucket(offlineBucket)

		err := b.ForEach(func(k, v []byte) error {
			var d models.OfflineData
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}

			if d.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(expired), nil
}
