package state

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// Entity returns the latest applied state of an entity, or nil if it does
// not exist.
func (s *State) Entity(tenantID, entityType, entityID string) (json.RawMessage, error) {
	var out json.RawMessage

	err := s.view("reading entity", func(tx *bolt.Tx) error {
		v := tx.Bucket(entitiesBucket).Get(compositeKey(tenantID, entityType, entityID))
		if v != nil {
			out = append(json.RawMessage(nil), v...)
		}

		return nil
	})

	return out, err
}

// UpdateEntity replaces the entity with the value returned by fn, which
// receives the current state (nil when absent). A nil result deletes the
// entity.
func (s *State) UpdateEntity(tenantID, entityType, entityID string, fn func(cur json.RawMessage) (json.RawMessage, error)) error {
	return s.update("updating entity", func(tx *bolt.Tx) error {
		b := tx.Bucket(entitiesBucket)
		key := compositeKey(tenantID, entityType, entityID)

		var cur json.RawMessage
		if v := b.Get(key); v != nil {
			cur = append(json.RawMessage(nil), v...)
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}

		if next == nil {
			return b.Delete(key)
		}

		return b.Put(key, next)
	})
}
