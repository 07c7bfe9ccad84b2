package state

import (
	"fmt"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// SyncTx exposes the sync buckets inside one bbolt transaction. The
// sync_inflight index maps (tenant, entityType, entityId) to the id of the
// single pending or processing record for that entity, so a check and the
// following insert made through the same SyncTx are atomic.
type SyncTx struct {
	tx *bolt.Tx
}

// SyncUpdate runs fn in a read-write transaction. Returning an error
// rolls back everything fn wrote.
func (s *State) SyncUpdate(fn func(tx *SyncTx) error) error {
	return s.update("sync update", func(tx *bolt.Tx) error {
		return fn(&SyncTx{tx: tx})
	})
}

// SyncView runs fn in a read-only transaction.
func (s *State) SyncView(fn func(tx *SyncTx) error) error {
	return s.view("sync view", func(tx *bolt.Tx) error {
		return fn(&SyncTx{tx: tx})
	})
}

func inflightKey(tenantID, entityType, entityID string) []byte {
	return compositeKey(tenantID, entityType, entityID)
}

// Record returns the sync record with the given id, or nil if absent.
func (t *SyncTx) Record(syncID string) (*models.SyncRecord, error) {
	var rec models.SyncRecord

	found, err := getJSON(t.tx.Bucket(syncRecordsBucket), []byte(syncID), &rec)
	if err != nil || !found {
		return nil, err
	}

	return &rec, nil
}

// Inflight returns the pending or processing record holding the entity,
// or nil if the entity is free.
func (t *SyncTx) Inflight(tenantID, entityType, entityID string) (*models.SyncRecord, error) {
	id := t.tx.Bucket(syncInflightBucket).Get(inflightKey(tenantID, entityType, entityID))
	if id == nil {
		return nil, nil
	}

	rec, err := t.Record(string(id))
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("inflight index points at missing record %s", id)
	}

	return rec, nil
}

// InsertRecord stores a new record, assigning its Seq. An in-flight
// record claims the entity in the index; if another record already holds
// it nothing is written and ErrConflict is returned.
func (t *SyncTx) InsertRecord(rec *models.SyncRecord) error {
	b := t.tx.Bucket(syncRecordsBucket)
	if b.Get([]byte(rec.SyncID)) != nil {
		return fmt.Errorf("sync record %s: %w", rec.SyncID, apperrors.ErrConflict)
	}

	if rec.Status.InFlight() {
		if err := t.claim(rec); err != nil {
			return err
		}
	}

	seq, err := b.NextSequence()
	if err != nil {
		return err
	}

	rec.Seq = seq

	return putJSON(b, []byte(rec.SyncID), rec)
}

// PutRecord overwrites an existing record and keeps the in-flight index
// consistent with the status change. Moving a record back into flight
// fails with ErrConflict when another record holds the entity.
func (t *SyncTx) PutRecord(rec *models.SyncRecord) error {
	prev, err := t.Record(rec.SyncID)
	if err != nil {
		return err
	}

	if prev == nil {
		return fmt.Errorf("sync record %s: %w", rec.SyncID, apperrors.ErrNotFound)
	}

	switch {
	case prev.Status.InFlight() && !rec.Status.InFlight():
		if err := t.release(prev); err != nil {
			return err
		}
	case !prev.Status.InFlight() && rec.Status.InFlight():
		if err := t.claim(rec); err != nil {
			return err
		}
	}

	rec.Seq = prev.Seq

	return putJSON(t.tx.Bucket(syncRecordsBucket), []byte(rec.SyncID), rec)
}

func (t *SyncTx) claim(rec *models.SyncRecord) error {
	idx := t.tx.Bucket(syncInflightBucket)
	key := inflightKey(rec.TenantID, rec.EntityType, rec.EntityID)

	if holder := idx.Get(key); holder != nil && string(holder) != rec.SyncID {
		return fmt.Errorf("entity %s/%s held by %s: %w", rec.EntityType, rec.EntityID, holder, apperrors.ErrConflict)
	}

	return idx.Put(key, []byte(rec.SyncID))
}

func (t *SyncTx) release(rec *models.SyncRecord) error {
	idx := t.tx.Bucket(syncInflightBucket)
	key := inflightKey(rec.TenantID, rec.EntityType, rec.EntityID)

	if holder := idx.Get(key); holder == nil || string(holder) != rec.SyncID {
		return nil
	}

	return idx.Delete(key)
}

// Records returns every record for which keep returns true, in store
// order. A nil keep returns all records.
func (t *SyncTx) Records(keep func(*models.SyncRecord) bool) ([]models.SyncRecord, error) {
	var out []models.SyncRecord

	err := forEachJSON(t.tx.Bucket(syncRecordsBucket), func(rec *models.SyncRecord) error {
		if keep == nil || keep(rec) {
			out = append(out, *rec)
		}

		return nil
	})

	return out, err
}

// Conflict returns the conflict with the given id, or nil if absent.
func (t *SyncTx) Conflict(conflictID string) (*models.SyncConflict, error) {
	var c models.SyncConflict

	found, err := getJSON(t.tx.Bucket(syncConflictsBucket), []byte(conflictID), &c)
	if err != nil || !found {
		return nil, err
	}

	return &c, nil
}

// PutConflict inserts or overwrites a conflict.
func (t *SyncTx) PutConflict(c *models.SyncConflict) error {
	return putJSON(t.tx.Bucket(syncConflictsBucket), []byte(c.ConflictID), c)
}

// Conflicts returns every conflict for which keep returns true.
func (t *SyncTx) Conflicts(keep func(*models.SyncConflict) bool) ([]models.SyncConflict, error) {
	var out []models.SyncConflict

	err := forEachJSON(t.tx.Bucket(syncConflictsBucket), func(c *models.SyncConflict) error {
		if keep == nil || keep(c) {
			out = append(out, *c)
		}

		return nil
	})

	return out, err
}
