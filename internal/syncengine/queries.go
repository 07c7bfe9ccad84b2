package syncengine

import (
	"context"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/state"
)

const (
	defaultPendingLimit = 100
	maxPendingLimit     = 1000
)

// GetSyncRecord returns one of the caller's records, or any record of the
// tenant for an admin.
func (e *Engine) GetSyncRecord(ctx context.Context, p models.Principal, syncID string) (*models.SyncRecord, error) {
	var rec *models.SyncRecord

	err := e.state.SyncView(func(tx *state.SyncTx) error {
		var err error
		rec, err = tx.Record(syncID)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading sync record: %w", err)
	}

	if rec == nil || !p.CanAccess(rec.UserID, rec.TenantID) {
		return nil, fmt.Errorf("sync record %s: %w", syncID, apperrors.ErrNotFound)
	}

	return rec, nil
}

// GetPendingSyncs returns the pending and failed records of one of the
// caller's devices ordered by priority, then creation time, then store
// sequence. limit defaults to 100 and is capped at 1000.
func (e *Engine) GetPendingSyncs(ctx context.Context, p models.Principal, deviceID string, limit int) ([]models.SyncRecord, error) {
	if deviceID == "" {
		return nil, validationErr("deviceId is required")
	}

	if limit <= 0 {
		limit = defaultPendingLimit
	}

	limit = min(limit, maxPendingLimit)

	var out []models.SyncRecord

	err := e.state.SyncView(func(tx *state.SyncTx) error {
		var err error

		out, err = tx.Records(func(r *models.SyncRecord) bool {
			return p.Owns(r.UserID, r.TenantID) &&
				r.DeviceID == deviceID &&
				(r.Status == models.SyncPending || r.Status == models.SyncFailed)
		})

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending syncs: %w", err)
	}

	sortPending(out)

	if len(out) > limit {
		out = out[:limit]
	}

	if out == nil {
		out = []models.SyncRecord{}
	}

	return out, nil
}

func sortPending(recs []models.SyncRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}

		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}

		return a.Seq < b.Seq
	})
}

// SyncStatus summarises the sync state of one device.
type SyncStatus struct {
	DeviceID            string     `json:"deviceId"`
	Pending             int        `json:"pending"`
	Processing          int        `json:"processing"`
	Failed              int        `json:"failed"`
	UnresolvedConflicts int        `json:"unresolvedConflicts"`
	LastSyncedAt        *time.Time `json:"lastSyncedAt,omitempty"`
	DeviceRegistered    bool       `json:"deviceRegistered"`
	SyncEnabled         bool       `json:"syncEnabled"`
	IsOnline            bool       `json:"isOnline"`
}

// GetSyncStatus counts the caller's records and conflicts for a device
// and reports what the device registry knows about it.
func (e *Engine) GetSyncStatus(ctx context.Context, p models.Principal, deviceID string) (*SyncStatus, error) {
	if deviceID == "" {
		return nil, validationErr("deviceId is required")
	}

	st := &SyncStatus{DeviceID: deviceID}

	err := e.state.SyncView(func(tx *state.SyncTx) error {
		recs, err := tx.Records(func(r *models.SyncRecord) bool {
			return p.Owns(r.UserID, r.TenantID) && r.DeviceID == deviceID
		})
		if err != nil {
			return err
		}

		for i := range recs {
			switch recs[i].Status {
			case models.SyncPending:
				st.Pending++
			case models.SyncProcessing:
				st.Processing++
			case models.SyncFailed:
				st.Failed++
			case models.SyncCompleted:
				if at := recs[i].SyncedAt; at != nil && (st.LastSyncedAt == nil || at.After(*st.LastSyncedAt)) {
					st.LastSyncedAt = at
				}
			}
		}

		conflicts, err := tx.Conflicts(func(c *models.SyncConflict) bool {
			return p.Owns(c.UserID, c.TenantID) && c.DeviceID == deviceID && !c.IsResolved
		})
		st.UnresolvedConflicts = len(conflicts)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading sync status: %w", err)
	}

	if e.devices == nil {
		return st, nil
	}

	d, err := e.devices.Lookup(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("reading sync status: %w", err)
	}

	if d != nil && p.Owns(d.UserID, d.TenantID) {
		st.DeviceRegistered = true
		st.SyncEnabled = d.SyncEnabled
		st.IsOnline = d.IsOnline
	}

	return st, nil
}
