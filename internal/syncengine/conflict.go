package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/state"
	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ConflictError is returned when a mutation collides with an in-flight
// record for the same entity. It matches apperrors.ErrConflict.
type ConflictError struct {
	Conflict *models.SyncConflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s/%s has in-flight sync record %s (conflict %s)",
		e.Conflict.EntityType, e.Conflict.EntityID, e.Conflict.SyncID, e.Conflict.ConflictID)
}

// Is reports whether target is apperrors.ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == apperrors.ErrConflict
}

// DetectConflict builds the conflict between an incoming mutation and the
// record already in flight for the same entity. It does not touch the
// store.
func DetectConflict(p models.Principal, in Input, inflight *models.SyncRecord, now time.Time) *models.SyncConflict {
	return &models.SyncConflict{
		ConflictID: uuid.NewString(),
		SyncID:     inflight.SyncID,
		UserID:     p.UserID,
		TenantID:   p.TenantID,
		DeviceID:   in.DeviceID,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Operation:  in.Operation,
		LocalData:  in.Payload,
		RemoteData: inflight.Payload,
		Diff:       payloadDiff(inflight.Payload, in.Payload),
		DetectedAt: now,
	}
}

// detectForRecord builds the conflict for a stored record that could not
// be retried because holder now owns the entity.
func detectForRecord(rec, holder *models.SyncRecord, now time.Time) *models.SyncConflict {
	return DetectConflict(
		models.Principal{UserID: rec.UserID, TenantID: rec.TenantID},
		Input{
			DeviceID:   rec.DeviceID,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Operation:  rec.Operation,
			Payload:    rec.Payload,
		},
		holder,
		now,
	)
}

// payloadDiff returns a textual patch turning remote into local, computed
// over indented JSON so changes line up by field.
func payloadDiff(remote, local json.RawMessage) string {
	from, to := indentJSON(remote), indentJSON(local)
	if from == to {
		return ""
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(from, to, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	return dmp.PatchToText(dmp.PatchMake(from, diffs))
}

func indentJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}

	return buf.String()
}

// ResolveConflict settles a conflict with the given strategy. local_wins
// and remote_wins default the resolved data to the local or remote
// payload; manual requires resolvedData. The owner or a tenant admin may
// resolve, once.
func (e *Engine) ResolveConflict(ctx context.Context, p models.Principal, conflictID string, strategy models.ResolutionStrategy, resolvedData json.RawMessage) (*models.SyncConflict, error) {
	if !strategy.Valid() {
		return nil, validationErr("unknown resolution strategy %q", strategy)
	}

	resolvedData = bytes.TrimSpace(resolvedData)
	if len(resolvedData) > 0 && !json.Valid(resolvedData) {
		return nil, validationErr("resolvedData is not valid JSON")
	}

	now := e.now()

	var out *models.SyncConflict

	err := e.state.SyncUpdate(func(tx *state.SyncTx) error {
		c, err := tx.Conflict(conflictID)
		if err != nil {
			return err
		}

		if c == nil || !p.CanAccess(c.UserID, c.TenantID) {
			return fmt.Errorf("conflict %s: %w", conflictID, apperrors.ErrNotFound)
		}

		if c.IsResolved {
			return fmt.Errorf("conflict %s already resolved: %w", conflictID, apperrors.ErrInvalidState)
		}

		data := resolvedData
		if len(data) == 0 {
			switch strategy {
			case models.ResolutionLocalWins:
				data = c.LocalData
			case models.ResolutionRemoteWins:
				data = c.RemoteData
			}
		}

		if len(data) == 0 {
			if strategy == models.ResolutionManual {
				return validationErr("resolvedData is required for manual resolution")
			}

			// A delete has no payload; record an explicit null.
			data = json.RawMessage("null")
		}

		c.ResolutionStrategy = strategy
		c.ResolvedData = data
		c.ResolvedBy = p.UserID
		c.ResolvedAt = &now
		c.IsResolved = true
		out = c

		return tx.PutConflict(c)
	})
	if err != nil {
		return nil, fmt.Errorf("resolving conflict: %w", err)
	}

	e.logger.Info("sync conflict resolved",
		slog.String("conflict_id", out.ConflictID),
		slog.String("strategy", string(strategy)),
		slog.String("resolved_by", p.UserID),
	)

	return out, nil
}

// ConflictFilter narrows ListConflicts.
type ConflictFilter struct {
	DeviceID       string
	UnresolvedOnly bool
}

// ListConflicts returns the caller's conflicts, or the whole tenant's for
// an admin, newest first.
func (e *Engine) ListConflicts(ctx context.Context, p models.Principal, f ConflictFilter) ([]models.SyncConflict, error) {
	var out []models.SyncConflict

	err := e.state.SyncView(func(tx *state.SyncTx) error {
		var err error

		out, err = tx.Conflicts(func(c *models.SyncConflict) bool {
			if !p.CanAccess(c.UserID, c.TenantID) {
				return false
			}

			if f.DeviceID != "" && c.DeviceID != f.DeviceID {
				return false
			}

			return !f.UnresolvedOnly || !c.IsResolved
		})

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})

	if out == nil {
		out = []models.SyncConflict{}
	}

	return out, nil
}
