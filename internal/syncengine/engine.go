// Package syncengine reconciles mutations submitted by offline devices
// against the server state. Each mutation becomes a SyncRecord that moves
// pending -> processing -> completed|failed; a second in-flight mutation
// of the same entity is refused and recorded as a SyncConflict.
package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/state"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	maxEntityTypeLen = 64
	maxEntityIDLen   = 256
	defaultPriority  = 5
	maxPriority      = 100
)

// Input is one mutation submitted by a device.
type Input struct {
	DeviceID   string               `json:"deviceId"`
	EntityType string               `json:"entityType"`
	EntityID   string               `json:"entityId"`
	Operation  models.SyncOperation `json:"operation"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
	Metadata   map[string]string    `json:"metadata,omitempty"`
	Priority   *int                 `json:"priority,omitempty"`
}

// Events receives sync notifications for live clients.
type Events interface {
	SyncCompleted(ctx context.Context, rec *models.SyncRecord) int
	ConflictDetected(ctx context.Context, c *models.SyncConflict) int
}

// Devices is the part of the device registry the engine reads and
// updates.
type Devices interface {
	Lookup(ctx context.Context, deviceID string) (*models.DeviceRegistration, error)
	TouchSync(ctx context.Context, deviceID string, at time.Time) error
}

// Engine drives sync records through their lifecycle.
type Engine struct {
	state   *state.State
	applier Applier
	devices Devices
	events  Events
	retry   RetryPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetryPolicy sets the policy used to fill NextRetryAt.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// New creates an Engine. devices and events may be nil.
func New(st *state.State, applier Applier, devices Devices, events Events, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		state:   st,
		applier: applier,
		devices: devices,
		events:  events,
		retry:   DefaultRetryPolicy,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), apperrors.ErrValidation)
}

// normalize validates in and returns it in canonical form with the
// priority resolved.
func normalize(in Input) (Input, int, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.DeviceID == "" {
		return in, 0, validationErr("deviceId is required")
	}

	if models.HasControl(in.DeviceID) {
		return in, 0, validationErr("deviceId must not contain control characters")
	}

	in.EntityType = norm.NFC.String(strings.TrimSpace(in.EntityType))
	if in.EntityType == "" || utf8.RuneCountInString(in.EntityType) > maxEntityTypeLen {
		return in, 0, validationErr("entityType must be 1-%d characters", maxEntityTypeLen)
	}

	if models.HasControl(in.EntityType) {
		return in, 0, validationErr("entityType must not contain control characters")
	}

	in.EntityID = strings.TrimSpace(in.EntityID)
	if in.EntityID == "" || len(in.EntityID) > maxEntityIDLen {
		return in, 0, validationErr("entityId must be 1-%d bytes", maxEntityIDLen)
	}

	if models.HasControl(in.EntityID) {
		return in, 0, validationErr("entityId must not contain control characters")
	}

	if !in.Operation.Valid() {
		return in, 0, validationErr("unknown operation %q", in.Operation)
	}

	payload := bytes.TrimSpace(in.Payload)

	switch {
	case len(payload) == 0:
		if in.Operation != models.OperationDelete {
			return in, 0, validationErr("payload is required for %s", in.Operation)
		}

		in.Payload = nil
	case !json.Valid(payload):
		return in, 0, validationErr("payload is not valid JSON")
	case in.Operation != models.OperationDelete && payload[0] != '{':
		return in, 0, validationErr("payload must be a JSON object for %s", in.Operation)
	default:
		in.Payload = payload
	}

	priority := defaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}

	if priority < 0 || priority > maxPriority {
		return in, 0, validationErr("priority must be between 0 and %d", maxPriority)
	}

	return in, priority, nil
}

// CreateSyncRecord validates and persists a pending record. If another
// pending or processing record already targets the same entity, nothing
// is created; the collision is stored as a SyncConflict and returned in
// a *ConflictError.
func (e *Engine) CreateSyncRecord(ctx context.Context, p models.Principal, in Input) (*models.SyncRecord, error) {
	in, priority, err := normalize(in)
	if err != nil {
		return nil, err
	}

	now := e.now()
	rec := &models.SyncRecord{
		SyncID:     uuid.NewString(),
		UserID:     p.UserID,
		TenantID:   p.TenantID,
		DeviceID:   in.DeviceID,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Operation:  in.Operation,
		Payload:    in.Payload,
		Metadata:   in.Metadata,
		Status:     models.SyncPending,
		Priority:   priority,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var conflict *models.SyncConflict

	err = e.state.SyncUpdate(func(tx *state.SyncTx) error {
		holder, err := tx.Inflight(p.TenantID, in.EntityType, in.EntityID)
		if err != nil {
			return err
		}

		if holder != nil {
			conflict = DetectConflict(p, in, holder, now)
			return tx.PutConflict(conflict)
		}

		return tx.InsertRecord(rec)
	})
	if err != nil {
		return nil, fmt.Errorf("creating sync record: %w", err)
	}

	if conflict != nil {
		e.conflictDetected(ctx, conflict)
		return nil, &ConflictError{Conflict: conflict}
	}

	e.logger.Debug("sync record created",
		slog.String("sync_id", rec.SyncID),
		slog.String("entity_type", rec.EntityType),
		slog.String("entity_id", rec.EntityID),
		slog.String("device_id", rec.DeviceID),
	)

	return rec, nil
}

// CheckConflict reports whether in would collide with an in-flight
// record. A collision is persisted and returned; nil means the entity is
// free at the time of the check.
func (e *Engine) CheckConflict(ctx context.Context, p models.Principal, in Input) (*models.SyncConflict, error) {
	in, _, err := normalize(in)
	if err != nil {
		return nil, err
	}

	now := e.now()

	var conflict *models.SyncConflict

	err = e.state.SyncUpdate(func(tx *state.SyncTx) error {
		holder, err := tx.Inflight(p.TenantID, in.EntityType, in.EntityID)
		if err != nil || holder == nil {
			return err
		}

		conflict = DetectConflict(p, in, holder, now)

		return tx.PutConflict(conflict)
	})
	if err != nil {
		return nil, fmt.Errorf("checking conflict: %w", err)
	}

	if conflict != nil {
		e.conflictDetected(ctx, conflict)
	}

	return conflict, nil
}

func (e *Engine) conflictDetected(ctx context.Context, c *models.SyncConflict) {
	e.logger.Info("sync conflict detected",
		slog.String("conflict_id", c.ConflictID),
		slog.String("sync_id", c.SyncID),
		slog.String("entity_type", c.EntityType),
		slog.String("entity_id", c.EntityID),
		slog.String("device_id", c.DeviceID),
	)

	if e.events != nil {
		e.events.ConflictDetected(ctx, c)
	}
}

// ProcessSyncRecord applies a pending or failed record. Completed records
// are returned unchanged. An apply failure is reported through the
// returned record's status, not as an error.
func (e *Engine) ProcessSyncRecord(ctx context.Context, p models.Principal, syncID string) (*models.SyncRecord, error) {
	now := e.now()

	var (
		rec      *models.SyncRecord
		conflict *models.SyncConflict
		done     bool
	)

	err := e.state.SyncUpdate(func(tx *state.SyncTx) error {
		cur, err := tx.Record(syncID)
		if err != nil {
			return err
		}

		if cur == nil || !p.Owns(cur.UserID, cur.TenantID) {
			return fmt.Errorf("sync record %s: %w", syncID, apperrors.ErrNotFound)
		}

		rec = cur

		switch cur.Status {
		case models.SyncCompleted:
			done = true
			return nil
		case models.SyncProcessing, models.SyncStatusConflict:
			return fmt.Errorf("sync record %s is %s: %w", syncID, cur.Status, apperrors.ErrInvalidState)
		case models.SyncFailed:
			holder, err := tx.Inflight(cur.TenantID, cur.EntityType, cur.EntityID)
			if err != nil {
				return err
			}

			if holder != nil && holder.SyncID != cur.SyncID {
				conflict = detectForRecord(cur, holder, now)
				cur.Status = models.SyncStatusConflict
				cur.UpdatedAt = now

				if err := tx.PutConflict(conflict); err != nil {
					return err
				}

				return tx.PutRecord(cur)
			}
		}

		cur.Status = models.SyncProcessing
		cur.UpdatedAt = now

		return tx.PutRecord(cur)
	})
	if err != nil {
		return nil, fmt.Errorf("processing sync record: %w", err)
	}

	if done {
		return rec, nil
	}

	if conflict != nil {
		e.conflictDetected(ctx, conflict)
		return rec, &ConflictError{Conflict: conflict}
	}

	applyErr := e.apply(ctx, *rec)

	err = e.state.SyncUpdate(func(tx *state.SyncTx) error {
		cur, err := tx.Record(syncID)
		if err != nil {
			return err
		}

		if cur == nil {
			return fmt.Errorf("sync record %s: %w", syncID, apperrors.ErrNotFound)
		}

		if cur.Status != models.SyncProcessing {
			return fmt.Errorf("sync record %s changed to %s while applying: %w", syncID, cur.Status, apperrors.ErrInvalidState)
		}

		finished := e.now()
		cur.UpdatedAt = finished

		if applyErr == nil {
			cur.Status = models.SyncCompleted
			cur.SyncedAt = &finished
			cur.NextRetryAt = nil
			cur.LastError = ""
		} else {
			next := finished.Add(e.retry.Delay(cur.RetryCount + 1))
			cur.Status = models.SyncFailed
			cur.RetryCount++
			cur.LastRetryAt = &finished
			cur.NextRetryAt = &next
			cur.LastError = applyErr.Error()
		}

		rec = cur

		return tx.PutRecord(cur)
	})
	if err != nil {
		return nil, fmt.Errorf("finishing sync record: %w", err)
	}

	if rec.Status == models.SyncFailed {
		e.logger.Warn("sync record failed",
			slog.String("sync_id", rec.SyncID),
			slog.Int("retry_count", rec.RetryCount),
			slog.String("error", rec.LastError),
		)

		return rec, nil
	}

	if e.devices != nil {
		if err := e.devices.TouchSync(ctx, rec.DeviceID, *rec.SyncedAt); err != nil {
			e.logger.Warn("recording device sync time",
				slog.String("device_id", rec.DeviceID),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.events != nil {
		e.events.SyncCompleted(ctx, rec)
	}

	return rec, nil
}

// apply runs the applier, turning a panic into an error.
func (e *Engine) apply(ctx context.Context, rec models.SyncRecord) (err error) {
	defer func() {
		if v := recover(); v != nil {
			e.logger.Error("applier panicked",
				slog.String("sync_id", rec.SyncID),
				slog.Any("panic", v),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("apply panicked: %v", v)
		}
	}()

	if e.applier == nil {
		return errors.New("no applier configured")
	}

	return e.applier.Apply(ctx, rec)
}

// BulkFailure is an input of a bulk call that did not complete.
type BulkFailure struct {
	Index int    `json:"index"`
	Input Input  `json:"input"`
	Error string `json:"error"`
}

// BulkResult partitions the inputs of a bulk call.
type BulkResult struct {
	Total      int                   `json:"total"`
	Processed  int                   `json:"processed"`
	Successful []models.SyncRecord   `json:"successful"`
	Failed     []BulkFailure         `json:"failed"`
	Conflicts  []models.SyncConflict `json:"conflicts"`
}

// BulkSync checks, creates and processes each input in order. One
// input's failure never stops the rest.
func (e *Engine) BulkSync(ctx context.Context, p models.Principal, deviceID string, inputs []Input) *BulkResult {
	res := &BulkResult{
		Total:      len(inputs),
		Successful: []models.SyncRecord{},
		Failed:     []BulkFailure{},
		Conflicts:  []models.SyncConflict{},
	}

	for i, in := range inputs {
		if deviceID != "" {
			in.DeviceID = deviceID
		}

		res.Processed++

		fail := func(err error) {
			res.Failed = append(res.Failed, BulkFailure{Index: i, Input: in, Error: err.Error()})
		}

		conflict, err := e.CheckConflict(ctx, p, in)
		if err != nil {
			fail(err)
			continue
		}

		if conflict != nil {
			res.Conflicts = append(res.Conflicts, *conflict)
			continue
		}

		rec, err := e.CreateSyncRecord(ctx, p, in)
		if err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) {
				res.Conflicts = append(res.Conflicts, *ce.Conflict)
			} else {
				fail(err)
			}

			continue
		}

		rec, err = e.ProcessSyncRecord(ctx, p, rec.SyncID)
		if err != nil {
			fail(err)
			continue
		}

		if rec.Status != models.SyncCompleted {
			fail(errors.New(rec.LastError))
			continue
		}

		res.Successful = append(res.Successful, *rec)
	}

	return res
}

// RequeueStuck moves records of tenantID that have been processing for
// longer than olderThan back to pending. An empty tenantID covers every
// tenant. Requeued records keep their claim on the entity.
func (e *Engine) RequeueStuck(ctx context.Context, tenantID string, olderThan time.Duration) (int, error) {
	now := e.now()
	cutoff := now.Add(-olderThan)
	n := 0

	err := e.state.SyncUpdate(func(tx *state.SyncTx) error {
		stuck, err := tx.Records(func(r *models.SyncRecord) bool {
			return r.Status == models.SyncProcessing && r.UpdatedAt.Before(cutoff) &&
				(tenantID == "" || r.TenantID == tenantID)
		})
		if err != nil {
			return err
		}

		for i := range stuck {
			stuck[i].Status = models.SyncPending
			stuck[i].UpdatedAt = now

			if err := tx.PutRecord(&stuck[i]); err != nil {
				return err
			}
		}

		n = len(stuck)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeueing stuck records: %w", err)
	}

	if n > 0 {
		e.logger.Info("requeued stuck sync records", slog.Int("count", n))
	}

	return n, nil
}
