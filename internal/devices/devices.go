// Package devices is the registry of client devices. It is the single
// source of truth for whether a device can be reached by push or has a
// live connection.
package devices

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/state"
)

// maxDeviceIDLen bounds client-chosen device ids.
const maxDeviceIDLen = 128

// Patch carries the optional device fields of a register or update call.
// Nil pointers leave the stored value unchanged.
type Patch struct {
	Platform        *models.Platform  `json:"platform,omitempty"`
	DeviceName      *string           `json:"deviceName,omitempty"`
	AppVersion      *string           `json:"appVersion,omitempty"`
	OSVersion       *string           `json:"osVersion,omitempty"`
	FCMToken        *string           `json:"fcmToken,omitempty"`
	APNsToken       *string           `json:"apnsToken,omitempty"`
	WebPushEndpoint *string           `json:"webPushEndpoint,omitempty"`
	SyncEnabled     *bool             `json:"syncEnabled,omitempty"`
	PushEnabled     *bool             `json:"pushEnabled,omitempty"`
	SyncSettings    map[string]string `json:"syncSettings,omitempty"`
}

// RegisterInput is the body of a device registration.
type RegisterInput struct {
	DeviceID string `json:"deviceId"`
	Patch
}

// Registry manages device registrations.
type Registry struct {
	state  *state.State
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry backed by st.
func New(st *state.State, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		state:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (p *Patch) validate() error {
	if p.Platform != nil && !p.Platform.Valid() {
		return fmt.Errorf("unknown platform %q: %w", *p.Platform, apperrors.ErrValidation)
	}

	return nil
}

func (p *Patch) apply(d *models.DeviceRegistration) {
	if p.Platform != nil {
		d.Platform = *p.Platform
	}

	setString(&d.DeviceName, p.DeviceName)
	setString(&d.AppVersion, p.AppVersion)
	setString(&d.OSVersion, p.OSVersion)
	setString(&d.FCMToken, p.FCMToken)
	setString(&d.APNsToken, p.APNsToken)
	setString(&d.WebPushEndpoint, p.WebPushEndpoint)

	if p.SyncEnabled != nil {
		d.SyncEnabled = *p.SyncEnabled
	}

	if p.PushEnabled != nil {
		d.PushEnabled = *p.PushEnabled
	}

	if p.SyncSettings != nil {
		if d.SyncSettings == nil {
			d.SyncSettings = make(map[string]string, len(p.SyncSettings))
		}

		for k, v := range p.SyncSettings {
			d.SyncSettings[k] = v
		}
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// resetOwnerState drops the previous owner's push tokens and sync settings.
func resetOwnerState(d *models.DeviceRegistration) {
	d.FCMToken = ""
	d.APNsToken = ""
	d.WebPushEndpoint = ""
	d.SyncSettings = nil
	d.LastSyncAt = nil
	d.SyncEnabled = true
	d.PushEnabled = true
}

// RegisterDevice inserts or refreshes a device. An existing registration
// has the provided fields merged and becomes active again. When another
// user or tenant held the device it is re-owned to the caller with the
// previous owner's tokens and settings cleared. A new device needs a
// platform; sync and push default to on.
func (r *Registry) RegisterDevice(ctx context.Context, p models.Principal, in RegisterInput) (*models.DeviceRegistration, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.DeviceID == "" || len(in.DeviceID) > maxDeviceIDLen {
		return nil, fmt.Errorf("deviceId must be 1-%d characters: %w", maxDeviceIDLen, apperrors.ErrValidation)
	}

	if models.HasControl(in.DeviceID) {
		return nil, fmt.Errorf("deviceId must not contain control characters: %w", apperrors.ErrValidation)
	}

	if err := in.validate(); err != nil {
		return nil, err
	}

	now := r.now()

	d, err := r.state.UpsertDevice(in.DeviceID, func(cur *models.DeviceRegistration) (*models.DeviceRegistration, error) {
		if cur == nil {
			if in.Platform == nil {
				return nil, fmt.Errorf("platform is required for a new device: %w", apperrors.ErrValidation)
			}

			cur = &models.DeviceRegistration{
				DeviceID:    in.DeviceID,
				SyncEnabled: true,
				PushEnabled: true,
				CreatedAt:   now,
			}
		} else if !p.Owns(cur.UserID, cur.TenantID) {
			resetOwnerState(cur)
		}

		in.apply(cur)
		cur.UserID = p.UserID
		cur.TenantID = p.TenantID
		cur.IsActive = true
		cur.LastSeen = now
		cur.UpdatedAt = now

		return cur, nil
	})
	if err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}

	r.logger.Info("device registered",
		slog.String("device_id", d.DeviceID),
		slog.String("user_id", d.UserID),
		slog.String("platform", string(d.Platform)),
	)

	return d, nil
}

// UpdateDevice applies a partial update to a device owned by the caller.
func (r *Registry) UpdateDevice(ctx context.Context, p models.Principal, deviceID string, patch Patch) (*models.DeviceRegistration, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}

	return r.mutateOwned(p, deviceID, func(d *models.DeviceRegistration) {
		patch.apply(d)
	})
}

// DeactivateDevice marks a device owned by the caller inactive and
// offline. It stays registered.
func (r *Registry) DeactivateDevice(ctx context.Context, p models.Principal, deviceID string) (*models.DeviceRegistration, error) {
	return r.mutateOwned(p, deviceID, func(d *models.DeviceRegistration) {
		d.IsActive = false
		d.IsOnline = false
	})
}

func (r *Registry) mutateOwned(p models.Principal, deviceID string, fn func(d *models.DeviceRegistration)) (*models.DeviceRegistration, error) {
	now := r.now()

	d, err := r.state.UpsertDevice(deviceID, func(cur *models.DeviceRegistration) (*models.DeviceRegistration, error) {
		if cur == nil || !p.Owns(cur.UserID, cur.TenantID) {
			return nil, fmt.Errorf("device %s: %w", deviceID, apperrors.ErrNotFound)
		}

		fn(cur)
		cur.UpdatedAt = now

		return cur, nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating device: %w", err)
	}

	return d, nil
}

// GetDevice returns a device visible to the caller: its own, or any in the
// tenant for an admin.
func (r *Registry) GetDevice(ctx context.Context, p models.Principal, deviceID string) (*models.DeviceRegistration, error) {
	d, err := r.state.GetDevice(deviceID)
	if err != nil {
		return nil, fmt.Errorf("reading device: %w", err)
	}

	if d == nil || !p.CanAccess(d.UserID, d.TenantID) {
		return nil, fmt.Errorf("device %s: %w", deviceID, apperrors.ErrNotFound)
	}

	return d, nil
}

// Lookup returns a device by id regardless of owner, or nil.
func (r *Registry) Lookup(ctx context.Context, deviceID string) (*models.DeviceRegistration, error) {
	d, err := r.state.GetDevice(deviceID)
	if err != nil {
		return nil, fmt.Errorf("reading device: %w", err)
	}

	return d, nil
}

// ListDevices returns the caller's devices.
func (r *Registry) ListDevices(ctx context.Context, p models.Principal) ([]models.DeviceRegistration, error) {
	return r.UserDevices(ctx, p.TenantID, p.UserID)
}

// UserDevices returns every device registered to a user.
func (r *Registry) UserDevices(ctx context.Context, tenantID, userID string) ([]models.DeviceRegistration, error) {
	out, err := r.state.Devices(func(d *models.DeviceRegistration) bool {
		return d.TenantID == tenantID && d.UserID == userID
	})
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	return out, nil
}

// SetOnline records live-connection presence. Unknown devices are ignored
// so clients can connect before registering.
func (r *Registry) SetOnline(ctx context.Context, deviceID string, online bool) error {
	if deviceID == "" {
		return nil
	}

	now := r.now()

	_, err := r.state.UpsertDevice(deviceID, func(cur *models.DeviceRegistration) (*models.DeviceRegistration, error) {
		if cur == nil {
			return nil, nil
		}

		cur.IsOnline = online
		cur.LastSeen = now
		cur.UpdatedAt = now

		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("setting presence: %w", err)
	}

	return nil
}

// TouchSync records a completed sync for the device.
func (r *Registry) TouchSync(ctx context.Context, deviceID string, at time.Time) error {
	_, err := r.state.UpsertDevice(deviceID, func(cur *models.DeviceRegistration) (*models.DeviceRegistration, error) {
		if cur == nil {
			return nil, nil
		}

		cur.LastSyncAt = &at
		cur.LastSeen = at
		cur.UpdatedAt = at

		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("recording sync time: %w", err)
	}

	return nil
}
