package models

import "time"

// Platform is the client platform of a device.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformDesktop Platform = "desktop"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformIOS, PlatformAndroid, PlatformWeb, PlatformDesktop:
		return true
	}
	return false
}

// DeviceRegistration is the single source of truth for whether a device
// is reachable, by push or by a live connection.
type DeviceRegistration struct {
	DeviceID        string            `json:"deviceId"`
	UserID          string            `json:"userId"`
	TenantID        string            `json:"tenantId"`
	Platform        Platform          `json:"platform"`
	DeviceName      string            `json:"deviceName,omitempty"`
	AppVersion      string            `json:"appVersion,omitempty"`
	OSVersion       string            `json:"osVersion,omitempty"`
	FCMToken        string            `json:"fcmToken,omitempty"`
	APNsToken       string            `json:"apnsToken,omitempty"`
	WebPushEndpoint string            `json:"webPushEndpoint,omitempty"`
	SyncEnabled     bool              `json:"syncEnabled"`
	PushEnabled     bool              `json:"pushEnabled"`
	SyncSettings    map[string]string `json:"syncSettings,omitempty"`
	IsActive        bool              `json:"isActive"`
	IsOnline        bool              `json:"isOnline"`
	LastSeen        time.Time         `json:"lastSeen"`
	LastSyncAt      *time.Time        `json:"lastSyncAt,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}
