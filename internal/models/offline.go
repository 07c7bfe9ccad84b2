package models

import (
	"encoding/json"
	"time"
)

// OfflineData is a cached blob handed back to a device before it
// re-establishes sync. One entry per (UserID, DeviceID, CacheKey).
type OfflineData struct {
	UserID    string          `json:"userId"`
	TenantID  string          `json:"tenantId"`
	DeviceID  string          `json:"deviceId"`
	CacheKey  string          `json:"cacheKey"`
	Data      json.RawMessage `json:"data"`
	ExpiresAt time.Time       `json:"expiresAt"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Expired reports whether the entry is no longer servable at now.
func (d *OfflineData) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}
