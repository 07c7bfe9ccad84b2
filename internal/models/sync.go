package models

import (
	"encoding/json"
	"time"
)

// SyncOperation is the kind of mutation a device submitted.
type SyncOperation string

const (
	OperationCreate SyncOperation = "create"
	OperationUpdate SyncOperation = "update"
	OperationDelete SyncOperation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op SyncOperation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// SyncStatus is the lifecycle state of a SyncRecord.
type SyncStatus string

const (
	SyncPending        SyncStatus = "pending"
	SyncProcessing     SyncStatus = "processing"
	SyncCompleted      SyncStatus = "completed"
	SyncFailed         SyncStatus = "failed"
	SyncStatusConflict SyncStatus = "conflict"
)

// InFlight reports whether a record in this status blocks other
// mutations of the same entity.
func (s SyncStatus) InFlight() bool {
	return s == SyncPending || s == SyncProcessing
}

// SyncRecord is one mutation submitted by one device. Records are never
// deleted; SyncedAt is set only once Status is completed.
type SyncRecord struct {
	SyncID      string            `json:"syncId"`
	UserID      string            `json:"userId"`
	TenantID    string            `json:"tenantId"`
	DeviceID    string            `json:"deviceId"`
	EntityType  string            `json:"entityType"`
	EntityID    string            `json:"entityId"`
	Operation   SyncOperation     `json:"operation"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      SyncStatus        `json:"status"`
	Priority    int               `json:"priority"`
	RetryCount  int               `json:"retryCount"`
	LastRetryAt *time.Time        `json:"lastRetryAt,omitempty"`
	NextRetryAt *time.Time        `json:"nextRetryAt,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	SyncedAt    *time.Time        `json:"syncedAt,omitempty"`
	Seq         uint64            `json:"seq"`
}

// ResolutionStrategy names how a conflict was settled.
type ResolutionStrategy string

const (
	ResolutionManual     ResolutionStrategy = "manual"
	ResolutionLocalWins  ResolutionStrategy = "local_wins"
	ResolutionRemoteWins ResolutionStrategy = "remote_wins"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolutionManual, ResolutionLocalWins, ResolutionRemoteWins:
		return true
	}
	return false
}

// SyncConflict records a mutation that collided with an in-flight record
// for the same entity. LocalData is the incoming payload, RemoteData the
// payload of the record already in flight. ResolvedData is non-nil
// whenever IsResolved is true.
type SyncConflict struct {
	ConflictID         string             `json:"conflictId"`
	SyncID             string             `json:"syncId"`
	UserID             string             `json:"userId"`
	TenantID           string             `json:"tenantId"`
	DeviceID           string             `json:"deviceId"`
	EntityType         string             `json:"entityType"`
	EntityID           string             `json:"entityId"`
	Operation          SyncOperation      `json:"operation"`
	LocalData          json.RawMessage    `json:"localData,omitempty"`
	RemoteData         json.RawMessage    `json:"remoteData,omitempty"`
	Diff               string             `json:"diff,omitempty"`
	ResolutionStrategy ResolutionStrategy `json:"resolutionStrategy,omitempty"`
	ResolvedData       json.RawMessage    `json:"resolvedData,omitempty"`
	ResolvedBy         string             `json:"resolvedBy,omitempty"`
	ResolvedAt         *time.Time         `json:"resolvedAt,omitempty"`
	IsResolved         bool               `json:"isResolved"`
	DetectedAt         time.Time          `json:"detectedAt"`
}
