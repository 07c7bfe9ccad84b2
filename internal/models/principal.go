// Package models defines the records shared across internal packages.
// JSON tags are the wire format used by the HTTP and WebSocket APIs.
package models

// RoleAdmin grants tenant-wide operator access. Other roles are opaque
// to this service.
const RoleAdmin = "admin"

// Principal is the authenticated caller attached to every request.
type Principal struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
}

// IsAdmin reports whether the principal may act on other users' records
// within its tenant.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Owns reports whether the record identified by userID and tenantID
// belongs to the principal.
func (p Principal) Owns(userID, tenantID string) bool {
	return p.TenantID == tenantID && p.UserID == userID
}

// CanAccess reports whether the principal may read or act on a record
// owned by userID in tenantID: its owner, or an admin of the same tenant.
func (p Principal) CanAccess(userID, tenantID string) bool {
	return p.Owns(userID, tenantID) || (p.TenantID == tenantID && p.IsAdmin())
}
