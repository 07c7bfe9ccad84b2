// Package mcpserver registers MCP tools that let tenant operators inspect
// and repair sync state and reach live clients. Every tool acts within the
// tenant of the principal the server was built for.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/realtime"
	"github.com/alexjbarnes/campus-sync/internal/syncengine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Deps holds the services the tools operate on.
type Deps struct {
	Engine      *syncengine.Engine
	Registry    *realtime.Registry
	Broadcaster *realtime.Broadcaster
	// StuckAfter is the requeue_stuck default age.
	StuckAfter time.Duration
	Logger     *slog.Logger
}

// NewServer builds an MCP server whose tools act as operator p.
func NewServer(d Deps, p models.Principal, version string) *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{Name: "campus-sync", Version: version},
		nil,
	)
	RegisterTools(server, d, p)

	return server
}

// RegisterTools adds all operator tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps, p models.Principal) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Summarise one device's sync queue for a user of this tenant: pending, processing and failed counts, unresolved conflicts, last sync time and device presence.",
	}, syncStatusHandler(d, p))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "pending_syncs",
		Description: "List a device's pending and failed sync records in processing order (priority, then age).",
	}, pendingSyncsHandler(d, p))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_conflicts",
		Description: "List sync conflicts in this tenant, newest first. Filter by user, device or unresolved only.",
	}, listConflictsHandler(d, p))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resolve_conflict",
		Description: "Resolve a sync conflict with local_wins, remote_wins or manual. manual requires resolved_data as a JSON document.",
	}, resolveConflictHandler(d, p))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "requeue_stuck",
		Description: "Move sync records left in processing (for example after a crash) back to pending so devices can retry them.",
	}, requeueStuckHandler(d, p))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "connection_stats",
		Description: "Show this tenant's live WebSocket connections grouped by user and topic.",
	}, connectionStatsHandler(d, p))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "announce",
		Description: "Send a system announcement to every live connection in this tenant.",
	}, announceHandler(d, p))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types. Fields without
// omitempty are required.

// DeviceInput identifies one user's device.
type DeviceInput struct {
	UserID   string `json:"user_id" jsonschema:"user id within this tenant"`
	DeviceID string `json:"device_id" jsonschema:"device id"`
}

// PendingSyncsInput holds parameters for pending_syncs.
type PendingSyncsInput struct {
	UserID   string `json:"user_id" jsonschema:"user id within this tenant"`
	DeviceID string `json:"device_id" jsonschema:"device id"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum records, defaults to 100"`
}

// ListConflictsInput holds parameters for list_conflicts.
type ListConflictsInput struct {
	UserID         string `json:"user_id,omitempty" jsonschema:"only conflicts of this user"`
	DeviceID       string `json:"device_id,omitempty" jsonschema:"only conflicts raised by this device"`
	UnresolvedOnly bool   `json:"unresolved_only,omitempty" jsonschema:"skip resolved conflicts"`
}

// ResolveConflictInput holds parameters for resolve_conflict.
type ResolveConflictInput struct {
	ConflictID   string `json:"conflict_id" jsonschema:"conflict id"`
	Strategy     string `json:"strategy" jsonschema:"local_wins, remote_wins or manual"`
	ResolvedData string `json:"resolved_data,omitempty" jsonschema:"JSON document to keep, required for manual"`
}

// RequeueStuckInput holds parameters for requeue_stuck.
type RequeueStuckInput struct {
	OlderThanMinutes int `json:"older_than_minutes,omitempty" jsonschema:"minimum time in processing, defaults to the server setting"`
}

// ConnectionStatsInput has no parameters.
type ConnectionStatsInput struct{}

// AnnounceInput holds parameters for announce.
type AnnounceInput struct {
	Title    string `json:"title" jsonschema:"announcement title"`
	Body     string `json:"body" jsonschema:"announcement text"`
	Severity string `json:"severity,omitempty" jsonschema:"info, warning or critical, defaults to info"`
}

// --- Output types ---
// Times are RFC 3339 strings and payloads JSON text so the inferred
// output schema stays simple.

// SyncStatusOutput is the result of sync_status.
type SyncStatusOutput struct {
	UserID              string `json:"user_id"`
	DeviceID            string `json:"device_id"`
	Pending             int    `json:"pending"`
	Processing          int    `json:"processing"`
	Failed              int    `json:"failed"`
	UnresolvedConflicts int    `json:"unresolved_conflicts"`
	LastSyncedAt        string `json:"last_synced_at,omitempty"`
	DeviceRegistered    bool   `json:"device_registered"`
	SyncEnabled         bool   `json:"sync_enabled"`
	IsOnline            bool   `json:"is_online"`
}

// RecordSummary describes one sync record.
type RecordSummary struct {
	SyncID      string `json:"sync_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	Operation   string `json:"operation"`
	Status      string `json:"status"`
	Priority    int    `json:"priority"`
	RetryCount  int    `json:"retry_count"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
}

// PendingSyncsOutput is the result of pending_syncs.
type PendingSyncsOutput struct {
	Records []RecordSummary `json:"records"`
}

// ConflictSummary describes one conflict.
type ConflictSummary struct {
	ConflictID         string `json:"conflict_id"`
	SyncID             string `json:"sync_id"`
	UserID             string `json:"user_id"`
	DeviceID           string `json:"device_id"`
	EntityType         string `json:"entity_type"`
	EntityID           string `json:"entity_id"`
	Operation          string `json:"operation"`
	LocalData          string `json:"local_data,omitempty"`
	RemoteData         string `json:"remote_data,omitempty"`
	Diff               string `json:"diff,omitempty"`
	IsResolved         bool   `json:"is_resolved"`
	ResolutionStrategy string `json:"resolution_strategy,omitempty"`
	ResolvedData       string `json:"resolved_data,omitempty"`
	ResolvedBy         string `json:"resolved_by,omitempty"`
	DetectedAt         string `json:"detected_at"`
}

// ListConflictsOutput is the result of list_conflicts.
type ListConflictsOutput struct {
	Conflicts []ConflictSummary `json:"conflicts"`
}

// RequeueStuckOutput is the result of requeue_stuck.
type RequeueStuckOutput struct {
	Requeued  int    `json:"requeued"`
	OlderThan string `json:"older_than"`
}

// ConnectionStatsOutput is the result of connection_stats.
type ConnectionStatsOutput struct {
	TotalConnections int                 `json:"total_connections"`
	Users            map[string][]string `json:"users"`
	Topics           map[string][]string `json:"topics"`
}

// AnnounceOutput is the result of announce.
type AnnounceOutput struct {
	Delivered int `json:"delivered"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func summarizeRecord(r *models.SyncRecord) RecordSummary {
	return RecordSummary{
		SyncID:      r.SyncID,
		EntityType:  r.EntityType,
		EntityID:    r.EntityID,
		Operation:   string(r.Operation),
		Status:      string(r.Status),
		Priority:    r.Priority,
		RetryCount:  r.RetryCount,
		LastError:   r.LastError,
		CreatedAt:   formatTime(&r.CreatedAt),
		NextRetryAt: formatTime(r.NextRetryAt),
	}
}

func summarizeConflict(c *models.SyncConflict) ConflictSummary {
	return ConflictSummary{
		ConflictID:         c.ConflictID,
		SyncID:             c.SyncID,
		UserID:             c.UserID,
		DeviceID:           c.DeviceID,
		EntityType:         c.EntityType,
		EntityID:           c.EntityID,
		Operation:          string(c.Operation),
		LocalData:          string(c.LocalData),
		RemoteData:         string(c.RemoteData),
		Diff:               c.Diff,
		IsResolved:         c.IsResolved,
		ResolutionStrategy: string(c.ResolutionStrategy),
		ResolvedData:       string(c.ResolvedData),
		ResolvedBy:         c.ResolvedBy,
		DetectedAt:         formatTime(&c.DetectedAt),
	}
}

// asUser is the principal of a user in the operator's tenant.
func asUser(p models.Principal, userID string) models.Principal {
	return models.Principal{UserID: userID, TenantID: p.TenantID}
}

// --- Handlers ---

func syncStatusHandler(d Deps, p models.Principal) mcp.ToolHandlerFor[DeviceInput, *SyncStatusOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeviceInput) (*mcp.CallToolResult, *SyncStatusOutput, error) {
		st, err := d.Engine.GetSyncStatus(ctx, asUser(p, input.UserID), input.DeviceID)
		if err != nil {
			return nil, nil, err
		}

		out := &SyncStatusOutput{
			UserID:              input.UserID,
			DeviceID:            st.DeviceID,
			Pending:             st.Pending,
			Processing:          st.Processing,
			Failed:              st.Failed,
			UnresolvedConflicts: st.UnresolvedConflicts,
			LastSyncedAt:        formatTime(st.LastSyncedAt),
			DeviceRegistered:    st.DeviceRegistered,
			SyncEnabled:         st.SyncEnabled,
			IsOnline:            st.IsOnline,
		}

		return textResult(out), out, nil
	}
}

func pendingSyncsHandler(d Deps, p models.Principal) mcp.ToolHandlerFor[PendingSyncsInput, *PendingSyncsOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PendingSyncsInput) (*mcp.CallToolResult, *PendingSyncsOutput, error) {
		recs, err := d.Engine.GetPendingSyncs(ctx, asUser(p, input.UserID), input.DeviceID, input.Limit)
		if err != nil {
			return nil, nil, err
		}

		out := &PendingSyncsOutput{Records: make([]RecordSummary, 0, len(recs))}
		for i := range recs {
			out.Records = append(out.Records, summarizeRecord(&recs[i]))
		}

		return textResult(out), out, nil
	}
}

func listConflictsHandler(d Deps, p models.Principal) mcp.ToolHandlerFor[ListConflictsInput, *ListConflictsOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListConflictsInput) (*mcp.CallToolResult, *ListConflictsOutput, error) {
		conflicts, err := d.Engine.ListConflicts(ctx, p, syncengine.ConflictFilter{
			DeviceID:       input.DeviceID,
			UnresolvedOnly: input.UnresolvedOnly,
		})
		if err != nil {
			return nil, nil, err
		}

		out := &ListConflictsOutput{Conflicts: []ConflictSummary{}}

		for i := range conflicts {
			if input.UserID != "" && conflicts[i].UserID != input.UserID {
				continue
			}

			out.Conflicts = append(out.Conflicts, summarizeConflict(&conflicts[i]))
		}

		return textResult(out), out, nil
	}
}

func resolveConflictHandler(d Deps, p models.Principal) mcp.ToolHandlerFor[ResolveConflictInput, *ConflictSummary] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ResolveConflictInput) (*mcp.CallToolResult, *ConflictSummary, error) {
		var data json.RawMessage
		if input.ResolvedData != "" {
			data = json.RawMessage(input.ResolvedData)
		}

		c, err := d.Engine.ResolveConflict(ctx, p, input.ConflictID, models.ResolutionStrategy(input.Strategy), data)
		if err != nil {
			return nil, nil, err
		}

		d.Logger.Info("conflict resolved via mcp",
			slog.String("conflict_id", c.ConflictID),
			slog.String("operator", p.UserID),
		)

		out := summarizeConflict(c)

		return textResult(out), &out, nil
	}
}

func requeueStuckHandler(d Deps, p models.Principal) mcp.ToolHandlerFor[RequeueStuckInput, *RequeueStuckOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RequeueStuckInput) (*mcp.CallToolResult, *RequeueStuckOutput, error) {
		if input.OlderThanMinutes < 0 {
			return nil, nil, fmt.Errorf("older_than_minutes must not be negative")
		}

		olderThan := d.StuckAfter
		if input.OlderThanMinutes > 0 {
			olderThan = time.Duration(input.OlderThanMinutes) * time.Minute
		}

		n, err := d.Engine.RequeueStuck(ctx, p.TenantID, olderThan)
		if err != nil {
			return nil, nil, err
		}

		out := &RequeueStuckOutput{Requeued: n, OlderThan: olderThan.String()}

		return textResult(out), out, nil
	}
}

func connectionStatsHandler(d Deps, p models.Principal) mcp.ToolHandlerFor[ConnectionStatsInput, *ConnectionStatsOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ConnectionStatsInput) (*mcp.CallToolResult, *ConnectionStatsOutput, error) {
		st := d.Registry.TenantStats(p.TenantID)

		out := &ConnectionStatsOutput{
			TotalConnections: st.TotalConnections,
			Users:            st.Users,
			Topics:           st.Topics,
		}

		return textResult(out), out, nil
	}
}

func announceHandler(d Deps, p models.Principal) mcp.ToolHandlerFor[AnnounceInput, *AnnounceOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AnnounceInput) (*mcp.CallToolResult, *AnnounceOutput, error) {
		if input.Title == "" {
			return nil, nil, fmt.Errorf("title is required")
		}

		severity := input.Severity
		if severity == "" {
			severity = "info"
		}

		n := d.Broadcaster.SystemAnnouncement(ctx, realtime.Announcement{
			Title:    input.Title,
			Body:     input.Body,
			Severity: severity,
			TenantID: p.TenantID,
		})

		out := &AnnounceOutput{Delivered: n}

		return textResult(out), out, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
