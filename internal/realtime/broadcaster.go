package realtime

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/campus-sync/internal/models"
)

// Broadcaster turns domain events into outbound frames.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
}

// NewBroadcaster creates a Broadcaster over r.
func NewBroadcaster(r *Registry, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{registry: r, logger: logger}
}

// SyncCompleted tells the record owner's connections that a sync record
// was applied.
func (b *Broadcaster) SyncCompleted(ctx context.Context, rec *models.SyncRecord) int {
	return b.registry.SendToUser(ctx, rec.TenantID, rec.UserID, b.registry.frame(FrameSyncCompleted, map[string]any{
		"syncId":     rec.SyncID,
		"deviceId":   rec.DeviceID,
		"entityType": rec.EntityType,
		"entityId":   rec.EntityID,
		"operation":  rec.Operation,
		"syncedAt":   rec.SyncedAt,
	})).Delivered
}

// ConflictDetected tells the conflict owner's connections about a new
// conflict.
func (b *Broadcaster) ConflictDetected(ctx context.Context, c *models.SyncConflict) int {
	return b.registry.SendToUser(ctx, c.TenantID, c.UserID, b.registry.frame(FrameConflictDetected, c)).Delivered
}

// NewMessage fans a message out to its recipients and groups. The group
// "all" addresses the whole tenant; other groups map to the topic
// "group_<name>". It returns the recipient ids reached on at least one
// connection.
func (b *Broadcaster) NewMessage(ctx context.Context, msg *models.Message) []string {
	f := b.registry.frame(FrameNewMessage, msg)

	var reached []string

	for _, id := range msg.RecipientIDs {
		if b.registry.SendToUser(ctx, msg.TenantID, id, f).Delivered > 0 {
			reached = append(reached, id)
		}
	}

	for _, group := range msg.RecipientGroups {
		var d Delivery
		if group == models.GroupAll {
			d = b.registry.SendToTenant(ctx, msg.TenantID, f)
		} else {
			d = b.registry.SendToTopic(ctx, msg.TenantID, "group_"+group, f)
		}

		b.logger.Debug("group fan-out",
			slog.String("message_id", msg.MessageID),
			slog.String("group", group),
			slog.Int("delivered", d.Delivered),
		)
	}

	return reached
}

// Notification pushes a notification to the target user's connections.
func (b *Broadcaster) Notification(ctx context.Context, n *models.Notification) int {
	return b.registry.SendToUser(ctx, n.TenantID, n.UserID, b.registry.frame(FrameNotification, n)).Delivered
}

// Announcement is the payload of a system_announcement frame.
type Announcement struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Severity string `json:"severity,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
}

// SystemAnnouncement sends a to one tenant, or to every connection when
// a.TenantID is empty.
func (b *Broadcaster) SystemAnnouncement(ctx context.Context, a Announcement) int {
	f := b.registry.frame(FrameSystemAnnouncement, a)
	if a.TenantID == "" {
		return b.registry.BroadcastAll(ctx, f).Delivered
	}

	return b.registry.SendToTenant(ctx, a.TenantID, f).Delivered
}
