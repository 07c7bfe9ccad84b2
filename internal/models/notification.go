package models

import "time"

// NotificationStatus is the delivery state of a Notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	// NotificationSending marks a notification claimed for delivery.
	NotificationSending   NotificationStatus = "sending"
	NotificationSent      NotificationStatus = "sent"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationRead      NotificationStatus = "read"
	NotificationFailed    NotificationStatus = "failed"
)

// Delivery channels.
const (
	ChannelFCM     = "fcm"
	ChannelAPNs    = "apns"
	ChannelWebPush = "webpush"
	ChannelLive    = "live"
)

// DeliveryResult is the outcome of one delivery attempt over one channel.
type DeliveryResult struct {
	DeviceID     string `json:"deviceId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Channel      string `json:"channel"`
	Succeeded    bool   `json:"succeeded"`
	Reason       string `json:"reason,omitempty"`
}

// Notification is a push intent for one user.
type Notification struct {
	NotificationID   string             `json:"notificationId"`
	UserID           string             `json:"userId"`
	TenantID         string             `json:"tenantId"`
	Title            string             `json:"title"`
	Body             string             `json:"body"`
	NotificationType string             `json:"notificationType,omitempty"`
	Data             map[string]string  `json:"data,omitempty"`
	DeviceTokens     []string           `json:"deviceTokens,omitempty"`
	Status           NotificationStatus `json:"status"`
	DeliveryAttempts int                `json:"deliveryAttempts"`
	DeliveryResults  []DeliveryResult   `json:"deliveryResults,omitempty"`
	LastError        string             `json:"lastError,omitempty"`
	ScheduledAt      *time.Time         `json:"scheduledAt,omitempty"`
	ExpiresAt        *time.Time         `json:"expiresAt,omitempty"`
	SentAt           *time.Time         `json:"sentAt,omitempty"`
	ReadAt           *time.Time         `json:"readAt,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}
