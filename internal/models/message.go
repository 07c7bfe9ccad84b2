package models

import "time"

// MessageType classifies a message.
type MessageType string

const (
	MessageChat         MessageType = "chat"
	MessageNotification MessageType = "notification"
	MessageAnnouncement MessageType = "announcement"
	MessageAlert        MessageType = "alert"
	MessageSystem       MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageChat, MessageNotification, MessageAnnouncement, MessageAlert, MessageSystem:
		return true
	}
	return false
}

// SenderUser and SenderSystem are the sender types.
const (
	SenderUser   = "user"
	SenderSystem = "system"
)

// GroupAll addresses every member of the sender's tenant.
const GroupAll = "all"

// Attachment references content stored outside this service.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is one communication unit. DeliveryStatus and ReadStatus map
// recipient ids to the time the message reached or was read by them.
type Message struct {
	MessageID       string               `json:"messageId"`
	MessageType     MessageType          `json:"messageType"`
	SenderID        string               `json:"senderId"`
	SenderType      string               `json:"senderType"`
	RecipientIDs    []string             `json:"recipientIds"`
	RecipientGroups []string             `json:"recipientGroups,omitempty"`
	TenantID        string               `json:"tenantId"`
	Content         string               `json:"content"`
	Attachments     []Attachment         `json:"attachments,omitempty"`
	ThreadID        string               `json:"threadId,omitempty"`
	ParentMessageID string               `json:"parentMessageId,omitempty"`
	DeliveryStatus  map[string]time.Time `json:"deliveryStatus"`
	ReadStatus      map[string]time.Time `json:"readStatus"`
	ScheduledAt     *time.Time           `json:"scheduledAt,omitempty"`
	ExpiresAt       *time.Time           `json:"expiresAt,omitempty"`
	SentAt          *time.Time           `json:"sentAt,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
}

// HasRecipient reports whether userID is a listed recipient.
func (m *Message) HasRecipient(userID string) bool {
	for _, id := range m.RecipientIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// MessageThread aggregates the messages sharing a ThreadID.
type MessageThread struct {
	ThreadID      string    `json:"threadId"`
	TenantID      string    `json:"tenantId"`
	Participants  []string  `json:"participants"`
	MessageCount  int       `json:"messageCount"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
