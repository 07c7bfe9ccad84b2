package realtime

import (
	"encoding/json"
	"time"
)

// FrameType names a frame on the persistent connection. The set is
// closed: inbound kinds each have exactly one handler in Dispatch.
type FrameType string

// Inbound frame kinds.
const (
	FramePing            FrameType = "ping"
	FrameSubscribe       FrameType = "subscribe"
	FrameUnsubscribe     FrameType = "unsubscribe"
	FrameSendMessage     FrameType = "send_message"
	FrameTypingIndicator FrameType = "typing_indicator"
)

// Outbound frame kinds. FrameTypingIndicator is relayed as is.
const (
	FramePong                  FrameType = "pong"
	FrameConnectionEstablished FrameType = "connection_established"
	FrameSubscriptionResult    FrameType = "subscription_result"
	FrameNewMessage            FrameType = "new_message"
	FrameMessageSent           FrameType = "message_sent"
	FrameNotification          FrameType = "notification"
	FrameSystemAnnouncement    FrameType = "system_announcement"
	FrameSyncCompleted         FrameType = "sync_completed"
	FrameConflictDetected      FrameType = "conflict_detected"
	FrameError                 FrameType = "error"
)

// InboundFrameTypes lists every frame kind a client may send.
var InboundFrameTypes = []FrameType{
	FramePing,
	FrameSubscribe,
	FrameUnsubscribe,
	FrameSendMessage,
	FrameTypingIndicator,
}

// Frame is the envelope of every message on the connection.
type Frame struct {
	Type      FrameType `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (f Frame) encode() ([]byte, error) {
	return json.Marshal(f)
}

type connectionEstablished struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	TenantID     string `json:"tenantId"`
}

type subscriptionResult struct {
	Topic   string    `json:"topic"`
	Action  FrameType `json:"action"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// liveMessage is the payload of a new_message frame sent straight from a
// connection without being persisted.
type liveMessage struct {
	MessageID   string    `json:"messageId"`
	MessageType string    `json:"messageType"`
	SenderID    string    `json:"senderId"`
	TenantID    string    `json:"tenantId"`
	Content     string    `json:"content"`
	ThreadID    string    `json:"threadId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Persisted   bool      `json:"persisted"`
}

type messageSent struct {
	MessageID  string `json:"messageId"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
}

type typingIndicator struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
