// Package messaging stores chat, announcement and alert messages, keeps
// thread aggregates current and pushes new messages to live recipients.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/state"
	"github.com/google/uuid"
)

const (
	maxContentLen   = 10000
	maxRecipients   = 500
	maxAttachments  = 20
	defaultPageSize = 50
	maxPageSize     = 200
)

// Broadcaster fans a message out to live connections and returns the
// recipient ids it reached.
type Broadcaster interface {
	NewMessage(ctx context.Context, msg *models.Message) []string
}

// Input is a message as submitted by a sender.
type Input struct {
	MessageType     models.MessageType  `json:"messageType"`
	RecipientIDs    []string            `json:"recipientIds"`
	RecipientGroups []string            `json:"recipientGroups"`
	Content         string              `json:"content"`
	Attachments     []models.Attachment `json:"attachments"`
	ThreadID        string              `json:"threadId"`
	ParentMessageID string              `json:"parentMessageId"`
	ScheduledAt     *time.Time          `json:"scheduledAt"`
	ExpiresAt       *time.Time          `json:"expiresAt"`
}

// Filter narrows GetMessages.
type Filter struct {
	ThreadID    string
	MessageType models.MessageType
	Limit       int
	Offset      int
}

// Service implements the messaging operations.
type Service struct {
	state       *state.State
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. broadcaster may be nil, in which case messages
// are only stored.
func New(st *state.State, broadcaster Broadcaster, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		state:       st,
		broadcaster: broadcaster,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), apperrors.ErrValidation)
}

// dedupe trims ids, drops empties and repeats, and keeps first-seen order.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))

	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}

		seen[id] = true
		out = append(out, id)
	}

	return out
}

func (s *Service) validate(p models.Principal, in *Input, now time.Time) error {
	if in.MessageType == "" {
		in.MessageType = models.MessageChat
	}

	if !in.MessageType.Valid() {
		return validationErr("unknown messageType %q", in.MessageType)
	}

	if in.MessageType == models.MessageSystem && !p.IsAdmin() {
		return fmt.Errorf("system messages require the admin role: %w", apperrors.ErrForbidden)
	}

	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" && len(in.Attachments) == 0 {
		return validationErr("content or attachments are required")
	}

	if utf8.RuneCountInString(in.Content) > maxContentLen {
		return validationErr("content exceeds %d characters", maxContentLen)
	}

	if len(in.Attachments) > maxAttachments {
		return validationErr("at most %d attachments", maxAttachments)
	}

	for i, a := range in.Attachments {
		if a.Name == "" || a.URL == "" {
			return validationErr("attachment %d needs a name and url", i)
		}
	}

	in.ThreadID = strings.TrimSpace(in.ThreadID)
	if models.HasControl(in.ThreadID) || models.HasControl(in.ParentMessageID) {
		return validationErr("threadId and parentMessageId must not contain control characters")
	}

	in.RecipientIDs = dedupe(in.RecipientIDs)
	in.RecipientGroups = dedupe(in.RecipientGroups)

	for _, id := range in.RecipientIDs {
		if models.HasControl(id) {
			return validationErr("recipient ids must not contain control characters")
		}
	}

	if len(in.RecipientIDs) == 0 && len(in.RecipientGroups) == 0 {
		return validationErr("at least one recipient or group is required")
	}

	if len(in.RecipientIDs) > maxRecipients {
		return validationErr("at most %d recipients", maxRecipients)
	}

	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return validationErr("expiresAt must be in the future")
	}

	if in.ScheduledAt != nil && in.ExpiresAt != nil && !in.ExpiresAt.After(*in.ScheduledAt) {
		return validationErr("expiresAt must be after scheduledAt")
	}

	return nil
}

// SendMessage validates and stores a message, updating its thread in the
// same transaction. A message without a thread joins its parent's thread
// or starts a new one. Unless scheduled for later the message is fanned
// out immediately; fan-out problems never fail the call.
func (s *Service) SendMessage(ctx context.Context, p models.Principal, in Input) (*models.Message, error) {
	now := s.now()

	if err := s.validate(p, &in, now); err != nil {
		return nil, err
	}

	threadID := strings.TrimSpace(in.ThreadID)

	if threadID == "" && in.ParentMessageID != "" {
		parent, err := s.state.GetMessage(in.ParentMessageID)
		if err != nil {
			return nil, fmt.Errorf("reading parent message: %w", err)
		}

		if parent == nil || parent.TenantID != p.TenantID {
			return nil, validationErr("parent message %s does not exist", in.ParentMessageID)
		}

		threadID = parent.ThreadID
	}

	if threadID == "" {
		threadID = uuid.NewString()
	}

	senderType := models.SenderUser
	if in.MessageType == models.MessageSystem {
		senderType = models.SenderSystem
	}

	msg := &models.Message{
		MessageID:       uuid.NewString(),
		MessageType:     in.MessageType,
		SenderID:        p.UserID,
		SenderType:      senderType,
		RecipientIDs:    in.RecipientIDs,
		RecipientGroups: in.RecipientGroups,
		TenantID:        p.TenantID,
		Content:         in.Content,
		Attachments:     in.Attachments,
		ThreadID:        threadID,
		ParentMessageID: in.ParentMessageID,
		DeliveryStatus:  map[string]time.Time{},
		ReadStatus:      map[string]time.Time{},
		ScheduledAt:     in.ScheduledAt,
		ExpiresAt:       in.ExpiresAt,
		CreatedAt:       now,
	}

	scheduled := msg.ScheduledAt != nil && msg.ScheduledAt.After(now)
	if !scheduled {
		msg.SentAt = &now
	}

	if _, err := s.state.SaveMessage(msg); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	s.logger.Info("message stored",
		slog.String("message_id", msg.MessageID),
		slog.String("thread_id", msg.ThreadID),
		slog.String("sender_id", msg.SenderID),
		slog.Bool("scheduled", scheduled),
	)

	if scheduled {
		return msg, nil
	}

	return s.fanOut(ctx, msg), nil
}

// fanOut pushes msg to live recipients and records who it reached. It
// returns the updated message, or msg itself if recording failed.
func (s *Service) fanOut(ctx context.Context, msg *models.Message) *models.Message {
	if s.broadcaster == nil {
		return msg
	}

	reached := s.broadcaster.NewMessage(ctx, msg)
	if len(reached) == 0 {
		return msg
	}

	at := s.now()

	updated, err := s.state.UpdateMessage(msg.MessageID, func(m *models.Message) error {
		if m.DeliveryStatus == nil {
			m.DeliveryStatus = map[string]time.Time{}
		}

		for _, id := range reached {
			if _, ok := m.DeliveryStatus[id]; !ok {
				m.DeliveryStatus[id] = at
			}
		}

		return nil
	})
	if err != nil {
		s.logger.Warn("recording message delivery",
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()),
		)

		return msg
	}

	return updated
}

// DeliverDue sends scheduled messages whose time has come. Messages that
// expired before their slot are marked sent without fan-out. It returns
// how many messages were fanned out.
func (s *Service) DeliverDue(ctx context.Context) (int, error) {
	now := s.now()

	due, err := s.state.Messages(func(m *models.Message) bool {
		return m.SentAt == nil && m.ScheduledAt != nil && !m.ScheduledAt.After(now)
	})
	if err != nil {
		return 0, fmt.Errorf("listing scheduled messages: %w", err)
	}

	sent := 0

	for i := range due {
		var claimed bool

		msg, err := s.state.UpdateMessage(due[i].MessageID, func(m *models.Message) error {
			if m.SentAt != nil {
				return nil
			}

			claimed = true
			m.SentAt = &now

			return nil
		})
		if err != nil {
			return sent, fmt.Errorf("marking scheduled message sent: %w", err)
		}

		if !claimed || expired(msg, now) {
			continue
		}

		s.fanOut(ctx, msg)
		sent++
	}

	if sent > 0 {
		s.logger.Info("delivered scheduled messages", slog.Int("count", sent))
	}

	return sent, nil
}

// Run calls DeliverDue every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.DeliverDue(ctx); err != nil {
				s.logger.Warn("scheduled message delivery", slog.String("error", err.Error()))
			}
		}
	}
}

func expired(m *models.Message, now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// addressed reports whether userID receives m, directly or through the
// tenant-wide group.
func addressed(m *models.Message, userID string) bool {
	return m.HasRecipient(userID) || slices.Contains(m.RecipientGroups, models.GroupAll)
}

// MarkMessageRead records the caller's read receipt. Repeat calls keep
// the first timestamp. The sender may call it too, but only recipients
// get a receipt.
func (s *Service) MarkMessageRead(ctx context.Context, p models.Principal, messageID string) (*models.Message, error) {
	now := s.now()

	msg, err := s.state.UpdateMessage(messageID, func(m *models.Message) error {
		if m.TenantID != p.TenantID {
			return fmt.Errorf("message %s: %w", messageID, apperrors.ErrNotFound)
		}

		isSender := m.SenderID == p.UserID
		if !isSender && !addressed(m, p.UserID) {
			return fmt.Errorf("message %s: %w", messageID, apperrors.ErrNotFound)
		}

		if !addressed(m, p.UserID) {
			return nil
		}

		if m.ReadStatus == nil {
			m.ReadStatus = map[string]time.Time{}
		}

		if _, ok := m.ReadStatus[p.UserID]; !ok {
			m.ReadStatus[p.UserID] = now
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("marking message read: %w", err)
	}

	return msg, nil
}

// GetMessages returns the tenant messages the caller sent or receives,
// newest first. Expired messages are left out, and so are scheduled ones
// not yet sent unless the caller is the sender.
func (s *Service) GetMessages(ctx context.Context, p models.Principal, f Filter) ([]models.Message, error) {
	if f.Offset < 0 {
		return nil, validationErr("offset must not be negative")
	}

	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}

	f.Limit = min(f.Limit, maxPageSize)
	now := s.now()

	msgs, err := s.state.Messages(func(m *models.Message) bool {
		if m.TenantID != p.TenantID || expired(m, now) {
			return false
		}

		if f.ThreadID != "" && m.ThreadID != f.ThreadID {
			return false
		}

		if f.MessageType != "" && m.MessageType != f.MessageType {
			return false
		}

		if m.SenderID == p.UserID {
			return true
		}

		return m.SentAt != nil && addressed(m, p.UserID)
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		}

		return msgs[i].MessageID > msgs[j].MessageID
	})

	if f.Offset >= len(msgs) {
		return []models.Message{}, nil
	}

	msgs = msgs[f.Offset:]
	if len(msgs) > f.Limit {
		msgs = msgs[:f.Limit]
	}

	return msgs, nil
}

// GetThread returns a thread to one of its participants or a tenant admin.
func (s *Service) GetThread(ctx context.Context, p models.Principal, threadID string) (*models.MessageThread, error) {
	thread, err := s.state.GetThread(threadID)
	if err != nil {
		return nil, fmt.Errorf("reading thread: %w", err)
	}

	if thread == nil || thread.TenantID != p.TenantID {
		return nil, fmt.Errorf("thread %s: %w", threadID, apperrors.ErrNotFound)
	}

	if !p.IsAdmin() && !slices.Contains(thread.Participants, p.UserID) {
		return nil, fmt.Errorf("thread %s: %w", threadID, apperrors.ErrNotFound)
	}

	return thread, nil
}
