package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// maxLiveRecipients caps the fan-out of a send_message frame.
const maxLiveRecipients = 500

type session struct {
	connectionID string
	principal    models.Principal
}

type handlerFunc func(ctx context.Context, s session, data gjson.Result) error

func (r *Registry) inboundHandlers() map[FrameType]handlerFunc {
	return map[FrameType]handlerFunc{
		FramePing:            r.handlePing,
		FrameSubscribe:       r.handleSubscription(FrameSubscribe, r.Subscribe),
		FrameUnsubscribe:     r.handleSubscription(FrameUnsubscribe, r.Unsubscribe),
		FrameSendMessage:     r.handleSendMessage,
		FrameTypingIndicator: r.handleTyping,
	}
}

// Dispatch handles one inbound frame from a connection. Malformed and
// unknown frames are answered with an error frame; nothing here returns
// an error to the session loop.
func (r *Registry) Dispatch(ctx context.Context, raw []byte, connectionID string, p models.Principal) {
	r.touch(connectionID)

	if !gjson.ValidBytes(raw) {
		r.replyError(ctx, connectionID, "invalid_frame", "frame is not valid JSON")
		return
	}

	typ := FrameType(gjson.GetBytes(raw, "type").Str)

	h, ok := r.handlers[typ]
	if !ok {
		r.logger.Debug("unknown frame type",
			slog.String("connection_id", connectionID),
			slog.String("type", string(typ)),
		)
		r.replyError(ctx, connectionID, "unknown_type", fmt.Sprintf("unknown frame type %q", typ))

		return
	}

	err := h(ctx, session{connectionID: connectionID, principal: p}, gjson.GetBytes(raw, "data"))
	if err != nil {
		code := "internal_error"
		if errors.Is(err, apperrors.ErrValidation) {
			code = "validation_error"
		}

		r.replyError(ctx, connectionID, code, err.Error())
	}
}

func (r *Registry) replyError(ctx context.Context, connectionID, code, msg string) {
	r.SendToConnection(ctx, connectionID, r.frame(FrameError, errorFrame{Code: code, Message: msg}))
}

func (r *Registry) handlePing(ctx context.Context, s session, _ gjson.Result) error {
	r.SendToConnection(ctx, s.connectionID, r.frame(FramePong, nil))
	return nil
}

func (r *Registry) handleSubscription(action FrameType, apply func(connectionID, topic string) error) handlerFunc {
	return func(ctx context.Context, s session, data gjson.Result) error {
		topic := data.Get("topic").Str

		res := subscriptionResult{Topic: topic, Action: action, Success: true}

		if err := apply(s.connectionID, topic); err != nil {
			res.Success = false
			res.Error = err.Error()
		} else if canonical, err := NormalizeTopic(topic); err == nil {
			res.Topic = canonical
		}

		r.SendToConnection(ctx, s.connectionID, r.frame(FrameSubscriptionResult, res))

		return nil
	}
}

func (r *Registry) handleSendMessage(ctx context.Context, s session, data gjson.Result) error {
	content := data.Get("content").Str
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("content is required: %w", apperrors.ErrValidation)
	}

	var recipients []string

	seen := make(map[string]struct{})

	for _, v := range data.Get("recipientIds").Array() {
		id := v.Str
		if id == "" {
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}

	if len(recipients) == 0 {
		return fmt.Errorf("recipientIds is required: %w", apperrors.ErrValidation)
	}

	if len(recipients) > maxLiveRecipients {
		return fmt.Errorf("at most %d recipients: %w", maxLiveRecipients, apperrors.ErrValidation)
	}

	msgType := data.Get("messageType").Str
	if msgType == "" {
		msgType = string(models.MessageChat)
	}

	if !models.MessageType(msgType).Valid() {
		return fmt.Errorf("unknown message type %q: %w", msgType, apperrors.ErrValidation)
	}

	msg := liveMessage{
		MessageID:   uuid.NewString(),
		MessageType: msgType,
		SenderID:    s.principal.UserID,
		TenantID:    s.principal.TenantID,
		Content:     content,
		ThreadID:    data.Get("threadId").Str,
		CreatedAt:   r.now(),
	}

	f := r.frame(FrameNewMessage, msg)
	delivered := 0

	for _, id := range recipients {
		delivered += r.SendToUser(ctx, s.principal.TenantID, id, f).Delivered
	}

	r.SendToConnection(ctx, s.connectionID, r.frame(FrameMessageSent, messageSent{
		MessageID:  msg.MessageID,
		Recipients: len(recipients),
		Delivered:  delivered,
	}))

	return nil
}

func (r *Registry) handleTyping(ctx context.Context, s session, data gjson.Result) error {
	threadID := data.Get("threadId").Str
	if threadID == "" {
		return fmt.Errorf("threadId is required: %w", apperrors.ErrValidation)
	}

	isTyping := true
	if v := data.Get("isTyping"); v.Exists() {
		isTyping = v.Bool()
	}

	r.sendToTopic(ctx, s.principal.TenantID, "thread_"+threadID, s.connectionID, r.frame(FrameTypingIndicator, typingIndicator{
		ThreadID: threadID,
		UserID:   s.principal.UserID,
		IsTyping: isTyping,
	}))

	return nil
}

// Serve runs the session of one accepted connection: it registers the
// connection, dispatches every inbound text frame and disconnects when
// the peer goes away or ctx ends.
func (r *Registry) Serve(ctx context.Context, conn Conn, connectionID string, p models.Principal, deviceID string) error {
	id, err := r.Connect(ctx, conn, connectionID, p, deviceID)
	if err != nil {
		return err
	}

	defer r.Disconnect(context.WithoutCancel(ctx), id)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || isNormalClose(err) {
				return nil
			}

			return fmt.Errorf("reading from %s: %w", id, err)
		}

		if typ != websocket.MessageText {
			r.replyError(ctx, id, "invalid_frame", "binary frames are not supported")
			continue
		}

		r.Dispatch(ctx, data, id, p)
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}

	return false
}
