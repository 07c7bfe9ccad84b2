// Package notify persists push notifications and delivers them to a
// user's registered devices and live connections.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/state"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	maxTitleLen     = 200
	maxBodyLen      = 4000
	defaultPageSize = 50
	maxPageSize     = 200
	deliverTimeout  = 10 * time.Second
)

// Devices lists the devices registered to a user.
type Devices interface {
	UserDevices(ctx context.Context, tenantID, userID string) ([]models.DeviceRegistration, error)
}

// Live pushes a notification frame to the user's open connections and
// returns how many received it.
type Live interface {
	Notification(ctx context.Context, n *models.Notification) int
}

// Input is a notification as submitted by a caller.
type Input struct {
	UserID           string            `json:"userId"`
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	NotificationType string            `json:"notificationType"`
	Data             map[string]string `json:"data"`
	ScheduledAt      *time.Time        `json:"scheduledAt"`
	ExpiresAt        *time.Time        `json:"expiresAt"`
}

// ListFilter narrows ListNotifications.
type ListFilter struct {
	UnreadOnly bool
	Limit      int
}

// Service implements the notification operations.
type Service struct {
	state   *state.State
	devices Devices
	sink    PushSink
	live    Live
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. live may be nil.
func New(st *state.State, devices Devices, sink PushSink, live Live, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		state:   st,
		devices: devices,
		sink:    sink,
		live:    live,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), apperrors.ErrValidation)
}

func validate(in *Input, now time.Time) error {
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		return validationErr("userId is required")
	}

	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" || utf8.RuneCountInString(in.Title) > maxTitleLen {
		return validationErr("title must be 1-%d characters", maxTitleLen)
	}

	if utf8.RuneCountInString(in.Body) > maxBodyLen {
		return validationErr("body exceeds %d characters", maxBodyLen)
	}

	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return validationErr("expiresAt must be in the future")
	}

	return nil
}

// SendNotification stores a notification for a user of the caller's
// tenant and, unless it is scheduled for later, delivers it at once.
// Delivery problems are recorded on the notification, never returned.
func (s *Service) SendNotification(ctx context.Context, p models.Principal, in Input) (*models.Notification, error) {
	now := s.now()

	if err := validate(&in, now); err != nil {
		return nil, err
	}

	n := &models.Notification{
		NotificationID:   uuid.NewString(),
		UserID:           in.UserID,
		TenantID:         p.TenantID,
		Title:            in.Title,
		Body:             in.Body,
		NotificationType: in.NotificationType,
		Data:             in.Data,
		Status:           models.NotificationSending,
		ScheduledAt:      in.ScheduledAt,
		ExpiresAt:        in.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	scheduled := n.ScheduledAt != nil && n.ScheduledAt.After(now)
	if scheduled {
		n.Status = models.NotificationPending
	}

	// Immediate notifications are stored already claimed so the
	// scheduler never picks them up.
	if err := s.state.PutNotification(n); err != nil {
		return nil, fmt.Errorf("storing notification: %w", err)
	}

	if scheduled {
		s.logger.Info("notification scheduled",
			slog.String("notification_id", n.NotificationID),
			slog.Time("scheduled_at", *n.ScheduledAt),
		)

		return n, nil
	}

	return s.deliver(ctx, n)
}

type target struct {
	deviceID string
	platform models.Platform
	channel  string
	token    string
}

// targets lists one entry per push token on the user's active,
// push-enabled devices.
func targets(devices []models.DeviceRegistration) []target {
	var out []target

	for _, d := range devices {
		if !d.IsActive || !d.PushEnabled {
			continue
		}

		for _, tok := range []struct{ channel, token string }{
			{models.ChannelFCM, d.FCMToken},
			{models.ChannelAPNs, d.APNsToken},
			{models.ChannelWebPush, d.WebPushEndpoint},
		} {
			if tok.token != "" {
				out = append(out, target{deviceID: d.DeviceID, platform: d.Platform, channel: tok.channel, token: tok.token})
			}
		}
	}

	return out
}

// deliver pushes n over every channel and stores the outcome.
func (s *Service) deliver(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	var (
		results []models.DeliveryResult
		tokens  []string
	)

	devices, err := s.devices.UserDevices(ctx, n.TenantID, n.UserID)
	if err != nil {
		results = append(results, models.DeliveryResult{
			Channel: "devices",
			Reason:  fmt.Errorf("%w: listing devices: %v", apperrors.ErrDeliveryFailed, err).Error(),
		})
	}

	pushTargets := targets(devices)
	pushResults := make([]models.DeliveryResult, len(pushTargets))

	var g errgroup.Group

	for i, t := range pushTargets {
		tokens = append(tokens, t.token)

		g.Go(func() error {
			pushResults[i] = s.push(ctx, t, n)
			return nil
		})
	}

	_ = g.Wait()

	results = append(results, pushResults...)

	if s.live != nil {
		live := models.DeliveryResult{Channel: models.ChannelLive, Succeeded: s.live.Notification(ctx, n) > 0}
		if !live.Succeeded {
			live.Reason = "no live connection"
		}

		results = append(results, live)
	}

	now := s.now()

	var reasons []string

	succeeded := false

	for _, r := range results {
		if r.Succeeded {
			succeeded = true
		} else if r.Reason != "" {
			reasons = append(reasons, r.Channel+": "+r.Reason)
		}
	}

	out, err := s.state.UpdateNotification(n.NotificationID, func(cur *models.Notification) error {
		cur.DeliveryAttempts++
		cur.DeliveryResults = results
		cur.DeviceTokens = tokens
		cur.UpdatedAt = now

		switch {
		case cur.Status != models.NotificationSending:
			// Read while delivery was in flight.
			if succeeded {
				cur.SentAt = &now
			}
		case succeeded:
			cur.Status = models.NotificationSent
			cur.SentAt = &now
			cur.LastError = ""
		default:
			cur.Status = models.NotificationFailed
			cur.LastError = strings.Join(reasons, "; ")
			if cur.LastError == "" {
				cur.LastError = "no delivery channel available"
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording notification delivery: %w", err)
	}

	s.logger.Info("notification delivered",
		slog.String("notification_id", out.NotificationID),
		slog.String("user_id", out.UserID),
		slog.String("status", string(out.Status)),
		slog.Int("channels", len(results)),
	)

	return out, nil
}

// push calls the sink for one target, turning errors and panics into a
// failed DeliveryResult.
func (s *Service) push(ctx context.Context, t target, n *models.Notification) (res models.DeliveryResult) {
	res = models.DeliveryResult{DeviceID: t.deviceID, Channel: t.channel}

	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("push sink panicked",
				slog.String("device_id", t.deviceID),
				slog.String("channel", t.channel),
				slog.Any("panic", v),
			)

			res.Succeeded = false
			res.Reason = fmt.Sprintf("%v: sink panicked: %v", apperrors.ErrDeliveryFailed, v)
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	if err := s.sink.Deliver(dctx, t.channel, t.token, t.platform, n); err != nil {
		res.Reason = fmt.Errorf("%w: %w", apperrors.ErrDeliveryFailed, err).Error()
		return res
	}

	res.Succeeded = true

	return res
}

// DeliverDue delivers pending notifications whose scheduled time has
// passed. Notifications that expired first are marked failed instead. It
// returns how many notifications were attempted.
func (s *Service) DeliverDue(ctx context.Context) (int, error) {
	now := s.now()

	due, err := s.state.Notifications(func(n *models.Notification) bool {
		return n.Status == models.NotificationPending && n.ScheduledAt != nil && !n.ScheduledAt.After(now)
	})
	if err != nil {
		return 0, fmt.Errorf("listing due notifications: %w", err)
	}

	attempted := 0

	for i := range due {
		var claimed, expired bool

		n, err := s.state.UpdateNotification(due[i].NotificationID, func(cur *models.Notification) error {
			if cur.Status != models.NotificationPending {
				return nil
			}

			claimed = true
			cur.UpdatedAt = now

			if cur.ExpiresAt != nil && !now.Before(*cur.ExpiresAt) {
				expired = true
				cur.Status = models.NotificationFailed
				cur.LastError = "expired before delivery"

				return nil
			}

			cur.Status = models.NotificationSending

			return nil
		})
		if err != nil {
			return attempted, fmt.Errorf("claiming notification: %w", err)
		}

		if !claimed || expired {
			continue
		}

		if _, err := s.deliver(ctx, n); err != nil {
			return attempted, err
		}

		attempted++
	}

	return attempted, nil
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
			n, err := s.DeliverDue(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("scheduled notification delivery", slog.String("error", err.Error()))
			}

			if n > 0 {
				s.logger.Info("delivered scheduled notifications", slog.Int("count", n))
			}
		}
	}
}

// ListNotifications returns the caller's notifications, newest first.
// Notifications scheduled for later are not listed.
func (s *Service) ListNotifications(ctx context.Context, p models.Principal, f ListFilter) ([]models.Notification, error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}

	f.Limit = min(f.Limit, maxPageSize)
	now := s.now()

	out, err := s.state.Notifications(func(n *models.Notification) bool {
		if !p.Owns(n.UserID, n.TenantID) {
			return false
		}

		if n.ScheduledAt != nil && n.ScheduledAt.After(now) {
			return false
		}

		return !f.UnreadOnly || n.ReadAt == nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}

		return out[i].NotificationID > out[j].NotificationID
	})

	if len(out) > f.Limit {
		out = out[:f.Limit]
	}

	if out == nil {
		out = []models.Notification{}
	}

	return out, nil
}

// MarkNotificationRead marks one of the caller's notifications read.
// Repeat calls keep the first timestamp.
func (s *Service) MarkNotificationRead(ctx context.Context, p models.Principal, notificationID string) (*models.Notification, error) {
	now := s.now()

	n, err := s.state.UpdateNotification(notificationID, func(cur *models.Notification) error {
		if !p.Owns(cur.UserID, cur.TenantID) {
			return fmt.Errorf("notification %s: %w", notificationID, apperrors.ErrNotFound)
		}

		if cur.ReadAt != nil {
			return nil
		}

		cur.ReadAt = &now
		cur.Status = models.NotificationRead
		cur.UpdatedAt = now

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("marking notification read: %w", err)
	}

	return n, nil
}
