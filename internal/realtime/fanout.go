package realtime

import (
	"context"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// Delivery summarises one fan-out. Failures lists the connections that
// could not be written to; they have already been removed.
type Delivery struct {
	Attempted int                     `json:"attempted"`
	Delivered int                     `json:"delivered"`
	Failures  []models.DeliveryResult `json:"failures,omitempty"`
}

func failureReason(d Delivery) string {
	if d.Attempted == 0 {
		return "connection not registered"
	}

	reasons := make([]string, 0, len(d.Failures))
	for _, f := range d.Failures {
		reasons = append(reasons, f.Reason)
	}

	return strings.Join(reasons, "; ")
}

func (r *Registry) frame(typ FrameType, data any) Frame {
	return Frame{Type: typ, Data: data, Timestamp: r.now()}
}

type target struct {
	id        string
	transport Transport
}

// snapshot copies the targets of ids under the read lock.
func (r *Registry) snapshot(pick func() []string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := pick()
	out := make([]target, 0, len(ids))

	for _, id := range ids {
		if e, ok := r.connections[id]; ok {
			out = append(out, target{id: id, transport: e.transport})
		}
	}

	return out
}

func setIDs(s idSet, except string) []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		if id != except {
			ids = append(ids, id)
		}
	}

	return ids
}

// SendToConnection writes f to one connection.
func (r *Registry) SendToConnection(ctx context.Context, connectionID string, f Frame) Delivery {
	return r.send(ctx, r.snapshot(func() []string { return []string{connectionID} }), f)
}

// SendToUser writes f to every connection of a user.
func (r *Registry) SendToUser(ctx context.Context, tenantID, userID string, f Frame) Delivery {
	return r.send(ctx, r.snapshot(func() []string {
		return setIDs(r.byUser[userKey{tenantID, userID}], "")
	}), f)
}

// SendToTenant writes f to every connection of a tenant.
func (r *Registry) SendToTenant(ctx context.Context, tenantID string, f Frame) Delivery {
	return r.send(ctx, r.snapshot(func() []string {
		return setIDs(r.byTenant[tenantID], "")
	}), f)
}

// SendToTopic writes f to every subscriber of a tenant topic.
func (r *Registry) SendToTopic(ctx context.Context, tenantID, topic string, f Frame) Delivery {
	return r.sendToTopic(ctx, tenantID, topic, "", f)
}

func (r *Registry) sendToTopic(ctx context.Context, tenantID, topic, except string, f Frame) Delivery {
	topic, err := NormalizeTopic(topic)
	if err != nil {
		return Delivery{}
	}

	return r.send(ctx, r.snapshot(func() []string {
		return setIDs(r.byTopic[topicKey{tenantID, topic}], except)
	}), f)
}

// BroadcastAll writes f to every live connection.
func (r *Registry) BroadcastAll(ctx context.Context, f Frame) Delivery {
	return r.send(ctx, r.snapshot(func() []string {
		ids := make([]string, 0, len(r.connections))
		for id := range r.connections {
			ids = append(ids, id)
		}

		return ids
	}), f)
}

// send encodes f once and writes it to every target concurrently, each
// write bounded by SendTimeout. Targets whose write fails are dropped
// before send returns, unless ctx itself ended.
func (r *Registry) send(ctx context.Context, targets []target, f Frame) Delivery {
	d := Delivery{Attempted: len(targets)}
	if len(targets) == 0 {
		return d
	}

	data, err := f.encode()
	if err != nil {
		r.logger.Error("encoding frame", slog.String("type", string(f.Type)), slog.String("error", err.Error()))

		for _, t := range targets {
			d.Failures = append(d.Failures, models.DeliveryResult{
				ConnectionID: t.id,
				Channel:      models.ChannelLive,
				Reason:       err.Error(),
			})
		}

		return d
	}

	errs := make([]error, len(targets))

	var g errgroup.Group

	for i, t := range targets {
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
			defer cancel()

			errs[i] = t.transport.Write(wctx, websocket.MessageText, data)

			return nil
		})
	}

	_ = g.Wait()

	for i, err := range errs {
		if err == nil {
			d.Delivered++
			continue
		}

		d.Failures = append(d.Failures, models.DeliveryResult{
			ConnectionID: targets[i].id,
			Channel:      models.ChannelLive,
			Reason:       err.Error(),
		})

		if ctx.Err() == nil {
			r.drop(ctx, targets[i].id, "write failed: "+err.Error())
		}
	}

	return d
}
