// Package realtime multiplexes live WebSocket sessions by connection,
// user, tenant and topic, and fans frames out to them.
package realtime

//go:generate mockgen -source=registry.go -destination=mock_transport_test.go -package=realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
)

const maxTopicLen = 128

// Transport is the write side of a live connection. *websocket.Conn
// satisfies it.
type Transport interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// Conn is a full duplex connection served by Serve.
type Conn interface {
	Transport
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

// PresenceTracker records whether a device has a live connection.
type PresenceTracker interface {
	SetOnline(ctx context.Context, deviceID string, online bool) error
}

// Config holds the registry timeouts.
type Config struct {
	// SendTimeout bounds each write to a single connection.
	SendTimeout time.Duration
	// HeartbeatTimeout is how long a connection may stay silent before
	// the sweep evicts it.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often Run looks for silent connections.
	SweepInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}

	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}

	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

type userKey struct {
	tenantID string
	userID   string
}

type topicKey struct {
	tenantID string
	topic    string
}

type entry struct {
	id          string
	userID      string
	tenantID    string
	deviceID    string
	transport   Transport
	subs        map[string]struct{}
	connectedAt time.Time
	lastPing    time.Time
}

type idSet map[string]struct{}

// Registry is the process-local index of live connections. All maps are
// guarded by mu; fan-out works on snapshots taken under the read lock.
type Registry struct {
	cfg      Config
	logger   *slog.Logger
	presence PresenceTracker
	now      func() time.Time
	handlers map[FrameType]handlerFunc

	mu          sync.RWMutex
	connections map[string]*entry
	byUser      map[userKey]idSet
	byTenant    map[string]idSet
	byTopic     map[topicKey]idSet
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPresence reports connects and disconnects to p.
func WithPresence(p PresenceTracker) Option {
	return func(r *Registry) { r.presence = p }
}

// New creates an empty Registry.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	cfg.setDefaults()

	r := &Registry{
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		connections: make(map[string]*entry),
		byUser:      make(map[userKey]idSet),
		byTenant:    make(map[string]idSet),
		byTopic:     make(map[topicKey]idSet),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.handlers = r.inboundHandlers()

	return r
}

func addToSet[K comparable](m map[K]idSet, k K, id string) {
	s, ok := m[k]
	if !ok {
		s = make(idSet)
		m[k] = s
	}

	s[id] = struct{}{}
}

func removeFromSet[K comparable](m map[K]idSet, k K, id string) {
	s, ok := m[k]
	if !ok {
		return
	}

	delete(s, id)

	if len(s) == 0 {
		delete(m, k)
	}
}

// Connect registers a transport under connectionID (a fresh id when
// empty), marks the device online and greets the client with a
// connection_established frame. It returns the connection id.
func (r *Registry) Connect(ctx context.Context, t Transport, connectionID string, p models.Principal, deviceID string) (string, error) {
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	now := r.now()
	e := &entry{
		id:          connectionID,
		userID:      p.UserID,
		tenantID:    p.TenantID,
		deviceID:    deviceID,
		transport:   t,
		subs:        make(map[string]struct{}),
		connectedAt: now,
		lastPing:    now,
	}

	r.mu.Lock()
	if _, exists := r.connections[connectionID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrConflict)
	}

	r.connections[connectionID] = e
	addToSet(r.byUser, userKey{p.TenantID, p.UserID}, connectionID)
	addToSet(r.byTenant, p.TenantID, connectionID)
	r.mu.Unlock()

	r.setPresence(ctx, deviceID, true)

	r.logger.Info("connection established",
		slog.String("connection_id", connectionID),
		slog.String("user_id", p.UserID),
		slog.String("tenant_id", p.TenantID),
		slog.String("device_id", deviceID),
	)

	d := r.SendToConnection(ctx, connectionID, r.frame(FrameConnectionEstablished, connectionEstablished{
		ConnectionID: connectionID,
		UserID:       p.UserID,
		TenantID:     p.TenantID,
	}))
	if d.Delivered == 0 {
		return "", fmt.Errorf("greeting connection %s: %s", connectionID, failureReason(d))
	}

	return connectionID, nil
}

// Disconnect removes a connection from every index. The device goes
// offline once its last connection is gone. Unknown ids are ignored.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) {
	e, lastForDevice := r.remove(connectionID)
	if e == nil {
		return
	}

	if lastForDevice {
		r.setPresence(ctx, e.deviceID, false)
	}

	r.logger.Info("connection closed",
		slog.String("connection_id", connectionID),
		slog.String("user_id", e.userID),
		slog.Duration("duration", r.now().Sub(e.connectedAt)),
	)
}

// remove unindexes a connection. Only the first caller for a given id
// gets the entry back, so cleanup runs once per connection.
func (r *Registry) remove(connectionID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.connections[connectionID]
	if !ok {
		return nil, false
	}

	delete(r.connections, connectionID)
	removeFromSet(r.byUser, userKey{e.tenantID, e.userID}, connectionID)
	removeFromSet(r.byTenant, e.tenantID, connectionID)

	for topic := range e.subs {
		removeFromSet(r.byTopic, topicKey{e.tenantID, topic}, connectionID)
	}

	if e.deviceID == "" {
		return e, false
	}

	for _, other := range r.connections {
		if other.deviceID == e.deviceID {
			return e, false
		}
	}

	return e, true
}

func (r *Registry) setPresence(ctx context.Context, deviceID string, online bool) {
	if r.presence == nil || deviceID == "" {
		return
	}

	if err := r.presence.SetOnline(ctx, deviceID, online); err != nil {
		r.logger.Warn("updating device presence",
			slog.String("device_id", deviceID),
			slog.Bool("online", online),
			slog.String("error", err.Error()),
		)
	}
}

// NormalizeTopic returns the canonical form of a topic name.
func NormalizeTopic(topic string) (string, error) {
	topic = norm.NFC.String(strings.TrimSpace(topic))
	if topic == "" || len(topic) > maxTopicLen {
		return "", fmt.Errorf("topic must be 1-%d bytes: %w", maxTopicLen, apperrors.ErrValidation)
	}

	return topic, nil
}

// Subscribe adds a connection to a topic within its tenant.
func (r *Registry) Subscribe(connectionID, topic string) error {
	topic, err := NormalizeTopic(topic)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.connections[connectionID]
	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrNotFound)
	}

	e.subs[topic] = struct{}{}
	addToSet(r.byTopic, topicKey{e.tenantID, topic}, connectionID)

	return nil
}

// Unsubscribe removes a connection from a topic. The topic disappears
// with its last subscriber.
func (r *Registry) Unsubscribe(connectionID, topic string) error {
	topic, err := NormalizeTopic(topic)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.connections[connectionID]
	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrNotFound)
	}

	delete(e.subs, topic)
	removeFromSet(r.byTopic, topicKey{e.tenantID, topic}, connectionID)

	return nil
}

// touch refreshes the liveness timestamp of a connection.
func (r *Registry) touch(connectionID string) {
	now := r.now()

	r.mu.Lock()
	if e, ok := r.connections[connectionID]; ok {
		e.lastPing = now
	}
	r.mu.Unlock()
}

// Stats is a point-in-time view of the registry. Users and Topics are
// keyed "tenant/user" and "tenant/topic".
type Stats struct {
	TotalConnections int                 `json:"totalConnections"`
	Users            map[string][]string `json:"users"`
	Tenants          map[string][]string `json:"tenants"`
	Topics           map[string][]string `json:"topics"`
}

func sortedIDs(s idSet) []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Stats returns connection ids per user, tenant and topic.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		TotalConnections: len(r.connections),
		Users:            make(map[string][]string, len(r.byUser)),
		Tenants:          make(map[string][]string, len(r.byTenant)),
		Topics:           make(map[string][]string, len(r.byTopic)),
	}

	for k, s := range r.byUser {
		st.Users[k.tenantID+"/"+k.userID] = sortedIDs(s)
	}

	for k, s := range r.byTenant {
		st.Tenants[k] = sortedIDs(s)
	}

	for k, s := range r.byTopic {
		st.Topics[k.tenantID+"/"+k.topic] = sortedIDs(s)
	}

	return st
}

// TenantStats is Stats restricted to one tenant's connections, users
// and topics.
func (r *Registry) TenantStats(tenantID string) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		Users:   make(map[string][]string),
		Tenants: make(map[string][]string, 1),
		Topics:  make(map[string][]string),
	}

	if s := r.byTenant[tenantID]; len(s) > 0 {
		st.TotalConnections = len(s)
		st.Tenants[tenantID] = sortedIDs(s)
	}

	for k, s := range r.byUser {
		if k.tenantID == tenantID {
			st.Users[k.tenantID+"/"+k.userID] = sortedIDs(s)
		}
	}

	for k, s := range r.byTopic {
		if k.tenantID == tenantID {
			st.Topics[k.tenantID+"/"+k.topic] = sortedIDs(s)
		}
	}

	return st
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(tenantID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser[userKey{tenantID, userID}]) > 0
}

// Run evicts connections that have been silent for longer than
// HeartbeatTimeout, every SweepInterval, until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts stale connections once and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.cfg.HeartbeatTimeout)

	r.mu.RLock()

	var stale []string

	for id, e := range r.connections {
		if e.lastPing.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	evicted := 0

	for _, id := range stale {
		if r.drop(ctx, id, "heartbeat timeout") {
			evicted++
		}
	}

	return evicted
}

// drop force-closes and unindexes a connection. It reports whether this
// call did the removal.
func (r *Registry) drop(ctx context.Context, connectionID, reason string) bool {
	e, lastForDevice := r.remove(connectionID)
	if e == nil {
		return false
	}

	_ = e.transport.CloseNow()

	if lastForDevice {
		r.setPresence(ctx, e.deviceID, false)
	}

	r.logger.Warn("connection dropped",
		slog.String("connection_id", connectionID),
		slog.String("user_id", e.userID),
		slog.String("reason", reason),
	)

	return true
}

// Shutdown closes every connection with StatusGoingAway and empties the
// registry. It returns early if ctx expires first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.connections))

	for id := range r.connections {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var g errgroup.Group

	for _, id := range ids {
		e, lastForDevice := r.remove(id)
		if e == nil {
			continue
		}

		if lastForDevice {
			r.setPresence(ctx, e.deviceID, false)
		}

		g.Go(func() error {
			_ = e.transport.Close(websocket.StatusGoingAway, "server shutting down")
			return nil
		})
	}

	done := make(chan struct{})

	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
