package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var (
	t0      = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	alice   = models.Principal{UserID: "alice", TenantID: "school-1", Role: "teacher"}
	bob     = models.Principal{UserID: "bob", TenantID: "school-1", Role: "student"}
	carol   = models.Principal{UserID: "carol", TenantID: "school-1", Role: "student"}
	outside = models.Principal{UserID: "olga", TenantID: "school-2", Role: "student"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRegistry(t *testing.T, opts ...Option) (*Registry, *clock) {
	t.Helper()
	clk := &clock{now: t0}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	r := New(Config{SendTimeout: 50 * time.Millisecond, HeartbeatTimeout: time.Minute}, testLogger(), opts...)
	return r, clk
}

type rawFrame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// sink collects the frames written to a mock transport.
type sink struct {
	mu     sync.Mutex
	frames []rawFrame
}

func (s *sink) record(p []byte) {
	var f rawFrame
	_ = json.Unmarshal(p, &f)
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *sink) types() []FrameType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FrameType, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f.Type)
	}
	return out
}

func (s *sink) last(t *testing.T) rawFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.frames)
	return s.frames[len(s.frames)-1]
}

func (s *sink) count(typ FrameType) int {
	n := 0
	for _, ft := range s.types() {
		if ft == typ {
			n++
		}
	}
	return n
}

func recordingTransport(ctrl *gomock.Controller) (*MockTransport, *sink) {
	tr := NewMockTransport(ctrl)
	s := &sink{}
	tr.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, p []byte) error {
			s.record(p)
			return nil
		}).AnyTimes()
	return tr, s
}

func connect(t *testing.T, r *Registry, ctrl *gomock.Controller, id string, p models.Principal, deviceID string) *sink {
	t.Helper()
	tr, s := recordingTransport(ctrl)
	got, err := r.Connect(context.Background(), tr, id, p, deviceID)
	require.NoError(t, err)
	require.Equal(t, id, got)
	return s
}

// brokenTransport accepts the greeting and fails every later write.
func brokenTransport(ctrl *gomock.Controller) *MockTransport {
	tr := NewMockTransport(ctrl)
	tr.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil).Times(1)
	tr.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(errors.New("broken pipe")).AnyTimes()
	tr.EXPECT().CloseNow().Return(nil).Times(1)
	return tr
}

// --- Connect / Disconnect ---

func TestConnect_GreetsAndIndexes(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)

	s := connect(t, r, ctrl, "c1", alice, "dev-a")

	f := s.last(t)
	assert.Equal(t, FrameConnectionEstablished, f.Type)
	assert.JSONEq(t, `{"connectionId":"c1","userId":"alice","tenantId":"school-1"}`, string(f.Data))

	st := r.Stats()
	assert.Equal(t, 1, st.TotalConnections)
	assert.Equal(t, []string{"c1"}, st.Users["school-1/alice"])
	assert.Equal(t, []string{"c1"}, st.Tenants["school-1"])
	assert.True(t, r.IsOnline("school-1", "alice"))
}

func TestConnect_GeneratesID(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	tr, _ := recordingTransport(ctrl)

	id, err := r.Connect(context.Background(), tr, "", alice, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestConnect_DuplicateID(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	connect(t, r, ctrl, "c1", alice, "")

	tr := NewMockTransport(ctrl)
	_, err := r.Connect(context.Background(), tr, "c1", bob, "")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestConnect_GreetingFailureRemoves(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)

	tr := NewMockTransport(ctrl)
	tr.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("reset"))
	tr.EXPECT().CloseNow().Return(nil)

	_, err := r.Connect(context.Background(), tr, "c1", alice, "")
	require.Error(t, err)
	assert.Equal(t, 0, r.Stats().TotalConnections)
}

func TestConnect_MarksDeviceOnline(t *testing.T) {
	ctrl := gomock.NewController(t)
	presence := NewMockPresenceTracker(ctrl)
	r, _ := testRegistry(t, WithPresence(presence))

	presence.EXPECT().SetOnline(gomock.Any(), "dev-a", true).Return(nil).Times(2)
	connect(t, r, ctrl, "c1", alice, "dev-a")
	connect(t, r, ctrl, "c2", alice, "dev-a")

	// Only the last connection of the device takes it offline.
	r.Disconnect(context.Background(), "c1")
	presence.EXPECT().SetOnline(gomock.Any(), "dev-a", false).Return(nil).Times(1)
	r.Disconnect(context.Background(), "c2")
}

func TestConnect_PresenceErrorIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	presence := NewMockPresenceTracker(ctrl)
	r, _ := testRegistry(t, WithPresence(presence))

	presence.EXPECT().SetOnline(gomock.Any(), "dev-a", true).Return(errors.New("store down"))
	connect(t, r, ctrl, "c1", alice, "dev-a")
}

func TestDisconnect_IdempotentAndPrunes(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	connect(t, r, ctrl, "c1", alice, "")
	require.NoError(t, r.Subscribe("c1", "thread_1"))

	r.Disconnect(context.Background(), "c1")
	r.Disconnect(context.Background(), "c1")
	r.Disconnect(context.Background(), "never-existed")

	st := r.Stats()
	assert.Equal(t, 0, st.TotalConnections)
	assert.Empty(t, st.Users)
	assert.Empty(t, st.Tenants)
	assert.Empty(t, st.Topics)
}

// --- Subscribe / Unsubscribe ---

func TestSubscribe_TopicLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	connect(t, r, ctrl, "c1", alice, "")
	connect(t, r, ctrl, "c2", bob, "")

	require.NoError(t, r.Subscribe("c1", "grade5"))
	require.NoError(t, r.Subscribe("c2", "grade5"))
	assert.Equal(t, []string{"c1", "c2"}, r.Stats().Topics["school-1/grade5"])

	require.NoError(t, r.Unsubscribe("c1", "grade5"))
	assert.Equal(t, []string{"c2"}, r.Stats().Topics["school-1/grade5"])

	require.NoError(t, r.Unsubscribe("c2", "grade5"))
	_, exists := r.Stats().Topics["school-1/grade5"]
	assert.False(t, exists)
}

func TestSubscribe_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	connect(t, r, ctrl, "c1", alice, "")

	assert.ErrorIs(t, r.Subscribe("c1", "  "), apperrors.ErrValidation)
	assert.ErrorIs(t, r.Subscribe("c1", string(make([]byte, maxTopicLen+1))), apperrors.ErrValidation)
	assert.ErrorIs(t, r.Subscribe("missing", "t"), apperrors.ErrNotFound)
}

func TestSubscribe_NormalizesTopic(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	connect(t, r, ctrl, "c1", alice, "")

	require.NoError(t, r.Subscribe("c1", "cafe\u0301"))
	assert.Contains(t, r.Stats().Topics, "school-1/caf\u00e9")

	require.NoError(t, r.Unsubscribe("c1", "caf\u00e9"))
	assert.Empty(t, r.Stats().Topics)
}

func TestTopics_TenantScoped(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	s1 := connect(t, r, ctrl, "c1", alice, "")
	s2 := connect(t, r, ctrl, "c2", outside, "")
	require.NoError(t, r.Subscribe("c1", "group_staff"))
	require.NoError(t, r.Subscribe("c2", "group_staff"))

	d := r.SendToTopic(context.Background(), "school-1", "group_staff", r.frame(FrameNotification, nil))
	assert.Equal(t, 1, d.Delivered)
	assert.Equal(t, 1, s1.count(FrameNotification))
	assert.Equal(t, 0, s2.count(FrameNotification))
}

func TestTenantStats(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	connect(t, r, ctrl, "c1", alice, "")
	connect(t, r, ctrl, "c2", bob, "")
	connect(t, r, ctrl, "c3", outside, "")
	require.NoError(t, r.Subscribe("c1", "group_staff"))
	require.NoError(t, r.Subscribe("c3", "group_staff"))

	st := r.TenantStats("school-1")
	assert.Equal(t, 2, st.TotalConnections)
	assert.Equal(t, map[string][]string{"school-1": {"c1", "c2"}}, st.Tenants)
	assert.Len(t, st.Users, 2)
	assert.Equal(t, map[string][]string{"school-1/group_staff": {"c1"}}, st.Topics)

	empty := r.TenantStats("school-9")
	assert.Zero(t, empty.TotalConnections)
	assert.Empty(t, empty.Tenants)
}

// --- Fan-out ---

func TestSendToTopic_SelfHealing(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	ctx := context.Background()

	s1 := connect(t, r, ctrl, "c1", alice, "")
	s3 := connect(t, r, ctrl, "c3", carol, "")

	_, err := r.Connect(ctx, brokenTransport(ctrl), "c2", bob, "")
	require.NoError(t, err)

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, r.Subscribe(id, "T"))
	}

	d := r.SendToTopic(ctx, "school-1", "T", r.frame(FrameSystemAnnouncement, Announcement{Title: "hi"}))
	assert.Equal(t, 3, d.Attempted)
	assert.Equal(t, 2, d.Delivered)
	require.Len(t, d.Failures, 1)
	assert.Equal(t, "c2", d.Failures[0].ConnectionID)
	assert.Equal(t, models.ChannelLive, d.Failures[0].Channel)
	assert.Contains(t, d.Failures[0].Reason, "broken pipe")

	assert.Equal(t, 1, s1.count(FrameSystemAnnouncement))
	assert.Equal(t, 1, s3.count(FrameSystemAnnouncement))

	st := r.Stats()
	assert.Equal(t, []string{"c1", "c3"}, st.Topics["school-1/T"])
	_, bobListed := st.Users["school-1/bob"]
	assert.False(t, bobListed)
	assert.Equal(t, 2, st.TotalConnections)
}

func TestSend_SlowTargetBounded(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	ctx := context.Background()

	fast := connect(t, r, ctrl, "c1", alice, "")

	slow := NewMockTransport(ctrl)
	slow.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	slow.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ websocket.MessageType, _ []byte) error {
			<-ctx.Done()
			return ctx.Err()
		}).Times(1)
	slow.EXPECT().CloseNow().Return(nil)

	_, err := r.Connect(ctx, slow, "c2", alice, "")
	require.NoError(t, err)

	start := time.Now()
	d := r.SendToUser(ctx, "school-1", "alice", r.frame(FramePong, nil))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, 2, d.Attempted)
	assert.Equal(t, 1, d.Delivered)
	assert.Equal(t, 1, fast.count(FramePong))
	assert.Equal(t, 1, r.Stats().TotalConnections)
}

func TestSend_CancelledContextKeepsConnections(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)

	tr := NewMockTransport(ctrl)
	tr.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	tr.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(context.Canceled).Times(1)
	_, err := r.Connect(context.Background(), tr, "c1", alice, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := r.SendToConnection(ctx, "c1", r.frame(FramePong, nil))
	assert.Equal(t, 0, d.Delivered)
	assert.Equal(t, 1, r.Stats().TotalConnections)
}

func TestSend_NoTargets(t *testing.T) {
	r, _ := testRegistry(t)
	d := r.SendToUser(context.Background(), "school-1", "nobody", r.frame(FramePong, nil))
	assert.Equal(t, Delivery{}, d)
}

func TestSendToTenant_And_BroadcastAll(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)
	ctx := context.Background()

	connect(t, r, ctrl, "c1", alice, "")
	connect(t, r, ctrl, "c2", bob, "")
	connect(t, r, ctrl, "c3", outside, "")

	assert.Equal(t, 2, r.SendToTenant(ctx, "school-1", r.frame(FramePong, nil)).Delivered)
	assert.Equal(t, 3, r.BroadcastAll(ctx, r.frame(FramePong, nil)).Delivered)
}

func TestSend_FrameShape(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)

	tr := NewMockTransport(ctrl)
	var payloads [][]byte
	var mu sync.Mutex
	tr.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, p []byte) error {
			mu.Lock()
			payloads = append(payloads, p)
			mu.Unlock()
			return nil
		}).Times(2)

	_, err := r.Connect(context.Background(), tr, "c1", alice, "")
	require.NoError(t, err)
	r.SendToConnection(context.Background(), "c1", r.frame(FramePong, nil))

	require.Len(t, payloads, 2)
	assert.JSONEq(t, `{"type":"pong","timestamp":"2026-03-02T09:00:00Z"}`, string(payloads[1]))
}

// --- Heartbeats ---

func TestSweep_EvictsSilentConnections(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, clk := testRegistry(t)
	ctx := context.Background()

	quiet, _ := recordingTransport(ctrl)
	quiet.EXPECT().CloseNow().Return(nil).Times(1)
	_, err := r.Connect(ctx, quiet, "quiet", alice, "")
	require.NoError(t, err)

	connect(t, r, ctrl, "chatty", bob, "")

	clk.Advance(45 * time.Second)
	r.Dispatch(ctx, []byte(`{"type":"ping"}`), "chatty", bob)

	clk.Advance(10 * time.Second)
	assert.Equal(t, 0, r.Sweep(ctx))

	clk.Advance(20 * time.Second)
	assert.Equal(t, 1, r.Sweep(ctx))
	assert.Equal(t, []string{"chatty"}, r.Stats().Tenants["school-1"])
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := New(Config{SweepInterval: time.Millisecond}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// --- Shutdown ---

func TestShutdown_ClosesEverything(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRegistry(t)

	for _, id := range []string{"c1", "c2"} {
		tr, _ := recordingTransport(ctrl)
		tr.EXPECT().Close(websocket.StatusGoingAway, gomock.Any()).Return(nil).Times(1)
		_, err := r.Connect(context.Background(), tr, id, alice, "")
		require.NoError(t, err)
	}

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 0, r.Stats().TotalConnections)
}
