package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func pendingRecord(id, entityID string) *models.SyncRecord {
	return &models.SyncRecord{
		SyncID:     id,
		UserID:     "u1",
		TenantID:   "school-1",
		DeviceID:   "dev-a",
		EntityType: "attendance",
		EntityID:   entityID,
		Operation:  models.OperationUpdate,
		Payload:    json.RawMessage(`{"present":true}`),
		Status:     models.SyncPending,
		Priority:   5,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SyncUpdate(func(tx *SyncTx) error {
		return tx.InsertRecord(pendingRecord("s1", "e1"))
	}))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.SyncView(func(tx *SyncTx) error {
		rec, err := tx.Record("s1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "e1", rec.EntityID)
		return nil
	}))
}

// --- Error classification ---

func TestStoreErr_PassesDomainErrors(t *testing.T) {
	err := storeErr("op", fmt.Errorf("x: %w", apperrors.ErrNotFound))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NotErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

func TestStoreErr_WrapsOtherErrors(t *testing.T) {
	cause := errors.New("disk gone")
	err := storeErr("op", cause)
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestStoreErr_Nil(t *testing.T) {
	assert.NoError(t, storeErr("op", nil))
}

// --- Sync records ---

func TestInsertRecord_AssignsIncreasingSeq(t *testing.T) {
	s := testDB(t)
	a, b := pendingRecord("s1", "e1"), pendingRecord("s2", "e2")

	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error {
		if err := tx.InsertRecord(a); err != nil {
			return err
		}
		return tx.InsertRecord(b)
	}))

	assert.Greater(t, b.Seq, a.Seq)
}

func TestInsertRecord_ClaimsEntity(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error {
		return tx.InsertRecord(pendingRecord("s1", "e1"))
	}))

	require.NoError(t, s.SyncView(func(tx *SyncTx) error {
		holder, err := tx.Inflight("school-1", "attendance", "e1")
		require.NoError(t, err)
		require.NotNil(t, holder)
		assert.Equal(t, "s1", holder.SyncID)

		free, err := tx.Inflight("school-1", "attendance", "e2")
		require.NoError(t, err)
		assert.Nil(t, free)
		return nil
	}))
}

func TestInsertRecord_SecondInflightForEntityRefused(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error {
		return tx.InsertRecord(pendingRecord("s1", "e1"))
	}))

	err := s.SyncUpdate(func(tx *SyncTx) error {
		return tx.InsertRecord(pendingRecord("s2", "e1"))
	})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	require.NoError(t, s.SyncView(func(tx *SyncTx) error {
		rec, err := tx.Record("s2")
		require.NoError(t, err)
		assert.Nil(t, rec)
		return nil
	}))
}

func TestInsertRecord_SameEntityOtherTenantAllowed(t *testing.T) {
	s := testDB(t)
	other := pendingRecord("s2", "e1")
	other.TenantID = "school-2"

	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error {
		if err := tx.InsertRecord(pendingRecord("s1", "e1")); err != nil {
			return err
		}
		return tx.InsertRecord(other)
	}))
}

func TestInsertRecord_ConcurrentOnlyOneWins(t *testing.T) {
	s := testDB(t)

	const n = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.SyncUpdate(func(tx *SyncTx) error {
				return tx.InsertRecord(pendingRecord(fmt.Sprintf("s%d", i), "e1"))
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, apperrors.ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestPutRecord_CompletingReleasesEntity(t *testing.T) {
	s := testDB(t)
	rec := pendingRecord("s1", "e1")
	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error { return tx.InsertRecord(rec) }))

	rec.Status = models.SyncCompleted
	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error { return tx.PutRecord(rec) }))

	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error {
		return tx.InsertRecord(pendingRecord("s2", "e1"))
	}))
}

func TestPutRecord_KeepsSeq(t *testing.T) {
	s := testDB(t)
	rec := pendingRecord("s1", "e1")
	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error { return tx.InsertRecord(rec) }))
	seq := rec.Seq

	changed := *rec
	changed.Seq = 0
	changed.Status = models.SyncProcessing
	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error { return tx.PutRecord(&changed) }))
	assert.Equal(t, seq, changed.Seq)
}

func TestPutRecord_RequeueBlockedByOtherHolder(t *testing.T) {
	s := testDB(t)
	rec := pendingRecord("s1", "e1")
	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error { return tx.InsertRecord(rec) }))

	rec.Status = models.SyncFailed
	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error { return tx.PutRecord(rec) }))
	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error {
		return tx.InsertRecord(pendingRecord("s2", "e1"))
	}))

	rec.Status = models.SyncPending
	err := s.SyncUpdate(func(tx *SyncTx) error { return tx.PutRecord(rec) })
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestPutRecord_Missing(t *testing.T) {
	s := testDB(t)
	err := s.SyncUpdate(func(tx *SyncTx) error { return tx.PutRecord(pendingRecord("nope", "e1")) })
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRecords_Filter(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error {
		for i := range 4 {
			if err := tx.InsertRecord(pendingRecord(fmt.Sprintf("s%d", i), fmt.Sprintf("e%d", i))); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.SyncView(func(tx *SyncTx) error {
		all, err := tx.Records(nil)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		some, err := tx.Records(func(r *models.SyncRecord) bool { return r.EntityID == "e2" })
		require.NoError(t, err)
		require.Len(t, some, 1)
		assert.Equal(t, "s2", some[0].SyncID)
		return nil
	}))
}

func TestConflicts_RoundTripAndRollback(t *testing.T) {
	s := testDB(t)
	c := &models.SyncConflict{ConflictID: "c1", SyncID: "s1", TenantID: "school-1", DetectedAt: t0}

	require.NoError(t, s.SyncUpdate(func(tx *SyncTx) error { return tx.PutConflict(c) }))

	err := s.SyncUpdate(func(tx *SyncTx) error {
		if err := tx.PutConflict(&models.SyncConflict{ConflictID: "c2"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	require.NoError(t, s.SyncView(func(tx *SyncTx) error {
		got, err := tx.Conflict("c1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "s1", got.SyncID)

		gone, err := tx.Conflict("c2")
		require.NoError(t, err)
		assert.Nil(t, gone)

		all, err := tx.Conflicts(nil)
		require.NoError(t, err)
		assert.Len(t, all, 1)
		return nil
	}))
}

// --- Messages and threads ---

func message(id, thread, sender string, at time.Time, recipients ...string) *models.Message {
	return &models.Message{
		MessageID:    id,
		MessageType:  models.MessageChat,
		SenderID:     sender,
		SenderType:   models.SenderUser,
		RecipientIDs: recipients,
		TenantID:     "school-1",
		Content:      "hi",
		ThreadID:     thread,
		CreatedAt:    at,
	}
}

func TestSaveMessage_CreatesAndRecomputesThread(t *testing.T) {
	s := testDB(t)

	th, err := s.SaveMessage(message("m1", "t1", "alice", t0, "bob"))
	require.NoError(t, err)
	require.NotNil(t, th)
	assert.Equal(t, 1, th.MessageCount)
	assert.Equal(t, []string{"alice", "bob"}, th.Participants)

	th, err = s.SaveMessage(message("m2", "t1", "carol", t0.Add(time.Minute), "alice"))
	require.NoError(t, err)
	assert.Equal(t, 2, th.MessageCount)
	assert.Equal(t, []string{"alice", "bob", "carol"}, th.Participants)
	assert.Equal(t, t0, th.CreatedAt)
	assert.Equal(t, t0.Add(time.Minute), th.LastMessageAt)

	stored, err := s.GetThread("t1")
	require.NoError(t, err)
	assert.Equal(t, th, stored)
}

func TestSaveMessage_ThreadPrefixIsolation(t *testing.T) {
	s := testDB(t)
	_, err := s.SaveMessage(message("m1", "t1", "alice", t0, "bob"))
	require.NoError(t, err)

	th, err := s.SaveMessage(message("m2", "t10", "alice", t0, "bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, th.MessageCount)
}

func TestSaveMessage_NoThread(t *testing.T) {
	s := testDB(t)
	th, err := s.SaveMessage(message("m1", "", "alice", t0, "bob"))
	require.NoError(t, err)
	assert.Nil(t, th)
}

func TestSaveMessage_ParentMustExistInTenant(t *testing.T) {
	s := testDB(t)

	child := message("m2", "", "alice", t0, "bob")
	child.ParentMessageID = "missing"
	_, err := s.SaveMessage(child)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	other := message("m1", "", "alice", t0, "bob")
	other.TenantID = "school-2"
	_, err = s.SaveMessage(other)
	require.NoError(t, err)

	child.ParentMessageID = "m1"
	_, err = s.SaveMessage(child)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	got, err := s.GetMessage("m2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveMessage_ThreadOfOtherTenantRefused(t *testing.T) {
	s := testDB(t)
	_, err := s.SaveMessage(message("m1", "t1", "alice", t0, "bob"))
	require.NoError(t, err)

	foreign := message("m2", "t1", "mallory", t0, "bob")
	foreign.TenantID = "school-2"
	_, err = s.SaveMessage(foreign)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestUpdateMessage(t *testing.T) {
	s := testDB(t)
	_, err := s.SaveMessage(message("m1", "", "alice", t0, "bob"))
	require.NoError(t, err)

	got, err := s.UpdateMessage("m1", func(m *models.Message) error {
		m.ReadStatus = map[string]time.Time{"bob": t0}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, t0, got.ReadStatus["bob"])

	_, err = s.UpdateMessage("missing", func(*models.Message) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMessages_Filter(t *testing.T) {
	s := testDB(t)
	_, err := s.SaveMessage(message("m1", "", "alice", t0, "bob"))
	require.NoError(t, err)
	_, err = s.SaveMessage(message("m2", "", "carol", t0, "dave"))
	require.NoError(t, err)

	got, err := s.Messages(func(m *models.Message) bool { return m.SenderID == "carol" })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].MessageID)
}

// --- Notifications ---

func TestNotifications_CRUD(t *testing.T) {
	s := testDB(t)
	n := &models.Notification{NotificationID: "n1", UserID: "u1", Status: models.NotificationPending}
	require.NoError(t, s.PutNotification(n))

	got, err := s.GetNotification("n1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.NotificationPending, got.Status)

	updated, err := s.UpdateNotification("n1", func(n *models.Notification) error {
		n.Status = models.NotificationRead
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.NotificationRead, updated.Status)

	_, err = s.UpdateNotification("nope", func(*models.Notification) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	all, err := s.Notifications(nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	missing, err := s.GetNotification("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// --- Devices ---

func TestUpsertDevice_InsertThenUpdate(t *testing.T) {
	s := testDB(t)

	d, err := s.UpsertDevice("dev-a", func(cur *models.DeviceRegistration) (*models.DeviceRegistration, error) {
		assert.Nil(t, cur)
		return &models.DeviceRegistration{DeviceID: "dev-a", UserID: "u1", Platform: models.PlatformIOS}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", d.UserID)

	d, err = s.UpsertDevice("dev-a", func(cur *models.DeviceRegistration) (*models.DeviceRegistration, error) {
		require.NotNil(t, cur)
		cur.DeviceName = "Phone"
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Phone", d.DeviceName)

	got, err := s.GetDevice("dev-a")
	require.NoError(t, err)
	assert.Equal(t, "Phone", got.DeviceName)
}

func TestUpsertDevice_NilLeavesUntouched(t *testing.T) {
	s := testDB(t)
	d, err := s.UpsertDevice("dev-a", func(*models.DeviceRegistration) (*models.DeviceRegistration, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, d)

	got, err := s.GetDevice("dev-a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDevices_Filter(t *testing.T) {
	s := testDB(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.UpsertDevice(id, func(*models.DeviceRegistration) (*models.DeviceRegistration, error) {
			return &models.DeviceRegistration{DeviceID: id, UserID: "u-" + id}, nil
		})
		require.NoError(t, err)
	}

	got, err := s.Devices(func(d *models.DeviceRegistration) bool { return d.UserID != "u-b" })
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// --- Offline data ---

func offlineEntry(key string, expires time.Time) *models.OfflineData {
	return &models.OfflineData{
		UserID:    "u1",
		DeviceID:  "dev-a",
		CacheKey:  key,
		Data:      json.RawMessage(`{"k":1}`),
		ExpiresAt: expires,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestPutOffline_ReplaceKeepsCreatedAt(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.PutOffline(offlineEntry("timetable", t0.Add(time.Hour))))

	second := offlineEntry("timetable", t0.Add(2*time.Hour))
	second.CreatedAt = t0.Add(time.Minute)
	second.Data = json.RawMessage(`{"k":2}`)
	require.NoError(t, s.PutOffline(second))

	got, err := s.GetOffline("u1", "dev-a", "timetable")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, t0, got.CreatedAt)
	assert.JSONEq(t, `{"k":2}`, string(got.Data))
}

func TestOfflineEntries_PrefixScoped(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.PutOffline(offlineEntry("a", t0)))
	require.NoError(t, s.PutOffline(offlineEntry("b", t0)))

	other := offlineEntry("c", t0)
	other.DeviceID = "dev-ab"
	require.NoError(t, s.PutOffline(other))

	got, err := s.OfflineEntries("u1", "dev-a")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDeleteOffline(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.PutOffline(offlineEntry("a", t0)))

	existed, err := s.DeleteOffline("u1", "dev-a", "a")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.DeleteOffline("u1", "dev-a", "a")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestPurgeOffline(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.PutOffline(offlineEntry("old", t0)))
	require.NoError(t, s.PutOffline(offlineEntry("new", t0.Add(time.Hour))))

	n, err := s.PurgeOffline(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := s.OfflineEntries("u1", "dev-a")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].CacheKey)
}

// --- Entities ---

func TestUpdateEntity_UpsertAndDelete(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.UpdateEntity("school-1", "grade", "g1", func(cur json.RawMessage) (json.RawMessage, error) {
		assert.Nil(t, cur)
		return json.RawMessage(`{"score":90}`), nil
	}))

	got, err := s.Entity("school-1", "grade", "g1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":90}`, string(got))

	require.NoError(t, s.UpdateEntity("school-1", "grade", "g1", func(json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))

	got, err = s.Entity("school-1", "grade", "g1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
