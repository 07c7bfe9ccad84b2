package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(op models.SyncOperation, entityType, payload string) models.SyncRecord {
	rec := models.SyncRecord{
		SyncID:     "s1",
		UserID:     "42",
		TenantID:   "7",
		EntityType: entityType,
		EntityID:   "E1",
		Operation:  op,
	}
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	return rec
}

// --- StoreApplier ---

func TestStoreApplier_Lifecycle(t *testing.T) {
	h := newHarness(t, nil)
	a := NewStoreApplier(h.state)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, record(models.OperationCreate, "course", `{"title":"Algebra","room":"B2"}`)))

	got, err := h.state.Entity("7", "course", "E1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Algebra","room":"B2"}`, string(got))

	require.NoError(t, a.Apply(ctx, record(models.OperationUpdate, "course", `{"room":null,"seats":30}`)))

	got, err = h.state.Entity("7", "course", "E1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Algebra","seats":30}`, string(got))

	require.NoError(t, a.Apply(ctx, record(models.OperationDelete, "course", "")))

	got, err = h.state.Entity("7", "course", "E1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreApplier_UpdateWithoutEntity(t *testing.T) {
	h := newHarness(t, nil)
	a := NewStoreApplier(h.state)

	require.NoError(t, a.Apply(context.Background(), record(models.OperationUpdate, "course", `{"seats":12}`)))

	got, err := h.state.Entity("7", "course", "E1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"seats":12}`, string(got))
}

func TestMergeObjects_InvalidBase(t *testing.T) {
	_, err := mergeObjects(json.RawMessage(`[1,2]`), json.RawMessage(`{"a":1}`))
	assert.Error(t, err)
}

// --- Router ---

func TestRouter(t *testing.T) {
	var calls []string

	named := func(name string, err error) Applier {
		return ApplierFunc(func(context.Context, models.SyncRecord) error {
			calls = append(calls, name)
			return err
		})
	}

	r := NewRouter(named("fallback", nil))
	r.Handle("grade", named("grades", errors.New("locked")))

	ctx := context.Background()

	err := r.Apply(ctx, record(models.OperationUpdate, "grade", `{}`))
	assert.EqualError(t, err, "locked")
	require.NoError(t, r.Apply(ctx, record(models.OperationUpdate, "attendance", `{}`)))

	assert.Equal(t, []string{"grades", "fallback"}, calls)
}

func TestRouter_NoFallback(t *testing.T) {
	r := NewRouter(nil)

	err := r.Apply(context.Background(), record(models.OperationCreate, "grade", `{}`))
	assert.ErrorContains(t, err, `"grade"`)
}

// --- RetryPolicy ---

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Base: 5 * time.Second, Max: time.Minute}

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{50, time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.retries), "retries=%d", tt.retries)
	}

	assert.Zero(t, RetryPolicy{}.Delay(3))
	assert.Equal(t, 5*time.Minute, DefaultRetryPolicy.Delay(100))
}
