package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/state"
)

// Applier writes a sync record's mutation to the owning entity. Apply
// must be idempotent: a record may be applied again after a crash.
type Applier interface {
	Apply(ctx context.Context, rec models.SyncRecord) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, rec models.SyncRecord) error

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, rec models.SyncRecord) error {
	return f(ctx, rec)
}

// Router dispatches records to a per-entity-type Applier, falling back
// to a default when no route matches.
type Router struct {
	routes   map[string]Applier
	fallback Applier
}

// NewRouter creates a Router. fallback may be nil, in which case
// unrouted entity types fail to apply.
func NewRouter(fallback Applier) *Router {
	return &Router{routes: make(map[string]Applier), fallback: fallback}
}

// Handle routes records of entityType to a. Not safe to call once the
// router is in use.
func (r *Router) Handle(entityType string, a Applier) {
	r.routes[entityType] = a
}

// Apply implements Applier.
func (r *Router) Apply(ctx context.Context, rec models.SyncRecord) error {
	if a, ok := r.routes[rec.EntityType]; ok {
		return a.Apply(ctx, rec)
	}

	if r.fallback == nil {
		return fmt.Errorf("no applier for entity type %q", rec.EntityType)
	}

	return r.fallback.Apply(ctx, rec)
}

// StoreApplier keeps the latest state of every entity in the state
// database. Creates replace, updates merge top-level fields into the
// current state, deletes remove the entity.
type StoreApplier struct {
	state *state.State
}

// NewStoreApplier creates a StoreApplier over st.
func NewStoreApplier(st *state.State) *StoreApplier {
	return &StoreApplier{state: st}
}

// Apply implements Applier.
func (a *StoreApplier) Apply(ctx context.Context, rec models.SyncRecord) error {
	return a.state.UpdateEntity(rec.TenantID, rec.EntityType, rec.EntityID, func(cur json.RawMessage) (json.RawMessage, error) {
		switch rec.Operation {
		case models.OperationDelete:
			return nil, nil
		case models.OperationCreate:
			return rec.Payload, nil
		case models.OperationUpdate:
			return mergeObjects(cur, rec.Payload)
		}

		return nil, fmt.Errorf("unknown operation %q", rec.Operation)
	})
}

// mergeObjects overlays the top-level fields of patch onto base. A JSON
// null in patch removes the field.
func mergeObjects(base, patch json.RawMessage) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)

	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, fmt.Errorf("decoding current entity: %w", err)
		}
	}

	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil {
		return nil, fmt.Errorf("decoding update payload: %w", err)
	}

	for k, v := range changes {
		if string(v) == "null" {
			delete(fields, k)
			continue
		}

		fields[k] = v
	}

	return json.Marshal(fields)
}
