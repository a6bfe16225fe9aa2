// Package records is the versioned, audit-logged record store. Each collection is a JSON array
// stored under one substrate key. Reads never fail: a substrate or decode error is logged, reported
// to Diagnostics and treated as an empty collection. Writes fail with storage.ErrUnavailable.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/audit"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
)

// Auditor records one entry per successful mutation.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Entity is the pointer constraint for collection element types.
type Entity[T any] interface {
	*T
	Meta() *domain.Base
}

// Deps are shared by every collection in a process.
type Deps struct {
	Store       storage.Store
	Audit       Auditor
	Diagnostics storage.Diagnostics
	Logger      *slog.Logger
	Clock       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Diagnostics == nil {
		d.Diagnostics = storage.NopDiagnostics{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

// Collection stores one entity type.
type Collection[T any, P Entity[T]] struct {
	deps   Deps
	key    string
	tag    string
	entity domain.EntityType
	tracer trace.Tracer
	mu     sync.Mutex
}

// NewCollection returns the collection stored under key whose generated ids start with tag.
func NewCollection[T any, P Entity[T]](deps Deps, key, tag string, entity domain.EntityType) *Collection[T, P] {
	return &Collection[T, P]{
		deps:   deps.withDefaults(),
		key:    key,
		tag:    tag,
		entity: entity,
		tracer: otel.Tracer("tsoam/records"),
	}
}

// Entity returns the entity type stored by the collection.
func (c *Collection[T, P]) Entity() domain.EntityType { return c.entity }

// List returns every record, active or not, in insertion order.
func (c *Collection[T, P]) List(ctx context.Context) []T {
	ctx, span := c.tracer.Start(ctx, "records.list",
		trace.WithAttributes(attribute.String("collection", c.key)))
	defer span.End()

	items, err := c.load(ctx)
	if err != nil {
		span.RecordError(err)
		c.deps.Diagnostics.ReadFailed(c.key, err)
		c.deps.Logger.WarnContext(ctx, "collection read failed", "key", c.key, "error", err)
		return nil
	}
	span.SetAttributes(attribute.Int("record.count", len(items)))
	return items
}

// Active returns the records whose IsActive flag is set.
func (c *Collection[T, P]) Active(ctx context.Context) []T {
	return c.Filter(ctx, func(v *T) bool { return P(v).Meta().IsActive })
}

// Filter returns the records matching pred.
func (c *Collection[T, P]) Filter(ctx context.Context, pred func(*T) bool) []T {
	all := c.List(ctx)
	out := make([]T, 0, len(all))
	for i := range all {
		if pred(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out
}

// Find returns the first record matching pred.
func (c *Collection[T, P]) Find(ctx context.Context, pred func(*T) bool) (T, bool) {
	all := c.List(ctx)
	for i := range all {
		if pred(&all[i]) {
			return all[i], true
		}
	}
	var zero T
	return zero, false
}

// Get returns the record with the given id.
func (c *Collection[T, P]) Get(ctx context.Context, id string) (T, error) {
	v, ok := c.Find(ctx, func(v *T) bool { return P(v).Meta().ID == id })
	if !ok {
		return v, NotFoundError{Entity: c.entity, ID: id}
	}
	return v, nil
}

// Create assigns bookkeeping fields, persists v and appends an audit CREATE entry.
// A caller-supplied id is kept; otherwise one is generated from the collection tag.
func (c *Collection[T, P]) Create(ctx context.Context, v T) (T, error) {
	ctx, span := c.tracer.Start(ctx, "records.create",
		trace.WithAttributes(attribute.String("collection", c.key)))
	defer span.End()

	now := c.deps.Clock().UTC()
	actor := domain.ActorFrom(ctx)
	meta := P(&v).Meta()
	if meta.ID == "" {
		meta.ID = domain.NewID(c.tag, now)
	}
	meta.CreatedAt, meta.UpdatedAt = now, now
	meta.CreatedBy, meta.UpdatedBy = actor.ID, actor.ID
	meta.IsActive = true
	meta.Version = 1
	span.SetAttributes(attribute.String("entity.id", meta.ID))

	c.mu.Lock()
	err := storage.Mutate(ctx, c.deps.Store, c.key, c.deps.Diagnostics, func(cur []byte) ([]byte, error) {
		items, err := decode[T](cur)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", storage.ErrUnavailable, c.key, err)
		}
		for i := range items {
			if P(&items[i]).Meta().ID == meta.ID {
				return nil, fmt.Errorf("%w: %s %s", ErrDuplicateID, c.entity, meta.ID)
			}
		}
		return json.Marshal(append(items, v))
	})
	c.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return v, fmt.Errorf("create %s: %w", c.entity, err)
	}

	c.audit(ctx, audit.Entry{
		EntityType: c.entity,
		EntityID:   meta.ID,
		Action:     audit.ActionCreate,
		NewValues:  audit.Snapshot(v),
	})
	return v, nil
}

// Update applies mutate to the record with the given id. When expectedVersion is positive it must
// equal the stored version or ErrVersionConflict is returned. The bookkeeping identity fields are
// restored after mutate runs; version, updatedAt and updatedBy are bumped. mutate may run more than
// once when a concurrent writer forces a retry, so it must depend only on its argument.
func (c *Collection[T, P]) Update(ctx context.Context, id string, expectedVersion int, mutate func(*T) error) (T, error) {
	return c.write(ctx, "records.update", audit.ActionUpdate, id, expectedVersion, mutate)
}

// Deactivate soft-deletes the record and appends an audit DELETE entry.
func (c *Collection[T, P]) Deactivate(ctx context.Context, id string, expectedVersion int) (T, error) {
	return c.write(ctx, "records.deactivate", audit.ActionDelete, id, expectedVersion, func(v *T) error {
		P(v).Meta().IsActive = false
		return nil
	})
}

// Mutate is Update with an explicit audit action, used for lifecycle transfers and reversals.
func (c *Collection[T, P]) Mutate(ctx context.Context, action audit.Action, id string, expectedVersion int, mutate func(*T) error) (T, error) {
	return c.write(ctx, "records.mutate", action, id, expectedVersion, mutate)
}

func (c *Collection[T, P]) write(ctx context.Context, op string, action audit.Action, id string, expectedVersion int, mutate func(*T) error) (T, error) {
	ctx, span := c.tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("collection", c.key),
			attribute.String("entity.id", id),
			attribute.Int("expected.version", expectedVersion),
		),
	)
	defer span.End()

	actor := domain.ActorFrom(ctx)
	var before, after T

	c.mu.Lock()
	err := storage.Mutate(ctx, c.deps.Store, c.key, c.deps.Diagnostics, func(cur []byte) ([]byte, error) {
		items, err := decode[T](cur)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", storage.ErrUnavailable, c.key, err)
		}
		idx := -1
		for i := range items {
			if P(&items[i]).Meta().ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, NotFoundError{Entity: c.entity, ID: id}
		}
		before = items[idx]
		old := *P(&before).Meta()
		if expectedVersion > 0 && old.Version != expectedVersion {
			span.SetAttributes(
				attribute.Int("actual.version", old.Version),
				attribute.Bool("conflict.detected", true),
			)
			return nil, fmt.Errorf("%w: %s %s is at version %d, expected %d",
				ErrVersionConflict, c.entity, id, old.Version, expectedVersion)
		}

		next := clone(before)
		if err := mutate(&next); err != nil {
			return nil, err
		}
		meta := P(&next).Meta()
		meta.ID = old.ID
		meta.CreatedAt = old.CreatedAt
		meta.CreatedBy = old.CreatedBy
		meta.Version = old.Version + 1
		meta.UpdatedAt = c.deps.Clock().UTC()
		meta.UpdatedBy = actor.ID
		if action == audit.ActionUpdate {
			meta.IsActive = old.IsActive
		}

		items[idx] = next
		after = next
		return json.Marshal(items)
	})
	c.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		var zero T
		return zero, fmt.Errorf("%s %s: %w", action, c.entity, err)
	}

	c.audit(ctx, audit.Entry{
		EntityType: c.entity,
		EntityID:   id,
		Action:     action,
		OldValues:  audit.Snapshot(before),
		NewValues:  audit.Snapshot(after),
	})
	return after, nil
}

func (c *Collection[T, P]) audit(ctx context.Context, e audit.Entry) {
	if c.deps.Audit == nil {
		return
	}
	if _, err := c.deps.Audit.Append(ctx, e); err != nil {
		c.deps.Logger.WarnContext(ctx, "audit entry dropped",
			"entity_type", e.EntityType, "entity_id", e.EntityID, "action", e.Action, "error", err)
	}
}

func (c *Collection[T, P]) load(ctx context.Context) ([]T, error) {
	it, err := c.deps.Store.Get(ctx, c.key)
	if err != nil {
		return nil, err
	}
	return decode[T](it.Value)
}

func decode[T any](data []byte) ([]T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// clone deep-copies v through its JSON form so mutators cannot alias the stored value.
func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
