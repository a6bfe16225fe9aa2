package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
)

// DefaultRetentionDays is used when no retention source is configured.
const DefaultRetentionDays = 365

// Sink receives every entry after it has been persisted.
type Sink interface {
	Publish(ctx context.Context, e Entry) error
}

// RetentionSource reports the current retention window in days.
type RetentionSource interface {
	AuditRetentionDays(ctx context.Context) int
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger used for absorbed failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trail) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithDiagnostics sets the failure hook.
func WithDiagnostics(d storage.Diagnostics) Option {
	return func(t *Trail) {
		if d != nil {
			t.diag = d
		}
	}
}

// WithRetention sets where the retention window comes from.
func WithRetention(r RetentionSource) Option {
	return func(t *Trail) { t.retention = r }
}

// WithSink adds a publish target.
func WithSink(s Sink) Option {
	return func(t *Trail) {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
}

// WithPruneHook is called with the number of entries dropped by each prune.
func WithPruneHook(fn func(n int)) Option {
	return func(t *Trail) { t.onPrune = fn }
}

// Trail persists audit entries under storage.KeyAuditLogs.
type Trail struct {
	store     storage.Store
	diag      storage.Diagnostics
	retention RetentionSource
	sinks     []Sink
	onPrune   func(int)
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
	mu        sync.Mutex
}

// NewTrail returns a trail over store.
func NewTrail(store storage.Store, opts ...Option) *Trail {
	t := &Trail{
		store:  store,
		diag:   storage.NopDiagnostics{},
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer("tsoam/audit"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Trail) retentionDays(ctx context.Context) int {
	if t.retention == nil {
		return DefaultRetentionDays
	}
	if d := t.retention.AuditRetentionDays(ctx); d > 0 {
		return d
	}
	return DefaultRetentionDays
}

// Append stamps e with an id, the server time and the context actor, persists it and drops
// entries older than the retention window. The returned error is informational: callers
// log it and carry on, since a mutation never fails because its audit entry could not be written.
func (t *Trail) Append(ctx context.Context, e Entry) (Entry, error) {
	ctx, span := t.tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("entity.type", string(e.EntityType)),
			attribute.String("entity.id", e.EntityID),
			attribute.String("audit.action", string(e.Action)),
		),
	)
	defer span.End()

	now := t.now().UTC()
	e.ID = domain.NewID("AUD", now)
	e.Timestamp = now
	if e.UserID == "" {
		actor := domain.ActorFrom(ctx)
		e.UserID, e.UserName = actor.ID, actor.Name
	}
	if e.IPAddress == "" && e.UserAgent == "" {
		meta := domain.RequestMetaFrom(ctx)
		e.IPAddress, e.UserAgent = meta.IPAddress, meta.UserAgent
	}
	cutoff := now.AddDate(0, 0, -t.retentionDays(ctx))

	t.mu.Lock()
	var pruned int
	err := storage.Mutate(ctx, t.store, storage.KeyAuditLogs, t.diag, func(cur []byte) ([]byte, error) {
		entries, err := decode(cur)
		if err != nil {
			return nil, fmt.Errorf("%w: decode audit log: %v", storage.ErrUnavailable, err)
		}
		entries, pruned = prune(entries, cutoff)
		entries = append(entries, e)
		return json.Marshal(entries)
	})
	t.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		t.logger.WarnContext(ctx, "audit append failed",
			"entity_type", e.EntityType, "entity_id", e.EntityID, "action", e.Action, "error", err)
		return e, fmt.Errorf("append audit entry: %w", err)
	}
	t.reportPruned(pruned)
	for _, s := range t.sinks {
		if err := s.Publish(ctx, e); err != nil {
			t.logger.WarnContext(ctx, "audit sink publish failed", "entry_id", e.ID, "error", err)
		}
	}
	return e, nil
}

// List returns matching entries newest first. Read failures yield an empty list.
func (t *Trail) List(ctx context.Context, f Filter) []Entry {
	entries := t.load(ctx)
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Prune drops entries outside the retention window and returns how many were removed.
func (t *Trail) Prune(ctx context.Context) (int, error) {
	cutoff := t.now().UTC().AddDate(0, 0, -t.retentionDays(ctx))
	t.mu.Lock()
	defer t.mu.Unlock()
	var pruned int
	err := storage.Mutate(ctx, t.store, storage.KeyAuditLogs, t.diag, func(cur []byte) ([]byte, error) {
		entries, err := decode(cur)
		if err != nil {
			return nil, fmt.Errorf("%w: decode audit log: %v", storage.ErrUnavailable, err)
		}
		entries, pruned = prune(entries, cutoff)
		return json.Marshal(entries)
	})
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	t.reportPruned(pruned)
	return pruned, nil
}

// StaleCount reports how many stored entries are already outside the retention window.
func (t *Trail) StaleCount(ctx context.Context) int {
	cutoff := t.now().UTC().AddDate(0, 0, -t.retentionDays(ctx))
	var n int
	for _, e := range t.load(ctx) {
		if e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

func (t *Trail) reportPruned(n int) {
	if n > 0 && t.onPrune != nil {
		t.onPrune(n)
	}
}

func (t *Trail) load(ctx context.Context) []Entry {
	it, err := t.store.Get(ctx, storage.KeyAuditLogs)
	if err != nil {
		t.diag.ReadFailed(storage.KeyAuditLogs, err)
		t.logger.WarnContext(ctx, "audit log read failed", "key", storage.KeyAuditLogs, "error", err)
		return nil
	}
	entries, err := decode(it.Value)
	if err != nil {
		t.diag.ReadFailed(storage.KeyAuditLogs, err)
		t.logger.WarnContext(ctx, "audit log decode failed", "key", storage.KeyAuditLogs, "error", err)
		return nil
	}
	return entries
}

func decode(data []byte) ([]Entry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func prune(entries []Entry, cutoff time.Time) ([]Entry, int) {
	kept := entries[:0:0]
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept, len(entries) - len(kept)
}
