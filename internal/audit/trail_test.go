package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
)

type fixedRetention int

func (r fixedRetention) AuditRetentionDays(context.Context) int { return int(r) }

type recordingSink struct{ got []Entry }

func (s *recordingSink) Publish(_ context.Context, e Entry) error {
	s.got = append(s.got, e)
	return nil
}

type failingSink struct{}

func (failingSink) Publish(context.Context, Entry) error { return errors.New("broker down") }

func seed(t *testing.T, store *storage.Memory, entries ...Entry) {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	store.Raw(storage.KeyAuditLogs, data)
}

func TestAppendStampsEntry(t *testing.T) {
	now := time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemory()
	sink := &recordingSink{}
	trail := NewTrail(store,
		WithClock(func() time.Time { return now }),
		WithSink(sink),
		WithSink(failingSink{}),
	)

	ctx := domain.WithActor(context.Background(), domain.Actor{ID: "u-9", Name: "Treasurer"})
	ctx = domain.WithRequestMeta(ctx, domain.RequestMeta{IPAddress: "10.0.0.7", UserAgent: "curl"})
	e, err := trail.Append(ctx, Entry{EntityType: domain.EntityTithe, EntityID: "TITHE-2026-000001", Action: ActionCreate})
	require.NoError(t, err)

	assert.Regexp(t, `^AUD-`, e.ID)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, "u-9", e.UserID)
	assert.Equal(t, "Treasurer", e.UserName)
	assert.Equal(t, "10.0.0.7", e.IPAddress)
	assert.Equal(t, "curl", e.UserAgent)
	require.Len(t, sink.got, 1, "sink failures do not stop other sinks")
	assert.Equal(t, e.ID, sink.got[0].ID)

	anon, err := trail.Append(context.Background(), Entry{EntityType: domain.EntityVisitor, EntityID: "v", Action: ActionUpdate})
	require.NoError(t, err)
	assert.Equal(t, domain.SystemActor.ID, anon.UserID)
}

func TestRetentionPruning(t *testing.T) {
	now := time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemory()
	seed(t, store,
		Entry{ID: "old-1", EntityID: "a", Timestamp: now.AddDate(0, 0, -90)},
		Entry{ID: "old-2", EntityID: "b", Timestamp: now.AddDate(0, 0, -31)},
		Entry{ID: "edge", EntityID: "c", Timestamp: now.AddDate(0, 0, -30)},
		Entry{ID: "new", EntityID: "d", Timestamp: now.AddDate(0, 0, -1)},
	)
	var pruned int
	trail := NewTrail(store,
		WithClock(func() time.Time { return now }),
		WithRetention(fixedRetention(30)),
		WithPruneHook(func(n int) { pruned += n }),
	)
	assert.Equal(t, 2, trail.StaleCount(context.Background()))

	_, err := trail.Append(context.Background(), Entry{EntityID: "e", Action: ActionCreate})
	require.NoError(t, err)

	var ids []string
	for _, e := range trail.List(context.Background(), Filter{}) {
		ids = append(ids, e.ID)
	}
	assert.NotContains(t, ids, "old-1")
	assert.NotContains(t, ids, "old-2")
	assert.Contains(t, ids, "edge")
	assert.Contains(t, ids, "new")
	assert.Len(t, ids, 3)
	assert.Equal(t, 2, pruned)
	assert.Zero(t, trail.StaleCount(context.Background()))
}

func TestPruneExplicit(t *testing.T) {
	now := time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemory()
	seed(t, store,
		Entry{ID: "ancient", Timestamp: now.AddDate(-2, 0, 0)},
		Entry{ID: "recent", Timestamp: now.AddDate(0, -1, 0)},
	)
	trail := NewTrail(store, WithClock(func() time.Time { return now }))
	n, err := trail.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, trail.List(context.Background(), Filter{}), 1)
}

func TestListFilterAndOrder(t *testing.T) {
	now := time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemory()
	seed(t, store,
		Entry{ID: "1", EntityType: domain.EntityEmployee, EntityID: "E1", Action: ActionCreate, Timestamp: now.Add(-3 * time.Hour)},
		Entry{ID: "2", EntityType: domain.EntityEmployee, EntityID: "E1", Action: ActionUpdate, Timestamp: now.Add(-2 * time.Hour)},
		Entry{ID: "3", EntityType: domain.EntityFullMember, EntityID: "M1", Action: ActionUpdate, Timestamp: now.Add(-1 * time.Hour)},
	)
	trail := NewTrail(store, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	all := trail.List(ctx, Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID, "newest first")

	assert.Len(t, trail.List(ctx, Filter{EntityType: domain.EntityEmployee}), 2)
	assert.Len(t, trail.List(ctx, Filter{Action: ActionUpdate}), 2)
	assert.Len(t, trail.List(ctx, Filter{EntityID: "M1"}), 1)
	assert.Len(t, trail.List(ctx, Filter{Since: now.Add(-150 * time.Minute)}), 2)
	assert.Len(t, trail.List(ctx, Filter{Limit: 1}), 1)
}

func TestAppendFailureIsReported(t *testing.T) {
	store := storage.NewMemory().FailWrites(errors.New("quota"))
	trail := NewTrail(store)
	_, err := trail.Append(context.Background(), Entry{EntityID: "x", Action: ActionCreate})
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	store.FailWrites(nil).FailReads(errors.New("io"))
	assert.Empty(t, trail.List(context.Background(), Filter{}))
}
