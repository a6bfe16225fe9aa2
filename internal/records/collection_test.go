package records_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/audit"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/records"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	store *storage.Memory
	trail *audit.Trail
	reg   *records.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := storage.NewMemory()
	trail := audit.NewTrail(store, audit.WithClock(clk.Now))
	reg := records.NewRegistry(records.Deps{Store: store, Audit: trail, Clock: clk.Now})
	return fixture{store: store, trail: trail, reg: reg}
}

func admin() context.Context {
	return domain.WithActor(context.Background(), domain.Actor{ID: "u-1", Name: "Admin"})
}

func visitor(first string) domain.Visitor {
	return domain.Visitor{Person: domain.Person{FirstName: first, LastName: "Otieno", Phone: "+254711000000"}}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := admin()

	v, err := f.reg.Visitors.Create(ctx, visitor("Amos"))
	require.NoError(t, err)

	assert.Regexp(t, `^VIS-\d+-[0-9a-f]{8}$`, v.ID)
	assert.Equal(t, 1, v.Version)
	assert.True(t, v.IsActive)
	assert.Equal(t, "u-1", v.CreatedBy)
	assert.Equal(t, "u-1", v.UpdatedBy)
	assert.Equal(t, v.CreatedAt, v.UpdatedAt)

	got, err := f.reg.Visitors.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "Amos", got.FirstName)

	entries := f.trail.List(ctx, audit.Filter{EntityID: v.ID})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionCreate, entries[0].Action)
	assert.Equal(t, domain.EntityVisitor, entries[0].EntityType)
	assert.Empty(t, entries[0].OldValues)
	assert.Equal(t, "Admin", entries[0].UserName)

	var snap domain.Visitor
	require.NoError(t, json.Unmarshal(entries[0].NewValues, &snap))
	assert.Equal(t, v.ID, snap.ID)
}

func TestCreateKeepsSuppliedID(t *testing.T) {
	f := newFixture(t)
	rec := domain.TitheRecord{Base: domain.Base{ID: "TITHE-2026-000001"}, Amount: 10}
	_, err := f.reg.Tithes.Create(admin(), rec)
	require.NoError(t, err)

	_, err = f.reg.Tithes.Create(admin(), rec)
	assert.ErrorIs(t, err, records.ErrDuplicateID)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := admin()
	v, err := f.reg.Visitors.Create(ctx, visitor("Amos"))
	require.NoError(t, err)

	other := domain.WithActor(context.Background(), domain.Actor{ID: "u-2"})
	up, err := f.reg.Visitors.Update(other, v.ID, 1, func(v *domain.Visitor) error {
		v.TotalVisits = 3
		v.ID = "hijack"
		v.Version = 99
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, v.ID, up.ID)
	assert.Equal(t, 2, up.Version)
	assert.Equal(t, 3, up.TotalVisits)
	assert.Equal(t, "u-2", up.UpdatedBy)
	assert.Equal(t, "u-1", up.CreatedBy)
	assert.True(t, up.UpdatedAt.After(v.UpdatedAt))

	entries := f.trail.List(ctx, audit.Filter{EntityID: v.ID, Action: audit.ActionUpdate})
	require.Len(t, entries, 1)
	var before, after domain.Visitor
	require.NoError(t, json.Unmarshal(entries[0].OldValues, &before))
	require.NoError(t, json.Unmarshal(entries[0].NewValues, &after))
	assert.Equal(t, 0, before.TotalVisits)
	assert.Equal(t, 3, after.TotalVisits)
	assert.Equal(t, "u-2", entries[0].UserID)
}

func TestUpdateErrors(t *testing.T) {
	f := newFixture(t)
	ctx := admin()
	v, err := f.reg.Visitors.Create(ctx, visitor("Amos"))
	require.NoError(t, err)

	_, err = f.reg.Visitors.Update(ctx, "VIS-404", 0, func(*domain.Visitor) error { return nil })
	assert.ErrorIs(t, err, records.ErrNotFound)
	var nf records.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "VIS-404", nf.ID)

	_, err = f.reg.Visitors.Update(ctx, v.ID, 7, func(*domain.Visitor) error { return nil })
	assert.ErrorIs(t, err, records.ErrVersionConflict)

	boom := errors.New("rejected")
	_, err = f.reg.Visitors.Update(ctx, v.ID, 0, func(*domain.Visitor) error { return boom })
	assert.ErrorIs(t, err, boom)

	got, err := f.reg.Visitors.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version, "failed updates leave the record untouched")
	assert.Len(t, f.trail.List(ctx, audit.Filter{EntityID: v.ID}), 1)
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t)
	ctx := admin()
	v, err := f.reg.Visitors.Create(ctx, visitor("Amos"))
	require.NoError(t, err)

	d, err := f.reg.Visitors.Deactivate(ctx, v.ID, 1)
	require.NoError(t, err)
	assert.False(t, d.IsActive)
	assert.Equal(t, 2, d.Version)
	assert.Empty(t, f.reg.Visitors.Active(ctx))
	assert.Len(t, f.reg.Visitors.List(ctx), 1)

	_, err = f.reg.Visitors.Update(ctx, v.ID, 0, func(v *domain.Visitor) error {
		v.IsActive = true
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, f.reg.Visitors.Active(ctx), "update cannot reactivate")
	assert.Len(t, f.trail.List(ctx, audit.Filter{EntityID: v.ID, Action: audit.ActionDelete}), 1)
}

func TestReadsNeverFail(t *testing.T) {
	f := newFixture(t)
	ctx := admin()
	_, err := f.reg.Visitors.Create(ctx, visitor("Amos"))
	require.NoError(t, err)

	f.store.FailReads(errors.New("disk gone"))
	assert.Empty(t, f.reg.Visitors.List(ctx))
	_, err = f.reg.Visitors.Get(ctx, "x")
	assert.ErrorIs(t, err, records.ErrNotFound)

	f.store.FailReads(nil)
	f.store.Raw(storage.KeyVisitors, []byte("{not json"))
	assert.Empty(t, f.reg.Visitors.List(ctx))

	_, err = f.reg.Visitors.Create(ctx, visitor("Beth"))
	assert.ErrorIs(t, err, storage.ErrUnavailable, "writes over corrupt data fail loudly")
}

func TestWritesFailLoudly(t *testing.T) {
	f := newFixture(t)
	f.store.FailWrites(errors.New("read-only filesystem"))
	_, err := f.reg.Visitors.Create(admin(), visitor("Amos"))
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestAuditFailureDoesNotFailMutation(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	data := storage.NewMemory()
	auditStore := storage.NewMemory().FailWrites(errors.New("audit disk full"))
	reg := records.NewRegistry(records.Deps{
		Store: data,
		Audit: audit.NewTrail(auditStore, audit.WithClock(clk.Now)),
		Clock: clk.Now,
	})
	v, err := reg.Visitors.Create(admin(), visitor("Amos"))
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
}

func TestConcurrentUpdatesSerialise(t *testing.T) {
	f := newFixture(t)
	ctx := admin()
	v, err := f.reg.Visitors.Create(ctx, visitor("Amos"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reg.Visitors.Update(ctx, v.ID, 0, func(v *domain.Visitor) error {
				v.TotalVisits++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.reg.Visitors.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.TotalVisits)
	assert.Equal(t, 21, got.Version)
}

func TestVersionIncrementsByOne(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		ctx := admin()
		v, err := f.reg.Employees.Create(ctx, domain.Employee{EmployeeID: "E1"})
		require.NoError(rt, err)
		n := rapid.IntRange(1, 15).Draw(rt, "updates")
		for i := 0; i < n; i++ {
			dept := rapid.StringMatching(`[A-Z][a-z]{2,8}`).Draw(rt, fmt.Sprintf("dept%d", i))
			up, err := f.reg.Employees.Update(ctx, v.ID, i+1, func(e *domain.Employee) error {
				e.Department = dept
				return nil
			})
			require.NoError(rt, err)
			if up.Version != i+2 {
				rt.Fatalf("version after %d updates = %d", i+1, up.Version)
			}
		}
		entries := f.trail.List(ctx, audit.Filter{EntityID: v.ID})
		if len(entries) != n+1 {
			rt.Fatalf("audit entries = %d, want %d", len(entries), n+1)
		}
	})
}

func TestSequence(t *testing.T) {
	store := storage.NewMemory()
	seq := records.NewSequence(store, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]bool{}
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := seq.Next(ctx, "tithe:2026")
			assert.NoError(t, err)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 25)
	assert.Equal(t, int64(25), seq.Peek(ctx, "tithe:2026"))

	n, err := seq.Next(ctx, "tithe:2027")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "scopes are independent")

	// a second generator over the same store continues the counter
	n, err = records.NewSequence(store, nil).Next(ctx, "tithe:2026")
	require.NoError(t, err)
	assert.Equal(t, int64(26), n)
}
