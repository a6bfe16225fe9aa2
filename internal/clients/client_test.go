package clients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/config"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/membership"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/records"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/server"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/tithe"
)

func newClient(t *testing.T) (*Client, *server.App) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "memory"
	cfg.Backup.Driver = "memory"
	cfg.HTTP.WriteRate = 0
	now := time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC)
	app, err := server.Build(context.Background(), cfg, nil, func() time.Time { return now })
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	ts := httptest.NewServer(server.New(app, cfg.HTTP, false).Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, WithHTTPClient(ts.Client()), WithActor(domain.Actor{ID: "u-9", Name: "HR Officer"})), app
}

func TestClientRoundTrip(t *testing.T) {
	c, app := newClient(t)
	ctx := context.Background()

	m, err := c.CreateMember(ctx, membership.FullMemberInput{
		Person: domain.Person{FirstName: "Mary", LastName: "Achieng", Phone: "0733111222"},
	})
	require.NoError(t, err)
	assert.Equal(t, "u-9", m.CreatedBy)

	_, err = c.RecordTithe(ctx, tithe.RecordInput{MemberID: m.MemberID, Amount: 40, PaymentMethod: "M-Pesa"})
	require.NoError(t, err)
	tithes, err := c.MemberTithes(ctx, m.MemberID)
	require.NoError(t, err)
	require.Len(t, tithes, 1)

	got, err := c.GetMember(ctx, m.MemberID)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got.TotalTithes)

	e, err := app.Membership.CreateEmployee(ctx, membership.EmployeeInput{
		Person:     domain.Person{FirstName: "Mary", LastName: "Achieng", Phone: "0733111222"},
		Department: "Finance",
		Position:   "Accountant",
	})
	require.NoError(t, err)

	res, err := c.Link(ctx, e.EmployeeID, m.MemberID, "same person")
	require.NoError(t, err)
	assert.True(t, res.Employee.IsChurchMember)
	assert.Equal(t, e.EmployeeID, res.Member.EmployeeID)

	_, err = c.Link(ctx, e.EmployeeID, m.MemberID, "")
	assert.ErrorIs(t, err, domain.ErrConflict)

	res, err = c.Unlink(ctx, e.EmployeeID, "left staff")
	require.NoError(t, err)
	assert.False(t, res.Employee.IsChurchMember)

	rep, err := c.Integrity(ctx, true)
	require.NoError(t, err)
	assert.True(t, rep.Healthy)

	info, err := c.Backup(ctx)
	require.NoError(t, err)
	assert.Contains(t, info.Key, "backups/")
}

func TestClientErrors(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	_, err := c.GetMember(ctx, "nobody")
	assert.ErrorIs(t, err, records.ErrNotFound)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = c.RecordTithe(ctx, tithe.RecordInput{MemberID: "X"})
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestClientRetriesReadsOnly(t *testing.T) {
	var gets, posts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if gets.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "u-1", r.Header.Get("X-Actor-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"MEM-1","member_id":"TSOAM2026-001"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, WithActor(domain.Actor{ID: "u-1"}), WithRetries(3))
	m, err := c.GetMember(context.Background(), "TSOAM2026-001")
	require.NoError(t, err)
	assert.Equal(t, "MEM-1", m.ID)
	assert.EqualValues(t, 2, gets.Load())

	_, err = c.Backup(context.Background())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.EqualValues(t, 1, posts.Load())
}
