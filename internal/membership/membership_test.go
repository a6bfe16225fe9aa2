package membership

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/audit"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/records"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	clock *testClock
	reg   *records.Registry
	trail *audit.Trail
	svc   Service
}

// 2026-03-01 is a Sunday.
var sunday = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &testClock{now: sunday}
	store := storage.NewMemory()
	trail := audit.NewTrail(store, audit.WithClock(clk.Now))
	reg := records.NewRegistry(records.Deps{Store: store, Audit: trail, Clock: clk.Now})
	return &fixture{clock: clk, reg: reg, trail: trail, svc: NewService(reg, nil, clk.Now)}
}

func clerk() context.Context {
	return domain.WithActor(context.Background(), domain.Actor{ID: "u-3", Name: "Membership Clerk"})
}

func person(first, last, phone string) domain.Person {
	return domain.Person{FirstName: first, LastName: last, Phone: phone}
}

func (f *fixture) visit(t *testing.T, phone string, at time.Time) *domain.Visitor {
	t.Helper()
	f.clock.Set(at)
	v, err := f.svc.RecordVisit(clerk(), VisitInput{Person: person("Amina", "Otieno", phone)})
	require.NoError(t, err)
	return v
}

func TestRecordVisitTracksStreaks(t *testing.T) {
	f := newFixture(t)

	v := f.visit(t, "0722000111", sunday)
	assert.Equal(t, 1, v.TotalVisits)
	assert.Equal(t, 1, v.ConsecutiveSundays)
	assert.Equal(t, domain.VisitorActive, v.Status)
	assert.Equal(t, "u-3", v.CreatedBy)

	again := f.visit(t, "0722000111", sunday.Add(2*time.Hour))
	assert.Equal(t, v.ID, again.ID)
	assert.Equal(t, 1, again.TotalVisits, "same-day visit counted once")

	next := f.visit(t, "0722 000 111", sunday.AddDate(0, 0, 7))
	assert.Equal(t, v.ID, next.ID, "matched by normalized phone")
	assert.Equal(t, 2, next.TotalVisits)
	assert.Equal(t, 2, next.ConsecutiveSundays)
	assert.Equal(t, 2*5+15+20, next.RetentionScore)

	gap := f.visit(t, "0722000111", sunday.AddDate(0, 0, 21))
	assert.Equal(t, 3, gap.TotalVisits)
	assert.Equal(t, 1, gap.ConsecutiveSundays, "missed Sunday resets the streak")

	midweek := f.visit(t, "0722000111", sunday.AddDate(0, 0, 24))
	assert.Equal(t, 4, midweek.TotalVisits)
	assert.Equal(t, 1, midweek.ConsecutiveSundays)

	assert.Len(t, f.svc.ListVisitors(context.Background(), false), 1)
}

func TestRetentionScore(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		v    domain.Visitor
		want int
	}{
		{"never visited", domain.Visitor{}, 0},
		{"devoted", domain.Visitor{TotalVisits: 10, ConsecutiveSundays: 4, LastVisitDate: now.AddDate(0, 0, -3)}, 100},
		{"capped", domain.Visitor{TotalVisits: 25, ConsecutiveSundays: 9, LastVisitDate: now.AddDate(0, 0, -45)}, 85},
		{"fortnight", domain.Visitor{TotalVisits: 2, ConsecutiveSundays: 1, LastVisitDate: now.AddDate(0, 0, -14)}, 32},
		{"lapsed", domain.Visitor{TotalVisits: 1, LastVisitDate: now.AddDate(0, 0, -100)}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetentionScore(tt.v, now))
		})
	}
}

func TestVisitorStatus(t *testing.T) {
	f := newFixture(t)
	v := f.visit(t, "0733000222", sunday)
	ctx := clerk()

	lost, err := f.svc.SetVisitorStatus(ctx, v.ID, domain.VisitorLost)
	require.NoError(t, err)
	assert.Equal(t, domain.VisitorLost, lost.Status)

	_, err = f.svc.SetVisitorStatus(ctx, v.ID, domain.VisitorPromoted)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.ErrorIs(t, err, domain.ErrInvalid)

	back := f.visit(t, "0733000222", sunday.AddDate(0, 0, 14))
	assert.Equal(t, domain.VisitorActive, back.Status, "a new visit revives a lost visitor")

	_, err = f.svc.SetVisitorStatus(ctx, "VIS-missing", domain.VisitorLost)
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestPromotionPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := clerk()
	v := f.visit(t, "0711000333", sunday)

	nm, err := f.svc.PromoteVisitor(ctx, v.ID, PromotionInput{IsBaptized: true, PreviousChurch: "St. Mark"})
	require.NoError(t, err)
	assert.Equal(t, v.ID, nm.TransferredFromVisitorID)
	assert.Equal(t, "Amina", nm.FirstName)
	assert.False(t, nm.EligibleForMembership)

	promoted, err := f.svc.GetVisitor(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, promoted.PromotedToNewMember)
	assert.Equal(t, domain.VisitorPromoted, promoted.Status)
	require.NotNil(t, promoted.PromotionDate)

	_, err = f.svc.PromoteVisitor(ctx, v.ID, PromotionInput{})
	assert.ErrorIs(t, err, ErrAlreadyPromoted)

	_, err = f.svc.PromoteNewMember(ctx, nm.ID)
	assert.ErrorIs(t, err, ErrNotEligible)

	_, err = f.svc.UpdateNewMember(ctx, nm.ID, nm.Version, json.RawMessage(`{"shoe_size": 42}`))
	assert.ErrorIs(t, err, domain.ErrInvalid)

	nm, err = f.svc.UpdateNewMember(ctx, nm.ID, nm.Version,
		json.RawMessage(`{"bible_study_completed": true, "promoted_to_member_id": "forged"}`))
	require.NoError(t, err)
	assert.True(t, nm.EligibleForMembership)
	assert.Empty(t, nm.PromotedToMemberID)

	m, err := f.svc.PromoteNewMember(ctx, nm.ID)
	require.NoError(t, err)
	assert.Equal(t, "TSOAM2026-001", m.MemberID)
	assert.Equal(t, "TN00001", m.TitheNumber)
	assert.Equal(t, v.ID, m.OriginalVisitorID)
	assert.Equal(t, nm.ID, m.OriginalNewMemberID)
	assert.Equal(t, domain.MembershipActive, m.MembershipStatus)

	_, err = f.svc.PromoteNewMember(ctx, nm.ID)
	assert.ErrorIs(t, err, ErrAlreadyPromoted)

	transfers := f.trail.List(ctx, audit.Filter{Action: audit.ActionTransfer})
	require.Len(t, transfers, 2)
	assert.ElementsMatch(t, []domain.EntityType{domain.EntityVisitor, domain.EntityNewMember},
		[]domain.EntityType{transfers[0].EntityType, transfers[1].EntityType})
	assert.Equal(t, "Membership Clerk", transfers[0].UserName)
}

func TestCreateFullMember(t *testing.T) {
	f := newFixture(t)
	ctx := clerk()

	m, err := f.svc.CreateFullMember(ctx, FullMemberInput{Person: person("Peter", "Kamau", "0700111222")})
	require.NoError(t, err)
	assert.Equal(t, "TSOAM2026-001", m.MemberID)
	assert.Equal(t, "TN00001", m.TitheNumber)
	assert.Equal(t, sunday, m.MembershipDate)

	_, err = f.svc.CreateFullMember(ctx, FullMemberInput{
		Person:   person("Paul", "Kamau", "0700111333"),
		MemberID: "tsoam2026-001",
	})
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = f.svc.CreateFullMember(ctx, FullMemberInput{Person: person("Paul", "", "0700111333")})
	assert.ErrorIs(t, err, domain.ErrInvalid)

	got, err := f.svc.GetFullMember(ctx, "TSOAM2026-001")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
}

func TestUpdateFullMemberKeepsDerivedFields(t *testing.T) {
	f := newFixture(t)
	ctx := clerk()
	m, err := f.svc.CreateFullMember(ctx, FullMemberInput{Person: person("Peter", "Kamau", "0700111222"), MemberID: "M-9", TitheNumber: "TN-9"})
	require.NoError(t, err)

	updated, err := f.svc.UpdateFullMember(ctx, m.MemberID, m.Version, json.RawMessage(
		`{"address": "Thika Road", "member_id": "M-10", "total_tithes": 999, "is_employee": true}`))
	require.NoError(t, err)
	assert.Equal(t, "Thika Road", updated.Address)
	assert.Equal(t, "M-9", updated.MemberID)
	assert.Zero(t, updated.TotalTithes)
	assert.False(t, updated.IsEmployee)
	assert.Equal(t, 2, updated.Version)

	_, err = f.svc.UpdateFullMember(ctx, m.ID, 1, json.RawMessage(`{"address": "Ngong Road"}`))
	assert.ErrorIs(t, err, records.ErrVersionConflict)

	_, err = f.svc.UpdateFullMember(ctx, m.ID, 0, json.RawMessage(`{"membership_status": "Gone"}`))
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = f.svc.UpdateFullMember(ctx, m.ID, 0, json.RawMessage(`{"phone": ""}`))
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestCreateEmployee(t *testing.T) {
	f := newFixture(t)
	ctx := clerk()

	e, err := f.svc.CreateEmployee(ctx, EmployeeInput{
		Person: person("Ruth", "Njeri", "0799000111"), Department: "Finance", Position: "Accountant",
	})
	require.NoError(t, err)
	assert.Equal(t, "EMP-0001", e.EmployeeID)
	assert.Equal(t, "E0001", e.EmployeeNumber)
	assert.Equal(t, "Active", e.EmploymentStatus)
	assert.Equal(t, sunday, e.EmploymentDate)

	_, err = f.svc.CreateEmployee(ctx, EmployeeInput{
		Person: person("Ruth", "Njeri", "0799000111"), Department: "Finance", Position: "Accountant", EmployeeID: "EMP-0001",
	})
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = f.svc.CreateEmployee(ctx, EmployeeInput{
		Person: person("Ruth", "Njeri", "0799000111"), Department: "Finance", Position: "Accountant", ContractType: "Gig",
	})
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

// link sets both sides of the cross-reference directly, the way the linker leaves them.
func (f *fixture) link(t *testing.T, e *domain.Employee, m *domain.FullMember) {
	t.Helper()
	ctx := clerk()
	_, err := f.reg.Employees.Update(ctx, e.ID, 0, func(e *domain.Employee) error {
		e.IsChurchMember, e.MemberID, e.TitheNumber = true, m.MemberID, m.TitheNumber
		return nil
	})
	require.NoError(t, err)
	employed := e.EmploymentDate
	_, err = f.reg.FullMembers.Update(ctx, m.ID, 0, func(m *domain.FullMember) error {
		m.IsEmployee, m.EmployeeID, m.EmployeeNumber = true, e.EmployeeID, e.EmployeeNumber
		m.Department, m.Position, m.DateOfEmployment = e.Department, e.Position, &employed
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateEmployeeRefreshesLinkedMember(t *testing.T) {
	f := newFixture(t)
	ctx := clerk()
	e, err := f.svc.CreateEmployee(ctx, EmployeeInput{Person: person("Ruth", "Njeri", "0799000111"), Department: "Finance", Position: "Accountant"})
	require.NoError(t, err)
	m, err := f.svc.CreateFullMember(ctx, FullMemberInput{Person: person("Ruth", "Njeri", "0799000111")})
	require.NoError(t, err)
	f.link(t, e, m)

	updated, err := f.svc.UpdateEmployee(ctx, e.EmployeeID, 0, json.RawMessage(
		`{"department": "Administration", "is_church_member": false, "member_id": ""}`))
	require.NoError(t, err)
	assert.Equal(t, "Administration", updated.Department)
	assert.True(t, updated.IsChurchMember, "cross-reference is owned by the linker")
	assert.Equal(t, m.MemberID, updated.MemberID)

	mirror, err := f.svc.GetFullMember(ctx, m.MemberID)
	require.NoError(t, err)
	assert.Equal(t, "Administration", mirror.Department)
	assert.Equal(t, "Accountant", mirror.Position)
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t)
	ctx := clerk()
	e, err := f.svc.CreateEmployee(ctx, EmployeeInput{Person: person("Ruth", "Njeri", "0799000111"), Department: "Finance", Position: "Accountant"})
	require.NoError(t, err)
	m, err := f.svc.CreateFullMember(ctx, FullMemberInput{Person: person("Ruth", "Njeri", "0799000111")})
	require.NoError(t, err)
	f.link(t, e, m)

	assert.ErrorIs(t, f.svc.Deactivate(ctx, domain.EntityEmployee, e.EmployeeID, 0), ErrLinked)
	assert.ErrorIs(t, f.svc.Deactivate(ctx, domain.EntityFullMember, m.MemberID, 0), ErrLinked)
	assert.ErrorIs(t, f.svc.Deactivate(ctx, domain.EntityTithe, "TITHE-2026-000001", 0), ErrUnsupportedKind)

	v := f.visit(t, "0711999888", sunday)
	assert.ErrorIs(t, f.svc.Deactivate(ctx, domain.EntityVisitor, v.ID, 7), records.ErrVersionConflict)
	require.NoError(t, f.svc.Deactivate(ctx, domain.EntityVisitor, v.ID, v.Version))
	assert.Empty(t, f.svc.ListVisitors(ctx, false))
	assert.Len(t, f.svc.ListVisitors(ctx, true), 1)

	deletes := f.trail.List(ctx, audit.Filter{EntityID: v.ID, Action: audit.ActionDelete})
	assert.Len(t, deletes, 1)
}

func TestHandler(t *testing.T) {
	f := newFixture(t)
	r := chi.NewRouter()
	NewHandler(f.svc).Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	do := func(method, path, body string, header map[string]string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range header {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := do(http.MethodPost, "/members", `{"first_name":"Peter","last_name":"Kamau","phone":"0700111222"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var m domain.FullMember
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))

	resp = do(http.MethodPost, "/members", `{"first_name":"Peter"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(http.MethodGet, "/members/"+m.MemberID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(http.MethodGet, "/members/TSOAM1999-404", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(http.MethodPatch, "/members/"+m.MemberID, `{"address":"Thika Road"}`, map[string]string{"If-Match": "5"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(http.MethodPatch, "/members/"+m.MemberID, `{"address":"Thika Road"}`, map[string]string{"If-Match": "abc"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(http.MethodPatch, "/members/"+m.MemberID, `{"address":"Thika Road"}`, map[string]string{"If-Match": `"1"`})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(http.MethodDelete, "/members/"+m.MemberID, "", map[string]string{"If-Match": "2"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(http.MethodGet, "/members", "", nil)
	var active []domain.FullMember
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&active))
	assert.Empty(t, active)

	resp = do(http.MethodPost, "/visits", `{"first_name":"Amina","last_name":"Otieno","phone":"0722000111"}`, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
