// internal/linkage/implementation.go
package linkage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/audit"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/records"
)

// service implements the Service interface.
type service struct {
	employees *records.Employees
	members   *records.FullMembers
	links     *records.Links
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
	ops       metric.Int64Counter
	mu        sync.Mutex
}

// NewService creates a new linkage service over the record registry.
func NewService(reg *records.Registry, logger *slog.Logger, now func() time.Time) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	ops, err := otel.Meter("tsoam/linkage").Int64Counter("tsoam.linkage.operations",
		metric.WithDescription("Link and unlink operations by outcome"))
	if err != nil {
		logger.Warn("linkage counter unavailable", "error", err)
	}
	return &service{
		employees: reg.Employees,
		members:   reg.FullMembers,
		links:     reg.Links,
		logger:    logger,
		now:       now,
		tracer:    otel.Tracer("tsoam/linkage"),
		ops:       ops,
	}
}

func (s *service) count(ctx context.Context, op string, err error) {
	if s.ops == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	s.ops.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome)))
}

func (s *service) employeeByID(ctx context.Context, employeeID string) (domain.Employee, error) {
	e, ok := s.employees.Find(ctx, func(e *domain.Employee) bool { return e.EmployeeID == employeeID && e.IsActive })
	if !ok {
		return e, records.NotFoundError{Entity: domain.EntityEmployee, ID: employeeID}
	}
	return e, nil
}

func (s *service) memberByID(ctx context.Context, memberID string) (domain.FullMember, error) {
	m, ok := s.members.Find(ctx, func(m *domain.FullMember) bool { return m.MemberID == memberID && m.IsActive })
	if !ok {
		return m, records.NotFoundError{Entity: domain.EntityFullMember, ID: memberID}
	}
	return m, nil
}

// Link cross-references an employee and a member. Preconditions are checked before any write; if the
// member write fails after the employee was updated, the employee is restored.
func (s *service) Link(ctx context.Context, employeeID, memberID, notes string) (res *LinkResult, err error) {
	ctx, span := s.tracer.Start(ctx, "linkage.link",
		trace.WithAttributes(
			attribute.String("employee.id", employeeID),
			attribute.String("member.id", memberID),
		),
	)
	defer span.End()
	defer func() { s.count(ctx, "link", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 1: Resolve both sides
	emp, err := s.employeeByID(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	mem, err := s.memberByID(ctx, memberID)
	if err != nil {
		return nil, err
	}

	// Step 2: Neither side may already be linked
	if emp.IsChurchMember {
		return nil, fmt.Errorf("%w: employee %s is linked to member %s", ErrAlreadyLinked, emp.EmployeeID, emp.MemberID)
	}
	if mem.IsEmployee {
		return nil, fmt.Errorf("%w: member %s is linked to employee %s", ErrAlreadyLinked, mem.MemberID, mem.EmployeeID)
	}

	// Step 3: Point the employee at the member
	linkedEmp, err := s.employees.Update(ctx, emp.ID, emp.Version, func(e *domain.Employee) error {
		e.IsChurchMember = true
		e.MemberID = mem.MemberID
		e.TitheNumber = mem.TitheNumber
		e.VisitorID = mem.OriginalVisitorID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("link employee: %w", err)
	}

	// Compensation for the employee write
	compensation := func() {
		s.logger.WarnContext(ctx, "compensating failed link", "employee_id", emp.EmployeeID, "member_id", mem.MemberID)
		if _, cerr := s.employees.Update(ctx, linkedEmp.ID, linkedEmp.Version, func(e *domain.Employee) error {
			e.IsChurchMember = emp.IsChurchMember
			e.MemberID = emp.MemberID
			e.TitheNumber = emp.TitheNumber
			e.VisitorID = emp.VisitorID
			return nil
		}); cerr != nil {
			s.logger.ErrorContext(ctx, "failed to compensate employee link", "employee_id", emp.EmployeeID, "error", cerr)
		}
	}

	// Step 4: Point the member at the employee
	employment := emp.EmploymentDate
	linkedMem, err := s.members.Update(ctx, mem.ID, mem.Version, func(m *domain.FullMember) error {
		m.IsEmployee = true
		m.EmployeeID = emp.EmployeeID
		m.EmployeeNumber = emp.EmployeeNumber
		m.Department = emp.Department
		m.Position = emp.Position
		m.DateOfEmployment = &employment
		return nil
	})
	if err != nil {
		compensation()
		return nil, fmt.Errorf("link member: %w", err)
	}

	// Step 5: Append to the link history
	res = &LinkResult{Employee: linkedEmp, Member: linkedMem}
	actor := domain.ActorFrom(ctx)
	hist, herr := s.links.Create(ctx, domain.EmployeeMemberLink{
		EmployeeID:   emp.EmployeeID,
		MemberID:     mem.MemberID,
		EmployeeName: emp.FullName(),
		MemberName:   mem.FullName(),
		LinkedBy:     actor.Name,
		LinkedAt:     s.now().UTC(),
		Notes:        notes,
	})
	if herr != nil {
		s.logger.WarnContext(ctx, "link history not recorded", "employee_id", emp.EmployeeID, "error", herr)
	} else {
		res.History = &hist
	}

	s.logger.InfoContext(ctx, "employee linked to member",
		"employee_id", emp.EmployeeID, "member_id", mem.MemberID, "actor", actor.ID)
	return res, nil
}

// Unlink clears both sides of an employee's member link and closes the latest history record.
func (s *service) Unlink(ctx context.Context, employeeID, reason string) (res *LinkResult, err error) {
	ctx, span := s.tracer.Start(ctx, "linkage.unlink",
		trace.WithAttributes(attribute.String("employee.id", employeeID)))
	defer span.End()
	defer func() { s.count(ctx, "unlink", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 1: Resolve the employee and its member
	emp, err := s.employeeByID(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if !emp.IsChurchMember {
		return nil, fmt.Errorf("%w: %s", ErrNotLinked, employeeID)
	}
	mem, memErr := s.memberByID(ctx, emp.MemberID)
	hasMember := memErr == nil && mem.EmployeeID == emp.EmployeeID

	// Step 2: Clear the employee side
	clearedEmp, err := s.employees.Update(ctx, emp.ID, emp.Version, func(e *domain.Employee) error {
		e.IsChurchMember = false
		e.MemberID = ""
		e.TitheNumber = ""
		e.VisitorID = ""
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unlink employee: %w", err)
	}
	res = &LinkResult{Employee: clearedEmp}

	// Step 3: Clear the member side
	if hasMember {
		clearedMem, err := s.members.Update(ctx, mem.ID, mem.Version, func(m *domain.FullMember) error {
			m.IsEmployee = false
			m.EmployeeID = ""
			m.EmployeeNumber = ""
			m.Department = ""
			m.Position = ""
			m.DateOfEmployment = nil
			return nil
		})
		if err != nil {
			s.logger.WarnContext(ctx, "compensating failed unlink", "employee_id", emp.EmployeeID)
			if _, cerr := s.employees.Update(ctx, clearedEmp.ID, clearedEmp.Version, func(e *domain.Employee) error {
				e.IsChurchMember = true
				e.MemberID = emp.MemberID
				e.TitheNumber = emp.TitheNumber
				e.VisitorID = emp.VisitorID
				return nil
			}); cerr != nil {
				s.logger.ErrorContext(ctx, "failed to compensate employee unlink", "employee_id", emp.EmployeeID, "error", cerr)
			}
			return nil, fmt.Errorf("unlink member: %w", err)
		}
		res.Member = clearedMem
	} else {
		s.logger.WarnContext(ctx, "unlinked employee had no mirrored member", "employee_id", emp.EmployeeID, "member_id", emp.MemberID)
	}

	// Step 4: Close the most recent history record
	if hist, ok := s.latestHistory(ctx, emp.EmployeeID); ok {
		now := s.now().UTC()
		note := fmt.Sprintf("Unlinked on %s by %s", now.Format(time.DateOnly), domain.ActorFrom(ctx).Name)
		if reason = strings.TrimSpace(reason); reason != "" {
			note += ": " + reason
		}
		closed, herr := s.links.Mutate(ctx, audit.ActionDelete, hist.ID, 0, func(l *domain.EmployeeMemberLink) error {
			if l.Notes != "" {
				l.Notes += "\n"
			}
			l.Notes += note
			l.UnlinkedAt = &now
			l.IsActive = false
			return nil
		})
		if herr != nil {
			s.logger.WarnContext(ctx, "link history not closed", "link_id", hist.ID, "error", herr)
		} else {
			res.History = &closed
		}
	}

	s.logger.InfoContext(ctx, "employee unlinked", "employee_id", emp.EmployeeID, "member_id", emp.MemberID)
	return res, nil
}

func (s *service) latestHistory(ctx context.Context, employeeID string) (domain.EmployeeMemberLink, bool) {
	var (
		latest domain.EmployeeMemberLink
		found  bool
	)
	for _, l := range s.links.Active(ctx) {
		if l.EmployeeID != employeeID {
			continue
		}
		if !found || !l.LinkedAt.Before(latest.LinkedAt) {
			latest, found = l, true
		}
	}
	return latest, found
}

// FindPotentialMatches ranks unlinked active members against the employee.
func (s *service) FindPotentialMatches(ctx context.Context, employeeID string) ([]Match, error) {
	ctx, span := s.tracer.Start(ctx, "linkage.find_matches",
		trace.WithAttributes(attribute.String("employee.id", employeeID)))
	defer span.End()

	emp, err := s.employeeByID(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	matches := RankMatches(emp, s.members.List(ctx))
	span.SetAttributes(attribute.Int("match.count", len(matches)))
	return matches, nil
}

// DetectConflicts compares the employee with its linked member. An unlinked employee has none.
func (s *service) DetectConflicts(ctx context.Context, employeeID string) ([]string, error) {
	emp, err := s.employeeByID(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if !emp.IsChurchMember || emp.MemberID == "" {
		return []string{}, nil
	}
	mem, err := s.memberByID(ctx, emp.MemberID)
	if errors.Is(err, records.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return nonNil(CompareFields(emp, mem)), nil
}

// Statistics aggregates linkage over active records.
func (s *service) Statistics(ctx context.Context) Statistics {
	var st Statistics
	for _, e := range s.employees.Active(ctx) {
		st.TotalEmployees++
		if e.IsChurchMember {
			st.LinkedEmployees++
		}
	}
	for _, m := range s.members.Active(ctx) {
		st.TotalMembers++
		if m.IsEmployee {
			st.LinkedMembers++
		}
	}
	st.UnlinkedEmployees = st.TotalEmployees - st.LinkedEmployees
	st.UnlinkedMembers = st.TotalMembers - st.LinkedMembers
	if st.TotalEmployees > 0 {
		st.LinkagePercentage = int(math.Round(float64(st.LinkedEmployees) / float64(st.TotalEmployees) * 100))
	}
	return st
}

// Conflicts runs the field comparison for every linked pair and reports the ones that differ.
func (s *service) Conflicts(ctx context.Context) []ConflictReport {
	members := s.memberIndex(ctx)
	out := make([]ConflictReport, 0)
	for _, e := range s.employees.Active(ctx) {
		if !e.IsChurchMember {
			continue
		}
		m, ok := members[e.MemberID]
		if !ok {
			continue
		}
		if c := CompareFields(e, m); len(c) > 0 {
			out = append(out, ConflictReport{EmployeeID: e.EmployeeID, MemberID: m.MemberID, Conflicts: c})
		}
	}
	return out
}

// SymmetryViolations reports cross-references that do not point back at each other.
func (s *service) SymmetryViolations(ctx context.Context) []SymmetryViolation {
	members := s.memberIndex(ctx)
	employees := make(map[string]domain.Employee)
	for _, e := range s.employees.Active(ctx) {
		employees[e.EmployeeID] = e
	}

	out := make([]SymmetryViolation, 0)
	for _, e := range employees {
		if !e.IsChurchMember {
			continue
		}
		m, ok := members[e.MemberID]
		switch {
		case e.MemberID == "":
			out = append(out, SymmetryViolation{EmployeeID: e.EmployeeID, Reason: "employee is marked as member without a member id"})
		case !ok:
			out = append(out, SymmetryViolation{EmployeeID: e.EmployeeID, MemberID: e.MemberID, Reason: "linked member does not exist or is inactive"})
		case !m.IsEmployee || m.EmployeeID != e.EmployeeID:
			out = append(out, SymmetryViolation{EmployeeID: e.EmployeeID, MemberID: e.MemberID, Reason: "member does not point back at employee"})
		}
	}
	for _, m := range members {
		if !m.IsEmployee {
			continue
		}
		e, ok := employees[m.EmployeeID]
		switch {
		case m.EmployeeID == "":
			out = append(out, SymmetryViolation{MemberID: m.MemberID, Reason: "member is marked as employee without an employee id"})
		case !ok:
			out = append(out, SymmetryViolation{EmployeeID: m.EmployeeID, MemberID: m.MemberID, Reason: "linked employee does not exist or is inactive"})
		case !e.IsChurchMember || e.MemberID != m.MemberID:
			out = append(out, SymmetryViolation{EmployeeID: m.EmployeeID, MemberID: m.MemberID, Reason: "employee does not point back at member"})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EmployeeID != out[j].EmployeeID {
			return out[i].EmployeeID < out[j].EmployeeID
		}
		return out[i].MemberID < out[j].MemberID
	})
	return out
}

// ExportLinkageData flattens every active employee and its member link for report writers.
func (s *service) ExportLinkageData(ctx context.Context) []ExportRow {
	members := s.memberIndex(ctx)
	linkedAt := make(map[string]time.Time)
	for _, l := range s.links.Active(ctx) {
		if cur, ok := linkedAt[l.EmployeeID]; !ok || l.LinkedAt.After(cur) {
			linkedAt[l.EmployeeID] = l.LinkedAt
		}
	}

	rows := make([]ExportRow, 0)
	for _, e := range s.employees.Active(ctx) {
		row := ExportRow{
			EmployeeID:     e.EmployeeID,
			EmployeeNumber: e.EmployeeNumber,
			EmployeeName:   e.FullName(),
			Department:     e.Department,
			Position:       e.Position,
			IsChurchMember: e.IsChurchMember,
		}
		if e.IsChurchMember {
			row.MemberID = e.MemberID
			row.TitheNumber = e.TitheNumber
			if m, ok := members[e.MemberID]; ok {
				row.MemberName = m.FullName()
				row.Conflicts = len(CompareFields(e, m))
			}
			if t, ok := linkedAt[e.EmployeeID]; ok {
				row.LinkedAt = &t
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// History returns link history records newest first, optionally for one employee.
func (s *service) History(ctx context.Context, employeeID string) []domain.EmployeeMemberLink {
	out := s.links.Filter(ctx, func(l *domain.EmployeeMemberLink) bool {
		return employeeID == "" || l.EmployeeID == employeeID
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].LinkedAt.After(out[j].LinkedAt) })
	return out
}

func (s *service) memberIndex(ctx context.Context) map[string]domain.FullMember {
	idx := make(map[string]domain.FullMember)
	for _, m := range s.members.Active(ctx) {
		idx[m.MemberID] = m
	}
	return idx
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
