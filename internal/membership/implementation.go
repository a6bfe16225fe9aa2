// internal/membership/implementation.go
package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/audit"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/httpapi"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/records"
)

// service implements the Service interface.
type service struct {
	reg    *records.Registry
	logger *slog.Logger
	now    func() time.Time
	tracer trace.Tracer
}

// NewService creates a new membership service instance.
func NewService(reg *records.Registry, logger *slog.Logger, now func() time.Time) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &service{
		reg:    reg,
		logger: logger,
		now:    now,
		tracer: otel.Tracer("tsoam/membership"),
	}
}

// RecordVisit creates a visitor on a first visit, matched by phone, and otherwise advances the
// visit counters. A second visit on the same day is not counted twice.
func (s *service) RecordVisit(ctx context.Context, in VisitInput) (*domain.Visitor, error) {
	ctx, span := s.tracer.Start(ctx, "membership.record_visit")
	defer span.End()

	if err := httpapi.Validate(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	day := now
	if in.VisitDate != nil && !in.VisitDate.IsZero() {
		day = in.VisitDate.UTC()
	}
	phone := domain.NormalizePhone(in.Phone)

	existing, found := s.reg.Visitors.Find(ctx, func(v *domain.Visitor) bool {
		return v.IsActive && phone != "" && domain.NormalizePhone(v.Phone) == phone
	})
	if !found {
		v := domain.Visitor{
			Person:          in.Person,
			FirstVisitDate:  day,
			LastVisitDate:   day,
			TotalVisits:     1,
			Status:          domain.VisitorActive,
			HowHeardAboutUs: in.HowHeardAboutUs,
		}
		v.ConsecutiveSundays = nextConsecutiveSundays(0, time.Time{}, day)
		v.RetentionScore = RetentionScore(v, now)
		created, err := s.reg.Visitors.Create(ctx, v)
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("visitor.id", created.ID), attribute.Bool("visitor.new", true))
		return &created, nil
	}

	span.SetAttributes(attribute.String("visitor.id", existing.ID), attribute.Bool("visitor.new", false))
	updated, err := s.reg.Visitors.Update(ctx, existing.ID, 0, func(v *domain.Visitor) error {
		if domain.DateOnly(v.LastVisitDate.UTC()).Equal(domain.DateOnly(day)) {
			return nil
		}
		if day.After(v.LastVisitDate) {
			v.ConsecutiveSundays = nextConsecutiveSundays(v.ConsecutiveSundays, v.LastVisitDate.UTC(), day)
			v.LastVisitDate = day
		}
		v.TotalVisits++
		if v.Status == domain.VisitorInactive || v.Status == domain.VisitorLost {
			v.Status = domain.VisitorActive
		}
		v.RetentionScore = RetentionScore(*v, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetVisitorStatus moves a visitor between active, inactive and lost. Promotion has its own operation.
func (s *service) SetVisitorStatus(ctx context.Context, id string, status domain.VisitorStatus) (*domain.Visitor, error) {
	switch status {
	case domain.VisitorActive, domain.VisitorInactive, domain.VisitorLost:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	v, err := s.GetVisitor(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.PromotedToNewMember {
		return nil, fmt.Errorf("%w: visitor %s", ErrAlreadyPromoted, v.ID)
	}
	updated, err := s.reg.Visitors.Update(ctx, v.ID, 0, func(v *domain.Visitor) error {
		v.Status = status
		v.RetentionScore = RetentionScore(*v, s.now().UTC())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// PromoteVisitor creates a new member from a visitor and marks the visitor promoted.
func (s *service) PromoteVisitor(ctx context.Context, visitorID string, in PromotionInput) (*domain.NewMember, error) {
	ctx, span := s.tracer.Start(ctx, "membership.promote_visitor",
		trace.WithAttributes(attribute.String("visitor.id", visitorID)))
	defer span.End()

	if err := httpapi.Validate(in); err != nil {
		return nil, err
	}

	// Step 1: Resolve the visitor
	v, err := s.GetVisitor(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	if !v.IsActive {
		return nil, records.NotFoundError{Entity: domain.EntityVisitor, ID: visitorID}
	}
	if v.PromotedToNewMember {
		return nil, fmt.Errorf("%w: visitor %s", ErrAlreadyPromoted, v.ID)
	}

	// Step 2: Create the new member
	now := s.now().UTC()
	nm, err := s.reg.NewMembers.Create(ctx, domain.NewMember{
		Person:                   v.Person,
		JoinDate:                 now,
		TransferredFromVisitorID: v.ID,
		IsBaptized:               in.IsBaptized,
		BaptismDate:              in.BaptismDate,
		BibleStudyCompleted:      in.BibleStudyCompleted,
		BibleStudyCompletedAt:    in.BibleStudyCompletedAt,
		EmploymentStatus:         in.EmploymentStatus,
		PreviousChurch:           in.PreviousChurch,
		ReasonForLeaving:         in.ReasonForLeaving,
		EligibleForMembership:    in.IsBaptized && in.BibleStudyCompleted,
	})
	if err != nil {
		return nil, fmt.Errorf("create new member: %w", err)
	}

	// Step 3: Transfer the visitor
	if _, err := s.reg.Visitors.Mutate(ctx, audit.ActionTransfer, v.ID, v.Version, func(v *domain.Visitor) error {
		v.Status = domain.VisitorPromoted
		v.PromotedToNewMember = true
		v.PromotionDate = &now
		return nil
	}); err != nil {
		s.logger.WarnContext(ctx, "compensating failed visitor promotion", "visitor_id", v.ID, "new_member_id", nm.ID)
		if _, cerr := s.reg.NewMembers.Deactivate(ctx, nm.ID, nm.Version); cerr != nil {
			s.logger.ErrorContext(ctx, "failed to compensate new member", "new_member_id", nm.ID, "error", cerr)
		}
		return nil, fmt.Errorf("transfer visitor: %w", err)
	}

	s.logger.InfoContext(ctx, "visitor promoted", "visitor_id", v.ID, "new_member_id", nm.ID)
	return &nm, nil
}

// UpdateNewMember merges a JSON document onto a new member. Eligibility follows baptism and
// bible study completion.
func (s *service) UpdateNewMember(ctx context.Context, id string, expectedVersion int, patch json.RawMessage) (*domain.NewMember, error) {
	nm, err := s.GetNewMember(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.reg.NewMembers.Update(ctx, nm.ID, expectedVersion, func(n *domain.NewMember) error {
		transferred, promoted := n.TransferredFromVisitorID, n.PromotedToMemberID
		if err := applyPatch(n, patch); err != nil {
			return err
		}
		n.TransferredFromVisitorID, n.PromotedToMemberID = transferred, promoted
		n.EligibleForMembership = n.IsBaptized && n.BibleStudyCompleted
		return httpapi.Validate(n)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// PromoteNewMember creates the full member record for an eligible new member.
func (s *service) PromoteNewMember(ctx context.Context, newMemberID string) (*domain.FullMember, error) {
	ctx, span := s.tracer.Start(ctx, "membership.promote_new_member",
		trace.WithAttributes(attribute.String("new_member.id", newMemberID)))
	defer span.End()

	// Step 1: Resolve and check the new member
	nm, err := s.GetNewMember(ctx, newMemberID)
	if err != nil {
		return nil, err
	}
	if !nm.IsActive {
		return nil, records.NotFoundError{Entity: domain.EntityNewMember, ID: newMemberID}
	}
	if nm.PromotedToMemberID != "" {
		return nil, fmt.Errorf("%w: new member %s is member %s", ErrAlreadyPromoted, nm.ID, nm.PromotedToMemberID)
	}
	if !nm.EligibleForMembership {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, nm.ID)
	}

	// Step 2: Create the full member
	now := s.now().UTC()
	memberID, titheNumber, err := s.allocateMemberIDs(ctx, now)
	if err != nil {
		return nil, err
	}
	m, err := s.reg.FullMembers.Create(ctx, domain.FullMember{
		Person:              nm.Person,
		MemberID:            memberID,
		TitheNumber:         titheNumber,
		OriginalVisitorID:   nm.TransferredFromVisitorID,
		OriginalNewMemberID: nm.ID,
		MembershipDate:      now,
		MembershipStatus:    domain.MembershipActive,
	})
	if err != nil {
		return nil, fmt.Errorf("create full member: %w", err)
	}

	// Step 3: Transfer the new member
	if _, err := s.reg.NewMembers.Mutate(ctx, audit.ActionTransfer, nm.ID, nm.Version, func(n *domain.NewMember) error {
		n.PromotedToMemberID = m.MemberID
		return nil
	}); err != nil {
		s.logger.WarnContext(ctx, "compensating failed membership promotion", "new_member_id", nm.ID, "member_id", m.MemberID)
		if _, cerr := s.reg.FullMembers.Deactivate(ctx, m.ID, m.Version); cerr != nil {
			s.logger.ErrorContext(ctx, "failed to compensate full member", "member_id", m.MemberID, "error", cerr)
		}
		return nil, fmt.Errorf("transfer new member: %w", err)
	}

	s.logger.InfoContext(ctx, "new member promoted", "new_member_id", nm.ID, "member_id", m.MemberID)
	return &m, nil
}

func (s *service) allocateMemberIDs(ctx context.Context, now time.Time) (string, string, error) {
	n, err := s.reg.Sequence.Next(ctx, fmt.Sprintf("member:%d", now.Year()))
	if err != nil {
		return "", "", fmt.Errorf("allocate member id: %w", err)
	}
	t, err := s.reg.Sequence.Next(ctx, "tithe_number")
	if err != nil {
		return "", "", fmt.Errorf("allocate tithe number: %w", err)
	}
	return fmt.Sprintf("TSOAM%d-%03d", now.Year(), n), fmt.Sprintf("TN%05d", t), nil
}

// CreateFullMember registers a member directly. Blank identifiers are allocated.
func (s *service) CreateFullMember(ctx context.Context, in FullMemberInput) (*domain.FullMember, error) {
	if err := httpapi.Validate(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	memberID, titheNumber := strings.TrimSpace(in.MemberID), strings.TrimSpace(in.TitheNumber)
	if memberID == "" || titheNumber == "" {
		genID, genTN, err := s.allocateMemberIDs(ctx, now)
		if err != nil {
			return nil, err
		}
		if memberID == "" {
			memberID = genID
		}
		if titheNumber == "" {
			titheNumber = genTN
		}
	}
	if _, taken := s.reg.FullMembers.Find(ctx, func(m *domain.FullMember) bool {
		return strings.EqualFold(m.MemberID, memberID) || strings.EqualFold(m.TitheNumber, titheNumber)
	}); taken {
		return nil, fmt.Errorf("%w: member id %s or tithe number %s", ErrDuplicateID, memberID, titheNumber)
	}
	joined := now
	if in.MembershipDate != nil && !in.MembershipDate.IsZero() {
		joined = in.MembershipDate.UTC()
	}
	m, err := s.reg.FullMembers.Create(ctx, domain.FullMember{
		Person:           in.Person,
		MemberID:         memberID,
		TitheNumber:      titheNumber,
		MembershipDate:   joined,
		MembershipStatus: domain.MembershipActive,
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateFullMember merges a JSON document onto a member. Identifiers, the employee cross-reference
// and the tithe aggregate are owned elsewhere and cannot be patched.
func (s *service) UpdateFullMember(ctx context.Context, id string, expectedVersion int, patch json.RawMessage) (*domain.FullMember, error) {
	m, err := s.GetFullMember(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.reg.FullMembers.Update(ctx, m.ID, expectedVersion, func(m *domain.FullMember) error {
		keep := *m
		if err := applyPatch(m, patch); err != nil {
			return err
		}
		m.MemberID, m.TitheNumber = keep.MemberID, keep.TitheNumber
		m.OriginalVisitorID, m.OriginalNewMemberID = keep.OriginalVisitorID, keep.OriginalNewMemberID
		m.IsEmployee, m.EmployeeID, m.EmployeeNumber = keep.IsEmployee, keep.EmployeeID, keep.EmployeeNumber
		m.Department, m.Position, m.DateOfEmployment = keep.Department, keep.Position, keep.DateOfEmployment
		m.TotalTithes, m.LastTitheDate, m.LastTitheAmount = keep.TotalTithes, keep.LastTitheDate, keep.LastTitheAmount
		m.TitheFrequency = keep.TitheFrequency
		if m.MembershipStatus != domain.MembershipActive && m.MembershipStatus != domain.MembershipInactive {
			return domain.Invalid("membership_status must be Active or Inactive")
		}
		return httpapi.Validate(m)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// CreateEmployee registers an HR record. A blank employee id is allocated from the sequence.
func (s *service) CreateEmployee(ctx context.Context, in EmployeeInput) (*domain.Employee, error) {
	if err := httpapi.Validate(in); err != nil {
		return nil, err
	}
	employeeID, number := strings.TrimSpace(in.EmployeeID), strings.TrimSpace(in.EmployeeNumber)
	if employeeID == "" || number == "" {
		n, err := s.reg.Sequence.Next(ctx, "employee")
		if err != nil {
			return nil, fmt.Errorf("allocate employee id: %w", err)
		}
		if employeeID == "" {
			employeeID = fmt.Sprintf("EMP-%04d", n)
		}
		if number == "" {
			number = fmt.Sprintf("E%04d", n)
		}
	}
	if _, taken := s.reg.Employees.Find(ctx, func(e *domain.Employee) bool {
		return strings.EqualFold(e.EmployeeID, employeeID)
	}); taken {
		return nil, fmt.Errorf("%w: employee id %s", ErrDuplicateID, employeeID)
	}
	employed := s.now().UTC()
	if in.EmploymentDate != nil && !in.EmploymentDate.IsZero() {
		employed = in.EmploymentDate.UTC()
	}
	status := in.EmploymentStatus
	if status == "" {
		status = "Active"
	}
	e, err := s.reg.Employees.Create(ctx, domain.Employee{
		Person:           in.Person,
		EmployeeID:       employeeID,
		EmployeeNumber:   number,
		Department:       in.Department,
		Position:         in.Position,
		EmploymentDate:   employed,
		EmploymentStatus: status,
		ContractType:     in.ContractType,
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateEmployee merges a JSON document onto an employee. The member cross-reference belongs to the
// linker; employment fields mirrored on a linked member are refreshed afterwards.
func (s *service) UpdateEmployee(ctx context.Context, id string, expectedVersion int, patch json.RawMessage) (*domain.Employee, error) {
	e, err := s.GetEmployee(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.reg.Employees.Update(ctx, e.ID, expectedVersion, func(e *domain.Employee) error {
		keep := *e
		if err := applyPatch(e, patch); err != nil {
			return err
		}
		e.EmployeeID = keep.EmployeeID
		e.IsChurchMember, e.MemberID = keep.IsChurchMember, keep.MemberID
		e.TitheNumber, e.VisitorID = keep.TitheNumber, keep.VisitorID
		return httpapi.Validate(e)
	})
	if err != nil {
		return nil, err
	}

	if updated.IsChurchMember && (updated.Department != e.Department || updated.Position != e.Position ||
		updated.EmployeeNumber != e.EmployeeNumber || !updated.EmploymentDate.Equal(e.EmploymentDate)) {
		s.refreshMemberMirror(ctx, updated)
	}
	return &updated, nil
}

func (s *service) refreshMemberMirror(ctx context.Context, e domain.Employee) {
	m, ok := s.reg.FullMembers.Find(ctx, func(m *domain.FullMember) bool {
		return m.IsActive && m.MemberID == e.MemberID && m.EmployeeID == e.EmployeeID
	})
	if !ok {
		return
	}
	employed := e.EmploymentDate
	if _, err := s.reg.FullMembers.Update(ctx, m.ID, 0, func(m *domain.FullMember) error {
		m.EmployeeNumber = e.EmployeeNumber
		m.Department = e.Department
		m.Position = e.Position
		m.DateOfEmployment = &employed
		return nil
	}); err != nil {
		s.logger.WarnContext(ctx, "linked member employment fields not refreshed",
			"employee_id", e.EmployeeID, "member_id", e.MemberID, "error", err)
	}
}

// Deactivate soft-deletes a record. Linked employees and members must be unlinked first.
func (s *service) Deactivate(ctx context.Context, entity domain.EntityType, id string, expectedVersion int) error {
	switch entity {
	case domain.EntityVisitor:
		v, err := s.GetVisitor(ctx, id)
		if err != nil {
			return err
		}
		_, err = s.reg.Visitors.Deactivate(ctx, v.ID, expectedVersion)
		return err
	case domain.EntityNewMember:
		nm, err := s.GetNewMember(ctx, id)
		if err != nil {
			return err
		}
		_, err = s.reg.NewMembers.Deactivate(ctx, nm.ID, expectedVersion)
		return err
	case domain.EntityFullMember:
		m, err := s.GetFullMember(ctx, id)
		if err != nil {
			return err
		}
		if m.IsEmployee {
			return fmt.Errorf("%w: member %s is linked to employee %s", ErrLinked, m.MemberID, m.EmployeeID)
		}
		_, err = s.reg.FullMembers.Deactivate(ctx, m.ID, expectedVersion)
		return err
	case domain.EntityEmployee:
		e, err := s.GetEmployee(ctx, id)
		if err != nil {
			return err
		}
		if e.IsChurchMember {
			return fmt.Errorf("%w: employee %s is linked to member %s", ErrLinked, e.EmployeeID, e.MemberID)
		}
		_, err = s.reg.Employees.Deactivate(ctx, e.ID, expectedVersion)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, entity)
	}
}

func activeOnly[T any, P records.Entity[T]](all []T, includeInactive bool) []T {
	if includeInactive {
		return all
	}
	out := make([]T, 0, len(all))
	for i := range all {
		if P(&all[i]).Meta().IsActive {
			out = append(out, all[i])
		}
	}
	return out
}

func (s *service) ListVisitors(ctx context.Context, includeInactive bool) []domain.Visitor {
	return activeOnly[domain.Visitor](s.reg.Visitors.List(ctx), includeInactive)
}

func (s *service) ListNewMembers(ctx context.Context, includeInactive bool) []domain.NewMember {
	return activeOnly[domain.NewMember](s.reg.NewMembers.List(ctx), includeInactive)
}

func (s *service) ListFullMembers(ctx context.Context, includeInactive bool) []domain.FullMember {
	return activeOnly[domain.FullMember](s.reg.FullMembers.List(ctx), includeInactive)
}

func (s *service) ListEmployees(ctx context.Context, includeInactive bool) []domain.Employee {
	return activeOnly[domain.Employee](s.reg.Employees.List(ctx), includeInactive)
}

func (s *service) GetVisitor(ctx context.Context, id string) (*domain.Visitor, error) {
	v, err := s.reg.Visitors.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *service) GetNewMember(ctx context.Context, id string) (*domain.NewMember, error) {
	nm, err := s.reg.NewMembers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &nm, nil
}

// GetFullMember accepts either the record id or the member id.
func (s *service) GetFullMember(ctx context.Context, id string) (*domain.FullMember, error) {
	m, ok := s.reg.FullMembers.Find(ctx, func(m *domain.FullMember) bool { return m.ID == id || m.MemberID == id })
	if !ok {
		return nil, records.NotFoundError{Entity: domain.EntityFullMember, ID: id}
	}
	return &m, nil
}

// GetEmployee accepts either the record id or the employee id.
func (s *service) GetEmployee(ctx context.Context, id string) (*domain.Employee, error) {
	e, ok := s.reg.Employees.Find(ctx, func(e *domain.Employee) bool { return e.ID == id || e.EmployeeID == id })
	if !ok {
		return nil, records.NotFoundError{Entity: domain.EntityEmployee, ID: id}
	}
	return &e, nil
}

// applyPatch merges the fields present in patch onto v.
func applyPatch[T any](v *T, patch json.RawMessage) error {
	if len(bytes.TrimSpace(patch)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalid, err)
	}
	return nil
}
