// internal/tithe/implementation.go
package tithe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/audit"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/records"
)

const (
	minSearchLength       = 2
	regularContributorMin = 4
	topContributors       = 10
)

// service implements the Service interface.
type service struct {
	tithes  *records.Tithes
	members *records.FullMembers
	seq     *records.Sequence
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
	amounts metric.Float64Histogram
}

// NewService creates a new tithe ledger over the record registry.
func NewService(reg *records.Registry, logger *slog.Logger, now func() time.Time) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	amounts, err := otel.Meter("tsoam/tithe").Float64Histogram("tsoam.tithe.amount",
		metric.WithDescription("Recorded contribution amounts"))
	if err != nil {
		logger.Warn("tithe histogram unavailable", "error", err)
	}
	return &service{
		tithes:  reg.Tithes,
		members: reg.FullMembers,
		seq:     reg.Sequence,
		logger:  logger,
		now:     now,
		tracer:  otel.Tracer("tsoam/tithe"),
		amounts: amounts,
	}
}

func (s *service) memberByID(ctx context.Context, memberID string) (domain.FullMember, bool) {
	return s.members.Find(ctx, func(m *domain.FullMember) bool { return m.MemberID == memberID && m.IsActive })
}

func (s *service) titheByID(ctx context.Context, titheID string) (domain.TitheRecord, error) {
	t, ok := s.tithes.Find(ctx, func(t *domain.TitheRecord) bool { return t.TitheID == titheID })
	if !ok {
		return t, records.NotFoundError{Entity: domain.EntityTithe, ID: titheID}
	}
	return t, nil
}

func (s *service) memberTithes(ctx context.Context, memberID string) []domain.TitheRecord {
	return s.tithes.Filter(ctx, func(t *domain.TitheRecord) bool { return t.IsActive && t.MemberID == memberID })
}

// RecordTithe persists a contribution and then updates the owning member's giving block.
// A failed aggregate update is logged; the tithe itself stays recorded and ReconcileMember repairs it.
func (s *service) RecordTithe(ctx context.Context, in RecordInput) (*domain.TitheRecord, error) {
	ctx, span := s.tracer.Start(ctx, "tithe.record",
		trace.WithAttributes(
			attribute.String("member.id", in.MemberID),
			attribute.Float64("tithe.amount", in.Amount),
		),
	)
	defer span.End()

	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(in.MemberID) == "" {
		return nil, domain.Invalid("member id is required")
	}

	// Step 1: Resolve the member reference
	recordedAt := s.now().UTC()
	titheDate := recordedAt
	if in.TitheDate != nil && !in.TitheDate.IsZero() {
		titheDate = in.TitheDate.UTC()
	}
	rec := domain.TitheRecord{
		MemberID:         in.MemberID,
		TitheNumber:      in.TitheNumber,
		MemberName:       in.MemberName,
		Amount:           roundCents(in.Amount),
		Currency:         in.Currency,
		PaymentMethod:    in.PaymentMethod,
		PaymentReference: in.PaymentReference,
		TitheDate:        titheDate,
		ServiceDate:      domain.ServiceDate(titheDate),
		Category:         in.Category,
		TitheType:        in.TitheType,
		ReceivedBy:       in.ReceivedBy,
		Notes:            in.Notes,
	}
	member, found := s.memberByID(ctx, in.MemberID)
	if found {
		rec.TitheNumber = member.TitheNumber
		rec.MemberName = member.FullName()
	}
	if rec.Currency == "" {
		rec.Currency = DefaultCurrency
	}
	if rec.Category == "" {
		rec.Category = domain.CategoryTithe
	}
	if rec.TitheType == "" {
		rec.TitheType = domain.TypeRegular
	}
	if rec.ReceivedBy == "" {
		rec.ReceivedBy = domain.ActorFrom(ctx).Name
	}

	// Step 2: Allocate the year-scoped tithe id
	year := titheDate.Year()
	n, err := s.seq.Next(ctx, fmt.Sprintf("tithe:%d", year))
	if err != nil {
		return nil, fmt.Errorf("allocate tithe id: %w", err)
	}
	rec.TitheID = fmt.Sprintf("TITHE-%d-%06d", year, n)
	rec.ID = rec.TitheID
	span.SetAttributes(attribute.String("tithe.id", rec.TitheID))

	// Step 3: Persist the record
	created, err := s.tithes.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record tithe: %w", err)
	}
	if s.amounts != nil {
		s.amounts.Record(ctx, created.Amount, metric.WithAttributes(
			attribute.String("category", string(created.Category)),
			attribute.String("payment_method", created.PaymentMethod),
		))
	}

	// Step 4: Update the member aggregate
	if !found {
		s.logger.WarnContext(ctx, "tithe recorded for unknown member, aggregate not updated",
			"tithe_id", created.TitheID, "member_id", in.MemberID)
		return &created, nil
	}
	dates := make([]time.Time, 0, frequencyWindow)
	for _, t := range s.memberTithes(ctx, member.MemberID) {
		dates = append(dates, t.TitheDate)
	}
	freq, classified := ClassifyFrequency(dates)
	if _, err := s.members.Update(ctx, member.ID, 0, func(m *domain.FullMember) error {
		m.TotalTithes = roundCents(m.TotalTithes + created.Amount)
		if m.LastTitheDate == nil || !created.TitheDate.Before(*m.LastTitheDate) {
			d := created.TitheDate
			m.LastTitheDate = &d
			m.LastTitheAmount = created.Amount
		}
		if classified {
			m.TitheFrequency = freq
		}
		return nil
	}); err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "member aggregate update failed", "tithe_id", created.TitheID,
			"member_id", member.MemberID, "error", err)
	}

	s.logger.InfoContext(ctx, "tithe recorded", "tithe_id", created.TitheID, "member_id", created.MemberID,
		"amount", created.Amount, "currency", created.Currency)
	return &created, nil
}

// GetMemberTithes returns a member's active tithes, newest first.
func (s *service) GetMemberTithes(ctx context.Context, memberID string) []domain.TitheRecord {
	out := s.memberTithes(ctx, memberID)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TitheDate.After(out[j].TitheDate) })
	return out
}

// inWindow reports whether t falls on a day within [start, end]. Nil bounds are open.
func inWindow(t time.Time, start, end *time.Time) bool {
	day := domain.DateOnly(t.UTC())
	if start != nil && day.Before(domain.DateOnly(start.UTC())) {
		return false
	}
	if end != nil && day.After(domain.DateOnly(end.UTC())) {
		return false
	}
	return true
}

// GetAnalytics summarises active tithes in the inclusive date window. Period totals always cover
// the last 1/7/30/365 days from now, independent of the window.
func (s *service) GetAnalytics(ctx context.Context, start, end *time.Time) Analytics {
	_, span := s.tracer.Start(ctx, "tithe.analytics")
	defer span.End()

	all := s.tithes.Active(ctx)
	now := s.now().UTC()
	a := Analytics{
		TopContributors: []Contributor{},
		ByPaymentMethod: map[string]Bucket{},
		ByCategory:      map[domain.TitheCategory]Bucket{},
	}

	contributors := map[string]*Contributor{}
	var order []string
	for _, t := range all {
		age := now.Sub(t.TitheDate)
		for _, p := range []struct {
			days int
			b    *Bucket
		}{
			{1, &a.Periods.Today},
			{7, &a.Periods.ThisWeek},
			{30, &a.Periods.ThisMonth},
			{365, &a.Periods.ThisYear},
		} {
			if age >= 0 && age <= time.Duration(p.days)*24*time.Hour {
				p.b.Count++
				p.b.Amount = roundCents(p.b.Amount + t.Amount)
			}
		}

		if !inWindow(t.TitheDate, start, end) {
			continue
		}
		a.TotalRecords++
		a.TotalAmount += t.Amount

		c, ok := contributors[t.MemberID]
		if !ok {
			c = &Contributor{MemberID: t.MemberID, MemberName: t.MemberName, TitheNumber: t.TitheNumber}
			contributors[t.MemberID] = c
			order = append(order, t.MemberID)
		}
		c.Total += t.Amount
		c.Count++

		pm := a.ByPaymentMethod[t.PaymentMethod]
		pm.Count++
		pm.Amount = roundCents(pm.Amount + t.Amount)
		a.ByPaymentMethod[t.PaymentMethod] = pm

		cat := a.ByCategory[t.Category]
		cat.Count++
		cat.Amount = roundCents(cat.Amount + t.Amount)
		a.ByCategory[t.Category] = cat
	}

	a.TotalAmount = roundCents(a.TotalAmount)
	if a.TotalRecords > 0 {
		a.AverageAmount = roundCents(a.TotalAmount / float64(a.TotalRecords))
	}
	a.UniqueMembers = len(contributors)
	for _, id := range order {
		c := contributors[id]
		c.Total = roundCents(c.Total)
		if c.Count >= regularContributorMin {
			a.RegularContributors++
		}
		a.TopContributors = append(a.TopContributors, *c)
	}
	sort.SliceStable(a.TopContributors, func(i, j int) bool {
		return a.TopContributors[i].Total > a.TopContributors[j].Total
	})
	if len(a.TopContributors) > topContributors {
		a.TopContributors = a.TopContributors[:topContributors]
	}
	span.SetAttributes(attribute.Int("tithe.count", a.TotalRecords))
	return a
}

// SearchMembers matches active members by name, member id or tithe number (case-insensitive) and by
// phone (plain substring). Queries shorter than two characters return nothing.
func (s *service) SearchMembers(ctx context.Context, query string) []domain.FullMember {
	q := strings.TrimSpace(query)
	if len([]rune(q)) < minSearchLength {
		return []domain.FullMember{}
	}
	lq := strings.ToLower(q)
	return s.members.Filter(ctx, func(m *domain.FullMember) bool {
		if !m.IsActive || m.MembershipStatus != domain.MembershipActive {
			return false
		}
		return strings.Contains(strings.ToLower(m.FullName()), lq) ||
			strings.Contains(strings.ToLower(m.MemberID), lq) ||
			strings.Contains(strings.ToLower(m.TitheNumber), lq) ||
			strings.Contains(m.Phone, q)
	})
}

// ReconcileMember recomputes a member's giving block from its full active tithe history.
func (s *service) ReconcileMember(ctx context.Context, memberID string) (*domain.FullMember, error) {
	ctx, span := s.tracer.Start(ctx, "tithe.reconcile_member",
		trace.WithAttributes(attribute.String("member.id", memberID)))
	defer span.End()

	member, ok := s.memberByID(ctx, memberID)
	if !ok {
		return nil, records.NotFoundError{Entity: domain.EntityFullMember, ID: memberID}
	}
	agg := computeAggregate(s.memberTithes(ctx, memberID))
	if !agg.drifted(member) {
		return &member, nil
	}
	updated, err := s.members.Update(ctx, member.ID, 0, func(m *domain.FullMember) error {
		agg.apply(m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile member %s: %w", memberID, err)
	}
	s.logger.InfoContext(ctx, "member aggregate reconciled", "member_id", memberID,
		"stored_total", member.TotalTithes, "computed_total", agg.Total)
	return &updated, nil
}

// ReconcileAll repairs every drifted member aggregate.
func (s *service) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	ctx, span := s.tracer.Start(ctx, "tithe.reconcile_all")
	defer span.End()

	report := ReconcileReport{Repaired: []string{}}
	var errs []error
	for _, d := range s.AggregateDrift(ctx) {
		if _, err := s.ReconcileMember(ctx, d.MemberID); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Repaired = append(report.Repaired, d.MemberID)
	}
	report.Checked = len(s.members.Active(ctx))
	span.SetAttributes(attribute.Int("reconcile.repaired", len(report.Repaired)))
	return report, errors.Join(errs...)
}

// AggregateDrift lists active members whose stored giving block disagrees with their tithes.
func (s *service) AggregateDrift(ctx context.Context) []Drift {
	byMember := map[string][]domain.TitheRecord{}
	for _, t := range s.tithes.Active(ctx) {
		byMember[t.MemberID] = append(byMember[t.MemberID], t)
	}
	out := make([]Drift, 0)
	for _, m := range s.members.Active(ctx) {
		agg := computeAggregate(byMember[m.MemberID])
		if agg.drifted(m) {
			out = append(out, Drift{
				MemberID:      m.MemberID,
				StoredTotal:   m.TotalTithes,
				ComputedTotal: agg.Total,
				StoredLast:    m.LastTitheDate,
				ComputedLast:  agg.LastDate,

				StoredLastAmount:   m.LastTitheAmount,
				ComputedLastAmount: agg.LastAmount,
			})
		}
	}
	return out
}

// OrphanTithes lists active tithes whose member does not exist or is inactive.
func (s *service) OrphanTithes(ctx context.Context) []domain.TitheRecord {
	known := map[string]bool{}
	for _, m := range s.members.Active(ctx) {
		known[m.MemberID] = true
	}
	return s.tithes.Filter(ctx, func(t *domain.TitheRecord) bool { return t.IsActive && !known[t.MemberID] })
}

// ReverseTithe deactivates a tithe with a reason and reconciles its member. Tithes are never edited
// in place; a correction is a reversal followed by a new record.
func (s *service) ReverseTithe(ctx context.Context, titheID, reason string) (*domain.TitheRecord, error) {
	ctx, span := s.tracer.Start(ctx, "tithe.reverse",
		trace.WithAttributes(attribute.String("tithe.id", titheID)))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	t, err := s.titheByID(ctx, titheID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReversed, titheID)
	}
	now := s.now().UTC()
	reversed, err := s.tithes.Mutate(ctx, audit.ActionDelete, t.ID, t.Version, func(r *domain.TitheRecord) error {
		r.IsActive = false
		r.ReversalReason = reason
		r.ReversedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reverse tithe: %w", err)
	}
	if _, err := s.ReconcileMember(ctx, t.MemberID); err != nil {
		s.logger.WarnContext(ctx, "member aggregate not reconciled after reversal",
			"tithe_id", titheID, "member_id", t.MemberID, "error", err)
	}
	s.logger.InfoContext(ctx, "tithe reversed", "tithe_id", titheID, "reason", reason)
	return &reversed, nil
}

// VerifyTithe marks a tithe as verified by the current actor. Verifying twice is a no-op.
func (s *service) VerifyTithe(ctx context.Context, titheID string) (*domain.TitheRecord, error) {
	t, err := s.titheByID(ctx, titheID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReversed, titheID)
	}
	if t.IsVerified {
		return &t, nil
	}
	actor := domain.ActorFrom(ctx)
	now := s.now().UTC()
	verified, err := s.tithes.Update(ctx, t.ID, t.Version, func(r *domain.TitheRecord) error {
		r.IsVerified = true
		r.VerifiedBy = actor.Name
		r.VerifiedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify tithe: %w", err)
	}
	return &verified, nil
}

// ExportTitheData returns active tithes in the window, oldest first, for report writers.
func (s *service) ExportTitheData(ctx context.Context, start, end *time.Time) []domain.TitheRecord {
	out := s.tithes.Filter(ctx, func(t *domain.TitheRecord) bool {
		return t.IsActive && inWindow(t.TitheDate, start, end)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].TitheDate.Before(out[j].TitheDate) })
	return out
}
