// internal/integrity/checks.go
package integrity

import (
	"context"
	"fmt"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/linkage"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/tithe"
)

// LinkAuditor exposes the cross-reference views the checks measure.
type LinkAuditor interface {
	SymmetryViolations(ctx context.Context) []linkage.SymmetryViolation
	Conflicts(ctx context.Context) []linkage.ConflictReport
}

// LedgerAuditor exposes the ledger views and the aggregate repair.
type LedgerAuditor interface {
	AggregateDrift(ctx context.Context) []tithe.Drift
	OrphanTithes(ctx context.Context) []domain.TitheRecord
	ReconcileAll(ctx context.Context) (tithe.ReconcileReport, error)
}

// AuditMaintainer exposes audit retention.
type AuditMaintainer interface {
	StaleCount(ctx context.Context) int
	Prune(ctx context.Context) (int, error)
}

// Sources are the services the default checks read from.
type Sources struct {
	Links  LinkAuditor
	Ledger LedgerAuditor
	Audit  AuditMaintainer
}

func zero(name string, query func(context.Context) (float64, error)) Metric {
	return Metric{Name: name, Query: query, Threshold: Threshold{Operator: "==", Value: 0}}
}

// DefaultChecks builds the standard suite. Nil sources are skipped.
func DefaultChecks(src Sources) []Check {
	var checks []Check
	if src.Links != nil {
		checks = append(checks, LinkSymmetryCheck(src.Links), FieldConflictCheck(src.Links))
	}
	if src.Ledger != nil {
		checks = append(checks, AggregateDriftCheck(src.Ledger), OrphanTitheCheck(src.Ledger))
	}
	if src.Audit != nil {
		checks = append(checks, StaleAuditCheck(src.Audit))
	}
	return checks
}

// LinkSymmetryCheck fails when a cross-reference is set on one side only. Repair is manual: the
// linker's Unlink or Link must be run for each reported pair.
func LinkSymmetryCheck(links LinkAuditor) Check {
	return Check{
		Name:       "link-symmetry",
		Hypothesis: "Every employee-member cross-reference is mirrored on both records",
		Metric: zero("symmetry_violations", func(ctx context.Context) (float64, error) {
			return float64(len(links.SymmetryViolations(ctx))), nil
		}),
	}
}

// FieldConflictCheck counts linked pairs whose identity fields disagree.
func FieldConflictCheck(links LinkAuditor) Check {
	return Check{
		Name:       "link-field-conflicts",
		Hypothesis: "Linked employees and members agree on name, phone, email, birth date and gender",
		Metric: zero("field_conflicts", func(ctx context.Context) (float64, error) {
			var n int
			for _, r := range links.Conflicts(ctx) {
				n += len(r.Conflicts)
			}
			return float64(n), nil
		}),
	}
}

// AggregateDriftCheck compares every member's tithe aggregate with its ledger history.
func AggregateDriftCheck(ledger LedgerAuditor) Check {
	return Check{
		Name:       "tithe-aggregate-drift",
		Hypothesis: "Member tithe totals, last tithe and frequency match the ledger",
		Metric: zero("aggregate_drift", func(ctx context.Context) (float64, error) {
			return float64(len(ledger.AggregateDrift(ctx))), nil
		}),
		Repair: []Action{{
			Type:   "reconcile",
			Target: "full_members",
			Execute: func(ctx context.Context) error {
				if _, err := ledger.ReconcileAll(ctx); err != nil {
					return fmt.Errorf("reconcile aggregates: %w", err)
				}
				return nil
			},
		}},
	}
}

// OrphanTitheCheck counts active tithes whose member does not exist.
func OrphanTitheCheck(ledger LedgerAuditor) Check {
	return Check{
		Name:       "orphan-tithes",
		Hypothesis: "Every active tithe belongs to a known member",
		Metric: zero("orphan_tithes", func(ctx context.Context) (float64, error) {
			return float64(len(ledger.OrphanTithes(ctx))), nil
		}),
	}
}

// StaleAuditCheck counts entries already outside the retention window.
func StaleAuditCheck(trail AuditMaintainer) Check {
	return Check{
		Name:       "audit-retention",
		Hypothesis: "No audit entry outlives the configured retention",
		Metric: zero("stale_audit_entries", func(ctx context.Context) (float64, error) {
			return float64(trail.StaleCount(ctx)), nil
		}),
		Repair: []Action{{
			Type:   "prune",
			Target: "audit_logs",
			Execute: func(ctx context.Context) error {
				_, err := trail.Prune(ctx)
				return err
			},
		}},
	}
}
