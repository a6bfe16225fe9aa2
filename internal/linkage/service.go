// internal/linkage/service.go
package linkage

import (
	"context"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

// Service maintains the bidirectional Employee <-> FullMember cross-reference.
type Service interface {
	Link(ctx context.Context, employeeID, memberID, notes string) (*LinkResult, error)
	Unlink(ctx context.Context, employeeID, reason string) (*LinkResult, error)
	FindPotentialMatches(ctx context.Context, employeeID string) ([]Match, error)
	DetectConflicts(ctx context.Context, employeeID string) ([]string, error)
	Statistics(ctx context.Context) Statistics
	Conflicts(ctx context.Context) []ConflictReport
	SymmetryViolations(ctx context.Context) []SymmetryViolation
	ExportLinkageData(ctx context.Context) []ExportRow
	History(ctx context.Context, employeeID string) []domain.EmployeeMemberLink
}
