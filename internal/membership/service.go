// internal/membership/service.go
package membership

import (
	"context"
	"encoding/json"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

// Service defines the interface for the membership lifecycle: visitor, new member, full member,
// plus the employee records the linker cross-references.
type Service interface {
	RecordVisit(ctx context.Context, in VisitInput) (*domain.Visitor, error)
	SetVisitorStatus(ctx context.Context, id string, status domain.VisitorStatus) (*domain.Visitor, error)
	PromoteVisitor(ctx context.Context, visitorID string, in PromotionInput) (*domain.NewMember, error)
	UpdateNewMember(ctx context.Context, id string, expectedVersion int, patch json.RawMessage) (*domain.NewMember, error)
	PromoteNewMember(ctx context.Context, newMemberID string) (*domain.FullMember, error)

	CreateFullMember(ctx context.Context, in FullMemberInput) (*domain.FullMember, error)
	UpdateFullMember(ctx context.Context, id string, expectedVersion int, patch json.RawMessage) (*domain.FullMember, error)
	CreateEmployee(ctx context.Context, in EmployeeInput) (*domain.Employee, error)
	UpdateEmployee(ctx context.Context, id string, expectedVersion int, patch json.RawMessage) (*domain.Employee, error)
	Deactivate(ctx context.Context, entity domain.EntityType, id string, expectedVersion int) error

	ListVisitors(ctx context.Context, includeInactive bool) []domain.Visitor
	ListNewMembers(ctx context.Context, includeInactive bool) []domain.NewMember
	ListFullMembers(ctx context.Context, includeInactive bool) []domain.FullMember
	ListEmployees(ctx context.Context, includeInactive bool) []domain.Employee
	GetVisitor(ctx context.Context, id string) (*domain.Visitor, error)
	GetNewMember(ctx context.Context, id string) (*domain.NewMember, error)
	GetFullMember(ctx context.Context, id string) (*domain.FullMember, error)
	GetEmployee(ctx context.Context, id string) (*domain.Employee, error)
}
