// internal/tithe/service.go
package tithe

import (
	"context"
	"time"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

// Service records contributions and derives member and system-wide giving statistics.
type Service interface {
	RecordTithe(ctx context.Context, in RecordInput) (*domain.TitheRecord, error)
	GetMemberTithes(ctx context.Context, memberID string) []domain.TitheRecord
	GetAnalytics(ctx context.Context, start, end *time.Time) Analytics
	SearchMembers(ctx context.Context, query string) []domain.FullMember
	ReconcileMember(ctx context.Context, memberID string) (*domain.FullMember, error)
	ReconcileAll(ctx context.Context) (ReconcileReport, error)
	ReverseTithe(ctx context.Context, titheID, reason string) (*domain.TitheRecord, error)
	VerifyTithe(ctx context.Context, titheID string) (*domain.TitheRecord, error)
	ExportTitheData(ctx context.Context, start, end *time.Time) []domain.TitheRecord
	AggregateDrift(ctx context.Context) []Drift
	OrphanTithes(ctx context.Context) []domain.TitheRecord
}
