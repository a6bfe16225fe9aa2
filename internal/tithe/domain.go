// internal/tithe/domain.go
package tithe

import (
	"time"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

var (
	ErrInvalidAmount   = domain.Invalid("tithe amount must be greater than zero")
	ErrAlreadyReversed = domain.Conflict("tithe has already been reversed")
	ErrReasonRequired  = domain.Invalid("a reversal reason is required")
)

// DefaultCurrency applies when a contribution names none.
const DefaultCurrency = "KES"

// RecordInput is a contribution as captured at the collection desk.
type RecordInput struct {
	MemberID         string               `json:"member_id" validate:"required"`
	TitheNumber      string               `json:"tithe_number,omitempty"`
	MemberName       string               `json:"member_name,omitempty"`
	Amount           float64              `json:"amount" validate:"gt=0"`
	Currency         string               `json:"currency,omitempty" validate:"omitempty,len=3"`
	PaymentMethod    string               `json:"payment_method" validate:"required,max=50"`
	PaymentReference string               `json:"payment_reference,omitempty" validate:"max=100"`
	Category         domain.TitheCategory `json:"category,omitempty" validate:"omitempty,oneof=Tithe Offering BuildingFund Mission Welfare"`
	TitheType        domain.TitheType     `json:"tithe_type,omitempty" validate:"omitempty,oneof=Regular SpecialOffering Thanksgiving FirstFruits Harvest"`
	ReceivedBy       string               `json:"received_by,omitempty"`
	Notes            string               `json:"notes,omitempty" validate:"max=500"`
	// TitheDate backdates an entry captured after the fact. Zero means now.
	TitheDate *time.Time `json:"tithe_date,omitempty"`
}

// Bucket is a count and sum.
type Bucket struct {
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

// PeriodStats are rolling totals anchored to the current time.
type PeriodStats struct {
	Today     Bucket `json:"today"`
	ThisWeek  Bucket `json:"this_week"`
	ThisMonth Bucket `json:"this_month"`
	ThisYear  Bucket `json:"this_year"`
}

// Contributor is one row of the top contributor ranking.
type Contributor struct {
	MemberID    string  `json:"member_id"`
	MemberName  string  `json:"member_name"`
	TitheNumber string  `json:"tithe_number"`
	Total       float64 `json:"total"`
	Count       int     `json:"count"`
}

// Analytics summarises the ledger over a date window.
type Analytics struct {
	TotalAmount         float64                         `json:"total_amount"`
	TotalRecords        int                             `json:"total_records"`
	AverageAmount       float64                         `json:"average_amount"`
	UniqueMembers       int                             `json:"unique_members"`
	RegularContributors int                             `json:"regular_contributors"`
	Periods             PeriodStats                     `json:"periods"`
	TopContributors     []Contributor                   `json:"top_contributors"`
	ByPaymentMethod     map[string]Bucket               `json:"by_payment_method"`
	ByCategory          map[domain.TitheCategory]Bucket `json:"by_category"`
}

// Drift is a member whose stored aggregate differs from its tithe history.
type Drift struct {
	MemberID      string     `json:"member_id"`
	StoredTotal   float64    `json:"stored_total"`
	ComputedTotal float64    `json:"computed_total"`
	StoredLast    *time.Time `json:"stored_last,omitempty"`
	ComputedLast  *time.Time `json:"computed_last,omitempty"`

	StoredLastAmount   float64 `json:"stored_last_amount"`
	ComputedLastAmount float64 `json:"computed_last_amount"`
}

// ReconcileReport is the outcome of ReconcileAll.
type ReconcileReport struct {
	Checked  int      `json:"checked"`
	Repaired []string `json:"repaired"`
}
