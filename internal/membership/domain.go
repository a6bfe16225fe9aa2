// internal/membership/domain.go
package membership

import (
	"time"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

var (
	ErrNotEligible     = domain.Conflict("new member is not eligible for full membership")
	ErrAlreadyPromoted = domain.Conflict("record has already been promoted")
	ErrDuplicateID     = domain.Conflict("identifier is already in use")
	ErrLinked          = domain.Conflict("record is cross-referenced; unlink it first")
	ErrInvalidStatus   = domain.Invalid("unsupported visitor status")
	ErrUnsupportedKind = domain.Invalid("unsupported entity type")
)

// VisitInput is a visit captured at the welcome desk. Visitors are matched by phone.
type VisitInput struct {
	domain.Person
	VisitDate       *time.Time `json:"visit_date,omitempty"`
	HowHeardAboutUs string     `json:"how_heard_about_us,omitempty" validate:"max=200"`
}

// PromotionInput carries the membership-track fields captured when a visitor joins.
type PromotionInput struct {
	IsBaptized            bool       `json:"is_baptized"`
	BaptismDate           *time.Time `json:"baptism_date,omitempty"`
	BibleStudyCompleted   bool       `json:"bible_study_completed"`
	BibleStudyCompletedAt *time.Time `json:"bible_study_completed_at,omitempty"`
	EmploymentStatus      string     `json:"employment_status,omitempty" validate:"max=50"`
	PreviousChurch        string     `json:"previous_church,omitempty" validate:"max=200"`
	ReasonForLeaving      string     `json:"reason_for_leaving,omitempty" validate:"max=500"`
}

// FullMemberInput creates a member directly, e.g. when migrating an existing register.
// Blank identifiers are allocated from the member sequences.
type FullMemberInput struct {
	domain.Person
	MemberID       string     `json:"member_id,omitempty" validate:"max=40"`
	TitheNumber    string     `json:"tithe_number,omitempty" validate:"max=40"`
	MembershipDate *time.Time `json:"membership_date,omitempty"`
}

// EmployeeInput creates an HR record.
type EmployeeInput struct {
	domain.Person
	EmployeeID       string     `json:"employee_id,omitempty" validate:"max=40"`
	EmployeeNumber   string     `json:"employee_number,omitempty" validate:"max=40"`
	Department       string     `json:"department" validate:"required,max=100"`
	Position         string     `json:"position" validate:"required,max=100"`
	EmploymentDate   *time.Time `json:"employment_date,omitempty"`
	EmploymentStatus string     `json:"employment_status,omitempty" validate:"omitempty,oneof=Active Suspended Terminated"`
	ContractType     string     `json:"contract_type,omitempty" validate:"omitempty,oneof=Permanent Contract Casual Volunteer"`
}
