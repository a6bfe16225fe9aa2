// Package domain holds the entities shared by the record store, the linker and the tithe ledger.
package domain

import (
	"strings"
	"time"
)

// EntityType names a persisted collection in audit entries and errors.
type EntityType string

const (
	EntityVisitor    EntityType = "visitor"
	EntityNewMember  EntityType = "new_member"
	EntityFullMember EntityType = "full_member"
	EntityEmployee   EntityType = "employee"
	EntityTithe      EntityType = "tithe"
	EntityLink       EntityType = "employee_member_link"
)

// Base is the bookkeeping block every persisted entity carries.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by"`
	UpdatedBy string    `json:"updated_by"`
	IsActive  bool      `json:"is_active"`
	Version   int       `json:"version"`
}

// Meta exposes the bookkeeping block to generic collections.
func (b *Base) Meta() *Base { return b }

// Person is the identity block shared by visitors, members and employees.
type Person struct {
	FirstName     string     `json:"first_name" validate:"required,max=100"`
	LastName      string     `json:"last_name" validate:"required,max=100"`
	Phone         string     `json:"phone" validate:"required,min=7,max=20"`
	Email         string     `json:"email,omitempty" validate:"omitempty,email"`
	Gender        string     `json:"gender,omitempty" validate:"omitempty,oneof=Male Female"`
	DateOfBirth   *time.Time `json:"date_of_birth,omitempty"`
	MaritalStatus string     `json:"marital_status,omitempty"`
	Address       string     `json:"address,omitempty"`
}

// FullName joins first and last name with a single space.
func (p Person) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
}

// VisitorStatus is the lifecycle state of a visitor.
type VisitorStatus string

const (
	VisitorActive   VisitorStatus = "ActiveVisitor"
	VisitorPromoted VisitorStatus = "PromotedToNewMember"
	VisitorInactive VisitorStatus = "Inactive"
	VisitorLost     VisitorStatus = "Lost"
)

// Visitor is created on a first recorded visit and never hard-deleted.
type Visitor struct {
	Base
	Person
	FirstVisitDate      time.Time     `json:"first_visit_date"`
	LastVisitDate       time.Time     `json:"last_visit_date"`
	TotalVisits         int           `json:"total_visits"`
	ConsecutiveSundays  int           `json:"consecutive_sundays"`
	Status              VisitorStatus `json:"status"`
	PromotedToNewMember bool          `json:"promoted_to_new_member"`
	PromotionDate       *time.Time    `json:"promotion_date,omitempty"`
	RetentionScore      int           `json:"retention_score"`
	HowHeardAboutUs     string        `json:"how_heard_about_us,omitempty"`
}

// NewMember is the probationary membership stage a visitor is promoted into.
type NewMember struct {
	Base
	Person
	JoinDate                 time.Time  `json:"join_date"`
	TransferredFromVisitorID string     `json:"transferred_from_visitor_id,omitempty"`
	IsBaptized               bool       `json:"is_baptized"`
	BaptismDate              *time.Time `json:"baptism_date,omitempty"`
	BibleStudyCompleted      bool       `json:"bible_study_completed"`
	BibleStudyCompletedAt    *time.Time `json:"bible_study_completed_at,omitempty"`
	EmploymentStatus         string     `json:"employment_status,omitempty"`
	PreviousChurch           string     `json:"previous_church,omitempty"`
	ReasonForLeaving         string     `json:"reason_for_leaving,omitempty"`
	EligibleForMembership    bool       `json:"eligible_for_membership"`
	PromotedToMemberID       string     `json:"promoted_to_member_id,omitempty"`
}

// MembershipStatus of a full member.
type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "Active"
	MembershipInactive MembershipStatus = "Inactive"
)

// TitheFrequency is derived from a member's most recent tithes.
type TitheFrequency string

const (
	FrequencyWeekly    TitheFrequency = "Weekly"
	FrequencyMonthly   TitheFrequency = "Monthly"
	FrequencyIrregular TitheFrequency = "Irregular"
)

// FullMember is the canonical membership record.
type FullMember struct {
	Base
	Person
	MemberID            string           `json:"member_id"`
	TitheNumber         string           `json:"tithe_number"`
	OriginalVisitorID   string           `json:"original_visitor_id,omitempty"`
	OriginalNewMemberID string           `json:"original_new_member_id,omitempty"`
	MembershipDate      time.Time        `json:"membership_date"`
	MembershipStatus    MembershipStatus `json:"membership_status"`

	// Employee cross-reference. Authoritative link state lives here and on Employee.
	IsEmployee       bool       `json:"is_employee"`
	EmployeeID       string     `json:"employee_id,omitempty"`
	EmployeeNumber   string     `json:"employee_number,omitempty"`
	Department       string     `json:"department,omitempty"`
	Position         string     `json:"position,omitempty"`
	DateOfEmployment *time.Time `json:"date_of_employment,omitempty"`

	// Tithe aggregate, derived from the ledger and never edited directly.
	TotalTithes     float64        `json:"total_tithes"`
	LastTitheDate   *time.Time     `json:"last_tithe_date,omitempty"`
	LastTitheAmount float64        `json:"last_tithe_amount"`
	TitheFrequency  TitheFrequency `json:"tithe_frequency,omitempty"`
}

// Employee is an HR record that may be linked to a full member.
type Employee struct {
	Base
	Person
	EmployeeID       string    `json:"employee_id"`
	EmployeeNumber   string    `json:"employee_number,omitempty"`
	Department       string    `json:"department"`
	Position         string    `json:"position"`
	EmploymentDate   time.Time `json:"employment_date"`
	EmploymentStatus string    `json:"employment_status"`
	ContractType     string    `json:"contract_type,omitempty"`

	// Member cross-reference, mirrors the FullMember side.
	IsChurchMember bool   `json:"is_church_member"`
	MemberID       string `json:"member_id,omitempty"`
	TitheNumber    string `json:"tithe_number,omitempty"`
	VisitorID      string `json:"visitor_id,omitempty"`
}

// TitheCategory buckets a contribution.
type TitheCategory string

const (
	CategoryTithe        TitheCategory = "Tithe"
	CategoryOffering     TitheCategory = "Offering"
	CategoryBuildingFund TitheCategory = "BuildingFund"
	CategoryMission      TitheCategory = "Mission"
	CategoryWelfare      TitheCategory = "Welfare"
)

// TitheType describes the occasion of a contribution.
type TitheType string

const (
	TypeRegular         TitheType = "Regular"
	TypeSpecialOffering TitheType = "SpecialOffering"
	TypeThanksgiving    TitheType = "Thanksgiving"
	TypeFirstFruits     TitheType = "FirstFruits"
	TypeHarvest         TitheType = "Harvest"
)

// TitheRecord is a financial entry. It is never edited after it is written except for
// verification and reversal.
type TitheRecord struct {
	Base
	TitheID          string        `json:"tithe_id"`
	MemberID         string        `json:"member_id"`
	TitheNumber      string        `json:"tithe_number"`
	MemberName       string        `json:"member_name,omitempty"`
	Amount           float64       `json:"amount"`
	Currency         string        `json:"currency"`
	PaymentMethod    string        `json:"payment_method"`
	PaymentReference string        `json:"payment_reference,omitempty"`
	TitheDate        time.Time     `json:"tithe_date"`
	ServiceDate      time.Time     `json:"service_date"`
	Category         TitheCategory `json:"category"`
	TitheType        TitheType     `json:"tithe_type"`
	ReceivedBy       string        `json:"received_by"`
	IsVerified       bool          `json:"is_verified"`
	VerifiedBy       string        `json:"verified_by,omitempty"`
	VerifiedAt       *time.Time    `json:"verified_at,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	ReversalReason   string        `json:"reversal_reason,omitempty"`
	ReversedAt       *time.Time    `json:"reversed_at,omitempty"`
}

// EmployeeMemberLink is the history of link and unlink operations. It is not authoritative.
type EmployeeMemberLink struct {
	Base
	EmployeeID   string     `json:"employee_id"`
	MemberID     string     `json:"member_id"`
	EmployeeName string     `json:"employee_name"`
	MemberName   string     `json:"member_name"`
	LinkedBy     string     `json:"linked_by"`
	LinkedAt     time.Time  `json:"linked_at"`
	Notes        string     `json:"notes,omitempty"`
	UnlinkedAt   *time.Time `json:"unlinked_at,omitempty"`
}
