// internal/linkage/domain.go
package linkage

import (
	"time"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

var (
	// ErrAlreadyLinked is returned when either side of a link already has an active cross-reference.
	ErrAlreadyLinked = domain.Conflict("employee or member is already linked")
	// ErrNotLinked is returned by Unlink for an employee without a member link.
	ErrNotLinked = domain.Conflict("employee is not linked to a member")
)

// LinkResult is the state of both sides after a successful link or unlink.
type LinkResult struct {
	Employee domain.Employee            `json:"employee"`
	Member   domain.FullMember          `json:"member"`
	History  *domain.EmployeeMemberLink `json:"history,omitempty"`
}

// Match is a member proposed for an employee, with its additive score.
type Match struct {
	Member  domain.FullMember `json:"member"`
	Score   float64           `json:"score"`
	Signals []string          `json:"signals"`
}

// Statistics summarises linkage over active records.
type Statistics struct {
	TotalEmployees    int `json:"total_employees"`
	TotalMembers      int `json:"total_members"`
	LinkedEmployees   int `json:"linked_employees"`
	LinkedMembers     int `json:"linked_members"`
	UnlinkedEmployees int `json:"unlinked_employees"`
	UnlinkedMembers   int `json:"unlinked_members"`
	LinkagePercentage int `json:"linkage_percentage"`
}

// ConflictReport lists field mismatches for one linked pair.
type ConflictReport struct {
	EmployeeID string   `json:"employee_id"`
	MemberID   string   `json:"member_id"`
	Conflicts  []string `json:"conflicts"`
}

// SymmetryViolation is a cross-reference that is not mirrored on the other side.
type SymmetryViolation struct {
	EmployeeID string `json:"employee_id,omitempty"`
	MemberID   string `json:"member_id,omitempty"`
	Reason     string `json:"reason"`
}

// ExportRow is one flat row of the linkage report.
type ExportRow struct {
	EmployeeID     string     `json:"employee_id"`
	EmployeeNumber string     `json:"employee_number,omitempty"`
	EmployeeName   string     `json:"employee_name"`
	Department     string     `json:"department"`
	Position       string     `json:"position"`
	IsChurchMember bool       `json:"is_church_member"`
	MemberID       string     `json:"member_id,omitempty"`
	MemberName     string     `json:"member_name,omitempty"`
	TitheNumber    string     `json:"tithe_number,omitempty"`
	LinkedAt       *time.Time `json:"linked_at,omitempty"`
	Conflicts      int        `json:"conflicts"`
}
