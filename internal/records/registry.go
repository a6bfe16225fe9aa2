package records

import (
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
)

type (
	Visitors    = Collection[domain.Visitor, *domain.Visitor]
	NewMembers  = Collection[domain.NewMember, *domain.NewMember]
	FullMembers = Collection[domain.FullMember, *domain.FullMember]
	Employees   = Collection[domain.Employee, *domain.Employee]
	Tithes      = Collection[domain.TitheRecord, *domain.TitheRecord]
	Links       = Collection[domain.EmployeeMemberLink, *domain.EmployeeMemberLink]
)

// Registry holds one collection per entity type plus the shared sequence generator.
type Registry struct {
	Visitors    *Visitors
	NewMembers  *NewMembers
	FullMembers *FullMembers
	Employees   *Employees
	Tithes      *Tithes
	Links       *Links
	Sequence    *Sequence
}

// NewRegistry wires every collection to the same substrate and auditor.
func NewRegistry(deps Deps) *Registry {
	deps = deps.withDefaults()
	return &Registry{
		Visitors:    NewCollection[domain.Visitor](deps, storage.KeyVisitors, "VIS", domain.EntityVisitor),
		NewMembers:  NewCollection[domain.NewMember](deps, storage.KeyNewMembers, "NMB", domain.EntityNewMember),
		FullMembers: NewCollection[domain.FullMember](deps, storage.KeyFullMembers, "MEM", domain.EntityFullMember),
		Employees:   NewCollection[domain.Employee](deps, storage.KeyEmployees, "EMP", domain.EntityEmployee),
		Tithes:      NewCollection[domain.TitheRecord](deps, storage.KeyTithes, "TTH", domain.EntityTithe),
		Links:       NewCollection[domain.EmployeeMemberLink](deps, storage.KeyLinks, "LNK", domain.EntityLink),
		Sequence:    NewSequence(deps.Store, deps.Diagnostics),
	}
}
