package records

import (
	"errors"
	"fmt"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = domain.Conflict("version conflict: record was modified")
	ErrDuplicateID     = domain.Conflict("duplicate record id")
)

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity domain.EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is makes NotFoundError match ErrNotFound.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }
