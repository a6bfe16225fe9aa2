// Package storage is the key/value substrate under the record store. Each logical collection is one
// key holding one JSON document. Writes carry the revision the caller read so that concurrent writers
// cannot silently overwrite each other.
package storage

import (
	"context"
	"errors"
)

// Collection keys.
const (
	KeyVisitors       = "visitors"
	KeyNewMembers     = "new_members"
	KeyFullMembers    = "full_members"
	KeyEmployees      = "employees"
	KeyTithes         = "tithes"
	KeyAuditLogs      = "audit_logs"
	KeySecurityConfig = "security_config"
	KeyLinks          = "employee_member_links"
	KeySequences      = "sequences"
)

// Keys lists every collection key, in backup order.
var Keys = []string{
	KeySecurityConfig, KeySequences, KeyVisitors, KeyNewMembers, KeyFullMembers,
	KeyEmployees, KeyTithes, KeyLinks, KeyAuditLogs,
}

var (
	// ErrUnavailable reports that the substrate could not complete a write.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrRevisionMismatch reports that the key changed since it was read.
	ErrRevisionMismatch = errors.New("storage revision mismatch")
)

// Item is a stored value and its revision. A missing key is the zero Item.
type Item struct {
	Value    []byte
	Revision int64
}

// Exists reports whether the key has ever been written.
func (i Item) Exists() bool { return i.Revision > 0 }

// Store is the persistence substrate contract.
type Store interface {
	// Get returns the current value of key. A missing key is not an error.
	Get(ctx context.Context, key string) (Item, error)
	// Put replaces the value of key if its revision still equals expectedRevision
	// (0 for a key that must not exist yet) and returns the new revision.
	Put(ctx context.Context, key string, value []byte, expectedRevision int64) (int64, error)
	// Ping verifies the substrate is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Diagnostics receives failures that the record store absorbs instead of returning.
type Diagnostics interface {
	ReadFailed(key string, err error)
	WriteFailed(key string, err error)
	Conflict(key string)
}

// NopDiagnostics discards everything.
type NopDiagnostics struct{}

func (NopDiagnostics) ReadFailed(string, error)  {}
func (NopDiagnostics) WriteFailed(string, error) {}
func (NopDiagnostics) Conflict(string)           {}
