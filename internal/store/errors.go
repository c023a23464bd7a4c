package store

import (
	"errors"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// IsUniqueViolation classifies a driver error as a unique-constraint
// violation, the serialization point both the outbox's event_id and
// the dedup ledger's (event_id, worker_kind) key rely on.
// It recognizes both the production driver (lib/pq) and the driver used
// by this package's tests (mattn/go-sqlite3).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
