// Package store provides persistent storage for channel instances and the
// audit trail.
//
// # Architecture
//
// The package is interface-driven:
//
//   - InstanceStore: CRUD over channel instances plus CompareAndSetStatus
//   - AuditStore: append-only audit log
//   - Store: both, plus Ping and Close
//
// SQLStore implements Store over database/sql. Three drivers are supported
// and share one schema:
//
//   - sqlite  (modernc.org/sqlite, pure Go, the default)
//   - sqlite3 (github.com/mattn/go-sqlite3, cgo)
//   - pgx     (github.com/jackc/pgx/v5/stdlib, Postgres)
//
// Queries are written with ? placeholders and rebound to $n for Postgres.
// Timestamps are stored as fixed-width UTC TEXT so they sort lexically on
// every backend.
//
// # Status writes
//
// Status is never written directly. CompareAndSetStatus updates a row only
// when both the expected status and the row version still match, bumping the
// version on success:
//
//	err := s.CompareAndSetStatus(ctx, inst.ID, inst.Status, inst.Version, store.StatusUpdate{
//		Status: lifecycle.StatusConnected,
//	})
//	if errors.Is(err, store.ErrStatusConflict) {
//		// reload and re-evaluate
//	}
//
// # Testing
//
// MockStore is an in-memory implementation that counts every call, which lets
// tests prove a code path never reached persistence.
package store
