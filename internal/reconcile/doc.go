// Package reconcile periodically compares every local instance with what the
// gateway reports and repairs the differences.
//
// # Findings
//
// An instance the gateway answers NotFound for is an orphan and is moved to
// deleted (or removed entirely under the hard_delete policy). A gateway
// state the state machine would act on is drift and is applied as a system
// event. Instances sitting in a pairing status without recent gateway
// contact are flagged as stale. A gateway that cannot be reached makes the
// instance ambiguous: it is logged and left alone, since unknown is not gone.
//
// Dry runs classify without writing anything.
package reconcile
