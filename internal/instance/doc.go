// Package instance owns every status change of a channel instance.
//
// All writers (user operations, watchers, webhooks and reconciliation) call
// Service.Apply with a lifecycle.Event. Within one process mutations of an
// instance are serialized by a keyed mutex; across processes the store's
// compare-and-set on (status, version) rejects stale writes and Apply
// re-evaluates against the fresh row.
//
// A transition that needs a gateway call (create or delete) runs it before
// anything is persisted, so a failed call leaves the stored status untouched.
// Committed transitions are audited and published to the event hub.
package instance
